package context

import (
	goerrors "errors"
	"fmt"

	"github.com/goccy/go-yaml"

	"github.com/buildstream-go/bst/internal/bsterrors"
)

// ShellConfig is the project's shell{} block of §6.
type ShellConfig struct {
	Command     []string          `yaml:"command,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	HostFiles   []string          `yaml:"host-files,omitempty"`
}

// ProjectConfig is one project.conf of §6: identity, element search
// path, fatal-warnings, variables/environment/options, and the
// project's own artifact remotes.
type ProjectConfig struct {
	Name          string            `yaml:"name"`
	FormatVersion int               `yaml:"format-version"`
	ElementPath   string            `yaml:"element-path,omitempty"`
	FatalWarnings []string          `yaml:"fatal-warnings,omitempty"`
	Options       map[string]interface{} `yaml:"options,omitempty"`
	Variables     map[string]string `yaml:"variables,omitempty"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	Artifacts     []RemoteConfig    `yaml:"artifacts,omitempty"`
	SplitRules    map[string][]string `yaml:"split-rules,omitempty"`
	Shell         ShellConfig       `yaml:"shell,omitempty"`
}

// LoadProjectConfig parses and validates a project.conf document.
func LoadProjectConfig(dt []byte) (*ProjectConfig, error) {
	var cfg ProjectConfig
	if err := yaml.Unmarshal(dt, &cfg); err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainLoad, bsterrors.ReasonUnsupportedFormat, "parsing project configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainLoad, bsterrors.ReasonUserAssertion, "validating project configuration")
	}
	return &cfg, nil
}

// Validate accumulates every configuration problem.
func (c ProjectConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, goerrors.New("name is required"))
	}
	if c.FormatVersion <= 0 {
		errs = append(errs, goerrors.New("format-version must be positive"))
	}
	for i, r := range c.Artifacts {
		if err := r.validate(); err != nil {
			errs = append(errs, fmt.Errorf("artifacts[%d]: %w", i, err))
		}
	}
	return goerrors.Join(errs...)
}

// FatalWarningSet returns FatalWarnings as a lookup set, for
// internal/sandbox's overlap policy and other warning-token checks.
func (c ProjectConfig) FatalWarningSet() map[string]bool {
	out := make(map[string]bool, len(c.FatalWarnings))
	for _, w := range c.FatalWarnings {
		out[w] = true
	}
	return out
}

func (c ProjectConfig) elementPathOrDefault() string {
	if c.ElementPath == "" {
		return "elements"
	}
	return c.ElementPath
}
