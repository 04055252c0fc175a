// Package context implements the process-wide and per-project
// configuration of §6: user configuration (cache roots, scheduler
// caps, remotes), project configuration (fatal-warnings, variables,
// options), and the on-disk layout under one cache directory.
package context

import (
	"fmt"
	"os"
	"path/filepath"

	goerrors "errors"

	"github.com/goccy/go-yaml"

	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/casremote"
	"github.com/buildstream-go/bst/internal/pipeline"
)

// SchedulerConfig is the scheduler block of the user configuration.
type SchedulerConfig struct {
	Fetchers      int    `yaml:"fetchers,omitempty"`
	Builders      int    `yaml:"builders,omitempty"`
	Pushers       int    `yaml:"pushers,omitempty"`
	NetworkRetries int   `yaml:"network-retries,omitempty"`
	OnError       string `yaml:"on-error,omitempty"`
}

func (c *SchedulerConfig) validate() error {
	switch c.OnError {
	case "", "continue", "quit", "terminate":
	default:
		return fmt.Errorf("scheduler.on-error: unknown policy %q", c.OnError)
	}
	return nil
}

// Caps copies the scheduler block's three caps into pipeline.QueueCaps
// as they are; an unset cap stays 0, which the scheduler treats as 1.
// The on-error policy comes from Policy.
func (c SchedulerConfig) Caps() pipeline.QueueCaps {
	return pipeline.QueueCaps{Fetchers: c.Fetchers, Builders: c.Builders, Pushers: c.Pushers}
}

// Policy returns the configured on-error policy, defaulting to continue.
func (c SchedulerConfig) Policy() pipeline.OnErrorPolicy {
	switch c.OnError {
	case "quit":
		return pipeline.OnErrorQuit
	case "terminate":
		return pipeline.OnErrorTerminate
	default:
		return pipeline.OnErrorContinue
	}
}

// CacheConfig is the cache block of the user configuration.
type CacheConfig struct {
	Quota string `yaml:"quota,omitempty"`
}

// RemoteConfig is one entry of the top-level or per-project artifacts
// list, naming a CAS remote and whether pushes go there.
type RemoteConfig struct {
	URL      string `yaml:"url"`
	Push     bool   `yaml:"push,omitempty"`
	Instance string `yaml:"instance,omitempty"`
}

func (r RemoteConfig) toSpec() casremote.RemoteSpec {
	return casremote.RemoteSpec{URL: r.URL, Push: r.Push, Instance: r.Instance}
}

func (r RemoteConfig) validate() error {
	if r.URL == "" {
		return goerrors.New("artifact remote: url is required")
	}
	return nil
}

// ProjectUserConfig is one projects.<name> entry of the user config.
type ProjectUserConfig struct {
	Artifacts []RemoteConfig         `yaml:"artifacts,omitempty"`
	Options   map[string]interface{} `yaml:"options,omitempty"`
}

// UserConfig is the machine-wide configuration of §6: cache roots,
// scheduler concurrency, and the list of configured CAS remotes.
// Grounded on dalec's own Spec YAML loading (LoadSpec): goccy/go-yaml
// unmarshal into a plain tagged struct, with a Validate method that
// accumulates every problem via errors.Join instead of failing fast
// on the first one.
type UserConfig struct {
	SourceDir   string          `yaml:"sourcedir,omitempty"`
	BuildDir    string          `yaml:"builddir,omitempty"`
	ArtifactDir string          `yaml:"artifactdir,omitempty"`
	LogDir      string          `yaml:"logdir,omitempty"`
	Cache       CacheConfig     `yaml:"cache,omitempty"`
	Scheduler   SchedulerConfig `yaml:"scheduler,omitempty"`
	Artifacts   []RemoteConfig  `yaml:"artifacts,omitempty"`

	Projects map[string]ProjectUserConfig `yaml:"projects,omitempty"`
}

// LoadUserConfig parses and validates a user configuration document.
func LoadUserConfig(dt []byte) (*UserConfig, error) {
	var cfg UserConfig
	if err := yaml.Unmarshal(dt, &cfg); err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainApp, bsterrors.ReasonUnsupportedFormat, "parsing user configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainApp, bsterrors.ReasonUserAssertion, "validating user configuration")
	}
	return &cfg, nil
}

// Validate accumulates every configuration problem rather than
// stopping at the first, mirroring dalec's Spec.Validate.
func (c UserConfig) Validate() error {
	var errs []error
	if err := c.Scheduler.validate(); err != nil {
		errs = append(errs, err)
	}
	for i, r := range c.Artifacts {
		if err := r.validate(); err != nil {
			errs = append(errs, fmt.Errorf("artifacts[%d]: %w", i, err))
		}
	}
	for name, p := range c.Projects {
		for i, r := range p.Artifacts {
			if err := r.validate(); err != nil {
				errs = append(errs, fmt.Errorf("projects.%s.artifacts[%d]: %w", name, i, err))
			}
		}
	}
	return goerrors.Join(errs...)
}

// Remotes returns this config's remote bindings for project, merging
// the top-level artifacts list with the project's own.
func (c UserConfig) Remotes(project string) []casremote.RemoteSpec {
	var out []casremote.RemoteSpec
	for _, r := range c.Artifacts {
		out = append(out, r.toSpec())
	}
	if p, ok := c.Projects[project]; ok {
		for _, r := range p.Artifacts {
			out = append(out, r.toSpec())
		}
	}
	return out
}

// Layout resolves the on-disk layout of §6 under root (the cache
// directory), creating every top-level directory.
type Layout struct {
	Root    string
	CASDir  string
	Extract string
	Build   string
	Logs    string
}

// NewLayout creates and returns the on-disk cache layout rooted at dir.
func NewLayout(dir string) (*Layout, error) {
	l := &Layout{
		Root:    dir,
		CASDir:  filepath.Join(dir, "cas"),
		Extract: filepath.Join(dir, "extract"),
		Build:   filepath.Join(dir, "build"),
		Logs:    filepath.Join(dir, "logs"),
	}
	for _, d := range []string{l.CASDir, l.Extract, l.Build, l.Logs} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, bsterrors.Wrap(err, bsterrors.DomainApp, bsterrors.ReasonIO, "creating cache layout")
		}
	}
	return l, nil
}

// LogPath names one action's log file per §6's layout.
func (l *Layout) LogPath(project, name, key, action string, pid int) string {
	return filepath.Join(l.Logs, project, name, fmt.Sprintf("%s-%s.%d.log", key, action, pid))
}
