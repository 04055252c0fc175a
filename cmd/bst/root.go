// Package main is the bst CLI of §6: a thin spf13/cobra command tree
// wiring flags to the engine packages, with no business logic of its
// own. Grounded on the example pack's own cobra-based CLI layout
// (arcctl's build command tree: flat cobra.Command values returned by
// newXCmd constructors, RunE delegating straight into library code).
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/buildstream-go/bst/internal/artifact"
	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/cas"
	bstcontext "github.com/buildstream-go/bst/internal/context"
	"github.com/buildstream-go/bst/internal/pipeline"
)

// app holds every flag and lazily-constructed engine handle the
// subcommands share, the same role dalec's frontend gives its own
// top-level config struct.
type app struct {
	directory  string
	configPath string
	strict     bool
	options    map[string]string
	fetchers   int
	builders   int
	pushers    int
	onError    string

	userConfig *bstcontext.UserConfig
	projectCfg *bstcontext.ProjectConfig
	layout     *bstcontext.Layout
	cache      *artifact.Cache
}

func (a *app) loadUserConfig() (*bstcontext.UserConfig, error) {
	if a.userConfig != nil {
		return a.userConfig, nil
	}
	path := a.configPath
	if path == "" {
		path = filepath.Join(a.directory, "bst.conf")
	}
	dt, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			a.userConfig = &bstcontext.UserConfig{}
			return a.userConfig, nil
		}
		return nil, bsterrors.Wrap(err, bsterrors.DomainApp, bsterrors.ReasonIO, "reading user configuration")
	}
	cfg, err := bstcontext.LoadUserConfig(dt)
	if err != nil {
		return nil, err
	}
	a.userConfig = cfg
	return cfg, nil
}

func (a *app) loadProjectConfig() (*bstcontext.ProjectConfig, error) {
	if a.projectCfg != nil {
		return a.projectCfg, nil
	}
	dt, err := os.ReadFile(filepath.Join(a.directory, "project.conf"))
	if err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainLoad, bsterrors.ReasonIO, "reading project.conf")
	}
	cfg, err := bstcontext.LoadProjectConfig(dt)
	if err != nil {
		return nil, err
	}
	a.projectCfg = cfg
	return cfg, nil
}

func (a *app) openCache() (*artifact.Cache, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	cfg, err := a.loadUserConfig()
	if err != nil {
		return nil, err
	}
	cacheDir := cfg.ArtifactDir
	if cacheDir == "" {
		cacheDir = filepath.Join(a.directory, ".bst")
	}
	layout, err := bstcontext.NewLayout(cacheDir)
	if err != nil {
		return nil, err
	}
	a.layout = layout

	store, err := cas.Open(layout.CASDir)
	if err != nil {
		return nil, err
	}
	quota := parseQuota(cfg.Cache.Quota)
	cache, err := artifact.Open(store, quota)
	if err != nil {
		return nil, err
	}
	a.cache = cache
	return cache, nil
}

func (a *app) schedulerCaps(cfg bstcontext.SchedulerConfig) pipeline.QueueCaps {
	caps := cfg.Caps()
	if a.fetchers > 0 {
		caps.Fetchers = a.fetchers
	}
	if a.builders > 0 {
		caps.Builders = a.builders
	}
	if a.pushers > 0 {
		caps.Pushers = a.pushers
	}
	return caps
}

func (a *app) onErrorPolicy(cfg bstcontext.SchedulerConfig) pipeline.OnErrorPolicy {
	if a.onError != "" {
		cfg.OnError = a.onError
	}
	return cfg.Policy()
}

// parseQuota accepts a handful of byte-size suffixes; an empty or
// unparsable quota means unbounded.
func parseQuota(s string) int64 {
	if s == "" {
		return 0
	}
	var n int64
	var unit string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &unit); err != nil {
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return 0
		}
		return n
	}
	switch unit {
	case "K", "KB", "k":
		return n << 10
	case "M", "MB", "m":
		return n << 20
	case "G", "GB", "g":
		return n << 30
	case "T", "TB", "t":
		return n << 40
	default:
		return n
	}
}

func newRootCmd() *cobra.Command {
	a := &app{options: map[string]string{}}

	root := &cobra.Command{
		Use:           "bst",
		Short:         "BuildStream-compatible integration build tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&a.directory, "directory", "C", ".", "project directory")
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "user configuration file")
	root.PersistentFlags().BoolVar(&a.strict, "strict", true, "enable strict build mode")
	noStrict := root.PersistentFlags().Bool("no-strict", false, "disable strict build mode")
	root.PersistentFlags().StringToStringVarP(&a.options, "option", "o", nil, "set a project option KEY=VALUE")
	root.PersistentFlags().IntVar(&a.fetchers, "fetchers", 0, "maximum concurrent fetch jobs")
	root.PersistentFlags().IntVar(&a.builders, "builders", 0, "maximum concurrent build jobs")
	root.PersistentFlags().IntVar(&a.pushers, "pushers", 0, "maximum concurrent push jobs")
	root.PersistentFlags().StringVar(&a.onError, "on-error", "", "failure policy: continue, quit, or terminate")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if *noStrict {
			a.strict = false
		}
		return nil
	}

	root.AddCommand(
		newInitCmd(a),
		newBuildCmd(a),
		newShowCmd(a),
		newShellCmd(a),
		newSourceCmd(a),
		newWorkspaceCmd(a),
		newArtifactCmd(a),
	)
	return root
}
