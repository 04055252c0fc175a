// Package element implements the §3 data model: the declarative
// description of one build unit, the Source and Element plugin
// contracts of §6, and the capability-set dispatch described in §9 (a
// tagged variant of function pointers rather than class inheritance).
package element

import (
	"context"

	"github.com/buildstream-go/bst/internal/vdir"
)

// Consistency is the per-source enum of §3. An element's consistency is
// the minimum over its sources.
type Consistency int

const (
	Inconsistent Consistency = iota
	Resolved
	Cached
)

func (c Consistency) String() string {
	switch c {
	case Inconsistent:
		return "inconsistent"
	case Resolved:
		return "resolved"
	case Cached:
		return "cached"
	default:
		return "unknown"
	}
}

// MinConsistency returns the minimum consistency across sources, or
// Cached if sources is empty (an element with no sources is vacuously
// fully consistent).
func MinConsistency(sources []Source) Consistency {
	min := Cached
	for _, s := range sources {
		if c := s.Consistency(); c < min {
			min = c
		}
	}
	return min
}

// DependencyKind distinguishes the two typed dependency lists of §3.
type DependencyKind int

const (
	DepBuild DependencyKind = iota
	DepRuntime
)

// Dependency is one edge out of an Element, typed build or runtime.
type Dependency struct {
	Name string
	Kind DependencyKind
}

// Element is the declarative build unit of §3: a kind (plugin identity),
// its sources, typed dependency lists, environment, resolved variables,
// public data, and split rules.
type Element struct {
	Name         string
	Kind         string
	Sources      []Source
	Dependencies []Dependency
	Environment  map[string]string
	Variables    map[string]string
	Public       map[string]interface{}

	// EnvironmentNoCache names Environment keys excluded from the cache
	// key's canonical dictionary (§3's "environment (minus nocache)").
	EnvironmentNoCache []string

	// SplitRules maps a domain name to the globs that select it, used to
	// slice an artifact's files/ tree (e.g. "devel" -> ["*.h", "*.a"]).
	SplitRules map[string][]string
}

// BuildDeps returns the element's direct build dependency names.
func (e *Element) BuildDeps() []string {
	var out []string
	for _, d := range e.Dependencies {
		if d.Kind == DepBuild {
			out = append(out, d.Name)
		}
	}
	return out
}

// OverlapWhitelist reads the bst.overlap-whitelist glob list out of
// Public, per §4.F.
func (e *Element) OverlapWhitelist() []string {
	bst, ok := e.Public["bst"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := bst["overlap-whitelist"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, g := range raw {
		if s, ok := g.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IntegrationCommands reads bst.integration-commands out of Public, per
// §4.F's "integration commands are run after dependencies are staged".
func (e *Element) IntegrationCommands() []string {
	bst, ok := e.Public["bst"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := bst["integration-commands"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if s, ok := c.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Source is the §6 Source plugin contract: an opaque producer of a
// pinned reference that can be tracked, fetched, and staged.
type Source interface {
	Configure(config map[string]interface{}) error
	Preflight() error
	UniqueKey() (interface{}, error)
	Consistency() Consistency

	LoadRef(config map[string]interface{}) error
	Ref() string
	SetRef(ref string, config map[string]interface{})

	// Track resolves a symbolic branch/tag to a concrete ref. An empty
	// string return means the ref did not move.
	Track(ctx context.Context) (string, error)
	Fetch(ctx context.Context) error
	Stage(dir vdir.Directory) error
}

// UnstableSource is implemented by sources whose Resolved consistency
// can still change without a fetch — the workspace source of §9's
// design notes is the only built-in example. The state machine's step 3
// uses this to invalidate cached keys for such sources.
type UnstableSource interface {
	Source
	Unstable() bool
}

// RunFlags is the bitset accepted by the sandbox command runner, §4.F.
type RunFlags uint8

const (
	RootReadOnly RunFlags = 1 << iota
	NetworkEnabled
	Interactive
	InheritUID
)

// SandboxHandle is the capability an ElementPlugin is given during
// configure_sandbox/stage/assemble. internal/sandbox implements it;
// element stays free of a dependency on sandbox to preserve the A←B←
// {C,E}←{D,F}←G layering of §2.
type SandboxHandle interface {
	MarkDirectory(path string, readWrite bool)
	SetEnv(key, value string)

	// ImportArtifact stages a dependency's files/ tree (or a subset of
	// it named by files) at path, returning the overlap-tracking result.
	ImportArtifact(depName string, path string, files []string) (*vdir.FileListResult, error)
	ImportSource(src Source, path string) error

	Run(ctx context.Context, argv []string, flags RunFlags, cwd string, env map[string]string) (int, error)

	// CollectDirectory returns a Directory view of path inside the
	// sandbox, for the artifact cache to commit.
	CollectDirectory(path string) (vdir.Directory, error)
}

// ElementPlugin is the §6 Element plugin contract: the capability-set
// sum type of §9, expressed as a Go interface implemented by built-in
// kinds and by third-party kinds loaded through internal/pluginreg.
type ElementPlugin interface {
	Configure(config map[string]interface{}) error
	Preflight() error
	UniqueKey() (interface{}, error)
	ConfigureSandbox(sb SandboxHandle) error
	Stage(sb SandboxHandle) error
	// Assemble runs the plugin's build commands and returns the absolute
	// in-sandbox path of the directory to collect.
	Assemble(sb SandboxHandle) (string, error)
}

// ScriptGenerator is the optional generate_script capability of §6.
type ScriptGenerator interface {
	GenerateScript() (string, error)
}
