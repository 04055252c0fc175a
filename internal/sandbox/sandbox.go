// Package sandbox implements the three-phase staging protocol of §4.F:
// configure_sandbox, stage (with its overlap/whitelist policy), and
// assemble, plus the CommandRunner contract an element plugin drives
// through element.SandboxHandle.
package sandbox

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/element"
	"github.com/buildstream-go/bst/internal/vdir"
)

// CommandRunner is the command execution contract of §4.F: a flags
// bitset, a working directory, and an environment, returning an exit
// code. A real implementation plugs in a container/chroot executor;
// this package only depends on the interface, per the explicit
// Non-goal of prescribing a concrete sandbox executor.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, flags element.RunFlags, cwd string, env map[string]string) (int, error)
}

// OverlapWarning is one non-fatal overlap recorded by CheckOverlaps:
// the destination path and the full staging-order chain of elements
// that wrote to it, bottom (first staged) to top (last staged).
type OverlapWarning struct {
	Path  string
	Chain []string
}

// StagingWarnings collects the non-fatal outcomes of the stage phase's
// overlap algorithm (§4.F step 2), to be logged before assemble runs.
type StagingWarnings struct {
	Overlaps []OverlapWarning
	Ignored  []string
}

// Sandbox implements element.SandboxHandle over a host directory tree.
// One Sandbox is scoped to one element's build: deps and depArtifacts
// describe that element's direct build dependencies, since the overlap
// algorithm and integration commands both consult per-dependency
// whitelist/public data.
type Sandbox struct {
	root vdir.Directory

	marks map[string]bool
	env   map[string]string

	deps         map[string]*element.Element
	depArtifacts map[string]vdir.Directory

	// fatalWarnings is this build's project fatal-warnings set; "overlaps"
	// membership makes an unwhitelisted overlap an error instead of a
	// warning.
	fatalWarnings map[string]bool

	runner CommandRunner
	log    *logrus.Entry

	writers    map[string][]string
	writeOrder []string
	ignored    map[string]bool
	ignoredOrder []string
}

// NewSandbox roots a Sandbox at root (created if missing).
func NewSandbox(root string, deps map[string]*element.Element, depArtifacts map[string]vdir.Directory, fatalWarnings map[string]bool, runner CommandRunner) (*Sandbox, error) {
	fs, err := vdir.NewFSDirectory(root)
	if err != nil {
		return nil, err
	}
	return &Sandbox{
		root:          fs,
		marks:         map[string]bool{},
		env:           map[string]string{},
		deps:          deps,
		depArtifacts:  depArtifacts,
		fatalWarnings: fatalWarnings,
		runner:        runner,
		log:           logrus.WithField("component", "sandbox"),
		writers:       map[string][]string{},
		ignored:       map[string]bool{},
	}, nil
}

func splitSandboxPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func joinSandboxPath(base, rel string) string {
	p := path.Join(base, rel)
	if !path.IsAbs(p) {
		p = "/" + p
	}
	return p
}

// MarkDirectory implements element.SandboxHandle by recording dirPath
// with the caller's readWrite flag as given. The marks are only
// recorded; Run does not consult them.
func (s *Sandbox) MarkDirectory(dirPath string, readWrite bool) {
	s.marks[dirPath] = readWrite
}

// SetEnv implements element.SandboxHandle.
func (s *Sandbox) SetEnv(key, value string) {
	s.env[key] = value
}

// ImportArtifact implements element.SandboxHandle's stage phase: it
// stages depName's files/ tree (or the files subset) at path and
// records the staging order for the overlap algorithm.
func (s *Sandbox) ImportArtifact(depName, destPath string, files []string) (*vdir.FileListResult, error) {
	src, ok := s.depArtifacts[depName]
	if !ok {
		return nil, bsterrors.New(bsterrors.DomainElement, bsterrors.ReasonMissing, "no staged artifact for dependency: "+depName)
	}
	dst, err := s.root.Descend(splitSandboxPath(destPath), true)
	if err != nil {
		return nil, err
	}
	result, err := dst.ImportFiles(src, vdir.ImportOptions{Files: files, ReportWritten: true, LinkOK: true})
	if err != nil {
		return nil, err
	}
	s.recordStaging(depName, destPath, result)
	return result, nil
}

func (s *Sandbox) recordStaging(depName, basePath string, result *vdir.FileListResult) {
	for _, rel := range result.Written {
		full := joinSandboxPath(basePath, rel)
		if _, ok := s.writers[full]; !ok {
			s.writeOrder = append(s.writeOrder, full)
		}
		s.writers[full] = append(s.writers[full], depName)
	}
	for _, rel := range result.Ignored {
		full := joinSandboxPath(basePath, rel)
		if !s.ignored[full] {
			s.ignored[full] = true
			s.ignoredOrder = append(s.ignoredOrder, full)
		}
	}
}

// ImportSource implements element.SandboxHandle.
func (s *Sandbox) ImportSource(src element.Source, destPath string) error {
	dst, err := s.root.Descend(splitSandboxPath(destPath), true)
	if err != nil {
		return err
	}
	return src.Stage(dst)
}

// CheckOverlaps runs the overlap algorithm of §4.F step 2: any path
// with more than one writer is an overlap; each overwriter (every
// writer after the first) must be whitelisted by its own element's
// bst.overlap-whitelist, or the overlap is an error (if "overlaps" is
// in fatalWarnings) or a warning. Call this after staging and before
// assemble.
func (s *Sandbox) CheckOverlaps() (*StagingWarnings, error) {
	warnings := &StagingWarnings{}

	for _, p := range s.writeOrder {
		chain := s.writers[p]
		if len(chain) < 2 {
			continue
		}
		for _, overwriter := range chain[1:] {
			allowed, err := s.whitelisted(overwriter, p)
			if err != nil {
				return nil, err
			}
			if allowed {
				continue
			}
			if s.fatalWarnings["overlaps"] {
				return nil, bsterrors.New(bsterrors.DomainElement, bsterrors.ReasonOverlapError,
					fmt.Sprintf("unwhitelisted overlap at %s by %s, chain %s", p, overwriter, strings.Join(chain, " -> ")))
			}
			warnings.Overlaps = append(warnings.Overlaps, OverlapWarning{Path: p, Chain: append([]string{}, chain...)})
			s.log.WithFields(logrus.Fields{"path": p, "chain": chain}).Warn("unwhitelisted overlap")
		}
	}

	warnings.Ignored = append(warnings.Ignored, s.ignoredOrder...)
	return warnings, nil
}

func (s *Sandbox) whitelisted(elementName, p string) (bool, error) {
	dep, ok := s.deps[elementName]
	if !ok {
		return false, nil
	}
	re, err := CompileWhitelist(dep.OverlapWhitelist())
	if err != nil {
		return false, err
	}
	if re == nil {
		return false, nil
	}
	return re.MatchString(p), nil
}

// Run implements element.SandboxHandle by delegating to the configured
// CommandRunner, merging the sandbox's own environment under env.
func (s *Sandbox) Run(ctx context.Context, argv []string, flags element.RunFlags, cwd string, env map[string]string) (int, error) {
	merged := make(map[string]string, len(s.env)+len(env))
	for k, v := range s.env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	code, err := s.runner.Run(ctx, argv, flags, cwd, merged)
	if err != nil {
		return code, bsterrors.Wrap(err, bsterrors.DomainSandbox, bsterrors.ReasonIsolation, "running sandbox command")
	}
	if code != 0 {
		return code, bsterrors.New(bsterrors.DomainElement, bsterrors.ReasonAssemblyFailed,
			fmt.Sprintf("command exited %d: %s", code, strings.Join(argv, " ")))
	}
	return code, nil
}

// RunIntegrationCommands runs dep's bst.integration-commands inside the
// sandbox, after dep has been staged, per §4.F.
func (s *Sandbox) RunIntegrationCommands(ctx context.Context, dep *element.Element) error {
	for _, cmd := range dep.IntegrationCommands() {
		if _, err := s.Run(ctx, []string{"/bin/sh", "-c", cmd}, 0, "/", nil); err != nil {
			return err
		}
	}
	return nil
}

// CollectDirectory implements element.SandboxHandle.
func (s *Sandbox) CollectDirectory(destPath string) (vdir.Directory, error) {
	return s.root.Descend(splitSandboxPath(destPath), false)
}

var _ element.SandboxHandle = (*Sandbox)(nil)
