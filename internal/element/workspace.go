package element

import (
	"context"

	"github.com/buildstream-go/bst/internal/digest"
	"github.com/buildstream-go/bst/internal/vdir"
)

// WorkspaceSource is the SUPPLEMENTED workspace-as-source variant
// (design note §9, original `_workspaces.py`): an opened workspace is a
// live host directory staged directly rather than a pinned ref. Its
// UniqueKey is a content hash of the directory, recomputed on every
// call; its Consistency is always Cached and does not look at content.
type WorkspaceSource struct {
	Path string

	lastDigest digest.Digest
	hashed     bool
}

// Configure is a no-op: a workspace source's only configuration is the
// host path it was opened against, set by the caller.
func (w *WorkspaceSource) Configure(config map[string]interface{}) error { return nil }

func (w *WorkspaceSource) Preflight() error { return nil }

// UniqueKey is the current content digest of the workspace directory,
// recomputed every call — this is precisely what makes it Unstable: the
// key can change between two update_state calls without any fetch.
func (w *WorkspaceSource) UniqueKey() (interface{}, error) {
	fs, err := vdir.NewFSDirectory(w.Path)
	if err != nil {
		return nil, err
	}
	d, err := fs.Digest()
	if err != nil {
		return nil, err
	}
	w.lastDigest = d
	w.hashed = true
	return d.String(), nil
}

// Consistency is always Cached: an open workspace is, by construction,
// already materialized on disk.
func (w *WorkspaceSource) Consistency() Consistency { return Cached }

// Unstable marks this source for the state machine's step 3: cached
// keys computed before a workspace content change must be invalidated.
func (w *WorkspaceSource) Unstable() bool { return true }

func (w *WorkspaceSource) LoadRef(config map[string]interface{}) error { return nil }
func (w *WorkspaceSource) Ref() string                                 { return "" }
func (w *WorkspaceSource) SetRef(ref string, config map[string]interface{}) {}

// Track never moves a workspace source: there is no symbolic ref to
// resolve, the directory itself is the ref.
func (w *WorkspaceSource) Track(ctx context.Context) (string, error) { return "", nil }

// Fetch is a no-op: the content is already present on disk.
func (w *WorkspaceSource) Fetch(ctx context.Context) error { return nil }

// Stage imports the workspace directory verbatim into dir.
func (w *WorkspaceSource) Stage(dir vdir.Directory) error {
	fs, err := vdir.NewFSDirectory(w.Path)
	if err != nil {
		return err
	}
	_, err = dir.ImportFiles(fs, vdir.ImportOptions{})
	return err
}

var _ Source = (*WorkspaceSource)(nil)
var _ UnstableSource = (*WorkspaceSource)(nil)

// WorkspaceRecord is one entry of the persisted workspace index
// (SUPPLEMENTED FEATURE, internal/context.WorkspaceIndex): which element
// has an open workspace and where.
type WorkspaceRecord struct {
	Element string `json:"element"`
	Path    string `json:"path"`
	// LastSuccessful records the strict key of the last artifact built
	// from this workspace, mirroring `_workspaces.py`'s bookkeeping used
	// to detect a workspace going stale relative to its project.
	LastSuccessful string `json:"last_successful,omitempty"`
}
