package context

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/element"
)

// WorkspaceIndex persists the set of open workspaces (SUPPLEMENTED
// FEATURE, grounded on the original `_workspaces.py`'s own JSON-backed
// workspace index) across sessions. It uses stdlib encoding/json, the
// same reasoning as internal/cas's and internal/artifact's sidecar
// indexes: this is internal bookkeeping, never hand-authored, so there
// is no reason to pull in a YAML encoder for it.
type WorkspaceIndex struct {
	path string

	mu      sync.Mutex
	records map[string]element.WorkspaceRecord
}

// OpenWorkspaceIndex loads (or initializes) the workspace index at
// <cachedir>/workspaces.json.
func OpenWorkspaceIndex(layoutRoot string) (*WorkspaceIndex, error) {
	idx := &WorkspaceIndex{
		path:    filepath.Join(layoutRoot, "workspaces.json"),
		records: map[string]element.WorkspaceRecord{},
	}
	b, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, bsterrors.Wrap(err, bsterrors.DomainApp, bsterrors.ReasonIO, "reading workspace index")
	}
	var records []element.WorkspaceRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainApp, bsterrors.ReasonCorruption, "parsing workspace index")
	}
	for _, r := range records {
		idx.records[r.Element] = r
	}
	return idx, nil
}

func (w *WorkspaceIndex) save() error {
	records := make([]element.WorkspaceRecord, 0, len(w.records))
	for _, r := range w.records {
		records = append(records, r)
	}
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainApp, bsterrors.ReasonIO, "writing workspace index")
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainApp, bsterrors.ReasonIO, "committing workspace index")
	}
	return nil
}

// Open records a newly opened workspace.
func (w *WorkspaceIndex) Open(elementName, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records[elementName] = element.WorkspaceRecord{Element: elementName, Path: path}
	return w.save()
}

// Close removes an element's workspace record (the host directory
// itself is the caller's to clean up).
func (w *WorkspaceIndex) Close(elementName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.records, elementName)
	return w.save()
}

// RecordBuilt updates an open workspace's LastSuccessful key after a
// successful build.
func (w *WorkspaceIndex) RecordBuilt(elementName, strictKey string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.records[elementName]
	if !ok {
		return bsterrors.New(bsterrors.DomainApp, bsterrors.ReasonMissing, "no open workspace for "+elementName)
	}
	r.LastSuccessful = strictKey
	w.records[elementName] = r
	return w.save()
}

// Get returns the workspace record for elementName, if open.
func (w *WorkspaceIndex) Get(elementName string) (element.WorkspaceRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.records[elementName]
	return r, ok
}

// List returns every open workspace record, sorted by element name.
func (w *WorkspaceIndex) List() []element.WorkspaceRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]element.WorkspaceRecord, 0, len(w.records))
	for _, r := range w.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Element < out[j].Element })
	return out
}
