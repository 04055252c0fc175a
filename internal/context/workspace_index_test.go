package context

import (
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

func TestWorkspaceIndexPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	idx, err := OpenWorkspaceIndex(dir)
	assert.NilError(t, err)
	assert.NilError(t, idx.Open("app", "/home/dev/app"))
	assert.NilError(t, idx.RecordBuilt("app", "strict-key-1"))

	reopened, err := OpenWorkspaceIndex(dir)
	assert.NilError(t, err)
	rec, ok := reopened.Get("app")
	assert.Check(t, ok)
	assert.Check(t, cmp.Equal(rec.Path, "/home/dev/app"))
	assert.Check(t, cmp.Equal(rec.LastSuccessful, "strict-key-1"))
}

func TestWorkspaceIndexClose(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenWorkspaceIndex(dir)
	assert.NilError(t, err)
	assert.NilError(t, idx.Open("app", "/home/dev/app"))
	assert.NilError(t, idx.Close("app"))

	_, ok := idx.Get("app")
	assert.Check(t, !ok)
}

func TestWorkspaceIndexListSorted(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenWorkspaceIndex(dir)
	assert.NilError(t, err)
	assert.NilError(t, idx.Open("zeta", "/z"))
	assert.NilError(t, idx.Open("alpha", "/a"))

	list := idx.List()
	assert.Check(t, cmp.Len(list, 2))
	assert.Check(t, cmp.Equal(list[0].Element, "alpha"))
}
