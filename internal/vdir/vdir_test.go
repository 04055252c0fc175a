package vdir

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/buildstream-go/bst/internal/cas"
	"github.com/buildstream-go/bst/internal/digest"
)

func newStore(t *testing.T) *cas.Store {
	t.Helper()
	s, err := cas.Open(t.TempDir())
	assert.NilError(t, err)
	return s
}

func casFromHost(t *testing.T, store *cas.Store, hostDir string) *CASDirectory {
	t.Helper()
	root := NewCASDirectory(store, digest.Digest{})
	fsSrc, err := NewFSDirectory(hostDir)
	assert.NilError(t, err)
	_, err = root.ImportFiles(fsSrc, ImportOptions{})
	assert.NilError(t, err)
	return root
}

func writeHostTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		assert.NilError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		assert.NilError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestImportFromFilesystemRoundTrip(t *testing.T) {
	host := t.TempDir()
	writeHostTree(t, host, map[string]string{
		"a.txt":        "hello",
		"sub/b.txt":    "world",
		"sub/deep/c.txt": "nested",
	})

	store := newStore(t)
	cd := casFromHost(t, store, host)

	paths, err := cd.ListRelativePaths()
	assert.NilError(t, err)
	assert.DeepEqual(t, paths, []string{"a.txt", "sub/b.txt", "sub/deep/c.txt"})
}

func TestImportIdempotent(t *testing.T) {
	host := t.TempDir()
	writeHostTree(t, host, map[string]string{"a.txt": "hello", "dir/b.txt": "world"})

	store := newStore(t)
	dst := NewCASDirectory(store, digest.Digest{})
	fsSrc, err := NewFSDirectory(host)
	assert.NilError(t, err)

	_, err = dst.ImportFiles(fsSrc, ImportOptions{})
	assert.NilError(t, err)
	d1, err := dst.Digest()
	assert.NilError(t, err)

	_, err = dst.ImportFiles(fsSrc, ImportOptions{})
	assert.NilError(t, err)
	d2, err := dst.Digest()
	assert.NilError(t, err)

	assert.Check(t, d1.Equal(d2))
}

func TestImportCommutativeForDisjointInputs(t *testing.T) {
	hostA := t.TempDir()
	writeHostTree(t, hostA, map[string]string{"a.txt": "A"})
	hostB := t.TempDir()
	writeHostTree(t, hostB, map[string]string{"b.txt": "B"})

	store := newStore(t)

	dst1 := NewCASDirectory(store, digest.Digest{})
	fsA, _ := NewFSDirectory(hostA)
	fsB, _ := NewFSDirectory(hostB)
	_, err := dst1.ImportFiles(fsA, ImportOptions{})
	assert.NilError(t, err)
	_, err = dst1.ImportFiles(fsB, ImportOptions{})
	assert.NilError(t, err)
	d1, err := dst1.Digest()
	assert.NilError(t, err)

	dst2 := NewCASDirectory(store, digest.Digest{})
	fsA2, _ := NewFSDirectory(hostA)
	fsB2, _ := NewFSDirectory(hostB)
	_, err = dst2.ImportFiles(fsB2, ImportOptions{})
	assert.NilError(t, err)
	_, err = dst2.ImportFiles(fsA2, ImportOptions{})
	assert.NilError(t, err)
	d2, err := dst2.Digest()
	assert.NilError(t, err)

	assert.Check(t, d1.Equal(d2))
}

func TestImportOverlapReplacesFileAndRecordsOverwritten(t *testing.T) {
	hostA := t.TempDir()
	writeHostTree(t, hostA, map[string]string{"a.txt": "first"})
	hostB := t.TempDir()
	writeHostTree(t, hostB, map[string]string{"a.txt": "second"})

	store := newStore(t)
	dst := NewCASDirectory(store, digest.Digest{})
	fsA, _ := NewFSDirectory(hostA)
	fsB, _ := NewFSDirectory(hostB)

	_, err := dst.ImportFiles(fsA, ImportOptions{})
	assert.NilError(t, err)
	result, err := dst.ImportFiles(fsB, ImportOptions{})
	assert.NilError(t, err)

	assert.DeepEqual(t, result.Overwritten, []string{"a.txt"})
	assert.Check(t, cmp.Len(result.Ignored, 0))
}

func TestImportFileIgnoredByNonEmptyDirectory(t *testing.T) {
	hostA := t.TempDir()
	writeHostTree(t, hostA, map[string]string{"x/inner.txt": "stuff"})
	hostB := t.TempDir()
	// hostB has a plain file named "x" where hostA has a non-empty directory.
	assert.NilError(t, os.WriteFile(filepath.Join(hostB, "x"), []byte("file"), 0o644))

	store := newStore(t)
	dst := NewCASDirectory(store, digest.Digest{})
	fsA, _ := NewFSDirectory(hostA)
	fsB, _ := NewFSDirectory(hostB)

	_, err := dst.ImportFiles(fsA, ImportOptions{})
	assert.NilError(t, err)
	result, err := dst.ImportFiles(fsB, ImportOptions{})
	assert.NilError(t, err)

	assert.DeepEqual(t, result.Ignored, []string{"x"})
	kind, ok, err := dst.entryKindAt("x")
	assert.NilError(t, err)
	assert.Check(t, ok)
	assert.Check(t, cmp.Equal(kind, KindDirectory))
}

func TestDiffAddedRemovedModified(t *testing.T) {
	host := t.TempDir()
	writeHostTree(t, host, map[string]string{"same.txt": "x", "gone.txt": "y"})

	store := newStore(t)
	a := casFromHost(t, store, host)

	host2 := t.TempDir()
	writeHostTree(t, host2, map[string]string{"same.txt": "x", "new.txt": "z"})
	b := casFromHost(t, store, host2)

	diff, err := a.Diff(b)
	assert.NilError(t, err)
	assert.DeepEqual(t, diff.Added, []string{"new.txt"})
	assert.DeepEqual(t, diff.Removed, []string{"gone.txt"})
	assert.Check(t, cmp.Len(diff.Modified, 0))
}

func TestDiffAcrossBackings(t *testing.T) {
	host := t.TempDir()
	writeHostTree(t, host, map[string]string{"a.txt": "content"})

	store := newStore(t)
	cd := casFromHost(t, store, host)

	fsOther, err := NewFSDirectory(host)
	assert.NilError(t, err)

	diff, err := cd.Diff(fsOther)
	assert.NilError(t, err)
	assert.Check(t, cmp.Len(diff.Added, 0))
	assert.Check(t, cmp.Len(diff.Removed, 0))
	assert.Check(t, cmp.Len(diff.Modified, 0))
}

func TestExportToFilesystemPreservesContentAndExecBit(t *testing.T) {
	host := t.TempDir()
	writeHostTree(t, host, map[string]string{"run.sh": "#!/bin/sh\necho hi\n"})
	assert.NilError(t, os.Chmod(filepath.Join(host, "run.sh"), 0o755))

	store := newStore(t)
	cd := casFromHost(t, store, host)

	dest := t.TempDir()
	exportDest := filepath.Join(dest, "out")
	assert.NilError(t, cd.ExportFiles(exportDest, ExportOptions{}))

	info, err := os.Stat(filepath.Join(exportDest, "run.sh"))
	assert.NilError(t, err)
	assert.Check(t, info.Mode()&0o111 != 0)

	f, err := os.Open(filepath.Join(exportDest, "run.sh"))
	assert.NilError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	assert.NilError(t, err)
	assert.Check(t, strings.Contains(string(b), "echo hi"))
}

func TestDescendAbsoluteEscapeRejected(t *testing.T) {
	store := newStore(t)
	root := NewCASDirectory(store, digest.Digest{})
	_, err := root.Descend([]string{".."}, false)
	assert.Check(t, err == ErrAbsoluteEscape)
}
