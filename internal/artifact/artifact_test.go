package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/cas"
	"github.com/buildstream-go/bst/internal/casremote"
)

func newCache(t *testing.T, quota int64) *Cache {
	t.Helper()
	store, err := cas.Open(t.TempDir())
	assert.NilError(t, err)
	c, err := Open(store, quota)
	assert.NilError(t, err)
	return c
}

func writeTree(t *testing.T, sizes map[string]int) string {
	t.Helper()
	root := t.TempDir()
	for name, n := range sizes {
		p := filepath.Join(root, name)
		assert.NilError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		assert.NilError(t, os.WriteFile(p, make([]byte, n), 0o644))
	}
	return root
}

func TestQuotaEvictionRespectsRequiredSet(t *testing.T) {
	c := newCache(t, 4*1024)

	rootA := writeTree(t, map[string]int{"payload.bin": 3 * 1024})
	_, err := c.Commit("proj", "a", rootA, []string{"a-key"})
	assert.NilError(t, err)

	rootB := writeTree(t, map[string]int{"payload.bin": 2 * 1024})
	_, err = c.Commit("proj", "b", rootB, []string{"b-key"})
	assert.NilError(t, err)

	assert.Check(t, !c.HasLocal("proj", "a", "a-key"))
	assert.Check(t, c.HasLocal("proj", "b", "b-key"))

	c.SetRequired([]string{RefName("proj", "b", "b-key")})

	rootC := writeTree(t, map[string]int{"payload.bin": 3 * 1024})
	_, err = c.Commit("proj", "c", rootC, []string{"c-key"})
	assert.Check(t, err != nil)
	e := bsterrors.AsTaxonomy(err)
	assert.Check(t, cmp.Equal(e.Reason, bsterrors.ReasonTooLarge))

	assert.Check(t, c.HasLocal("proj", "b", "b-key"))
	assert.Check(t, !c.HasLocal("proj", "c", "c-key"))
}

func TestCommitTooLargeForSingleArtifact(t *testing.T) {
	c := newCache(t, 1024)
	root := writeTree(t, map[string]int{"payload.bin": 2048})
	_, err := c.Commit("proj", "big", root, []string{"k"})
	assert.Check(t, err != nil)
	e := bsterrors.AsTaxonomy(err)
	assert.Check(t, cmp.Equal(e.Reason, bsterrors.ReasonTooLarge))
}

func TestExtractIsIdempotentAndRaceSafe(t *testing.T) {
	c := newCache(t, 0)
	root := writeTree(t, map[string]int{"bin/tool": 128, "share/doc.txt": 16})
	_, err := c.Commit("proj", "e", root, []string{"k"})
	assert.NilError(t, err)

	extractRoot := t.TempDir()
	p1, err := c.Extract("proj", "e", "k", extractRoot)
	assert.NilError(t, err)
	p2, err := c.Extract("proj", "e", "k", extractRoot)
	assert.NilError(t, err)
	assert.Check(t, cmp.Equal(p1, p2))

	got, err := os.ReadFile(filepath.Join(p1, "bin", "tool"))
	assert.NilError(t, err)
	assert.Check(t, cmp.Len(got, 128))
}

func TestPushThenPullRoundTrip(t *testing.T) {
	src := newCache(t, 0)
	remote := casremote.NewInMemoryRemote()
	src.SetRemotes([]RemoteBinding{{Spec: casremote.RemoteSpec{Push: true}, Client: remote}})

	root := writeTree(t, map[string]int{"usr/bin/app": 512})
	_, err := src.Commit("proj", "app", root, []string{"strict-key"})
	assert.NilError(t, err)

	changed, err := src.Push("proj", "app", "strict-key", []string{"strict-key"})
	assert.NilError(t, err)
	assert.Check(t, changed)

	dst := newCache(t, 0)
	dst.SetRemotes([]RemoteBinding{{Spec: casremote.RemoteSpec{}, Client: remote}})

	_, err = dst.Pull("proj", "app", "strict-key")
	assert.NilError(t, err)
	assert.Check(t, dst.HasLocal("proj", "app", "strict-key"))
}

func TestPullUnknownRefFails(t *testing.T) {
	c := newCache(t, 0)
	c.SetRemotes([]RemoteBinding{{Spec: casremote.RemoteSpec{}, Client: casremote.NewInMemoryRemote()}})
	_, err := c.Pull("proj", "ghost", "weak-key")
	assert.Check(t, err != nil)
}

func TestCommitArtifactLayoutAndStrongKeyPull(t *testing.T) {
	src := newCache(t, 0)
	remote := casremote.NewInMemoryRemote()
	src.SetRemotes([]RemoteBinding{{Spec: casremote.RemoteSpec{Push: true}, Client: remote}})

	root := writeTree(t, map[string]int{"usr/bin/app": 64})
	meta := ArtifactMeta{}
	meta.Keys.Strong = "strict-key"
	meta.Keys.Weak = "weak-key"
	_, err := src.CommitArtifact("proj", "app", root, []byte("build ok\n"),
		map[string]interface{}{"bst": map[string]interface{}{}}, meta, []string{"weak-key"})
	assert.NilError(t, err)

	extractRoot := t.TempDir()
	p, err := src.Extract("proj", "app", "weak-key", extractRoot)
	assert.NilError(t, err)
	got, err := os.ReadFile(filepath.Join(p, "files", "usr", "bin", "app"))
	assert.NilError(t, err)
	assert.Check(t, cmp.Len(got, 64))
	_, err = os.ReadFile(filepath.Join(p, "logs", "build.log"))
	assert.NilError(t, err)
	_, err = os.ReadFile(filepath.Join(p, "meta", "public.yaml"))
	assert.NilError(t, err)

	changed, err := src.Push("proj", "app", "weak-key", []string{"weak-key"})
	assert.NilError(t, err)
	assert.Check(t, changed)

	dst := newCache(t, 0)
	dst.SetRemotes([]RemoteBinding{{Spec: casremote.RemoteSpec{}, Client: remote}})
	strong, err := dst.Pull("proj", "app", "weak-key")
	assert.NilError(t, err)
	assert.Check(t, cmp.Equal(strong, "strict-key"))
	assert.Check(t, dst.HasLocal("proj", "app", "strict-key"))
}

func TestLinkKeyPointsNewKeyAtSameDigest(t *testing.T) {
	c := newCache(t, 0)
	root := writeTree(t, map[string]int{"f": 8})
	d, err := c.Commit("proj", "e", root, []string{"weak-key"})
	assert.NilError(t, err)

	assert.NilError(t, c.LinkKey("proj", "e", "weak-key", "strict-key"))
	assert.Check(t, c.HasLocal("proj", "e", "strict-key"))

	got, err := c.store.ResolveRef(RefName("proj", "e", "strict-key"))
	assert.NilError(t, err)
	assert.Check(t, got.Equal(d))
}
