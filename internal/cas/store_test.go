package cas

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/digest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	assert.NilError(t, err)
	return s
}

func TestAddBytesContentAddressing(t *testing.T) {
	s := newStore(t)

	b := []byte("hello buildstream")
	d, err := s.AddBytes(b)
	assert.NilError(t, err)

	sum := sha256.Sum256(b)
	assert.Check(t, cmp.Equal(d.Hash, hex.EncodeToString(sum[:])))
	assert.Check(t, cmp.Equal(d.Size, int64(len(b))))

	assert.Check(t, s.Contains(d))

	got, err := s.ReadObject(d)
	assert.NilError(t, err)
	assert.Check(t, bytes.Equal(got, b))
}

func TestAddBytesIdempotent(t *testing.T) {
	s := newStore(t)
	b := []byte("same content twice")

	d1, err := s.AddBytes(b)
	assert.NilError(t, err)
	d2, err := s.AddBytes(b)
	assert.NilError(t, err)
	assert.Check(t, d1.Equal(d2))

	info, err := os.Stat(s.ObjectPath(d1))
	assert.NilError(t, err)
	assert.Check(t, !info.IsDir())
}

func TestRefRoundTrip(t *testing.T) {
	s := newStore(t)

	d, err := s.AddBytes([]byte("artifact content"))
	assert.NilError(t, err)

	ref := "proj/elem/abc123"
	assert.NilError(t, s.SetRef(ref, d))

	got, err := s.ResolveRef(ref)
	assert.NilError(t, err)
	assert.Check(t, got.Equal(d))

	assert.Check(t, cmp.Equal(filepath.Join(s.dir, "refs", "heads", "proj", "elem", "abc123"), s.refPath(ref)))
}

func TestResolveRefMissingReportsReasonMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.ResolveRef("no/such/ref")
	assert.Check(t, err != nil)
	e := bsterrors.AsTaxonomy(err)
	assert.Check(t, cmp.Equal(e.Reason, bsterrors.ReasonMissing))
}

func TestListRefsOrderedByAtime(t *testing.T) {
	s := newStore(t)
	d, err := s.AddBytes([]byte("x"))
	assert.NilError(t, err)

	assert.NilError(t, s.SetRef("a", d))
	assert.NilError(t, s.SetRef("b", d))

	old := time.Now().Add(-time.Hour)
	assert.NilError(t, os.Chtimes(s.refPath("a"), old, old))

	refs, err := s.ListRefs()
	assert.NilError(t, err)
	assert.Check(t, cmp.Len(refs, 2))
	assert.Check(t, cmp.Equal(refs[0].Name, "a"))
}

func TestRemoveRef(t *testing.T) {
	s := newStore(t)
	d, err := s.AddBytes([]byte("x"))
	assert.NilError(t, err)
	assert.NilError(t, s.SetRef("r", d))

	freed, err := s.RemoveRef("r")
	assert.NilError(t, err)
	assert.Check(t, freed > 0)

	_, err = s.ResolveRef("r")
	assert.Check(t, err != nil)
}
