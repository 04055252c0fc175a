// Package cas implements the content-addressed object store described
// in §4.A: immutable blobs keyed by digest under objects/, mutable ref
// pointers under refs/heads/, and a scratch area under tmp/ used for
// atomic writes.
package cas

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/digest"
)

// Store is a content-addressed object store rooted at Dir. The zero
// value is not usable; construct with Open.
type Store struct {
	dir string
	log *logrus.Entry

	// atimeMu serializes the best-effort atime bookkeeping used for LRU
	// eviction ordering; it is advisory only, per §5's statement that
	// atime collisions are harmless.
	atimeMu sync.Mutex
}

// Open prepares the on-disk layout under dir (objects/, refs/heads/,
// tmp/) and returns a Store bound to it.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"objects", "refs/heads", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "creating cas layout")
		}
	}
	return &Store{
		dir: dir,
		log: logrus.WithField("component", "cas"),
	}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) objectPath(d digest.Digest) string {
	return filepath.Join(s.dir, "objects", d.RelPath())
}

// ObjectPath returns the on-disk path of the object addressed by d. The
// path is only meaningful if Contains(d) is true.
func (s *Store) ObjectPath(d digest.Digest) string {
	return s.objectPath(d)
}

// Contains reports whether an object with digest d is present.
func (s *Store) Contains(d digest.Digest) bool {
	_, err := os.Stat(s.objectPath(d))
	return err == nil
}

// AddBytes inserts b into the store and returns its Digest.
func (s *Store) AddBytes(b []byte) (digest.Digest, error) {
	d := digest.FromBytes(b)
	if s.Contains(d) {
		return d, nil
	}
	tmp, err := s.writeTemp(func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
	if err != nil {
		return digest.Digest{}, err
	}
	return d, s.linkInto(tmp, d)
}

// AddFile streams the file at path into the store, verifying content as
// it is copied, and returns its Digest. The source file's content is
// preserved verbatim.
func (s *Store) AddFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "opening source file")
	}
	defer f.Close()
	return s.AddReader(f)
}

// AddReader streams r into the store through SHA-256 and returns its
// Digest. Insertion is atomic: the content lands in tmp/ first, then is
// hardlinked into objects/<hh>/<rest>; EEXIST on the link is treated as
// success because some other writer already produced the same bytes.
func (s *Store) AddReader(r io.Reader) (digest.Digest, error) {
	v := digest.NewVerifier()
	tmp, err := s.writeTemp(func(w io.Writer) error {
		_, err := io.Copy(io.MultiWriter(w, v), r)
		return err
	})
	if err != nil {
		return digest.Digest{}, err
	}
	d := v.Digest()
	return d, s.linkInto(tmp, d)
}

func (s *Store) writeTemp(fill func(io.Writer) error) (string, error) {
	tmpDir := filepath.Join(s.dir, "tmp")
	f, err := os.CreateTemp(tmpDir, "obj-*")
	if err != nil {
		return "", bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "creating temp object")
	}
	name := f.Name()
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(name)
		return "", bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "writing temp object")
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "closing temp object")
	}
	return name, nil
}

// linkInto hardlinks tmpPath into the object's final location, removing
// the temp file afterwards. A successful add is observable to other
// readers before this call returns (the link happens before Remove).
func (s *Store) linkInto(tmpPath string, d digest.Digest) error {
	defer os.Remove(tmpPath)

	dest := s.objectPath(d)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "creating object shard dir")
	}

	if err := os.Link(tmpPath, dest); err != nil {
		if os.IsExist(err) {
			// Someone else already inserted the same content; that is
			// success, not a conflict, since naming is content-addressed.
			return nil
		}
		return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "linking object into place")
	}
	return nil
}

// OpenObject returns a reader over the object addressed by d.
func (s *Store) OpenObject(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bsterrors.New(bsterrors.DomainCAS, bsterrors.ReasonMissing, "object not found: "+d.String())
		}
		return nil, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "opening object")
	}
	return f, nil
}

// ReadObject reads the full content of the object addressed by d.
func (s *Store) ReadObject(d digest.Digest) ([]byte, error) {
	r, err := s.OpenObject(d)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *Store) refPath(ref string) string {
	return filepath.Join(s.dir, "refs", "heads", filepath.FromSlash(ref))
}

// SetRef atomically points ref at d, creating parent directories as
// needed, via write-temp-then-rename so concurrent writers always
// produce one of the intended digests, never a torn file.
func (s *Store) SetRef(ref string, d digest.Digest) error {
	dest := s.refPath(ref)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "creating ref parent dir")
	}

	tmp, err := os.CreateTemp(filepath.Join(s.dir, "tmp"), "ref-*")
	if err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "creating temp ref")
	}
	if _, err := tmp.WriteString(serializeDigest(d)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "writing temp ref")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "closing temp ref")
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "renaming ref into place")
	}
	return nil
}

// ResolveRef reads the digest ref_name points to. A missing ref file is
// reported as bsterrors.ReasonMissing, not a generic I/O error.
func (s *Store) ResolveRef(ref string) (digest.Digest, error) {
	b, err := os.ReadFile(s.refPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return digest.Digest{}, bsterrors.New(bsterrors.DomainCAS, bsterrors.ReasonMissing, "ref not found: "+ref)
		}
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "reading ref")
	}
	d, err := deserializeDigest(string(b))
	if err != nil {
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonCorruption, "parsing ref "+ref)
	}
	return d, nil
}

// RemoveRef deletes ref_name and returns the number of bytes that were
// reachable only from it, best-effort (the store does not reference
// count, so this is simply the size of the ref file itself — the
// referenced objects are reclaimed by whoever runs GC over unreferenced
// digests, out of scope here).
func (s *Store) RemoveRef(ref string) (int64, error) {
	p := s.refPath(ref)
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "stat ref")
	}
	if err := os.Remove(p); err != nil {
		return 0, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "removing ref")
	}
	return info.Size(), nil
}

// UpdateAtime bumps the ref file's access time to now, used so a
// concurrent session's LRU eviction sees required refs as hot. It is
// best-effort: failures are logged, not returned, matching §5's "atime
// updates are best-effort".
func (s *Store) UpdateAtime(ref string) {
	s.atimeMu.Lock()
	defer s.atimeMu.Unlock()

	p := s.refPath(ref)
	now := time.Now()
	if err := os.Chtimes(p, now, now); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).WithField("ref", ref).Debug("failed to update ref atime")
	}
}

// RefInfo pairs a ref name with its last-access time, for LRU ordering.
type RefInfo struct {
	Name  string
	Atime time.Time
}

// ListRefs returns every ref under refs/heads, sorted by access time
// ascending (oldest first), for LRU eviction.
func (s *Store) ListRefs() ([]RefInfo, error) {
	root := filepath.Join(s.dir, "refs", "heads")
	var out []RefInfo
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, RefInfo{
			Name:  filepath.ToSlash(rel),
			Atime: atimeOf(info),
		})
		return nil
	})
	if err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "listing refs")
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Atime.Before(out[j].Atime) })
	return out, nil
}

func serializeDigest(d digest.Digest) string {
	return fmt.Sprintf("%s %d", d.Hash, d.Size)
}

func deserializeDigest(s string) (digest.Digest, error) {
	var hash string
	var size int64
	n, err := fmt.Sscanf(s, "%s %d", &hash, &size)
	if err != nil || n != 2 {
		return digest.Digest{}, errors.Errorf("malformed ref content %q", s)
	}
	return digest.Digest{Hash: hash, Size: size}, nil
}
