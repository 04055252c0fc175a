package cas

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/digest"
)

// FileNode is one entry of a Directory object's files list.
type FileNode struct {
	Name         string        `json:"name"`
	Digest       digest.Digest `json:"digest"`
	IsExecutable bool          `json:"is_executable"`
}

// DirNode is one entry of a Directory object's directories list. Digest
// addresses another Directory object.
type DirNode struct {
	Name   string        `json:"name"`
	Digest digest.Digest `json:"digest"`
}

// SymlinkNode is one entry of a Directory object's symlinks list.
// Target is an opaque path string, carried verbatim — it does not
// address a digest.
type SymlinkNode struct {
	Name   string `json:"name"`
	Target string `json:"target"`
}

// Directory is the serialized record backing one node of the Merkle
// tree: three ordered, lexicographically-sorted lists of files,
// directories, and symlinks. Names must be unique across all three
// lists (one entry per basename).
type Directory struct {
	Files       []FileNode    `json:"files"`
	Directories []DirNode     `json:"directories"`
	Symlinks    []SymlinkNode `json:"symlinks"`
}

// Normalize sorts the three lists by name, establishing the canonical
// form whose serialization is hashed to produce the Directory's own
// digest.
func (d *Directory) Normalize() {
	sort.Slice(d.Files, func(i, j int) bool { return d.Files[i].Name < d.Files[j].Name })
	sort.Slice(d.Directories, func(i, j int) bool { return d.Directories[i].Name < d.Directories[j].Name })
	sort.Slice(d.Symlinks, func(i, j int) bool { return d.Symlinks[i].Name < d.Symlinks[j].Name })
}

// Validate enforces basename-uniqueness across all three lists.
func (d *Directory) Validate() error {
	seen := make(map[string]struct{}, len(d.Files)+len(d.Directories)+len(d.Symlinks))
	check := func(name string) error {
		if _, ok := seen[name]; ok {
			return bsterrors.New(bsterrors.DomainCAS, bsterrors.ReasonCorruption, "duplicate entry name: "+name)
		}
		seen[name] = struct{}{}
		return nil
	}
	for _, f := range d.Files {
		if err := check(f.Name); err != nil {
			return err
		}
	}
	for _, sd := range d.Directories {
		if err := check(sd.Name); err != nil {
			return err
		}
	}
	for _, sl := range d.Symlinks {
		if err := check(sl.Name); err != nil {
			return err
		}
	}
	return nil
}

// Marshal produces the canonical byte serialization of d. The encoding
// itself (JSON over the already-sorted struct) is an implementation
// detail; what matters is that it is a deterministic function of the
// Directory's content, so that equal content always serializes
// byte-identically.
func (d *Directory) Marshal() ([]byte, error) {
	cp := *d
	cp.Normalize()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&cp); err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonCorruption, "marshaling directory object")
	}
	return buf.Bytes(), nil
}

// UnmarshalDirectory parses a Directory object previously produced by
// Marshal.
func UnmarshalDirectory(b []byte) (*Directory, error) {
	var d Directory
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonCorruption, "unmarshaling directory object")
	}
	return &d, nil
}

// PutDirectory normalizes, validates, serializes, and stores dir,
// returning the Digest addressing it — the Directory's own digest is
// the digest of its canonical serialization.
func (s *Store) PutDirectory(dir *Directory) (digest.Digest, error) {
	dir.Normalize()
	if err := dir.Validate(); err != nil {
		return digest.Digest{}, err
	}
	b, err := dir.Marshal()
	if err != nil {
		return digest.Digest{}, err
	}
	return s.AddBytes(b)
}

// GetDirectory resolves and parses the Directory object at d.
func (s *Store) GetDirectory(d digest.Digest) (*Directory, error) {
	b, err := s.ReadObject(d)
	if err != nil {
		return nil, err
	}
	return UnmarshalDirectory(b)
}
