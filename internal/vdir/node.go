package vdir

import (
	"io"

	"github.com/buildstream-go/bst/internal/bsterrors"
)

// node is the internal, backing-agnostic interface the shared
// import/export/diff algorithms operate against. Both CASDirectory and
// FSDirectory implement it in addition to the public Directory
// interface.
type node interface {
	classify(name string) (EntryKind, bool, error)
	isEmptyDir(name string) (bool, error)
	remove(name string) error
	descend(name string) (node, error)
	ensureDir(name string) (node, error)
	names() ([]string, error)
	symlinkTarget(name string) (string, error)
	openFile(name string) (io.ReadCloser, bool, error)
	writeFile(name string, r io.Reader, executable bool) error
	writeSymlink(name, target string) error
	hardlinkFrom(src node, name string) (bool, error)
	contentKey(name string) (string, error)
}

func toNode(d Directory) (node, error) {
	switch v := d.(type) {
	case *CASDirectory:
		return v, nil
	case *FSDirectory:
		return v, nil
	default:
		return nil, bsterrors.New(bsterrors.DomainCAS, "unsupported-directory", "unrecognized Directory implementation")
	}
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
