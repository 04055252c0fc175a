package vdir

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/cas"
	"github.com/buildstream-go/bst/internal/digest"
)

// FSDirectory is the filesystem-backed implementation of Directory: an
// ordinary directory tree rooted at Root, read and written with plain
// stat/open/symlink operations. It keeps no index; every call consults
// the filesystem directly.
type FSDirectory struct {
	root string
}

// NewFSDirectory returns a filesystem-backed view rooted at root. The
// directory is created if it does not already exist.
func NewFSDirectory(root string) (*FSDirectory, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "creating fs directory root")
	}
	return &FSDirectory{root: root}, nil
}

func (d *FSDirectory) path(name string) string {
	return filepath.Join(d.root, name)
}

// Descend implements Directory.Descend.
func (d *FSDirectory) Descend(components []string, create bool) (Directory, error) {
	cur := d.root
	seenSymlink := false
	for _, comp := range components {
		if comp == "" || comp == "." {
			continue
		}
		if comp == ".." || filepath.IsAbs(comp) {
			return nil, ErrAbsoluteEscape
		}
		next := filepath.Join(cur, comp)
		info, err := os.Lstat(next)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "stat during descend")
			}
			if !create {
				return nil, ErrNotFound
			}
			if err := os.Mkdir(next, 0o755); err != nil {
				return nil, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "creating directory component")
			}
			cur = next
			continue
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if seenSymlink {
				return nil, ErrSymlinkLoop
			}
			seenSymlink = true
			target, err := os.Readlink(next)
			if err != nil {
				return nil, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "reading symlink during descend")
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(next), target)
			}
			cur = target
		case info.IsDir():
			cur = next
		default:
			return nil, ErrNotADirectory
		}
	}
	return &FSDirectory{root: cur}, nil
}

// ImportFiles implements Directory.ImportFiles.
func (d *FSDirectory) ImportFiles(source Directory, opts ImportOptions) (*FileListResult, error) {
	return runImport(d, source, opts)
}

// ExportFiles implements Directory.ExportFiles.
func (d *FSDirectory) ExportFiles(dest string, opts ExportOptions) error {
	return runExport(d, dest, opts)
}

// Diff implements Directory.Diff.
func (d *FSDirectory) Diff(other Directory) (*DiffResult, error) {
	a, err := toNode(d)
	if err != nil {
		return nil, err
	}
	b, err := toNode(other)
	if err != nil {
		return nil, err
	}
	return genericDiff(a, b)
}

// ListRelativePaths implements the same ordering rule as the CAS-backed
// view: per directory, symlinks sorted, then files sorted, then
// subdirectories depth-first; an empty directory is yielded once.
func (d *FSDirectory) ListRelativePaths() ([]string, error) {
	var out []string
	if err := d.walk(d.root, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *FSDirectory) walk(dir, prefix string, out *[]string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "reading directory")
	}
	var symlinks, files, dirs []string
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "stat directory entry")
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			symlinks = append(symlinks, e.Name())
		case info.IsDir():
			dirs = append(dirs, e.Name())
		case info.Mode().IsRegular():
			files = append(files, e.Name())
		default:
			return ErrUnsupportedFileType
		}
	}
	sort.Strings(symlinks)
	sort.Strings(files)
	sort.Strings(dirs)

	hasLeaves := false
	for _, name := range symlinks {
		*out = append(*out, joinRel(prefix, name))
		hasLeaves = true
	}
	for _, name := range files {
		*out = append(*out, joinRel(prefix, name))
		hasLeaves = true
	}
	if !hasLeaves && len(dirs) == 0 && prefix != "" {
		*out = append(*out, prefix)
	}
	for _, name := range dirs {
		if err := d.walk(filepath.Join(dir, name), joinRel(prefix, name), out); err != nil {
			return err
		}
	}
	return nil
}

// Digest computes the tree's content digest on demand by hashing it the
// same way the CAS-backed view's Directory objects are hashed, without
// requiring a Store: every subdirectory's canonical serialization is
// hashed bottom-up.
func (d *FSDirectory) Digest() (digest.Digest, error) {
	return d.digestOf(d.root)
}

func (d *FSDirectory) digestOf(dir string) (digest.Digest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "reading directory")
	}
	obj := &cas.Directory{}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "stat directory entry")
		}
		full := filepath.Join(dir, e.Name())
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "reading symlink")
			}
			obj.Symlinks = append(obj.Symlinks, cas.SymlinkNode{Name: e.Name(), Target: target})
		case info.IsDir():
			sub, err := d.digestOf(full)
			if err != nil {
				return digest.Digest{}, err
			}
			obj.Directories = append(obj.Directories, cas.DirNode{Name: e.Name(), Digest: sub})
		case info.Mode().IsRegular():
			fd, err := digestFile(full)
			if err != nil {
				return digest.Digest{}, err
			}
			obj.Files = append(obj.Files, cas.FileNode{Name: e.Name(), Digest: fd, IsExecutable: info.Mode()&0o111 != 0})
		default:
			return digest.Digest{}, ErrUnsupportedFileType
		}
	}
	obj.Normalize()
	b, err := obj.Marshal()
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.FromBytes(b), nil
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "opening file to digest")
	}
	defer f.Close()
	return digest.FromReader(f)
}

// SetDeterministicMtime resets every file and directory mtime under the
// tree to the Unix epoch, matching the CAS-backed view's lack of mtime.
func (d *FSDirectory) SetDeterministicMtime() {
	epoch := time.Unix(0, 0)
	_ = filepath.Walk(d.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		_ = os.Chtimes(p, epoch, epoch)
		return nil
	})
}

// SetDeterministicUser attempts to reset ownership to uid/gid 0; failures
// are ignored since an unprivileged process cannot chown to root.
func (d *FSDirectory) SetDeterministicUser() {
	_ = filepath.Walk(d.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		_ = os.Chown(p, 0, 0)
		return nil
	})
}

var _ Directory = (*FSDirectory)(nil)
var _ node = (*FSDirectory)(nil)

// --- node interface ---

func (d *FSDirectory) classify(name string) (EntryKind, bool, error) {
	info, err := os.Lstat(d.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "lstat")
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return KindSymlink, true, nil
	case info.IsDir():
		return KindDirectory, true, nil
	case info.Mode().IsRegular():
		return KindFile, true, nil
	default:
		return KindSpecial, true, nil
	}
}

func (d *FSDirectory) isEmptyDir(name string) (bool, error) {
	entries, err := os.ReadDir(d.path(name))
	if err != nil {
		return false, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "reading directory")
	}
	return len(entries) == 0, nil
}

func (d *FSDirectory) remove(name string) error {
	if err := os.RemoveAll(d.path(name)); err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "removing entry")
	}
	return nil
}

func (d *FSDirectory) descend(name string) (node, error) {
	p := d.path(name)
	info, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "lstat")
	}
	if !info.IsDir() {
		return nil, ErrNotADirectory
	}
	return &FSDirectory{root: p}, nil
}

func (d *FSDirectory) ensureDir(name string) (node, error) {
	p := d.path(name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "creating directory")
	}
	return &FSDirectory{root: p}, nil
}

func (d *FSDirectory) names() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "reading directory")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *FSDirectory) symlinkTarget(name string) (string, error) {
	target, err := os.Readlink(d.path(name))
	if err != nil {
		return "", bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "reading symlink")
	}
	return target, nil
}

func (d *FSDirectory) openFile(name string) (io.ReadCloser, bool, error) {
	p := d.path(name)
	info, err := os.Stat(p)
	if err != nil {
		return nil, false, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "stat file")
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, false, bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "opening file")
	}
	return f, info.Mode()&0o111 != 0, nil
}

// writeFile writes content to name with the export permission policy: no
// group/other write bits, executable bit mirrored from the source.
func (d *FSDirectory) writeFile(name string, r io.Reader, executable bool) error {
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	p := d.path(name)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "creating file")
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "writing file")
	}
	return nil
}

func (d *FSDirectory) writeSymlink(name, target string) error {
	p := d.path(name)
	if err := os.Symlink(target, p); err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "creating symlink")
	}
	return nil
}

// hardlinkFrom links directly from another filesystem-backed node when
// possible, falling back to a regular copy on cross-device errors or
// when src is not filesystem-backed.
func (d *FSDirectory) hardlinkFrom(src node, name string) (bool, error) {
	fsSrc, ok := src.(*FSDirectory)
	if !ok {
		return false, nil
	}
	if err := os.Link(fsSrc.path(name), d.path(name)); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		// Cross-device or unsupported: fall back to a regular copy.
		return false, nil
	}
	return true, nil
}

func (d *FSDirectory) contentKey(name string) (string, error) {
	kind, ok, err := d.classify(name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	switch kind {
	case KindSymlink:
		t, err := d.symlinkTarget(name)
		if err != nil {
			return "", err
		}
		return "symlink:" + t, nil
	case KindFile:
		fd, err := digestFile(d.path(name))
		if err != nil {
			return "", err
		}
		return "file:" + fd.String(), nil
	default:
		return "", bsterrors.New(bsterrors.DomainCAS, "not-a-leaf", "entry is not a leaf: "+name)
	}
}
