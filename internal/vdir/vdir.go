// Package vdir implements the Virtual Directory abstraction of §4.B:
// two interchangeable views over a directory tree — a CAS-backed
// Merkle tree and a filesystem-backed tree — behind one Directory
// interface, with import/export/diff/listing semantics that must agree
// between the two.
package vdir

import (
	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/digest"
)

// EntryKind classifies one entry of a directory tree.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
	KindSymlink
	KindSpecial
)

// Directory is the common interface implemented by the CAS-backed and
// filesystem-backed views. Both implementations must satisfy the same
// observable semantics for every operation below.
type Directory interface {
	// Descend walks into a subdirectory named by components, optionally
	// creating missing components. The filesystem view follows at most
	// one symlink per call; the CAS view does not follow symlinks and
	// returns ErrSymlinkLoop for any symlink component.
	Descend(components []string, create bool) (Directory, error)

	// ImportFiles copies the selected subtree of source into this
	// directory according to opts, per the import policy of §4.B.
	ImportFiles(source Directory, opts ImportOptions) (*FileListResult, error)

	// ExportFiles materializes this tree onto the host filesystem at
	// dest.
	ExportFiles(dest string, opts ExportOptions) error

	// Diff compares this tree against other, both walked in sorted
	// order.
	Diff(other Directory) (*DiffResult, error)

	// ListRelativePaths yields every reachable path in deterministic
	// pre-order.
	ListRelativePaths() ([]string, error)

	// Digest returns the content digest of this tree. For a
	// filesystem-backed view this requires hashing the tree on demand.
	Digest() (digest.Digest, error)

	// SetDeterministicMtime and SetDeterministicUser normalize metadata
	// that the CAS-backed view never stores in the first place.
	SetDeterministicMtime()
	SetDeterministicUser()
}

// ImportOptions configures one ImportFiles call.
type ImportOptions struct {
	// Files restricts the import to this subset of relative paths. A
	// nil slice means "the whole tree".
	Files []string
	// ReportWritten additionally records every path actually written,
	// not just the overwritten/ignored ones.
	ReportWritten bool
	// LinkOK allows using hardlinks instead of copies when the
	// implementation and filesystem allow it.
	LinkOK bool
	// IgnoreMissing suppresses the error that Files names an entry the
	// source does not have.
	IgnoreMissing bool
}

// ExportOptions configures one ExportFiles call.
type ExportOptions struct {
	CanLink    bool
	CanDestroy bool
}

// FileListResult reports the outcome of one ImportFiles call.
type FileListResult struct {
	// Overwritten is the sorted set of destination paths that already
	// had a non-directory entry (or an empty directory) replaced.
	Overwritten []string
	// Ignored is the set of paths skipped because a non-empty directory
	// occupied the destination.
	Ignored []string
	// Written is populated only when ReportWritten is set: every path
	// actually written by this import.
	Written []string
}

// DiffResult reports the outcome of a Diff call.
type DiffResult struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Error kinds returned by Descend, matching §4.B.
var (
	ErrNotADirectory = bsterrors.New(bsterrors.DomainCAS, "not-a-directory", "path component is not a directory")
	ErrSymlinkLoop   = bsterrors.New(bsterrors.DomainCAS, "symlink-loop", "symlink loop detected while descending")
	ErrAbsoluteEscape = bsterrors.New(bsterrors.DomainCAS, "absolute-escape", "path escapes the directory root")
	ErrNotFound      = bsterrors.New(bsterrors.DomainCAS, bsterrors.ReasonMissing, "path component not found")
	ErrUnsupportedFileType = bsterrors.New(bsterrors.DomainCAS, "unsupported-file-type", "special file type cannot be reproduced on this platform")
)
