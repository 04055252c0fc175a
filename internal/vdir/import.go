package vdir

import (
	"os"
	"sort"
	"strings"

	"github.com/buildstream-go/bst/internal/bsterrors"
)

// fileFilter is a trie over the relative paths named by
// ImportOptions.Files. A nil *fileFilter at any level means "include
// everything below this point" — either because no filter was
// requested at all, or because an ancestor path was named explicitly
// (naming a directory includes its whole subtree).
type fileFilter struct {
	children map[string]*fileFilter
}

func buildFileFilter(files []string) *fileFilter {
	if files == nil {
		return nil
	}
	root := &fileFilter{children: map[string]*fileFilter{}}
	for _, f := range files {
		parts := strings.Split(strings.Trim(f, "/"), "/")
		cur := root
		for _, p := range parts {
			if p == "" {
				continue
			}
			next, ok := cur.children[p]
			if !ok {
				next = &fileFilter{children: map[string]*fileFilter{}}
				cur.children[p] = next
			}
			cur = next
		}
		// The terminal component includes its entire subtree, whatever it
		// turns out to be (file, symlink, or directory).
		cur.children = nil
	}
	return root
}

// narrow returns the child filter to apply when recursing into name: the
// boolean reports whether name is included at all.
func (f *fileFilter) narrow(name string) (*fileFilter, bool) {
	if f == nil {
		return nil, true
	}
	if f.children == nil {
		// This node represents "include everything below me": every name
		// under it is included and stays unfiltered.
		return nil, true
	}
	child, ok := f.children[name]
	return child, ok
}

func validateFilesExist(src node, files []string) error {
	for _, f := range files {
		parts := strings.Split(strings.Trim(f, "/"), "/")
		cur := src
		missing := false
		for i, p := range parts {
			kind, ok, err := cur.classify(p)
			if err != nil {
				return err
			}
			if !ok {
				missing = true
				break
			}
			if i < len(parts)-1 {
				if kind != KindDirectory {
					missing = true
					break
				}
				cur, err = cur.descend(p)
				if err != nil {
					return err
				}
			}
		}
		if missing {
			return bsterrors.New(bsterrors.DomainCAS, bsterrors.ReasonMissing, "import: no such path in source: "+f)
		}
	}
	return nil
}

func runImport(dst Directory, source Directory, opts ImportOptions) (*FileListResult, error) {
	dstNode, err := toNode(dst)
	if err != nil {
		return nil, err
	}
	srcNode, err := toNode(source)
	if err != nil {
		return nil, err
	}

	if opts.Files != nil && !opts.IgnoreMissing {
		if err := validateFilesExist(srcNode, opts.Files); err != nil {
			return nil, err
		}
	}

	filter := buildFileFilter(opts.Files)
	result := &FileListResult{}
	if err := importNode(dstNode, srcNode, filter, "", opts, result); err != nil {
		return nil, err
	}
	sort.Strings(result.Overwritten)
	sort.Strings(result.Ignored)
	sort.Strings(result.Written)
	return result, nil
}

// importNode applies the merge policy of one directory level and
// recurses into subdirectories.
func importNode(dst, src node, filter *fileFilter, prefix string, opts ImportOptions, result *FileListResult) error {
	names, err := src.names()
	if err != nil {
		return err
	}

	for _, name := range names {
		childFilter, included := filter.narrow(name)
		if !included {
			continue
		}

		relPath := joinPath(prefix, name)
		kind, _, err := src.classify(name)
		if err != nil {
			return err
		}

		switch kind {
		case KindSpecial:
			return ErrUnsupportedFileType

		case KindDirectory:
			existingKind, exists, err := dst.classify(name)
			if err != nil {
				return err
			}
			if exists && existingKind != KindDirectory {
				if err := dst.remove(name); err != nil {
					return err
				}
				result.Overwritten = append(result.Overwritten, relPath)
			}
			dstChild, err := dst.ensureDir(name)
			if err != nil {
				return err
			}
			srcChild, err := src.descend(name)
			if err != nil {
				return err
			}
			if err := importNode(dstChild, srcChild, childFilter, relPath, opts, result); err != nil {
				return err
			}

		case KindFile, KindSymlink:
			existingKind, exists, err := dst.classify(name)
			if err != nil {
				return err
			}
			if exists {
				if existingKind == KindDirectory {
					empty, err := dst.isEmptyDir(name)
					if err != nil {
						return err
					}
					if !empty {
						result.Ignored = append(result.Ignored, relPath)
						continue
					}
				}
				if err := dst.remove(name); err != nil {
					return err
				}
				result.Overwritten = append(result.Overwritten, relPath)
			}

			if kind == KindSymlink {
				target, err := src.symlinkTarget(name)
				if err != nil {
					return err
				}
				if err := dst.writeSymlink(name, target); err != nil {
					return err
				}
			} else {
				if err := copyFile(dst, src, name, opts.LinkOK); err != nil {
					return err
				}
			}
			if opts.ReportWritten {
				result.Written = append(result.Written, relPath)
			}
		}
	}
	return nil
}

func copyFile(dst, src node, name string, linkOK bool) error {
	if linkOK {
		ok, err := dst.hardlinkFrom(src, name)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	r, executable, err := src.openFile(name)
	if err != nil {
		return err
	}
	defer r.Close()
	return dst.writeFile(name, r, executable)
}

// runExport materializes self onto the host filesystem at destPath. When
// opts.CanDestroy is set and self is itself filesystem-backed, the tree
// is moved rather than copied when the move is possible in one step.
func runExport(self Directory, destPath string, opts ExportOptions) error {
	if opts.CanDestroy {
		if fsSelf, ok := self.(*FSDirectory); ok {
			if _, err := os.Stat(destPath); os.IsNotExist(err) {
				if err := os.Rename(fsSelf.root, destPath); err == nil {
					return nil
				}
				// Cross-device rename or other failure: fall through to
				// the generic copy path.
			}
		}
	}

	target, err := NewFSDirectory(destPath)
	if err != nil {
		return err
	}
	_, err = target.ImportFiles(self, ImportOptions{LinkOK: opts.CanLink})
	return err
}
