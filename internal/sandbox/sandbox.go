// Package sandbox confines file and directory paths to a repository root.
// Every path a tool touches goes through Resolve; anything that escapes the
// root after normalization and symlink resolution is rejected.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Mode selects how a path will be used.
type Mode string

const (
	// ModeRead requires the target (or its resolved form) to stay under root.
	ModeRead Mode = "read"
	// ModeCreate allows a non-existent target but validates its parent.
	ModeCreate Mode = "create"
)

// Kind classifies a sandbox rejection.
type Kind string

const (
	KindTraversal     Kind = "traversal"
	KindSymlinkEscape Kind = "symlink_escape"
	KindUNCOrDrive    Kind = "unc_or_drive"
	KindControlChar   Kind = "control_char"
)

// Error is a sandbox rejection. It carries the rejected path and a kind so the
// server layer can map it to a 403 without string matching.
type Error struct {
	Kind Kind
	Path string
}

func (e *Error) Error() string {
	return fmt.Sprintf("path rejected (%s): %s", e.Kind, e.Path)
}

func reject(kind Kind, path string) error {
	return &Error{Kind: kind, Path: path}
}

// Resolve validates userPath against repoRoot and returns the absolute,
// normalized target path. For ModeCreate the target may not exist but its
// parent directory must resolve under the root.
func Resolve(repoRoot, userPath string, mode Mode) (string, error) {
	if err := checkRawBytes(userPath); err != nil {
		return "", err
	}
	if runtime.GOOS == "windows" {
		if strings.HasPrefix(userPath, `\\`) || strings.HasPrefix(userPath, "//") {
			return "", reject(KindUNCOrDrive, userPath)
		}
		if len(userPath) >= 2 && userPath[1] == ':' {
			return "", reject(KindUNCOrDrive, userPath)
		}
	}

	root, err := canonicalRoot(repoRoot)
	if err != nil {
		return "", err
	}

	target := userPath
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)
	if !isWithin(root, target) {
		return "", reject(KindTraversal, userPath)
	}

	// If the target exists, canonicalize and re-check: the lexical prefix test
	// above does not see symlinks inside the tree.
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		if !isWithin(root, resolved) {
			return "", reject(KindSymlinkEscape, userPath)
		}
		return target, nil
	}

	if mode == ModeCreate {
		parent := filepath.Dir(target)
		// Walk up to the nearest existing ancestor; a symlinked ancestor could
		// still carry the new file outside the root.
		for {
			if resolved, err := filepath.EvalSymlinks(parent); err == nil {
				if !isWithin(root, resolved) {
					return "", reject(KindSymlinkEscape, userPath)
				}
				return target, nil
			}
			next := filepath.Dir(parent)
			if next == parent {
				break
			}
			if !isWithin(root, next) {
				return "", reject(KindTraversal, userPath)
			}
			parent = next
		}
		return target, nil
	}

	// Read mode on a missing path: the lexical check already passed, and there
	// is nothing further to resolve. Let the caller surface ENOENT.
	return target, nil
}

func checkRawBytes(p string) error {
	for i := 0; i < len(p); i++ {
		b := p[i]
		if b < 0x20 || b == 0x7f {
			return reject(KindControlChar, p)
		}
	}
	return nil
}

func canonicalRoot(repoRoot string) (string, error) {
	root, err := filepath.Abs(repoRoot)
	if err != nil {
		return "", fmt.Errorf("resolve repo root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("resolve repo root: %w", err)
	}
	return filepath.Clean(root), nil
}

// isWithin reports whether target is root or a descendant of root.
// Case-insensitive on Windows, case-sensitive elsewhere.
func isWithin(root, target string) bool {
	r, t := root, target
	if runtime.GOOS == "windows" {
		r = strings.ToLower(r)
		t = strings.ToLower(t)
	}
	if t == r {
		return true
	}
	return strings.HasPrefix(t, r+string(filepath.Separator))
}
