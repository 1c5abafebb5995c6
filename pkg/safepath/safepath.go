// Package safepath resolves user-supplied virtual paths against a per-server
// root, guaranteeing the resolved OS path never escapes that root (spec.md
// §4.1). Every filesystem, backup, and SFTP operation routes through here.
package safepath

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/warden/pkg/apierror"
)

// SafePath is a resolved path guaranteed to lie inside Root.
type SafePath struct {
	Root     string // canonicalized root
	Resolved string // canonicalized resolved path, always a descendant of Root
}

// Relative returns Resolved relative to Root, using '/' separators, with a
// leading slash (the virtual-filesystem view an SFTP client sees).
func (p SafePath) Relative() string {
	rel, err := filepath.Rel(p.Root, p.Resolved)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// Resolve normalizes the virtual path p against root and verifies the result
// stays within root, following symlinks. Leading '/' in p is treated as root
// (spec.md §4.1 rule 1). Nonexistent leaf paths are allowed as long as the
// longest existing prefix resolves safely (rule 4), so callers can open a
// file for creation.
func Resolve(root, p string) (SafePath, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return SafePath{}, apierror.Wrap(apierror.Validation, "resolve root", err)
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return SafePath{}, apierror.Wrap(apierror.Validation, "canonicalize root", err)
	}

	// Collapse against the virtual root: '/' is root, '..' at the virtual
	// root is a no-op rather than an escape by itself (rule 2).
	clean := filepath.Clean("/" + p)
	virtual := strings.TrimPrefix(clean, "/")
	candidate := filepath.Join(root, virtual)

	resolved, err := resolveExistingOrPrefix(root, candidate)
	if err != nil {
		return SafePath{}, err
	}

	if !isDescendant(root, resolved) {
		return SafePath{}, apierror.New(apierror.Validation, "path escapes root: "+p)
	}

	return SafePath{Root: root, Resolved: resolved}, nil
}

// resolveExistingOrPrefix walks candidate's ancestry, resolving symlinks for
// whatever prefix already exists on disk, and appending the remaining
// (nonexistent) suffix unresolved. This implements rule 3 (reject escaping
// symlinks) and rule 4 (validate the longest existing prefix for writes).
func resolveExistingOrPrefix(root, candidate string) (string, error) {
	resolved, err := filepath.EvalSymlinks(candidate)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", apierror.Wrap(apierror.Validation, "resolve path", err)
	}

	parent := filepath.Dir(candidate)
	leaf := filepath.Base(candidate)
	if parent == candidate {
		return "", apierror.New(apierror.Validation, "path escapes root")
	}
	resolvedParent, err := resolveExistingOrPrefix(root, parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, leaf), nil
}

// isDescendant reports whether resolved is root or a strict descendant of
// root, i.e. whether root (followed by a separator) is a prefix of resolved.
func isDescendant(root, resolved string) bool {
	if resolved == root {
		return true
	}
	return strings.HasPrefix(resolved, root+string(filepath.Separator))
}

// MustBeDescendant validates a target path directly against root, without
// treating a nonexistent leaf specially. It works lexically (filepath.Clean,
// no symlink resolution). pkg/archive's SafeExtract does its own containment
// check and does not call it.
func MustBeDescendant(root, target string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	target = filepath.Clean(target)
	if !isDescendant(root, target) {
		return fmt.Errorf("target %q escapes root %q", target, root)
	}
	return nil
}
