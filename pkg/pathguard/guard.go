// Package pathguard restricts file access to a single directory tree.
//
// Paths are canonicalized before the check: made absolute (relative paths
// resolve against the root), cleaned, and with symlinks resolved on the
// longest existing prefix. A path is allowed when its canonical form is the
// root itself or lies below it. The comparison is per path component, so
// "/database" is not inside "/data".
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/rhuss/taskrun/pkg/debug"
)

// Guard decides whether a path lies inside the allowed root.
type Guard struct {
	root    string
	display string
}

// New creates a Guard for root. The root does not have to exist yet.
func New(root string) (*Guard, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("pathguard: root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("pathguard: resolving root %q: %w", root, err)
	}
	canonical, err := evalExisting(filepath.Clean(abs))
	if err != nil {
		return nil, fmt.Errorf("pathguard: resolving root %q: %w", root, err)
	}

	display := root
	if !strings.HasSuffix(display, string(filepath.Separator)) {
		display += string(filepath.Separator)
	}
	return &Guard{root: canonical, display: display}, nil
}

// Root returns the canonical root directory.
func (g *Guard) Root() string {
	return g.root
}

// IsAllowed reports whether path canonicalizes to the root or a descendant.
func (g *Guard) IsAllowed(path string) bool {
	_, ok := g.Resolve(path)
	return ok
}

// Resolve returns the canonical form of path and whether it is allowed.
func (g *Guard) Resolve(path string) (string, bool) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.root, p)
	}
	p = filepath.Clean(p)

	canonical, err := evalExisting(p)
	if err != nil {
		// Components that are not directories cannot be followed further;
		// the lexical form is what a later open would see.
		debug.Log("pathguard", "falling back to lexical path", "path", p, "error", err)
		canonical = p
	}

	ok := within(g.root, canonical)
	debug.Log("pathguard", "resolved", "path", path, "canonical", canonical, "allowed", ok)
	return canonical, ok
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// evalExisting resolves symlinks on the longest prefix of p that exists and
// appends the remaining components unchanged.
func evalExisting(p string) (string, error) {
	var rest []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}
