// Package fsguard provides the containment check that gates every
// destructive filesystem operation in the console. Nothing is deleted
// anywhere in this codebase without passing through Within first.
package fsguard

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a delete target resolves outside the
// directory tree that is supposed to own it.
var ErrOutsideRoot = errors.New("fsguard: target escapes its owning root")

// Within reports whether target lives inside root. Both paths are
// normalized to absolute, cleaned form before the component-wise prefix
// comparison, so ".." traversal and redundant separators cannot fool it.
// The root itself does not count as being within the root.
func Within(root, target string) bool {
	rootAbs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return false
	}
	targetAbs, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return false
	}
	if targetAbs == rootAbs {
		return false
	}
	prefix := rootAbs
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(targetAbs, prefix)
}

// Check wraps Within into an error for call sites that want to refuse
// and report rather than branch.
func Check(root, target string) error {
	if !Within(root, target) {
		return fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, target, root)
	}
	return nil
}
