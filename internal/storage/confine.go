// SPDX-License-Identifier: MIT

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// confineKey resolves key beneath root and rejects anything that would land
// outside of it, including escapes through symlinks already present in the
// store. The returned path is the real filesystem location to use.
func confineKey(root, key string) (string, error) {
	if strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q contains backslash", ErrInvalidKey, key)
	}

	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the store root", ErrInvalidKey, key)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("storage: resolve root: %w", err)
	}
	realRoot := absRoot
	if rp, err := filepath.EvalSymlinks(absRoot); err == nil {
		realRoot = rp
	}

	full := filepath.Join(realRoot, cleaned)
	real, err := resolveReal(full)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(realRoot, real)
	if err != nil {
		return "", fmt.Errorf("storage: confine %q: %w", key, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the store root via symlink", ErrInvalidKey, key)
	}
	return real, nil
}

// resolveReal follows symlinks for the target if it exists, or for its
// nearest existing parent otherwise, so the containment check runs against
// physical paths.
func resolveReal(full string) (string, error) {
	if rp, err := filepath.EvalSymlinks(full); err == nil {
		return rp, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("storage: resolve %q: %w", full, err)
	}

	dir := filepath.Dir(full)
	if rp, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(rp, filepath.Base(full)), nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("storage: resolve parent of %q: %w", full, err)
	}

	// Neither the target nor its parent exists yet; the lexical checks on
	// the cleaned key already bound it under the root.
	return full, nil
}
