// Package pathsafe implements the two-layer path sandboxing required
// everywhere a user-derived identifier (upload_id, bundle_hash) is turned
// into a filesystem path: a pattern and character guard on the raw
// component, and an absolute-path prefix check against the upload root.
// Both layers must pass. The second is lexical: it does not resolve
// symlinks or mount points.
package pathsafe

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aether3d/ingest/internal/contract"
)

// ValidateUploadID checks upload_id against the normative path-component
// pattern.
func ValidateUploadID(id string) error {
	if !contract.UploadIDPattern.MatchString(id) {
		return fmt.Errorf("upload_id %q does not match required pattern", id)
	}
	return nil
}

// ValidateBundleHash checks a hash string against the normative lower-hex
// SHA-256 pattern.
func ValidateBundleHash(hash string) error {
	if !contract.HashPattern.MatchString(hash) {
		return fmt.Errorf("bundle_hash %q is not a 64-char lower-hex SHA-256", hash)
	}
	return nil
}

// ValidatePathComponent is the defense-in-depth guard (empty, length,
// separator, NUL and leading-dot checks) applied to any user-derived
// name before it is joined into a path, independent of the more
// specific upload_id/bundle_hash patterns above. Callers that
// construct paths from database values must still re-validate here.
func ValidatePathComponent(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if len(name) > 255 {
		return fmt.Errorf("%s exceeds max length 255", fieldName)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%s contains path separator", fieldName)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%s contains null byte", fieldName)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("%s contains path traversal", fieldName)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%s starts with dot", fieldName)
	}
	return nil
}

// ValidateInRoot verifies that resolvedPath, once made absolute, remains
// lexically under root. This is the second, independent layer: it
// catches ".." segments and absolute paths that slip past the component
// checks. The check is purely lexical; symlinks and mount points are not
// resolved.
func ValidateInRoot(root, resolvedPath string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving upload root: %w", err)
	}
	absTarget, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}
	rel, err := filepath.Rel(absRoot, absTarget)
	if err != nil {
		return fmt.Errorf("path escapes upload root: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes upload root %q", resolvedPath, root)
	}
	return nil
}
