// Package layout is the single source of truth for the on-disk directory
// structure under the upload root, shared by assembly and cleanup so the
// two packages can never disagree about where a file lives.
package layout

import (
	"fmt"
	"path/filepath"

	"github.com/aether3d/ingest/internal/pathsafe"
)

// SessionDir returns <root>/<uploadID>, the subtree a session exclusively
// owns for its entire lifetime.
func SessionDir(root, uploadID string) (string, error) {
	if err := pathsafe.ValidateUploadID(uploadID); err != nil {
		return "", err
	}
	dir := filepath.Join(root, uploadID)
	if err := pathsafe.ValidateInRoot(root, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// ChunksDir returns <root>/<uploadID>/chunks, eligible for Tier-1 deletion
// once assembly succeeds.
func ChunksDir(root, uploadID string) (string, error) {
	sessionDir, err := SessionDir(root, uploadID)
	if err != nil {
		return "", err
	}
	return filepath.Join(sessionDir, "chunks"), nil
}

// ChunkPath returns the path of one persisted, hash-verified chunk file.
func ChunkPath(root, uploadID string, chunkIndex int) (string, error) {
	chunksDir, err := ChunksDir(root, uploadID)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%06d.chunk", chunkIndex)
	if err := pathsafe.ValidatePathComponent(name, "chunk file name"); err != nil {
		return "", err
	}
	return filepath.Join(chunksDir, name), nil
}

// AssemblyDir returns <root>/<uploadID>/assembly, the staging area for an
// in-flight bundle materialization.
func AssemblyDir(root, uploadID string) (string, error) {
	sessionDir, err := SessionDir(root, uploadID)
	if err != nil {
		return "", err
	}
	return filepath.Join(sessionDir, "assembly"), nil
}

// StagingBundlePath returns the path of the in-flight ".assembling" file
// for bundleHash within uploadID's assembly directory.
func StagingBundlePath(root, uploadID, bundleHash string) (string, error) {
	assemblyDir, err := AssemblyDir(root, uploadID)
	if err != nil {
		return "", err
	}
	if err := pathsafe.ValidateBundleHash(bundleHash); err != nil {
		return "", err
	}
	return filepath.Join(assemblyDir, bundleHash+".assembling"), nil
}

// BundlePath returns the final, content-addressed, committed bundle path
// at the root of the upload tree: <root>/<bundleHash>.bundle.
func BundlePath(root, bundleHash string) (string, error) {
	if err := pathsafe.ValidateBundleHash(bundleHash); err != nil {
		return "", err
	}
	name := bundleHash + ".bundle"
	p := filepath.Join(root, name)
	if err := pathsafe.ValidateInRoot(root, p); err != nil {
		return "", err
	}
	return p, nil
}
