// Package assembly implements persist_chunk and assemble_bundle: the
// write path that turns individually-hashed chunk uploads into a single,
// durable, content-addressed bundle file. Every write is gated on disk
// quota and sandboxed against path escape, grounded on the teacher's
// ChunkAssembler but generalized from network-stream reassembly to
// assembling already-persisted chunk files in strict index order.
package assembly

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aether3d/ingest/internal/contract"
	"github.com/aether3d/ingest/internal/diskquota"
	"github.com/aether3d/ingest/internal/ingesterr"
	"github.com/aether3d/ingest/internal/layout"
	"github.com/aether3d/ingest/internal/pathsafe"
	"github.com/aether3d/ingest/internal/verify"
)

// ChunkRecord is the database's view of one expected chunk, ordered by
// ChunkIndex, as assemble_bundle receives it.
type ChunkRecord struct {
	ChunkIndex int
	ChunkHash  string // lower-hex SHA-256, recorded at persist_chunk time
}

// AssemblyResult is what assemble_bundle returns on success, captured in
// the single pass so the verifier never has to re-read the bundle file.
type AssemblyResult struct {
	BundlePath       string
	SHA256           [32]byte
	TotalBytes       int64
	ChunkLeafHashes  [][32]byte
	Elapsed          time.Duration
}

// Engine binds one upload root and disk-quota gate for the assembly
// write path.
type Engine struct {
	root  string
	quota *diskquota.Gate
}

func NewEngine(uploadRoot string, quota *diskquota.Gate) *Engine {
	return &Engine{root: uploadRoot, quota: quota}
}

// CheckQuota reports the engine's disk-quota gate, for callers that need
// to reject a request before any chunk bytes arrive (e.g. create_session).
func (e *Engine) CheckQuota() error {
	decision, err := e.quota.Check()
	if decision != diskquota.Allow {
		return err
	}
	return nil
}

// ChunkPath resolves the on-disk path of one already-persisted chunk,
// for callers that need to re-read raw chunk bytes after assembly (e.g.
// probabilistic sampling verification).
func (e *Engine) ChunkPath(uploadID string, chunkIndex int) (string, error) {
	return layout.ChunkPath(e.root, uploadID, chunkIndex)
}

// PersistChunk validates, hash-verifies, and durably writes one chunk's
// bytes to <upload_root>/<upload_id>/chunks/<chunk_index>.chunk. bytes is
// expected to already be capacity-bounded by the caller (≤ 5 MiB) since
// the whole chunk is held in memory for one constant-time hash check and
// a single atomic write.
func (e *Engine) PersistChunk(uploadID string, chunkIndex int, data []byte, expectedHash string) (string, error) {
	if err := pathsafe.ValidateUploadID(uploadID); err != nil {
		return "", ingesterr.Wrap(ingesterr.KindPathEscape, "invalid upload_id", err).WithLayer("assembly")
	}
	if !contract.HashPattern.MatchString(expectedHash) {
		return "", ingesterr.New(ingesterr.KindInvalidRequest, "expected_hash is not a 64-char lower-hex SHA-256").WithLayer("assembly")
	}
	if int64(len(data)) > contract.ChunkSizeBytes {
		return "", ingesterr.New(ingesterr.KindPayloadTooLarge,
			fmt.Sprintf("chunk payload %d bytes exceeds %d byte limit", len(data), contract.ChunkSizeBytes)).WithLayer("assembly")
	}

	if decision, err := e.quota.Check(); decision != diskquota.Allow {
		return "", err
	}

	actual := sha256.Sum256(data)
	actualHex := fmt.Sprintf("%x", actual)
	if !verify.ConstantTimeHexEqual(actualHex, expectedHash) {
		return "", ingesterr.New(ingesterr.KindChunkHashMismatch,
			contract.HashMismatchMessage).WithLayer("assembly")
	}

	path, err := layout.ChunkPath(e.root, uploadID, chunkIndex)
	if err != nil {
		return "", ingesterr.Wrap(ingesterr.KindPathEscape, "resolving chunk path", err).WithLayer("assembly")
	}

	if err := writeFileAtomic(path, data); err != nil {
		return "", ingesterr.Wrap(ingesterr.KindChunkWriteFailed, "writing chunk file", err).WithLayer("assembly")
	}
	return path, nil
}

// AssembleBundle runs the three-way single-pass assembly: chunk files are
// read in chunkRecords order, each buffer simultaneously advances the
// whole-bundle hash, the per-chunk hash, and a write-coalescing buffer
// flushed to the staging bundle file. The per-chunk digest is checked
// constant-time against its database record before moving to the next
// chunk; a mismatch aborts before any more data is written.
func (e *Engine) AssembleBundle(uploadID, bundleHash string, declaredSize int64, chunkRecords []ChunkRecord) (*AssemblyResult, error) {
	start := time.Now()

	if err := pathsafe.ValidateUploadID(uploadID); err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindPathEscape, "invalid upload_id", err).WithLayer("assembly")
	}
	if err := pathsafe.ValidateBundleHash(bundleHash); err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindPathEscape, "invalid bundle_hash", err).WithLayer("assembly")
	}
	if len(chunkRecords) == 0 {
		return nil, ingesterr.New(ingesterr.KindChunkMissing, "no chunk records to assemble").WithLayer("assembly")
	}
	for i, rec := range chunkRecords {
		if rec.ChunkIndex != i {
			return nil, ingesterr.New(ingesterr.KindIndexGap,
				fmt.Sprintf("expected contiguous chunk_index %d, got %d", i, rec.ChunkIndex)).WithLayer("assembly")
		}
	}

	if decision, err := e.quota.Check(); decision != diskquota.Allow {
		return nil, err
	}

	stagingPath, err := layout.StagingBundlePath(e.root, uploadID, bundleHash)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindPathEscape, "resolving staging path", err).WithLayer("assembly")
	}
	stagingDir := filepath.Dir(stagingPath)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindAssemblyIOError, "creating assembly staging directory", err).WithLayer("assembly")
	}

	staging, err := os.Create(stagingPath)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindAssemblyIOError, "creating staging bundle file", err).WithLayer("assembly")
	}
	writer := bufio.NewWriterSize(staging, contract.AssemblyBufferBytes)

	wholeHasher := sha256.New()
	var totalBytes int64
	leafHashes := make([][32]byte, 0, len(chunkRecords))

	abort := func(cause error) (*AssemblyResult, error) {
		writer.Flush()
		staging.Close()
		os.Remove(stagingPath)
		return nil, cause
	}

	buf := make([]byte, contract.HashStreamChunkBytes)
	for _, rec := range chunkRecords {
		chunkPath, err := layout.ChunkPath(e.root, uploadID, rec.ChunkIndex)
		if err != nil {
			return abort(ingesterr.Wrap(ingesterr.KindPathEscape, "resolving chunk path", err).WithLayer("assembly"))
		}
		chunkFile, err := os.Open(chunkPath)
		if err != nil {
			return abort(ingesterr.Wrap(ingesterr.KindChunkMissing, fmt.Sprintf("chunk %d missing on disk", rec.ChunkIndex), err).WithLayer("assembly"))
		}

		chunkHasher := sha256.New()
		leafHasher := sha256.New()
		leafHasher.Write([]byte{contract.MerkleLeafPrefix})
		for {
			n, readErr := chunkFile.Read(buf)
			if n > 0 {
				chunkHasher.Write(buf[:n])
				leafHasher.Write(buf[:n])
				wholeHasher.Write(buf[:n])
				if _, werr := writer.Write(buf[:n]); werr != nil {
					chunkFile.Close()
					return abort(ingesterr.Wrap(ingesterr.KindAssemblyIOError, "writing to staging bundle", werr).WithLayer("assembly"))
				}
				totalBytes += int64(n)
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				chunkFile.Close()
				return abort(ingesterr.Wrap(ingesterr.KindChunkReadFailed, fmt.Sprintf("reading chunk %d", rec.ChunkIndex), readErr).WithLayer("assembly"))
			}
		}
		chunkFile.Close()

		chunkDigestHex := fmt.Sprintf("%x", chunkHasher.Sum(nil))
		if !verify.ConstantTimeHexEqual(chunkDigestHex, rec.ChunkHash) {
			return abort(ingesterr.New(ingesterr.KindChunkHashMismatch,
				fmt.Sprintf("chunk %d hash mismatch during assembly", rec.ChunkIndex)).WithLayer("assembly"))
		}

		var leaf [32]byte
		copy(leaf[:], leafHasher.Sum(nil))
		leafHashes = append(leafHashes, leaf)
	}

	if totalBytes != declaredSize {
		return abort(ingesterr.New(ingesterr.KindSizeMismatch,
			fmt.Sprintf("assembled size %d != declared size %d", totalBytes, declaredSize)).WithLayer("assembly"))
	}

	if err := writer.Flush(); err != nil {
		return abort(ingesterr.Wrap(ingesterr.KindAssemblyIOError, "flushing staging bundle", err).WithLayer("assembly"))
	}
	if err := syncFile(staging); err != nil {
		return abort(ingesterr.Wrap(ingesterr.KindAssemblyIOError, "fsyncing staging bundle", err).WithLayer("assembly"))
	}
	if err := staging.Close(); err != nil {
		os.Remove(stagingPath)
		return nil, ingesterr.Wrap(ingesterr.KindAssemblyIOError, "closing staging bundle", err).WithLayer("assembly")
	}

	bundlePath, err := layout.BundlePath(e.root, bundleHash)
	if err != nil {
		os.Remove(stagingPath)
		return nil, ingesterr.Wrap(ingesterr.KindPathEscape, "resolving final bundle path", err).WithLayer("assembly")
	}
	if err := os.Rename(stagingPath, bundlePath); err != nil {
		os.Remove(stagingPath)
		return nil, ingesterr.Wrap(ingesterr.KindAssemblyIOError, "renaming staging bundle to final", err).WithLayer("assembly")
	}
	if err := fsyncDir(e.root); err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindAssemblyIOError, "fsyncing upload root after bundle rename", err).WithLayer("assembly")
	}

	var whole [32]byte
	copy(whole[:], wholeHasher.Sum(nil))

	return &AssemblyResult{
		BundlePath:      bundlePath,
		SHA256:          whole,
		TotalBytes:      totalBytes,
		ChunkLeafHashes: leafHashes,
		Elapsed:         time.Since(start),
	}, nil
}
