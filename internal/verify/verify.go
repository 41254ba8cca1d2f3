package verify

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math"
	"math/big"
	"crypto/rand"
	"time"

	"github.com/aether3d/ingest/internal/contract"
	"github.com/aether3d/ingest/internal/ingesterr"
)

// Mode is the verification mode recorded on the receipt.
type Mode string

const (
	ModeFull          Mode = "full"
	ModeProbabilistic Mode = "probabilistic"
)

// ChunkRecord is the minimal input the verifier needs per chunk: its
// index and its declared hash from the database. For probabilistic
// sampling, chunk bytes are loaded on demand through Input.ReadChunkBytes
// (never all chunks' bytes at once).
type ChunkRecord struct {
	Index int
	Hash  string // lower-hex SHA-256, as stored in the database
}

// Input is everything assemble_bundle captured in its single pass,
// avoiding a second read of the bundle file for verification.
type Input struct {
	DeclaredBundleHash string
	DeclaredBundleSize int64
	MeasuredBundleSize int64
	ComputedBundleHash [32]byte
	ChunkRecords       []ChunkRecord   // full set, ordered by chunk_index
	ChunkLeafHashes    [][32]byte      // per-chunk Merkle leaf inputs, same order
	// ReadChunkBytes re-reads one chunk's bytes from its on-disk staging
	// location, used only by probabilistic sampling to re-verify a
	// sampled subset against stored per-chunk hashes.
	ReadChunkBytes func(index int) ([]byte, error)
}

// Receipt is the verification outcome, emitted on success for
// audit/logging. It must never be exposed externally with per-layer
// detail (anti-enumeration); the wire layer collapses any failure to a
// single STATE_CONFLICT/HASH_MISMATCH.
type Receipt struct {
	BundleHash      string    `json:"bundle_hash"`
	VerifiedAt      time.Time `json:"verified_at"`
	Mode            Mode      `json:"mode"`
	LayersPassed    []string  `json:"layers_passed"`
	MerkleRoot      string    `json:"merkle_root"`
	ChunkCount      int       `json:"chunk_count"`
	TotalBytes      int64     `json:"total_bytes"`
	Elapsed         time.Duration `json:"elapsed"`
	ContractVersion string    `json:"contract_version"`
	SampleSize      *int      `json:"sample_size,omitempty"`
}

// ConstantTimeHexEqual compares two lower-hex-encoded SHA-256 strings in
// constant time. Short-circuiting equality would leak hash-prefix
// similarity to a timing attacker. Used throughout the assembly and
// verification paths for every hash equality check.
func ConstantTimeHexEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func constantTimeHexEqual(a, b string) bool {
	return ConstantTimeHexEqual(a, b)
}

// SampleSize computes k = ceil(N * (1 - delta^(1/N))) per the normative
// probabilistic sampling formula, delta = contract.ProbabilisticDelta.
func SampleSize(n int) int {
	if n <= 0 {
		return 0
	}
	delta := contract.ProbabilisticDelta
	k := math.Ceil(float64(n) * (1 - math.Pow(delta, 1.0/float64(n))))
	return int(k)
}

// Verify runs all five layers, cheapest-first, fail-fast. L5 and L1 are
// always run in full regardless of mode; only the per-chunk re-check (an
// L2 restatement) is sampled in probabilistic mode for bundles with at
// least contract.ProbabilisticMinChunks chunks.
func Verify(in Input) (*Receipt, error) {
	start := time.Now()
	var layersPassed []string

	// L5 — structural, O(1), zero I/O (values already captured during
	// assembly).
	if in.MeasuredBundleSize != in.DeclaredBundleSize {
		return nil, ingesterr.New(ingesterr.KindSizeMismatch,
			fmt.Sprintf("measured size %d != declared size %d", in.MeasuredBundleSize, in.DeclaredBundleSize)).WithLayer("L5")
	}
	if len(in.ChunkRecords) != len(in.ChunkLeafHashes) {
		return nil, ingesterr.New(ingesterr.KindIndexGap,
			"chunk record count does not match leaf hash count").WithLayer("L5")
	}
	layersPassed = append(layersPassed, "L5")

	// L1 — whole-file SHA-256, constant-time compare.
	computedHex := fmt.Sprintf("%x", in.ComputedBundleHash)
	if !constantTimeHexEqual(computedHex, in.DeclaredBundleHash) {
		return nil, ingesterr.New(ingesterr.KindHashVerificationFailed,
			"whole-bundle hash does not match declared bundle_hash").WithLayer("L1")
	}
	layersPassed = append(layersPassed, "L1")

	// L2 — chunk chain length restatement. Per-chunk digest equality was
	// already enforced during assembly; this just restates the contract
	// that every index has a corresponding leaf.
	if len(in.ChunkRecords) == 0 {
		return nil, ingesterr.New(ingesterr.KindChunkMissing, "no chunk records to verify").WithLayer("L2")
	}
	layersPassed = append(layersPassed, "L2")

	mode := ModeFull
	var sampleSize *int
	n := len(in.ChunkRecords)
	if n >= contract.ProbabilisticMinChunks && in.ReadChunkBytes != nil {
		mode = ModeProbabilistic
		k := SampleSize(n)
		sampleSize = &k
		indices, err := sampleIndices(n, k)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindHashVerificationFailed, "sampling chunk indices failed", err).WithLayer("L2")
		}
		for _, idx := range indices {
			data, err := in.ReadChunkBytes(idx)
			if err != nil {
				return nil, ingesterr.Wrap(ingesterr.KindChunkReadFailed,
					fmt.Sprintf("re-reading sampled chunk %d", idx), err).WithLayer("L2")
			}
			recomputed := sha256.Sum256(data)
			recomputedHex := fmt.Sprintf("%x", recomputed)
			if !constantTimeHexEqual(recomputedHex, in.ChunkRecords[idx].Hash) {
				return nil, ingesterr.New(ingesterr.KindChunkHashMismatch,
					fmt.Sprintf("sampled chunk %d hash mismatch", idx)).WithLayer("L2")
			}
		}
	}

	// L3 — Merkle root (RFC 9162). The full leaf set is always known from
	// assembly-time per-chunk digests; only the re-verification above is
	// sampled, not tree construction (Open Question 1: option (a)).
	root := BuildMerkleRoot(in.ChunkLeafHashes)
	layersPassed = append(layersPassed, "L3")

	// L4 — reserved manifest/context layer. Pass-through in this release,
	// still reported for forward compatibility.
	layersPassed = append(layersPassed, "L4")

	return &Receipt{
		BundleHash:      in.DeclaredBundleHash,
		VerifiedAt:      time.Now().UTC(),
		Mode:            mode,
		LayersPassed:    layersPassed,
		MerkleRoot:      fmt.Sprintf("%x", root),
		ChunkCount:      len(in.ChunkRecords),
		TotalBytes:      in.MeasuredBundleSize,
		Elapsed:         time.Since(start),
		ContractVersion: contract.ContractVersion,
		SampleSize:      sampleSize,
	}, nil
}

// sampleIndices draws k indices uniformly without replacement from
// [0, n) using crypto/rand, via a partial Fisher-Yates shuffle.
func sampleIndices(n, k int) ([]int, error) {
	if k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	for i := 0; i < k; i++ {
		j, err := randIntN(n - i)
		if err != nil {
			return nil, err
		}
		pick := i + j
		pool[i], pool[pick] = pool[pick], pool[i]
	}
	return pool[:k], nil
}

func randIntN(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, fmt.Errorf("generating random index: %w", err)
	}
	return int(v.Int64()), nil
}
