// Package verify implements the five-layer progressive integrity
// verifier: structural, whole-file, per-chunk, Merkle (RFC 9162), and a
// reserved manifest layer, plus the probabilistic sampling mode for large
// bundles. Layer order is cheapest-first, fail-fast.
package verify

import (
	"crypto/sha256"

	"github.com/aether3d/ingest/internal/contract"
)

// EmptyTreeRoot is the normative empty-tree sentinel: 32 zero bytes, not
// SHA-256(""). Never computed from a hash function.
var EmptyTreeRoot = [32]byte{}

// MerkleLeafHash computes the domain-separated leaf hash of one chunk's
// raw bytes: SHA-256(0x00 || data).
func MerkleLeafHash(data []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{contract.MerkleLeafPrefix})
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// merkleInternalHash computes the domain-separated internal-node hash:
// SHA-256(0x01 || left || right).
func merkleInternalHash(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{contract.MerkleInternalPrefix})
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// BuildMerkleRoot computes the RFC 9162-style Merkle root over an ordered
// list of leaf hashes (already domain-separated, e.g. via
// MerkleLeafHash). The odd-node rule: an unpaired last node on any level
// is promoted unchanged to the next level, never re-hashed. An empty leaf
// set returns EmptyTreeRoot.
//
// For the current MAX_CHUNK_COUNT = 200 this level-by-level list
// approach uses O(N) memory (~6 KiB of 32-byte hashes), which is
// sufficient; a streaming stack-based builder with O(log N) memory would
// only be worth it if the cap grows substantially.
func BuildMerkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return EmptyTreeRoot
	}

	level := make([][32]byte, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		i := 0
		for ; i+1 < len(level); i += 2 {
			next = append(next, merkleInternalHash(level[i], level[i+1]))
		}
		if i < len(level) {
			// Odd node out: promoted unchanged, not re-hashed.
			next = append(next, level[i])
		}
		level = next
	}

	return level[0]
}
