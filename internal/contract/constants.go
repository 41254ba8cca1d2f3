// Package contract is the single source of truth for the byte layouts,
// thresholds, and domain-separation tags shared by every other package in
// this module. Nothing outside this package may redefine these values.
package contract

import "regexp"

// Normative size and count limits. These must not change without a
// contract_version bump — clients depend on them bit-for-bit.
const (
	ChunkSizeBytes        int64 = 5 * 1024 * 1024  // 5,242,880
	MaxBundleSizeBytes    int64 = 500 * 1024 * 1024 // 524,288,000
	MaxChunkCount               = 200
	UploadExpiryHours           = 24
	OrphanRetentionHours        = 48 // 2x UploadExpiryHours
	MaxActiveSessionsPerUser    = 1
)

// CaptureSourceCamera is the only accepted capture_source on
// create_session; every other value is rejected as INVALID_REQUEST. The
// engine accepts bundles captured by the reference camera device only.
const CaptureSourceCamera = "aether_camera"

// Streaming and write-coalescing buffer sizes used by the assembly
// pipeline. Chosen to saturate SHA-256 hardware acceleration (256 KiB)
// and batch write syscalls roughly 4x without memory pressure (1 MiB).
const (
	HashStreamChunkBytes = 262144
	AssemblyBufferBytes  = 1048576
)

// Disk-quota gate thresholds, expressed as used/total fractions.
const (
	DiskUsageRejectThreshold    = 0.85
	DiskUsageEmergencyThreshold = 0.95
)

// Probabilistic sampling verification parameters.
const (
	ProbabilisticMinChunks = 100
	ProbabilisticDelta     = 0.001
)

// Stage timeouts.
const (
	AssemblyStageTimeoutSeconds = 60
)

// ResidualStaging cleanup cadence (Tier-3).
const (
	AssemblingMaxAgeHours = 2
)

// ContractVersion is embedded in verification receipts for forward
// compatibility with future schema revisions.
const ContractVersion = "v1"

// Domain separation tags. Each is NUL-terminated so that no tag is a
// prefix of another. Byte sequences are normative and must be reproduced
// bit-exactly to interoperate with client-side verification code.
var (
	DomainTagBundleHash     = []byte("aether.bundle.hash.v1\x00")
	DomainTagBundleManifest = []byte("aether.bundle.manifest.v1\x00")
	DomainTagBundleContext  = []byte("aether.bundle.context.v1\x00")
)

// Merkle tree domain-separation prefixes (RFC 9162 style).
const (
	MerkleLeafPrefix     byte = 0x00
	MerkleInternalPrefix byte = 0x01
)

// UploadIDPattern and HashPattern guard every user-derived path component.
// Both must be checked in addition to the resolved-path prefix check in
// package pathsafe; filesystem features (symlinks, mounts) can defeat a
// regex check alone.
var (
	UploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	HashPattern     = regexp.MustCompile(`^[0-9a-f]{64}$`)
)
