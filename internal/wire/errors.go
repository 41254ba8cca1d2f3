package wire

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/aether3d/ingest/internal/contract"
	"github.com/aether3d/ingest/internal/ingesterr"
)

// httpTimeFormat is RFC 3339, the only timestamp format this API ever
// emits.
const httpTimeFormat = time.RFC3339

// kindToExternalCode collapses the open internal taxonomy onto the closed
// seven-code external contract. Anything not listed here maps to
// CodeInternalError — a new internal Kind must never silently leak a new
// external shape without an explicit decision here.
var kindToExternalCode = map[ingesterr.Kind]contract.ExternalCode{
	ingesterr.KindInvalidRequest:  contract.CodeInvalidRequest,
	ingesterr.KindNotFound:        contract.CodeResourceNotFound,
	ingesterr.KindStateConflict:   contract.CodeStateConflict,
	ingesterr.KindPayloadTooLarge: contract.CodePayloadTooLarge,
	ingesterr.KindAuthFailed:      contract.CodeAuthFailed,

	// Integrity and security failures collapse to STATE_CONFLICT with the
	// single anti-enumeration HashMismatchMessage; see writeError.
	ingesterr.KindChunkHashMismatch:        contract.CodeStateConflict,
	ingesterr.KindSizeMismatch:             contract.CodeStateConflict,
	ingesterr.KindIndexGap:                 contract.CodeStateConflict,
	ingesterr.KindHashVerificationFailed:   contract.CodeStateConflict,
	ingesterr.KindMerkleVerificationFailed: contract.CodeStateConflict,
	ingesterr.KindPathTraversal:            contract.CodeStateConflict,
	ingesterr.KindPathEscape:               contract.CodeStateConflict,
	ingesterr.KindChunkMissing:             contract.CodeStateConflict,

	// Disk exhaustion is surfaced as RATE_LIMITED: the client sees the same
	// 429 shape it would for any other capacity backoff. writeError does
	// not log; the usage detail stays in the internal error message only.
	ingesterr.KindDiskQuotaExceeded: contract.CodeRateLimited,

	// Transient storage failures surface as INTERNAL_ERROR; clients retry
	// on a 500/503 the same way.
	ingesterr.KindChunkWriteFailed: contract.CodeInternalError,
	ingesterr.KindChunkReadFailed:  contract.CodeInternalError,
	ingesterr.KindAssemblyIOError:  contract.CodeInternalError,
	ingesterr.KindStoreFailed:      contract.CodeInternalError,
}

// anti-enumeration message for every path through writeError that results
// from an integrity or security failure: the client never learns which of
// the five verification layers tripped.
var integrityKinds = map[ingesterr.Kind]bool{
	ingesterr.KindChunkHashMismatch:        true,
	ingesterr.KindSizeMismatch:             true,
	ingesterr.KindIndexGap:                 true,
	ingesterr.KindHashVerificationFailed:   true,
	ingesterr.KindMerkleVerificationFailed: true,
	ingesterr.KindPathTraversal:            true,
	ingesterr.KindPathEscape:               true,
	ingesterr.KindChunkMissing:             true,
}

func writeError(w http.ResponseWriter, err error) {
	kind := ingesterr.KindOf(err)
	code, ok := kindToExternalCode[kind]
	if !ok {
		code = contract.CodeInternalError
	}

	message := err.Error()
	if integrityKinds[kind] {
		message = contract.HashMismatchMessage
	}
	if kind == ingesterr.KindDiskQuotaExceeded {
		// The client sees ordinary backoff guidance, never the operator-facing
		// disk-usage detail carried in the internal error message.
		message = "server is at capacity, retry later"
	}
	if code == contract.CodeInternalError {
		// Never echo internal error detail (file paths, driver errors) to
		// a client.
		message = "an internal error occurred"
	}

	writeJSON(w, code.HTTPStatus(), contract.WireError{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func parseIntHeader(v string) (int, error) {
	if v == "" {
		return 0, io.ErrUnexpectedEOF
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, io.ErrUnexpectedEOF
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func readFull(r io.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}

func nonNilInts(xs []int) []int {
	if xs == nil {
		return []int{}
	}
	return xs
}
