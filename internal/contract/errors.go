package contract

import "net/http"

// ExternalCode is the closed set of seven error codes the wire layer may
// ever emit. Internal error kinds (package ingesterr) never leak past the
// response boundary; every mapping collapses onto one of these.
type ExternalCode string

const (
	CodeInvalidRequest    ExternalCode = "INVALID_REQUEST"
	CodeAuthFailed        ExternalCode = "AUTH_FAILED"
	CodeResourceNotFound  ExternalCode = "RESOURCE_NOT_FOUND"
	CodeStateConflict     ExternalCode = "STATE_CONFLICT"
	CodePayloadTooLarge   ExternalCode = "PAYLOAD_TOO_LARGE"
	CodeRateLimited       ExternalCode = "RATE_LIMITED"
	CodeInternalError     ExternalCode = "INTERNAL_ERROR"
)

// HashMismatchMessage is the single, anti-enumeration message used for
// every integrity failure surfaced to a client, regardless of which of
// the five verification layers actually tripped.
const HashMismatchMessage = "HASH_MISMATCH"

// HTTPStatus maps each external code to the closed set of ten HTTP status
// codes this engine ever returns.
func (c ExternalCode) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeAuthFailed:
		// The closed ten-status set has no 401/403 slot; auth failures
		// collapse onto 400 like any other malformed request.
		return http.StatusBadRequest
	case CodeResourceNotFound:
		return http.StatusNotFound
	case CodeStateConflict:
		return http.StatusConflict
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WireError is the JSON envelope returned to clients on any non-2xx
// response. Details is optional and, today, only populated for the
// missing-chunks-at-completion case (details.missing).
type WireError struct {
	Code    ExternalCode `json:"code"`
	Message string       `json:"message"`
	Details any          `json:"details,omitempty"`
}
