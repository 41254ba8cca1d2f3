// Package wire is the HTTP transport: request/response DTOs, routing, and
// the error mapping from the internal ingesterr taxonomy down to the
// closed contract.ExternalCode set. No business logic lives here; every
// handler does decode, delegate to internal/orchestrator, encode.
package wire

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/aether3d/ingest/internal/contract"
	"github.com/aether3d/ingest/internal/ingesterr"
	"github.com/aether3d/ingest/internal/orchestrator"
)

// maxChunkRequestBytes bounds the request body read for a chunk upload to
// one chunk plus a small slack for header/framing overhead, so a
// malicious Content-Length can never force an unbounded read into memory.
const maxChunkRequestBytes = contract.ChunkSizeBytes + 4096

// UserIDFunc resolves the authenticated user id from a request. It is
// injected so auth middleware (JWT, mTLS, API key) can be swapped without
// touching the handlers; the default used by NewRouter when none is
// supplied rejects every request, so a deployment must always wire one in.
type UserIDFunc func(r *http.Request) (string, error)

// Server binds an Orchestrator to a set of HTTP routes.
type Server struct {
	orch   *orchestrator.Orchestrator
	log    *slog.Logger
	userID UserIDFunc
}

// NewRouter builds the engine's four routes on a fresh *mux.Router.
func NewRouter(orch *orchestrator.Orchestrator, logger *slog.Logger, userID UserIDFunc) *mux.Router {
	s := &Server{orch: orch, log: logger, userID: userID}

	r := mux.NewRouter()
	r.Use(s.requestLogMiddleware)
	r.HandleFunc("/uploads", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/uploads/{upload_id}/chunks", s.handleUploadChunk).Methods(http.MethodPatch)
	r.HandleFunc("/uploads/{upload_id}/chunks", s.handleGetChunks).Methods(http.MethodGet)
	r.HandleFunc("/uploads/{upload_id}/complete", s.handleCompleteSession).Methods(http.MethodPost)
	return r
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("request received", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.userID == nil {
		return "", ingesterr.New(ingesterr.KindAuthFailed, "no authentication middleware configured")
	}
	return s.userID(r)
}

// createSessionRequestDTO is the wire shape of POST /uploads.
type createSessionRequestDTO struct {
	CaptureSource    string `json:"capture_source"`
	CaptureSessionID string `json:"capture_session_id"`
	BundleHash       string `json:"bundle_hash"`
	BundleSize       int64  `json:"bundle_size"`
	ChunkCount       int    `json:"chunk_count"`
}

type createSessionResponseDTO struct {
	UploadID      string `json:"upload_id,omitempty"`
	ChunkSize     int64  `json:"chunk_size,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	Status        string `json:"status,omitempty"`
	InstantUpload bool   `json:"instant_upload,omitempty"`
	JobID         string `json:"job_id,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createSessionRequestDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.KindInvalidRequest, "malformed JSON body", err))
		return
	}

	result, err := s.orch.CreateSession(r.Context(), orchestrator.CreateSessionRequest{
		UserID:           userID,
		CaptureSource:    req.CaptureSource,
		CaptureSessionID: req.CaptureSessionID,
		BundleHash:       req.BundleHash,
		BundleSize:       req.BundleSize,
		ChunkCount:       req.ChunkCount,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if result.InstantUpload {
		writeJSON(w, http.StatusOK, createSessionResponseDTO{
			UploadID:      "instant",
			Status:        "completed",
			InstantUpload: true,
			JobID:         result.ExistingJobID,
		})
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponseDTO{
		UploadID:  result.UploadID,
		ChunkSize: result.ChunkSize,
		ExpiresAt: result.ExpiresAt.UTC().Format(httpTimeFormat),
	})
}

type uploadChunkResponseDTO struct {
	ChunkIndex    int    `json:"chunk_index"`
	ChunkStatus   string `json:"chunk_status"`
	TotalReceived int    `json:"total_received"`
	TotalChunks   int    `json:"total_chunks"`
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	uploadID := mux.Vars(r)["upload_id"]

	chunkIndex, err := parseIntHeader(r.Header.Get("X-Chunk-Index"))
	if err != nil {
		writeError(w, ingesterr.New(ingesterr.KindInvalidRequest, "missing or invalid X-Chunk-Index header"))
		return
	}
	chunkHash := r.Header.Get("X-Chunk-Hash")
	if chunkHash == "" {
		writeError(w, ingesterr.New(ingesterr.KindInvalidRequest, "missing X-Chunk-Hash header"))
		return
	}

	if r.ContentLength <= 0 {
		writeError(w, ingesterr.New(ingesterr.KindInvalidRequest, "missing or non-positive Content-Length header"))
		return
	}
	if r.ContentLength > contract.ChunkSizeBytes {
		writeError(w, ingesterr.New(ingesterr.KindPayloadTooLarge, "chunk exceeds the maximum chunk size"))
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxChunkRequestBytes)
	data := make([]byte, r.ContentLength)
	if _, err := readFull(body, data); err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.KindInvalidRequest, "request body shorter than declared Content-Length", err))
		return
	}

	result, err := s.orch.UploadChunk(r.Context(), orchestrator.UploadChunkRequest{
		UserID:     userID,
		UploadID:   uploadID,
		ChunkIndex: chunkIndex,
		Data:       data,
		ChunkHash:  chunkHash,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadChunkResponseDTO{
		ChunkIndex:    result.ChunkIndex,
		ChunkStatus:   result.ChunkStatus,
		TotalReceived: result.TotalReceived,
		TotalChunks:   result.TotalChunks,
	})
}

type getChunksResponseDTO struct {
	UploadID       string `json:"upload_id"`
	ReceivedChunks []int  `json:"received_chunks"`
	MissingChunks  []int  `json:"missing_chunks"`
	TotalChunks    int    `json:"total_chunks"`
	Status         string `json:"status"`
	ExpiresAt      string `json:"expires_at"`
}

func (s *Server) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	uploadID := mux.Vars(r)["upload_id"]

	result, err := s.orch.GetChunks(r.Context(), userID, uploadID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, getChunksResponseDTO{
		UploadID:       result.UploadID,
		ReceivedChunks: nonNilInts(result.ReceivedChunks),
		MissingChunks:  nonNilInts(result.MissingChunks),
		TotalChunks:    result.TotalChunks,
		Status:         string(result.Status),
		ExpiresAt:      result.ExpiresAt.UTC().Format(httpTimeFormat),
	})
}

type completeSessionRequestDTO struct {
	BundleHash string `json:"bundle_hash"`
}

type completeSessionResponseDTO struct {
	UploadID   string `json:"upload_id"`
	BundleHash string `json:"bundle_hash"`
	Status     string `json:"status"`
	JobID      string `json:"job_id"`
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	uploadID := mux.Vars(r)["upload_id"]

	var req completeSessionRequestDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*1024)).Decode(&req); err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.KindInvalidRequest, "malformed JSON body", err))
		return
	}

	result, err := s.orch.CompleteSession(r.Context(), userID, uploadID, req.BundleHash)
	if err != nil {
		var missing *orchestrator.MissingChunksError
		if asMissingChunksError(err, &missing) {
			writeJSON(w, contract.CodeInvalidRequest.HTTPStatus(), contract.WireError{
				Code:    contract.CodeInvalidRequest,
				Message: "upload session is missing chunks",
				Details: map[string]any{"missing": missing.Missing},
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, completeSessionResponseDTO{
		UploadID:   result.UploadID,
		BundleHash: result.BundleHash,
		Status:     result.Status,
		JobID:      result.JobID,
	})
}

func asMissingChunksError(err error, target **orchestrator.MissingChunksError) bool {
	e, ok := err.(*orchestrator.MissingChunksError)
	if !ok {
		return false
	}
	*target = e
	return true
}
