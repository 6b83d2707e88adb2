package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/errors"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/logger"
	"github.com/pesio-ai/be-esign-orchestrator/internal/repository"
	"github.com/pesio-ai/be-esign-orchestrator/internal/service"
)

// SigningService is what the HTTP layer needs from the orchestrator.
type SigningService interface {
	SignBatch(ctx context.Context, req *service.SignBatchRequest) (*service.SigningResult, error)
	CompleteBatch(ctx context.Context, batchID string, archive []byte) (*service.CompletionResult, error)
	GetBatch(ctx context.Context, batchID, ownerID string) (*repository.SigningBatch, error)
	GetBatchAudit(ctx context.Context, batchID, ownerID string) ([]*repository.AuditEntry, error)
	GetSessionAudit(ctx context.Context, sessionID string) ([]*repository.AuditEntry, error)
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service         SigningService
	log             *logger.Logger
	maxArchiveBytes int64
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service SigningService, log *logger.Logger, maxArchiveBytes int64) *HTTPHandler {
	if maxArchiveBytes <= 0 {
		maxArchiveBytes = 64 << 20
	}
	return &HTTPHandler{
		service:         service,
		log:             log,
		maxArchiveBytes: maxArchiveBytes,
	}
}

// Routes builds the router with the service middleware applied.
func (h *HTTPHandler) Routes(requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	if requestTimeout > 0 {
		r.Use(middleware.Timeout(requestTimeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/sign-batches", h.SignBatch)
		api.Get("/sign-batches/{batchID}", h.GetBatch)
		api.Get("/sign-batches/{batchID}/audit", h.GetBatchAudit)
		api.Get("/audit/sessions/{sessionID}", h.GetSessionAudit)
		api.Post("/provider/callbacks/{batchID}", h.CompleteBatch)
	})

	return r
}

// SignBatch handles sign requests
func (h *HTTPHandler) SignBatch(w http.ResponseWriter, r *http.Request) {
	var req service.SignBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}

	result, err := h.service.SignBatch(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetBatch returns the state of a signing batch
func (h *HTTPHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	ownerID := r.URL.Query().Get("owner_id")

	batch, err := h.service.GetBatch(r.Context(), batchID, ownerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, batch)
}

// GetBatchAudit lists the audit entries of a batch
func (h *HTTPHandler) GetBatchAudit(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	ownerID := r.URL.Query().Get("owner_id")

	entries, err := h.service.GetBatchAudit(r.Context(), batchID, ownerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": batchID,
		"entries":  entries,
	})
}

// GetSessionAudit lists the audit entries of one run, looked up by the
// reference returned in a failure message
func (h *HTTPHandler) GetSessionAudit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	entries, err := h.service.GetSessionAudit(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"entries":    entries,
	})
}

// CompleteBatch receives the provider's signed archive. The body is either
// the raw zip or a multipart form with the zip in a "file" field.
func (h *HTTPHandler) CompleteBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	r.Body = http.MaxBytesReader(w, r.Body, h.maxArchiveBytes)

	archive, err := readArchive(r, h.maxArchiveBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			h.writeError(w, r, errors.InvalidInput("archive", "archive too large"))
			return
		}
		h.writeError(w, r, errors.InvalidInput("archive", "failed to read archive: "+err.Error()))
		return
	}

	result, err := h.service.CompleteBatch(r.Context(), batchID, archive)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func readArchive(r *http.Request, maxBytes int64) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return io.ReadAll(r.Body)
	}

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      errors.Code `json:"code"`
	Message   string      `json:"message"`
	Field     string      `json:"field,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// writeError maps err onto the JSON error envelope. Internal failures get a
// generic message; the detail is only logged.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.StatusFor(code)

	body := errorBody{
		Code:      code,
		Message:   err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
	}
	if appErr, ok := err.(*errors.Error); ok {
		body.Message = appErr.Message
		body.Field = appErr.Field
	}

	if status >= http.StatusInternalServerError && code == errors.ErrCodeInternal {
		h.log.Error().Err(err).
			Str("request_id", body.RequestID).
			Str("path", r.URL.Path).
			Msg("Request failed")
		body.Message = "internal error"
	}

	writeJSON(w, status, errorResponse{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requestLogger logs one line per request.
func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
