package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/runlens-io/runlens/internal/api/middleware"
	"github.com/runlens-io/runlens/internal/ingest"
)

// handleRunsBatch handles POST /api/v1/runs/batch - the LangSmith-compatible
// batch ingest endpoint. The body carries a post array (new runs) and a patch
// array (updates), applied as one logical batch, creates before updates.
//
// Request validation (returns 4xx):
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body, invalid JSON, or empty post+patch arrays
//
// Success responses:
//   - 200 OK: every element applied, or a partial failure (per-element
//     errors populated, the rest of the batch applied)
//   - 500 Internal Server Error: nothing in the batch could be applied
func (s *Server) handleRunsBatch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	// Request size check (optimization: fail fast for known oversized requests)
	// Allow unknown sizes (-1) or 0 (empty, caught by the decoder)
	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		WriteErrorResponse(w, r, s.logger, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		))

		return
	}

	if r.ContentLength == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("Request body cannot be empty"))

		return
	}

	batch, err := ingest.DecodeBatch(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		// Decode failures are protocol-level errors: the whole request is
		// rejected. Element-level problems surface through the errors list.
		switch {
		case errors.Is(err, ingest.ErrEmptyBatch):
			WriteErrorResponse(w, r, s.logger, BadRequest("Batch must contain at least one post or patch element"))
		default:
			WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON: "+err.Error()))
		}

		return
	}

	creates, patches := batch.Translate()

	summary := s.deps.Ingestor.ApplyBatch(r.Context(), creates, patches)

	response := BatchResponse{
		Success:      len(summary.Errors) == 0,
		CreatedCount: summary.CreatedCount,
		UpdatedCount: summary.UpdatedCount,
		Errors:       summary.Errors,
	}

	if response.Errors == nil {
		response.Errors = []string{}
	}

	// Partial failure stays 200 with populated errors; a batch where nothing
	// applied is a server-side failure.
	status := http.StatusOK
	if summary.CreatedCount+summary.UpdatedCount == 0 && len(summary.Errors) > 0 {
		status = http.StatusInternalServerError
	}

	s.writeJSONResponse(w, r, status, response)

	s.logger.Info("Runs batch processed",
		slog.String("correlation_id", correlationID),
		slog.Int("post", len(creates)),
		slog.Int("patch", len(patches)),
		slog.Int("created", summary.CreatedCount),
		slog.Int("updated", summary.UpdatedCount),
		slog.Int("errors", len(summary.Errors)),
		slog.Int("status_code", status),
		slog.Duration("duration", time.Since(startTime)),
	)
}
