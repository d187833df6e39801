package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/runlens-io/runlens/internal/api/middleware"
	"github.com/runlens-io/runlens/internal/trace"
)

// handleIngestFeedback handles POST /api/v1/feedback.
// Stores one feedback record against a run. Upsert keyed by the
// client-supplied id (generated when absent): re-delivery updates the
// existing record instead of duplicating it.
//
// Responses:
//   - 201 Created: new record stored
//   - 200 OK: existing record updated (idempotent re-delivery)
//   - 400 Bad Request: invalid JSON
//   - 422 Unprocessable Entity: domain validation failed (missing run_id/key)
func (s *Server) handleIngestFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	var req FeedbackRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON: "+err.Error()))

		return
	}

	feedback := &trace.Feedback{
		ID:      strings.TrimSpace(req.ID),
		RunID:   strings.TrimSpace(req.RunID),
		Key:     strings.TrimSpace(req.Key),
		Score:   req.Score,
		Value:   req.Value,
		Comment: req.Comment,
	}

	if err := feedback.Validate(); err != nil {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

		return
	}

	stored, duplicate, err := s.deps.Feedback.StoreFeedback(ctx, feedback)
	if err != nil || !stored {
		// Validation ran above, so a failure here is a storage problem.
		if err == nil {
			err = errors.New("store reported not stored")
		}

		s.logger.ErrorContext(ctx, "Failed to store feedback",
			slog.String("correlation_id", correlationID),
			slog.String("run_id", feedback.RunID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to store feedback"))

		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}

	s.writeJSONResponse(w, r, status, feedbackView(feedback))
}

// handleRunFeedback handles GET /api/v1/runs/{run_id}/feedback.
// Returns the run's feedback records, newest first. An unknown run id yields
// an empty list, not a 404: evaluators may race ahead of ingestion.
func (s *Server) handleRunFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("run_id cannot be empty"))

		return
	}

	records, err := s.deps.Feedback.ListFeedbackByRun(ctx, runID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list feedback",
			slog.String("correlation_id", correlationID),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list feedback"))

		return
	}

	views := make([]FeedbackResponse, 0, len(records))
	for _, record := range records {
		views = append(views, feedbackView(record))
	}

	s.writeJSONResponse(w, r, http.StatusOK, FeedbackListResponse{
		RunID:    runID,
		Feedback: views,
		Total:    len(views),
	})
}

// feedbackView maps the domain record onto the API contract type.
func feedbackView(f *trace.Feedback) FeedbackResponse {
	return FeedbackResponse{
		ID:        f.ID,
		RunID:     f.RunID,
		Key:       f.Key,
		Score:     f.Score,
		Value:     f.Value,
		Comment:   f.Comment,
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
	}
}
