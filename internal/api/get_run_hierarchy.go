package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/runlens-io/runlens/internal/api/middleware"
	"github.com/runlens-io/runlens/internal/trace"
)

// handleRunHierarchy handles GET /api/v1/dashboard/runs/{trace_id}/hierarchy.
// Returns the full nested tree for a root run: each node carries its payload
// maps, duration_ms when both timestamps are present, and children ordered by
// start_time ascending, plus tree-wide max_depth and total_runs.
func (s *Server) handleRunHierarchy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	traceID := r.PathValue("trace_id")

	response, err := s.deps.Query.Hierarchy(ctx, traceID)
	if err != nil {
		switch {
		case errors.Is(err, trace.ErrRunIDEmpty):
			WriteErrorResponse(w, r, s.logger, BadRequest("trace_id cannot be empty"))
		case errors.Is(err, trace.ErrRunNotFound):
			WriteErrorResponse(w, r, s.logger, NotFound("No run found with id "+traceID))
		default:
			s.logger.ErrorContext(ctx, "Failed to load run hierarchy",
				slog.String("correlation_id", correlationID),
				slog.String("trace_id", traceID),
				slog.String("error", err.Error()),
			)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load run hierarchy"))
		}

		return
	}

	s.writeJSONResponse(w, r, http.StatusOK, response)
}
