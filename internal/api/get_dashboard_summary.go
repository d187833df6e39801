package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/runlens-io/runlens/internal/api/middleware"
)

// Stale-sweep timeout bounds, in minutes.
const (
	minSweepTimeoutMinutes = 1
	maxSweepTimeoutMinutes = 1440
)

// handleDashboardSummary handles GET /api/v1/dashboard/stats/summary.
// Returns store-wide stats plus the ten most recently active projects of the
// last seven days. Runs the stale-run sweep (default timeout) as a side
// effect before computing figures, so summary numbers never count runs that
// are already past the timeout as running.
func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	summary, err := s.deps.Query.Summary(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to build dashboard summary",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to build dashboard summary"))

		return
	}

	s.writeJSONResponse(w, r, http.StatusOK, summary)
}

// handleCleanupStaleRuns handles POST /api/v1/dashboard/cleanup/stale-runs.
// Transitions running runs older than timeout_minutes (1..1440, default 30)
// to failed. The sweep is idempotent: re-running it with the same timeout
// finds nothing new.
func (s *Server) handleCleanupStaleRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	// Zero means "use the configured default".
	timeoutMinutes := 0

	if v := r.URL.Query().Get("timeout_minutes"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			WriteErrorResponse(w, r, s.logger,
				BadRequest("Invalid parameter 'timeout_minutes': must be a valid integer"))

			return
		}

		if parsed < minSweepTimeoutMinutes || parsed > maxSweepTimeoutMinutes {
			WriteErrorResponse(w, r, s.logger,
				BadRequest("Invalid parameter 'timeout_minutes': must be between 1 and 1440"))

			return
		}

		timeoutMinutes = parsed
	}

	result, err := s.deps.Query.CleanupStaleRuns(ctx, timeoutMinutes)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to sweep stale runs",
			slog.String("correlation_id", correlationID),
			slog.Int("timeout_minutes", timeoutMinutes),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to sweep stale runs"))

		return
	}

	s.writeJSONResponse(w, r, http.StatusOK, result)
}
