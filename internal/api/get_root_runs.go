package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/runlens-io/runlens/internal/api/middleware"
	"github.com/runlens-io/runlens/internal/query"
)

type (
	// rootRunsParams holds parsed query parameters for the root-run listing.
	rootRunsParams struct {
		filters query.RootFilters
		page    query.Page
	}

	// paramError represents a parameter validation error.
	paramError struct {
		param string
		msg   string
	}
)

func (e *paramError) Error() string {
	return "Invalid parameter '" + e.param + "': " + e.msg
}

// handleRootRuns handles GET /api/v1/dashboard/runs/roots.
// Returns a paginated page of root runs (runs without a parent), newest
// start_time first.
//
// Query Parameters:
//   - project_name: exact match after alias resolution
//   - status: running | completed | failed
//   - search: case-insensitive substring against name and project_name
//   - start_time_gte / start_time_lte: ISO8601 bounds on start_time
//   - limit: 1-200 (default: 50)
//   - offset: >= 0 (default: 0)
func (s *Server) handleRootRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	params, err := parseRootRunsParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	response, err := s.deps.Query.ListRoots(ctx, params.filters, params.page)
	if err != nil {
		if errors.Is(err, query.ErrInvalidLimit) || errors.Is(err, query.ErrInvalidOffset) {
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to list root runs",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list root runs"))

		return
	}

	s.writeJSONResponse(w, r, http.StatusOK, response)
}

// parseRootRunsParams parses and validates listing query parameters.
func parseRootRunsParams(r *http.Request) (*rootRunsParams, error) {
	q := r.URL.Query()

	params := &rootRunsParams{
		filters: query.RootFilters{
			ProjectName: q.Get("project_name"),
			Status:      q.Get("status"),
			Search:      q.Get("search"),
		},
		page: query.Page{
			Limit:  query.DefaultPageLimit,
			Offset: 0,
		},
	}

	if gte := q.Get("start_time_gte"); gte != "" {
		t, err := time.Parse(time.RFC3339, gte)
		if err != nil {
			return nil, &paramError{param: "start_time_gte", msg: "must be valid ISO8601 timestamp"}
		}

		params.filters.StartTimeGTE = &t
	}

	if lte := q.Get("start_time_lte"); lte != "" {
		t, err := time.Parse(time.RFC3339, lte)
		if err != nil {
			return nil, &paramError{param: "start_time_lte", msg: "must be valid ISO8601 timestamp"}
		}

		params.filters.StartTimeLTE = &t
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, &paramError{param: "limit", msg: "must be a valid integer"}
		}

		if limit < 1 || limit > query.MaxPageLimit {
			return nil, &paramError{param: "limit", msg: "must be between 1 and 200"}
		}

		params.page.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, &paramError{param: "offset", msg: "must be a valid integer"}
		}

		if offset < 0 {
			return nil, &paramError{param: "offset", msg: "must be >= 0"}
		}

		params.page.Offset = offset
	}

	return params, nil
}
