// Package query implements the dashboard read surface: root-run listing
// with filters and pagination, hierarchy assembly, and summary statistics
// with the stale-run sweep side effect.
package query

import (
	"context"
	"time"

	"github.com/runlens-io/runlens/internal/trace"
)

type (
	// RootFilters narrows the root-run listing. Zero values mean "no filter".
	RootFilters struct {
		// ProjectName matches exactly (after alias resolution when configured).
		ProjectName string

		// Status matches exactly: running, completed or failed.
		Status string

		// Search substring-matches name and project_name, case-insensitive.
		Search string

		// StartTimeGTE / StartTimeLTE bound start_time inclusively.
		StartTimeGTE *time.Time
		StartTimeLTE *time.Time
	}

	// Page bounds a listing. Limit is 1..200, Offset >= 0; validated by the
	// service before reaching the store.
	Page struct {
		Limit  int
		Offset int
	}

	// Stats aggregates store-wide figures for the dashboard summary.
	Stats struct {
		TotalRuns           int            `json:"total_runs"`
		TotalTraces         int            `json:"total_traces"`
		RecentRuns24h       int            `json:"recent_runs_24h"`
		StatusDistribution  map[string]int `json:"status_distribution"`
		RunTypeDistribution map[string]int `json:"run_type_distribution"`
		ProjectDistribution map[string]int `json:"project_distribution"`
	}

	// ProjectInfo summarizes one project's recent activity.
	ProjectInfo struct {
		Name         string    `json:"name"`
		TotalRuns    int       `json:"total_runs"`
		TotalTraces  int       `json:"total_traces"`
		LastActivity time.Time `json:"last_activity"`
	}
)

// Store is the read contract the query surface consumes. Implemented by the
// PostgreSQL run store.
type Store interface {
	// GetRun fetches a run by id. Returns trace.ErrRunNotFound when absent.
	GetRun(ctx context.Context, id string) (*trace.Run, error)

	// ListRootRuns returns parentless runs matching the filters, ordered by
	// start_time descending, bounded by the page.
	ListRootRuns(ctx context.Context, filters RootFilters, page Page) ([]*trace.Run, error)

	// CountRootRuns counts parentless runs matching the filters.
	CountRootRuns(ctx context.Context, filters RootFilters) (int, error)

	// RunHierarchy returns the root and all its descendants in arbitrary
	// order. The traversal is iterative and cycle-safe. An unknown root id
	// yields an empty slice, not an error.
	RunHierarchy(ctx context.Context, rootID string) ([]*trace.Run, error)

	// RunStats aggregates store-wide statistics.
	RunStats(ctx context.Context) (*Stats, error)

	// ProjectSummaries returns up to limit projects active since the given
	// time, most recently active first.
	ProjectSummaries(ctx context.Context, since time.Time, limit int) ([]ProjectInfo, error)

	// MarkStaleRunsAsFailed fails running runs older than timeoutMinutes and
	// returns how many were transitioned. Idempotent.
	MarkStaleRunsAsFailed(ctx context.Context, timeoutMinutes int) (int, error)
}
