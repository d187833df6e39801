package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/runlens-io/runlens/internal/aliasing"
	"github.com/runlens-io/runlens/internal/config"
	"github.com/runlens-io/runlens/internal/forward"
	"github.com/runlens-io/runlens/internal/query"
	"github.com/runlens-io/runlens/internal/reconcile"
	"github.com/runlens-io/runlens/internal/trace"
)

// Sentinel errors for run storage operations.
var (
	// ErrRunStoreFailed is returned when a run storage operation fails.
	ErrRunStoreFailed = errors.New("run storage failed")

	// ErrInvalidCleanupInterval is returned when an invalid sweep interval is provided.
	ErrInvalidCleanupInterval = errors.New("cleanup interval must be greater than zero")

	// Compile-time interface assertions. RunStore is the single PostgreSQL
	// implementation behind the write path, the dashboard read path, and the
	// forwarder's authoritative read-back.

	// RunStore implements reconcile.Store (write interface for the engine).
	_ reconcile.Store = (*RunStore)(nil)

	// RunStore implements query.Store (read interface for the dashboard).
	_ query.Store = (*RunStore)(nil)

	// RunStore implements forward.Store (read-back interface for flush).
	_ forward.Store = (*RunStore)(nil)
)

// Sweep configuration constants.
const (
	// minStaleTimeoutMinutes / maxStaleTimeoutMinutes bound the per-call
	// stale-run timeout (1 minute .. 24 hours).
	minStaleTimeoutMinutes = 1
	maxStaleTimeoutMinutes = 1440

	// sweepQueryTimeout is the maximum time allowed for a single sweep execution.
	sweepQueryTimeout = 30 * time.Second
	// shutdownTimeout is the maximum time to wait for the sweep goroutine to stop during Close().
	shutdownTimeout = 5 * time.Second
)

// runColumns is the canonical select list shared by every run query.
const runColumns = `id, name, run_type, start_time, end_time, parent_run_id, status,
		inputs, outputs, extra, serialized, events, tags, error, project_name,
		reference_example_id, created_at, updated_at`

type (
	// RunStore implements run persistence with a PostgreSQL backend.
	//
	// Write semantics follow the reconciliation contract:
	//   - Insert fails on duplicate id so the engine can retry as an update
	//   - Update merges on a row-locked authoritative read, so concurrent
	//     writers (HTTP server and Kafka ingester) cannot lose fields
	//   - Status is re-derived from field presence on every update; terminal
	//     statuses never downgrade back to running
	//   - updated_at uses clock_timestamp() so repeated updates inside one
	//     transaction window still observe strictly increasing values
	//
	// A background goroutine periodically fails runs that have been running
	// longer than the configured stale timeout.
	RunStore struct {
		conn                *Connection
		logger              *slog.Logger
		cleanupInterval     time.Duration
		staleTimeoutMinutes int
		sweepStop           chan struct{} // Signal to stop sweep goroutine
		sweepDone           chan struct{} // Signal sweep has stopped
		closeOnce           sync.Once
		resolver            *aliasing.Resolver // Optional alias resolver for query-time project resolution
	}

	// RunStoreOption configures optional RunStore behavior.
	RunStoreOption func(*RunStore)

	// eventRecord is the JSONB shape of a single run event.
	eventRecord struct {
		Name       string                 `json:"name"`
		Time       time.Time              `json:"time"`
		Attributes map[string]interface{} `json:"attributes,omitempty"`
	}
)

// WithAliasResolver sets the project alias resolver for query-time resolution.
// If not set, no alias resolution is applied (passthrough behavior).
//
// Example:
//
//	resolver := aliasing.NewResolver(cfg)
//	store, err := storage.NewRunStore(conn, interval,
//	    storage.WithAliasResolver(resolver))
func WithAliasResolver(r *aliasing.Resolver) RunStoreOption {
	return func(s *RunStore) {
		s.resolver = r
	}
}

// WithStaleRunTimeout overrides the default age threshold (in minutes) used
// by the background sweep.
func WithStaleRunTimeout(minutes int) RunStoreOption {
	return func(s *RunStore) {
		s.staleTimeoutMinutes = minutes
	}
}

// NewRunStore creates a PostgreSQL-backed run store with a background
// stale-run sweep. Returns an error if conn is nil (ErrNoDatabaseConnection).
//
// Parameters:
//   - conn: Database connection (required)
//   - cleanupInterval: Interval for the stale-run sweep goroutine (e.g., 30 minutes)
//   - opts: Optional configuration (e.g., WithAliasResolver)
//
// The sweep goroutine starts automatically and stops gracefully on Close().
func NewRunStore(
	conn *Connection,
	cleanupInterval time.Duration,
	opts ...RunStoreOption,
) (*RunStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if cleanupInterval <= 0 {
		return nil, ErrInvalidCleanupInterval
	}

	store := &RunStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		cleanupInterval:     cleanupInterval,
		staleTimeoutMinutes: DefaultStaleRunTimeoutMinutes,
		sweepStop:           make(chan struct{}), // Signal to stop sweep goroutine
		sweepDone:           make(chan struct{}), // Signal sweep has stopped
	}

	// Apply optional configuration
	for _, opt := range opts {
		opt(store)
	}

	// Start sweep goroutine
	go store.runSweep()

	store.logger.Info("Started stale run sweep goroutine",
		slog.Duration("interval", cleanupInterval),
		slog.Int("timeout_minutes", store.staleTimeoutMinutes),
	)

	return store, nil
}

// Close stops the sweep goroutine gracefully.
// This method is safe to call multiple times.
//
// Note: Does NOT close the database connection, as the connection is managed
// externally via dependency injection. The caller is responsible for closing
// the connection.
func (s *RunStore) Close() error {
	s.closeOnce.Do(func() {
		// Signal sweep goroutine to stop
		close(s.sweepStop)

		// Wait for sweep to finish (with timeout)
		select {
		case <-s.sweepDone:
			s.logger.Info("Sweep goroutine stopped gracefully")
		case <-time.After(shutdownTimeout):
			s.logger.Warn("Sweep goroutine did not stop within timeout")
		}
	})

	return nil
}

// HealthCheck verifies the database connection is healthy and ready to serve requests.
//
// Used by:
//   - Kubernetes readiness probes
//   - Health check endpoints (/ready, /health)
//   - Monitoring systems
func (s *RunStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// GetRun fetches a run by id. Returns trace.ErrRunNotFound when absent.
func (s *RunStore) GetRun(ctx context.Context, id string) (*trace.Run, error) {
	var run *trace.Run

	err := s.withRetry("get run", func() error {
		query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

		r, err := scanRun(s.conn.QueryRowContext(ctx, query, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", trace.ErrRunNotFound, id)
		}

		if err != nil {
			return err
		}

		run = r

		return nil
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

// InsertRun persists a new run with server-assigned timestamps.
//
// Returns trace.ErrRunAlreadyExists on a duplicate id; the reconciliation
// engine treats that as a race signal and retries the payload as an update.
// The run's CreatedAt/UpdatedAt fields are populated from the database on
// success.
func (s *RunStore) InsertRun(ctx context.Context, run *trace.Run) error {
	if run == nil {
		return fmt.Errorf("%w: run is nil", ErrRunStoreFailed)
	}

	return s.withRetry("insert run", func() error {
		return s.insertRun(ctx, run)
	})
}

func (s *RunStore) insertRun(ctx context.Context, run *trace.Run) error {
	inputsJSON, outputsJSON, extraJSON, serializedJSON, eventsJSON, tagsJSON, err := marshalRunPayloads(run)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRunStoreFailed, err)
	}

	// project_name column is NOT NULL
	projectName := run.ProjectName
	if projectName == "" {
		projectName = "default"
	}

	query := `
		INSERT INTO runs (
			id, name, run_type, start_time, end_time, parent_run_id, status,
			inputs, outputs, extra, serialized, events, tags, error,
			project_name, reference_example_id, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			clock_timestamp(), clock_timestamp()
		)
		RETURNING created_at, updated_at
	`

	err = s.conn.QueryRowContext(
		ctx,
		query,
		run.ID,
		run.Name,
		run.RunType.String(),
		run.StartTime.UTC(),
		nullableTime(run.EndTime),
		nullableString(run.ParentRunID),
		run.Status.String(),
		inputsJSON,
		outputsJSON,
		extraJSON,
		serializedJSON,
		eventsJSON,
		tagsJSON,
		nullableString(run.Error),
		projectName,
		nullableString(run.ReferenceExampleID),
	).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", trace.ErrRunAlreadyExists, run.ID)
		}

		return fmt.Errorf("%w: failed to insert run: %w", ErrRunStoreFailed, err)
	}

	s.logger.Debug("run inserted",
		slog.String("run_id", run.ID),
		slog.String("status", run.Status.String()),
		slog.Bool("root", run.IsRoot()),
	)

	return nil
}

// UpdateRun atomically merges a patch into the persisted run.
//
// The update runs in a single transaction:
//  1. Fetch the run with a row lock (SELECT ... FOR UPDATE), so concurrent
//     updates on the same id from any process serialize here
//  2. Merge the patch fields (extra dict-merges, tags/events replace,
//     scalars overwrite, parent_run_id is set-once)
//  3. Re-derive status from the merged field presence; an update that would
//     downgrade a terminal status back to running is dropped wholesale with
//     a warning, leaving the row untouched
//  4. Backfill end_time when the run enters failed without one
//  5. Persist the full merged row with a fresh updated_at
//
// Returns the merged run and the change set keyed by field name. Re-delivery
// of an already-applied patch yields an empty change set but still bumps
// updated_at. Returns trace.ErrRunNotFound when the id is absent.
func (s *RunStore) UpdateRun(
	ctx context.Context,
	id string,
	patch trace.Patch,
) (*trace.Run, map[string]interface{}, error) {
	var (
		updated *trace.Run
		changes map[string]interface{}
	)

	err := s.withRetry("update run", func() error {
		run, changeSet, err := s.updateRunTx(ctx, id, patch)
		if err != nil {
			return err
		}

		updated, changes = run, changeSet

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return updated, changes, nil
}

func (s *RunStore) updateRunTx(
	ctx context.Context,
	id string,
	patch trace.Patch,
) (*trace.Run, map[string]interface{}, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to begin transaction: %w", ErrRunStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	current, err := fetchRunForUpdate(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}

	if trace.ReassignsParent(current, patch) {
		// parent_run_id is set once and never reassigned
		s.logger.Warn("ignoring parent reassignment",
			slog.String("run_id", id),
			slog.String("parent_run_id", current.ParentRunID),
			slog.String("attempted_parent_run_id", *patch.ParentRunID),
		)
	}

	// Snapshot before merging so a dropped downgrade can return the
	// untouched run. ApplyPatch never mutates the maps it merges.
	snapshot := *current

	oldStatus := current.Status
	changes := trace.ApplyPatch(current, patch)

	newStatus := trace.DeriveStatus(current)
	if err := trace.ValidateStatusTransition(oldStatus, newStatus); err != nil {
		s.logger.Warn("dropping update: status downgrade",
			slog.String("run_id", id),
			slog.String("status", oldStatus.String()),
			slog.String("attempted_status", newStatus.String()),
		)

		return &snapshot, map[string]interface{}{}, nil
	}

	if newStatus != oldStatus {
		current.Status = newStatus
		changes["status"] = newStatus.String()
	}

	if trace.EnsureFailureInvariant(current, time.Now()) {
		changes["end_time"] = *current.EndTime
	}

	if err := executeRunUpdate(ctx, tx, current); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to commit: %w", ErrRunStoreFailed, err)
	}

	s.logger.Debug("run updated",
		slog.String("run_id", id),
		slog.String("status", current.Status.String()),
		slog.Int("changed_fields", len(changes)),
	)

	return current, changes, nil
}

// fetchRunForUpdate retrieves a run inside tx with a row-level lock.
//
// FOR UPDATE blocks other transactions trying to lock or modify the same
// row until this transaction commits or rolls back, which makes the
// read-merge-write sequence in updateRunTx race-free across processes.
func fetchRunForUpdate(ctx context.Context, tx *sql.Tx, id string) (*trace.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1 FOR UPDATE`

	run, err := scanRun(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", trace.ErrRunNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch run for update: %w", ErrRunStoreFailed, err)
	}

	return run, nil
}

// executeRunUpdate persists every mutable column of the merged run and
// refreshes updated_at from the database clock.
func executeRunUpdate(ctx context.Context, tx *sql.Tx, run *trace.Run) error {
	inputsJSON, outputsJSON, extraJSON, serializedJSON, eventsJSON, tagsJSON, err := marshalRunPayloads(run)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRunStoreFailed, err)
	}

	projectName := run.ProjectName
	if projectName == "" {
		projectName = "default"
	}

	query := `
		UPDATE runs SET
			name = $2,
			run_type = $3,
			start_time = $4,
			end_time = $5,
			parent_run_id = $6,
			status = $7,
			inputs = $8,
			outputs = $9,
			extra = $10,
			serialized = $11,
			events = $12,
			tags = $13,
			error = $14,
			project_name = $15,
			reference_example_id = $16,
			updated_at = clock_timestamp()
		WHERE id = $1
		RETURNING updated_at
	`

	err = tx.QueryRowContext(
		ctx,
		query,
		run.ID,
		run.Name,
		run.RunType.String(),
		run.StartTime.UTC(),
		nullableTime(run.EndTime),
		nullableString(run.ParentRunID),
		run.Status.String(),
		inputsJSON,
		outputsJSON,
		extraJSON,
		serializedJSON,
		eventsJSON,
		tagsJSON,
		nullableString(run.Error),
		projectName,
		nullableString(run.ReferenceExampleID),
	).Scan(&run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to update run: %w", ErrRunStoreFailed, err)
	}

	return nil
}

// ListRootRuns returns parentless runs matching the filters, newest first.
func (s *RunStore) ListRootRuns(
	ctx context.Context,
	filters query.RootFilters,
	page query.Page,
) ([]*trace.Run, error) {
	var runs []*trace.Run

	err := s.withRetry("list root runs", func() error {
		where, args := s.buildRootFilters(filters)

		q := `SELECT ` + runColumns + ` FROM runs ` + where +
			fmt.Sprintf(" ORDER BY start_time DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, page.Limit, page.Offset)

		rows, err := s.conn.QueryContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("%w: failed to list root runs: %w", ErrRunStoreFailed, err)
		}

		defer func() {
			_ = rows.Close()
		}()

		runs = make([]*trace.Run, 0, page.Limit)

		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return fmt.Errorf("%w: failed to scan root run: %w", ErrRunStoreFailed, err)
			}

			runs = append(runs, run)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrRunStoreFailed, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return runs, nil
}

// CountRootRuns counts parentless runs matching the filters.
func (s *RunStore) CountRootRuns(ctx context.Context, filters query.RootFilters) (int, error) {
	var total int

	err := s.withRetry("count root runs", func() error {
		where, args := s.buildRootFilters(filters)

		q := `SELECT COUNT(*) FROM runs ` + where

		if err := s.conn.QueryRowContext(ctx, q, args...).Scan(&total); err != nil {
			return fmt.Errorf("%w: failed to count root runs: %w", ErrRunStoreFailed, err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}

// buildRootFilters assembles the WHERE clause shared by listing and counting.
func (s *RunStore) buildRootFilters(filters query.RootFilters) (string, []interface{}) {
	clauses := []string{"parent_run_id IS NULL"}

	var args []interface{}

	if filters.ProjectName != "" {
		projectName := filters.ProjectName
		if s.resolver != nil {
			projectName = s.resolver.Resolve(projectName)
		}

		args = append(args, projectName)
		clauses = append(clauses, fmt.Sprintf("project_name = $%d", len(args)))
	}

	if filters.Status != "" {
		args = append(args, filters.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		clauses = append(clauses, fmt.Sprintf("(name ILIKE $%d OR project_name ILIKE $%d)", len(args), len(args)))
	}

	if filters.StartTimeGTE != nil {
		args = append(args, filters.StartTimeGTE.UTC())
		clauses = append(clauses, fmt.Sprintf("start_time >= $%d", len(args)))
	}

	if filters.StartTimeLTE != nil {
		args = append(args, filters.StartTimeLTE.UTC())
		clauses = append(clauses, fmt.Sprintf("start_time <= $%d", len(args)))
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}

// RunHierarchy returns the root and all of its descendants.
//
// The traversal is an iterative breadth-first walk: each level fetches the
// children of the previous frontier in one query via parent_run_id = ANY,
// using idx_runs_parent_run_id. A visited set guards against cycles a buggy
// writer might have produced. An unknown root id yields an empty slice.
func (s *RunStore) RunHierarchy(ctx context.Context, rootID string) ([]*trace.Run, error) {
	root, err := s.GetRun(ctx, rootID)
	if errors.Is(err, trace.ErrRunNotFound) {
		return []*trace.Run{}, nil
	}

	if err != nil {
		return nil, err
	}

	visited := map[string]bool{rootID: true}
	result := []*trace.Run{root}
	frontier := []string{rootID}

	for len(frontier) > 0 {
		children, err := s.fetchChildren(ctx, frontier)
		if err != nil {
			return nil, err
		}

		frontier = frontier[:0]

		for _, child := range children {
			if visited[child.ID] {
				continue
			}

			visited[child.ID] = true
			result = append(result, child)
			frontier = append(frontier, child.ID)
		}
	}

	return result, nil
}

// fetchChildren loads every run whose parent is in the given id set.
func (s *RunStore) fetchChildren(ctx context.Context, parentIDs []string) ([]*trace.Run, error) {
	var children []*trace.Run

	err := s.withRetry("fetch children", func() error {
		query := `SELECT ` + runColumns + ` FROM runs WHERE parent_run_id = ANY($1)`

		rows, err := s.conn.QueryContext(ctx, query, pq.Array(parentIDs))
		if err != nil {
			return fmt.Errorf("%w: failed to fetch children: %w", ErrRunStoreFailed, err)
		}

		defer func() {
			_ = rows.Close()
		}()

		children = children[:0]

		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return fmt.Errorf("%w: failed to scan child run: %w", ErrRunStoreFailed, err)
			}

			children = append(children, run)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrRunStoreFailed, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return children, nil
}

// RunStats aggregates store-wide figures for the dashboard summary.
func (s *RunStore) RunStats(ctx context.Context) (*query.Stats, error) {
	stats := &query.Stats{}

	err := s.withRetry("run stats", func() error {
		totalsQuery := `
			SELECT
				COUNT(*),
				COUNT(*) FILTER (WHERE parent_run_id IS NULL),
				COUNT(*) FILTER (WHERE start_time > NOW() - INTERVAL '24 hours')
			FROM runs
		`

		err := s.conn.QueryRowContext(ctx, totalsQuery).Scan(
			&stats.TotalRuns,
			&stats.TotalTraces,
			&stats.RecentRuns24h,
		)
		if err != nil {
			return fmt.Errorf("%w: failed to aggregate totals: %w", ErrRunStoreFailed, err)
		}

		stats.StatusDistribution, err = s.queryDistribution(ctx,
			`SELECT status, COUNT(*) FROM runs GROUP BY status`)
		if err != nil {
			return err
		}

		stats.RunTypeDistribution, err = s.queryDistribution(ctx,
			`SELECT run_type, COUNT(*) FROM runs GROUP BY run_type`)
		if err != nil {
			return err
		}

		stats.ProjectDistribution, err = s.queryDistribution(ctx,
			`SELECT project_name, COUNT(*) FROM runs GROUP BY project_name`)

		return err
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// queryDistribution runs a two-column (label, count) GROUP BY query.
func (s *RunStore) queryDistribution(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query distribution: %w", ErrRunStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	distribution := make(map[string]int)

	for rows.Next() {
		var (
			label string
			count int
		)

		if err := rows.Scan(&label, &count); err != nil {
			return nil, fmt.Errorf("%w: failed to scan distribution: %w", ErrRunStoreFailed, err)
		}

		distribution[label] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunStoreFailed, err)
	}

	return distribution, nil
}

// ProjectSummaries returns up to limit projects active since the given time,
// most recently active first. Backs the dashboard summary's project panel.
func (s *RunStore) ProjectSummaries(
	ctx context.Context,
	since time.Time,
	limit int,
) ([]query.ProjectInfo, error) {
	var projects []query.ProjectInfo

	err := s.withRetry("project summaries", func() error {
		q := `
			SELECT
				project_name,
				COUNT(*),
				COUNT(*) FILTER (WHERE parent_run_id IS NULL),
				MAX(start_time)
			FROM runs
			WHERE start_time >= $1
			GROUP BY project_name
			ORDER BY MAX(start_time) DESC
			LIMIT $2
		`

		rows, err := s.conn.QueryContext(ctx, q, since.UTC(), limit)
		if err != nil {
			return fmt.Errorf("%w: failed to query project summaries: %w", ErrRunStoreFailed, err)
		}

		defer func() {
			_ = rows.Close()
		}()

		projects = projects[:0]

		for rows.Next() {
			var info query.ProjectInfo

			if err := rows.Scan(&info.Name, &info.TotalRuns, &info.TotalTraces, &info.LastActivity); err != nil {
				return fmt.Errorf("%w: failed to scan project summary: %w", ErrRunStoreFailed, err)
			}

			info.LastActivity = info.LastActivity.UTC()

			projects = append(projects, info)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrRunStoreFailed, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return projects, nil
}

// MarkStaleRunsAsFailed transitions running runs older than timeoutMinutes to
// failed with a timeout error and end_time = NOW(). Idempotent: a second
// sweep with the same timeout affects no additional rows.
//
// The timeout must be within 1..1440 minutes.
func (s *RunStore) MarkStaleRunsAsFailed(ctx context.Context, timeoutMinutes int) (int, error) {
	if timeoutMinutes < minStaleTimeoutMinutes || timeoutMinutes > maxStaleTimeoutMinutes {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidStaleTimeout, timeoutMinutes)
	}

	var count int

	err := s.withRetry("mark stale runs", func() error {
		query := `
			UPDATE runs
			SET status = 'failed',
				error = 'timed out after ' || $1::text || ' minutes',
				end_time = NOW(),
				updated_at = clock_timestamp()
			WHERE status = 'running'
			  AND start_time < NOW() - ($1 * INTERVAL '1 minute')
		`

		result, err := s.conn.ExecContext(ctx, query, timeoutMinutes)
		if err != nil {
			return fmt.Errorf("%w: failed to mark stale runs: %w", ErrRunStoreFailed, err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: failed to get rows affected: %w", ErrRunStoreFailed, err)
		}

		count = int(affected)

		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// runSweep is the background goroutine that periodically fails stale runs.
// Runs on ticker until sweepStop channel is closed via Close().
func (s *RunStore) runSweep() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	// Create a cancellable context for sweep operations
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-s.sweepStop:
			cancel() // cancel parent context ctx
			s.logger.Info("Stopping stale run sweep goroutine")

			return
		case <-ticker.C:
			sweepCtx, sweepCancel := context.WithTimeout(ctx, sweepQueryTimeout)

			count, err := s.MarkStaleRunsAsFailed(sweepCtx, s.staleTimeoutMinutes)

			switch {
			case err != nil:
				s.logger.Error("Stale run sweep failed", slog.String("error", err.Error()))
			case count > 0:
				s.logger.Info("Marked stale runs as failed",
					slog.Int("count", count),
					slog.Int("timeout_minutes", s.staleTimeoutMinutes),
				)
			default:
				s.logger.Debug("Stale run sweep completed - no stale runs found")
			}

			sweepCancel()
		}
	}
}

// withRetry executes fn, retrying exactly once when the failure looks like a
// transient connection error (SQLSTATE class 08 or a closed pool). All other
// errors propagate immediately.
func (s *RunStore) withRetry(op string, fn func() error) error {
	err := fn()
	if err == nil || !isDatabaseConnectionError(err) {
		return err
	}

	s.logger.Warn("retrying after transient database error",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)

	return fn()
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors for robust detection.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Check PostgreSQL error codes (Class 08 = Connection Exception)
	// Per PostgreSQL documentation, all 08xxx errors are connection-related:
	//   08000 - connection_exception
	//   08003 - connection_does_not_exist
	//   08006 - connection_failure
	//   08001 - sqlclient_unable_to_establish_sqlconnection
	//   08004 - sqlserver_rejected_establishment_of_sqlconnection
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	// Check standard database/sql connection errors
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}

// scanRun scans one run row from either *sql.Row or *sql.Rows.
func scanRun(scanner interface{ Scan(dest ...interface{}) error }) (*trace.Run, error) {
	var (
		run            trace.Run
		runType        string
		status         string
		endTime        sql.NullTime
		parentRunID    sql.NullString
		errText        sql.NullString
		refExampleID   sql.NullString
		inputsJSON     []byte
		outputsJSON    []byte
		extraJSON      []byte
		serializedJSON []byte
		eventsJSON     []byte
		tagsJSON       []byte
	)

	err := scanner.Scan(
		&run.ID,
		&run.Name,
		&runType,
		&run.StartTime,
		&endTime,
		&parentRunID,
		&status,
		&inputsJSON,
		&outputsJSON,
		&extraJSON,
		&serializedJSON,
		&eventsJSON,
		&tagsJSON,
		&errText,
		&run.ProjectName,
		&refExampleID,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.RunType = trace.RunType(runType)
	run.Status = trace.Status(status)
	run.StartTime = run.StartTime.UTC()
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()

	if endTime.Valid {
		t := endTime.Time.UTC()
		run.EndTime = &t
	}

	run.ParentRunID = parentRunID.String
	run.Error = errText.String
	run.ReferenceExampleID = refExampleID.String

	if run.Inputs, err = unmarshalMap(inputsJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}

	if run.Outputs, err = unmarshalMap(outputsJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outputs: %w", err)
	}

	if run.Extra, err = unmarshalMap(extraJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extra: %w", err)
	}

	if run.Serialized, err = unmarshalMap(serializedJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal serialized: %w", err)
	}

	if run.Events, err = unmarshalEvents(eventsJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}

	if tagsJSON != nil {
		if err := json.Unmarshal(tagsJSON, &run.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	return &run, nil
}

// marshalRunPayloads converts the run's structured fields into JSONB values.
//
// Outputs and serialized preserve the nil/empty distinction: a nil map maps
// to SQL NULL (absent), an empty map to '{}' (present). Outputs presence
// drives status derivation, so an empty-but-present outputs must survive a
// round trip.
func marshalRunPayloads(run *trace.Run) (
	inputs, outputs, extra, serialized, events, tags interface{},
	err error,
) {
	if inputs, err = marshalJSONBOrEmpty(run.Inputs); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal inputs: %w", err)
	}

	if outputs, err = marshalNullableJSONB(run.Outputs); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal outputs: %w", err)
	}

	if extra, err = marshalJSONBOrEmpty(run.Extra); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal extra: %w", err)
	}

	if serialized, err = marshalNullableJSONB(run.Serialized); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal serialized: %w", err)
	}

	if events, err = marshalEvents(run.Events); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal events: %w", err)
	}

	if tags, err = marshalTags(run.Tags); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	return inputs, outputs, extra, serialized, events, tags, nil
}

// marshalNullableJSONB maps nil to SQL NULL and any non-nil map (including
// empty) to its JSON encoding.
func marshalNullableJSONB(data map[string]interface{}) (interface{}, error) {
	if data == nil {
		return nil, nil //nolint:nilnil // nil is the SQL NULL value here
	}

	return json.Marshal(data)
}

// marshalJSONBOrEmpty maps nil to '{}' for NOT NULL jsonb columns.
func marshalJSONBOrEmpty(data map[string]interface{}) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(data)
}

func marshalEvents(events []trace.Event) ([]byte, error) {
	if events == nil {
		return []byte("[]"), nil
	}

	records := make([]eventRecord, len(events))
	for i, ev := range events {
		records[i] = eventRecord{
			Name:       ev.Name,
			Time:       ev.Time.UTC(),
			Attributes: ev.Attributes,
		}
	}

	return json.Marshal(records)
}

func unmarshalEvents(data []byte) ([]trace.Event, error) {
	if data == nil {
		return nil, nil
	}

	var records []eventRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, nil
	}

	events := make([]trace.Event, len(records))
	for i, rec := range records {
		events[i] = trace.Event{
			Name:       rec.Name,
			Time:       rec.Time.UTC(),
			Attributes: rec.Attributes,
		}
	}

	return events, nil
}

func marshalTags(tags []string) ([]byte, error) {
	if tags == nil {
		return []byte("[]"), nil
	}

	return json.Marshal(tags)
}

func unmarshalMap(data []byte) (map[string]interface{}, error) {
	if data == nil {
		return nil, nil
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	return m, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}

	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}

	return t.UTC()
}
