// Package reconcile implements the reconciliation engine: the single write
// path through which every ingested run, regardless of source protocol,
// reaches the run store. It enforces message-ordering invariants, queues
// out-of-order updates for replay, and fans out lifecycle notifications
// after each commit.
package reconcile

import (
	"context"

	"github.com/runlens-io/runlens/internal/trace"
)

// Store is the persistence contract the engine writes through.
//
// Implementations must be safe for concurrent use. The engine serializes
// upserts per run id in-process, but a second process (the Kafka ingester)
// may write the same ids concurrently, so UpdateRun must merge on a
// row-locked authoritative read, not on state the caller observed earlier.
type Store interface {
	// GetRun fetches a run by id. Returns trace.ErrRunNotFound when absent.
	GetRun(ctx context.Context, id string) (*trace.Run, error)

	// InsertRun persists a new run. Returns trace.ErrRunAlreadyExists when
	// the id is taken; callers retry as an update.
	InsertRun(ctx context.Context, run *trace.Run) error

	// UpdateRun atomically merges the patch into the persisted run and
	// re-derives status. Returns the merged run and the change set keyed by
	// field name (empty when the patch was a no-op or was dropped as a
	// status downgrade). Returns trace.ErrRunNotFound when the id is absent.
	UpdateRun(ctx context.Context, id string, patch trace.Patch) (*trace.Run, map[string]interface{}, error)

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
}
