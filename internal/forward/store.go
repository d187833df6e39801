// Package forward implements the forward grouper: it buffers freshly
// upserted runs into per-trace buckets, debounces, then reassembles the
// authoritative tree from the run store and re-exports it as a single
// OpenTelemetry trace to a downstream collector.
package forward

import (
	"context"

	"github.com/runlens-io/runlens/internal/trace"
)

// Store is the read-back contract used during flush. Buffered runs are
// snapshots; the store is the authority on tree shape at flush time.
type Store interface {
	// GetRun fetches a run by id. Returns trace.ErrRunNotFound when absent.
	GetRun(ctx context.Context, id string) (*trace.Run, error)

	// RunHierarchy returns the root and all its descendants in arbitrary
	// order. An unknown root id yields an empty slice.
	RunHierarchy(ctx context.Context, rootID string) ([]*trace.Run, error)
}
