package reconcile

import (
	"github.com/runlens-io/runlens/internal/trace"
)

type (
	// EventType identifies a run lifecycle event.
	EventType string

	// Event is a lifecycle notification emitted after a store commit. Run is
	// the post-commit state; Changes is the merged change set keyed by field
	// name (nil for creates).
	Event struct {
		Type    EventType
		Run     *trace.Run
		Changes map[string]interface{}
	}
)

const (
	// EventRunCreated fires once per newly inserted run, including runs
	// synthesized from out-of-order updates.
	EventRunCreated EventType = "trace.created"

	// EventRunUpdated fires on any field change, carrying the change set.
	EventRunUpdated EventType = "trace.updated"

	// EventRunCompleted fires when a run transitions to completed.
	EventRunCompleted EventType = "trace.completed"

	// EventRunFailed fires when a run transitions to failed.
	EventRunFailed EventType = "trace.failed"
)

// LifecycleEventTypes returns every event type the engine emits, in a stable
// order. The live-stream welcome frame advertises these as supported events.
func LifecycleEventTypes() []EventType {
	return []EventType{
		EventRunCreated,
		EventRunUpdated,
		EventRunCompleted,
		EventRunFailed,
	}
}

// Notifier receives lifecycle events after each commit.
//
// Calls happen on the ingest hot path while the per-run lock is held, so
// implementations must not block: the websocket hub enqueues onto bounded
// per-connection queues and returns immediately. Notification failures never
// affect the upsert outcome.
type Notifier interface {
	Notify(event Event)
}

// Forwarder is offered every successfully upserted run so it can debounce
// and re-export the reconstructed trace downstream.
//
// Offer must not block; the forward grouper mutates an in-memory bucket and
// (re)arms a timer. Forwarding failures never affect the upsert outcome.
type Forwarder interface {
	Offer(run *trace.Run)
}
