// Package bus fans run lifecycle events out to live-stream websocket
// clients. Each connection carries its own subscription set and bounded send
// queue; a consumer that cannot keep up is disconnected rather than allowed
// to block the ingest path.
package bus

import (
	"sort"
	"time"

	"github.com/runlens-io/runlens/internal/reconcile"
)

// EventStatsUpdated is published by the query surface when summary figures
// are recomputed. It rides the same channel as the engine's lifecycle events.
const EventStatsUpdated = "stats.updated"

// Frame types the server emits outside of run lifecycle events.
const (
	frameConnectionEstablished = "connection.established"
	frameSubscriptionConfirmed = "subscription.confirmed"
	framePong                  = "pong"
)

// Client actions.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"
)

type (
	// serverFrame is the wire shape of every frame the server sends.
	serverFrame struct {
		Type      string      `json:"type"`
		Data      interface{} `json:"data,omitempty"`
		Timestamp time.Time   `json:"timestamp"`
	}

	// clientAction is a JSON frame received from the client.
	clientAction struct {
		Action string   `json:"action"`
		Events []string `json:"events,omitempty"`
	}

	// welcomeData announces the connection id and the event types this
	// server can deliver.
	//
	//nolint:tagliatelle // live-stream protocol uses snake_case keys
	welcomeData struct {
		ClientID        string   `json:"client_id"`
		SupportedEvents []string `json:"supported_events"`
	}

	// subscriptionData confirms the connection's effective subscription set.
	subscriptionData struct {
		Events []string `json:"events"`
	}
)

// SupportedEvents lists every event type a client may subscribe to: the
// engine's lifecycle events plus the stats recompute signal.
func SupportedEvents() []string {
	types := reconcile.LifecycleEventTypes()

	events := make([]string, 0, len(types)+1)
	for _, t := range types {
		events = append(events, string(t))
	}

	return append(events, EventStatsUpdated)
}

// lifecycleData shapes a reconciliation event for the wire: the run's
// dashboard-facing fields plus the change set on updates. Inputs and outputs
// stay off the stream; clients fetch run detail over the read API.
func lifecycleData(event reconcile.Event) map[string]interface{} {
	run := event.Run

	payload := map[string]interface{}{
		"id":           run.ID,
		"name":         run.Name,
		"run_type":     string(run.RunType),
		"status":       string(run.Status),
		"project_name": run.ProjectName,
		"start_time":   run.StartTime.UTC().Format(time.RFC3339Nano),
	}

	if run.EndTime != nil {
		payload["end_time"] = run.EndTime.UTC().Format(time.RFC3339Nano)
	}

	if ms, ok := run.DurationMs(); ok {
		payload["duration_ms"] = ms
	}

	if run.ParentRunID != "" {
		payload["parent_run_id"] = run.ParentRunID
	}

	if traceID := run.TraceID(); traceID != "" {
		payload["trace_id"] = traceID
	}

	if run.Error != "" {
		payload["error"] = run.Error
	}

	data := map[string]interface{}{"run": payload}
	if len(event.Changes) > 0 {
		changed := make([]string, 0, len(event.Changes))
		for field := range event.Changes {
			changed = append(changed, field)
		}

		sort.Strings(changed)
		data["changed_fields"] = changed
	}

	return data
}
