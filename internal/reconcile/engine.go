package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/runlens-io/runlens/internal/config"
	"github.com/runlens-io/runlens/internal/trace"
)

// Engine errors (static sentinel errors for errors.Is() checks).
var (
	// ErrNilStore is returned when the engine is constructed without a store.
	ErrNilStore = errors.New("reconciliation engine requires a store")

	// ErrNilRun is returned when a nil create payload reaches the engine.
	ErrNilRun = errors.New("run cannot be nil")
)

type (
	// Engine is the reconciliation engine: the single write path through
	// which every ingested run reaches the store.
	//
	// It serializes upserts per run id with a keyed lock, synthesizes
	// placeholder creates for updates that arrive before their create,
	// defers updates that fail message-sequence validation and replays them
	// in insertion order once the run gains the missing fields, and fans out
	// lifecycle events and forwarder offers after each commit.
	//
	// The deferred queue is process-local in-memory state and is lost on
	// restart; a lost deferral surfaces as a run stuck in running until the
	// stale sweep fails it.
	Engine struct {
		store     Store
		logger    *slog.Logger
		notifier  Notifier
		forwarder Forwarder

		locksMu sync.Mutex
		locks   map[string]*runLock

		defMu    sync.Mutex
		deferred map[string][]deferredUpdate
	}

	// EngineOption configures optional engine collaborators.
	EngineOption func(*Engine)

	// RunPatch pairs a run id with the patch to apply, one element of a
	// batch request's patch array.
	RunPatch struct {
		ID    string
		Patch trace.Patch
	}

	// Result reports the outcome of a single upsert.
	Result struct {
		// Run is the post-upsert state (or the untouched current state when
		// the update was deferred or dropped).
		Run *trace.Run

		// Created is true when a new row was inserted, whether from a create
		// payload or synthesized from an out-of-order update.
		Created bool

		// Deferred is true when the update failed message-sequence
		// validation and was queued for replay.
		Deferred bool

		// Changes is the applied change set keyed by field name. Empty for
		// no-op redeliveries and dropped downgrades, nil for creates.
		Changes map[string]interface{}
	}

	// BatchSummary aggregates the outcome of one ingest batch. Per-run
	// failures land in Errors; processing continues with the next run.
	BatchSummary struct {
		CreatedCount int
		UpdatedCount int
		Errors       []string
	}

	runLock struct {
		mu   sync.Mutex
		refs int
	}

	deferredUpdate struct {
		patch      trace.Patch
		enqueuedAt time.Time
	}
)

// WithNotifier wires the lifecycle event sink (the websocket hub).
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithForwarder wires the forward grouper offered each upserted run.
func WithForwarder(f Forwarder) EngineOption {
	return func(e *Engine) {
		e.forwarder = f
	}
}

// NewEngine creates a reconciliation engine writing through the given store.
// Notifier and forwarder are optional; without them the engine persists runs
// and nothing more.
func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	engine := &Engine{
		store: store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		locks:    make(map[string]*runLock),
		deferred: make(map[string][]deferredUpdate),
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine, nil
}

// Create applies a create payload.
//
// A duplicate id is not an error: the payload is merged into the existing
// run through the update path, so a real create arriving after a synthesized
// placeholder corrects the placeholder fields, and an idempotent redelivery
// reduces to a no-op update.
func (e *Engine) Create(ctx context.Context, run *trace.Run) (*Result, error) {
	if run == nil {
		return nil, ErrNilRun
	}

	if strings.TrimSpace(run.ID) == "" {
		return nil, trace.ErrRunIDEmpty
	}

	unlock := e.lockRun(run.ID)
	defer unlock()

	if err := run.Validate(); err != nil {
		return nil, err
	}

	run.Status = trace.DeriveInitialStatus(run)

	err := e.store.InsertRun(ctx, run)

	switch {
	case err == nil:
		e.emitCreated(run)
		e.offer(run)
		e.replayDeferred(ctx, run.ID)

		return &Result{Run: run, Created: true}, nil

	case errors.Is(err, trace.ErrRunAlreadyExists):
		// A create always carries the identifying fields, so it passes
		// message-sequence validation by construction; apply directly.
		return e.applyUpdate(ctx, run.ID, createToPatch(run))

	default:
		return nil, err
	}
}

// Update applies an update payload to the run with the given id.
//
// When the run does not exist yet, a placeholder create is synthesized from
// whatever fields the update carries (name "Trace <id>", run_type chain,
// start_time now as defaults). When message-sequence validation fails, the
// update is deferred for replay and the current run is returned unchanged.
func (e *Engine) Update(ctx context.Context, id string, patch trace.Patch) (*Result, error) {
	if strings.TrimSpace(id) == "" {
		return nil, trace.ErrRunIDEmpty
	}

	unlock := e.lockRun(id)
	defer unlock()

	return e.upsertPatch(ctx, id, patch)
}

// ApplyBatch applies one request's creates and updates: creates first, then
// updates, each array in order, which keeps creates ahead of updates for the
// same id within a batch.
//
// Per-run failures are recorded and processing continues; the caller decides
// the response status from the error count.
func (e *Engine) ApplyBatch(ctx context.Context, creates []*trace.Run, patches []RunPatch) *BatchSummary {
	summary := &BatchSummary{}

	for _, run := range creates {
		result, err := e.Create(ctx, run)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("run %s: %v", runID(run), err))

			continue
		}

		summary.count(result)
	}

	for _, p := range patches {
		result, err := e.Update(ctx, p.ID, p.Patch)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("run %s: %v", p.ID, err))

			continue
		}

		summary.count(result)
	}

	return summary
}

// HealthCheck verifies the backing store is reachable.
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.store.HealthCheck(ctx)
}

// DeferredCount reports how many updates are queued for replay on a run id.
func (e *Engine) DeferredCount(id string) int {
	e.defMu.Lock()
	defer e.defMu.Unlock()

	return len(e.deferred[id])
}

// count attributes a successful upsert: inserted rows count as created,
// everything else (merges, deferrals, no-op redeliveries) as updated.
func (s *BatchSummary) count(result *Result) {
	if result.Created {
		s.CreatedCount++
	} else {
		s.UpdatedCount++
	}
}

// upsertPatch is the update path. Caller holds the run's lock.
func (e *Engine) upsertPatch(ctx context.Context, id string, patch trace.Patch) (*Result, error) {
	current, err := e.store.GetRun(ctx, id)
	if errors.Is(err, trace.ErrRunNotFound) {
		return e.synthesizeAndInsert(ctx, id, patch)
	}

	if err != nil {
		return nil, err
	}

	if err := trace.ValidateMessageSequence(current, patch); err != nil {
		e.enqueueDeferred(id, patch, err)

		return &Result{Run: current, Deferred: true}, nil
	}

	return e.applyUpdate(ctx, id, patch)
}

// applyUpdate merges the patch through the store and fans out. Caller holds
// the run's lock and has already cleared message-sequence validation.
func (e *Engine) applyUpdate(ctx context.Context, id string, patch trace.Patch) (*Result, error) {
	updated, changes, err := e.store.UpdateRun(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	e.emitUpdated(updated, changes)
	e.offer(updated)
	e.replayDeferred(ctx, id)

	return &Result{Run: updated, Changes: changes}, nil
}

// synthesizeAndInsert handles an update arriving before its create. Caller
// holds the run's lock.
func (e *Engine) synthesizeAndInsert(ctx context.Context, id string, patch trace.Patch) (*Result, error) {
	run := synthesizeRun(id, patch)

	err := e.store.InsertRun(ctx, run)
	if errors.Is(err, trace.ErrRunAlreadyExists) {
		// Lost the insert race to another process (the Kafka ingester
		// writes the same id space). The run exists now, so one retry
		// through the normal update path settles it.
		return e.upsertPatch(ctx, id, patch)
	}

	if err != nil {
		return nil, err
	}

	e.logger.Info("synthesized create for out-of-order update",
		slog.String("run_id", id),
		slog.String("status", run.Status.String()),
	)

	e.emitCreated(run)
	e.offer(run)
	e.replayDeferred(ctx, run.ID)

	return &Result{Run: run, Created: true}, nil
}

// replayDeferred drains the deferred queue for a run id after a successful
// upsert. Entries are attempted in insertion order; each application is a
// full upsert (events, forwarder offer), and a pass that applied anything
// triggers another pass since it may have unlocked later entries. Caller
// holds the run's lock.
func (e *Engine) replayDeferred(ctx context.Context, id string) {
	for {
		pending := e.takeDeferred(id)
		if len(pending) == 0 {
			return
		}

		var (
			requeue []deferredUpdate
			applied int
		)

		for _, d := range pending {
			current, err := e.store.GetRun(ctx, id)
			if err != nil {
				e.logger.Warn("replay paused: cannot load run",
					slog.String("run_id", id),
					slog.String("error", err.Error()),
				)

				requeue = append(requeue, d)

				continue
			}

			if err := trace.ValidateMessageSequence(current, d.patch); err != nil {
				requeue = append(requeue, d)

				continue
			}

			updated, changes, err := e.store.UpdateRun(ctx, id, d.patch)
			if err != nil {
				e.logger.Warn("replay failed to apply deferred update",
					slog.String("run_id", id),
					slog.String("error", err.Error()),
				)

				requeue = append(requeue, d)

				continue
			}

			applied++

			e.logger.Info("replayed deferred update",
				slog.String("run_id", id),
				slog.Duration("deferred_for", time.Since(d.enqueuedAt)),
				slog.Int("changed_fields", len(changes)),
			)

			e.emitUpdated(updated, changes)
			e.offer(updated)
		}

		e.requeueDeferred(id, requeue)

		if applied == 0 || len(requeue) == 0 {
			return
		}
	}
}

func (e *Engine) enqueueDeferred(id string, patch trace.Patch, cause error) {
	e.defMu.Lock()
	e.deferred[id] = append(e.deferred[id], deferredUpdate{patch: patch, enqueuedAt: time.Now()})
	depth := len(e.deferred[id])
	e.defMu.Unlock()

	e.logger.Info("deferring out-of-order update",
		slog.String("run_id", id),
		slog.String("cause", cause.Error()),
		slog.Int("queue_depth", depth),
	)
}

func (e *Engine) takeDeferred(id string) []deferredUpdate {
	e.defMu.Lock()
	defer e.defMu.Unlock()

	pending := e.deferred[id]
	delete(e.deferred, id)

	return pending
}

func (e *Engine) requeueDeferred(id string, pending []deferredUpdate) {
	if len(pending) == 0 {
		return
	}

	e.defMu.Lock()
	// Anything enqueued while replaying goes after the requeued entries to
	// preserve insertion order.
	e.deferred[id] = append(pending, e.deferred[id]...)
	e.defMu.Unlock()
}

// lockRun acquires the per-id lock serializing upserts on a run. The
// returned func releases it. Lock entries are reference counted so the map
// does not accumulate ids that are no longer in flight.
func (e *Engine) lockRun(id string) func() {
	e.locksMu.Lock()

	l, ok := e.locks[id]
	if !ok {
		l = &runLock{}
		e.locks[id] = l
	}

	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		e.locksMu.Lock()

		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}

		e.locksMu.Unlock()
	}
}

func (e *Engine) emitCreated(run *trace.Run) {
	e.notify(Event{Type: EventRunCreated, Run: run})

	// A run inserted directly in a terminal state still announces the
	// transition; subscribers watching only completions rely on it.
	switch run.Status {
	case trace.StatusCompleted:
		e.notify(Event{Type: EventRunCompleted, Run: run})
	case trace.StatusFailed:
		e.notify(Event{Type: EventRunFailed, Run: run})
	case trace.StatusRunning:
	}
}

func (e *Engine) emitUpdated(run *trace.Run, changes map[string]interface{}) {
	if len(changes) == 0 {
		return
	}

	e.notify(Event{Type: EventRunUpdated, Run: run, Changes: changes})

	status, ok := changes["status"].(string)
	if !ok {
		return
	}

	switch trace.Status(status) {
	case trace.StatusCompleted:
		e.notify(Event{Type: EventRunCompleted, Run: run})
	case trace.StatusFailed:
		e.notify(Event{Type: EventRunFailed, Run: run})
	case trace.StatusRunning:
	}
}

func (e *Engine) notify(event Event) {
	if e.notifier == nil {
		return
	}

	e.notifier.Notify(event)
}

func (e *Engine) offer(run *trace.Run) {
	if e.forwarder == nil {
		return
	}

	e.forwarder.Offer(run)
}

// synthesizeRun builds the placeholder run for an update that arrived before
// its create. Defaults: name "Trace <id>", run_type chain, start_time now,
// empty inputs; every field the update carries overrides its default. The
// synthesized run skips create validation on purpose: an early completion
// update may carry an end_time before the defaulted start_time.
func synthesizeRun(id string, p trace.Patch) *trace.Run {
	run := &trace.Run{
		ID:        id,
		Name:      fmt.Sprintf("Trace %s", id),
		RunType:   trace.RunTypeChain,
		StartTime: time.Now().UTC(),
		Inputs:    map[string]interface{}{},
	}

	if p.Name != nil && *p.Name != "" {
		run.Name = *p.Name
	}

	if p.RunType != nil && *p.RunType != "" {
		run.RunType = *p.RunType
	}

	if p.StartTime != nil && !p.StartTime.IsZero() {
		run.StartTime = *p.StartTime
	}

	if p.EndTime != nil {
		end := *p.EndTime
		run.EndTime = &end
	}

	if p.ParentRunID != nil {
		run.ParentRunID = *p.ParentRunID
	}

	if p.Inputs != nil {
		run.Inputs = p.Inputs
	}

	if p.Outputs != nil {
		run.Outputs = p.Outputs
	}

	if p.Extra != nil {
		run.Extra = p.Extra
	}

	if p.Serialized != nil {
		run.Serialized = p.Serialized
	}

	if p.Events != nil {
		run.Events = p.Events
	}

	if p.Tags != nil {
		run.Tags = p.Tags
	}

	if p.Error != nil {
		run.Error = *p.Error
	}

	if p.ProjectName != nil {
		run.ProjectName = *p.ProjectName
	}

	if p.ReferenceExampleID != nil {
		run.ReferenceExampleID = *p.ReferenceExampleID
	}

	run.Status = trace.DeriveInitialStatus(run)

	return run
}

// createToPatch converts a create payload into a patch for merging into an
// already-existing run.
func createToPatch(run *trace.Run) trace.Patch {
	p := trace.Patch{
		Inputs:     run.Inputs,
		Outputs:    run.Outputs,
		Extra:      run.Extra,
		Serialized: run.Serialized,
		Events:     run.Events,
		Tags:       run.Tags,
	}

	if run.Name != "" {
		p.Name = &run.Name
	}

	if run.RunType != "" {
		rt := run.RunType
		p.RunType = &rt
	}

	if !run.StartTime.IsZero() {
		st := run.StartTime
		p.StartTime = &st
	}

	if run.EndTime != nil {
		p.EndTime = run.EndTime
	}

	if run.ParentRunID != "" {
		p.ParentRunID = &run.ParentRunID
	}

	if run.Error != "" {
		p.Error = &run.Error
	}

	if run.ProjectName != "" {
		p.ProjectName = &run.ProjectName
	}

	if run.ReferenceExampleID != "" {
		p.ReferenceExampleID = &run.ReferenceExampleID
	}

	return p
}

func runID(run *trace.Run) string {
	if run == nil {
		return "<nil>"
	}

	if run.ID == "" {
		return "<missing id>"
	}

	return run.ID
}
