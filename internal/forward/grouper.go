package forward

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/runlens-io/runlens/internal/config"
	"github.com/runlens-io/runlens/internal/trace"
)

// Grouper errors (static sentinel errors for errors.Is() checks).
var (
	// ErrNilStore is returned when the grouper is constructed without a store.
	ErrNilStore = errors.New("forward grouper requires a store")

	// ErrNilEmitter is returned when the grouper is constructed without an emitter.
	ErrNilEmitter = errors.New("forward grouper requires an emitter")
)

type (
	// Grouper collects upserted runs into per-trace buckets and flushes each
	// bucket after a debounce window of inactivity. On flush it re-reads the
	// authoritative tree from the run store and hands each root to the
	// emitter as one synthetic trace.
	//
	// Offer never blocks; it is safe to call from the reconciliation engine's
	// commit path. Buckets are process-local state: runs buffered at shutdown
	// are dropped, and the store re-forwards them on the next update to any
	// run in the group.
	Grouper struct {
		store   Store
		emitter TraceEmitter
		logger  *slog.Logger
		cfg     Config

		mu      sync.Mutex
		buckets map[string]*bucket
		stopped bool

		// flushing tracks in-flight flush goroutines so Stop can also be
		// used as a quiesce point in tests.
		flushing sync.WaitGroup
	}

	// bucket accumulates the runs of one suspected trace while its debounce
	// timer keeps getting pushed back.
	bucket struct {
		key   string
		runs  map[string]*trace.Run
		timer *time.Timer
	}
)

// NewGrouper creates a grouper that buffers runs and emits reconstructed
// traces through the given emitter.
func NewGrouper(store Store, emitter TraceEmitter, cfg Config) (*Grouper, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	if emitter == nil {
		return nil, ErrNilEmitter
	}

	return &Grouper{
		store:   store,
		emitter: emitter,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
	}, nil
}

// Offer buffers an upserted run into its trace bucket and restarts the
// bucket's debounce timer. Offers after Stop are dropped.
func (g *Grouper) Offer(run *trace.Run) {
	if run == nil || run.ID == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return
	}

	key := g.groupKeyLocked(run)

	b := g.buckets[key]
	if b == nil {
		b = &bucket{key: key, runs: make(map[string]*trace.Run)}
		g.buckets[key] = b
	}

	b.runs[run.ID] = run

	// A parent arriving after its children reveals that the bucket keyed by
	// the parent's id holds runs of this trace. Fold it in; the children have
	// already found their real group.
	if key != run.ID {
		if orphan := g.buckets[run.ID]; orphan != nil && orphan != b {
			g.mergeLocked(orphan, b)
		}
	}

	g.scheduleLocked(b)
}

// Pending reports the number of buckets waiting on their debounce timer.
func (g *Grouper) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.buckets)
}

// Stop cancels all pending timers and drops buffered runs without flushing,
// then waits for flushes already in flight. Subsequent offers are no-ops.
func (g *Grouper) Stop() {
	g.mu.Lock()

	g.stopped = true

	for key, b := range g.buckets {
		if b.timer != nil {
			b.timer.Stop()
		}

		delete(g.buckets, key)
	}

	g.mu.Unlock()

	g.flushing.Wait()
}

// groupKeyLocked infers the bucket key for a run: an explicit root pointer
// beats a trace id, a trace id beats the parent chain, and a parentless run
// with neither anchors its own bucket.
func (g *Grouper) groupKeyLocked(run *trace.Run) string {
	if rootID := run.RootRunID(); rootID != "" {
		return rootID
	}

	if traceID := run.TraceID(); traceID != "" {
		return traceID
	}

	if run.ParentRunID != "" {
		if b := g.bucketContainingLocked(run.ParentRunID); b != nil {
			return b.key
		}

		return run.ParentRunID
	}

	return run.ID
}

func (g *Grouper) bucketContainingLocked(runID string) *bucket {
	for _, b := range g.buckets {
		if _, ok := b.runs[runID]; ok {
			return b
		}
	}

	return nil
}

// mergeLocked folds the orphan bucket into the surviving one. The orphan's
// timer is cancelled; the caller reschedules the survivor.
func (g *Grouper) mergeLocked(orphan, into *bucket) {
	if orphan.timer != nil {
		orphan.timer.Stop()
	}

	for id, run := range orphan.runs {
		if _, ok := into.runs[id]; !ok {
			into.runs[id] = run
		}
	}

	delete(g.buckets, orphan.key)
}

func (g *Grouper) scheduleLocked(b *bucket) {
	if b.timer != nil {
		b.timer.Stop()
	}

	key := b.key
	b.timer = time.AfterFunc(g.cfg.Debounce, func() {
		g.flush(key)
	})
}

// flush atomically removes the bucket and reassembles it outside the lock.
// A bucket that was merged away or flushed concurrently is simply gone.
func (g *Grouper) flush(key string) {
	g.mu.Lock()

	if g.stopped {
		g.mu.Unlock()

		return
	}

	b := g.buckets[key]
	delete(g.buckets, key)

	g.flushing.Add(1)

	g.mu.Unlock()

	defer g.flushing.Done()

	if b == nil || len(b.runs) == 0 {
		return
	}

	g.flushBucket(b)
}

// flushBucket re-reads the authoritative tree for the bucket's trace from
// the run store, gap-fills it with buffered runs the store has not caught up
// on, and emits one synthetic trace per root. Per-root failures are logged
// and the remaining roots continue.
func (g *Grouper) flushBucket(b *bucket) {
	ctx := context.Background()

	authoritative := g.loadTree(ctx, b)

	children := make(map[string][]*trace.Run)

	var roots []*trace.Run

	for _, run := range authoritative {
		if run.ParentRunID == "" || authoritative[run.ParentRunID] == nil {
			roots = append(roots, run)
		} else {
			children[run.ParentRunID] = append(children[run.ParentRunID], run)
		}
	}

	sort.Slice(roots, func(i, j int) bool {
		if !roots[i].StartTime.Equal(roots[j].StartTime) {
			return roots[i].StartTime.Before(roots[j].StartTime)
		}

		return roots[i].ID < roots[j].ID
	})

	for _, root := range roots {
		emitCtx, cancel := context.WithTimeout(ctx, g.cfg.RunTimeout)
		err := g.emitter.EmitTrace(emitCtx, root, children)

		cancel()

		if err != nil {
			g.logger.Error("Failed to forward trace",
				slog.String("root_run_id", root.ID),
				slog.String("error", err.Error()))

			continue
		}

		g.logger.Info("Forwarded trace",
			slog.String("root_run_id", root.ID),
			slog.String("project", root.ProjectName),
			slog.Int("run_count", treeSize(root, children)))
	}
}

// loadTree resolves the bucket to an id-keyed run set: the store's hierarchy
// for the resolved root where one exists, with buffered runs filling any ids
// the store does not know yet. On id conflict the store copy wins, so the
// emitted trace reflects committed state rather than in-flight snapshots.
func (g *Grouper) loadTree(ctx context.Context, b *bucket) map[string]*trace.Run {
	tree := make(map[string]*trace.Run, len(b.runs))

	if rootID := g.resolveRootID(ctx, b); rootID != "" {
		runs, err := g.store.RunHierarchy(ctx, rootID)
		if err != nil {
			g.logger.Warn("Falling back to buffered runs",
				slog.String("root_run_id", rootID),
				slog.String("error", err.Error()))
		}

		for _, run := range runs {
			tree[run.ID] = run
		}
	}

	for id, run := range b.runs {
		if _, ok := tree[id]; !ok {
			tree[id] = run
		}
	}

	return tree
}

// resolveRootID finds the run id whose hierarchy covers the bucket: the
// bucket key when it names a stored run, otherwise the parentless top of any
// buffered run's ancestor chain, otherwise any buffered parentless run.
// Empty when nothing resolves, in which case the flush emits from the buffer
// alone.
func (g *Grouper) resolveRootID(ctx context.Context, b *bucket) string {
	if _, err := g.store.GetRun(ctx, b.key); err == nil {
		return b.key
	}

	for _, run := range b.runs {
		if run.ParentRunID == "" {
			continue
		}

		if top := g.climb(ctx, run); top.ParentRunID == "" {
			return top.ID
		}
	}

	for _, run := range b.runs {
		if run.ParentRunID == "" {
			return run.ID
		}
	}

	return ""
}

// climb walks parent pointers through the store, returning the highest
// ancestor reached. The walk stops at a parentless run, a parent the store
// does not have, or a parent cycle in corrupted data.
func (g *Grouper) climb(ctx context.Context, run *trace.Run) *trace.Run {
	visited := map[string]struct{}{run.ID: {}}
	current := run

	for current.ParentRunID != "" {
		if _, seen := visited[current.ParentRunID]; seen {
			break
		}

		parent, err := g.store.GetRun(ctx, current.ParentRunID)
		if err != nil {
			break
		}

		visited[parent.ID] = struct{}{}
		current = parent
	}

	return current
}

func treeSize(root *trace.Run, children map[string][]*trace.Run) int {
	count := 0
	seen := make(map[string]struct{})
	stack := []*trace.Run{root}

	for len(stack) > 0 {
		run := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := seen[run.ID]; ok {
			continue
		}

		seen[run.ID] = struct{}{}
		count++

		stack = append(stack, children[run.ID]...)
	}

	return count
}
