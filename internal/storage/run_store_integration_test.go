package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/runlens-io/runlens/internal/aliasing"
	"github.com/runlens-io/runlens/internal/query"
	"github.com/runlens-io/runlens/internal/trace"
)

// newTestRun builds a minimal valid root run. Status is derived the same way
// the reconciliation engine derives it before insert.
func newTestRun(name, project string) *trace.Run {
	run := &trace.Run{
		ID:          uuid.NewString(),
		Name:        name,
		RunType:     trace.RunTypeChain,
		StartTime:   time.Now().UTC().Truncate(time.Millisecond),
		Inputs:      map[string]interface{}{"topic": "quarterly report"},
		ProjectName: project,
	}
	run.Status = trace.DeriveInitialStatus(run)

	return run
}

func setupRunStore(ctx context.Context, t *testing.T, opts ...RunStoreOption) *RunStore {
	t.Helper()

	conn := setupTestConnection(ctx, t)

	// Long sweep interval keeps the background sweep out of the way.
	store, err := NewRunStore(conn, time.Hour, opts...)
	if err != nil {
		t.Fatalf("NewRunStore() error = %v", err)
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func TestRunStoreInsertAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupRunStore(ctx, t)

	t.Run("round trips a fully populated run", func(t *testing.T) {
		end := time.Now().UTC().Add(2 * time.Second).Truncate(time.Millisecond)
		run := newTestRun("research-workflow", "checkout")
		run.RunType = trace.RunTypeLLM
		run.EndTime = &end
		run.Outputs = map[string]interface{}{"text": "done"}
		run.Extra = map[string]interface{}{"otlp.trace_id": "0af7651916cd43dd8448eb211c80319c"}
		run.Serialized = map[string]interface{}{"name": "ChatModel"}
		run.Events = []trace.Event{
			{Name: "retry", Time: run.StartTime.Add(time.Second), Attributes: map[string]interface{}{"attempt": float64(2)}},
		}
		run.Tags = []string{"vendor=openai", "env=prod"}
		run.Status = trace.DeriveInitialStatus(run)

		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}

		if run.CreatedAt.IsZero() || run.UpdatedAt.IsZero() {
			t.Error("InsertRun() should populate CreatedAt and UpdatedAt")
		}

		got, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if got.Name != run.Name {
			t.Errorf("Name = %q, want %q", got.Name, run.Name)
		}

		if got.RunType != trace.RunTypeLLM {
			t.Errorf("RunType = %q, want %q", got.RunType, trace.RunTypeLLM)
		}

		if got.Status != trace.StatusCompleted {
			t.Errorf("Status = %q, want %q", got.Status, trace.StatusCompleted)
		}

		if got.EndTime == nil || !got.EndTime.Equal(end) {
			t.Errorf("EndTime = %v, want %v", got.EndTime, end)
		}

		if got.Outputs == nil || got.Outputs["text"] != "done" {
			t.Errorf("Outputs = %v, want text=done", got.Outputs)
		}

		if got.Extra["otlp.trace_id"] != "0af7651916cd43dd8448eb211c80319c" {
			t.Errorf("Extra = %v, want otlp.trace_id preserved", got.Extra)
		}

		if len(got.Events) != 1 || got.Events[0].Name != "retry" {
			t.Errorf("Events = %v, want single retry event", got.Events)
		}

		if len(got.Tags) != 2 || got.Tags[0] != "vendor=openai" {
			t.Errorf("Tags = %v, want [vendor=openai env=prod]", got.Tags)
		}

		if got.ProjectName != "checkout" {
			t.Errorf("ProjectName = %q, want %q", got.ProjectName, "checkout")
		}
	})

	t.Run("nil outputs stay nil, absent end_time stays nil", func(t *testing.T) {
		run := newTestRun("in-flight", "checkout")

		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}

		got, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		// Outputs presence drives status derivation, so nil must not come
		// back as an empty map.
		if got.Outputs != nil {
			t.Errorf("Outputs = %v, want nil", got.Outputs)
		}

		if got.EndTime != nil {
			t.Errorf("EndTime = %v, want nil", got.EndTime)
		}

		if got.Status != trace.StatusRunning {
			t.Errorf("Status = %q, want %q", got.Status, trace.StatusRunning)
		}
	})

	t.Run("empty outputs map round trips as empty, not nil", func(t *testing.T) {
		end := time.Now().UTC().Truncate(time.Millisecond)
		run := newTestRun("empty-outputs", "checkout")
		run.StartTime = end.Add(-time.Second)
		run.EndTime = &end
		run.Outputs = map[string]interface{}{}
		run.Status = trace.DeriveInitialStatus(run)

		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}

		got, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if got.Outputs == nil {
			t.Error("Outputs = nil, want empty map")
		}

		if got.Status != trace.StatusCompleted {
			t.Errorf("Status = %q, want %q", got.Status, trace.StatusCompleted)
		}
	})

	t.Run("empty project name defaults to 'default'", func(t *testing.T) {
		run := newTestRun("no-project", "")

		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}

		got, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if got.ProjectName != "default" {
			t.Errorf("ProjectName = %q, want %q", got.ProjectName, "default")
		}
	})

	t.Run("duplicate id returns ErrRunAlreadyExists", func(t *testing.T) {
		run := newTestRun("original", "checkout")

		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}

		dup := newTestRun("duplicate", "checkout")
		dup.ID = run.ID

		err := store.InsertRun(ctx, dup)
		if !errors.Is(err, trace.ErrRunAlreadyExists) {
			t.Errorf("InsertRun() error = %v, want ErrRunAlreadyExists", err)
		}
	})

	t.Run("unknown id returns ErrRunNotFound", func(t *testing.T) {
		_, err := store.GetRun(ctx, uuid.NewString())
		if !errors.Is(err, trace.ErrRunNotFound) {
			t.Errorf("GetRun() error = %v, want ErrRunNotFound", err)
		}
	})
}

func TestRunStoreUpdateRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupRunStore(ctx, t)

	strPtr := func(s string) *string { return &s }
	timePtr := func(t time.Time) *time.Time { return &t }

	t.Run("completing update derives completed status", func(t *testing.T) {
		run := newTestRun("agent-step", "checkout")
		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}

		end := run.StartTime.Add(3 * time.Second)
		updated, changes, err := store.UpdateRun(ctx, run.ID, trace.Patch{
			EndTime: timePtr(end),
			Outputs: map[string]interface{}{"result": "ok"},
		})
		if err != nil {
			t.Fatalf("UpdateRun() error = %v", err)
		}

		if updated.Status != trace.StatusCompleted {
			t.Errorf("Status = %q, want %q", updated.Status, trace.StatusCompleted)
		}

		if changes["status"] != "completed" {
			t.Errorf("changes[status] = %v, want completed", changes["status"])
		}

		if _, ok := changes["end_time"]; !ok {
			t.Error("changes should include end_time")
		}

		if _, ok := changes["outputs"]; !ok {
			t.Error("changes should include outputs")
		}
	})

	t.Run("extra dict-merges, tags replace wholesale", func(t *testing.T) {
		run := newTestRun("merge-semantics", "checkout")
		run.Extra = map[string]interface{}{"model": "gpt-4", "region": "us-east"}
		run.Tags = []string{"old-tag"}

		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}

		updated, _, err := store.UpdateRun(ctx, run.ID, trace.Patch{
			Extra: map[string]interface{}{"model": "gpt-4o", "temperature": float64(0)},
			Tags:  []string{"new-tag", "env=prod"},
		})
		if err != nil {
			t.Fatalf("UpdateRun() error = %v", err)
		}

		if updated.Extra["model"] != "gpt-4o" {
			t.Errorf("Extra[model] = %v, want gpt-4o", updated.Extra["model"])
		}

		if updated.Extra["region"] != "us-east" {
			t.Errorf("Extra[region] = %v, want preserved us-east", updated.Extra["region"])
		}

		if updated.Extra["temperature"] != float64(0) {
			t.Errorf("Extra[temperature] = %v, want 0", updated.Extra["temperature"])
		}

		if len(updated.Tags) != 2 || updated.Tags[0] != "new-tag" {
			t.Errorf("Tags = %v, want wholesale replacement", updated.Tags)
		}
	})

	t.Run("parent is set once and never reassigned", func(t *testing.T) {
		parentA := uuid.NewString()
		parentB := uuid.NewString()

		run := newTestRun("orphan", "checkout")
		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}

		updated, _, err := store.UpdateRun(ctx, run.ID, trace.Patch{ParentRunID: strPtr(parentA)})
		if err != nil {
			t.Fatalf("UpdateRun() error = %v", err)
		}

		if updated.ParentRunID != parentA {
			t.Errorf("ParentRunID = %q, want %q", updated.ParentRunID, parentA)
		}

		// Reassignment attempt is ignored, the rest of the patch applies.
		updated, changes, err := store.UpdateRun(ctx, run.ID, trace.Patch{
			ParentRunID: strPtr(parentB),
			Tags:        []string{"kept"},
		})
		if err != nil {
			t.Fatalf("UpdateRun() error = %v", err)
		}

		if updated.ParentRunID != parentA {
			t.Errorf("ParentRunID = %q, want original %q", updated.ParentRunID, parentA)
		}

		if _, ok := changes["parent_run_id"]; ok {
			t.Error("changes should not include parent_run_id on reassignment attempt")
		}

		if len(updated.Tags) != 1 || updated.Tags[0] != "kept" {
			t.Errorf("Tags = %v, want [kept]", updated.Tags)
		}
	})

	t.Run("error-only update fails the run and backfills end_time", func(t *testing.T) {
		run := newTestRun("will-fail", "checkout")
		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}

		updated, changes, err := store.UpdateRun(ctx, run.ID, trace.Patch{
			Error: strPtr("rate limit exceeded"),
		})
		if err != nil {
			t.Fatalf("UpdateRun() error = %v", err)
		}

		if updated.Status != trace.StatusFailed {
			t.Errorf("Status = %q, want %q", updated.Status, trace.StatusFailed)
		}

		if updated.EndTime == nil {
			t.Error("EndTime should be backfilled when a run fails without one")
		}

		if _, ok := changes["end_time"]; !ok {
			t.Error("changes should include the backfilled end_time")
		}

		// The backfill must be persisted, not just returned.
		got, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if got.EndTime == nil {
			t.Error("persisted run should have backfilled end_time")
		}
	})

	t.Run("terminal downgrade is dropped and leaves the row untouched", func(t *testing.T) {
		end := time.Now().UTC().Truncate(time.Millisecond)
		run := newTestRun("failed-run", "checkout")
		run.StartTime = end.Add(-time.Second)
		run.EndTime = &end
		run.Error = "boom"
		run.Status = trace.DeriveInitialStatus(run)

		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}

		before, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		// Clearing the error would re-derive running, a forbidden move out
		// of a terminal status.
		snapshot, changes, err := store.UpdateRun(ctx, run.ID, trace.Patch{
			Error: strPtr(""),
			Tags:  []string{"should-not-apply"},
		})
		if err != nil {
			t.Fatalf("UpdateRun() error = %v", err)
		}

		if len(changes) != 0 {
			t.Errorf("changes = %v, want empty set for dropped downgrade", changes)
		}

		if snapshot.Status != trace.StatusFailed {
			t.Errorf("Status = %q, want untouched %q", snapshot.Status, trace.StatusFailed)
		}

		if snapshot.Error != "boom" {
			t.Errorf("Error = %q, want untouched %q", snapshot.Error, "boom")
		}

		after, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}

		if len(after.Tags) != 0 {
			t.Errorf("Tags = %v, want no partial application of dropped update", after.Tags)
		}

		if !after.UpdatedAt.Equal(before.UpdatedAt) {
			t.Error("updated_at should not move when the update is dropped")
		}
	})

	t.Run("redelivered no-op patch still bumps updated_at", func(t *testing.T) {
		run := newTestRun("redelivery", "checkout")
		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}

		first, _, err := store.UpdateRun(ctx, run.ID, trace.Patch{
			Tags: []string{"v1"},
		})
		if err != nil {
			t.Fatalf("UpdateRun() error = %v", err)
		}

		// Same patch again: no field changes, but the write is acknowledged.
		second, changes, err := store.UpdateRun(ctx, run.ID, trace.Patch{
			Tags: []string{"v1"},
		})
		if err != nil {
			t.Fatalf("UpdateRun() error = %v", err)
		}

		if len(changes) != 0 {
			t.Errorf("changes = %v, want empty set for no-op redelivery", changes)
		}

		if !second.UpdatedAt.After(first.UpdatedAt) {
			t.Errorf("updated_at = %v, want later than %v", second.UpdatedAt, first.UpdatedAt)
		}
	})

	t.Run("unknown id returns ErrRunNotFound", func(t *testing.T) {
		_, _, err := store.UpdateRun(ctx, uuid.NewString(), trace.Patch{
			Tags: []string{"noop"},
		})
		if !errors.Is(err, trace.ErrRunNotFound) {
			t.Errorf("UpdateRun() error = %v, want ErrRunNotFound", err)
		}
	})
}

func TestRunStoreListRootRuns(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupRunStore(ctx, t)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	// Three roots across two projects plus one child that must never appear
	// in root listings.
	roots := []*trace.Run{
		newTestRun("checkout-flow", "checkout"),
		newTestRun("billing-flow", "billing"),
		newTestRun("checkout-retry", "checkout"),
	}

	for i, run := range roots {
		run.StartTime = base.Add(time.Duration(i) * time.Minute)
		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}
	}

	end := base.Add(10 * time.Minute)
	failed := newTestRun("failed-flow", "billing")
	failed.StartTime = base.Add(3 * time.Minute)
	failed.EndTime = &end
	failed.Error = "tool timeout"
	failed.Status = trace.DeriveInitialStatus(failed)

	if err := store.InsertRun(ctx, failed); err != nil {
		t.Fatalf("InsertRun() error = %v", err)
	}

	child := newTestRun("child-step", "checkout")
	child.ParentRunID = roots[0].ID
	child.StartTime = base.Add(30 * time.Second)

	if err := store.InsertRun(ctx, child); err != nil {
		t.Fatalf("InsertRun() error = %v", err)
	}

	tests := []struct {
		name      string
		filters   query.RootFilters
		page      query.Page
		wantNames []string
	}{
		{
			name:    "no filters returns all roots newest first",
			filters: query.RootFilters{},
			page:    query.Page{Limit: 50},
			wantNames: []string{
				"failed-flow", "checkout-retry", "billing-flow", "checkout-flow",
			},
		},
		{
			name:      "project filter",
			filters:   query.RootFilters{ProjectName: "checkout"},
			page:      query.Page{Limit: 50},
			wantNames: []string{"checkout-retry", "checkout-flow"},
		},
		{
			name:      "status filter",
			filters:   query.RootFilters{Status: "failed"},
			page:      query.Page{Limit: 50},
			wantNames: []string{"failed-flow"},
		},
		{
			name:      "search matches name case-insensitively",
			filters:   query.RootFilters{Search: "RETRY"},
			page:      query.Page{Limit: 50},
			wantNames: []string{"checkout-retry"},
		},
		{
			name:      "search matches project name",
			filters:   query.RootFilters{Search: "billing"},
			page:      query.Page{Limit: 50},
			wantNames: []string{"failed-flow", "billing-flow"},
		},
		{
			name: "time window bounds start_time",
			filters: query.RootFilters{
				StartTimeGTE: func() *time.Time { t := base.Add(30 * time.Second); return &t }(),
				StartTimeLTE: func() *time.Time { t := base.Add(2 * time.Minute); return &t }(),
			},
			page:      query.Page{Limit: 50},
			wantNames: []string{"checkout-retry", "billing-flow"},
		},
		{
			name:      "pagination limit and offset",
			filters:   query.RootFilters{},
			page:      query.Page{Limit: 2, Offset: 1},
			wantNames: []string{"checkout-retry", "billing-flow"},
		},
		{
			name:      "offset beyond result set yields empty",
			filters:   query.RootFilters{},
			page:      query.Page{Limit: 10, Offset: 100},
			wantNames: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := store.ListRootRuns(ctx, tt.filters, tt.page)
			if err != nil {
				t.Fatalf("ListRootRuns() error = %v", err)
			}

			if len(runs) != len(tt.wantNames) {
				t.Fatalf("ListRootRuns() returned %d runs, want %d", len(runs), len(tt.wantNames))
			}

			for i, want := range tt.wantNames {
				if runs[i].Name != want {
					t.Errorf("runs[%d].Name = %q, want %q", i, runs[i].Name, want)
				}
			}
		})
	}

	t.Run("count matches filtered totals", func(t *testing.T) {
		total, err := store.CountRootRuns(ctx, query.RootFilters{})
		if err != nil {
			t.Fatalf("CountRootRuns() error = %v", err)
		}

		if total != 4 {
			t.Errorf("CountRootRuns() = %d, want 4", total)
		}

		checkout, err := store.CountRootRuns(ctx, query.RootFilters{ProjectName: "checkout"})
		if err != nil {
			t.Fatalf("CountRootRuns() error = %v", err)
		}

		if checkout != 2 {
			t.Errorf("CountRootRuns(checkout) = %d, want 2", checkout)
		}
	})
}

func TestRunStoreListRootRunsWithAliasResolver(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	resolver := aliasing.NewResolver(&aliasing.Config{
		ProjectAliases: map[string]string{"checkout-legacy": "checkout"},
	})

	store := setupRunStore(ctx, t, WithAliasResolver(resolver))

	run := newTestRun("aliased-flow", "checkout")
	if err := store.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun() error = %v", err)
	}

	// Filtering by the legacy name resolves to the canonical project.
	runs, err := store.ListRootRuns(ctx, query.RootFilters{ProjectName: "checkout-legacy"}, query.Page{Limit: 10})
	if err != nil {
		t.Fatalf("ListRootRuns() error = %v", err)
	}

	if len(runs) != 1 || runs[0].Name != "aliased-flow" {
		t.Errorf("ListRootRuns() = %v, want the aliased run", runs)
	}
}

func TestRunStoreRunHierarchy(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupRunStore(ctx, t)

	// root -> (child1, child2), child1 -> grandchild
	root := newTestRun("root", "checkout")
	child1 := newTestRun("child-1", "checkout")
	child1.ParentRunID = root.ID
	child2 := newTestRun("child-2", "checkout")
	child2.ParentRunID = root.ID
	grandchild := newTestRun("grandchild", "checkout")
	grandchild.ParentRunID = child1.ID

	other := newTestRun("unrelated-root", "checkout")

	for _, run := range []*trace.Run{root, child1, child2, grandchild, other} {
		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}
	}

	t.Run("returns root and all descendants", func(t *testing.T) {
		runs, err := store.RunHierarchy(ctx, root.ID)
		if err != nil {
			t.Fatalf("RunHierarchy() error = %v", err)
		}

		if len(runs) != 4 {
			t.Fatalf("RunHierarchy() returned %d runs, want 4", len(runs))
		}

		byID := make(map[string]*trace.Run, len(runs))
		for _, r := range runs {
			byID[r.ID] = r
		}

		for _, want := range []string{root.ID, child1.ID, child2.ID, grandchild.ID} {
			if _, ok := byID[want]; !ok {
				t.Errorf("RunHierarchy() missing run %s", want)
			}
		}

		if _, ok := byID[other.ID]; ok {
			t.Error("RunHierarchy() should not include unrelated runs")
		}
	})

	t.Run("unknown root yields empty slice", func(t *testing.T) {
		runs, err := store.RunHierarchy(ctx, uuid.NewString())
		if err != nil {
			t.Fatalf("RunHierarchy() error = %v", err)
		}

		if runs == nil {
			t.Error("RunHierarchy() = nil, want empty slice")
		}

		if len(runs) != 0 {
			t.Errorf("RunHierarchy() returned %d runs, want 0", len(runs))
		}
	})

	t.Run("mid-tree id yields that subtree", func(t *testing.T) {
		runs, err := store.RunHierarchy(ctx, child1.ID)
		if err != nil {
			t.Fatalf("RunHierarchy() error = %v", err)
		}

		if len(runs) != 2 {
			t.Fatalf("RunHierarchy() returned %d runs, want 2", len(runs))
		}
	})
}

func TestRunStoreRunStats(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupRunStore(ctx, t)

	end := time.Now().UTC().Truncate(time.Millisecond)

	completed := newTestRun("stats-completed", "checkout")
	completed.StartTime = end.Add(-time.Minute)
	completed.EndTime = &end
	completed.Outputs = map[string]interface{}{"ok": true}
	completed.Status = trace.DeriveInitialStatus(completed)

	running := newTestRun("stats-running", "billing")
	running.RunType = trace.RunTypeLLM

	old := newTestRun("stats-old", "checkout")
	old.StartTime = time.Now().UTC().Add(-48 * time.Hour)

	child := newTestRun("stats-child", "checkout")
	child.ParentRunID = completed.ID

	for _, run := range []*trace.Run{completed, running, old, child} {
		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}
	}

	stats, err := store.RunStats(ctx)
	if err != nil {
		t.Fatalf("RunStats() error = %v", err)
	}

	if stats.TotalRuns != 4 {
		t.Errorf("TotalRuns = %d, want 4", stats.TotalRuns)
	}

	if stats.TotalTraces != 3 {
		t.Errorf("TotalTraces = %d, want 3", stats.TotalTraces)
	}

	if stats.RecentRuns24h != 3 {
		t.Errorf("RecentRuns24h = %d, want 3", stats.RecentRuns24h)
	}

	if stats.StatusDistribution["completed"] != 1 {
		t.Errorf("StatusDistribution[completed] = %d, want 1", stats.StatusDistribution["completed"])
	}

	if stats.StatusDistribution["running"] != 3 {
		t.Errorf("StatusDistribution[running] = %d, want 3", stats.StatusDistribution["running"])
	}

	if stats.RunTypeDistribution["llm"] != 1 {
		t.Errorf("RunTypeDistribution[llm] = %d, want 1", stats.RunTypeDistribution["llm"])
	}

	if stats.ProjectDistribution["checkout"] != 3 {
		t.Errorf("ProjectDistribution[checkout] = %d, want 3", stats.ProjectDistribution["checkout"])
	}
}

func TestRunStoreProjectSummaries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupRunStore(ctx, t)

	now := time.Now().UTC().Truncate(time.Millisecond)

	recentA := newTestRun("summary-a1", "alpha")
	recentA.StartTime = now.Add(-time.Hour)

	recentA2 := newTestRun("summary-a2", "alpha")
	recentA2.StartTime = now.Add(-30 * time.Minute)
	recentA2.ParentRunID = recentA.ID

	recentB := newTestRun("summary-b1", "beta")
	recentB.StartTime = now.Add(-10 * time.Minute)

	ancient := newTestRun("summary-old", "gamma")
	ancient.StartTime = now.Add(-30 * 24 * time.Hour)

	for _, run := range []*trace.Run{recentA, recentA2, recentB, ancient} {
		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}
	}

	summaries, err := store.ProjectSummaries(ctx, now.Add(-7*24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ProjectSummaries() error = %v", err)
	}

	if len(summaries) != 2 {
		t.Fatalf("ProjectSummaries() returned %d projects, want 2", len(summaries))
	}

	// Most recently active first.
	if summaries[0].Name != "beta" {
		t.Errorf("summaries[0].Name = %q, want beta", summaries[0].Name)
	}

	if summaries[1].Name != "alpha" {
		t.Errorf("summaries[1].Name = %q, want alpha", summaries[1].Name)
	}

	if summaries[1].TotalRuns != 2 {
		t.Errorf("alpha TotalRuns = %d, want 2", summaries[1].TotalRuns)
	}

	if summaries[1].TotalTraces != 1 {
		t.Errorf("alpha TotalTraces = %d, want 1", summaries[1].TotalTraces)
	}

	t.Run("limit caps the project list", func(t *testing.T) {
		capped, err := store.ProjectSummaries(ctx, now.Add(-7*24*time.Hour), 1)
		if err != nil {
			t.Fatalf("ProjectSummaries() error = %v", err)
		}

		if len(capped) != 1 || capped[0].Name != "beta" {
			t.Errorf("ProjectSummaries(limit=1) = %v, want [beta]", capped)
		}
	})
}

func TestRunStoreMarkStaleRunsAsFailed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupRunStore(ctx, t)

	stale := newTestRun("stale-run", "checkout")
	stale.StartTime = time.Now().UTC().Add(-2 * time.Hour)

	fresh := newTestRun("fresh-run", "checkout")

	end := time.Now().UTC()
	doneLongAgo := newTestRun("done-run", "checkout")
	doneLongAgo.StartTime = time.Now().UTC().Add(-3 * time.Hour)
	doneLongAgo.EndTime = &end
	doneLongAgo.Outputs = map[string]interface{}{"ok": true}
	doneLongAgo.Status = trace.DeriveInitialStatus(doneLongAgo)

	for _, run := range []*trace.Run{stale, fresh, doneLongAgo} {
		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}
	}

	count, err := store.MarkStaleRunsAsFailed(ctx, 30)
	if err != nil {
		t.Fatalf("MarkStaleRunsAsFailed() error = %v", err)
	}

	if count != 1 {
		t.Errorf("MarkStaleRunsAsFailed() = %d, want 1", count)
	}

	got, err := store.GetRun(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}

	if got.Status != trace.StatusFailed {
		t.Errorf("stale run Status = %q, want failed", got.Status)
	}

	if got.Error == "" {
		t.Error("stale run should carry a timeout error message")
	}

	if got.EndTime == nil {
		t.Error("stale run should have end_time stamped")
	}

	freshGot, err := store.GetRun(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}

	if freshGot.Status != trace.StatusRunning {
		t.Errorf("fresh run Status = %q, want running", freshGot.Status)
	}

	doneGot, err := store.GetRun(ctx, doneLongAgo.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}

	if doneGot.Status != trace.StatusCompleted {
		t.Errorf("completed run Status = %q, want completed", doneGot.Status)
	}

	t.Run("sweep is idempotent", func(t *testing.T) {
		again, err := store.MarkStaleRunsAsFailed(ctx, 30)
		if err != nil {
			t.Fatalf("MarkStaleRunsAsFailed() error = %v", err)
		}

		if again != 0 {
			t.Errorf("MarkStaleRunsAsFailed() = %d, want 0 on second sweep", again)
		}
	})
}
