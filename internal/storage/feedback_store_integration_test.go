package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/runlens-io/runlens/internal/trace"
)

func TestFeedbackStoreStoreFeedback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(ctx, t)

	store, err := NewFeedbackStore(conn)
	if err != nil {
		t.Fatalf("NewFeedbackStore() error = %v", err)
	}

	scorePtr := func(f float64) *float64 { return &f }

	t.Run("stores new feedback and generates id", func(t *testing.T) {
		fb := &trace.Feedback{
			RunID:   uuid.NewString(),
			Key:     "correctness",
			Score:   scorePtr(0.9),
			Value:   map[string]interface{}{"reasoning": "factually accurate"},
			Comment: "checked against source",
		}

		stored, duplicate, err := store.StoreFeedback(ctx, fb)
		if err != nil {
			t.Fatalf("StoreFeedback() error = %v", err)
		}

		if !stored {
			t.Error("StoreFeedback() stored = false, want true")
		}

		if duplicate {
			t.Error("StoreFeedback() duplicate = true, want false for new feedback")
		}

		if fb.ID == "" {
			t.Error("StoreFeedback() should generate an id when absent")
		}

		if fb.CreatedAt.IsZero() || fb.UpdatedAt.IsZero() {
			t.Error("StoreFeedback() should populate CreatedAt and UpdatedAt")
		}
	})

	t.Run("same id upserts and reports duplicate", func(t *testing.T) {
		runID := uuid.NewString()
		fb := &trace.Feedback{
			ID:    uuid.NewString(),
			RunID: runID,
			Key:   "helpfulness",
			Score: scorePtr(0.5),
		}

		stored, duplicate, err := store.StoreFeedback(ctx, fb)
		if err != nil {
			t.Fatalf("StoreFeedback() error = %v", err)
		}

		if !stored || duplicate {
			t.Errorf("first StoreFeedback() = (%v, %v), want (true, false)", stored, duplicate)
		}

		firstUpdatedAt := fb.UpdatedAt

		// Redelivery with a corrected score lands on the same row.
		fb.Score = scorePtr(0.8)
		fb.Comment = "revised after second pass"

		stored, duplicate, err = store.StoreFeedback(ctx, fb)
		if err != nil {
			t.Fatalf("StoreFeedback() error = %v", err)
		}

		if !stored || !duplicate {
			t.Errorf("second StoreFeedback() = (%v, %v), want (true, true)", stored, duplicate)
		}

		if !fb.UpdatedAt.After(firstUpdatedAt) {
			t.Errorf("UpdatedAt = %v, want later than %v", fb.UpdatedAt, firstUpdatedAt)
		}

		all, err := store.ListFeedbackByRun(ctx, runID)
		if err != nil {
			t.Fatalf("ListFeedbackByRun() error = %v", err)
		}

		if len(all) != 1 {
			t.Fatalf("ListFeedbackByRun() returned %d records, want 1 after upsert", len(all))
		}

		if all[0].Score == nil || *all[0].Score != 0.8 {
			t.Errorf("Score = %v, want 0.8", all[0].Score)
		}

		if all[0].Comment != "revised after second pass" {
			t.Errorf("Comment = %q, want revised comment", all[0].Comment)
		}
	})

	t.Run("rejects feedback without run id", func(t *testing.T) {
		fb := &trace.Feedback{Key: "correctness"}

		stored, _, err := store.StoreFeedback(ctx, fb)
		if stored {
			t.Error("StoreFeedback() stored = true, want false for invalid feedback")
		}

		if !errors.Is(err, trace.ErrFeedbackRunIDEmpty) {
			t.Errorf("StoreFeedback() error = %v, want ErrFeedbackRunIDEmpty", err)
		}
	})

	t.Run("rejects feedback without key", func(t *testing.T) {
		fb := &trace.Feedback{RunID: uuid.NewString()}

		_, _, err := store.StoreFeedback(ctx, fb)
		if !errors.Is(err, trace.ErrFeedbackKeyEmpty) {
			t.Errorf("StoreFeedback() error = %v, want ErrFeedbackKeyEmpty", err)
		}
	})

	t.Run("accepts feedback for a run that does not exist yet", func(t *testing.T) {
		// No foreign key: evaluators may race ahead of ingestion.
		fb := &trace.Feedback{
			RunID: uuid.NewString(),
			Key:   "latency",
			Score: scorePtr(1.0),
		}

		stored, _, err := store.StoreFeedback(ctx, fb)
		if err != nil {
			t.Fatalf("StoreFeedback() error = %v", err)
		}

		if !stored {
			t.Error("StoreFeedback() stored = false, want true for forward reference")
		}
	})
}

func TestFeedbackStoreListFeedbackByRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestConnection(ctx, t)

	store, err := NewFeedbackStore(conn)
	if err != nil {
		t.Fatalf("NewFeedbackStore() error = %v", err)
	}

	runID := uuid.NewString()
	otherRunID := uuid.NewString()

	scorePtr := func(f float64) *float64 { return &f }

	records := []*trace.Feedback{
		{RunID: runID, Key: "correctness", Score: scorePtr(0.9)},
		{RunID: runID, Key: "helpfulness", Value: "very helpful"},
		{RunID: otherRunID, Key: "correctness", Score: scorePtr(0.1)},
	}

	for _, fb := range records {
		if _, _, err := store.StoreFeedback(ctx, fb); err != nil {
			t.Fatalf("StoreFeedback() error = %v", err)
		}
	}

	t.Run("returns only the run's feedback", func(t *testing.T) {
		got, err := store.ListFeedbackByRun(ctx, runID)
		if err != nil {
			t.Fatalf("ListFeedbackByRun() error = %v", err)
		}

		if len(got) != 2 {
			t.Fatalf("ListFeedbackByRun() returned %d records, want 2", len(got))
		}

		for _, fb := range got {
			if fb.RunID != runID {
				t.Errorf("RunID = %q, want %q", fb.RunID, runID)
			}
		}
	})

	t.Run("string value round trips", func(t *testing.T) {
		got, err := store.ListFeedbackByRun(ctx, runID)
		if err != nil {
			t.Fatalf("ListFeedbackByRun() error = %v", err)
		}

		var found bool

		for _, fb := range got {
			if fb.Key == "helpfulness" {
				found = true

				if fb.Value != "very helpful" {
					t.Errorf("Value = %v, want %q", fb.Value, "very helpful")
				}

				if fb.Score != nil {
					t.Errorf("Score = %v, want nil when absent", fb.Score)
				}
			}
		}

		if !found {
			t.Error("ListFeedbackByRun() missing helpfulness record")
		}
	})

	t.Run("unknown run yields empty slice", func(t *testing.T) {
		got, err := store.ListFeedbackByRun(ctx, uuid.NewString())
		if err != nil {
			t.Fatalf("ListFeedbackByRun() error = %v", err)
		}

		if got == nil {
			t.Error("ListFeedbackByRun() = nil, want empty slice")
		}

		if len(got) != 0 {
			t.Errorf("ListFeedbackByRun() returned %d records, want 0", len(got))
		}
	})
}
