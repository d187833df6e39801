package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/runlens-io/runlens/internal/config"
	"github.com/runlens-io/runlens/internal/trace"
)

// ErrFeedbackStoreFailed is returned when a feedback storage operation fails.
var ErrFeedbackStoreFailed = errors.New("feedback storage failed")

// FeedbackStore persists feedback records attached to runs.
//
// Feedback intentionally has no foreign key to runs: evaluators may submit
// feedback before the referenced run has been reconciled, mirroring the
// forward-reference tolerance of the run store.
type FeedbackStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewFeedbackStore creates a PostgreSQL-backed feedback store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewFeedbackStore(conn *Connection) (*FeedbackStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &FeedbackStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// StoreFeedback stores a single feedback record with UPSERT behavior.
//
// Returns (stored, duplicate, error) where:
//   - stored=true: Feedback was successfully stored or updated in the database
//   - duplicate=true: Feedback already existed and was updated (UPSERT behavior)
//   - error: Storage operation failed (validation error, marshal error, etc.)
//
// UPSERT behavior:
//   - Unique key: id (client-supplied; generated when absent)
//   - On conflict: Updates existing row with new key, score, value, comment
//
// The feedback's ID, CreatedAt, and UpdatedAt fields are populated on success.
func (s *FeedbackStore) StoreFeedback(ctx context.Context, feedback *trace.Feedback) (bool, bool, error) {
	startTime := time.Now()

	// Validate domain model before storage
	if err := feedback.Validate(); err != nil {
		s.logger.Error("Feedback validation failed",
			"error", err,
			"run_id", feedback.RunID,
			"key", feedback.Key,
		)

		return false, false, fmt.Errorf("%w: %w", ErrFeedbackStoreFailed, err)
	}

	if feedback.ID == "" {
		feedback.ID = uuid.NewString()
	}

	valueJSON, err := marshalFeedbackValue(feedback.Value)
	if err != nil {
		return false, false, fmt.Errorf("%w: failed to marshal value: %w", ErrFeedbackStoreFailed, err)
	}

	// RETURNING (xmax = 0) detects INSERT vs UPDATE:
	//   - xmax = 0: New row inserted (no existing row modified)
	//   - xmax != 0: Existing row updated (UPSERT occurred)
	query := `
		INSERT INTO feedback (
			id, run_id, key, score, value, comment, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id)
		DO UPDATE SET
			key = EXCLUDED.key,
			score = EXCLUDED.score,
			value = EXCLUDED.value,
			comment = EXCLUDED.comment,
			updated_at = NOW()
		RETURNING (xmax = 0) AS inserted, created_at, updated_at
	`

	var inserted bool

	err = s.conn.QueryRowContext(ctx, query,
		feedback.ID,
		feedback.RunID,
		feedback.Key,
		nullableScore(feedback.Score),
		valueJSON,
		nullableString(feedback.Comment),
	).Scan(&inserted, &feedback.CreatedAt, &feedback.UpdatedAt)
	if err != nil {
		s.logger.Error("Feedback storage failed",
			"error", err,
			"run_id", feedback.RunID,
			"key", feedback.Key,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)

		return false, false, fmt.Errorf("%w: %w", ErrFeedbackStoreFailed, err)
	}

	// Log with operation type (insert vs update)
	operation := "inserted"
	if !inserted {
		operation = "updated"
	}

	s.logger.Info("Feedback stored successfully",
		"feedback_id", feedback.ID,
		"run_id", feedback.RunID,
		"key", feedback.Key,
		"operation", operation,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	// Return: stored=true (success), duplicate=!inserted (true if update, false if insert)
	return true, !inserted, nil
}

// ListFeedbackByRun returns all feedback for a run, newest first.
// An unknown run id yields an empty slice, not an error.
func (s *FeedbackStore) ListFeedbackByRun(ctx context.Context, runID string) ([]*trace.Feedback, error) {
	query := `
		SELECT id, run_id, key, score, value, comment, created_at, updated_at
		FROM feedback
		WHERE run_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list feedback: %w", ErrFeedbackStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	feedbacks := make([]*trace.Feedback, 0)

	for rows.Next() {
		var (
			fb        trace.Feedback
			score     sql.NullFloat64
			valueJSON []byte
			comment   sql.NullString
		)

		err := rows.Scan(
			&fb.ID,
			&fb.RunID,
			&fb.Key,
			&score,
			&valueJSON,
			&comment,
			&fb.CreatedAt,
			&fb.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan feedback: %w", ErrFeedbackStoreFailed, err)
		}

		if score.Valid {
			v := score.Float64
			fb.Score = &v
		}

		if valueJSON != nil {
			if err := json.Unmarshal(valueJSON, &fb.Value); err != nil {
				return nil, fmt.Errorf("%w: failed to unmarshal value: %w", ErrFeedbackStoreFailed, err)
			}
		}

		fb.Comment = comment.String
		fb.CreatedAt = fb.CreatedAt.UTC()
		fb.UpdatedAt = fb.UpdatedAt.UTC()

		feedbacks = append(feedbacks, &fb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFeedbackStoreFailed, err)
	}

	return feedbacks, nil
}

// marshalFeedbackValue marshals the schemaless value to JSONB, returning
// NULL-safe value for the database. Returns nil (SQL NULL) for nil values.
func marshalFeedbackValue(value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil //nolint:nilnil // nil is the SQL NULL value here
	}

	return json.Marshal(value)
}

// nullableScore returns sql.NullFloat64 for the optional score field.
func nullableScore(score *float64) sql.NullFloat64 {
	if score == nil {
		return sql.NullFloat64{Valid: false}
	}

	return sql.NullFloat64{Float64: *score, Valid: true}
}
