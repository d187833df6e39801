package trace

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// Feedback represents a quality signal attached to a run (domain model).
	// Agent frameworks and human reviewers submit scores, labels, and free-form
	// comments against individual runs; the dashboard surfaces them alongside
	// the trace tree.
	//
	// Score and Value are schemaless on purpose: evaluators disagree on shape
	// (boolean thumbs, 0..1 floats, categorical labels, rubric objects), so the
	// server stores what it is given and leaves interpretation to readers.
	Feedback struct {
		// ID uniquely identifies the feedback record. Client-supplied or
		// server-generated when absent.
		ID string

		// RunID references the run this feedback is about. Required; must
		// resolve to a stored run.
		RunID string

		// Key names the metric ("correctness", "helpfulness", "user_rating").
		// Required, max 250 chars.
		Key string

		// Score is an optional numeric grade. Nil when the evaluator only
		// supplied a value or comment.
		Score *float64

		// Value is an optional schemaless payload (string label, bool, object).
		Value interface{}

		// Comment is optional free-form reviewer text.
		Comment string

		// CreatedAt and UpdatedAt are server-assigned.
		CreatedAt time.Time
		UpdatedAt time.Time
	}
)

const maxFeedbackKeyLength = 250

// Feedback validation errors (static sentinel errors for errors.Is() checks).
var (
	// ErrFeedbackRunIDEmpty indicates run_id is required.
	ErrFeedbackRunIDEmpty = errors.New("feedback run_id cannot be empty")

	// ErrFeedbackKeyEmpty indicates key is required.
	ErrFeedbackKeyEmpty = errors.New("feedback key cannot be empty")

	// ErrFeedbackKeyTooLong indicates key exceeds the 250 character cap.
	ErrFeedbackKeyTooLong = errors.New("feedback key cannot exceed 250 characters")
)

// Validate performs domain validation on the Feedback record.
// Referential checks (run must exist) belong to the storage layer.
func (f *Feedback) Validate() error {
	if strings.TrimSpace(f.RunID) == "" {
		return ErrFeedbackRunIDEmpty
	}

	if strings.TrimSpace(f.Key) == "" {
		return ErrFeedbackKeyEmpty
	}

	if len(f.Key) > maxFeedbackKeyLength {
		return fmt.Errorf("%w: got %d characters", ErrFeedbackKeyTooLong, len(f.Key))
	}

	return nil
}
