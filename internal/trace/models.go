// Package trace provides the run domain model for agent trace ingestion.
// A run is a node in a trace tree: either a root (the trace itself) or a
// child span produced by an agent framework or OTel instrumentation.
package trace

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// Run represents a single unit of work inside an agent trace - Domain Model.
	//
	// Runs arrive from two protocols (LangSmith-style batch JSON and OTLP) and
	// are normalized into this single shape before persistence. This is a pure
	// domain model without JSON tags. The API layer uses request/response DTOs
	// for JSON marshaling and maps to this domain type.
	Run struct {
		// ID uniquely identifies the run. Batch clients supply it; OTLP-sourced
		// runs derive it deterministically from (trace_id, span_id) so that
		// re-delivery of the same span maps onto the same run.
		ID string

		// Name is the human label shown in the dashboard (max 500 chars).
		Name string

		// RunType classifies the run (chain, llm, tool, ...). Defaults to
		// RunTypeChain when the source does not say otherwise.
		RunType RunType

		// StartTime is when the run began. Required on create.
		StartTime time.Time

		// EndTime is when the run finished. Nil while the run is in flight.
		EndTime *time.Time

		// ParentRunID references the parent run's ID. Empty for roots.
		// Forward references are permitted: the parent may not exist yet.
		ParentRunID string

		// Status is the lifecycle state derived from the completion-by-pattern
		// rule (see DeriveStatus). Never set directly by clients.
		Status Status

		// Inputs and Outputs carry the run's payload (prompts, completions,
		// tool arguments). Outputs presence participates in status derivation.
		Inputs  map[string]interface{}
		Outputs map[string]interface{}

		// Extra holds producer metadata. OTLP-sourced runs keep their original
		// hex trace/span ids here under otlp.trace_id / otlp.span_id, which the
		// forwarder uses for group-key inference.
		Extra map[string]interface{}

		// Serialized holds the serialized component definition, opaque to the
		// server.
		Serialized map[string]interface{}

		// Events is the ordered list of point-in-time events attached to the
		// run (tool invocations, retries, guardrail hits).
		Events []Event

		// Tags is an ordered list of free-form labels.
		Tags []string

		// Error is the failure message. Non-empty implies Status == failed.
		Error string

		// ProjectName groups runs for the dashboard. Optional.
		ProjectName string

		// ReferenceExampleID links the run to a dataset example. Opaque.
		ReferenceExampleID string

		// CreatedAt and UpdatedAt are server-assigned bookkeeping timestamps.
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Event is a point-in-time occurrence attached to a run.
	Event struct {
		Name       string
		Time       time.Time
		Attributes map[string]interface{}
	}

	// Status represents the run lifecycle state.
	// Terminal states (completed, failed) never transition back to running.
	Status string

	// RunType classifies what kind of work a run represents.
	RunType string

	// Patch is a partial update to an existing run. Nil pointer / nil map
	// fields mean "not supplied"; the reconciliation engine merges supplied
	// fields into the persisted run.
	//
	// Name, RunType, StartTime and Inputs are not part of the public update
	// surface but are populated when a create payload lands on an existing
	// run, so a real create can correct the placeholder fields of a run that
	// was synthesized from an early update.
	Patch struct {
		Name               *string
		RunType            *RunType
		StartTime          *time.Time
		EndTime            *time.Time
		ParentRunID        *string
		Inputs             map[string]interface{}
		Outputs            map[string]interface{}
		Extra              map[string]interface{}
		Serialized         map[string]interface{}
		Events             []Event
		Tags               []string
		Error              *string
		ProjectName        *string
		ReferenceExampleID *string
	}
)

const (
	// StatusRunning indicates the run is in flight: either no end_time yet, or
	// end_time arrived but the completion fields are still missing.
	StatusRunning Status = "running"

	// StatusCompleted indicates the run finished successfully.
	// Terminal state: requires end_time and outputs, forbids error.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the run finished with an error.
	// Terminal state: requires end_time and error.
	StatusFailed Status = "failed"
)

const (
	// RunTypeChain is the default classification for workflow-style runs.
	RunTypeChain RunType = "chain"

	// RunTypeLLM marks model invocation runs; the OTLP translator assigns it
	// when llm.* attributes are present.
	RunTypeLLM RunType = "llm"

	RunTypeTool      RunType = "tool"
	RunTypeRetriever RunType = "retriever"
	RunTypeEmbedding RunType = "embedding"
	RunTypePrompt    RunType = "prompt"
	RunTypeParser    RunType = "parser"
	RunTypeServer    RunType = "server"
	RunTypeClient    RunType = "client"
	RunTypeInternal  RunType = "internal"
	RunTypeProducer  RunType = "producer"
	RunTypeConsumer  RunType = "consumer"
	RunTypeCustom    RunType = "custom"
)

const maxRunNameLength = 500

// Run validation errors (static sentinel errors for errors.Is() checks).
var (
	// ErrRunIDEmpty indicates id is required.
	ErrRunIDEmpty = errors.New("run id cannot be empty")

	// ErrRunNameEmpty indicates name is required on create.
	ErrRunNameEmpty = errors.New("run name cannot be empty")

	// ErrRunNameTooLong indicates name exceeds the 500 character cap.
	ErrRunNameTooLong = errors.New("run name cannot exceed 500 characters")

	// ErrRunTypeInvalid indicates run_type is not a recognized value.
	ErrRunTypeInvalid = errors.New("run_type is not a valid run type")

	// ErrStartTimeZero indicates start_time is required on create.
	ErrStartTimeZero = errors.New("start_time cannot be zero")

	// ErrInputsMissing indicates inputs is required on create (an empty map
	// is acceptable, absence is not).
	ErrInputsMissing = errors.New("inputs must be present")

	// ErrEndBeforeStart indicates end_time precedes start_time.
	ErrEndBeforeStart = errors.New("end_time cannot be before start_time")

	// ErrStatusInvalid indicates status is not running, completed, or failed.
	ErrStatusInvalid = errors.New("status must be one of: running, completed, failed")

	// ErrRunNotFound is returned by stores when no run exists for an id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunAlreadyExists is returned by stores when inserting an id that is
	// already present. Callers treat it as a signal to retry as an update.
	ErrRunAlreadyExists = errors.New("run already exists")
)

// ValidRunTypes returns every recognized run classification.
func ValidRunTypes() []RunType {
	return []RunType{
		RunTypeChain,
		RunTypeLLM,
		RunTypeTool,
		RunTypeRetriever,
		RunTypeEmbedding,
		RunTypePrompt,
		RunTypeParser,
		RunTypeServer,
		RunTypeClient,
		RunTypeInternal,
		RunTypeProducer,
		RunTypeConsumer,
		RunTypeCustom,
	}
}

// IsValid checks if the RunType is a recognized classification.
func (rt RunType) IsValid() bool {
	for _, valid := range ValidRunTypes() {
		if rt == valid {
			return true
		}
	}

	return false
}

// String returns the string representation of RunType.
func (rt RunType) String() string {
	return string(rt)
}

// IsValid checks if the Status is a valid lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for completed and failed.
// Terminal states never transition back to running.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// Validate performs domain validation for a create payload.
//
// Validation rules:
//   - id: required
//   - name: required, ≤500 chars
//   - run_type: must be a recognized value when set
//   - start_time: required
//   - inputs: must be present (empty map is fine)
//   - end_time: must not precede start_time when both present
//
// Update payloads are validated separately by the reconciliation engine
// because most fields are optional there.
func (r *Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrRunIDEmpty
	}

	if strings.TrimSpace(r.Name) == "" {
		return ErrRunNameEmpty
	}

	if len(r.Name) > maxRunNameLength {
		return fmt.Errorf("%w: got %d characters", ErrRunNameTooLong, len(r.Name))
	}

	if r.RunType != "" && !r.RunType.IsValid() {
		return fmt.Errorf("%w: got '%s'", ErrRunTypeInvalid, r.RunType)
	}

	if r.StartTime.IsZero() {
		return ErrStartTimeZero
	}

	if r.Inputs == nil {
		return ErrInputsMissing
	}

	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		return fmt.Errorf("%w: start=%s end=%s", ErrEndBeforeStart,
			r.StartTime.Format(time.RFC3339), r.EndTime.Format(time.RFC3339))
	}

	return nil
}

// IsRoot returns true when the run has no parent, i.e. it is the root of a
// trace tree.
func (r *Run) IsRoot() bool {
	return r.ParentRunID == ""
}

// DurationMs returns the run duration in milliseconds, or false when the run
// has not ended yet.
func (r *Run) DurationMs() (float64, bool) {
	if r.EndTime == nil {
		return 0, false
	}

	return float64(r.EndTime.Sub(r.StartTime)) / float64(time.Millisecond), true
}

// TraceID returns the originating OTLP trace id from Extra, or "" for runs
// that did not come through OTLP. The forwarder keys group buckets on it.
func (r *Run) TraceID() string {
	if r.Extra == nil {
		return ""
	}

	if v, ok := r.Extra["otlp.trace_id"].(string); ok && v != "" {
		return v
	}

	// Legacy key written by early agent SDK versions.
	if v, ok := r.Extra["trace.id"].(string); ok && v != "" {
		return v
	}

	return ""
}

// RootRunID returns the explicit group hint from Extra, if a client supplied
// one. Takes precedence over the OTLP trace id during group-key inference.
func (r *Run) RootRunID() string {
	if r.Extra == nil {
		return ""
	}

	if v, ok := r.Extra["root_run_id"].(string); ok {
		return v
	}

	return ""
}
