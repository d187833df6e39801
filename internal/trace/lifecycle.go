package trace

import (
	"errors"
	"reflect"
	"time"
)

// Status derivation and message-sequence rules.
//
// Status is never set directly by clients. It is derived from field presence:
// the completion-by-pattern rule keys off end_time, outputs, and error. Two
// derivations exist because create and update payloads follow slightly
// different rules: an update carrying an error fails the run immediately,
// while a create carrying an error without an end_time starts out running.

// Message-sequence validation errors. An update failing these checks is not
// rejected; the reconciliation engine defers it and replays it after the run
// gains the missing fields.
var (
	// ErrEndTimeWithoutStart indicates the update carries end_time while the
	// persisted run has no start_time yet.
	ErrEndTimeWithoutStart = errors.New("update carries end_time but run has no start_time")

	// ErrOutputsWithoutStart indicates the update carries outputs while the
	// persisted run has no start_time yet.
	ErrOutputsWithoutStart = errors.New("update carries outputs but run has no start_time")

	// ErrCompletionFieldsMissing indicates the merged run would complete while
	// still lacking one of the minimum identifying fields.
	ErrCompletionFieldsMissing = errors.New("completion requires name, run_type and start_time")

	// ErrStatusDowngrade indicates the update would move a terminal run back
	// to running. Such updates are dropped, never applied or deferred.
	ErrStatusDowngrade = errors.New("cannot downgrade terminal status back to running")

	// ErrParentReassigned indicates the update tries to point parent_run_id at
	// a different parent. A parent may be set once but never reassigned.
	ErrParentReassigned = errors.New("parent_run_id cannot be reassigned")
)

// DeriveInitialStatus computes the status of a newly created run:
//
//	end_time present and outputs present and error absent -> completed
//	end_time present and error present                    -> failed
//	otherwise                                             -> running
func DeriveInitialStatus(r *Run) Status {
	switch {
	case r.EndTime != nil && r.Outputs != nil && r.Error == "":
		return StatusCompleted
	case r.EndTime != nil && r.Error != "":
		return StatusFailed
	default:
		return StatusRunning
	}
}

// DeriveStatus recomputes the status of a run after an update, first match
// wins:
//
//	error set                            -> failed
//	end_time present and outputs present -> completed
//	end_time present, outputs absent     -> running (awaiting outputs)
//	otherwise                            -> unchanged
//
// The same derivation backs status-consistency validation: recomputing on an
// already consistent run returns its current status.
func DeriveStatus(r *Run) Status {
	switch {
	case r.Error != "":
		return StatusFailed
	case r.EndTime != nil && r.Outputs != nil:
		return StatusCompleted
	case r.EndTime != nil:
		return StatusRunning
	default:
		return r.Status
	}
}

// ValidateStatusTransition checks whether a run may move from one status to
// another. The only forbidden move is terminal back to running; late errors
// may still flip completed to failed and a cleared error the reverse.
func ValidateStatusTransition(from, to Status) error {
	if from.IsTerminal() && to == StatusRunning {
		return ErrStatusDowngrade
	}

	return nil
}

// ValidateMessageSequence decides whether an update can be applied to the
// persisted run right now. A non-nil error means the update must be deferred
// and replayed later; it is never a hard failure.
//
// An update carrying end_time without outputs while the run has a start_time
// passes: that is a valid partial transition and the run simply stays running
// until outputs arrive.
func ValidateMessageSequence(current *Run, p Patch) error {
	hasStart := !current.StartTime.IsZero() || p.StartTime != nil

	if p.EndTime != nil && current.StartTime.IsZero() && p.StartTime == nil {
		return ErrEndTimeWithoutStart
	}

	if p.Outputs != nil && current.StartTime.IsZero() && p.StartTime == nil {
		return ErrOutputsWithoutStart
	}

	if p.EndTime != nil && p.Outputs != nil {
		name := current.Name
		if p.Name != nil {
			name = *p.Name
		}

		runType := current.RunType
		if p.RunType != nil {
			runType = *p.RunType
		}

		if name == "" || runType == "" || !hasStart {
			return ErrCompletionFieldsMissing
		}
	}

	return nil
}

// ApplyPatch merges the supplied patch fields into the run and returns the
// change set keyed by field name, suitable for the trace.updated payload.
//
// Merge semantics: extra dict-merges into a fresh copy of the existing map;
// outputs, inputs, serialized, tags and events replace wholesale; scalars
// overwrite. A nil pointer or nil map leaves the field untouched, and a value
// equal to what the run already holds records no change, so re-delivering an
// identical payload yields an empty change set. ParentRunID is set-once:
// reassignment attempts are ignored here (callers detect them beforehand via
// ReassignsParent and log).
//
// Status is not touched; the reconciliation engine derives it afterwards.
func ApplyPatch(r *Run, p Patch) map[string]interface{} {
	changes := make(map[string]interface{})

	if p.Name != nil && *p.Name != "" && *p.Name != r.Name {
		r.Name = *p.Name
		changes["name"] = r.Name
	}

	if p.RunType != nil && *p.RunType != "" && *p.RunType != r.RunType {
		r.RunType = *p.RunType
		changes["run_type"] = r.RunType.String()
	}

	if p.StartTime != nil && !p.StartTime.IsZero() && !p.StartTime.Equal(r.StartTime) {
		r.StartTime = *p.StartTime
		changes["start_time"] = r.StartTime
	}

	if p.EndTime != nil && (r.EndTime == nil || !p.EndTime.Equal(*r.EndTime)) {
		end := *p.EndTime
		r.EndTime = &end
		changes["end_time"] = end
	}

	if p.ParentRunID != nil && *p.ParentRunID != "" && r.ParentRunID == "" {
		r.ParentRunID = *p.ParentRunID
		changes["parent_run_id"] = r.ParentRunID
	}

	if p.Inputs != nil && !reflect.DeepEqual(p.Inputs, r.Inputs) {
		r.Inputs = p.Inputs
		changes["inputs"] = r.Inputs
	}

	if p.Outputs != nil && !reflect.DeepEqual(p.Outputs, r.Outputs) {
		r.Outputs = p.Outputs
		changes["outputs"] = r.Outputs
	}

	if p.Extra != nil {
		merged := make(map[string]interface{}, len(r.Extra)+len(p.Extra))
		for k, v := range r.Extra {
			merged[k] = v
		}

		for k, v := range p.Extra {
			merged[k] = v
		}

		if !reflect.DeepEqual(merged, r.Extra) {
			r.Extra = merged
			changes["extra"] = r.Extra
		}
	}

	if p.Serialized != nil && !reflect.DeepEqual(p.Serialized, r.Serialized) {
		r.Serialized = p.Serialized
		changes["serialized"] = r.Serialized
	}

	if p.Events != nil && !reflect.DeepEqual(p.Events, r.Events) {
		r.Events = p.Events
		changes["events"] = r.Events
	}

	if p.Tags != nil && !reflect.DeepEqual(p.Tags, r.Tags) {
		r.Tags = p.Tags
		changes["tags"] = r.Tags
	}

	if p.Error != nil && *p.Error != r.Error {
		r.Error = *p.Error
		changes["error"] = r.Error
	}

	if p.ProjectName != nil && *p.ProjectName != "" && *p.ProjectName != r.ProjectName {
		r.ProjectName = *p.ProjectName
		changes["project_name"] = r.ProjectName
	}

	if p.ReferenceExampleID != nil && *p.ReferenceExampleID != r.ReferenceExampleID {
		r.ReferenceExampleID = *p.ReferenceExampleID
		changes["reference_example_id"] = r.ReferenceExampleID
	}

	return changes
}

// ReassignsParent reports whether applying the patch would point an already
// parented run at a different parent. Invariant: a parent is set once.
func ReassignsParent(current *Run, p Patch) bool {
	return p.ParentRunID != nil && *p.ParentRunID != "" &&
		current.ParentRunID != "" && current.ParentRunID != *p.ParentRunID
}

// EnsureFailureInvariant backfills end_time when a run enters failed without
// one, mirroring the stale sweep which always stamps end_time = now. Keeps
// the "failed implies end_time present" invariant intact when a client sends
// an error ahead of the end timestamp.
func EnsureFailureInvariant(r *Run, now time.Time) bool {
	if r.Status == StatusFailed && r.EndTime == nil {
		end := now.UTC()
		r.EndTime = &end

		return true
	}

	return false
}
