package ingest

import (
	"strings"

	"github.com/runlens-io/runlens/internal/reconcile"
	"github.com/runlens-io/runlens/internal/trace"
)

// Translate converts the decoded batch into domain creates and engine
// patches, in element order.
//
// Two batch-wide rules apply here rather than per element:
//   - project-name policy: when the first post element carries session_name,
//     that value overrides the project of every element in both arrays;
//   - create dedup: a post element re-using an earlier element's id is a
//     client retry within the same request and is dropped silently.
//
// Domain validation (required create fields, run_type values, end before
// start) is not performed here; the engine validates per run and reports
// failures in the batch response's errors list.
func (b *BatchRequest) Translate() ([]*trace.Run, []reconcile.RunPatch) {
	project := b.projectOverride()

	seen := make(map[string]struct{}, len(b.Post))
	creates := make([]*trace.Run, 0, len(b.Post))

	for i := range b.Post {
		rc := &b.Post[i]

		id := strings.TrimSpace(rc.ID)
		if id != "" {
			if _, dup := seen[id]; dup {
				continue
			}

			seen[id] = struct{}{}
		}

		creates = append(creates, rc.toRun(project))
	}

	patches := make([]reconcile.RunPatch, 0, len(b.Patch))
	for i := range b.Patch {
		ru := &b.Patch[i]
		patches = append(patches, reconcile.RunPatch{
			ID:    strings.TrimSpace(ru.ID),
			Patch: ru.toPatch(project),
		})
	}

	return creates, patches
}

// projectOverride returns the batch-wide project name mandated by the
// project-name policy, or "" when the policy is not in force.
func (b *BatchRequest) projectOverride() string {
	if len(b.Post) > 0 {
		return strings.TrimSpace(b.Post[0].SessionName)
	}

	return ""
}

func (rc *RunCreate) toRun(project string) *trace.Run {
	if project == "" {
		project = strings.TrimSpace(rc.SessionName)
	}

	run := &trace.Run{
		ID:                 strings.TrimSpace(rc.ID),
		Name:               strings.TrimSpace(rc.Name),
		RunType:            trace.RunType(strings.TrimSpace(rc.RunType)),
		ParentRunID:        strings.TrimSpace(rc.ParentRunID),
		Inputs:             rc.Inputs,
		Outputs:            rc.Outputs,
		Extra:              rc.Extra,
		Serialized:         rc.Serialized,
		Events:             mapEvents(rc.Events),
		Tags:               rc.Tags,
		Error:              rc.Error,
		ProjectName:        project,
		ReferenceExampleID: strings.TrimSpace(rc.ReferenceExampleID),
	}

	if run.RunType == "" {
		run.RunType = trace.RunTypeChain
	}

	if rc.StartTime != nil {
		run.StartTime = rc.StartTime.UTC()
	}

	if rc.EndTime != nil {
		end := rc.EndTime.UTC()
		run.EndTime = &end
	}

	// Group-key inference reads extra["trace.id"] for batch-sourced runs.
	// Lift the top-level field when the client sent one and extra does not
	// already carry a trace key.
	if traceID := strings.TrimSpace(rc.TraceID); traceID != "" && run.TraceID() == "" {
		if run.Extra == nil {
			run.Extra = make(map[string]interface{}, 1)
		}

		run.Extra["trace.id"] = traceID
	}

	return run
}

func (ru *RunUpdate) toPatch(project string) trace.Patch {
	p := trace.Patch{
		Outputs: ru.Outputs,
		Extra:   ru.Extra,
		Events:  mapEvents(ru.Events),
		Tags:    ru.Tags,
		Error:   ru.Error,
	}

	if ru.EndTime != nil {
		end := ru.EndTime.UTC()
		p.EndTime = &end
	}

	if parent := strings.TrimSpace(ru.ParentRunID); parent != "" {
		p.ParentRunID = &parent
	}

	if project == "" {
		project = strings.TrimSpace(ru.SessionName)
	}

	if project != "" {
		p.ProjectName = &project
	}

	if ref := strings.TrimSpace(ru.ReferenceExampleID); ref != "" {
		p.ReferenceExampleID = &ref
	}

	return p
}

// mapEvents preserves the nil-vs-empty distinction: nil means the field was
// absent, an empty slice replaces the stored events with none.
func mapEvents(events []RunEvent) []trace.Event {
	if events == nil {
		return nil
	}

	out := make([]trace.Event, len(events))
	for i, ev := range events {
		out[i] = trace.Event{
			Name:       ev.Name,
			Attributes: ev.Attributes,
		}

		if ev.Time != nil {
			out[i].Time = ev.Time.UTC()
		}
	}

	return out
}
