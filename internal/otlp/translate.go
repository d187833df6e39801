// Package otlp receives OpenTelemetry trace exports over HTTP and gRPC and
// converts spans into canonical runs.
package otlp

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/runlens-io/runlens/internal/trace"
)

// spanErrorMessage is recorded on runs whose span status code reports an
// error; the span protocol carries no richer failure text we could trust.
const spanErrorMessage = "OTLP span error"

// tagAttributes are span attributes encoded into tags as "key=value".
var tagAttributes = []string{
	"llm.vendor",
	"llm.request.model",
	"workflow.name",
	"step.name",
}

// RunID derives the deterministic run id for a span: a UUIDv5 over the hex
// trace and span ids. The same (trace_id, span_id) pair always maps onto the
// same run, which turns span re-delivery into an idempotent upsert.
func RunID(traceID, spanID []byte) string {
	key := hex.EncodeToString(traceID) + ":" + hex.EncodeToString(spanID)

	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// TranslateRequest flattens an export request into canonical runs, in span
// order. A span id re-occurring within the same request is dropped so client
// retries inside one export cannot double-apply. Spans the translator cannot
// convert are skipped; their reasons are returned for logging and the rest
// of the request proceeds.
func TranslateRequest(req *coltracepb.ExportTraceServiceRequest) ([]*trace.Run, []string) {
	var (
		runs    []*trace.Run
		skipped []string
	)

	seen := make(map[string]struct{})

	for _, rs := range req.GetResourceSpans() {
		resourceAttrs := attrMap(rs.GetResource().GetAttributes())

		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				run, err := translateSpan(span, resourceAttrs)
				if err != nil {
					skipped = append(skipped, err.Error())

					continue
				}

				if _, dup := seen[run.ID]; dup {
					continue
				}

				seen[run.ID] = struct{}{}
				runs = append(runs, run)
			}
		}
	}

	return runs, skipped
}

// SpanCount reports the number of spans across all resource spans in the
// request, before any translation or dedup.
func SpanCount(req *coltracepb.ExportTraceServiceRequest) int {
	count := 0
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			count += len(ss.GetSpans())
		}
	}

	return count
}

// translateSpan converts one span into a run.
//
// The run's status is not set here: a span with an error code carries the
// failure through the error field and completion travels through end_time
// and outputs, so the reconciliation engine derives the same status it would
// for any other create.
func translateSpan(span *tracepb.Span, resourceAttrs map[string]interface{}) (*trace.Run, error) {
	if isZeroID(span.GetTraceId()) {
		return nil, fmt.Errorf("span %q: missing trace id", span.GetName())
	}

	if isZeroID(span.GetSpanId()) {
		return nil, fmt.Errorf("span %q: missing span id", span.GetName())
	}

	attrs := attrMap(span.GetAttributes())

	traceHex := hex.EncodeToString(span.GetTraceId())
	spanHex := hex.EncodeToString(span.GetSpanId())

	extra := map[string]interface{}{
		"otlp.trace_id": traceHex,
		"otlp.span_id":  spanHex,
	}

	run := &trace.Run{
		ID:          RunID(span.GetTraceId(), span.GetSpanId()),
		Name:        span.GetName(),
		RunType:     runTypeFor(attrs),
		StartTime:   time.Unix(0, int64(span.GetStartTimeUnixNano())).UTC(),
		Inputs:      collectInputs(attrs),
		Outputs:     collectOutputs(attrs),
		Extra:       extra,
		Events:      mapSpanEvents(span.GetEvents()),
		Tags:        collectTags(resourceAttrs, attrs),
		ProjectName: projectFor(resourceAttrs),
	}

	if !isZeroID(span.GetParentSpanId()) {
		run.ParentRunID = RunID(span.GetTraceId(), span.GetParentSpanId())
		extra["otlp.parent_span_id"] = hex.EncodeToString(span.GetParentSpanId())
	}

	if model, ok := attrs["llm.request.model"].(string); ok && model != "" {
		extra["model"] = model
	}

	if nanos := span.GetEndTimeUnixNano(); nanos != 0 {
		end := time.Unix(0, int64(nanos)).UTC()
		run.EndTime = &end
	}

	if span.GetStatus().GetCode() == tracepb.Status_STATUS_CODE_ERROR {
		run.Error = spanErrorMessage
	}

	return run, nil
}

// runTypeFor classifies the span: llm when any llm.* attribute is present or
// the instrumentation says so explicitly, chain otherwise.
func runTypeFor(attrs map[string]interface{}) trace.RunType {
	if kind, ok := attrs["langsmith.span.kind"].(string); ok && kind == "LLM" {
		return trace.RunTypeLLM
	}

	for k := range attrs {
		if strings.HasPrefix(k, "llm.") {
			return trace.RunTypeLLM
		}
	}

	return trace.RunTypeChain
}

// collectInputs assembles the run's inputs from span attributes: ordered
// llm.prompt.<i>.content values under "prompts", input.* and request.*
// attributes with their prefix stripped, and the workflow topic shortcut.
// Always non-nil: every span is a create and creates require inputs.
func collectInputs(attrs map[string]interface{}) map[string]interface{} {
	inputs := make(map[string]interface{})

	if prompts := orderedContents(attrs, "llm.prompt."); len(prompts) > 0 {
		inputs["prompts"] = prompts
	}

	for k, v := range attrs {
		switch {
		case strings.HasPrefix(k, "input."):
			inputs[strings.TrimPrefix(k, "input.")] = v
		case strings.HasPrefix(k, "request."):
			inputs[strings.TrimPrefix(k, "request.")] = v
		}
	}

	if topic, ok := attrs["workflow.input.topic"]; ok {
		inputs["topic"] = topic
	}

	return inputs
}

// collectOutputs assembles the run's outputs, or nil when the span carries
// none. Nil matters: outputs presence is what lets a run complete.
func collectOutputs(attrs map[string]interface{}) map[string]interface{} {
	outputs := make(map[string]interface{})

	if completions := orderedContents(attrs, "llm.completion."); len(completions) > 0 {
		outputs["completions"] = completions
		outputs["text"] = completions[0]
	}

	for k, v := range attrs {
		if strings.HasPrefix(k, "output.") {
			outputs[strings.TrimPrefix(k, "output.")] = v
		}
	}

	if usage := collectUsage(attrs); usage != nil {
		outputs["usage"] = usage
	}

	if len(outputs) == 0 {
		return nil
	}

	return outputs
}

// collectUsage builds the token usage triple from whichever counts the
// instrumentation reported.
func collectUsage(attrs map[string]interface{}) map[string]interface{} {
	usage := make(map[string]interface{}, 3)

	for attr, field := range map[string]string{
		"llm.usage.prompt_tokens":     "prompt_tokens",
		"llm.usage.completion_tokens": "completion_tokens",
		"llm.usage.total_tokens":      "total_tokens",
	} {
		if v, ok := attrs[attr]; ok {
			usage[field] = v
		}
	}

	if len(usage) == 0 {
		return nil
	}

	return usage
}

// collectTags builds the tag list: every resource attribute key in sorted
// order, then the selected span attributes as key=value. Sorting keeps the
// list deterministic so re-delivering a span never looks like a tag change.
func collectTags(resourceAttrs, attrs map[string]interface{}) []string {
	keys := make([]string, 0, len(resourceAttrs))
	for k := range resourceAttrs {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	tags := make([]string, 0, len(keys)+len(tagAttributes))
	tags = append(tags, keys...)

	for _, k := range tagAttributes {
		if v, ok := attrs[k].(string); ok && v != "" {
			tags = append(tags, k+"="+v)
		}
	}

	return tags
}

// orderedContents collects <prefix><i>.content string attributes sorted by
// index, tolerating gaps in the numbering.
func orderedContents(attrs map[string]interface{}, prefix string) []interface{} {
	type indexed struct {
		idx int
		val string
	}

	var found []indexed

	for k, v := range attrs {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}

		idxStr, ok := strings.CutSuffix(rest, ".content")
		if !ok {
			continue
		}

		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}

		s, ok := v.(string)
		if !ok {
			continue
		}

		found = append(found, indexed{idx: idx, val: s})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].idx < found[j].idx })

	out := make([]interface{}, len(found))
	for i, f := range found {
		out[i] = f.val
	}

	return out
}

func projectFor(resourceAttrs map[string]interface{}) string {
	if name, ok := resourceAttrs["service.name"].(string); ok && name != "" {
		return name
	}

	return "unknown"
}

func mapSpanEvents(events []*tracepb.Span_Event) []trace.Event {
	if len(events) == 0 {
		return nil
	}

	out := make([]trace.Event, len(events))
	for i, ev := range events {
		out[i] = trace.Event{
			Name:       ev.GetName(),
			Time:       time.Unix(0, int64(ev.GetTimeUnixNano())).UTC(),
			Attributes: attrMap(ev.GetAttributes()),
		}
	}

	return out
}

func attrMap(attrs []*commonpb.KeyValue) map[string]interface{} {
	m := make(map[string]interface{}, len(attrs))
	for _, attr := range attrs {
		m[attr.GetKey()] = anyValue(attr.GetValue())
	}

	return m
}

// anyValue converts a protobuf attribute value into its JSON-native Go form.
// Integers become float64 and bytes become base64 so a value compares equal
// to itself after a JSONB round trip, which keeps span re-delivery a no-op.
func anyValue(value *commonpb.AnyValue) interface{} {
	if value == nil {
		return nil
	}

	switch v := value.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return v.StringValue
	case *commonpb.AnyValue_BoolValue:
		return v.BoolValue
	case *commonpb.AnyValue_IntValue:
		return float64(v.IntValue)
	case *commonpb.AnyValue_DoubleValue:
		return v.DoubleValue
	case *commonpb.AnyValue_ArrayValue:
		if v.ArrayValue == nil {
			return nil
		}

		arr := make([]interface{}, len(v.ArrayValue.Values))
		for i, item := range v.ArrayValue.Values {
			arr[i] = anyValue(item)
		}

		return arr
	case *commonpb.AnyValue_KvlistValue:
		if v.KvlistValue == nil {
			return nil
		}

		m := make(map[string]interface{}, len(v.KvlistValue.Values))
		for _, kv := range v.KvlistValue.Values {
			m[kv.GetKey()] = anyValue(kv.GetValue())
		}

		return m
	case *commonpb.AnyValue_BytesValue:
		return base64.StdEncoding.EncodeToString(v.BytesValue)
	default:
		return nil
	}
}

func isZeroID(id []byte) bool {
	if len(id) == 0 {
		return true
	}

	for _, b := range id {
		if b != 0 {
			return false
		}
	}

	return true
}
