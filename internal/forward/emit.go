package forward

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/runlens-io/runlens/internal/trace"
)

// TraceEmitter sends one reconstructed trace downstream. Satisfied by
// Emitter; the grouper depends on the interface so tests can capture
// emissions.
type TraceEmitter interface {
	EmitTrace(ctx context.Context, root *trace.Run, children map[string][]*trace.Run) error
}

// Emitter rebuilds a run tree as a synthetic OpenTelemetry trace and exports
// it through the configured OTLP exporter. Span identity is freshly minted
// on every emission; what stays stable is the tree shape and the attributes,
// so re-forwarding the same authoritative tree produces a semantically
// identical trace.
type Emitter struct {
	tp     *sdktrace.TracerProvider
	tracer oteltrace.Tracer
	cfg    Config
}

// NewEmitter wraps the exporter in a dedicated tracer provider carrying the
// forwarder's service identity.
func NewEmitter(exporter sdktrace.SpanExporter, cfg Config) (*Emitter, error) {
	cfg = cfg.withDefaults()

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build exporter resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return &Emitter{
		tp:     tp,
		tracer: tp.Tracer("runlens/forward"),
		cfg:    cfg,
	}, nil
}

// EmitTrace emits the root and its descendants as one trace, then flushes so
// the caller observes export errors for this trace and not a later one.
func (e *Emitter) EmitTrace(ctx context.Context, root *trace.Run, children map[string][]*trace.Run) error {
	e.emitSpan(ctx, root, children, make(map[string]struct{}))

	return e.tp.ForceFlush(ctx)
}

// Shutdown flushes pending spans and releases the provider.
func (e *Emitter) Shutdown(ctx context.Context) error {
	return e.tp.Shutdown(ctx)
}

// emitSpan creates the run's span, recurses into its children in start-time
// order, appends synthetic step spans, and ends the run's span last. The
// visited set keeps a corrupted parent chain from recursing forever.
func (e *Emitter) emitSpan(ctx context.Context, run *trace.Run, children map[string][]*trace.Run, visited map[string]struct{}) {
	if _, seen := visited[run.ID]; seen {
		return
	}
	visited[run.ID] = struct{}{}

	spanCtx, span := e.tracer.Start(ctx, run.Name,
		oteltrace.WithTimestamp(run.StartTime),
		oteltrace.WithAttributes(e.runAttributes(run)...),
	)

	if run.Status == trace.StatusFailed {
		span.SetStatus(codes.Error, run.Error)
	}

	for _, child := range sortedChildren(children[run.ID]) {
		e.emitSpan(spanCtx, child, children, visited)
	}

	end := run.StartTime
	if run.EndTime != nil {
		end = *run.EndTime
	}

	steps := detectSteps(run.Outputs)
	if len(steps) > e.cfg.MaxSyntheticSpans {
		steps = steps[:e.cfg.MaxSyntheticSpans]
	}

	for _, st := range steps {
		_, stepSpan := e.tracer.Start(spanCtx, "Step: "+st.Name,
			oteltrace.WithTimestamp(run.StartTime),
			oteltrace.WithAttributes(e.stepAttributes(st)...),
		)
		stepSpan.End(oteltrace.WithTimestamp(end))
	}

	span.End(oteltrace.WithTimestamp(end))
}

// sortedChildren orders siblings by start time, then id, so emission order
// is a pure function of the tree.
func sortedChildren(runs []*trace.Run) []*trace.Run {
	if len(runs) < 2 {
		return runs
	}

	out := make([]*trace.Run, len(runs))
	copy(out, runs)

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}

		return out[i].ID < out[j].ID
	})

	return out
}

// runAttributes extracts the span attributes for a run: identity and timing
// fields plus the flattened inputs, outputs and extra maps and the tag list,
// everything stringified and truncated.
func (e *Emitter) runAttributes(run *trace.Run) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("run.id", run.ID),
		attribute.String("run.type", string(run.RunType)),
		attribute.String("run.status", string(run.Status)),
		attribute.String("project.name", run.ProjectName),
		attribute.String("run.start_time", run.StartTime.UTC().Format(time.RFC3339Nano)),
	}

	if run.ParentRunID != "" {
		attrs = append(attrs, attribute.String("parent_run.id", run.ParentRunID))
	}

	if traceID := run.TraceID(); traceID != "" {
		attrs = append(attrs, attribute.String("trace.id", traceID))
	}

	if run.EndTime != nil {
		attrs = append(attrs, attribute.String("run.end_time", run.EndTime.UTC().Format(time.RFC3339Nano)))
	}

	if ms, ok := run.DurationMs(); ok {
		attrs = append(attrs, attribute.Float64("run.duration_ms", ms))
	}

	attrs = append(attrs, e.flattenMap("inputs", run.Inputs)...)
	attrs = append(attrs, e.flattenMap("outputs", run.Outputs)...)
	attrs = append(attrs, e.flattenMap("extra", run.Extra)...)

	if len(run.Tags) > 0 {
		tags := run.Tags
		if len(tags) > e.cfg.AttrMaxListItems {
			tags = tags[:e.cfg.AttrMaxListItems]
		}

		capped := make([]string, len(tags))
		for i, tag := range tags {
			capped[i] = truncate(tag, e.cfg.AttrMaxKVStr)
		}

		attrs = append(attrs, attribute.StringSlice("run.tags", capped))
	}

	return attrs
}

func (e *Emitter) stepAttributes(st step) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("step.key", st.Key)}

	return append(attrs, e.flattenValue("step.data", st.Value, 1)...)
}

// flattenMap walks a payload map in sorted key order, one attribute per leaf.
func (e *Emitter) flattenMap(prefix string, m map[string]interface{}) []attribute.KeyValue {
	if len(m) == 0 {
		return nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var attrs []attribute.KeyValue
	for _, k := range keys {
		attrs = append(attrs, e.flattenValue(prefix+"."+k, m[k], 0)...)
	}

	return attrs
}

func (e *Emitter) flattenValue(key string, value interface{}, depth int) []attribute.KeyValue {
	switch v := value.(type) {
	case map[string]interface{}:
		if len(v) == 0 {
			return []attribute.KeyValue{attribute.String(key, "{}")}
		}

		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		var attrs []attribute.KeyValue
		for _, k := range keys {
			attrs = append(attrs, e.flattenValue(key+"."+k, v[k], depth+1)...)
		}

		return attrs
	case []interface{}:
		items := v
		if len(items) > e.cfg.AttrMaxListItems {
			items = items[:e.cfg.AttrMaxListItems]
		}

		out := make([]string, len(items))
		for i, item := range items {
			out[i] = truncate(stringify(item), e.cfg.AttrMaxKVStr)
		}

		return []attribute.KeyValue{attribute.StringSlice(key, out)}
	default:
		limit := e.cfg.AttrMaxStr
		if depth > 0 {
			limit = e.cfg.AttrMaxKVStr
		}

		return []attribute.KeyValue{attribute.String(key, truncate(stringify(v), limit))}
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}

	return s[:limit]
}
