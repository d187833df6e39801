// Package ingest translates LangSmith-style batch payloads into domain runs
// and patches for the reconciliation engine.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

type (
	// BatchRequest is the body of POST /api/v1/runs/batch: two arrays of run
	// operations applied as one logical batch, creates before updates.
	//
	// These are API contract types with JSON tags, separate from the domain
	// model (trace.Run) which stays marshaling-free. Translate maps between
	// the two.
	BatchRequest struct {
		Post       []RunCreate `json:"post,omitempty"`
		Patch      []RunUpdate `json:"patch,omitempty"`
		PreSampled bool        `json:"pre_sampled,omitempty"` //nolint:tagliatelle
	}

	// RunCreate is a post element: a fully specified new run. The server
	// requires id, name, run_type, start_time and inputs; missing fields are
	// reported per element in the batch response, not as a request failure.
	RunCreate struct {
		ID                 string                 `json:"id"`
		Name               string                 `json:"name"`
		RunType            string                 `json:"run_type"`                       //nolint:tagliatelle
		StartTime          *Timestamp             `json:"start_time"`                     //nolint:tagliatelle
		EndTime            *Timestamp             `json:"end_time,omitempty"`             //nolint:tagliatelle
		ParentRunID        string                 `json:"parent_run_id,omitempty"`        //nolint:tagliatelle
		Inputs             map[string]interface{} `json:"inputs,omitempty"`
		Outputs            map[string]interface{} `json:"outputs,omitempty"`
		Extra              map[string]interface{} `json:"extra,omitempty"`
		Serialized         map[string]interface{} `json:"serialized,omitempty"`
		Events             []RunEvent             `json:"events,omitempty"`
		Tags               []string               `json:"tags,omitempty"`
		Error              string                 `json:"error,omitempty"`
		SessionName        string                 `json:"session_name,omitempty"`         //nolint:tagliatelle
		ReferenceExampleID string                 `json:"reference_example_id,omitempty"` //nolint:tagliatelle
		TraceID            string                 `json:"trace_id,omitempty"`             //nolint:tagliatelle
	}

	// RunUpdate is a patch element: id plus any subset of the mutable fields.
	// Pointer and map fields distinguish "absent" from "set to empty"; an
	// explicit empty string error clears the stored error.
	RunUpdate struct {
		ID                 string                 `json:"id"`
		EndTime            *Timestamp             `json:"end_time,omitempty"` //nolint:tagliatelle
		Outputs            map[string]interface{} `json:"outputs,omitempty"`
		Error              *string                `json:"error,omitempty"`
		Extra              map[string]interface{} `json:"extra,omitempty"`
		Tags               []string               `json:"tags,omitempty"`
		Events             []RunEvent             `json:"events,omitempty"`
		ParentRunID        string                 `json:"parent_run_id,omitempty"`        //nolint:tagliatelle
		SessionName        string                 `json:"session_name,omitempty"`         //nolint:tagliatelle
		ReferenceExampleID string                 `json:"reference_example_id,omitempty"` //nolint:tagliatelle
	}

	// RunEvent is a point-in-time event attached to a run.
	RunEvent struct {
		Name       string                 `json:"name"`
		Time       *Timestamp             `json:"time,omitempty"`
		Attributes map[string]interface{} `json:"attributes,omitempty"`
	}

	// Timestamp decodes the RFC3339 timestamps the batch API documents, and
	// tolerates the zone-less ISO-8601 form some agent SDKs emit (interpreted
	// as UTC).
	Timestamp struct {
		time.Time
	}
)

// Batch decode errors (static sentinel errors for errors.Is() checks).
var (
	// ErrInvalidJSON wraps JSON syntax and shape errors from the request body.
	ErrInvalidJSON = errors.New("invalid batch JSON")

	// ErrEmptyBatch indicates a request whose post and patch arrays are both
	// empty.
	ErrEmptyBatch = errors.New("batch must contain at least one post or patch element")

	// ErrBadTimestamp indicates a time field that matches no accepted layout.
	ErrBadTimestamp = errors.New("timestamp matches no accepted layout")
)

// timestampLayouts are tried in order. The second accepts the zone-less form;
// values parsed with it are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrBadTimestamp, err.Error())
	}

	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed.UTC()

			return nil
		}
	}

	return fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// MarshalJSON implements json.Marshaler, always emitting RFC3339 UTC.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// DecodeBatch reads and decodes one batch request body. The caller bounds the
// reader. A decode failure here is a protocol-level error (the whole request
// is rejected); element-level problems surface later through the engine's
// per-run error list.
func DecodeBatch(r io.Reader) (*BatchRequest, error) {
	var req BatchRequest

	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJSON, err.Error())
	}

	if len(req.Post) == 0 && len(req.Patch) == 0 {
		return nil, ErrEmptyBatch
	}

	return &req, nil
}
