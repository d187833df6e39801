// Package api provides the HTTP API server for the RunLens service.
package api

import (
	"net/http"
	"time"
)

type (
	// BatchResponse summarizes one POST /api/v1/runs/batch request.
	// Per-element failures land in Errors while the rest of the batch is
	// applied; Success is true only when every element applied cleanly.
	BatchResponse struct {
		Success      bool     `json:"success"`
		CreatedCount int      `json:"created_count"` //nolint:tagliatelle
		UpdatedCount int      `json:"updated_count"` //nolint:tagliatelle
		Errors       []string `json:"errors"`
	}

	// InfoResponse is the GET /api/v1/info payload. LangSmith-compatible
	// clients read batch_ingest_config to size and pace their upload batches.
	InfoResponse struct {
		Version               string            `json:"version"`
		LicenseExpirationTime *time.Time        `json:"license_expiration_time"` //nolint:tagliatelle
		BatchIngestConfig     BatchIngestConfig `json:"batch_ingest_config"`     //nolint:tagliatelle
		TenantHandle          string            `json:"tenant_handle"`           //nolint:tagliatelle
	}

	// BatchIngestConfig advertises the server's batch ingestion limits.
	BatchIngestConfig struct {
		SizeLimit              int   `json:"size_limit"`                //nolint:tagliatelle
		SizeLimitBytes         int64 `json:"size_limit_bytes"`          //nolint:tagliatelle
		ScaleUpQSizeTrigger    int   `json:"scale_up_qsize_trigger"`    //nolint:tagliatelle
		ScaleUpNThreadsLimit   int   `json:"scale_up_nthreads_limit"`   //nolint:tagliatelle
		ScaleDownNEmptyTrigger int   `json:"scale_down_nempty_trigger"` //nolint:tagliatelle
	}

	// FeedbackRequest is the POST /api/v1/feedback payload. Score and value
	// are schemaless; the server stores what the evaluator sends.
	// This is an API contract type, separate from the domain model
	// (trace.Feedback), to decouple the wire format from internal types.
	FeedbackRequest struct {
		ID      string      `json:"id,omitempty"`
		RunID   string      `json:"run_id"` //nolint:tagliatelle
		Key     string      `json:"key"`
		Score   *float64    `json:"score,omitempty"`
		Value   interface{} `json:"value,omitempty"`
		Comment string      `json:"comment,omitempty"`
	}

	// FeedbackResponse is one stored feedback record.
	FeedbackResponse struct {
		ID        string      `json:"id"`
		RunID     string      `json:"run_id"` //nolint:tagliatelle
		Key       string      `json:"key"`
		Score     *float64    `json:"score,omitempty"`
		Value     interface{} `json:"value,omitempty"`
		Comment   string      `json:"comment,omitempty"`
		CreatedAt time.Time   `json:"created_at"` //nolint:tagliatelle
		UpdatedAt time.Time   `json:"updated_at"` //nolint:tagliatelle
	}

	// FeedbackListResponse lists a run's feedback, newest first.
	FeedbackListResponse struct {
		RunID    string             `json:"run_id"` //nolint:tagliatelle
		Feedback []FeedbackResponse `json:"feedback"`
		Total    int                `json:"total"`
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "GET /ping")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)
