// Package api provides the HTTP API server for the RunLens service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/runlens-io/runlens/internal/query"
	"github.com/runlens-io/runlens/internal/reconcile"
	"github.com/runlens-io/runlens/internal/trace"
)

type (
	// fakeIngestor is a test double for the reconciliation engine.
	fakeIngestor struct {
		applyBatchFunc  func(ctx context.Context, creates []*trace.Run, patches []reconcile.RunPatch) *reconcile.BatchSummary
		healthCheckFunc func(ctx context.Context) error
	}

	// fakeQueryService is a test double for the dashboard read surface.
	fakeQueryService struct {
		listRootsFunc func(ctx context.Context, filters query.RootFilters, page query.Page) (*query.RootRunsResponse, error)
		hierarchyFunc func(ctx context.Context, rootID string) (*query.HierarchyResponse, error)
		summaryFunc   func(ctx context.Context) (*query.Summary, error)
		cleanupFunc   func(ctx context.Context, timeoutMinutes int) (*query.CleanupResult, error)
	}

	// fakeFeedbackRecorder is a test double for the feedback store.
	fakeFeedbackRecorder struct {
		storeFunc func(ctx context.Context, feedback *trace.Feedback) (bool, bool, error)
		listFunc  func(ctx context.Context, runID string) ([]*trace.Feedback, error)
	}
)

func (f *fakeIngestor) ApplyBatch(
	ctx context.Context,
	creates []*trace.Run,
	patches []reconcile.RunPatch,
) *reconcile.BatchSummary {
	if f.applyBatchFunc != nil {
		return f.applyBatchFunc(ctx, creates, patches)
	}

	return &reconcile.BatchSummary{CreatedCount: len(creates), UpdatedCount: len(patches)}
}

func (f *fakeIngestor) HealthCheck(ctx context.Context) error {
	if f.healthCheckFunc != nil {
		return f.healthCheckFunc(ctx)
	}

	return nil
}

func (f *fakeQueryService) ListRoots(
	ctx context.Context,
	filters query.RootFilters,
	page query.Page,
) (*query.RootRunsResponse, error) {
	if f.listRootsFunc != nil {
		return f.listRootsFunc(ctx, filters, page)
	}

	return &query.RootRunsResponse{Runs: []query.RunView{}, Limit: page.Limit, Offset: page.Offset}, nil
}

func (f *fakeQueryService) Hierarchy(ctx context.Context, rootID string) (*query.HierarchyResponse, error) {
	if f.hierarchyFunc != nil {
		return f.hierarchyFunc(ctx, rootID)
	}

	return &query.HierarchyResponse{}, nil
}

func (f *fakeQueryService) Summary(ctx context.Context) (*query.Summary, error) {
	if f.summaryFunc != nil {
		return f.summaryFunc(ctx)
	}

	return &query.Summary{GeneratedAt: time.Now()}, nil
}

func (f *fakeQueryService) CleanupStaleRuns(ctx context.Context, timeoutMinutes int) (*query.CleanupResult, error) {
	if f.cleanupFunc != nil {
		return f.cleanupFunc(ctx, timeoutMinutes)
	}

	return &query.CleanupResult{TimeoutMinutes: timeoutMinutes}, nil
}

func (f *fakeFeedbackRecorder) StoreFeedback(ctx context.Context, feedback *trace.Feedback) (bool, bool, error) {
	if f.storeFunc != nil {
		return f.storeFunc(ctx, feedback)
	}

	return true, false, nil
}

func (f *fakeFeedbackRecorder) ListFeedbackByRun(ctx context.Context, runID string) ([]*trace.Feedback, error) {
	if f.listFunc != nil {
		return f.listFunc(ctx, runID)
	}

	return nil, nil
}

// testServerConfig returns a valid config for handler tests.
func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        slog.LevelError,
		MaxRequestSize:  1024 * 1024,
		OTLPHTTPEnabled: false,
	}
}

// newTestServer builds a server with the given deps and returns the full
// middleware-wrapped handler for request dispatch.
func newTestServer(t *testing.T, deps Dependencies) (*Server, http.Handler) {
	t.Helper()

	if deps.Ingestor == nil {
		deps.Ingestor = &fakeIngestor{}
	}

	if deps.Query == nil {
		deps.Query = &fakeQueryService{}
	}

	srv := NewServer(testServerConfig(), deps)

	return srv, srv.httpServer.Handler
}

func TestHandlePing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, handler := newTestServer(t, Dependencies{Version: "1.2.3"})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	if body := rec.Body.String(); body != "pong" {
		t.Errorf("expected body 'pong', got %q", body)
	}

	if got := rec.Header().Get("X-RunLens-Version"); got != "1.2.3" {
		t.Errorf("expected version header 1.2.3, got %q", got)
	}
}

func TestHandleHealth(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, handler := newTestServer(t, Dependencies{Version: "1.2.3"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var health HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}

	if health.Status != "healthy" {
		t.Errorf("expected status healthy, got %q", health.Status)
	}

	if health.ServiceName != "runlens" {
		t.Errorf("expected service name runlens, got %q", health.ServiceName)
	}

	if health.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %q", health.Version)
	}
}

func TestHandleReady(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("healthy store", func(t *testing.T) {
		_, handler := newTestServer(t, Dependencies{})

		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
	})

	t.Run("unhealthy store", func(t *testing.T) {
		ingestor := &fakeIngestor{
			healthCheckFunc: func(_ context.Context) error {
				return errors.New("connection refused")
			},
		}

		_, handler := newTestServer(t, Dependencies{Ingestor: ingestor})

		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rec.Code)
		}
	})
}

func TestHandleNotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, handler := newTestServer(t, Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/no/such/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json content type, got %q", ct)
	}

	var problem ProblemDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &problem); err != nil {
		t.Fatalf("failed to decode problem response: %v", err)
	}

	if problem.Status != http.StatusNotFound {
		t.Errorf("expected problem status 404, got %d", problem.Status)
	}

	if problem.CorrelationID == "" {
		t.Error("expected correlation_id to be set by middleware")
	}
}

func TestStartRequiresDependencies(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	srv := NewServer(testServerConfig(), Dependencies{})

	err := srv.Start()
	if !errors.Is(err, ErrMissingDependencies) {
		t.Errorf("expected ErrMissingDependencies, got %v", err)
	}
}

func TestHandleRunsBatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	batchBody := `{
		"post": [
			{
				"id": "run-1",
				"name": "agent_step",
				"run_type": "chain",
				"start_time": "2026-01-15T10:00:00Z",
				"inputs": {"query": "hello"}
			}
		],
		"patch": [
			{
				"id": "run-0",
				"end_time": "2026-01-15T10:00:05Z",
				"outputs": {"answer": "world"}
			}
		]
	}`

	t.Run("success", func(t *testing.T) {
		var gotCreates, gotPatches int

		ingestor := &fakeIngestor{
			applyBatchFunc: func(
				_ context.Context,
				creates []*trace.Run,
				patches []reconcile.RunPatch,
			) *reconcile.BatchSummary {
				gotCreates = len(creates)
				gotPatches = len(patches)

				return &reconcile.BatchSummary{CreatedCount: len(creates), UpdatedCount: len(patches)}
			},
		}

		_, handler := newTestServer(t, Dependencies{Ingestor: ingestor})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/batch", strings.NewReader(batchBody))
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}

		if gotCreates != 1 || gotPatches != 1 {
			t.Errorf("expected 1 create and 1 patch, got %d and %d", gotCreates, gotPatches)
		}

		var resp BatchResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		if !resp.Success {
			t.Error("expected success=true")
		}

		if resp.CreatedCount != 1 || resp.UpdatedCount != 1 {
			t.Errorf("expected created=1 updated=1, got %d and %d", resp.CreatedCount, resp.UpdatedCount)
		}

		if resp.Errors == nil {
			t.Error("expected errors to be an empty array, not null")
		}
	})

	t.Run("partial failure keeps 200", func(t *testing.T) {
		ingestor := &fakeIngestor{
			applyBatchFunc: func(
				_ context.Context,
				_ []*trace.Run,
				_ []reconcile.RunPatch,
			) *reconcile.BatchSummary {
				return &reconcile.BatchSummary{
					CreatedCount: 1,
					Errors:       []string{"run run-0: run name cannot be empty"},
				}
			},
		}

		_, handler := newTestServer(t, Dependencies{Ingestor: ingestor})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/batch", strings.NewReader(batchBody))
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200 for partial failure, got %d", rec.Code)
		}

		var resp BatchResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		if resp.Success {
			t.Error("expected success=false for partial failure")
		}

		if len(resp.Errors) != 1 {
			t.Errorf("expected 1 error, got %d", len(resp.Errors))
		}
	})

	t.Run("total failure returns 500", func(t *testing.T) {
		ingestor := &fakeIngestor{
			applyBatchFunc: func(
				_ context.Context,
				_ []*trace.Run,
				_ []reconcile.RunPatch,
			) *reconcile.BatchSummary {
				return &reconcile.BatchSummary{
					Errors: []string{"run run-1: storage unavailable", "run run-0: storage unavailable"},
				}
			},
		}

		_, handler := newTestServer(t, Dependencies{Ingestor: ingestor})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/batch", strings.NewReader(batchBody))
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500 when nothing applied, got %d", rec.Code)
		}
	})

	t.Run("wrong content type", func(t *testing.T) {
		_, handler := newTestServer(t, Dependencies{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/batch", strings.NewReader(batchBody))
		req.Header.Set("Content-Type", "text/plain")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnsupportedMediaType {
			t.Errorf("expected status 415, got %d", rec.Code)
		}
	})

	t.Run("oversized payload", func(t *testing.T) {
		_, handler := newTestServer(t, Dependencies{})

		big := bytes.Repeat([]byte("a"), 2*1024*1024)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/batch", bytes.NewReader(big))
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d", rec.Code)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		_, handler := newTestServer(t, Dependencies{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/batch", http.NoBody)
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
	})

	t.Run("empty batch arrays", func(t *testing.T) {
		_, handler := newTestServer(t, Dependencies{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/batch", strings.NewReader(`{"post":[],"patch":[]}`))
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, handler := newTestServer(t, Dependencies{})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/batch", strings.NewReader(`{"post": [`))
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
	})
}

func TestHandleInfo(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, handler := newTestServer(t, Dependencies{Version: "0.9.0"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var info InfoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if info.Version != "0.9.0" {
		t.Errorf("expected version 0.9.0, got %q", info.Version)
	}

	if info.LicenseExpirationTime != nil {
		t.Error("expected license_expiration_time to be null")
	}

	if info.BatchIngestConfig.SizeLimit != batchSizeLimit {
		t.Errorf("expected size_limit %d, got %d", batchSizeLimit, info.BatchIngestConfig.SizeLimit)
	}

	if info.BatchIngestConfig.SizeLimitBytes != testServerConfig().MaxRequestSize {
		t.Errorf("expected size_limit_bytes %d, got %d",
			testServerConfig().MaxRequestSize, info.BatchIngestConfig.SizeLimitBytes)
	}

	if info.TenantHandle != "default" {
		t.Errorf("expected tenant_handle default, got %q", info.TenantHandle)
	}
}

func TestHandleRootRuns(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("passes filters and pagination", func(t *testing.T) {
		var gotFilters query.RootFilters

		var gotPage query.Page

		qs := &fakeQueryService{
			listRootsFunc: func(
				_ context.Context,
				filters query.RootFilters,
				page query.Page,
			) (*query.RootRunsResponse, error) {
				gotFilters = filters
				gotPage = page

				return &query.RootRunsResponse{Runs: []query.RunView{}, Limit: page.Limit, Offset: page.Offset}, nil
			},
		}

		_, handler := newTestServer(t, Dependencies{Query: qs})

		target := "/api/v1/dashboard/runs/roots" +
			"?project_name=chatbot&status=running&search=agent" +
			"&start_time_gte=2026-01-01T00:00:00Z&limit=25&offset=50"
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}

		if gotFilters.ProjectName != "chatbot" || gotFilters.Status != "running" || gotFilters.Search != "agent" {
			t.Errorf("unexpected filters: %+v", gotFilters)
		}

		if gotFilters.StartTimeGTE == nil {
			t.Error("expected start_time_gte to be parsed")
		}

		if gotPage.Limit != 25 || gotPage.Offset != 50 {
			t.Errorf("expected limit=25 offset=50, got %+v", gotPage)
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		var gotPage query.Page

		qs := &fakeQueryService{
			listRootsFunc: func(
				_ context.Context,
				_ query.RootFilters,
				page query.Page,
			) (*query.RootRunsResponse, error) {
				gotPage = page

				return &query.RootRunsResponse{Runs: []query.RunView{}}, nil
			},
		}

		_, handler := newTestServer(t, Dependencies{Query: qs})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/runs/roots", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}

		if gotPage.Limit != query.DefaultPageLimit || gotPage.Offset != 0 {
			t.Errorf("expected default limit=%d offset=0, got %+v", query.DefaultPageLimit, gotPage)
		}
	})

	t.Run("invalid parameters", func(t *testing.T) {
		testCases := []struct {
			name  string
			query string
		}{
			{name: "non-numeric limit", query: "?limit=abc"},
			{name: "limit too large", query: "?limit=500"},
			{name: "zero limit", query: "?limit=0"},
			{name: "negative offset", query: "?offset=-1"},
			{name: "bad start_time_gte", query: "?start_time_gte=yesterday"},
			{name: "bad start_time_lte", query: "?start_time_lte=2026-13-99"},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				_, handler := newTestServer(t, Dependencies{})

				req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/runs/roots"+tc.query, nil)
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)

				if rec.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d", rec.Code)
				}
			})
		}
	})
}

func TestHandleRunHierarchy(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("success", func(t *testing.T) {
		qs := &fakeQueryService{
			hierarchyFunc: func(_ context.Context, rootID string) (*query.HierarchyResponse, error) {
				if rootID != "trace-1" {
					t.Errorf("expected rootID trace-1, got %q", rootID)
				}

				return &query.HierarchyResponse{TotalRuns: 3, MaxDepth: 2}, nil
			},
		}

		_, handler := newTestServer(t, Dependencies{Query: qs})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/runs/trace-1/hierarchy", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}

		var resp query.HierarchyResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		if resp.TotalRuns != 3 || resp.MaxDepth != 2 {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("unknown run", func(t *testing.T) {
		qs := &fakeQueryService{
			hierarchyFunc: func(_ context.Context, _ string) (*query.HierarchyResponse, error) {
				return nil, trace.ErrRunNotFound
			},
		}

		_, handler := newTestServer(t, Dependencies{Query: qs})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/runs/missing/hierarchy", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		qs := &fakeQueryService{
			hierarchyFunc: func(_ context.Context, _ string) (*query.HierarchyResponse, error) {
				return nil, errors.New("connection reset")
			},
		}

		_, handler := newTestServer(t, Dependencies{Query: qs})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/runs/trace-1/hierarchy", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rec.Code)
		}
	})
}

func TestHandleCleanupStaleRuns(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("explicit timeout", func(t *testing.T) {
		var gotTimeout int

		qs := &fakeQueryService{
			cleanupFunc: func(_ context.Context, timeoutMinutes int) (*query.CleanupResult, error) {
				gotTimeout = timeoutMinutes

				return &query.CleanupResult{FailedCount: 2, TimeoutMinutes: timeoutMinutes}, nil
			},
		}

		_, handler := newTestServer(t, Dependencies{Query: qs})

		req := httptest.NewRequest(
			http.MethodPost, "/api/v1/dashboard/cleanup/stale-runs?timeout_minutes=60", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}

		if gotTimeout != 60 {
			t.Errorf("expected timeout 60, got %d", gotTimeout)
		}
	})

	t.Run("default timeout when omitted", func(t *testing.T) {
		var gotTimeout = -1

		qs := &fakeQueryService{
			cleanupFunc: func(_ context.Context, timeoutMinutes int) (*query.CleanupResult, error) {
				gotTimeout = timeoutMinutes

				return &query.CleanupResult{TimeoutMinutes: timeoutMinutes}, nil
			},
		}

		_, handler := newTestServer(t, Dependencies{Query: qs})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/dashboard/cleanup/stale-runs", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}

		// Zero tells the service to use its configured default.
		if gotTimeout != 0 {
			t.Errorf("expected timeout 0 (configured default), got %d", gotTimeout)
		}
	})

	t.Run("invalid timeout", func(t *testing.T) {
		testCases := []struct {
			name  string
			query string
		}{
			{name: "non-numeric", query: "?timeout_minutes=soon"},
			{name: "below minimum", query: "?timeout_minutes=0"},
			{name: "above maximum", query: "?timeout_minutes=1441"},
			{name: "negative", query: "?timeout_minutes=-5"},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				_, handler := newTestServer(t, Dependencies{})

				req := httptest.NewRequest(
					http.MethodPost, "/api/v1/dashboard/cleanup/stale-runs"+tc.query, nil)
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)

				if rec.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d", rec.Code)
				}
			})
		}
	})
}

func TestHandleIngestFeedback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	feedbackBody := `{
		"run_id": "run-1",
		"key": "correctness",
		"score": 0.9,
		"comment": "solid answer"
	}`

	t.Run("new record returns 201", func(t *testing.T) {
		recorder := &fakeFeedbackRecorder{
			storeFunc: func(_ context.Context, f *trace.Feedback) (bool, bool, error) {
				if f.RunID != "run-1" || f.Key != "correctness" {
					t.Errorf("unexpected feedback: %+v", f)
				}

				f.CreatedAt = time.Now()
				f.UpdatedAt = f.CreatedAt

				return true, false, nil
			},
		}

		_, handler := newTestServer(t, Dependencies{Feedback: recorder})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback", strings.NewReader(feedbackBody))
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp FeedbackResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		if resp.RunID != "run-1" || resp.Key != "correctness" {
			t.Errorf("unexpected response: %+v", resp)
		}

		if resp.Score == nil || *resp.Score != 0.9 {
			t.Errorf("expected score 0.9, got %v", resp.Score)
		}
	})

	t.Run("duplicate update returns 200", func(t *testing.T) {
		recorder := &fakeFeedbackRecorder{
			storeFunc: func(_ context.Context, _ *trace.Feedback) (bool, bool, error) {
				return true, true, nil
			},
		}

		_, handler := newTestServer(t, Dependencies{Feedback: recorder})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback", strings.NewReader(feedbackBody))
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200 for duplicate, got %d", rec.Code)
		}
	})

	t.Run("validation failure returns 422", func(t *testing.T) {
		_, handler := newTestServer(t, Dependencies{Feedback: &fakeFeedbackRecorder{}})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback", strings.NewReader(`{"key":"correctness"}`))
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rec.Code)
		}
	})

	t.Run("wrong content type", func(t *testing.T) {
		_, handler := newTestServer(t, Dependencies{Feedback: &fakeFeedbackRecorder{}})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback", strings.NewReader(feedbackBody))
		req.Header.Set("Content-Type", "text/plain")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnsupportedMediaType {
			t.Errorf("expected status 415, got %d", rec.Code)
		}
	})

	t.Run("store failure returns 500", func(t *testing.T) {
		recorder := &fakeFeedbackRecorder{
			storeFunc: func(_ context.Context, _ *trace.Feedback) (bool, bool, error) {
				return false, false, errors.New("insert failed")
			},
		}

		_, handler := newTestServer(t, Dependencies{Feedback: recorder})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback", strings.NewReader(feedbackBody))
		req.Header.Set("Content-Type", "application/json")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rec.Code)
		}
	})
}

func TestHandleRunFeedback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("lists stored feedback", func(t *testing.T) {
		score := 0.5
		recorder := &fakeFeedbackRecorder{
			listFunc: func(_ context.Context, runID string) ([]*trace.Feedback, error) {
				if runID != "run-1" {
					t.Errorf("expected runID run-1, got %q", runID)
				}

				return []*trace.Feedback{
					{ID: "fb-1", RunID: "run-1", Key: "correctness", Score: &score},
					{ID: "fb-2", RunID: "run-1", Key: "helpfulness", Comment: "meh"},
				}, nil
			},
		}

		_, handler := newTestServer(t, Dependencies{Feedback: recorder})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1/feedback", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}

		var resp FeedbackListResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		if resp.Total != 2 || len(resp.Feedback) != 2 {
			t.Errorf("expected 2 records, got %+v", resp)
		}

		if resp.RunID != "run-1" {
			t.Errorf("expected run_id run-1, got %q", resp.RunID)
		}
	})

	t.Run("unknown run yields empty list", func(t *testing.T) {
		recorder := &fakeFeedbackRecorder{
			listFunc: func(_ context.Context, _ string) ([]*trace.Feedback, error) {
				return nil, nil
			},
		}

		_, handler := newTestServer(t, Dependencies{Feedback: recorder})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/ghost/feedback", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}

		var resp FeedbackListResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		if resp.Total != 0 {
			t.Errorf("expected empty list, got %+v", resp)
		}
	})

	t.Run("feedback routes absent when recorder is nil", func(t *testing.T) {
		_, handler := newTestServer(t, Dependencies{})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1/feedback", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404 without feedback store, got %d", rec.Code)
		}
	})
}

func TestHandleDashboardSummary(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	qs := &fakeQueryService{
		summaryFunc: func(_ context.Context) (*query.Summary, error) {
			return &query.Summary{
				Stats:           &query.Stats{TotalRuns: 42, TotalTraces: 7},
				StaleRunsFailed: 1,
				GeneratedAt:     time.Now(),
			}, nil
		},
	}

	_, handler := newTestServer(t, Dependencies{Query: qs})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/stats/summary", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp query.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Stats == nil || resp.Stats.TotalRuns != 42 {
		t.Errorf("unexpected summary: %+v", resp)
	}
}
