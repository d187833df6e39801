package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/runlens-io/runlens/internal/aliasing"
	"github.com/runlens-io/runlens/internal/bus"
	"github.com/runlens-io/runlens/internal/config"
	"github.com/runlens-io/runlens/internal/trace"
)

// Query service errors (static sentinel errors for errors.Is() checks).
var (
	// ErrNilStore is returned when the service is constructed without a store.
	ErrNilStore = errors.New("query service requires a store")

	// ErrInvalidLimit is returned when a listing limit falls outside 1..200.
	ErrInvalidLimit = errors.New("limit must be between 1 and 200")

	// ErrInvalidOffset is returned when a listing offset is negative.
	ErrInvalidOffset = errors.New("offset cannot be negative")
)

const (
	// MaxPageLimit bounds a single root listing page.
	MaxPageLimit = 200

	// DefaultPageLimit applies when a listing request names no limit.
	DefaultPageLimit = 50

	// DefaultStaleTimeoutMinutes is the sweep threshold when the caller
	// names none.
	DefaultStaleTimeoutMinutes = 30

	// projectWindow bounds the recent-activity window for top projects.
	projectWindow = 7 * 24 * time.Hour

	// maxProjectSummaries caps the summary's project list.
	maxProjectSummaries = 10
)

type (
	// Service is the dashboard read surface over the run store. It validates
	// pagination, resolves project-name aliases on filters, assembles the
	// nested hierarchy view, and computes the summary with its stale-sweep
	// side effect.
	Service struct {
		store     Store
		publisher Publisher
		resolver  *aliasing.Resolver
		logger    *slog.Logger

		staleTimeoutMinutes int
	}

	// ServiceOption configures optional service collaborators.
	ServiceOption func(*Service)

	// Publisher broadcasts dashboard-wide events. Satisfied by the websocket
	// hub; must not block.
	Publisher interface {
		Publish(eventType string, data interface{})
	}

	// RunView is the dashboard projection of a run. Payload maps stay off
	// the listing; the hierarchy view carries them.
	RunView struct {
		ID          string     `json:"id"`
		Name        string     `json:"name"`
		RunType     string     `json:"run_type"`
		Status      string     `json:"status"`
		ProjectName string     `json:"project_name,omitempty"`
		ParentRunID string     `json:"parent_run_id,omitempty"`
		TraceID     string     `json:"trace_id,omitempty"`
		StartTime   time.Time  `json:"start_time"`
		EndTime     *time.Time `json:"end_time,omitempty"`
		DurationMs  *float64   `json:"duration_ms,omitempty"`
		Error       string     `json:"error,omitempty"`
		Tags        []string   `json:"tags,omitempty"`
	}

	// RootRunsResponse is one page of the root listing.
	RootRunsResponse struct {
		Runs    []RunView `json:"runs"`
		Total   int       `json:"total"`
		Limit   int       `json:"limit"`
		Offset  int       `json:"offset"`
		HasMore bool      `json:"has_more"`
	}

	// HierarchyNode is one run in the nested tree, children ordered by
	// start time ascending.
	HierarchyNode struct {
		RunView

		Inputs   map[string]interface{} `json:"inputs,omitempty"`
		Outputs  map[string]interface{} `json:"outputs,omitempty"`
		Children []*HierarchyNode       `json:"children"`
	}

	// HierarchyResponse is the full tree for one root run.
	HierarchyResponse struct {
		Root      *HierarchyNode `json:"root"`
		TotalRuns int            `json:"total_runs"`
		MaxDepth  int            `json:"max_depth"`
	}

	// Summary is the dashboard landing payload: store-wide stats, the most
	// recently active projects, and the stale-sweep outcome.
	Summary struct {
		Stats           *Stats        `json:"stats"`
		TopProjects     []ProjectInfo `json:"top_projects"`
		StaleRunsFailed int           `json:"stale_runs_failed"`
		GeneratedAt     time.Time     `json:"generated_at"`
	}

	// CleanupResult reports one explicit stale-run sweep.
	CleanupResult struct {
		FailedCount    int `json:"failed_count"`
		TimeoutMinutes int `json:"timeout_minutes"`
	}
)

// WithPublisher wires the event sink for stats.updated broadcasts.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithResolver wires project-name alias resolution into listing filters.
func WithResolver(r *aliasing.Resolver) ServiceOption {
	return func(s *Service) {
		s.resolver = r
	}
}

// WithStaleTimeout overrides the default sweep threshold in minutes.
func WithStaleTimeout(minutes int) ServiceOption {
	return func(s *Service) {
		if minutes > 0 {
			s.staleTimeoutMinutes = minutes
		}
	}
}

// NewService creates the query service over the given store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	service := &Service{
		store: store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		staleTimeoutMinutes: DefaultStaleTimeoutMinutes,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// ListRoots returns one page of parentless runs matching the filters,
// newest first, with the total count and a has_more marker.
func (s *Service) ListRoots(ctx context.Context, filters RootFilters, page Page) (*RootRunsResponse, error) {
	if page.Limit < 1 || page.Limit > MaxPageLimit {
		return nil, ErrInvalidLimit
	}

	if page.Offset < 0 {
		return nil, ErrInvalidOffset
	}

	if filters.ProjectName != "" {
		filters.ProjectName = s.resolver.Resolve(filters.ProjectName)
	}

	total, err := s.store.CountRootRuns(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to count root runs: %w", err)
	}

	runs, err := s.store.ListRootRuns(ctx, filters, page)
	if err != nil {
		return nil, fmt.Errorf("failed to list root runs: %w", err)
	}

	views := make([]RunView, len(runs))
	for i, run := range runs {
		views[i] = viewOf(run)
	}

	return &RootRunsResponse{
		Runs:    views,
		Total:   total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.Offset+len(views) < total,
	}, nil
}

// Hierarchy returns the nested tree rooted at the given run id.
func (s *Service) Hierarchy(ctx context.Context, rootID string) (*HierarchyResponse, error) {
	if strings.TrimSpace(rootID) == "" {
		return nil, trace.ErrRunIDEmpty
	}

	runs, err := s.store.RunHierarchy(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run hierarchy: %w", err)
	}

	byID := make(map[string]*trace.Run, len(runs))
	children := make(map[string][]*trace.Run)

	for _, run := range runs {
		byID[run.ID] = run
	}

	for _, run := range runs {
		if run.ID == rootID {
			continue
		}

		if _, ok := byID[run.ParentRunID]; ok {
			children[run.ParentRunID] = append(children[run.ParentRunID], run)
		}
	}

	root, ok := byID[rootID]
	if !ok {
		return nil, trace.ErrRunNotFound
	}

	node, depth, total := buildNode(root, children, make(map[string]struct{}))

	return &HierarchyResponse{
		Root:      node,
		TotalRuns: total,
		MaxDepth:  depth,
	}, nil
}

// Summary runs the stale sweep, recomputes store-wide stats and the top
// projects of the last seven days, and broadcasts stats.updated.
//
// A failing sweep degrades to zero rather than blocking the dashboard; the
// stats queries right behind it will surface a genuinely broken store.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	swept, err := s.store.MarkStaleRunsAsFailed(ctx, s.staleTimeoutMinutes)
	if err != nil {
		s.logger.Warn("Stale-run sweep failed during summary",
			slog.Int("timeout_minutes", s.staleTimeoutMinutes),
			slog.String("error", err.Error()))

		swept = 0
	}

	stats, err := s.store.RunStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute run stats: %w", err)
	}

	since := time.Now().UTC().Add(-projectWindow)

	projects, err := s.store.ProjectSummaries(ctx, since, maxProjectSummaries)
	if err != nil {
		return nil, fmt.Errorf("failed to load project summaries: %w", err)
	}

	summary := &Summary{
		Stats:           stats,
		TopProjects:     projects,
		StaleRunsFailed: swept,
		GeneratedAt:     time.Now().UTC(),
	}

	if s.publisher != nil {
		s.publisher.Publish(bus.EventStatsUpdated, stats)
	}

	return summary, nil
}

// CleanupStaleRuns explicitly sweeps running runs older than the given
// timeout. A non-positive timeout falls back to the configured default.
func (s *Service) CleanupStaleRuns(ctx context.Context, timeoutMinutes int) (*CleanupResult, error) {
	if timeoutMinutes <= 0 {
		timeoutMinutes = s.staleTimeoutMinutes
	}

	failed, err := s.store.MarkStaleRunsAsFailed(ctx, timeoutMinutes)
	if err != nil {
		return nil, fmt.Errorf("failed to mark stale runs: %w", err)
	}

	if failed > 0 {
		s.logger.Info("Marked stale runs as failed",
			slog.Int("count", failed),
			slog.Int("timeout_minutes", timeoutMinutes))
	}

	return &CleanupResult{
		FailedCount:    failed,
		TimeoutMinutes: timeoutMinutes,
	}, nil
}

// buildNode assembles the subtree for one run, returning the node, the
// subtree depth (a leaf is 1) and the node count. The visited set keeps a
// corrupted parent chain from recursing forever.
func buildNode(run *trace.Run, children map[string][]*trace.Run, visited map[string]struct{}) (*HierarchyNode, int, int) {
	visited[run.ID] = struct{}{}

	node := &HierarchyNode{
		RunView:  viewOf(run),
		Inputs:   run.Inputs,
		Outputs:  run.Outputs,
		Children: []*HierarchyNode{},
	}

	depth := 0
	total := 1

	kids := make([]*trace.Run, 0, len(children[run.ID]))
	for _, child := range children[run.ID] {
		if _, seen := visited[child.ID]; !seen {
			kids = append(kids, child)
		}
	}

	sort.Slice(kids, func(i, j int) bool {
		if !kids[i].StartTime.Equal(kids[j].StartTime) {
			return kids[i].StartTime.Before(kids[j].StartTime)
		}

		return kids[i].ID < kids[j].ID
	})

	for _, child := range kids {
		childNode, childDepth, childTotal := buildNode(child, children, visited)
		node.Children = append(node.Children, childNode)

		if childDepth > depth {
			depth = childDepth
		}

		total += childTotal
	}

	return node, depth + 1, total
}

func viewOf(run *trace.Run) RunView {
	view := RunView{
		ID:          run.ID,
		Name:        run.Name,
		RunType:     string(run.RunType),
		Status:      string(run.Status),
		ProjectName: run.ProjectName,
		ParentRunID: run.ParentRunID,
		TraceID:     run.TraceID(),
		StartTime:   run.StartTime,
		EndTime:     run.EndTime,
		Error:       run.Error,
		Tags:        run.Tags,
	}

	if ms, ok := run.DurationMs(); ok {
		view.DurationMs = &ms
	}

	return view
}
