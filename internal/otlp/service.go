package otlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/runlens-io/runlens/internal/config"
	"github.com/runlens-io/runlens/internal/reconcile"
	"github.com/runlens-io/runlens/internal/trace"
)

// Service errors (static sentinel errors for errors.Is() checks).
var (
	// ErrNilApplier is returned when the service is constructed without an
	// applier.
	ErrNilApplier = errors.New("otlp service requires an applier")

	// ErrExportFailed indicates no span in the export could be applied.
	// Transports map it to their protocol's server error.
	ErrExportFailed = errors.New("trace export failed")
)

type (
	// Applier applies translated runs as one logical batch. Satisfied by
	// *reconcile.Engine.
	Applier interface {
		ApplyBatch(ctx context.Context, creates []*trace.Run, patches []reconcile.RunPatch) *reconcile.BatchSummary
	}

	// Service turns OTLP export requests into run upserts. Both transports
	// (HTTP and gRPC) decode their wire format and delegate here, so the
	// translation and partial-success accounting live in one place.
	Service struct {
		applier Applier
		logger  *slog.Logger
	}
)

// NewService creates the shared OTLP export service.
func NewService(applier Applier) (*Service, error) {
	if applier == nil {
		return nil, ErrNilApplier
	}

	return &Service{
		applier: applier,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Export translates the request and applies every translated span as a run
// create.
//
// Untranslatable spans and per-run failures are reported through the
// response's partial success block, never as a transport error: a client
// re-exporting the same batch should see the same outcome, not a retry loop.
// Only a batch where nothing at all was applied returns ErrExportFailed.
func (s *Service) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	runs, skipped := TranslateRequest(req)

	for _, reason := range skipped {
		s.logger.Warn("Skipping untranslatable span",
			slog.String("reason", reason),
		)
	}

	if len(runs) == 0 {
		return exportResponse(len(skipped), skipped, nil), nil
	}

	summary := s.applier.ApplyBatch(ctx, runs, nil)

	if summary.CreatedCount+summary.UpdatedCount == 0 && len(summary.Errors) > 0 {
		s.logger.Error("Trace export failed for every span",
			slog.Int("spans", SpanCount(req)),
			slog.String("first_error", summary.Errors[0]),
		)
		return nil, fmt.Errorf("%w: %s", ErrExportFailed, summary.Errors[0])
	}

	rejected := len(skipped) + len(summary.Errors)
	s.logger.Info("Trace export applied",
		slog.Int("spans", SpanCount(req)),
		slog.Int("created", summary.CreatedCount),
		slog.Int("updated", summary.UpdatedCount),
		slog.Int("rejected", rejected),
	)

	return exportResponse(rejected, skipped, summary.Errors), nil
}

// exportResponse builds the standard OTLP response. A rejected count of zero
// yields the empty success message; anything else is reported through the
// partial success block with the first failure as the message.
func exportResponse(rejected int, skipped, applyErrors []string) *coltracepb.ExportTraceServiceResponse {
	resp := &coltracepb.ExportTraceServiceResponse{}
	if rejected == 0 {
		return resp
	}

	message := "spans were rejected"
	if len(skipped) > 0 {
		message = skipped[0]
	} else if len(applyErrors) > 0 {
		message = applyErrors[0]
	}

	resp.PartialSuccess = &coltracepb.ExportTracePartialSuccess{
		RejectedSpans: int64(rejected),
		ErrorMessage:  message,
	}

	return resp
}
