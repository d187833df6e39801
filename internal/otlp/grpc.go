package otlp

import (
	"context"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCServer implements the standard OTLP TraceService so any OpenTelemetry
// SDK can export straight to the collector port.
type GRPCServer struct {
	coltracepb.UnimplementedTraceServiceServer

	service *Service
}

// NewGRPCServer wraps the export service for OTLP/gRPC.
func NewGRPCServer(service *Service) *GRPCServer {
	return &GRPCServer{service: service}
}

// Register mounts the trace service on the given gRPC server.
func (s *GRPCServer) Register(server *grpc.Server) {
	coltracepb.RegisterTraceServiceServer(server, s)
}

// Export handles the TraceService/Export RPC.
func (s *GRPCServer) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	if req == nil || len(req.GetResourceSpans()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "request must contain at least one resource span")
	}

	resp, err := s.service.Export(ctx, req)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to apply trace export")
	}

	return resp, nil
}
