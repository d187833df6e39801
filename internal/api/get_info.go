package api

import (
	"net/http"
)

// Batch ingest limits advertised to LangSmith-compatible clients. The SDK
// reads these to size its upload batches and scale its sender pool.
const (
	batchSizeLimit         = 100
	scaleUpQSizeTrigger    = 1000
	scaleUpNThreadsLimit   = 16
	scaleDownNEmptyTrigger = 4
)

// handleInfo handles GET /api/v1/info - the LangSmith-compatible service
// info endpoint. license_expiration_time is null (no licensing) and the
// tenant handle is fixed: multi-tenancy is out of scope.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, r, http.StatusOK, InfoResponse{
		Version:               s.deps.Version,
		LicenseExpirationTime: nil,
		BatchIngestConfig: BatchIngestConfig{
			SizeLimit:              batchSizeLimit,
			SizeLimitBytes:         s.config.MaxRequestSize,
			ScaleUpQSizeTrigger:    scaleUpQSizeTrigger,
			ScaleUpNThreadsLimit:   scaleUpNThreadsLimit,
			ScaleDownNEmptyTrigger: scaleDownNEmptyTrigger,
		},
		TenantHandle: "default",
	})
}
