package otlp

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/proto"
)

// DefaultMaxBodyBytes bounds OTLP HTTP request bodies (after decompression).
const DefaultMaxBodyBytes int64 = 10 * 1024 * 1024

const protobufContentType = "application/x-protobuf"

// HTTPHandler serves the OTLP/HTTP trace endpoint (POST, protobuf bodies,
// optional gzip encoding). Mount it at the configured path, conventionally
// /v1/traces.
type HTTPHandler struct {
	service      *Service
	maxBodyBytes int64
}

// NewHTTPHandler wraps the export service for OTLP/HTTP. A maxBodyBytes of
// zero or less falls back to DefaultMaxBodyBytes.
func NewHTTPHandler(service *Service, maxBodyBytes int64) *HTTPHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}

	return &HTTPHandler{
		service:      service,
		maxBodyBytes: maxBodyBytes,
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, protobufContentType) {
		http.Error(w, "Content-Type must be application/x-protobuf", http.StatusUnsupportedMediaType)
		return
	}

	if r.ContentLength > h.maxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	reader := io.Reader(io.LimitReader(r.Body, h.maxBodyBytes))
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			http.Error(w, "invalid gzip body", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		reader = gz
	}

	payload, err := io.ReadAll(reader)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req := &coltracepb.ExportTraceServiceRequest{}
	if err := proto.Unmarshal(payload, req); err != nil {
		http.Error(w, "invalid protobuf payload", http.StatusBadRequest)
		return
	}

	resp, err := h.service.Export(r.Context(), req)
	if err != nil {
		http.Error(w, "failed to apply trace export", http.StatusInternalServerError)
		return
	}

	data, err := proto.Marshal(resp)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", protobufContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
