package forward

import (
	"errors"
	"strings"
	"time"

	"github.com/runlens-io/runlens/internal/config"
)

// Exporter protocols.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// ErrUnknownProtocol is returned for a protocol other than http or grpc.
var ErrUnknownProtocol = errors.New("forwarder protocol must be http or grpc")

// Config tunes the grouper and the downstream exporter. Zero values fall
// back to the defaults below.
type Config struct {
	// Endpoint is the downstream collector, host:port.
	Endpoint string

	// Protocol selects the exporter transport: http (default) or grpc.
	Protocol string

	// ServiceName is reported as the resource service.name on re-exported
	// traces.
	ServiceName string

	// Timeout bounds each export call made by the OTLP exporter.
	Timeout time.Duration

	// Insecure disables TLS toward the collector.
	Insecure bool

	// Headers are sent with every export request.
	Headers map[string]string

	// Debounce is the quiet period after the last arrival before a bucket
	// flushes.
	Debounce time.Duration

	// RunTimeout bounds the reassembly and send of one root's trace.
	RunTimeout time.Duration

	// MaxSyntheticSpans caps the synthetic step spans emitted per run.
	MaxSyntheticSpans int

	// AttrMaxStr / AttrMaxKVStr cap stringified attribute values, top-level
	// and nested respectively. AttrMaxListItems caps list attributes.
	AttrMaxStr       int
	AttrMaxKVStr     int
	AttrMaxListItems int
}

// DefaultConfig returns the forwarder defaults: 5s debounce, 30s per-run
// timeout, 10 step spans, 500/200 char caps and 5-item lists.
func DefaultConfig() Config {
	return Config{
		Protocol:          ProtocolHTTP,
		ServiceName:       "runlens-forwarder",
		Timeout:           10 * time.Second,
		Debounce:          5 * time.Second,
		RunTimeout:        30 * time.Second,
		MaxSyntheticSpans: 10,
		AttrMaxStr:        500,
		AttrMaxKVStr:      200,
		AttrMaxListItems:  5,
	}
}

// LoadConfig loads forwarder configuration from environment variables with
// fallback to the defaults above. Headers come from OTLP_FORWARDER_HEADERS as
// comma-separated key=value pairs.
func LoadConfig() Config {
	def := DefaultConfig()

	return Config{
		Endpoint:    config.GetEnvStr("OTLP_FORWARDER_ENDPOINT", ""),
		Protocol:    config.GetEnvStr("OTLP_FORWARDER_PROTOCOL", def.Protocol),
		ServiceName: config.GetEnvStr("OTLP_FORWARDER_SERVICE_NAME", def.ServiceName),
		Timeout:     config.GetEnvDuration("OTLP_FORWARDER_TIMEOUT", def.Timeout),
		Insecure:    config.GetEnvBool("OTLP_FORWARDER_INSECURE", false),
		Headers:     parseHeaders(config.GetEnvStr("OTLP_FORWARDER_HEADERS", "")),
		Debounce: time.Duration(
			config.GetEnvInt("FORWARDER_DEBOUNCE_SECONDS", int(def.Debounce/time.Second)),
		) * time.Second,
		RunTimeout: time.Duration(
			config.GetEnvInt("FORWARD_RUN_TIMEOUT_SECONDS", int(def.RunTimeout/time.Second)),
		) * time.Second,
		MaxSyntheticSpans: config.GetEnvInt("FORWARDER_MAX_SYNTHETIC_SPANS", def.MaxSyntheticSpans),
		AttrMaxStr:        config.GetEnvInt("FORWARDER_ATTR_MAX_STR", def.AttrMaxStr),
		AttrMaxKVStr:      config.GetEnvInt("FORWARDER_ATTR_MAX_KV_STR", def.AttrMaxKVStr),
		AttrMaxListItems:  config.GetEnvInt("FORWARDER_ATTR_MAX_LIST_ITEMS", def.AttrMaxListItems),
	}
}

// parseHeaders parses "k1=v1,k2=v2" into a header map. Malformed pairs are
// skipped. Returns nil for an empty input so the exporter omits the option.
func parseHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}

	headers := make(map[string]string)

	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			continue
		}

		headers[key] = value
	}

	if len(headers) == 0 {
		return nil
	}

	return headers
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.Protocol == "" {
		c.Protocol = def.Protocol
	}
	if c.ServiceName == "" {
		c.ServiceName = def.ServiceName
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = def.RunTimeout
	}
	if c.MaxSyntheticSpans <= 0 {
		c.MaxSyntheticSpans = def.MaxSyntheticSpans
	}
	if c.AttrMaxStr <= 0 {
		c.AttrMaxStr = def.AttrMaxStr
	}
	if c.AttrMaxKVStr <= 0 {
		c.AttrMaxKVStr = def.AttrMaxKVStr
	}
	if c.AttrMaxListItems <= 0 {
		c.AttrMaxListItems = def.AttrMaxListItems
	}

	return c
}
