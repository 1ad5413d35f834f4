package otel

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Protocol is the OTLP transport.
type Protocol string

const (
	ProtocolGRPC         Protocol = "grpc"
	ProtocolHTTPProtobuf Protocol = "http/protobuf"
	ProtocolHTTPJSON     Protocol = "http/json"
)

type SignalType string

const (
	SignalTraces  SignalType = "traces"
	SignalMetrics SignalType = "metrics"
)

// ExporterConfig is the resolved OTLP exporter setup for one signal.
type ExporterConfig struct {
	Endpoint    string
	Protocol    Protocol
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	Compression string
}

const defaultTimeout = 10 * time.Second

func IsTracingEnabled() bool {
	return isTrue(os.Getenv("OTEL_TRACING_ENABLED"))
}

func IsMetricsEnabled() bool {
	return isTrue(os.Getenv("OTEL_METRICS_ENABLED"))
}

// GetExporterConfig resolves the standard OTEL_EXPORTER_OTLP_* variables for
// signal. Signal-specific variables win over the shared ones.
func GetExporterConfig(signal SignalType) ExporterConfig {
	return resolveExporterConfig(signal, os.Getenv)
}

func resolveExporterConfig(signal SignalType, getenv func(string) string) ExporterConfig {
	env := signalEnv{signal: strings.ToUpper(string(signal)), getenv: getenv}

	protocol := parseProtocol(env.lookup("PROTOCOL"))
	endpoint := env.endpoint(signal, protocol)

	insecure := strings.HasPrefix(endpoint, "http://")
	if v := env.lookup("INSECURE"); v != "" {
		insecure = isTrue(v)
	}

	return ExporterConfig{
		Endpoint:    endpoint,
		Protocol:    protocol,
		Headers:     parseHeaders(env.lookup("HEADERS")),
		Timeout:     parseTimeout(env.lookup("TIMEOUT")),
		Insecure:    insecure,
		Compression: env.lookup("COMPRESSION"),
	}
}

type signalEnv struct {
	signal string
	getenv func(string) string
}

// lookup reads OTEL_EXPORTER_OTLP_<SIGNAL>_<name>, then OTEL_EXPORTER_OTLP_<name>.
func (e signalEnv) lookup(name string) string {
	if v := e.getenv("OTEL_EXPORTER_OTLP_" + e.signal + "_" + name); v != "" {
		return v
	}
	return e.getenv("OTEL_EXPORTER_OTLP_" + name)
}

// endpoint uses a signal endpoint as given and appends /v1/<signal> to a
// shared HTTP endpoint.
func (e signalEnv) endpoint(signal SignalType, protocol Protocol) string {
	if v := e.getenv("OTEL_EXPORTER_OTLP_" + e.signal + "_ENDPOINT"); v != "" {
		return normalizeEndpoint(v, protocol)
	}
	if v := e.getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		return appendSignalPath(normalizeEndpoint(v, protocol), signal, protocol)
	}
	if protocol == ProtocolGRPC {
		return "localhost:4317"
	}
	return "http://localhost:4318/v1/" + string(signal)
}

func parseProtocol(s string) Protocol {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "grpc":
		return ProtocolGRPC
	case "http/json":
		return ProtocolHTTPJSON
	default:
		return ProtocolHTTPProtobuf
	}
}

func normalizeEndpoint(endpoint string, protocol Protocol) string {
	if protocol == ProtocolGRPC {
		return grpcTarget(endpoint)
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return endpoint
}

func appendSignalPath(endpoint string, signal SignalType, protocol Protocol) string {
	if protocol == ProtocolGRPC {
		return endpoint
	}

	signalPath := "/v1/" + string(signal)
	u, err := url.Parse(endpoint)
	if err != nil {
		return strings.TrimSuffix(endpoint, "/") + signalPath
	}
	if strings.HasSuffix(u.Path, signalPath) {
		return endpoint
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + signalPath
	return u.String()
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// parseHeaders reads "k1=v1,k2=v2". Values are kept verbatim since
// Authorization values may contain '='.
func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		idx := strings.Index(pair, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(pair[:idx])
		headers[key] = pair[idx+1:]
		slog.Debug("Parsed OTEL header", "key", key, "value_length", len(pair)-idx-1)
	}
	return headers
}

// parseTimeout accepts a Go duration or plain milliseconds.
func parseTimeout(s string) time.Duration {
	if s == "" {
		return defaultTimeout
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultTimeout
}
