package otel

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const ServiceName = "bustracker"

// Version is set at build time:
// go build -ldflags="-X bustracker/pkg/otel.Version=1.2.3"
var Version = "dev"

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// instanceID prefers OTEL_SERVICE_INSTANCE_ID, then the hostname.
func instanceID() string {
	if id := os.Getenv("OTEL_SERVICE_INSTANCE_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("%s-%d", ServiceName, os.Getpid())
}

// NewResource describes this process for both the tracer and meter
// providers. OTEL_SERVICE_NAME and OTEL_RESOURCE_ATTRIBUTES are honoured.
func NewResource() (*resource.Resource, error) {
	return resource.New(context.Background(),
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithProcess(),
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(Version),
			semconv.ServiceNamespace(envOr("OTEL_SERVICE_NAMESPACE", ServiceName)),
			semconv.ServiceInstanceID(instanceID()),
			semconv.DeploymentEnvironment(envOr("OTEL_DEPLOYMENT_ENVIRONMENT", "production")),
			semconv.ProcessRuntimeName("go"),
			semconv.ProcessRuntimeVersion(runtime.Version()),
			semconv.TelemetrySDKName("opentelemetry"),
			semconv.TelemetrySDKLanguageGo,
			semconv.TelemetrySDKVersion("1.21.0"),
		),
	)
}
