package telemetry

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// newResource builds the resource stamped on every span, metric sample
// and log record emitted by the pipeline. It is constructed once at
// startup and shared by reference by all three signal providers.
func newResource(cfg Config) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("invalid telemetry config: service name is required")
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
		semconv.ServiceInstanceID(instanceID),
	}
	for _, extra := range cfg.ExtraAttributes {
		attrs = append(attrs, attribute.String(extra.Key, extra.Value))
	}

	// The merged resource must declare the same schema URL as
	// resource.Default(), otherwise resource.Merge reports a conflict.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(resource.Default().SchemaURL(), attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
