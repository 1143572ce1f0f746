package telemetry

import (
	"fmt"
	"os"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"
)

// Protocol selects the transport used to reach the collector.
type Protocol string

const (
	// ProtocolGRPC exports over OTLP/gRPC (collector port 4317).
	ProtocolGRPC Protocol = "grpc"
	// ProtocolHTTP exports over OTLP/HTTP (collector port 4318).
	ProtocolHTTP Protocol = "http"
	// ProtocolStdout writes spans to stdout and skips the log exporter.
	// Development only.
	ProtocolStdout Protocol = "stdout"
)

// MetricsExporter selects how metric samples leave the process.
type MetricsExporter string

const (
	// MetricsOTLP pushes samples to the collector on a periodic reader.
	MetricsOTLP MetricsExporter = "otlp"
	// MetricsPrometheus exposes samples for scraping; pair with
	// Pipeline.PrometheusHandler on a /metrics route.
	MetricsPrometheus MetricsExporter = "prometheus"
)

// BatchConfig bounds the export buffers shared by all three signals.
// A batch is flushed when it fills or when FlushInterval elapses,
// whichever comes first.
type BatchConfig struct {
	MaxBatchSize  int
	MaxQueueSize  int
	FlushInterval time.Duration
}

// RetryConfig bounds the export retry path. After MaxFailures
// consecutive failed batches the breaker opens and batches are dropped
// until RecoveryTime has passed.
type RetryConfig struct {
	MaxElapsed   time.Duration
	MaxFailures  int
	RecoveryTime time.Duration
}

// HealthConfig schedules the health-to-metrics bridge.
type HealthConfig struct {
	Period       time.Duration
	InitialDelay time.Duration
	ProbeTimeout time.Duration
}

// Config configures the telemetry pipeline.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// InstanceID identifies this process instance. Defaults to a
	// random UUID when empty.
	InstanceID string

	Endpoint string
	Protocol Protocol
	Insecure bool

	MetricsExporter MetricsExporter

	Batch       BatchConfig
	ExportRetry RetryConfig
	Health      HealthConfig

	// ShutdownGracePeriod bounds the final flush on Shutdown. Records
	// not flushed within the deadline are discarded.
	ShutdownGracePeriod time.Duration

	// Sampler overrides the trace sampling policy. Defaults to
	// ParentBased(AlwaysSample); instrumentation call sites never see
	// the difference when it is swapped.
	Sampler sdktrace.Sampler

	// CardinalityLimits caps distinct values per tag key. Values past
	// the cap are collapsed to "other".
	CardinalityLimits map[string]int

	// ExtraAttributes are appended to the resource in the given order.
	ExtraAttributes []Attribute
}

// Attribute is one resource-level key/value pair.
type Attribute struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// Profile names a pre-configured telemetry setup.
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileStaging     Profile = "staging"
	ProfileProduction  Profile = "production"
)

// Profiles contains the pre-configured setups. Production assumes an
// in-cluster collector; override Endpoint via config file or env.
var Profiles = map[Profile]Config{
	ProfileDevelopment: {
		Environment:     "development",
		Endpoint:        "localhost:4318",
		Protocol:        ProtocolStdout,
		Insecure:        true,
		MetricsExporter: MetricsPrometheus,
		Batch:           BatchConfig{MaxBatchSize: 128, MaxQueueSize: 1024, FlushInterval: 2 * time.Second},
		ExportRetry:     RetryConfig{MaxElapsed: 5 * time.Second, MaxFailures: 5, RecoveryTime: 10 * time.Second},
		Health:          HealthConfig{Period: 10 * time.Second, InitialDelay: 2 * time.Second, ProbeTimeout: 3 * time.Second},
	},
	ProfileStaging: {
		Environment:     "staging",
		Endpoint:        "otel-collector.staging:4318",
		Protocol:        ProtocolHTTP,
		Insecure:        true,
		MetricsExporter: MetricsOTLP,
		Batch:           BatchConfig{MaxBatchSize: 512, MaxQueueSize: 2048, FlushInterval: 5 * time.Second},
		ExportRetry:     RetryConfig{MaxElapsed: 15 * time.Second, MaxFailures: 10, RecoveryTime: 15 * time.Second},
		Health:          HealthConfig{Period: 15 * time.Second, InitialDelay: 5 * time.Second, ProbeTimeout: 5 * time.Second},
	},
	ProfileProduction: {
		Environment:     "production",
		Endpoint:        "otel-collector.prod:4317",
		Protocol:        ProtocolGRPC,
		Insecure:        true,
		MetricsExporter: MetricsOTLP,
		Batch:           BatchConfig{MaxBatchSize: 512, MaxQueueSize: 4096, FlushInterval: 5 * time.Second},
		ExportRetry:     RetryConfig{MaxElapsed: 30 * time.Second, MaxFailures: 10, RecoveryTime: 30 * time.Second},
		Health:          HealthConfig{Period: 30 * time.Second, InitialDelay: 10 * time.Second, ProbeTimeout: 5 * time.Second},
		CardinalityLimits: map[string]int{
			"route":  200,
			"method": 10,
			"check":  50,
			"status": 10,
		},
	},
}

// UseProfile returns the configuration for a profile, falling back to
// development for unknown names.
func UseProfile(profile Profile) Config {
	if config, ok := Profiles[profile]; ok {
		return config
	}
	return Profiles[ProfileDevelopment]
}

// WithOverrides applies the non-zero fields of overrides on top of c.
func (c Config) WithOverrides(overrides Config) Config {
	if overrides.ServiceName != "" {
		c.ServiceName = overrides.ServiceName
	}
	if overrides.ServiceVersion != "" {
		c.ServiceVersion = overrides.ServiceVersion
	}
	if overrides.Environment != "" {
		c.Environment = overrides.Environment
	}
	if overrides.InstanceID != "" {
		c.InstanceID = overrides.InstanceID
	}
	if overrides.Endpoint != "" {
		c.Endpoint = overrides.Endpoint
	}
	if overrides.Protocol != "" {
		c.Protocol = overrides.Protocol
	}
	if overrides.Insecure {
		c.Insecure = true
	}
	if overrides.MetricsExporter != "" {
		c.MetricsExporter = overrides.MetricsExporter
	}
	if overrides.Batch.MaxBatchSize > 0 {
		c.Batch.MaxBatchSize = overrides.Batch.MaxBatchSize
	}
	if overrides.Batch.MaxQueueSize > 0 {
		c.Batch.MaxQueueSize = overrides.Batch.MaxQueueSize
	}
	if overrides.Batch.FlushInterval > 0 {
		c.Batch.FlushInterval = overrides.Batch.FlushInterval
	}
	if overrides.ExportRetry.MaxElapsed > 0 {
		c.ExportRetry.MaxElapsed = overrides.ExportRetry.MaxElapsed
	}
	if overrides.ExportRetry.MaxFailures > 0 {
		c.ExportRetry.MaxFailures = overrides.ExportRetry.MaxFailures
	}
	if overrides.ExportRetry.RecoveryTime > 0 {
		c.ExportRetry.RecoveryTime = overrides.ExportRetry.RecoveryTime
	}
	if overrides.Health.Period > 0 {
		c.Health.Period = overrides.Health.Period
	}
	if overrides.Health.InitialDelay > 0 {
		c.Health.InitialDelay = overrides.Health.InitialDelay
	}
	if overrides.Health.ProbeTimeout > 0 {
		c.Health.ProbeTimeout = overrides.Health.ProbeTimeout
	}
	if overrides.ShutdownGracePeriod > 0 {
		c.ShutdownGracePeriod = overrides.ShutdownGracePeriod
	}
	if overrides.Sampler != nil {
		c.Sampler = overrides.Sampler
	}
	if overrides.CardinalityLimits != nil {
		c.CardinalityLimits = overrides.CardinalityLimits
	}
	if len(overrides.ExtraAttributes) > 0 {
		c.ExtraAttributes = overrides.ExtraAttributes
	}
	return c
}

// fileConfig is the YAML shape of Config. Durations are strings
// ("5s", "1m") parsed with time.ParseDuration.
type fileConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	InstanceID     string `yaml:"instance_id"`

	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"`
	Insecure bool   `yaml:"insecure"`

	MetricsExporter string `yaml:"metrics_exporter"`

	Batch struct {
		MaxBatchSize  int    `yaml:"max_batch_size"`
		MaxQueueSize  int    `yaml:"max_queue_size"`
		FlushInterval string `yaml:"flush_interval"`
	} `yaml:"batch"`

	ExportRetry struct {
		MaxElapsed   string `yaml:"max_elapsed"`
		MaxFailures  int    `yaml:"max_failures"`
		RecoveryTime string `yaml:"recovery_time"`
	} `yaml:"export_retry"`

	Health struct {
		Period       string `yaml:"period"`
		InitialDelay string `yaml:"initial_delay"`
		ProbeTimeout string `yaml:"probe_timeout"`
	} `yaml:"health"`

	ShutdownGracePeriod string         `yaml:"shutdown_grace_period"`
	CardinalityLimits   map[string]int `yaml:"cardinality_limits"`
	ExtraAttributes     []Attribute    `yaml:"extra_attributes"`
}

// LoadConfig reads a YAML config file and applies it over the named
// profile's defaults. Environment variables take final precedence:
// OTEL_SERVICE_NAME and OTEL_EXPORTER_OTLP_ENDPOINT override the file.
func LoadConfig(path string, profile Profile) (Config, error) {
	cfg := UseProfile(profile)

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	overrides := Config{
		ServiceName:     fc.ServiceName,
		ServiceVersion:  fc.ServiceVersion,
		Environment:     fc.Environment,
		InstanceID:      fc.InstanceID,
		Endpoint:        fc.Endpoint,
		Protocol:        Protocol(fc.Protocol),
		Insecure:        fc.Insecure,
		MetricsExporter: MetricsExporter(fc.MetricsExporter),
		Batch: BatchConfig{
			MaxBatchSize: fc.Batch.MaxBatchSize,
			MaxQueueSize: fc.Batch.MaxQueueSize,
		},
		ExportRetry: RetryConfig{
			MaxFailures: fc.ExportRetry.MaxFailures,
		},
		CardinalityLimits: fc.CardinalityLimits,
		ExtraAttributes:   fc.ExtraAttributes,
	}

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.Batch.FlushInterval, &overrides.Batch.FlushInterval},
		{fc.ExportRetry.MaxElapsed, &overrides.ExportRetry.MaxElapsed},
		{fc.ExportRetry.RecoveryTime, &overrides.ExportRetry.RecoveryTime},
		{fc.Health.Period, &overrides.Health.Period},
		{fc.Health.InitialDelay, &overrides.Health.InitialDelay},
		{fc.Health.ProbeTimeout, &overrides.Health.ProbeTimeout},
		{fc.ShutdownGracePeriod, &overrides.ShutdownGracePeriod},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("invalid duration %q in %s: %w", d.raw, path, err)
		}
		*d.dst = parsed
	}

	cfg = cfg.WithOverrides(overrides)
	return applyEnv(cfg), nil
}

// applyEnv applies the standard OTEL environment overrides.
func applyEnv(cfg Config) Config {
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		cfg.ServiceName = name
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	return cfg
}

// withDefaults fills the gaps a hand-built Config may leave.
func (c Config) withDefaults() Config {
	base := UseProfile(ProfileDevelopment)
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = base.Environment
	}
	if c.Endpoint == "" {
		c.Endpoint = base.Endpoint
	}
	if c.Protocol == "" {
		c.Protocol = base.Protocol
	}
	if c.MetricsExporter == "" {
		c.MetricsExporter = base.MetricsExporter
	}
	if c.Batch.MaxBatchSize == 0 {
		c.Batch.MaxBatchSize = base.Batch.MaxBatchSize
	}
	if c.Batch.MaxQueueSize == 0 {
		c.Batch.MaxQueueSize = base.Batch.MaxQueueSize
	}
	if c.Batch.FlushInterval == 0 {
		c.Batch.FlushInterval = base.Batch.FlushInterval
	}
	if c.ExportRetry.MaxElapsed == 0 {
		c.ExportRetry.MaxElapsed = base.ExportRetry.MaxElapsed
	}
	if c.ExportRetry.MaxFailures == 0 {
		c.ExportRetry.MaxFailures = base.ExportRetry.MaxFailures
	}
	if c.ExportRetry.RecoveryTime == 0 {
		c.ExportRetry.RecoveryTime = base.ExportRetry.RecoveryTime
	}
	if c.Health.Period == 0 {
		c.Health.Period = base.Health.Period
	}
	if c.Health.InitialDelay == 0 {
		c.Health.InitialDelay = base.Health.InitialDelay
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = base.Health.ProbeTimeout
	}
	if c.ShutdownGracePeriod == 0 {
		c.ShutdownGracePeriod = 10 * time.Second
	}
	return c
}
