package config

import (
	"strings"
	"time"

	"github.com/marmos91/ods2/pkg/cache"
	"github.com/marmos91/ods2/pkg/ods2"
	"github.com/marmos91/ods2/pkg/ods2/format"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyCacheDefaults(&cfg.Cache)
	applyVolumeDefaults(&cfg.Volume)
	applyDeviceDefaults(cfg.Devices)
	applyFormatDefaults(&cfg.Format)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	// Commands write their results to stdout.
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Default endpoint is localhost:4317 (standard OTLP gRPC port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "alloc_space", "inuse_space", "goroutines"}
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Address == "" {
		cfg.Address = "127.0.0.1:9090"
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Limit == 0 {
		cfg.Limit = cache.DefaultLimit
	}
	if cfg.Goal == 0 {
		cfg.Goal = cache.DefaultGoal
	}
	if cfg.Imbalance == 0 {
		cfg.Imbalance = cache.DefaultImbalance
	}
}

func applyVolumeDefaults(cfg *VolumeConfig) {
	if cfg.ChunkBlocks == 0 {
		cfg.ChunkBlocks = ods2.DefaultChunkBlocks
	}
	if cfg.ExtentCap == 0 {
		cfg.ExtentCap = ods2.DefaultExtentCap
	}
}

func applyDeviceDefaults(devs []DeviceConfig) {
	for i := range devs {
		devs[i].Type = strings.ToLower(devs[i].Type)
	}
}

func applyFormatDefaults(p *format.Params) {
	if p.Label == "" {
		p.Label = "ODS2VOL"
	}
	if p.Cluster == 0 {
		p.Cluster = 1
	}
	if p.MaxFiles == 0 {
		p.MaxFiles = format.DefaultMaxFiles
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
// It backs the sample file written by InitConfig and the tool's behavior
// when no configuration file exists.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
