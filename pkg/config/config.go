// Package config loads the ods2 tool configuration from a YAML file, the
// environment and built-in defaults, and turns the device section into a
// populated device registry.
package config

import (
	"time"

	"github.com/marmos91/ods2/internal/bytesize"
	"github.com/marmos91/ods2/internal/telemetry"
	"github.com/marmos91/ods2/pkg/ods2/format"
)

// Config is the root configuration.
//
// Example YAML:
//
//	logging:
//	  level: INFO
//	cache:
//	  limit: 256
//	volume:
//	  chunk_blocks: 16
//	devices:
//	  - name: dka0
//	    type: image
//	    path: /var/lib/ods2/dka0.img
//	mount:
//	  devices: [dka0]
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry contains OpenTelemetry tracing and Pyroscope profiling settings
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Cache sizes the object cache shared by every volume the tool mounts
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Volume holds mount options
	Volume VolumeConfig `mapstructure:"volume" yaml:"volume"`

	// Devices lists the block devices known by name
	Devices []DeviceConfig `mapstructure:"devices" validate:"dive" yaml:"devices"`

	// Mount names the devices used when a command is given none
	Mount MountConfig `mapstructure:"mount" yaml:"mount"`

	// Format holds the defaults of "ods2 format"
	Format format.Params `mapstructure:"format" yaml:"format"`

	// ShutdownTimeout bounds telemetry and metrics shutdown
	// Default: 10s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When disabled, a no-op tracer is used.
type TelemetryConfig struct {
	// Enabled controls whether tracing is active
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint
	// Default: "localhost:4317"
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// Insecure disables TLS on the collector connection
	// Default: false
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the fraction of traces sampled, 0.0 to 1.0
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`

	// Profiling configures Pyroscope continuous profiling
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether profiling is active
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// ProfileTypes lists the profiles to collect
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig controls the Prometheus endpoint. Metrics cost nothing
// while disabled.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected and served
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Address is the listen address of the /metrics endpoint
	// Default: "127.0.0.1:9090"
	Address string `mapstructure:"address" validate:"omitempty,hostname_port" yaml:"address"`
}

// CacheConfig sizes the object cache.
type CacheConfig struct {
	// Limit is the number of unreferenced objects that triggers a purge
	// Default: 256
	Limit int `mapstructure:"limit" validate:"gte=0" yaml:"limit"`

	// Goal is the number of unreferenced objects a purge leaves behind
	// Default: 128
	Goal int `mapstructure:"goal" validate:"gte=0" yaml:"goal"`

	// Imbalance is the subtree size difference that triggers a rotation
	// Default: 5
	Imbalance int `mapstructure:"imbalance" validate:"gte=0" yaml:"imbalance"`
}

// VolumeConfig holds mount options.
type VolumeConfig struct {
	// ChunkBlocks is the number of blocks buffered per chunk, 1 to 32
	// Default: 16
	ChunkBlocks int `mapstructure:"chunk_blocks" validate:"gte=0,lte=32" yaml:"chunk_blocks"`

	// ExtentCap is the number of extents a window may hold
	// Default: 20
	ExtentCap int `mapstructure:"extent_cap" validate:"gte=0" yaml:"extent_cap"`

	// Write mounts volumes for writing by default
	Write bool `mapstructure:"write" yaml:"write"`
}

// DeviceConfig defines one named block device.
type DeviceConfig struct {
	// Name is the device name volumes are mounted by
	Name string `mapstructure:"name" validate:"required" yaml:"name"`

	// Type selects the backend: memory, image, badger or s3
	Type string `mapstructure:"type" validate:"required,oneof=memory image badger s3" yaml:"type"`

	// Path is the image file (image) or database directory (badger)
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// Size is the device size for new devices. Supports "1MiB", "2048blk"
	// or a byte count; it is rounded up to whole blocks.
	Size bytesize.ByteSize `mapstructure:"size" yaml:"size,omitempty"`

	// ReadOnly opens the device read-only
	ReadOnly bool `mapstructure:"read_only" yaml:"read_only,omitempty"`

	// Options holds backend-specific settings, decoded into the backend's
	// own options type
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// MountConfig names the default devices of a mount, in RVN order.
type MountConfig struct {
	Devices []string `mapstructure:"devices" yaml:"devices,omitempty"`
}

// TracingConfig converts the telemetry section for telemetry.Init.
func (c TelemetryConfig) TracingConfig(version string) telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Enabled,
		ServiceName:    "ods2",
		ServiceVersion: version,
		Endpoint:       c.Endpoint,
		Insecure:       c.Insecure,
		SampleRate:     c.SampleRate,
	}
}

// ProfilerConfig converts the profiling section for telemetry.InitProfiling.
func (c ProfilingConfig) ProfilerConfig(version string) telemetry.ProfilingConfig {
	return telemetry.ProfilingConfig{
		Enabled:        c.Enabled,
		ServiceName:    "ods2",
		ServiceVersion: version,
		Endpoint:       c.Endpoint,
		ProfileTypes:   c.ProfileTypes,
	}
}

// Device returns the named device definition.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
