package config

import (
	"strings"
	"testing"

	"github.com/marmos91/ods2/internal/bytesize"
)

func validConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.Devices = []DeviceConfig{
		{Name: "dka0", Type: "image", Path: "/tmp/dka0.img"},
		{Name: "mem0", Type: "memory", Size: bytesize.FromBlocks(100)},
	}
	cfg.Mount.Devices = []string{"dka0", "", "mem0"}
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("Expected valid config, got: %v", err)
	}
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid log level", func(c *Config) { c.Logging.Level = "VERBOSE" }, "Level"},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }, "Format"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 1.5 }, "SampleRate"},
		{"telemetry without endpoint", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Endpoint = ""
		}, "Endpoint"},
		{"metrics address", func(c *Config) { c.Metrics.Address = "not an address" }, "Address"},
		{"chunk blocks", func(c *Config) { c.Volume.ChunkBlocks = 33 }, "ChunkBlocks"},
		{"goal above limit", func(c *Config) { c.Cache.Goal = c.Cache.Limit + 1 }, "goal"},
		{"unknown device type", func(c *Config) { c.Devices[0].Type = "tape" }, "Type"},
		{"missing device name", func(c *Config) { c.Devices[0].Name = "" }, "Name"},
		{"duplicate device", func(c *Config) { c.Devices[1].Name = "dka0" }, "duplicate"},
		{"image without path", func(c *Config) { c.Devices[0].Path = "" }, "requires path"},
		{"memory without size", func(c *Config) { c.Devices[1].Size = 0 }, "requires size"},
		{"badger without path", func(c *Config) {
			c.Devices = append(c.Devices, DeviceConfig{Name: "kv", Type: "badger"})
		}, "in_memory"},
		{"s3 without bucket", func(c *Config) {
			c.Devices = append(c.Devices, DeviceConfig{Name: "obj", Type: "s3"})
		}, "bucket"},
		{"unknown mount device", func(c *Config) { c.Mount.Devices = []string{"dkb0"} }, "unknown device"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_BadgerInMemory(t *testing.T) {
	cfg := validConfig()
	cfg.Devices = append(cfg.Devices, DeviceConfig{
		Name:    "kv",
		Type:    "badger",
		Options: map[string]any{"in_memory": true},
	})
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected in-memory badger device to be valid, got: %v", err)
	}
}

func TestValidate_LogLevelNormalization(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "debug"
	ApplyDefaults(cfg)
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level 'DEBUG', got %q", cfg.Logging.Level)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid config after normalization, got: %v", err)
	}
}

func TestValidate_FormatLabel(t *testing.T) {
	cfg := validConfig()
	cfg.Format.Label = "MUCHTOOLONGLABEL"
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "Format.Label") {
		t.Errorf("Expected Format.Label error, got: %v", err)
	}
}
