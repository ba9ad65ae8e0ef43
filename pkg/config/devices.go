package config

import (
	"context"
	"fmt"

	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/pkg/device"
	"github.com/marmos91/ods2/pkg/device/badger"
	"github.com/marmos91/ods2/pkg/device/image"
	"github.com/marmos91/ods2/pkg/device/memory"
	"github.com/marmos91/ods2/pkg/device/s3"
	"github.com/marmos91/ods2/pkg/metrics"
	"github.com/mitchellh/mapstructure"
)

// OpenDevices opens every configured device and registers it under its name.
// On failure the devices opened so far are closed.
func OpenDevices(ctx context.Context, cfg *Config) (*device.Registry, error) {
	reg := device.NewRegistry()
	for _, dc := range cfg.Devices {
		dev, err := OpenDevice(ctx, dc)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("device %q: %w", dc.Name, err)
		}
		if err := reg.Register(dc.Name, dev); err != nil {
			_ = dev.Close()
			_ = reg.Close()
			return nil, err
		}
	}
	logger.Debug("devices opened", logger.KeyCount, len(cfg.Devices))
	return reg, nil
}

// OpenDevice opens one device and wraps it with metrics when they are
// enabled.
func OpenDevice(ctx context.Context, dc DeviceConfig) (device.Device, error) {
	var (
		dev device.Device
		err error
	)
	switch dc.Type {
	case "memory":
		dev, err = createMemoryDevice(dc)
	case "image":
		dev, err = createImageDevice(dc)
	case "badger":
		dev, err = createBadgerDevice(dc)
	case "s3":
		dev, err = createS3Device(ctx, dc)
	default:
		return nil, fmt.Errorf("unknown device type: %q", dc.Type)
	}
	if err != nil {
		return nil, err
	}
	return device.Instrument(dev, metrics.NewDeviceMetrics(dc.Type, dc.Name)), nil
}

func createMemoryDevice(dc DeviceConfig) (device.Device, error) {
	blocks := dc.Size.Blocks()
	if blocks == 0 || blocks > uint64(^uint32(0)) {
		return nil, fmt.Errorf("memory device size %s out of range", dc.Size)
	}
	return memory.New(uint32(blocks)), nil
}

func createImageDevice(dc DeviceConfig) (device.Device, error) {
	// Create is on by default so "format" can target a missing image.
	opts := image.Options{Create: !dc.ReadOnly}
	if err := decodeOptions(dc.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid image config: %w", err)
	}
	if dc.ReadOnly {
		opts.ReadOnly = true
		opts.Create = false
	}
	if opts.Blocks == 0 {
		opts.Blocks = uint32(dc.Size.Blocks())
	}
	return image.Open(dc.Path, opts)
}

func createBadgerDevice(dc DeviceConfig) (device.Device, error) {
	opts := badger.Options{Path: dc.Path}
	if err := decodeOptions(dc.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid badger config: %w", err)
	}
	opts.ReadOnly = opts.ReadOnly || dc.ReadOnly
	if opts.Blocks == 0 {
		opts.Blocks = uint32(dc.Size.Blocks())
	}
	return badger.Open(opts)
}

func createS3Device(ctx context.Context, dc DeviceConfig) (device.Device, error) {
	var cfg s3.Config
	if err := decodeOptions(dc.Options, &cfg); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}
	cfg.ReadOnly = cfg.ReadOnly || dc.ReadOnly
	if cfg.Blocks == 0 {
		cfg.Blocks = uint32(dc.Size.Blocks())
	}
	return s3.NewFromConfig(ctx, cfg)
}

// decodeOptions decodes backend options with the same hooks as the config
// file, so durations and sizes may be written as strings.
func decodeOptions(in map[string]any, out any) error {
	if len(in) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       configDecodeHooks(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
