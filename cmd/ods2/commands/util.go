package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/marmos91/ods2/internal/bytesize"
	"github.com/marmos91/ods2/internal/cli/output"
	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/pkg/cache"
	"github.com/marmos91/ods2/pkg/config"
	"github.com/marmos91/ods2/pkg/device"
	"github.com/marmos91/ods2/pkg/metrics"
	"github.com/marmos91/ods2/pkg/ods2"
	"github.com/marmos91/ods2/pkg/ods2/layout"
	"github.com/mattn/go-isatty"
)

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// parseDeviceFlag parses name=type:path[@size]. For memory devices the path
// is the size.
func parseDeviceFlag(spec string) (config.DeviceConfig, error) {
	name, rest, ok := strings.Cut(spec, "=")
	if !ok || name == "" {
		return config.DeviceConfig{}, fmt.Errorf("invalid --device %q: want name=type:path[@size]", spec)
	}
	typ, path, ok := strings.Cut(rest, ":")
	if !ok {
		return config.DeviceConfig{}, fmt.Errorf("invalid --device %q: missing type", spec)
	}
	dc := config.DeviceConfig{Name: name, Type: strings.ToLower(typ)}

	if dc.Type == "memory" && !strings.Contains(path, "@") {
		path = "@" + path
	}
	if i := strings.LastIndex(path, "@"); i >= 0 {
		size, err := bytesize.ParseByteSize(path[i+1:])
		if err != nil {
			return config.DeviceConfig{}, fmt.Errorf("invalid --device %q: %w", spec, err)
		}
		dc.Size, path = size, path[:i]
	}

	switch dc.Type {
	case "memory":
	case "s3":
		bucket, prefix, _ := strings.Cut(path, "/")
		dc.Options = map[string]any{"bucket": bucket, "prefix": prefix}
	default:
		dc.Path = path
	}
	return dc, nil
}

// deviceNames returns args, or the configured mount devices when args is
// empty.
func deviceNames(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(cfg.Mount.Devices) == 0 {
		return nil, fmt.Errorf("no device given and mount.devices is empty")
	}
	return cfg.Mount.Devices, nil
}

// openRegistry opens only the named devices, so a command never touches
// backends it does not use.
func openRegistry(ctx context.Context, names []string) (*device.Registry, error) {
	reg := device.NewRegistry()
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := reg.Lookup(name); err == nil {
			continue
		}
		dc, ok := cfg.Device(name)
		if !ok {
			_ = reg.Close()
			return nil, fmt.Errorf("unknown device %q", name)
		}
		dev, err := config.OpenDevice(ctx, dc)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("device %q: %w", name, err)
		}
		if err := reg.Register(name, dev); err != nil {
			_ = dev.Close()
			_ = reg.Close()
			return nil, err
		}
	}
	return reg, nil
}

// session is a mounted volume together with the registry it came from.
type session struct {
	reg *device.Registry
	vol *ods2.Volume
}

// mount opens the named devices, or the configured mount devices when names
// is empty, and mounts them as one volume set.
func mount(ctx context.Context, names []string, write bool) (*session, error) {
	names, err := deviceNames(names)
	if err != nil {
		return nil, err
	}
	reg, err := openRegistry(ctx, names)
	if err != nil {
		return nil, err
	}
	label := strings.Join(names, ",")
	vol, err := ods2.Mount(ctx, reg, names, ods2.Options{
		Write:       write || cfg.Volume.Write,
		ChunkBlocks: cfg.Volume.ChunkBlocks,
		ExtentCap:   cfg.Volume.ExtentCap,
		CacheOptions: cache.Options{
			Limit:     cfg.Cache.Limit,
			Goal:      cfg.Cache.Goal,
			Imbalance: cfg.Cache.Imbalance,
			Metrics:   metrics.NewCacheMetrics(label),
		},
	})
	if err != nil {
		_ = reg.Close()
		return nil, err
	}
	return &session{reg: reg, vol: vol}, nil
}

// close dismounts the volume and closes the devices.
func (s *session) close(ctx context.Context) error {
	err := s.vol.Dismount(ctx)
	if cerr := s.reg.Close(); err == nil {
		err = cerr
	}
	return err
}

// withVolume mounts names, runs fn and dismounts, reporting the first error.
func withVolume(ctx context.Context, names []string, write bool, fn func(*ods2.Volume) error) error {
	s, err := mount(ctx, names, write)
	if err != nil {
		return err
	}
	err = fn(s.vol)
	if cerr := s.close(ctx); err == nil {
		err = cerr
	}
	return err
}

// withFile opens fid on the volume, runs fn and closes the file.
func withFile(v *ods2.Volume, fid layout.FID, write bool, fn func(*ods2.File) error) error {
	f, err := v.OpenFile(fid, write)
	if err != nil {
		return err
	}
	err = fn(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func newPrinter() (*output.Printer, error) {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	color := isatty.IsTerminal(os.Stdout.Fd())
	return output.NewPrinter(os.Stdout, format, color), nil
}

func parseFID(s string) (layout.FID, error) {
	fid, err := layout.ParseFID(s)
	if err != nil {
		return layout.FID{}, err
	}
	if fid.FileNumber() == 0 {
		return layout.FID{}, fmt.Errorf("invalid file id %q: file number zero", s)
	}
	return fid, nil
}
