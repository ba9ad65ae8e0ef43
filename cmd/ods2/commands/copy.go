package commands

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/marmos91/ods2/internal/bytesize"
	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/pkg/config"
	"github.com/marmos91/ods2/pkg/device"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	copyWorkers int
	copySegment uint32
	copySparse  bool
)

var copyCmd = &cobra.Command{
	Use:   "copy <src> <dst>",
	Short: "Copy every block of one device to another",
	Long: `Copy a device block for block, for example an image file into an S3
bucket. Segments are copied in parallel. A destination without a configured
size is created with the size of the source.

Examples:
  ods2 --device img=image:disk.img --device obj=s3:my-bucket/volumes/disk copy img obj
  ods2 copy dka0 dka1 --workers 8 --sparse`,
	Args: cobra.ExactArgs(2),
	RunE: runCopy,
}

func init() {
	copyCmd.Flags().IntVar(&copyWorkers, "workers", runtime.NumCPU(), "number of parallel segment copies")
	copyCmd.Flags().Uint32Var(&copySegment, "segment", 256, "blocks per segment")
	copyCmd.Flags().BoolVar(&copySparse, "sparse", false, "skip all-zero segments (destination must read as zero)")
}

// copyResult is what "copy" prints.
type copyResult struct {
	Source      string  `json:"source" yaml:"source"`
	Destination string  `json:"destination" yaml:"destination"`
	Blocks      uint32  `json:"blocks" yaml:"blocks"`
	Segments    int64   `json:"segments" yaml:"segments"`
	Skipped     int64   `json:"skipped" yaml:"skipped"`
	DurationMs  float64 `json:"duration_ms" yaml:"duration_ms"`
}

func (r copyResult) Pairs() [][2]string {
	return [][2]string{
		{"Source", r.Source},
		{"Destination", r.Destination},
		{"Copied", fmt.Sprintf("%d blocks (%s)", r.Blocks, bytesize.FromBlocks(uint64(r.Blocks)))},
		{"Segments", fmt.Sprintf("%d (%d skipped)", r.Segments, r.Skipped)},
		{"Duration", strconv.FormatFloat(r.DurationMs, 'f', 1, 64) + "ms"},
	}
}

func runCopy(cmd *cobra.Command, args []string) error {
	if copySegment == 0 || copyWorkers < 1 {
		return fmt.Errorf("--segment and --workers must be positive")
	}
	ctx := cmd.Context()

	srcCfg, ok := cfg.Device(args[0])
	if !ok {
		return fmt.Errorf("unknown device %q", args[0])
	}
	dstCfg, ok := cfg.Device(args[1])
	if !ok {
		return fmt.Errorf("unknown device %q", args[1])
	}
	srcCfg.ReadOnly = true

	src, err := config.OpenDevice(ctx, srcCfg)
	if err != nil {
		return fmt.Errorf("device %q: %w", args[0], err)
	}
	defer func() { _ = src.Close() }()

	if dstCfg.Size == 0 {
		dstCfg.Size = bytesize.FromBlocks(uint64(src.Blocks()))
	}
	dst, err := config.OpenDevice(ctx, dstCfg)
	if err != nil {
		return fmt.Errorf("device %q: %w", args[1], err)
	}
	defer func() { _ = dst.Close() }()

	start := time.Now()
	res, err := copyBlocks(ctx, src, dst, copySegment, copyWorkers, copySparse)
	if err != nil {
		return err
	}
	res.Source, res.Destination = args[0], args[1]
	res.DurationMs = logger.Duration(start)

	p, err := newPrinter()
	if err != nil {
		return err
	}
	return p.Print(res)
}

// copyBlocks copies src to dst in segments of seg blocks using up to
// workers goroutines, then syncs dst.
func copyBlocks(ctx context.Context, src, dst device.Device, seg uint32, workers int, sparse bool) (copyResult, error) {
	total := src.Blocks()
	if dst.Blocks() < total {
		return copyResult{}, fmt.Errorf("destination holds %d blocks, source needs %d", dst.Blocks(), total)
	}
	if dst.ReadOnly() {
		return copyResult{}, device.ErrReadOnly
	}

	var segments, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lbn := uint32(0); lbn < total; lbn += seg {
		if gctx.Err() != nil {
			break
		}
		n := min(seg, total-lbn)
		g.Go(func() error {
			buf := make([]byte, n*device.BlockSize)
			if err := src.ReadBlocks(lbn, buf); err != nil {
				return fmt.Errorf("read lbn %d: %w", lbn, err)
			}
			segments.Add(1)
			if sparse && allZero(buf) {
				skipped.Add(1)
				return nil
			}
			if err := dst.WriteBlocks(lbn, buf); err != nil {
				return fmt.Errorf("write lbn %d: %w", lbn, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return copyResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return copyResult{}, err
	}

	if s, ok := dst.(device.Syncer); ok {
		if err := s.Sync(); err != nil {
			return copyResult{}, fmt.Errorf("sync destination: %w", err)
		}
	}
	logger.Debug("copy finished", logger.KeyBlocks, total, logger.KeyCount, segments.Load())
	return copyResult{Blocks: total, Segments: segments.Load(), Skipped: skipped.Load()}, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
