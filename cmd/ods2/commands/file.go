package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/internal/telemetry"
	"github.com/marmos91/ods2/pkg/device"
	"github.com/marmos91/ods2/pkg/ods2"
	"github.com/marmos91/ods2/pkg/ods2/layout"
	"github.com/spf13/cobra"
)

var (
	catBlocks uint32
	catRaw    bool
	putEOF    bool
)

var statCmd = &cobra.Command{
	Use:   "stat <device> <num,seq[,rvn]>",
	Short: "Show the header of a file",
	Args:  cobra.ExactArgs(2),
	RunE:  runStat,
}

var extentsCmd = &cobra.Command{
	Use:   "extents <device> <num,seq[,rvn]>",
	Short: "Show the VBN to LBN map of a file",
	Args:  cobra.ExactArgs(2),
	RunE:  runExtents,
}

var catCmd = &cobra.Command{
	Use:   "cat <device> <num,seq[,rvn]>",
	Short: "Write the contents of a file to stdout",
	Long: `Write the contents of a file to stdout, up to its end-of-file mark.

Use --blocks to dump a fixed number of blocks instead, and --raw to keep
the tail of the last block.

Examples:
  ods2 cat dka0 3,1 > readme.txt
  ods2 cat dka0 1,1 --blocks 4 --raw | xxd`,
	Args: cobra.ExactArgs(2),
	RunE: runCat,
}

var putCmd = &cobra.Command{
	Use:   "put <device> <num,seq[,rvn]> <vbn> <file>",
	Short: "Write local data into file blocks",
	Long: `Write the contents of a local file into blocks of an existing file,
starting at the given virtual block number. The blocks must already be
allocated; the file is never extended.

Examples:
  ods2 put dka0 3,1 1 ./readme.txt --eof`,
	Args: cobra.ExactArgs(4),
	RunE: runPut,
}

var rmCmd = &cobra.Command{
	Use:   "rm <device> <num,seq[,rvn]>",
	Short: "Delete a file and release its clusters",
	Args:  cobra.ExactArgs(2),
	RunE:  runRm,
}

func init() {
	catCmd.Flags().Uint32Var(&catBlocks, "blocks", 0, "number of blocks to dump (default: up to end of file)")
	catCmd.Flags().BoolVar(&catRaw, "raw", false, "write whole blocks")
	putCmd.Flags().BoolVar(&putEOF, "eof", false, "move the end-of-file mark to the end of the data")
}

// headerSummary is what "stat" prints.
type headerSummary struct {
	FID           string `json:"fid" yaml:"fid"`
	Name          string `json:"name" yaml:"name"`
	Segment       uint16 `json:"segment" yaml:"segment"`
	Extension     string `json:"extension,omitempty" yaml:"extension,omitempty"`
	HiBlock       uint32 `json:"hiblk" yaml:"hiblk"`
	EOFBlock      uint32 `json:"efblk" yaml:"efblk"`
	FirstFreeByte uint16 `json:"ffbyte" yaml:"ffbyte"`
	HighWater     uint32 `json:"highwater" yaml:"highwater"`
	Size          uint64 `json:"size" yaml:"size"`
	FileChar      uint32 `json:"filechar" yaml:"filechar"`
	MarkedDelete  bool   `json:"marked_for_delete" yaml:"marked_for_delete"`
}

func (h headerSummary) Pairs() [][2]string {
	pairs := [][2]string{
		{"File ID", h.FID},
		{"Name", h.Name},
		{"Segment", strconv.Itoa(int(h.Segment))},
		{"Allocated", fmt.Sprintf("%d blocks", h.HiBlock)},
		{"End of file", fmt.Sprintf("block %d byte %d (%d bytes)", h.EOFBlock, h.FirstFreeByte, h.Size)},
		{"High water", strconv.FormatUint(uint64(h.HighWater), 10)},
		{"Characteristics", fmt.Sprintf("%#x", h.FileChar)},
	}
	if h.Extension != "" {
		pairs = append(pairs, [2]string{"Extension", h.Extension})
	}
	if h.MarkedDelete {
		pairs = append(pairs, [2]string{"Marked for delete", "yes"})
	}
	return pairs
}

func summarize(f *ods2.File) headerSummary {
	head := f.Header()
	s := headerSummary{
		FID:           head.FID().String(),
		Name:          head.Ident(),
		Segment:       head.SegNum(),
		HiBlock:       f.HiBlock(),
		EOFBlock:      f.EOFBlock(),
		FirstFreeByte: f.FirstFreeByte(),
		HighWater:     f.HighWater(),
		Size:          f.Size(),
		FileChar:      head.FileChar(),
		MarkedDelete:  head.MarkedForDelete(),
	}
	if head.HasExtension() {
		s.Extension = head.ExtFID().String()
	}
	return s
}

// fileArgs parses "<device> <fid>".
func fileArgs(args []string) (string, layout.FID, error) {
	fid, err := parseFID(args[1])
	return args[0], fid, err
}

func runStat(cmd *cobra.Command, args []string) error {
	name, fid, err := fileArgs(args)
	if err != nil {
		return err
	}
	p, err := newPrinter()
	if err != nil {
		return err
	}

	ctx, span := telemetry.StartFileSpan(cmd.Context(), telemetry.SpanFileOpen, fid.Num, fid.Seq, fid.RVN)
	defer span.End()

	var sum headerSummary
	err = withVolume(ctx, []string{name}, false, func(v *ods2.Volume) error {
		return withFile(v, fid, false, func(f *ods2.File) error {
			sum = summarize(f)
			return nil
		})
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	return p.Print(sum)
}

// extentTable renders a file map one run per row.
type extentTable []ods2.Mapping

func (t extentTable) Headers() []string { return []string{"VBN", "LBN", "Count", "RVN"} }

func (t extentTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, m := range t {
		rows = append(rows, []string{
			strconv.FormatUint(uint64(m.VBN), 10),
			strconv.FormatUint(uint64(m.LBN), 10),
			strconv.FormatUint(uint64(m.Count), 10),
			strconv.Itoa(m.RVN),
		})
	}
	return rows
}

func runExtents(cmd *cobra.Command, args []string) error {
	name, fid, err := fileArgs(args)
	if err != nil {
		return err
	}
	p, err := newPrinter()
	if err != nil {
		return err
	}

	var table extentTable
	err = withVolume(cmd.Context(), []string{name}, false, func(v *ods2.Volume) error {
		return withFile(v, fid, false, func(f *ods2.File) error {
			m, err := f.Map()
			table = m
			return err
		})
	})
	if err != nil {
		return err
	}
	return p.Print(table)
}

// catChunk is the number of blocks read per call.
const catChunk = 64

func runCat(cmd *cobra.Command, args []string) error {
	name, fid, err := fileArgs(args)
	if err != nil {
		return err
	}
	ctx, span := telemetry.StartFileSpan(cmd.Context(), telemetry.SpanFileRead, fid.Num, fid.Seq, fid.RVN)
	defer span.End()

	out := cmd.OutOrStdout()
	err = withVolume(ctx, []string{name}, false, func(v *ods2.Volume) error {
		return withFile(v, fid, false, func(f *ods2.File) error {
			return copyOut(ctx, out, f)
		})
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
	}
	return err
}

// copyOut streams the file to w, up to --blocks or the end-of-file mark.
func copyOut(ctx context.Context, w io.Writer, f *ods2.File) error {
	blocks := catBlocks
	limit := uint64(0)
	if blocks == 0 {
		size := f.Size()
		blocks = uint32((size + device.BlockSize - 1) / device.BlockSize)
		if !catRaw {
			limit = size
		}
	}
	if blocks > f.HiBlock() {
		blocks = f.HiBlock()
	}
	telemetry.SetAttributes(ctx, telemetry.Blocks(blocks))

	var written uint64
	for vbn := uint32(1); vbn <= blocks; vbn += catChunk {
		n := min(uint32(catChunk), blocks-vbn+1)
		data, err := f.Read(vbn, n)
		if err != nil {
			return err
		}
		if limit != 0 && written+uint64(len(data)) > limit {
			data = data[:limit-written]
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		written += uint64(len(data))
	}
	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	name, fid, err := fileArgs(args)
	if err != nil {
		return err
	}
	vbn, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil || vbn == 0 {
		return fmt.Errorf("invalid vbn %q", args[2])
	}
	data, err := os.ReadFile(args[3])
	if err != nil {
		return err
	}

	ctx, span := telemetry.StartFileSpan(cmd.Context(), telemetry.SpanFileWrite, fid.Num, fid.Seq, fid.RVN,
		telemetry.VBN(uint32(vbn)))
	defer span.End()

	err = withVolume(ctx, []string{name}, true, func(v *ods2.Volume) error {
		err := withFile(v, fid, true, func(f *ods2.File) error {
			if err := f.Write(uint32(vbn), data); err != nil {
				return err
			}
			if putEOF {
				end := (vbn-1)*device.BlockSize + uint64(len(data))
				return f.SetEOF(uint32(end/device.BlockSize)+1, uint16(end%device.BlockSize))
			}
			return nil
		})
		if err == nil {
			v.Flush(ctx)
		}
		return err
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	logger.Info("data written", logger.FID(fid.Num, fid.Seq, fid.RVN), logger.VBN(uint32(vbn)), logger.KeyBytes, len(data))
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	name, fid, err := fileArgs(args)
	if err != nil {
		return err
	}
	ctx, span := telemetry.StartFileSpan(cmd.Context(), telemetry.SpanFileDelete, fid.Num, fid.Seq, fid.RVN)
	defer span.End()

	err = withVolume(ctx, []string{name}, true, func(v *ods2.Volume) error {
		before := v.FreeClusters(1)
		err := withFile(v, fid, true, func(f *ods2.File) error {
			return f.MarkForDelete()
		})
		if err == nil {
			logger.Info("file deleted", logger.FID(fid.Num, fid.Seq, fid.RVN),
				logger.KeyFreeClusters, v.FreeClusters(1), "released", v.FreeClusters(1)-before)
		}
		return err
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
	}
	return err
}
