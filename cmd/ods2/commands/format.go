package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/marmos91/ods2/internal/bytesize"
	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/pkg/config"
	"github.com/marmos91/ods2/pkg/ods2/format"
	"github.com/spf13/cobra"
)

var (
	formatBlocks   uint32
	formatCluster  uint16
	formatLabel    string
	formatOwner    string
	formatMaxFiles uint32
	formatFiles    []string
)

var formatCmd = &cobra.Command{
	Use:   "format <device>",
	Short: "Build a fresh volume on a device",
	Long: `Write an empty ODS-2 volume (home block, index file, storage bitmap) to a
device, optionally preloading files from the local filesystem.

Defaults come from the "format" section of the configuration.

Examples:
  # 1 MiB scratch image with 4-block clusters
  ods2 --device dka0=image:scratch.img format dka0 --blocks 2048 --cluster 4

  # Preload two files, the second split into three fragments
  ods2 format dka0 --file README.TXT=./README --file DATA.BIN=./data.bin:3`,
	Args: cobra.ExactArgs(1),
	RunE: runFormat,
}

func init() {
	f := formatCmd.Flags()
	f.Uint32Var(&formatBlocks, "blocks", 0, "device size in blocks (new images and memory devices)")
	f.Uint16Var(&formatCluster, "cluster", 0, "cluster factor in blocks")
	f.StringVar(&formatLabel, "label", "", "volume label (max 12 characters)")
	f.StringVar(&formatOwner, "owner", "", "volume owner (max 12 characters)")
	f.Uint32Var(&formatMaxFiles, "maxfiles", 0, "index file capacity in headers")
	f.StringArrayVar(&formatFiles, "file", nil, "preload NAME=path[:fragments] (repeatable)")
}

// formatResult is what "format" prints.
type formatResult struct {
	Device       string            `json:"device" yaml:"device"`
	Label        string            `json:"label" yaml:"label"`
	Blocks       uint32            `json:"blocks" yaml:"blocks"`
	Cluster      uint16            `json:"cluster" yaml:"cluster"`
	MaxFiles     uint32            `json:"max_files" yaml:"max_files"`
	Clusters     uint32            `json:"clusters" yaml:"clusters"`
	FreeClusters uint32            `json:"free_clusters" yaml:"free_clusters"`
	Files        map[string]string `json:"files,omitempty" yaml:"files,omitempty"`
}

func (r formatResult) Pairs() [][2]string {
	pairs := [][2]string{
		{"Device", r.Device},
		{"Label", r.Label},
		{"Size", fmt.Sprintf("%d blocks (%s)", r.Blocks, bytesize.FromBlocks(uint64(r.Blocks)))},
		{"Cluster", strconv.Itoa(int(r.Cluster))},
		{"Max files", strconv.FormatUint(uint64(r.MaxFiles), 10)},
		{"Clusters", fmt.Sprintf("%d (%d free)", r.Clusters, r.FreeClusters)},
	}
	for name, fid := range r.Files {
		pairs = append(pairs, [2]string{name, fid})
	}
	return pairs
}

func runFormat(cmd *cobra.Command, args []string) error {
	name := args[0]
	dc, ok := cfg.Device(name)
	if !ok {
		return fmt.Errorf("unknown device %q", name)
	}
	if formatBlocks != 0 {
		dc.Size = bytesize.FromBlocks(uint64(formatBlocks))
	}

	params := cfg.Format
	if formatLabel != "" {
		params.Label = strings.ToUpper(formatLabel)
	}
	if formatOwner != "" {
		params.Owner = formatOwner
	}
	if formatCluster != 0 {
		params.Cluster = formatCluster
	}
	if formatMaxFiles != 0 {
		params.MaxFiles = formatMaxFiles
	}

	specs, err := parseFileSpecs(formatFiles)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	dev, err := config.OpenDevice(ctx, dc)
	if err != nil {
		return fmt.Errorf("device %q: %w", name, err)
	}
	defer func() { _ = dev.Close() }()

	b, err := format.New(dev, params)
	if err != nil {
		return err
	}
	res := formatResult{
		Device:   name,
		Label:    params.Label,
		Blocks:   dev.Blocks(),
		Cluster:  b.Home().Cluster,
		MaxFiles: b.Home().MaxFiles,
		Clusters: b.Clusters(),
		Files:    make(map[string]string),
	}
	for _, spec := range specs {
		info, err := b.AddFile(spec)
		if err != nil {
			return fmt.Errorf("preload %s: %w", spec.Name, err)
		}
		res.Files[spec.Name] = info.FID.String()
		logger.Debug("file preloaded", logger.FID(info.FID.Num, info.FID.Seq, info.FID.RVN), logger.Blocks(info.HiBlock))
	}
	if err := b.Write(ctx); err != nil {
		return err
	}
	res.FreeClusters = b.FreeClusters()

	p, err := newPrinter()
	if err != nil {
		return err
	}
	return p.Print(res)
}

// parseFileSpecs reads NAME=path[:fragments] preload definitions.
func parseFileSpecs(defs []string) ([]format.FileSpec, error) {
	specs := make([]format.FileSpec, 0, len(defs))
	for _, def := range defs {
		name, path, ok := strings.Cut(def, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid --file %q: want NAME=path[:fragments]", def)
		}
		spec := format.FileSpec{Name: strings.ToUpper(name)}
		if i := strings.LastIndex(path, ":"); i > 0 {
			if n, err := strconv.Atoi(path[i+1:]); err == nil {
				spec.Fragments, path = n, path[:i]
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		spec.Data = data
		specs = append(specs, spec)
	}
	return specs, nil
}
