// Package format writes fresh ODS-2 volumes: boot and home blocks, the index
// file with its bitmap and headers, the storage bitmap, and optionally a set
// of preallocated files.
//
// The builder allocates clusters sequentially. Files can be split into
// several non-adjacent fragments and their map pointers spread over
// extension headers, which is enough to exercise every mapping path.
package format

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/internal/telemetry"
	"github.com/marmos91/ods2/pkg/device"
	"github.com/marmos91/ods2/pkg/ods2/layout"
)

const (
	homeLBN  = 1
	ibmapLBN = 2
	ibmapVBN = 3

	// The index file is rounded up to this many blocks so the first chunk
	// read at mount, before the index header is known, stays mapped.
	indexAlign = 32

	// reservedFiles counts INDEXF.SYS and BITMAP.SYS.
	reservedFiles = 2

	// DefaultMaxFiles is the index file capacity when none is given.
	DefaultMaxFiles = 64
)

// Params describes the volume to build. Zero fields take their defaults:
// cluster 1, DefaultMaxFiles headers, a random serial number.
type Params struct {
	Label    string `mapstructure:"label" validate:"max=12" yaml:"label"`
	Owner    string `mapstructure:"owner" validate:"max=12" yaml:"owner,omitempty"`
	Cluster  uint16 `mapstructure:"cluster" yaml:"cluster"`
	MaxFiles uint32 `mapstructure:"max_files" yaml:"max_files"`
	Serial   uint32 `mapstructure:"serial" yaml:"serial,omitempty"`
	RVN      uint16 `mapstructure:"rvn" yaml:"rvn,omitempty"`
	SetCount uint16 `mapstructure:"set_count" yaml:"set_count,omitempty"`
}

// FileSpec describes a file to preallocate.
type FileSpec struct {
	// Name is stored in the header ident area.
	Name string

	// Blocks is the allocation. It defaults to the size of Data and is
	// rounded up to whole clusters.
	Blocks uint32

	// Data is written from VBN 1. The high-water mark is placed after it.
	Data []byte

	// Fragments splits the allocation into that many separate runs.
	Fragments int

	// PointersPerHeader limits the map pointers stored in one header;
	// further pointers go to extension headers.
	PointersPerHeader int
}

// FileInfo reports where a preallocated file landed.
type FileInfo struct {
	FID        layout.FID
	Extensions []layout.FID
	Runs       []layout.Retrieval
	HiBlock    uint32
}

// Builder accumulates a volume image and writes it to a device.
type Builder struct {
	dev    device.Device
	params Params
	home   layout.Home

	clusters   uint32
	ibmapSize  uint32
	nextFile   uint32
	nextLBN    uint32
	used       []bool
	blocks     map[uint32][]byte
	indexRuns  []layout.Retrieval
	bitmapRuns []layout.Retrieval
	bitmapVBNs uint32
	files      []FileInfo
}

// New plans a volume on dev. Nothing is written until Write.
func New(dev device.Device, p Params) (*Builder, error) {
	if p.Cluster == 0 {
		p.Cluster = 1
	}
	if p.MaxFiles == 0 {
		p.MaxFiles = DefaultMaxFiles
	}
	if p.Serial == 0 {
		p.Serial = uuid.New().ID()
	}
	if len(p.Label) > 12 || len(p.Owner) > 12 {
		return nil, fmt.Errorf("format: label and owner are limited to 12 characters")
	}

	blocks := dev.Blocks()
	cluster := uint32(p.Cluster)
	b := &Builder{
		dev:       dev,
		params:    p,
		clusters:  (blocks + cluster - 1) / cluster,
		ibmapSize: (p.MaxFiles + 4095) / 4096,
		nextFile:  reservedFiles + 1,
		blocks:    make(map[uint32][]byte),
	}
	b.used = make([]bool, b.clusters)

	indexBlocks := roundUp(2+b.ibmapSize+p.MaxFiles, indexAlign)
	indexBlocks = roundUp(indexBlocks, cluster)
	b.bitmapVBNs = 1 + (b.clusters+4095)/4096
	bitmapBlocks := roundUp(b.bitmapVBNs, cluster)
	if indexBlocks+bitmapBlocks > blocks {
		return nil, fmt.Errorf("format: %d blocks cannot hold index (%d) and bitmap (%d)", blocks, indexBlocks, bitmapBlocks)
	}

	// The index file starts at LBN 0 so its bitmap and headers sit at fixed
	// LBNs right after the boot and home blocks.
	b.indexRuns = []layout.Retrieval{{Count: indexBlocks, LBN: 0}}
	b.mark(0, indexBlocks)
	b.nextLBN = indexBlocks
	run, err := b.allocate(bitmapBlocks)
	if err != nil {
		return nil, err
	}
	b.bitmapRuns = []layout.Retrieval{run}

	b.home = layout.Home{
		HomeLBN:    homeLBN,
		AltHomeLBN: homeLBN,
		AltIdxLBN:  ibmapLBN + b.ibmapSize,
		StrucLev:   layout.StrucLevel2,
		Cluster:    p.Cluster,
		HomeVBN:    homeLBN + 1,
		AltHomeVBN: homeLBN + 1,
		AltIdxVBN:  uint16(ibmapVBN + b.ibmapSize),
		IBMapVBN:   ibmapVBN,
		IBMapLBN:   ibmapLBN,
		MaxFiles:   p.MaxFiles,
		IBMapSize:  uint16(b.ibmapSize),
		ResFiles:   reservedFiles,
		RVN:        p.RVN,
		SetCount:   p.SetCount,
		SerialNum:  p.Serial,
		StrucName:  p.Label,
		VolName:    p.Label,
		OwnerName:  p.Owner,
		Format:     layout.FormatName,
	}
	return b, nil
}

func roundUp(n, to uint32) uint32 {
	return (n + to - 1) / to * to
}

// Home returns the home block that will be written.
func (b *Builder) Home() layout.Home { return b.home }

// HeaderLBN returns the LBN holding the header of file number num.
func (b *Builder) HeaderLBN(num uint32) uint32 {
	return ibmapLBN + b.ibmapSize + num - 1
}

// Clusters returns the number of clusters on the volume.
func (b *Builder) Clusters() uint32 { return b.clusters }

// FreeClusters returns the clusters not allocated so far.
func (b *Builder) FreeClusters() uint32 {
	var n uint32
	for _, u := range b.used {
		if !u {
			n++
		}
	}
	return n
}

func (b *Builder) mark(lbn, count uint32) {
	cluster := uint32(b.params.Cluster)
	for c := lbn / cluster; c <= (lbn+count-1)/cluster && c < b.clusters; c++ {
		b.used[c] = true
	}
}

// allocate reserves count blocks, rounded to clusters, at the next free LBN.
func (b *Builder) allocate(count uint32) (layout.Retrieval, error) {
	cluster := uint32(b.params.Cluster)
	count = roundUp(count, cluster)
	lbn := roundUp(b.nextLBN, cluster)
	if uint64(lbn)+uint64(count) > uint64(b.dev.Blocks()) {
		return layout.Retrieval{}, fmt.Errorf("format: out of space allocating %d blocks", count)
	}
	b.mark(lbn, count)
	b.nextLBN = lbn + count
	return layout.Retrieval{Count: count, LBN: lbn}, nil
}

// AddFile preallocates a file and returns where it was placed.
func (b *Builder) AddFile(spec FileSpec) (FileInfo, error) {
	blocks := spec.Blocks
	if dataBlocks := uint32((len(spec.Data) + device.BlockSize - 1) / device.BlockSize); blocks < dataBlocks {
		blocks = dataBlocks
	}
	if blocks == 0 {
		blocks = 1
	}
	fragments := spec.Fragments
	if fragments < 1 {
		fragments = 1
	}
	if uint32(fragments) > blocks {
		return FileInfo{}, fmt.Errorf("format: %d fragments for %d blocks", fragments, blocks)
	}

	var runs []layout.Retrieval
	per, extra := blocks/uint32(fragments), blocks%uint32(fragments)
	for i := 0; i < fragments; i++ {
		n := per
		if uint32(i) < extra {
			n++
		}
		r, err := b.allocate(n)
		if err != nil {
			return FileInfo{}, err
		}
		runs = append(runs, r)
		// Leave a gap so fragments never merge back into one run.
		if i < fragments-1 {
			b.nextLBN += uint32(b.params.Cluster)
		}
	}

	info := FileInfo{Runs: runs}
	for _, r := range runs {
		info.HiBlock += r.Count
	}

	groups, err := splitPointers(runs, spec.PointersPerHeader)
	if err != nil {
		return FileInfo{}, err
	}
	fids := make([]layout.FID, len(groups))
	for i := range groups {
		if b.nextFile > b.params.MaxFiles {
			return FileInfo{}, fmt.Errorf("format: index file full (%d files)", b.params.MaxFiles)
		}
		fids[i] = layout.NewFID(b.nextFile, 1, 0)
		b.nextFile++
	}
	info.FID = fids[0]
	info.Extensions = fids[1:]

	highWater := uint32((len(spec.Data)+device.BlockSize-1)/device.BlockSize) + 1
	for i, words := range groups {
		h, err := b.header(fids[i])
		if err != nil {
			return FileInfo{}, err
		}
		h.SetSegNum(uint16(i))
		h.SetIdent(spec.Name)
		h.SetHiBlock(info.HiBlock)
		h.SetEOFBlock(uint32(len(spec.Data)/device.BlockSize) + 1)
		h.SetFirstFreeByte(uint16(len(spec.Data) % device.BlockSize))
		h.SetHighWater(highWater)
		if err := h.SetMap(words); err != nil {
			return FileInfo{}, err
		}
		if i+1 < len(fids) {
			h.SetExtFID(fids[i+1])
		}
		h.UpdateChecksum()
	}

	data := spec.Data
	for _, r := range runs {
		for i := uint32(0); i < r.Count; i++ {
			blk := make([]byte, device.BlockSize)
			data = data[copy(blk, data):]
			b.blocks[r.LBN+i] = blk
		}
	}

	b.files = append(b.files, info)
	return info, nil
}

// splitPointers encodes runs and groups them per header.
func splitPointers(runs []layout.Retrieval, perHeader int) ([][]uint16, error) {
	capacity := layout.StdACOffset - layout.StdMPOffset
	var groups [][]uint16
	var cur []uint16
	count := 0
	for _, r := range runs {
		words, err := layout.EncodePointer(r)
		if err != nil {
			return nil, err
		}
		if (perHeader > 0 && count == perHeader) || len(cur)+len(words) > capacity {
			groups = append(groups, cur)
			cur, count = nil, 0
		}
		cur = append(cur, words...)
		count++
	}
	return append(groups, cur), nil
}

// header returns a fresh header block for fid at its index file position.
func (b *Builder) header(fid layout.FID) (layout.Header, error) {
	blk := make([]byte, device.BlockSize)
	b.blocks[b.HeaderLBN(fid.FileNumber())] = blk
	return layout.InitHeader(blk, fid)
}

// Files returns the files added so far.
func (b *Builder) Files() []FileInfo { return b.files }

// Write writes the volume structures and file contents to the device.
func (b *Builder) Write(ctx context.Context) error {
	_, span := telemetry.StartVolumeSpan(ctx, telemetry.SpanFormat, nil, telemetry.Volume(b.params.Label))
	defer span.End()

	cluster := uint32(b.params.Cluster)
	index := b.indexRuns[0]
	for lbn := index.LBN; lbn < index.LBN+index.Count; lbn++ {
		if _, ok := b.blocks[lbn]; !ok {
			b.blocks[lbn] = make([]byte, device.BlockSize)
		}
	}

	if err := b.home.Encode(b.blocks[homeLBN]); err != nil {
		return err
	}

	// Index file bitmap: one bit per file number in use.
	for n := uint32(1); n < b.nextFile; n++ {
		setBit(b.blocks[ibmapLBN+(n-1)/4096], (n-1)%4096)
	}

	if err := b.reservedHeader(layout.FID{Num: layout.IndexFileNum, Seq: 1}, "INDEXF.SYS;1", b.indexRuns); err != nil {
		return err
	}
	if err := b.reservedHeader(layout.FID{Num: layout.BitmapFileNum, Seq: 2}, "BITMAP.SYS;1", b.bitmapRuns); err != nil {
		return err
	}

	bm := b.bitmapRuns[0]
	for i := uint32(0); i < bm.Count; i++ {
		b.blocks[bm.LBN+i] = make([]byte, device.BlockSize)
	}
	scb := layout.SCB{
		StrucLev: layout.StrucLevel2,
		Cluster:  b.params.Cluster,
		VolSize:  b.dev.Blocks(),
		BlkSize:  b.dev.Blocks(),
	}
	if err := scb.Encode(b.blocks[bm.LBN]); err != nil {
		return err
	}
	for c := uint32(0); c < b.clusters; c++ {
		if !b.used[c] {
			setBit(b.blocks[bm.LBN+1+c/4096], c%4096)
		}
	}

	lbns := make([]uint32, 0, len(b.blocks))
	for lbn := range b.blocks {
		lbns = append(lbns, lbn)
	}
	sort.Slice(lbns, func(i, j int) bool { return lbns[i] < lbns[j] })
	for _, lbn := range lbns {
		if err := b.dev.WriteBlocks(lbn, b.blocks[lbn]); err != nil {
			return fmt.Errorf("format: write lbn %d: %w", lbn, err)
		}
	}
	if s, ok := b.dev.(device.Syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("format: sync: %w", err)
		}
	}

	logger.InfoCtx(ctx, "volume formatted",
		logger.Volume(b.params.Label), logger.Blocks(b.dev.Blocks()),
		logger.KeyCluster, cluster, logger.KeyMaxClusters, b.clusters, logger.KeyFreeClusters, b.FreeClusters())
	return nil
}

func (b *Builder) reservedHeader(fid layout.FID, name string, runs []layout.Retrieval) error {
	h, err := b.header(fid)
	if err != nil {
		return err
	}
	words, err := layout.EncodeMap(runs)
	if err != nil {
		return err
	}
	var hi uint32
	for _, r := range runs {
		hi += r.Count
	}
	h.SetIdent(name)
	h.SetHiBlock(hi)
	h.SetEOFBlock(hi + 1)
	h.SetHighWater(hi + 1)
	if err := h.SetMap(words); err != nil {
		return err
	}
	h.UpdateChecksum()
	return nil
}

func setBit(block []byte, bit uint32) {
	block[bit/8] |= 1 << (bit % 8)
}

// Format builds an empty volume on dev.
func Format(ctx context.Context, dev device.Device, p Params) (*Builder, error) {
	b, err := New(dev, p)
	if err != nil {
		return nil, err
	}
	return b, b.Write(ctx)
}
