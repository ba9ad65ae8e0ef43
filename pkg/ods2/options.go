package ods2

import (
	"github.com/marmos91/ods2/pkg/cache"
)

const (
	// DefaultChunkBlocks is the number of blocks buffered per chunk.
	DefaultChunkBlocks = 16

	// MaxChunkBlocks bounds the chunk size by the width of the write masks.
	MaxChunkBlocks = 32

	// DefaultExtentCap is the number of extents a single window may hold.
	DefaultExtentCap = 20

	// HomeScanLimit is the last LBN searched for a home block.
	HomeScanLimit = 100

	// defaultHiBlock is the file size assumed until a header is read.
	defaultHiBlock = 100000
)

// Options configures a mount.
type Options struct {
	// Write mounts the volume for writing and opens the storage bitmap.
	Write bool

	// ChunkBlocks is the chunk size in blocks, 1 to MaxChunkBlocks.
	ChunkBlocks int

	// ExtentCap is the maximum number of extents per window.
	ExtentCap int

	// Cache, when set, is shared with other volumes. Otherwise the volume
	// builds a private cache from CacheOptions.
	Cache *cache.Cache

	// CacheOptions configures the private cache.
	CacheOptions cache.Options
}

func (o Options) withDefaults() Options {
	if o.ChunkBlocks <= 0 {
		o.ChunkBlocks = DefaultChunkBlocks
	}
	if o.ChunkBlocks > MaxChunkBlocks {
		o.ChunkBlocks = MaxChunkBlocks
	}
	if o.ExtentCap <= 0 {
		o.ExtentCap = DefaultExtentCap
	}
	return o
}
