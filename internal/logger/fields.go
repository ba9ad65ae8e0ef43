package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that volume,
// file and block activity can be correlated in log aggregation.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Volume & Device
	// ========================================================================
	KeyVolume  = "volume"  // Volume label
	KeyDevice  = "device"  // Device name as registered
	KeyRVN     = "rvn"     // Relative volume number within a volume set
	KeyWrite   = "write"   // Mounted or opened for writing
	KeyCommand = "command" // CLI command being executed

	// ========================================================================
	// Files & Blocks
	// ========================================================================
	KeyFID    = "fid"    // File identifier (num,seq,rvn)
	KeySeg    = "seg"    // Header segment number
	KeyVBN    = "vbn"    // Virtual block number within a file
	KeyLBN    = "lbn"    // Logical block number on a device
	KeyBlocks = "blocks" // Number of blocks
	KeyBytes  = "bytes"  // Number of bytes

	// ========================================================================
	// Cache Layer
	// ========================================================================
	KeyHash     = "hash"     // Cache hash value
	KeyRefcount = "refcount" // Reference count
	KeyCount    = "count"    // Object count
	KeyFree     = "free"     // Free object count
	KeyChunk    = "chunk"    // Chunk base VBN
	KeyMask     = "mask"     // Block bitmask within a chunk

	// ========================================================================
	// Space Allocation
	// ========================================================================
	KeyCluster      = "cluster"       // Cluster factor in blocks
	KeyFreeClusters = "free_clusters" // Free clusters in the storage bitmap
	KeyMaxClusters  = "max_clusters"  // Clusters on the device

	// ========================================================================
	// Storage Backend
	// ========================================================================
	KeyBackend = "backend" // Device backend: memory, image, badger, s3
	KeyPath    = "path"    // Local file path
	KeyBucket  = "bucket"  // Cloud bucket name (S3)
	KeyKey     = "key"     // Object key in cloud storage
	KeyRegion  = "region"  // Cloud region

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyStatus     = "status"      // Status code name
	KeyOperation  = "operation"   // Sub-operation name
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// Volume returns a slog.Attr for a volume label
func Volume(label string) slog.Attr {
	return slog.String(KeyVolume, label)
}

// Device returns a slog.Attr for a device name
func Device(name string) slog.Attr {
	return slog.String(KeyDevice, name)
}

// RVN returns a slog.Attr for a relative volume number
func RVN(rvn int) slog.Attr {
	return slog.Int(KeyRVN, rvn)
}

// FID returns a slog.Attr for a file identifier in (num,seq,rvn) form
func FID(num, seq uint16, rvn uint8) slog.Attr {
	return slog.String(KeyFID, fmt.Sprintf("(%d,%d,%d)", num, seq, rvn))
}

// VBN returns a slog.Attr for a virtual block number
func VBN(vbn uint32) slog.Attr {
	return slog.Uint64(KeyVBN, uint64(vbn))
}

// LBN returns a slog.Attr for a logical block number
func LBN(lbn uint32) slog.Attr {
	return slog.Uint64(KeyLBN, uint64(lbn))
}

// Blocks returns a slog.Attr for a block count
func Blocks(n uint32) slog.Attr {
	return slog.Uint64(KeyBlocks, uint64(n))
}

// Mask returns a slog.Attr rendering a chunk bitmask in hex
func Mask(m uint32) slog.Attr {
	return slog.String(KeyMask, fmt.Sprintf("0x%08x", m))
}

// Backend returns a slog.Attr for a device backend type
func Backend(t string) slog.Attr {
	return slog.String(KeyBackend, t)
}

// DurationMs returns a slog.Attr for operation duration
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error, or an empty attr (dropped by
// handlers) when err is nil
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
