package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys recorded on volume, file and device spans.
const (
	AttrVolume  = "ods2.volume"
	AttrDevice  = "ods2.device"
	AttrDevices = "ods2.devices"
	AttrRVN     = "ods2.rvn"
	AttrWrite   = "ods2.write"

	AttrFID    = "ods2.fid"
	AttrVBN    = "ods2.vbn"
	AttrLBN    = "ods2.lbn"
	AttrBlocks = "ods2.blocks"
	AttrStatus = "ods2.status"

	AttrBackend = "storage.backend"
	AttrBucket  = "storage.bucket"
	AttrKey     = "storage.key"
)

// Span names.
const (
	SpanMount      = "volume.mount"
	SpanDismount   = "volume.dismount"
	SpanFlush      = "volume.flush"
	SpanFileOpen   = "file.open"
	SpanFileRead   = "file.read"
	SpanFileWrite  = "file.write"
	SpanFileDelete = "file.delete"
	SpanFormat     = "volume.format"
)

// Volume returns an attribute for a volume label
func Volume(label string) attribute.KeyValue {
	return attribute.String(AttrVolume, label)
}

// Device returns an attribute for a device name
func Device(name string) attribute.KeyValue {
	return attribute.String(AttrDevice, name)
}

// Devices returns an attribute for the ordered device list of a volume set
func Devices(names []string) attribute.KeyValue {
	return attribute.StringSlice(AttrDevices, names)
}

// RVN returns an attribute for a relative volume number
func RVN(rvn int) attribute.KeyValue {
	return attribute.Int(AttrRVN, rvn)
}

// Write returns an attribute recording write access
func Write(w bool) attribute.KeyValue {
	return attribute.Bool(AttrWrite, w)
}

// FID returns an attribute for a file identifier
func FID(num, seq uint16, rvn uint8) attribute.KeyValue {
	return attribute.String(AttrFID, fmt.Sprintf("(%d,%d,%d)", num, seq, rvn))
}

// VBN returns an attribute for a virtual block number
func VBN(vbn uint32) attribute.KeyValue {
	return attribute.Int64(AttrVBN, int64(vbn))
}

// LBN returns an attribute for a logical block number
func LBN(lbn uint32) attribute.KeyValue {
	return attribute.Int64(AttrLBN, int64(lbn))
}

// Blocks returns an attribute for a block count
func Blocks(n uint32) attribute.KeyValue {
	return attribute.Int64(AttrBlocks, int64(n))
}

// Status returns an attribute for a status code name
func Status(code string) attribute.KeyValue {
	return attribute.String(AttrStatus, code)
}

// Backend returns an attribute for a device backend type
func Backend(t string) attribute.KeyValue {
	return attribute.String(AttrBackend, t)
}

// Bucket returns an attribute for S3 bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for S3 object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// StartVolumeSpan starts a span for a volume operation (mount, dismount, ...).
func StartVolumeSpan(ctx context.Context, name string, devices []string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{Devices(devices)}, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(all...))
}

// StartFileSpan starts a span for an operation on one file.
func StartFileSpan(ctx context.Context, name string, num, seq uint16, rvn uint8, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{FID(num, seq, rvn)}, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(all...))
}

// StartDeviceSpan starts a span for a backend I/O request.
func StartDeviceSpan(ctx context.Context, backend, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{Backend(backend)}, attrs...)
	return StartSpan(ctx, "device."+op, trace.WithAttributes(all...))
}
