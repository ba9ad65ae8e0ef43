// Package s3 implements a block device stored as fixed-size segment objects
// in an S3 bucket.
//
// The device is split into segments of SegmentBlocks blocks; segment i lives
// at <prefix>seg/<i as 8 hex digits>. Missing segments read as zeros, so a new
// device costs nothing until written. Partial segment writes are done by
// read-modify-write under a per-segment lock. Geometry is recorded in a JSON
// manifest at <prefix>device.json.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/marmos91/ods2/internal/logger"
	"github.com/marmos91/ods2/internal/telemetry"
	"github.com/marmos91/ods2/pkg/device"
)

const (
	// DefaultSegmentBlocks is 1 MiB per segment object.
	DefaultSegmentBlocks = 2048

	// DefaultTimeout bounds each S3 request.
	DefaultTimeout = 30 * time.Second

	manifestName = "device.json"
	lockStripes  = 64
)

// API is the subset of the S3 client used by the device.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures an S3 device.
type Config struct {
	Bucket          string        `mapstructure:"bucket" validate:"required"`
	Prefix          string        `mapstructure:"prefix"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	ForcePathStyle  bool          `mapstructure:"force_path_style"`
	MaxRetries      int           `mapstructure:"max_retries"`
	SegmentBlocks   uint32        `mapstructure:"segment_blocks"`
	Blocks          uint32        `mapstructure:"blocks"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ReadOnly        bool          `mapstructure:"read_only"`
}

// manifest is the persisted device geometry.
type manifest struct {
	ID            string `json:"id"`
	Blocks        uint32 `json:"blocks"`
	SegmentBlocks uint32 `json:"segment_blocks"`
}

// Device is an S3-backed block device.
type Device struct {
	client   API
	bucket   string
	prefix   string
	timeout  time.Duration
	readOnly bool

	id        string
	blocks    uint32
	segBlocks uint32

	locks [lockStripes]sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// NewFromConfig builds an S3 client from cfg and opens the device.
func NewFromConfig(ctx context.Context, cfg Config) (*Device, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 device requires bucket to be set")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxRetries))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle || cfg.Endpoint != ""
	})
	return New(ctx, client, cfg)
}

// New opens a device using an existing client. When the manifest exists its
// geometry wins over cfg; otherwise cfg.Blocks must be set and a manifest is
// written.
func New(ctx context.Context, client API, cfg Config) (*Device, error) {
	d := &Device{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		timeout:   cfg.Timeout,
		readOnly:  cfg.ReadOnly,
		segBlocks: cfg.SegmentBlocks,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.segBlocks == 0 {
		d.segBlocks = DefaultSegmentBlocks
	}

	m, err := d.loadManifest(ctx)
	switch {
	case err == nil:
		d.id, d.blocks, d.segBlocks = m.ID, m.Blocks, m.SegmentBlocks
	case errors.Is(err, errNoObject):
		if cfg.Blocks == 0 {
			return nil, fmt.Errorf("s3 device %s/%s: no manifest and blocks not set", d.bucket, d.prefix)
		}
		if d.readOnly {
			return nil, fmt.Errorf("s3 device %s/%s: cannot initialize read-only device", d.bucket, d.prefix)
		}
		d.id, d.blocks = uuid.NewString(), cfg.Blocks
		if err := d.saveManifest(ctx); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	logger.Debug("s3 device opened",
		logger.KeyBucket, d.bucket, logger.KeyKey, d.prefix,
		logger.KeyBlocks, d.blocks, "segment_blocks", d.segBlocks)
	return d, nil
}

var errNoObject = errors.New("s3: object does not exist")

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (d *Device) segmentKey(seg uint32) string {
	return fmt.Sprintf("%sseg/%08x", d.prefix, seg)
}

func (d *Device) loadManifest(ctx context.Context) (manifest, error) {
	var m manifest
	data, err := d.get(ctx, d.prefix+manifestName, "")
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("s3 device manifest: %w", err)
	}
	if m.Blocks == 0 || m.SegmentBlocks == 0 {
		return m, fmt.Errorf("s3 device manifest: invalid geometry %+v", m)
	}
	return m, nil
}

func (d *Device) saveManifest(ctx context.Context) error {
	data, err := json.Marshal(manifest{ID: d.id, Blocks: d.blocks, SegmentBlocks: d.segBlocks})
	if err != nil {
		return err
	}
	return d.put(ctx, d.prefix+manifestName, data)
}

// get fetches key (optionally a byte range). errNoObject for a missing key.
func (d *Device) get(ctx context.Context, key, rng string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ctx, span := telemetry.StartDeviceSpan(ctx, "s3", "get", telemetry.Bucket(d.bucket), telemetry.StorageKey(key))
	defer span.End()

	in := &s3.GetObjectInput{Bucket: aws.String(d.bucket), Key: aws.String(key)}
	if rng != "" {
		in.Range = aws.String(rng)
	}
	out, err := d.client.GetObject(ctx, in)
	if err != nil {
		if isNotFound(err) {
			return nil, errNoObject
		}
		telemetry.RecordError(ctx, err)
		return nil, fmt.Errorf("get s3://%s/%s: %w", d.bucket, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", d.bucket, key, err)
	}
	return data, nil
}

func (d *Device) put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ctx, span := telemetry.StartDeviceSpan(ctx, "s3", "put", telemetry.Bucket(d.bucket), telemetry.StorageKey(key))
	defer span.End()

	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("put s3://%s/%s: %w", d.bucket, key, err)
	}
	return nil
}

// segRange describes the part of a transfer falling into one segment.
type segRange struct {
	seg   uint32
	first uint32 // first block within the segment
	count uint32
	off   int // byte offset into the caller's buffer
}

func (d *Device) split(lbn, n uint32) []segRange {
	var out []segRange
	off := 0
	for n > 0 {
		seg, first := lbn/d.segBlocks, lbn%d.segBlocks
		count := min(n, d.segBlocks-first)
		out = append(out, segRange{seg: seg, first: first, count: count, off: off})
		lbn += count
		n -= count
		off += int(count) * device.BlockSize
	}
	return out
}

func (d *Device) ReadBlocks(lbn uint32, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return device.ErrClosed
	}
	n, err := device.CheckTransfer(lbn, buf, d.blocks)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, s := range d.split(lbn, n) {
		dst := buf[s.off : s.off+int(s.count)*device.BlockSize]
		start := int(s.first) * device.BlockSize
		rng := fmt.Sprintf("bytes=%d-%d", start, start+len(dst)-1)

		data, err := d.get(ctx, d.segmentKey(s.seg), rng)
		if errors.Is(err, errNoObject) {
			clear(dst)
			continue
		}
		if err != nil {
			return err
		}
		clear(dst[copy(dst, data):])
	}
	return nil
}

func (d *Device) WriteBlocks(lbn uint32, buf []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return device.ErrClosed
	}
	if d.readOnly {
		return device.ErrReadOnly
	}
	n, err := device.CheckTransfer(lbn, buf, d.blocks)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, s := range d.split(lbn, n) {
		if err := d.writeSegment(ctx, s, buf[s.off:s.off+int(s.count)*device.BlockSize]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) writeSegment(ctx context.Context, s segRange, src []byte) error {
	lock := &d.locks[s.seg%lockStripes]
	lock.Lock()
	defer lock.Unlock()

	key := d.segmentKey(s.seg)
	size := int(d.segBlocks) * device.BlockSize
	if s.first == 0 && s.count == d.segBlocks {
		return d.put(ctx, key, src)
	}

	seg := make([]byte, size)
	data, err := d.get(ctx, key, "")
	switch {
	case errors.Is(err, errNoObject):
	case err != nil:
		return err
	default:
		copy(seg, data)
	}
	copy(seg[int(s.first)*device.BlockSize:], src)
	return d.put(ctx, key, seg)
}

func (d *Device) Blocks() uint32 { return d.blocks }

func (d *Device) ReadOnly() bool { return d.readOnly }

// ID returns the device instance id recorded in the manifest.
func (d *Device) ID() string { return d.id }

// SegmentBlocks returns the number of blocks per segment object.
func (d *Device) SegmentBlocks() uint32 { return d.segBlocks }

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
