// internal/archive/archiver.go
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/FairForge/recoverd/internal/recovery"
)

// Codec selects the bundle compression algorithm.
type Codec string

const (
	CodecZstd   Codec = "zstd"
	CodecSnappy Codec = "snappy"
	CodecNone   Codec = "none"
)

// Valid reports whether the codec is one of the known values.
func (c Codec) Valid() bool {
	switch c {
	case CodecZstd, CodecSnappy, CodecNone:
		return true
	}
	return false
}

// Uploader is the object storage surface the archiver writes through.
type Uploader interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error
}

// Config holds archive configuration.
type Config struct {
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	Codec     Codec  `json:"codec" yaml:"codec"`
	ZstdLevel int    `json:"zstd_level" yaml:"zstd_level"`
}

// Archiver bundles terminal runs and ships them to object storage.
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	codec    Codec
	level    int
	logger   *zap.Logger

	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error
}

// NewArchiver creates an archiver. The codec defaults to zstd.
func NewArchiver(uploader Uploader, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket required")
	}
	codec := cfg.Codec
	if codec == "" {
		codec = CodecZstd
	}
	if !codec.Valid() {
		return nil, fmt.Errorf("unsupported archive codec %q", cfg.Codec)
	}
	level := cfg.ZstdLevel
	if level == 0 {
		level = 3
	}
	if level < 1 || level > 19 {
		return nil, fmt.Errorf("zstd level must be 1-19, got %d", level)
	}

	return &Archiver{
		uploader: uploader,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		codec:    codec,
		level:    level,
		logger:   logger,
	}, nil
}

// runBundle is the stored form of one archived run.
type runBundle struct {
	Run        *recovery.RecoveryRun `json:"run"`
	ArchivedAt time.Time             `json:"archived_at"`
}

// ArchiveRun writes one terminal run to the archive bucket. Non-terminal
// runs are rejected: their record is still changing.
func (a *Archiver) ArchiveRun(ctx context.Context, run *recovery.RecoveryRun) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("run %s is not terminal (status %s)", run.RunID, run.Status)
	}

	data, err := json.Marshal(runBundle{Run: run, ArchivedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode run bundle: %w", err)
	}

	compressed, err := a.compress(data)
	if err != nil {
		return fmt.Errorf("compress run bundle: %w", err)
	}

	key := path.Join(a.prefix, "runs", run.RunID+".json"+a.extension())
	if err := a.uploader.Put(ctx, a.bucket, key, bytes.NewReader(compressed), a.contentType()); err != nil {
		return fmt.Errorf("upload run bundle: %w", err)
	}

	a.logger.Info("archived recovery run",
		zap.String("run_id", run.RunID),
		zap.String("key", key),
		zap.Int("raw_bytes", len(data)),
		zap.Int("stored_bytes", len(compressed)),
	)
	return nil
}

func (a *Archiver) compress(data []byte) ([]byte, error) {
	switch a.codec {
	case CodecZstd:
		encoder, err := a.getEncoder()
		if err != nil {
			return nil, err
		}
		return encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return data, nil
	}
}

func (a *Archiver) getEncoder() (*zstd.Encoder, error) {
	a.encoderOnce.Do(func() {
		a.encoder, a.encoderErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(a.level)),
			zstd.WithEncoderConcurrency(1),
		)
	})
	return a.encoder, a.encoderErr
}

func (a *Archiver) extension() string {
	switch a.codec {
	case CodecZstd:
		return ".zst"
	case CodecSnappy:
		return ".snappy"
	default:
		return ""
	}
}

func (a *Archiver) contentType() string {
	switch a.codec {
	case CodecZstd:
		return "application/zstd"
	case CodecSnappy:
		return "application/x-snappy"
	default:
		return "application/json"
	}
}

// decompress reverses compress. Kept alongside it so the two stay in sync.
func decompress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecZstd:
		decoder, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(256*1024*1024),
		)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer decoder.Close()
		return decoder.DecodeAll(data, nil)
	case CodecSnappy:
		return snappy.Decode(nil, data)
	default:
		return data, nil
	}
}
