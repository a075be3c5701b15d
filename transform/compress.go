package transform

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor names accepted by NewCompressor.
const (
	CompressorZstd = "zstd"
	CompressorLZ4  = "lz4"
)

// MaxDecompressedSize bounds the output of a single Decompress call. A frame
// whose contents would expand past it is rejected before the memory is
// allocated.
const MaxDecompressedSize = 1 << 30

// NewCompressor returns the compressor registered under name.
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case CompressorZstd:
		return NewZstd()
	case CompressorLZ4:
		return NewLZ4(), nil
	default:
		return nil, fmt.Errorf("unknown compressor %q", name)
	}
}

// Zstd compresses with zstd at its best-compression level. The encoder and
// decoder are created once and shared; both are safe for concurrent
// EncodeAll/DecodeAll calls.
type Zstd struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd creates a zstd compressor whose output is capped at
// MaxDecompressedSize.
func NewZstd() (*Zstd, error) {
	return NewZstdWithLimit(MaxDecompressedSize)
}

// NewZstdWithLimit creates a zstd compressor that refuses to decompress
// more than limit bytes.
func NewZstdWithLimit(limit uint64) (*Zstd, error) {
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		// An empty file still produces a frame, so the receiver can tell
		// "empty file" from "nothing was compressed".
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(limit))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Zstd{encoder: encoder, decoder: decoder}, nil
}

func (z *Zstd) Name() string { return CompressorZstd }

func (z *Zstd) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *Zstd) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("zstd decompress: empty input")
	}
	result, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return result, nil
}

// LZ4 compresses with the LZ4 frame format at its highest compression
// level. The frame carries a content checksum, so corruption is detected on
// decompression.
type LZ4 struct {
	limit int64
}

// NewLZ4 creates an LZ4 compressor whose output is capped at
// MaxDecompressedSize.
func NewLZ4() *LZ4 { return NewLZ4WithLimit(MaxDecompressedSize) }

// NewLZ4WithLimit creates an LZ4 compressor that refuses to decompress
// more than limit bytes.
func NewLZ4WithLimit(limit int64) *LZ4 { return &LZ4{limit: limit} }

func (*LZ4) Name() string { return CompressorLZ4 }

func (*LZ4) Compress(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := lz4.NewWriter(&buffer)
	if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
		return nil, fmt.Errorf("lz4 options: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buffer.Bytes(), nil
}

func (l *LZ4) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("lz4 decompress: empty input")
	}
	reader := io.LimitReader(lz4.NewReader(bytes.NewReader(data)), l.limit+1)
	result, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if int64(len(result)) > l.limit {
		return nil, fmt.Errorf("lz4 decompress: output exceeds %d bytes", l.limit)
	}
	return result, nil
}
