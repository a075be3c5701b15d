// Package transform implements the per-file byte pipeline applied before a
// file is framed and after it is received.
//
// The sender compresses first and encrypts last; the receiver decrypts
// first and decompresses last. Either stage can be disabled, but when both
// are enabled the order is fixed and both ends must agree on the Options
// and algorithm names out of band. A mismatch surfaces as a *DecodeError
// on the receiving side.
package transform

import (
	"errors"
	"fmt"
)

// Options selects which stages of the pipeline are active.
type Options struct {
	Compress bool
	Encrypt  bool
}

func (o Options) String() string {
	switch {
	case o.Compress && o.Encrypt:
		return "compress+encrypt"
	case o.Compress:
		return "compress"
	case o.Encrypt:
		return "encrypt"
	default:
		return "raw"
	}
}

// Protocol versions. Each deployment runs one version on both ends.
const (
	// VersionRaw sends file bytes unmodified.
	VersionRaw = 1

	// VersionCompressed compresses every file.
	VersionCompressed = 2

	// VersionEncrypted compresses and then encrypts every file.
	VersionEncrypted = 3
)

// OptionsForVersion returns the stages active in protocol version v.
func OptionsForVersion(v int) (Options, error) {
	switch v {
	case VersionRaw:
		return Options{}, nil
	case VersionCompressed:
		return Options{Compress: true}, nil
	case VersionEncrypted:
		return Options{Compress: true, Encrypt: true}, nil
	default:
		return Options{}, fmt.Errorf("unknown protocol version %d", v)
	}
}

// Compressor is a lossless, self-delimiting compression format.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Cipher is a symmetric authenticated encryption scheme.
type Cipher interface {
	Name() string
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// Decode stages reported in DecodeError.
const (
	StageDecrypt    = "decrypt"
	StageDecompress = "decompress"
)

// DecodeError reports that a received payload could not be turned back into
// the original bytes: wrong key, corrupt or truncated data, failed
// authentication, or mismatched options between the two ends.
type DecodeError struct {
	Stage string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}

// Stats describes one pass through the pipeline. Sizes of disabled stages
// are zero. Stats are observability data only; nothing in the pipeline
// depends on them.
type Stats struct {
	OriginalSize   int
	CompressedSize int
	EncryptedSize  int
	Compressed     bool
	Encrypted      bool
}

// WireSize returns the number of payload bytes that cross the wire.
func (s Stats) WireSize() int {
	switch {
	case s.Encrypted:
		return s.EncryptedSize
	case s.Compressed:
		return s.CompressedSize
	default:
		return s.OriginalSize
	}
}

// CompressionRatio returns (original - compressed) / original. The second
// result is false when compression was not applied or the original was
// empty.
func (s Stats) CompressionRatio() (float64, bool) {
	if !s.Compressed || s.OriginalSize == 0 {
		return 0, false
	}
	return float64(s.OriginalSize-s.CompressedSize) / float64(s.OriginalSize), true
}

// Pipeline applies the configured stages in the fixed order. A Pipeline is
// safe for concurrent use when its Compressor and Cipher are.
type Pipeline struct {
	options    Options
	compressor Compressor
	cipher     Cipher
}

// NewPipeline creates a pipeline. An enabled stage needs an implementation;
// a disabled stage's implementation is ignored.
func NewPipeline(options Options, compressor Compressor, cipher Cipher) (*Pipeline, error) {
	if options.Compress && compressor == nil {
		return nil, fmt.Errorf("compression enabled without a compressor")
	}
	if options.Encrypt && cipher == nil {
		return nil, fmt.Errorf("encryption enabled without a cipher")
	}
	pipeline := &Pipeline{options: options}
	if options.Compress {
		pipeline.compressor = compressor
	}
	if options.Encrypt {
		pipeline.cipher = cipher
	}
	return pipeline, nil
}

// Raw returns a pipeline with every stage disabled.
func Raw() *Pipeline {
	return &Pipeline{}
}

// Options returns the active stages.
func (p *Pipeline) Options() Options {
	return p.options
}

// String describes the pipeline, e.g. "zstd+xchacha20poly1305".
func (p *Pipeline) String() string {
	switch {
	case p.compressor != nil && p.cipher != nil:
		return p.compressor.Name() + "+" + p.cipher.Name()
	case p.compressor != nil:
		return p.compressor.Name()
	case p.cipher != nil:
		return p.cipher.Name()
	default:
		return "raw"
	}
}

// Encode compresses and then encrypts raw according to the options. The
// returned slice may alias raw when every stage is disabled.
func (p *Pipeline) Encode(raw []byte) ([]byte, Stats, error) {
	stats := Stats{OriginalSize: len(raw)}
	data := raw

	if p.options.Compress {
		compressed, err := p.compressor.Compress(data)
		if err != nil {
			return nil, stats, fmt.Errorf("%s compress: %w", p.compressor.Name(), err)
		}
		data = compressed
		stats.Compressed = true
		stats.CompressedSize = len(data)
	}

	if p.options.Encrypt {
		sealed, err := p.cipher.Seal(data)
		if err != nil {
			return nil, stats, fmt.Errorf("%s seal: %w", p.cipher.Name(), err)
		}
		data = sealed
		stats.Encrypted = true
		stats.EncryptedSize = len(data)
	}

	return data, stats, nil
}

// Decode reverses Encode: decrypt first, then decompress. Every failure is
// a *DecodeError.
func (p *Pipeline) Decode(wire []byte) ([]byte, Stats, error) {
	var stats Stats
	data := wire

	if p.options.Encrypt {
		stats.Encrypted = true
		stats.EncryptedSize = len(data)
		opened, err := p.cipher.Open(data)
		if err != nil {
			return nil, stats, &DecodeError{Stage: StageDecrypt, Err: err}
		}
		data = opened
	}

	if p.options.Compress {
		stats.Compressed = true
		stats.CompressedSize = len(data)
		decompressed, err := p.compressor.Decompress(data)
		if err != nil {
			return nil, stats, &DecodeError{Stage: StageDecompress, Err: err}
		}
		data = decompressed
	}

	stats.OriginalSize = len(data)
	return data, stats, nil
}
