package stream

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm applied to an object payload
// before it is stored in a packfile or sent on the wire.
type Compression uint8

const (
	// CompNone stores the payload uncompressed
	CompNone Compression = iota

	// CompSnappy is the fast algorithm used for ordinary payloads
	CompSnappy

	// CompZstd is the heavy algorithm used when density matters
	CompZstd

	// CompUnknown is a reserved sentinel for unrecognized flag bits
	CompUnknown
)

// ErrUnknownCompression is returned for payloads whose flags name an
// algorithm this build does not implement.
var ErrUnknownCompression = errors.New("unknown compression algorithm")

// String returns the algorithm name
func (c Compression) String() string {
	switch c {
	case CompNone:
		return "none"
	case CompSnappy:
		return "snappy"
	case CompZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// The zstd encoder and decoder are stateless for EncodeAll/DecodeAll
// use and shared process-wide.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Compress applies the given algorithm to payload
func Compress(c Compression, payload []byte) ([]byte, error) {
	switch c {
	case CompNone:
		return payload, nil
	case CompSnappy:
		return snappy.Encode(nil, payload), nil
	case CompZstd:
		return zstdEncoder.EncodeAll(payload, nil), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
}

// Decompress reverses Compress. The caller supplies the expected
// uncompressed size as a sanity bound; a mismatch is an error.
func Decompress(c Compression, packed []byte, payloadSize uint32) ([]byte, error) {
	var out []byte
	var err error
	switch c {
	case CompNone:
		out = packed
	case CompSnappy:
		out, err = snappy.Decode(nil, packed)
		if err != nil {
			return nil, fmt.Errorf("snappy decode error: %w", err)
		}
	case CompZstd:
		out, err = zstdDecoder.DecodeAll(packed, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode error: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
	if uint32(len(out)) != payloadSize {
		return nil, fmt.Errorf("decompressed size mismatch: got %d, want %d", len(out), payloadSize)
	}
	return out, nil
}

// ZipMode selects the direction of a ZipSource.
type ZipMode int

const (
	// ZipCompress produces the compressed form of its input
	ZipCompress ZipMode = iota

	// ZipDecompress produces the uncompressed form of its input
	ZipDecompress
)

// ZipSource is a Source whose output is the compressed or decompressed
// form of another Source. The whole input is transformed on first read;
// payloads are bounded by the packfile record format, so buffering the
// transform is acceptable.
type ZipSource struct {
	src      Source
	comp     Compression
	mode     ZipMode
	sizeHint uint64

	out       *MemSource
	processed bool
	err       error
}

// NewZipSource creates a ZipSource over src. sizeHint is the expected
// output length (the uncompressed payload size when decompressing) and
// may be zero when unknown.
func NewZipSource(src Source, comp Compression, mode ZipMode, sizeHint uint64) *ZipSource {
	return &ZipSource{src: src, comp: comp, mode: mode, sizeHint: sizeHint}
}

func (z *ZipSource) process() error {
	if z.processed {
		return z.err
	}
	z.processed = true

	in, err := NewReader(z.src).ReadAll()
	if err != nil {
		z.err = err
		return err
	}

	var out []byte
	switch z.mode {
	case ZipCompress:
		out, err = Compress(z.comp, in)
	case ZipDecompress:
		out, err = Decompress(z.comp, in, uint32(z.sizeHint))
	default:
		err = fmt.Errorf("invalid zip mode %d", z.mode)
	}
	if err != nil {
		z.err = err
		return err
	}
	z.out = NewMemSource(out)
	return nil
}

// Read implements io.Reader
func (z *ZipSource) Read(p []byte) (int, error) {
	if err := z.process(); err != nil {
		return 0, err
	}
	return z.out.Read(p)
}

// Ended reports whether the transformed output has been fully consumed
func (z *ZipSource) Ended() bool {
	if !z.processed {
		return false
	}
	if z.err != nil {
		return true
	}
	return z.out.Ended()
}

// SizeHint returns the expected output length if known
func (z *ZipSource) SizeHint() uint64 {
	return z.sizeHint
}
