package objects

import (
	"bytes"
	"fmt"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
)

// ChunkEntry locates one chunk of a large blob: its byte offset inside
// the logical file, the content hash of the chunk blob, and its length.
type ChunkEntry struct {
	Offset uint64
	Hash   objecthash.Hash
	Length uint32
}

// LargeBlob is the descriptor object for a chunked file. Concatenating
// the chunk payloads in offset order reproduces the logical file.
type LargeBlob struct {
	Chunks []ChunkEntry
}

// AppendChunk adds a chunk at the end of the descriptor. Chunks must be
// appended in offset order with no gaps.
func (lb *LargeBlob) AppendChunk(hash objecthash.Hash, length uint32) error {
	if length == 0 {
		return fmt.Errorf("chunk length cannot be zero")
	}
	lb.Chunks = append(lb.Chunks, ChunkEntry{
		Offset: lb.TotalSize(),
		Hash:   hash,
		Length: length,
	})
	return nil
}

// TotalSize returns the logical file size
func (lb *LargeBlob) TotalSize() uint64 {
	if len(lb.Chunks) == 0 {
		return 0
	}
	last := lb.Chunks[len(lb.Chunks)-1]
	return last.Offset + uint64(last.Length)
}

// ChunkAt returns the index of the chunk covering the byte at off, or
// -1 when off is past the end of the file.
func (lb *LargeBlob) ChunkAt(off uint64) int {
	lo, hi := 0, len(lb.Chunks)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		c := lb.Chunks[mid]
		switch {
		case off < c.Offset:
			hi = mid - 1
		case off >= c.Offset+uint64(c.Length):
			lo = mid + 1
		default:
			return mid
		}
	}
	return -1
}

// Validate checks that the chunk list is contiguous from offset zero
func (lb *LargeBlob) Validate() error {
	var expect uint64
	for i, c := range lb.Chunks {
		if c.Offset != expect {
			return fmt.Errorf("%w: chunk %d at offset %d, want %d", ErrMalformedObject, i, c.Offset, expect)
		}
		if c.Length == 0 {
			return fmt.Errorf("%w: chunk %d has zero length", ErrMalformedObject, i)
		}
		if c.Hash.IsEmpty() {
			return fmt.Errorf("%w: chunk %d has empty hash", ErrMalformedObject, i)
		}
		expect += uint64(c.Length)
	}
	return nil
}

// Marshal produces the canonical serialized form of the descriptor
func (lb *LargeBlob) Marshal() ([]byte, error) {
	if err := lb.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := stream.NewWriter(&buf)
	w.EnableTypes()

	if err := w.WriteUInt64(uint64(len(lb.Chunks))); err != nil {
		return nil, err
	}
	for _, c := range lb.Chunks {
		if err := w.WriteUInt64(c.Offset); err != nil {
			return nil, err
		}
		if err := w.WriteHash(c.Hash); err != nil {
			return nil, err
		}
		if err := w.WriteUInt32(c.Length); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalLargeBlob parses a canonical descriptor blob
func UnmarshalLargeBlob(blob []byte) (*LargeBlob, error) {
	r := stream.NewReader(stream.NewMemSource(blob))
	r.EnableTypes()

	count, err := r.ReadUInt64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}

	lb := &LargeBlob{Chunks: make([]ChunkEntry, 0, count)}
	for i := uint64(0); i < count; i++ {
		var c ChunkEntry
		if c.Offset, err = r.ReadUInt64(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}
		if c.Hash, err = r.ReadHash(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}
		if c.Length, err = r.ReadUInt32(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}
		lb.Chunks = append(lb.Chunks, c)
	}

	if err := lb.Validate(); err != nil {
		return nil, err
	}
	return lb, nil
}

// Hash computes the content hash of the canonical serialized form
func (lb *LargeBlob) Hash() (objecthash.Hash, error) {
	blob, err := lb.Marshal()
	if err != nil {
		return objecthash.Hash{}, err
	}
	return objecthash.Sum(blob), nil
}
