// Package stream implements the typed byte streams used for every
// serialized form in a hive repository: object payloads, packfile
// records, index entries and the replication wire protocol.
//
// A stream is either plain or typed. In typed mode every high-level
// read or write is preceded by a one-byte tag from a reserved range,
// and the reader refuses mismatched tags. All integers are big-endian.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
)

// Stream type tags (reserved range 0xA0-0xAB)
const (
	TagInt8    byte = 0xA0
	TagInt16   byte = 0xA1
	TagInt32   byte = 0xA2
	TagInt64   byte = 0xA3
	TagUInt8   byte = 0xA4
	TagUInt16  byte = 0xA5
	TagUInt32  byte = 0xA6
	TagUInt64  byte = 0xA7
	TagPStr    byte = 0xA8
	TagLPStr   byte = 0xA9
	TagHash    byte = 0xAA
	TagObjInfo byte = 0xAB
)

const (
	// MaxPStrLen is the maximum length of a u8 length-prefixed string
	MaxPStrLen = 255

	// MaxLPStrLen is the maximum length of a u16 length-prefixed string
	MaxLPStrLen = 65535
)

// copyBufSize is the buffer used for stream-to-stream copies
const copyBufSize = 256 * 1024

// ErrTagMismatch is returned when a typed stream carries an unexpected
// type tag.
var ErrTagMismatch = errors.New("stream type tag mismatch")

// Source is a readable byte stream. It extends io.Reader with an
// explicit end-of-stream test and an optional size hint; a hint of zero
// means the total length is unknown.
type Source interface {
	io.Reader

	// Ended reports whether the stream has been fully consumed
	Ended() bool

	// SizeHint returns the total stream length if known, else zero
	SizeHint() uint64
}

// Reader decodes typed values from a Source.
type Reader struct {
	src   Source
	typed bool
}

// NewReader creates a Reader over src in plain mode
func NewReader(src Source) *Reader {
	return &Reader{src: src}
}

// EnableTypes switches the reader into typed mode
func (r *Reader) EnableTypes() {
	r.typed = true
}

// DisableTypes switches the reader back into plain mode
func (r *Reader) DisableTypes() {
	r.typed = false
}

// IsTyped reports whether the reader is in typed mode
func (r *Reader) IsTyped() bool {
	return r.typed
}

// Source returns the underlying byte source
func (r *Reader) Source() Source {
	return r.src
}

// Read implements io.Reader on the underlying source
func (r *Reader) Read(p []byte) (int, error) {
	return r.src.Read(p)
}

// Ended reports whether the underlying source has been fully consumed
func (r *Reader) Ended() bool {
	return r.src.Ended()
}

// SizeHint returns the underlying source's size hint
func (r *Reader) SizeHint() uint64 {
	return r.src.SizeHint()
}

// ReadExact fills buf completely or fails
func (r *Reader) ReadExact(buf []byte) error {
	if _, err := io.ReadFull(r.src, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("unexpected end of stream: %w", err)
		}
		return err
	}
	return nil
}

// ReadAll consumes and returns the remainder of the stream
func (r *Reader) ReadAll() ([]byte, error) {
	if hint := r.src.SizeHint(); hint > 0 {
		buf := make([]byte, hint)
		if err := r.ReadExact(buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	data, err := io.ReadAll(r.src)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	return data, nil
}

// expectTag consumes and checks a type tag in typed mode
func (r *Reader) expectTag(want byte) error {
	if !r.typed {
		return nil
	}
	var tag [1]byte
	if err := r.ReadExact(tag[:]); err != nil {
		return err
	}
	if tag[0] != want {
		return fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrTagMismatch, tag[0], want)
	}
	return nil
}

// ReadTagged consumes a type tag (typed mode only) and then n raw bytes.
// It is the hook used by higher layers that serialize fixed-size records
// with their own tag, such as object info blocks.
func (r *Reader) ReadTagged(tag byte, n int) ([]byte, error) {
	if err := r.expectTag(tag); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := r.ReadExact(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadInt8 reads a signed 8-bit integer
func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.readFixed(TagInt8, 1)
	return int8(v), err
}

// ReadInt16 reads a big-endian signed 16-bit integer
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.readFixed(TagInt16, 2)
	return int16(v), err
}

// ReadInt32 reads a big-endian signed 32-bit integer
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.readFixed(TagInt32, 4)
	return int32(v), err
}

// ReadInt64 reads a big-endian signed 64-bit integer
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.readFixed(TagInt64, 8)
	return int64(v), err
}

// ReadUInt8 reads an unsigned 8-bit integer
func (r *Reader) ReadUInt8() (uint8, error) {
	v, err := r.readFixed(TagUInt8, 1)
	return uint8(v), err
}

// ReadUInt16 reads a big-endian unsigned 16-bit integer
func (r *Reader) ReadUInt16() (uint16, error) {
	v, err := r.readFixed(TagUInt16, 2)
	return uint16(v), err
}

// ReadUInt32 reads a big-endian unsigned 32-bit integer
func (r *Reader) ReadUInt32() (uint32, error) {
	v, err := r.readFixed(TagUInt32, 4)
	return uint32(v), err
}

// ReadUInt64 reads a big-endian unsigned 64-bit integer
func (r *Reader) ReadUInt64() (uint64, error) {
	return r.readFixed(TagUInt64, 8)
}

func (r *Reader) readFixed(tag byte, n int) (uint64, error) {
	if err := r.expectTag(tag); err != nil {
		return 0, err
	}
	var buf [8]byte
	if err := r.ReadExact(buf[:n]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < n; i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// ReadPStr reads a u8 length-prefixed string
func (r *Reader) ReadPStr() (string, error) {
	if err := r.expectTag(TagPStr); err != nil {
		return "", err
	}
	var lenBuf [1]byte
	if err := r.ReadExact(lenBuf[:]); err != nil {
		return "", err
	}
	buf := make([]byte, lenBuf[0])
	if err := r.ReadExact(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadLPStr reads a u16 length-prefixed string
func (r *Reader) ReadLPStr() (string, error) {
	if err := r.expectTag(TagLPStr); err != nil {
		return "", err
	}
	var lenBuf [2]byte
	if err := r.ReadExact(lenBuf[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if err := r.ReadExact(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadHash reads a 32-byte object hash
func (r *Reader) ReadHash() (objecthash.Hash, error) {
	if err := r.expectTag(TagHash); err != nil {
		return objecthash.Hash{}, err
	}
	var h objecthash.Hash
	if err := r.ReadExact(h[:]); err != nil {
		return objecthash.Hash{}, err
	}
	return h, nil
}

// CopyToWriter copies the remainder of the stream into w
func (r *Reader) CopyToWriter(w io.Writer) (int64, error) {
	buf := make([]byte, copyBufSize)
	return io.CopyBuffer(w, r.src, buf)
}

// Writer encodes typed values into an io.Writer.
type Writer struct {
	dst   io.Writer
	typed bool
}

// NewWriter creates a Writer over dst in plain mode
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// EnableTypes switches the writer into typed mode
func (w *Writer) EnableTypes() {
	w.typed = true
}

// DisableTypes switches the writer back into plain mode
func (w *Writer) DisableTypes() {
	w.typed = false
}

// IsTyped reports whether the writer is in typed mode
func (w *Writer) IsTyped() bool {
	return w.typed
}

// Write implements io.Writer on the underlying destination
func (w *Writer) Write(p []byte) (int, error) {
	return w.dst.Write(p)
}

func (w *Writer) writeTag(tag byte) error {
	if !w.typed {
		return nil
	}
	_, err := w.dst.Write([]byte{tag})
	return err
}

// WriteTagged writes a type tag (typed mode only) followed by raw bytes
func (w *Writer) WriteTagged(tag byte, b []byte) error {
	if err := w.writeTag(tag); err != nil {
		return err
	}
	_, err := w.dst.Write(b)
	return err
}

// WriteInt8 writes a signed 8-bit integer
func (w *Writer) WriteInt8(v int8) error {
	return w.writeFixed(TagInt8, uint64(uint8(v)), 1)
}

// WriteInt16 writes a big-endian signed 16-bit integer
func (w *Writer) WriteInt16(v int16) error {
	return w.writeFixed(TagInt16, uint64(uint16(v)), 2)
}

// WriteInt32 writes a big-endian signed 32-bit integer
func (w *Writer) WriteInt32(v int32) error {
	return w.writeFixed(TagInt32, uint64(uint32(v)), 4)
}

// WriteInt64 writes a big-endian signed 64-bit integer
func (w *Writer) WriteInt64(v int64) error {
	return w.writeFixed(TagInt64, uint64(v), 8)
}

// WriteUInt8 writes an unsigned 8-bit integer
func (w *Writer) WriteUInt8(v uint8) error {
	return w.writeFixed(TagUInt8, uint64(v), 1)
}

// WriteUInt16 writes a big-endian unsigned 16-bit integer
func (w *Writer) WriteUInt16(v uint16) error {
	return w.writeFixed(TagUInt16, uint64(v), 2)
}

// WriteUInt32 writes a big-endian unsigned 32-bit integer
func (w *Writer) WriteUInt32(v uint32) error {
	return w.writeFixed(TagUInt32, uint64(v), 4)
}

// WriteUInt64 writes a big-endian unsigned 64-bit integer
func (w *Writer) WriteUInt64(v uint64) error {
	return w.writeFixed(TagUInt64, v, 8)
}

func (w *Writer) writeFixed(tag byte, v uint64, n int) error {
	if err := w.writeTag(tag); err != nil {
		return err
	}
	var buf [8]byte
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	_, err := w.dst.Write(buf[:n])
	return err
}

// WritePStr writes a u8 length-prefixed string
func (w *Writer) WritePStr(s string) error {
	if len(s) > MaxPStrLen {
		return fmt.Errorf("pstr too long: %d bytes, max %d", len(s), MaxPStrLen)
	}
	if err := w.writeTag(TagPStr); err != nil {
		return err
	}
	if _, err := w.dst.Write([]byte{uint8(len(s))}); err != nil {
		return err
	}
	_, err := io.WriteString(w.dst, s)
	return err
}

// WriteLPStr writes a u16 length-prefixed string
func (w *Writer) WriteLPStr(s string) error {
	if len(s) > MaxLPStrLen {
		return fmt.Errorf("lpstr too long: %d bytes, max %d", len(s), MaxLPStrLen)
	}
	if err := w.writeTag(TagLPStr); err != nil {
		return err
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.dst.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w.dst, s)
	return err
}

// WriteHash writes a 32-byte object hash
func (w *Writer) WriteHash(h objecthash.Hash) error {
	if err := w.writeTag(TagHash); err != nil {
		return err
	}
	_, err := w.dst.Write(h[:])
	return err
}

// CopyFrom copies the remainder of src into the writer
func (w *Writer) CopyFrom(src Source) (int64, error) {
	buf := make([]byte, copyBufSize)
	return io.CopyBuffer(w.dst, src, buf)
}
