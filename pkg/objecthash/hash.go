// Package objecthash defines the 256-bit content hash that names every
// object in a hive repository, along with the hex and base64 codecs used
// on disk and on the wire.
package objecthash

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"html"
	"io"
	"net/url"
	"os"
)

const (
	// Size is the size of the content hash in bytes
	Size = 32

	// HexSize is the length of the lowercase hex form
	HexSize = 64
)

// hashFileBufSize is the read buffer used when hashing files from disk
const hashFileBufSize = 256 * 1024

// Hash is a SHA-256 content hash. The zero value means "empty"/absent.
type Hash [Size]byte

// EmptyFile names the canonical zero-length blob.
var EmptyFile = Sum(nil)

// Sum computes the content hash of data
func Sum(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// SumReader computes the content hash of everything readable from r
func SumReader(r io.Reader) (Hash, error) {
	h := sha256.New()
	buf := make([]byte, hashFileBufSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return Hash{}, fmt.Errorf("failed to hash stream: %w", err)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// SumFile computes the content hash of the file at path
func SumFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()
	return SumReader(f)
}

// FromHex parses a 64-character lowercase hex string into a Hash
func FromHex(s string) (Hash, error) {
	if len(s) != HexSize {
		return Hash{}, fmt.Errorf("%w: length %d, want %d", ErrInvalidHex, len(s), HexSize)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return Hash{}, fmt.Errorf("%w: bad character %q at offset %d", ErrInvalidHex, c, i)
		}
	}
	var h Hash
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return h, nil
}

// MustFromHex parses a hex string and panics on failure. For tests and
// compile-time constants only.
func MustFromHex(s string) Hash {
	h, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return h
}

// FromBytes copies a 32-byte slice into a Hash
func FromBytes(b []byte) (Hash, error) {
	if len(b) != Size {
		return Hash{}, fmt.Errorf("invalid hash size: got %d, want %d", len(b), Size)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// IsEmpty reports whether the hash is the zero value
func (h Hash) IsEmpty() bool {
	return h == Hash{}
}

// Hex returns the 64-character lowercase hex form
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer
func (h Hash) String() string {
	return h.Hex()
}

// Short returns an abbreviated hex form for log and status output
func (h Hash) Short() string {
	return h.Hex()[:12]
}

// Equal reports whether two hashes are identical
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// ConstantTimeEqual compares two hashes without leaking timing
// information. Use this when the hash acts as a secret token.
func (h Hash) ConstantTimeEqual(other Hash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

// Less provides a stable ordering for sorted object listings
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// EncodeBase64 encodes auxiliary binary data as standard base64
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard base64 auxiliary data
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64 decode error: %w", err)
	}
	return data, nil
}

// EncodeHex encodes auxiliary binary data as lowercase hex
func EncodeHex(data []byte) string {
	return hex.EncodeToString(data)
}

// DecodeHex decodes lowercase hex auxiliary data
func DecodeHex(s string) ([]byte, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex decode error: %w", err)
	}
	return data, nil
}

// EscapeURL escapes a string for use inside a URL path segment
func EscapeURL(s string) string {
	return url.PathEscape(s)
}

// EscapeHTML escapes a string for embedding in HTML text surfaces
func EscapeHTML(s string) string {
	return html.EscapeString(s)
}
