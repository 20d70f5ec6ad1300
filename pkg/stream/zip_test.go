package stream

import (
	"bytes"
	"errors"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("hive repository payload "), 512)

	testCases := []struct {
		name string
		comp Compression
	}{
		{"none", CompNone},
		{"snappy", CompSnappy},
		{"zstd", CompZstd},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			packed, err := Compress(tc.comp, payload)
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			if tc.comp != CompNone && len(packed) >= len(payload) {
				t.Errorf("repetitive payload did not shrink: %d -> %d", len(payload), len(packed))
			}

			got, err := Decompress(tc.comp, packed, uint32(len(payload)))
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	packed, err := Compress(CompSnappy, []byte("some payload"))
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if _, err := Decompress(CompSnappy, packed, 5); err == nil {
		t.Error("expected size mismatch error")
	}
}

func TestUnknownCompression(t *testing.T) {
	if _, err := Compress(CompUnknown, []byte("x")); !errors.Is(err, ErrUnknownCompression) {
		t.Errorf("expected ErrUnknownCompression, got %v", err)
	}
	if _, err := Decompress(CompUnknown, []byte("x"), 1); !errors.Is(err, ErrUnknownCompression) {
		t.Errorf("expected ErrUnknownCompression, got %v", err)
	}
}

func TestZipSourceDecompress(t *testing.T) {
	payload := bytes.Repeat([]byte{0x41}, 4096)
	packed, err := Compress(CompZstd, payload)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	z := NewZipSource(NewMemSource(packed), CompZstd, ZipDecompress, uint64(len(payload)))
	got, err := NewReader(z).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("zip source decompress mismatch")
	}
	if !z.Ended() {
		t.Error("zip source should be ended")
	}
}

func TestZipSourceCompress(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 1024)

	z := NewZipSource(NewMemSource(payload), CompSnappy, ZipCompress, 0)
	packed, err := NewReader(z).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	got, err := Decompress(CompSnappy, packed, uint32(len(payload)))
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("zip source compress mismatch")
	}
}
