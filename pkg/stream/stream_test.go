package stream

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
)

func TestTypedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.EnableTypes()

	h := objecthash.Sum([]byte("stream test"))

	if err := w.WriteUInt8(0x12); err != nil {
		t.Fatalf("WriteUInt8 failed: %v", err)
	}
	if err := w.WriteUInt16(0x1234); err != nil {
		t.Fatalf("WriteUInt16 failed: %v", err)
	}
	if err := w.WriteUInt32(0x12345678); err != nil {
		t.Fatalf("WriteUInt32 failed: %v", err)
	}
	if err := w.WriteUInt64(0x0123456789ABCDEF); err != nil {
		t.Fatalf("WriteUInt64 failed: %v", err)
	}
	if err := w.WriteInt32(-42); err != nil {
		t.Fatalf("WriteInt32 failed: %v", err)
	}
	if err := w.WritePStr("hello"); err != nil {
		t.Fatalf("WritePStr failed: %v", err)
	}
	if err := w.WriteLPStr("world"); err != nil {
		t.Fatalf("WriteLPStr failed: %v", err)
	}
	if err := w.WriteHash(h); err != nil {
		t.Fatalf("WriteHash failed: %v", err)
	}

	r := NewReader(NewMemSource(buf.Bytes()))
	r.EnableTypes()

	if v, err := r.ReadUInt8(); err != nil || v != 0x12 {
		t.Errorf("ReadUInt8: got %#x, %v", v, err)
	}
	if v, err := r.ReadUInt16(); err != nil || v != 0x1234 {
		t.Errorf("ReadUInt16: got %#x, %v", v, err)
	}
	if v, err := r.ReadUInt32(); err != nil || v != 0x12345678 {
		t.Errorf("ReadUInt32: got %#x, %v", v, err)
	}
	if v, err := r.ReadUInt64(); err != nil || v != 0x0123456789ABCDEF {
		t.Errorf("ReadUInt64: got %#x, %v", v, err)
	}
	if v, err := r.ReadInt32(); err != nil || v != -42 {
		t.Errorf("ReadInt32: got %d, %v", v, err)
	}
	if s, err := r.ReadPStr(); err != nil || s != "hello" {
		t.Errorf("ReadPStr: got %q, %v", s, err)
	}
	if s, err := r.ReadLPStr(); err != nil || s != "world" {
		t.Errorf("ReadLPStr: got %q, %v", s, err)
	}
	if got, err := r.ReadHash(); err != nil || got != h {
		t.Errorf("ReadHash: got %s, %v", got.Hex(), err)
	}
	if !r.Ended() {
		t.Error("stream should be fully consumed")
	}
}

func TestTypedTagMismatch(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.EnableTypes()
	if err := w.WriteUInt32(7); err != nil {
		t.Fatalf("WriteUInt32 failed: %v", err)
	}

	r := NewReader(NewMemSource(buf.Bytes()))
	r.EnableTypes()
	_, err := r.ReadUInt64()
	if err == nil {
		t.Fatal("expected tag mismatch, got nil")
	}
	if !errors.Is(err, ErrTagMismatch) {
		t.Errorf("expected ErrTagMismatch, got %v", err)
	}
}

func TestPlainModeWireFormat(t *testing.T) {
	// In plain mode values are raw big-endian with no tags
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteUInt32(0x01020304); err != nil {
		t.Fatalf("WriteUInt32 failed: %v", err)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("wire bytes: got %x, want %x", buf.Bytes(), want)
	}
}

func TestPStrTooLong(t *testing.T) {
	w := NewWriter(&bytes.Buffer{})
	if err := w.WritePStr(string(make([]byte, 256))); err == nil {
		t.Error("expected error for oversized pstr")
	}
}

func TestReadAllWithHint(t *testing.T) {
	data := []byte("twelve bytes")
	r := NewReader(NewMemSource(data))
	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("ReadAll mismatch")
	}
}

func TestFileSourceSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "section.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open test file: %v", err)
	}
	defer f.Close()

	src, err := NewFileSource(f, 2, 5)
	if err != nil {
		t.Fatalf("NewFileSource failed: %v", err)
	}
	if src.SizeHint() != 5 {
		t.Errorf("SizeHint: got %d, want 5", src.SizeHint())
	}

	got, err := NewReader(src).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "23456" {
		t.Errorf("section read: got %q, want %q", got, "23456")
	}
	if !src.Ended() {
		t.Error("section should be ended")
	}
}

func TestDiskSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whole.bin")
	data := []byte("whole file contents")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	src, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer src.Close()

	got, err := NewReader(src).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("disk source read mismatch")
	}
}
