package kvcodec

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	a := New()
	a.PutStr("A", "1")
	a.PutStr("B", "2")
	a.PutStr("C", "3")
	a.PutU8("D", 4)
	a.PutU16("E", 0x1234)
	a.PutU32("F", 0x12345678)
	a.PutU64("G", 0x0123456789ABCDEF)

	blob, err := a.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.HasPrefix(blob, []byte("KV00")) {
		t.Fatal("blob missing version tag")
	}

	b, err := Unmarshal(blob)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if s, err := b.GetStr("A"); err != nil || s != "1" {
		t.Errorf("GetStr(A): got %q, %v", s, err)
	}
	if v, err := b.GetU8("D"); err != nil || v != 4 {
		t.Errorf("GetU8(D): got %d, %v", v, err)
	}
	if v, err := b.GetU16("E"); err != nil || v != 0x1234 {
		t.Errorf("GetU16(E): got %#x, %v", v, err)
	}
	if v, err := b.GetU32("F"); err != nil || v != 0x12345678 {
		t.Errorf("GetU32(F): got %#x, %v", v, err)
	}
	if v, err := b.GetU64("G"); err != nil || v != 0x0123456789ABCDEF {
		t.Errorf("GetU64(G): got %#x, %v", v, err)
	}
}

func TestTypeChecking(t *testing.T) {
	m := New()
	m.PutStr("A", "1")

	if _, err := m.GetU8("A"); !errors.Is(err, ErrWrongType) {
		t.Errorf("expected ErrWrongType, got %v", err)
	}
	if _, err := m.GetStr("MISSING"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
	if m.Type("A") != TypeString {
		t.Error("Type(A) should be string")
	}
	if m.Type("MISSING") != TypeNull {
		t.Error("Type of missing key should be null")
	}
}

func TestVersionTagRequired(t *testing.T) {
	if _, err := Unmarshal([]byte("XX00")); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
	if _, err := Unmarshal([]byte("KV")); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion for short blob, got %v", err)
	}
}

func TestTruncatedBlob(t *testing.T) {
	m := New()
	m.PutStr("key", "value")
	blob, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	for cut := len("KV00") + 1; cut < len(blob); cut++ {
		if _, err := Unmarshal(blob[:cut]); !errors.Is(err, ErrCorrupt) {
			t.Errorf("truncation at %d: expected ErrCorrupt, got %v", cut, err)
		}
	}
}

func TestDeterministicMarshal(t *testing.T) {
	mk := func() *Map {
		m := New()
		m.PutU32("zeta", 1)
		m.PutStr("alpha", "x")
		m.PutU64("mid", 2)
		return m
	}
	b1, err := mk().Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	b2, err := mk().Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Error("serialization is not deterministic")
	}
}

func TestEmptyMap(t *testing.T) {
	blob, err := New().Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(blob) != "KV00" {
		t.Errorf("empty map blob: got %q", blob)
	}
	m, err := Unmarshal(blob)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if m.Len() != 0 {
		t.Error("empty blob should produce empty map")
	}
}

func TestRemove(t *testing.T) {
	m := New()
	m.PutStr("a", "1")
	m.PutStr("b", "2")
	m.Remove("a")
	if m.Has("a") || !m.Has("b") {
		t.Error("Remove misbehaved")
	}
	m.RemoveAll()
	if m.Len() != 0 {
		t.Error("RemoveAll misbehaved")
	}
}
