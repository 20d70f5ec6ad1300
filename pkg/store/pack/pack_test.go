package pack

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
)

func blobInfo(payload []byte) objects.Info {
	return objects.Info{
		Type:        objects.TypeBlob,
		Hash:        objecthash.Sum(payload),
		PayloadSize: uint32(len(payload)),
	}
}

func TestAppendAndRead(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "objs"), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	p1 := []byte("first payload")
	p2 := []byte("second payload, a bit longer")

	loc1, err := s.Append(blobInfo(p1), p1)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	loc2, err := s.Append(blobInfo(p2), p2)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if loc2.Offset != loc1.Offset+uint32(objects.InfoSize+len(p1)) {
		t.Errorf("records are not contiguous: %+v then %+v", loc1, loc2)
	}

	info, packed, err := s.ReadRecord(loc1)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if info.Hash != objecthash.Sum(p1) {
		t.Error("record header hash mismatch")
	}
	if !bytes.Equal(packed, p1) {
		t.Error("record payload mismatch")
	}
}

func TestReopenReadsSealed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "objs")

	s, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	payload := []byte("survives reopen")
	loc, err := s.Append(blobInfo(payload), payload)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	_, packed, err := s2.ReadRecord(loc)
	if err != nil {
		t.Fatalf("ReadRecord after reopen failed: %v", err)
	}
	if !bytes.Equal(packed, payload) {
		t.Error("payload mismatch after reopen")
	}
}

func TestRotation(t *testing.T) {
	// A tiny threshold forces rotation after every record
	s, err := Open(filepath.Join(t.TempDir(), "objs"), 1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	var locs []Loc
	for i := 0; i < 3; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, 100)
		loc, err := s.Append(blobInfo(payload), payload)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		locs = append(locs, loc)
	}

	if locs[0].Packfile == locs[2].Packfile {
		t.Error("rotation did not advance the packfile id")
	}

	// Sealed packfiles must stay readable (through the mapping path)
	for i, loc := range locs {
		_, packed, err := s.ReadRecord(loc)
		if err != nil {
			t.Fatalf("ReadRecord %d failed: %v", i, err)
		}
		want := bytes.Repeat([]byte{byte('a' + i)}, 100)
		if !bytes.Equal(packed, want) {
			t.Errorf("record %d payload mismatch", i)
		}
	}

	ids, err := s.IDs()
	if err != nil {
		t.Fatalf("IDs failed: %v", err)
	}
	if len(ids) < 3 {
		t.Errorf("expected at least 3 packfiles, got %d", len(ids))
	}
}

func TestRewriteElidesRecords(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "objs"), 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	keepPayload := []byte("keep me")
	dropPayload := []byte("drop me")
	keepInfo := blobInfo(keepPayload)
	dropInfo := blobInfo(dropPayload)

	if _, err := s.Append(dropInfo, dropPayload); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := s.Append(keepInfo, keepPayload); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	sizes := map[objecthash.Hash]int{
		keepInfo.Hash: len(keepPayload),
		dropInfo.Hash: len(dropPayload),
	}
	sizeOf := func(info objects.Info) (int, bool) {
		n, ok := sizes[info.Hash]
		return n, ok
	}

	var relocated []Loc
	err = s.Rewrite(s.ActiveID(), sizeOf,
		func(info objects.Info) bool { return info.Hash == keepInfo.Hash },
		func(info objects.Info, loc Loc) error {
			relocated = append(relocated, loc)
			return nil
		})
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}

	if len(relocated) != 1 {
		t.Fatalf("relocated %d records, want 1", len(relocated))
	}
	if relocated[0].Offset != 0 {
		t.Errorf("surviving record should start at offset 0, got %d", relocated[0].Offset)
	}

	info, packed, err := s.ReadRecord(relocated[0])
	if err != nil {
		t.Fatalf("ReadRecord after rewrite failed: %v", err)
	}
	if info.Hash != keepInfo.Hash || !bytes.Equal(packed, keepPayload) {
		t.Error("surviving record mismatch after rewrite")
	}

	// The store must keep accepting appends after a rewrite
	extra := []byte("post rewrite append")
	if _, err := s.Append(blobInfo(extra), extra); err != nil {
		t.Fatalf("Append after rewrite failed: %v", err)
	}
}
