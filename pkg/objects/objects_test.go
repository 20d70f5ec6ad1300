package objects

import (
	"bytes"
	"testing"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
)

func TestInfoRoundTrip(t *testing.T) {
	info := Info{
		Type:        TypeBlob,
		Hash:        objecthash.Sum([]byte("payload")),
		PayloadSize: 7,
	}
	info.SetCompression(stream.CompSnappy)

	raw, err := info.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if len(raw) != InfoSize {
		t.Fatalf("info record size: got %d, want %d", len(raw), InfoSize)
	}
	if string(raw[:4]) != "BLOB" {
		t.Errorf("type tag: got %q, want BLOB", raw[:4])
	}

	got, err := UnmarshalInfo(raw)
	if err != nil {
		t.Fatalf("UnmarshalInfo failed: %v", err)
	}
	if got != info {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, info)
	}
	if got.Compression() != stream.CompSnappy {
		t.Errorf("compression: got %s, want snappy", got.Compression())
	}
}

func TestInfoTypeTags(t *testing.T) {
	testCases := []struct {
		typ Type
		tag string
	}{
		{TypeCommit, "CMMT"},
		{TypeTree, "TREE"},
		{TypeBlob, "BLOB"},
		{TypeLargeBlob, "LGBL"},
		{TypePurged, "PURG"},
	}
	for _, tc := range testCases {
		t.Run(tc.tag, func(t *testing.T) {
			if got := tc.typ.Tag(); got != tc.tag {
				t.Errorf("Tag: got %q, want %q", got, tc.tag)
			}
			if got := TypeFromTag(tc.tag); got != tc.typ {
				t.Errorf("TypeFromTag: got %v, want %v", got, tc.typ)
			}
		})
	}

	if TypeFromTag("XXXX") != TypeNull {
		t.Error("unknown tag should map to TypeNull")
	}
	if _, err := (Info{Type: TypeNull}).Marshal(); err == nil {
		t.Error("marshaling a null info should fail")
	}
}

func TestInfoHasAllFields(t *testing.T) {
	var info Info
	if info.HasAllFields() {
		t.Error("zero info should not have all fields")
	}
	info = NewInfo(objecthash.Sum([]byte("x")))
	if info.HasAllFields() {
		t.Error("info without type or size should not have all fields")
	}
	info.Type = TypeBlob
	info.PayloadSize = 1
	if !info.HasAllFields() {
		t.Error("complete info should have all fields")
	}
}

func TestInfoStreamRoundTrip(t *testing.T) {
	info := Info{Type: TypeTree, Hash: objecthash.Sum([]byte("t")), PayloadSize: 10}

	var buf bytes.Buffer
	w := stream.NewWriter(&buf)
	w.EnableTypes()
	if err := WriteInfo(w, info); err != nil {
		t.Fatalf("WriteInfo failed: %v", err)
	}
	if buf.Len() != InfoSize+1 {
		t.Errorf("typed info wire size: got %d, want %d", buf.Len(), InfoSize+1)
	}

	r := stream.NewReader(stream.NewMemSource(buf.Bytes()))
	r.EnableTypes()
	got, err := ReadInfo(r)
	if err != nil {
		t.Fatalf("ReadInfo failed: %v", err)
	}
	if got != info {
		t.Errorf("stream round trip mismatch")
	}
}

func TestCommitRoundTrip(t *testing.T) {
	testCases := []struct {
		name   string
		commit Commit
	}{
		{"root", Commit{
			Tree: objecthash.Sum([]byte("tree")),
			User: "alice",
			Time: 1234567890,
		}},
		{"one parent with message", Commit{
			Tree:         objecthash.Sum([]byte("tree2")),
			Parents:      [2]objecthash.Hash{objecthash.Sum([]byte("p1")), {}},
			User:         "bob",
			Time:         42,
			SnapshotName: "nightly",
			Message:      "second commit",
		}},
		{"merge with graft", Commit{
			Tree:        objecthash.Sum([]byte("tree3")),
			Parents:     [2]objecthash.Hash{objecthash.Sum([]byte("p1")), objecthash.Sum([]byte("p2"))},
			User:        "carol",
			Time:        1700000000,
			GraftRepo:   "/repos/src",
			GraftPath:   "/sub/dir",
			GraftCommit: objecthash.Sum([]byte("gc")),
			Message:     "merge",
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := tc.commit.Marshal()
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			got, err := UnmarshalCommit(blob)
			if err != nil {
				t.Fatalf("UnmarshalCommit failed: %v", err)
			}
			if *got != tc.commit {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *got, tc.commit)
			}

			// Reserializing must be byte-identical
			blob2, err := got.Marshal()
			if err != nil {
				t.Fatalf("re-Marshal failed: %v", err)
			}
			if !bytes.Equal(blob, blob2) {
				t.Error("reserialized commit differs")
			}
		})
	}
}

func TestCommitDeterministicHash(t *testing.T) {
	mk := func() *Commit {
		return &Commit{
			Tree: objecthash.Sum([]byte("fixed tree")),
			User: "fixed user",
			Time: 0,
		}
	}
	h1, err := mk().Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, err := mk().Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h1 != h2 {
		t.Error("identical commits must hash identically")
	}
}

func TestCommitGraftValidation(t *testing.T) {
	c := &Commit{}
	if err := c.SetGraft("", "/p", objecthash.Sum([]byte("x"))); err == nil {
		t.Error("empty graft repo should be rejected")
	}
	if err := c.SetGraft("/r", "/p", objecthash.Hash{}); err == nil {
		t.Error("empty graft commit should be rejected")
	}
	if err := c.SetGraft("/r", "/p", objecthash.Sum([]byte("x"))); err != nil {
		t.Errorf("valid graft rejected: %v", err)
	}
	if !c.HasGraft() {
		t.Error("graft should be populated")
	}
}

func mkEntryAttrs(size uint64) AttrMap {
	attrs := make(AttrMap)
	attrs.SetUint(AttrSize, size)
	attrs.SetPerms(0o644)
	attrs[AttrUser] = "alice"
	attrs[AttrGroup] = "staff"
	attrs.SetUint(AttrCtime, 0)
	attrs.SetUint(AttrMtime, 0)
	return attrs
}

func TestTreeRoundTrip(t *testing.T) {
	tree := NewTree()

	file := NewFileEntry(objecthash.Sum([]byte("hello")), objecthash.Hash{})
	file.Attrs = mkEntryAttrs(5)
	tree.Entries["b.txt"] = file

	large := NewFileEntry(objecthash.Sum([]byte("original")), objecthash.Sum([]byte("large descriptor")))
	large.Attrs = mkEntryAttrs(1 << 20)
	tree.Entries["big.bin"] = large

	sub := TreeEntry{Type: EntryTree, Hash: objecthash.Sum([]byte("subtree")), Attrs: mkEntryAttrs(0)}
	tree.Entries["subdir"] = sub

	blob, err := tree.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := UnmarshalTree(blob)
	if err != nil {
		t.Fatalf("UnmarshalTree failed: %v", err)
	}
	if len(got.Entries) != 3 {
		t.Fatalf("entry count: got %d, want 3", len(got.Entries))
	}

	gotLarge := got.Entries["big.bin"]
	if gotLarge.Type != EntryLargeBlob || gotLarge.LargeHash != large.LargeHash {
		t.Error("large blob entry did not survive the round trip")
	}
	if !got.Entries["b.txt"].Attrs.Equal(file.Attrs) {
		t.Error("attributes did not survive the round trip")
	}

	// Serialization must be deterministic regardless of insertion order
	blob2, err := got.Marshal()
	if err != nil {
		t.Fatalf("re-Marshal failed: %v", err)
	}
	if !bytes.Equal(blob, blob2) {
		t.Error("tree serialization is not deterministic")
	}
}

func TestTreeHashChangesWithContent(t *testing.T) {
	t1 := NewTree()
	e := NewFileEntry(objecthash.Sum([]byte("v1")), objecthash.Hash{})
	e.Attrs = mkEntryAttrs(2)
	t1.Entries["f"] = e

	h1, err := t1.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	e2 := NewFileEntry(objecthash.Sum([]byte("v2")), objecthash.Hash{})
	e2.Attrs = mkEntryAttrs(2)
	t1.Entries["f"] = e2

	h2, err := t1.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h1 == h2 {
		t.Error("different contents must hash differently")
	}
}

func TestAttrMapAccessors(t *testing.T) {
	attrs := make(AttrMap)
	attrs.SetUint(AttrSize, 12345)
	attrs.SetPerms(0o100644) // type bits must be masked off

	size, err := attrs.GetUint(AttrSize)
	if err != nil || size != 12345 {
		t.Errorf("GetUint: got %d, %v", size, err)
	}
	perms, err := attrs.GetPerms()
	if err != nil || perms != 0o644 {
		t.Errorf("GetPerms: got %o, %v", perms, err)
	}
	if attrs.HasBasicAttrs() {
		t.Error("incomplete attrs should not report basic attrs")
	}
}

func TestLargeBlobRoundTrip(t *testing.T) {
	lb := &LargeBlob{}
	if err := lb.AppendChunk(objecthash.Sum([]byte("c1")), 4096); err != nil {
		t.Fatalf("AppendChunk failed: %v", err)
	}
	if err := lb.AppendChunk(objecthash.Sum([]byte("c2")), 2048); err != nil {
		t.Fatalf("AppendChunk failed: %v", err)
	}
	if err := lb.AppendChunk(objecthash.Sum([]byte("c3")), 100); err != nil {
		t.Fatalf("AppendChunk failed: %v", err)
	}

	if lb.TotalSize() != 4096+2048+100 {
		t.Errorf("TotalSize: got %d", lb.TotalSize())
	}

	blob, err := lb.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := UnmarshalLargeBlob(blob)
	if err != nil {
		t.Fatalf("UnmarshalLargeBlob failed: %v", err)
	}
	if len(got.Chunks) != 3 || got.TotalSize() != lb.TotalSize() {
		t.Error("descriptor round trip mismatch")
	}
}

func TestLargeBlobChunkAt(t *testing.T) {
	lb := &LargeBlob{}
	lb.AppendChunk(objecthash.Sum([]byte("a")), 100)
	lb.AppendChunk(objecthash.Sum([]byte("b")), 50)

	testCases := []struct {
		off  uint64
		want int
	}{
		{0, 0}, {99, 0}, {100, 1}, {149, 1}, {150, -1}, {1000, -1},
	}
	for _, tc := range testCases {
		if got := lb.ChunkAt(tc.off); got != tc.want {
			t.Errorf("ChunkAt(%d): got %d, want %d", tc.off, got, tc.want)
		}
	}
}

func TestLargeBlobValidate(t *testing.T) {
	lb := &LargeBlob{Chunks: []ChunkEntry{
		{Offset: 0, Hash: objecthash.Sum([]byte("a")), Length: 10},
		{Offset: 20, Hash: objecthash.Sum([]byte("b")), Length: 10}, // gap
	}}
	if err := lb.Validate(); err == nil {
		t.Error("gap in chunk list should be rejected")
	}
}

func TestObjectVerifyPayload(t *testing.T) {
	payload := []byte("object payload")
	info := Info{Type: TypeBlob, Hash: objecthash.Sum(payload), PayloadSize: uint32(len(payload))}

	obj := NewFromBytes(info, payload)
	if err := obj.VerifyPayload(); err != nil {
		t.Errorf("valid object failed verification: %v", err)
	}

	bad := NewFromBytes(info, []byte("tampered"))
	if err := bad.VerifyPayload(); err == nil {
		t.Error("tampered payload must fail verification")
	}
}
