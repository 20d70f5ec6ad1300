package chunker

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
)

func collect(t *testing.T, data []byte, params Params) [][]byte {
	t.Helper()
	var spans [][]byte
	c, err := New(params, func(span []byte) {
		cp := make([]byte, len(span))
		copy(cp, span)
		spans = append(spans, cp)
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := c.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	c.Flush()
	return spans
}

func TestSpansReassemble(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 1<<20)
	rng.Read(data)

	spans := collect(t, data, DefaultParams())

	var rebuilt []byte
	for i, span := range spans {
		if len(span) == 0 {
			t.Fatalf("span %d is empty", i)
		}
		if len(span) > DefaultMax {
			t.Errorf("span %d exceeds max: %d", i, len(span))
		}
		if i < len(spans)-1 && len(span) < DefaultMin {
			t.Errorf("span %d below min: %d", i, len(span))
		}
		rebuilt = append(rebuilt, span...)
	}
	if !bytes.Equal(rebuilt, data) {
		t.Fatal("concatenated spans do not reproduce the input")
	}
}

func TestSpanBoundariesStableAcrossWrites(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	data := make([]byte, 256*1024)
	rng.Read(data)

	whole := collect(t, data, DefaultParams())

	// Feed the same input in awkward buffer sizes; cuts must not move
	var pieces [][]byte
	c, err := New(DefaultParams(), func(span []byte) {
		cp := make([]byte, len(span))
		copy(cp, span)
		pieces = append(pieces, cp)
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for off := 0; off < len(data); {
		n := 1 + (off % 4099)
		if off+n > len(data) {
			n = len(data) - off
		}
		if _, err := c.Write(data[off : off+n]); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		off += n
	}
	c.Flush()

	if len(whole) != len(pieces) {
		t.Fatalf("span count differs: whole %d, pieces %d", len(whole), len(pieces))
	}
	for i := range whole {
		if !bytes.Equal(whole[i], pieces[i]) {
			t.Fatalf("span %d differs across write patterns", i)
		}
	}
}

func TestUniformInputDeduplicates(t *testing.T) {
	// Ten 1 MiB runs of the same byte must chunk into a large number of
	// identical spans: the rolling hash is constant, so every cut is
	// forced at max and almost all chunks hash alike.
	data := bytes.Repeat([]byte{0x41}, 10*1024*1024)

	spans := collect(t, data, DefaultParams())
	if len(spans) < 10*128 {
		t.Errorf("too few spans for uniform input: %d", len(spans))
	}

	distinct := make(map[objecthash.Hash]struct{})
	for _, span := range spans {
		distinct[objecthash.Sum(span)] = struct{}{}
	}
	if len(distinct) > 1 {
		t.Errorf("uniform input produced %d distinct chunk hashes, want at most 1", len(distinct))
	}
}

func TestShortInput(t *testing.T) {
	data := []byte("short")
	spans := collect(t, data, DefaultParams())
	if len(spans) != 1 || !bytes.Equal(spans[0], data) {
		t.Errorf("short input should emit one span with the full data")
	}
}

func TestEmptyInput(t *testing.T) {
	spans := collect(t, nil, DefaultParams())
	if len(spans) != 0 {
		t.Errorf("empty input should emit no spans, got %d", len(spans))
	}
}

func TestSplitReader(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := make([]byte, 100000)
	rng.Read(data)

	var total int
	n, err := Split(bytes.NewReader(data), DefaultParams(), func(span []byte) {
		total += len(span)
	})
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if n != int64(len(data)) || total != len(data) {
		t.Errorf("Split consumed %d bytes, emitted %d, want %d", n, total, len(data))
	}
}

func TestParamsValidate(t *testing.T) {
	testCases := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"defaults", DefaultParams(), false},
		{"zero target", Params{Target: 0, Min: 64, Max: 128}, true},
		{"min over max", Params{Target: 64, Min: 256, Max: 128}, true},
		{"min under window", Params{Target: 64, Min: 16, Max: 128}, true},
		{"negative", Params{Target: 64, Min: -1, Max: 128}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate: got err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}
