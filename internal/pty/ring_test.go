package pty

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRingEvictsOldestChunks(t *testing.T) {
	r := newChunkRing(10)
	r.Append([]byte("aaaa"))
	r.Append([]byte("bbbb"))
	r.Append([]byte("cccc"))

	// 12 bytes exceed the 10-byte cap; the oldest chunk goes.
	if got := string(r.Bytes()); got != "bbbbcccc" {
		t.Fatalf("expected bbbbcccc, got %q", got)
	}
	if r.Len() != 8 {
		t.Errorf("expected 8 buffered bytes, got %d", r.Len())
	}
	if r.ChunkCount() != 2 {
		t.Errorf("expected 2 chunks, got %d", r.ChunkCount())
	}
}

func TestRingRetainsSingleOversizedChunk(t *testing.T) {
	r := newChunkRing(10)
	big := bytes.Repeat([]byte("x"), 100)
	r.Append(big)

	if !bytes.Equal(r.Bytes(), big) {
		t.Fatal("oversized chunk should be retained whole")
	}
	if r.ChunkCount() != 1 {
		t.Fatalf("expected 1 chunk, got %d", r.ChunkCount())
	}
	if r.Len() != 100 {
		t.Fatalf("expected 100 buffered bytes, got %d", r.Len())
	}

	// A second oversized chunk evicts the first entirely.
	second := bytes.Repeat([]byte("y"), 100)
	r.Append(second)
	if !bytes.Equal(r.Bytes(), second) {
		t.Fatal("second chunk should have replaced the first")
	}
	if r.Len() != 100 || r.ChunkCount() != 1 {
		t.Fatalf("expected 100 bytes in 1 chunk, got %d in %d", r.Len(), r.ChunkCount())
	}
}

func TestRingSnapshotIsACopy(t *testing.T) {
	r := newChunkRing(64)
	r.Append([]byte("hello"))
	snap := r.Bytes()
	r.Append(bytes.Repeat([]byte("z"), 64))

	if string(snap) != "hello" {
		t.Fatalf("snapshot mutated by later eviction: %q", snap)
	}
}

func TestRingEmptyBytes(t *testing.T) {
	r := newChunkRing(10)
	if out := r.Bytes(); out != nil {
		t.Fatalf("expected nil for empty ring, got %v", out)
	}
}

// The ring invariant: total bytes never exceed the cap unless a single
// chunk alone does.
func TestRingCapInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("total <= cap or exactly one chunk", prop.ForAll(
		func(cap int, chunks [][]byte) bool {
			r := newChunkRing(cap)
			for _, c := range chunks {
				r.Append(c)
			}
			return r.Len() <= r.maxBytes || r.ChunkCount() == 1
		},
		gen.IntRange(1, 256),
		gen.SliceOf(gen.SliceOf(gen.UInt8Range(0, 255))),
	))

	properties.Property("contents are a suffix of all appended bytes", prop.ForAll(
		func(cap int, chunks [][]byte) bool {
			r := newChunkRing(cap)
			var all []byte
			for _, c := range chunks {
				r.Append(c)
				all = append(all, c...)
			}
			return bytes.HasSuffix(all, r.Bytes())
		},
		gen.IntRange(1, 256),
		gen.SliceOf(gen.SliceOf(gen.UInt8Range(0, 255))),
	))

	properties.TestingRun(t)
}
