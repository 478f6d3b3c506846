package vbuf

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	vb, err := New(1000, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	src := []byte("hello, world")
	if err := vb.Write(src, 10); err != nil {
		t.Fatal(err)
	}
	got, err := vb.Slice(10, 10+int64(len(src)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src) {
		t.Fatalf("got %q, want %q", got, src)
	}
}

func TestBoundedEvictionRespectsCapacity(t *testing.T) {
	const blockSize, maxBlocks = 16, 4
	vb, err := New(1000, blockSize, maxBlocks)
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		off := rng.Int63n(1000 - 8)
		buf := make([]byte, 8)
		rng.Read(buf)
		if err := vb.Write(buf, off); err != nil {
			t.Fatal(err)
		}
		if c := vb.ResidentBlockCount(); c > maxBlocks {
			t.Fatalf("resident blocks %d exceeds cap %d", c, maxBlocks)
		}
	}
}

func TestEvictionClearsFilledForThatBlock(t *testing.T) {
	const blockSize, maxBlocks = 16, 2
	vb, err := New(64, blockSize, maxBlocks)
	if err != nil {
		t.Fatal(err)
	}

	// Fill blocks 0 and 1, then touch a third distinct block to force
	// eviction of block 0 (least-recently-touched).
	must(t, vb.Write([]byte("0123456789abcdef"), 0))  // block 0
	must(t, vb.Write([]byte("0123456789abcdef"), 16)) // block 1
	must(t, vb.Write([]byte("0123456789abcdef"), 32)) // block 2, evicts block 0

	if vb.Has(0, 16) {
		t.Fatal("expected block 0's range to be evicted")
	}
	if !vb.Has(16, 32) || !vb.Has(32, 48) {
		t.Fatal("expected blocks 1 and 2 to remain resident")
	}
}

func TestLRUPromotionKeepsRecentlyTouchedBlock(t *testing.T) {
	const blockSize, maxBlocks = 16, 2
	vb, err := New(64, blockSize, maxBlocks)
	if err != nil {
		t.Fatal(err)
	}

	must(t, vb.Write([]byte("0123456789abcdef"), 0))  // block 0
	must(t, vb.Write([]byte("0123456789abcdef"), 16)) // block 1
	// Re-touch block 0, making block 1 the least-recently-touched.
	must(t, vb.Write([]byte("0123456789abcdef"), 0))
	must(t, vb.Write([]byte("0123456789abcdef"), 32)) // block 2, should evict block 1

	if !vb.Has(0, 16) {
		t.Fatal("expected block 0 (recently touched) to survive")
	}
	if vb.Has(16, 32) {
		t.Fatal("expected block 1 (stale) to be evicted")
	}
}

func TestSliceRequiresHas(t *testing.T) {
	vb, err := New(100, 16, 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := vb.Slice(0, 10); err == nil {
		t.Fatal("expected error slicing unfilled range")
	}
}

func TestNewRejectsMixedBlockParams(t *testing.T) {
	if _, err := New(100, 16, 0); err == nil {
		t.Fatal("expected error for blockSize without maxBlocks")
	}
	if _, err := New(100, 0, 4); err == nil {
		t.Fatal("expected error for maxBlocks without blockSize")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
