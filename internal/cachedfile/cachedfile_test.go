package cachedfile

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/elliotnunn/streamplay/internal/fetcher"
	"github.com/elliotnunn/streamplay/internal/playerr"
)

func testData(n int) []byte {
	rng := rand.New(rand.NewSource(42))
	buf := make([]byte, n)
	rng.Read(buf)
	return buf
}

func TestReadExactBytes(t *testing.T) {
	data := testData(4096)
	m := fetcher.NewMock(data)
	cf := New(m, int64(len(data)))
	defer cf.Close()

	ctx := context.Background()
	if _, err := cf.Open(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := cf.Read(ctx, 100, 256)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data[100:356]) {
		t.Fatal("read mismatch")
	}
}

func TestSequentialReadsShareOneConnection(t *testing.T) {
	data := testData(1 << 20)
	m := fetcher.NewMock(data)
	m.ChunkSize = 1 << 16
	cf := New(m, int64(len(data)))
	defer cf.Close()

	ctx := context.Background()
	if _, err := cf.Open(ctx); err != nil {
		t.Fatal(err)
	}

	a, err := cf.Read(ctx, 0, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, data[:1024]) {
		t.Fatal("first read mismatch")
	}

	b, err := cf.Read(ctx, 1024, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, data[1024:2048]) {
		t.Fatal("second read mismatch")
	}

	if m.FetchCount != 1 {
		t.Fatalf("FetchCount = %d, want 1 (sequential reads should reuse the connection)", m.FetchCount)
	}
}

func TestBoundedBudgetEvictsAndStillReadsCorrectly(t *testing.T) {
	data := testData(10 * 1024 * 1024)
	m := fetcher.NewMock(data)
	m.ChunkSize = 64 * 1024
	cf := New(m, 1*1024*1024, WithBlockSize(256*1024))
	defer cf.Close()

	ctx := context.Background()
	if _, err := cf.Open(ctx); err != nil {
		t.Fatal(err)
	}

	offsets := []int64{0, 5 * 1024 * 1024, 1024, 9*1024*1024 + 500, 2 * 1024 * 1024}
	for _, off := range offsets {
		got, err := cf.Read(ctx, off, 4096)
		if err != nil {
			t.Fatalf("read at %d: %v", off, err)
		}
		if !bytes.Equal(got, data[off:off+4096]) {
			t.Fatalf("read at %d mismatch", off)
		}
	}
}

func TestTwoRapidErrorsWithoutReconnectIsFatal(t *testing.T) {
	data := testData(1024)
	m := fetcher.NewMock(data)
	cf := New(m, int64(len(data)))
	defer cf.Close()

	ctx := context.Background()
	if _, err := cf.Open(ctx); err != nil {
		t.Fatal(err)
	}

	boom := errServerGone
	m.FailNTimesAt(0, 2, boom)

	_, err := cf.Read(ctx, 0, 1024)
	if err == nil {
		t.Fatal("expected NetworkFatal error")
	}
	if !errors.Is(err, playerr.ErrNetworkFatal) {
		t.Fatalf("got %v, want wrapped NetworkFatal", err)
	}
}

func TestReadAfterCloseIsRejected(t *testing.T) {
	data := testData(64)
	m := fetcher.NewMock(data)
	cf := New(m, int64(len(data)))

	ctx := context.Background()
	if _, err := cf.Open(ctx); err != nil {
		t.Fatal(err)
	}
	cf.Close()

	if _, err := cf.Read(ctx, 0, 10); err == nil {
		t.Fatal("expected error reading a closed CachedFile")
	}
}

func TestReadRejectsLengthAboveCacheBudget(t *testing.T) {
	data := testData(1 << 20)
	m := fetcher.NewMock(data)
	cf := New(m, 256)
	defer cf.Close()

	ctx := context.Background()
	if _, err := cf.Open(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := cf.Read(ctx, 0, 257)
	if !errors.Is(err, playerr.ErrInvalidArgument) {
		t.Fatalf("got %v, want %v", err, playerr.ErrInvalidArgument)
	}
}

func TestReadReturnsPromptlyWhenEnqueueContextIsAlreadyDone(t *testing.T) {
	data := testData(64)
	m := fetcher.NewMock(data)
	cf := New(m, int64(len(data)))
	// run() is deliberately never started: nothing ever services
	// requestCh, so Read can only return via the ctx.Done() branch of its
	// first select, never by actually enqueueing.
	cf.size = int64(len(data))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cf.Read(ctx, 0, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

var errServerGone = errors.New("server gone")
