package devserver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/elliotnunn/streamplay/internal/fetcher"
)

func startServer(t *testing.T, files map[string]string) *Server {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	srv, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Listen(""); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	// The listener binds synchronously in Listen; give fasthttp's accept
	// loop a moment to start serving before the first request.
	time.Sleep(10 * time.Millisecond)
	return srv
}

func TestServeRecordingSupportsRangedFetch(t *testing.T) {
	contents := "0123456789abcdefghij"
	srv := startServer(t, map[string]string{"rec.bag": contents})

	url := "http://" + srv.Addr() + "/recordings/rec.bag"
	f := fetcher.NewHTTPFetcher(url)

	info, err := f.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len(contents)) {
		t.Fatalf("Size = %d, want %d", info.Size, len(contents))
	}

	stream, err := f.Fetch(context.Background(), 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Destroy()

	var got []byte
	for {
		chunk, err := stream.Next()
		got = append(got, chunk...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if string(got) != contents[5:10] {
		t.Fatalf("range fetch got %q, want %q", got, contents[5:10])
	}
}

func TestServeRecordingRejectsPathTraversal(t *testing.T) {
	srv := startServer(t, map[string]string{"rec.bag": "x"})

	url := "http://" + srv.Addr() + "/recordings/" + "..%2f..%2fetc%2fpasswd"
	f := fetcher.NewHTTPFetcher(url)
	if _, err := f.Open(context.Background()); err == nil {
		t.Fatal("expected traversal attempt to be rejected")
	}
}

func TestServeRecordingMissingFileIs404(t *testing.T) {
	srv := startServer(t, map[string]string{"rec.bag": "x"})

	url := "http://" + srv.Addr() + "/recordings/nope.bag"
	f := fetcher.NewHTTPFetcher(url)
	if _, err := f.Open(context.Background()); err == nil {
		t.Fatal("expected missing file to fail Open")
	}
}
