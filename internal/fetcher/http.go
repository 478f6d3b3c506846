package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// HTTPFetcher implements RangedFetcher over a ranged-GET HTTP endpoint, per
// spec.md §6: Accept-Ranges: bytes required, identifier preference
// ETag > Last-Modified > none, ranged reads use an inclusive-upper-bound
// Range header and expect 206 Partial Content.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

func NewHTTPFetcher(url string) *HTTPFetcher {
	return &HTTPFetcher{URL: url, Client: http.DefaultClient}
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// Open probes the endpoint: a GET is issued and its body discarded
// unread (aborted) once headers are in hand.
func (f *HTTPFetcher) Open(ctx context.Context) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return Info{}, err
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := f.client().Do(req)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Info{}, fmt.Errorf("fetcher: open %s: unexpected status %s", f.URL, resp.Status)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return Info{}, fmt.Errorf("fetcher: open %s: missing Accept-Ranges: bytes", f.URL)
	}
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || size <= 0 {
		return Info{}, fmt.Errorf("fetcher: open %s: missing or invalid Content-Length", f.URL)
	}

	id := resp.Header.Get("ETag")
	if id == "" {
		id = resp.Header.Get("Last-Modified")
	}
	return Info{Size: size, Identifier: id}, nil
}

// Fetch issues Range: bytes=<start>-<end-1> (inclusive upper bound) and
// streams the 206 response body as a sequence of chunks.
func (f *HTTPFetcher) Fetch(ctx context.Context, offset, length int64) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	req.Header.Set("Cache-Control", "no-store")

	resp, err := f.client().Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("fetcher: fetch %s [%d,%d): unexpected status %s", f.URL, offset, offset+length, resp.Status)
	}

	return &httpStream{resp: resp, cancel: cancel, buf: make([]byte, 256*1024)}, nil
}

type httpStream struct {
	resp   *http.Response
	cancel context.CancelFunc
	buf    []byte
}

func (s *httpStream) Next() ([]byte, error) {
	n, err := s.resp.Body.Read(s.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		if err == io.EOF {
			// Deliver the final chunk before reporting EOF on the next call,
			// matching the "data(chunk)* then end()" event sequence.
			return chunk, nil
		}
		return chunk, err
	}
	return nil, err
}

func (s *httpStream) Destroy() {
	s.cancel()
	s.resp.Body.Close()
}

// StableKey returns a deterministic fingerprint for a fetcher endpoint plus
// its current Info, usable as a cache or admission key when a strong
// Identifier (ETag/Last-Modified) is unavailable. No package in this
// module calls it. Grounded in internal/fileid's use of xxhash to build a
// stable composite identifier from otherwise-unstable file metadata.
func StableKey(url string, info Info) uint64 {
	var h xxhash.Digest
	h.WriteString(url)
	h.WriteString("\x00")
	h.WriteString(info.Identifier)
	return h.Sum64()
}
