package fetcher

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Mock is an in-memory RangedFetcher used by internal/cachedfile and
// internal/messagesource tests, and by cmd/streamplay's --mock flag. It
// can be configured to inject a transient or fatal error the first time a
// fetched byte range crosses a configured offset, to exercise the
// reconnect/fatal-failure paths of spec.md §4.4/§8.
type Mock struct {
	Data       []byte
	Identifier string
	ChunkSize  int // 0 means deliver the whole range as one chunk

	mu         sync.Mutex
	FetchCount int
	failQueue  map[int64][]error // offset -> errors to inject, in order, each time a stream crosses it
}

func NewMock(data []byte) *Mock {
	return &Mock{Data: data, Identifier: "mock", ChunkSize: 64 * 1024}
}

// FailOnceAt arranges for the first Fetch whose range covers offset to
// fail with err, after delivering any chunks strictly before offset.
func (m *Mock) FailOnceAt(offset int64, err error) {
	m.FailNTimesAt(offset, 1, err)
}

// FailNTimesAt queues err to be injected the next n times a stream's
// delivery position crosses offset, after which the offset stops failing.
func (m *Mock) FailNTimesAt(offset int64, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failQueue == nil {
		m.failQueue = make(map[int64][]error)
	}
	for i := 0; i < n; i++ {
		m.failQueue[offset] = append(m.failQueue[offset], err)
	}
}

func (m *Mock) Open(ctx context.Context) (Info, error) {
	return Info{Size: int64(len(m.Data)), Identifier: m.Identifier}, nil
}

func (m *Mock) Fetch(ctx context.Context, offset, length int64) (Stream, error) {
	if offset < 0 || length < 0 || offset+length > int64(len(m.Data)) {
		return nil, fmt.Errorf("mock: fetch [%d,%d) out of bounds for size %d", offset, offset+length, len(m.Data))
	}
	m.mu.Lock()
	m.FetchCount++
	m.mu.Unlock()

	chunkSize := m.ChunkSize
	if chunkSize <= 0 {
		chunkSize = int(length)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}

	return &mockStream{
		mock:      m,
		remaining: m.Data[offset : offset+length],
		pos:       offset,
		chunkSize: chunkSize,
	}, nil
}

type mockStream struct {
	mock      *Mock
	remaining []byte
	pos       int64
	chunkSize int
	destroyed bool
}

func (s *mockStream) Next() ([]byte, error) {
	if s.destroyed {
		return nil, io.ErrClosedPipe
	}

	if len(s.remaining) == 0 {
		return nil, io.EOF
	}
	n := min(s.chunkSize, len(s.remaining))

	s.mock.mu.Lock()
	for off, queue := range s.mock.failQueue {
		if len(queue) == 0 || off < s.pos || off >= s.pos+int64(len(s.remaining)) {
			continue
		}
		if off > s.pos {
			// Deliver the bytes before off first; the error fires once the
			// delivery position reaches off.
			n = min(n, int(off-s.pos))
			continue
		}
		err := queue[0]
		s.mock.failQueue[off] = queue[1:]
		s.mock.mu.Unlock()
		return nil, err
	}
	s.mock.mu.Unlock()

	chunk := s.remaining[:n]
	s.remaining = s.remaining[n:]
	s.pos += int64(n)
	return chunk, nil
}

func (s *mockStream) Destroy() {
	s.destroyed = true
}
