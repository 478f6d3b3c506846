// Package cachedfile implements CachedFile: a read(offset, length) view
// over a remote file backed by a VirtualBuffer, a pending-read queue, and
// a single active RangedFetcher stream, chosen and replaced by a
// connection-decision policy.
//
// The single-goroutine ownership of all mutable state, driven by
// channels, generalizes the teacher's internal/spinner multiplexer
// (spinner.go: multiplexer/work): spinner's multiplexer goroutine is the
// sole owner of wkrs/blkCache state and is fed by readAtCalls and
// blockReturns channels; CachedFile's run loop is the sole owner of
// pending/conn/buffer state and is fed by request and stream-event
// channels. Where spinner reopens a sequential file and reassembles
// blocks, CachedFile reopens a ranged HTTP stream and reassembles byte
// ranges; the shape of "one live worker, a block cache, popularity-driven
// churn" carries over almost directly.
package cachedfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/elliotnunn/streamplay/internal/fetcher"
	"github.com/elliotnunn/streamplay/internal/fetcherpool"
	"github.com/elliotnunn/streamplay/internal/playerr"
	"github.com/elliotnunn/streamplay/internal/rangeset"
	"github.com/elliotnunn/streamplay/internal/vbuf"
)

const (
	// DefaultBlockSize is BLOCK_SIZE from the connection-decision policy:
	// the block granularity of a bounded VirtualBuffer.
	DefaultBlockSize = 100 * 1024 * 1024

	// DefaultCloseEnough is CLOSE_ENOUGH: the gap, in bytes, under which an
	// in-flight connection positioned slightly before a new request's first
	// missing byte is preferred over opening a new one.
	DefaultCloseEnough = 5 * 1024 * 1024

	// DefaultHardFailureWindow is the "two stream errors within 100ms"
	// threshold that promotes a transient error to NetworkFatal.
	DefaultHardFailureWindow = 100 * time.Millisecond
)

// ReconnectCallback is notified when CachedFile starts recovering from a
// stream error (reconnecting=true) and when it receives data again after
// doing so (reconnecting=false). A nil callback means no recovery grace
// period is granted: a second error within hardFailureWindow is fatal.
type ReconnectCallback func(reconnecting bool)

// Option configures a CachedFile at construction.
type Option func(*CachedFile)

func WithBlockSize(n int64) Option        { return func(c *CachedFile) { c.blockSize = n } }
func WithCloseEnough(n int64) Option      { return func(c *CachedFile) { c.closeEnough = n } }
func WithLogger(l *slog.Logger) Option    { return func(c *CachedFile) { c.log = l } }
func WithHardFailureWindow(d time.Duration) Option {
	return func(c *CachedFile) { c.hardFailureWindow = d }
}
func WithReconnect(cb ReconnectCallback) Option {
	return func(c *CachedFile) { c.reconnectCallback = cb }
}

// WithPool shares a connection budget across multiple CachedFiles. key
// identifies this file to the pool (e.g. fetcher.StableKey's output).
func WithPool(pool *fetcherpool.Pool, key string) Option {
	return func(c *CachedFile) { c.pool, c.poolKey = pool, key }
}

// CachedFile presents a read(offset, length) view over a RangedFetcher.
// It is safe for concurrent use by multiple goroutines calling Read.
type CachedFile struct {
	fetch fetcher.RangedFetcher

	cacheBudget int64
	blockSize   int64
	closeEnough int64
	log         *slog.Logger

	reconnectCallback ReconnectCallback
	pool              *fetcherpool.Pool
	poolKey           string
	hardFailureWindow time.Duration

	openOnce sync.Once
	openErr  error
	openDone chan struct{}
	size     int64
	ident    string

	requestCh chan readReq
	closeCh   chan struct{}
	closeOnce sync.Once
	events    chan any
	doneCh    chan struct{}

	rootCtx    context.Context
	rootCancel context.CancelFunc

	// Owned exclusively by run(); never touched from another goroutine.
	buffer          *vbuf.VirtualBuffer
	pending         []*pendingEntry
	conn            *liveConn
	connGen         uint64
	lease           *fetcherpool.Lease
	lastResolvedEnd int64
	haveLRE         bool
	lastErrorTime   time.Time
	hasLastErrorTime bool
	reconnecting    bool
	closed          bool
	closeErr        error
}

type pendingEntry struct {
	rng  rangeset.Range
	resp chan readResult
}

type readResult struct {
	data []byte
	err  error
}

type readReq struct {
	rng  rangeset.Range
	resp chan readResult
}

type liveConn struct {
	stream    fetcher.Stream
	remaining rangeset.Range
	gen       uint64
	cancel    context.CancelFunc
}

type chunkEvent struct {
	gen  uint64
	data []byte
}

type streamEndEvent struct{ gen uint64 }

type streamErrEvent struct {
	gen uint64
	err error
}

// New constructs a CachedFile that will serve at most cacheBudget bytes of
// resident cache. Open must be called before Read.
func New(f fetcher.RangedFetcher, cacheBudget int64, opts ...Option) *CachedFile {
	ctx, cancel := context.WithCancel(context.Background())
	c := &CachedFile{
		fetch:       f,
		cacheBudget:       cacheBudget,
		blockSize:         DefaultBlockSize,
		closeEnough:       DefaultCloseEnough,
		hardFailureWindow: DefaultHardFailureWindow,
		log:               slog.Default(),
		openDone:          make(chan struct{}),
		requestCh:         make(chan readReq),
		closeCh:           make(chan struct{}),
		events:            make(chan any),
		doneCh:            make(chan struct{}),
		rootCtx:           ctx,
		rootCancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open fetches the remote's size and identifier and starts the run loop.
// Idempotent and safe to call concurrently; every caller observes the
// same result.
func (c *CachedFile) Open(ctx context.Context) (int64, error) {
	c.openOnce.Do(func() {
		info, err := c.fetch.Open(ctx)
		if err != nil {
			c.openErr = err
			close(c.openDone)
			close(c.doneCh)
			return
		}
		c.size, c.ident = info.Size, info.Identifier

		blockSize, maxBlocks := int64(0), 0
		if c.size > c.cacheBudget {
			blockSize = c.blockSize
			maxBlocks = int((c.cacheBudget+c.blockSize-1)/c.blockSize) + 2
		}
		buf, err := vbuf.New(c.size, blockSize, maxBlocks)
		if err != nil {
			c.openErr = err
			close(c.openDone)
			close(c.doneCh)
			return
		}
		c.buffer = buf

		close(c.openDone)
		go c.run()
	})
	<-c.openDone
	return c.size, c.openErr
}

// Size returns the remote file's size. Valid only after a successful Open.
func (c *CachedFile) Size() int64 { return c.size }

// Identifier returns the remote's stable identifier (ETag or similar), or
// "" if none was advertised. Valid only after a successful Open.
func (c *CachedFile) Identifier() string { return c.ident }

// Read returns exactly the n bytes the fetcher delivers for [offset,
// offset+n). It suspends until the range is covered by the cache or the
// CachedFile is closed. Per the current design, CachedFile reads carry no
// caller cancellation: ctx bounds only the time spent enqueueing the
// request, not the wait for its resolution.
func (c *CachedFile) Read(ctx context.Context, offset, n int64) ([]byte, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	if offset < 0 || n < 0 || n > c.cacheBudget || offset+n > c.size {
		return nil, fmt.Errorf("%w: read [%d,%d) out of bounds for size %d (budget %d)", playerr.ErrInvalidArgument, offset, offset+n, c.size, c.cacheBudget)
	}
	if n == 0 {
		return nil, nil
	}

	resp := make(chan readResult, 1)
	req := readReq{rng: rangeset.Range{Start: offset, End: offset + n}, resp: resp}

	select {
	case c.requestCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.doneCh:
		return nil, playerr.ErrClosed
	}

	select {
	case r := <-resp:
		return r.data, r.err
	case <-c.doneCh:
		// run() guarantees every enqueued pending entry is resolved before
		// doneCh closes (see doClose), but guard against the race where
		// doneCh closes between the send above and resp arriving.
		select {
		case r := <-resp:
			return r.data, r.err
		default:
			return nil, playerr.ErrClosed
		}
	}
}

// Close releases the connection and cache. Subsequent Reads return
// ErrClosed. Safe to call more than once and concurrently with Read.
func (c *CachedFile) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	<-c.doneCh
	return nil
}

func (c *CachedFile) run() {
	defer close(c.doneCh)
	for {
		select {
		case <-c.closeCh:
			c.doClose()
			return

		case req := <-c.requestCh:
			if c.closed {
				req.resp <- readResult{err: c.closeErr}
				continue
			}
			c.pending = append(c.pending, &pendingEntry{rng: req.rng, resp: req.resp})
			c.stateUpdate()

		case ev := <-c.events:
			switch e := ev.(type) {
			case chunkEvent:
				if c.conn == nil || e.gen != c.conn.gen {
					continue
				}
				c.onData(e.data)
			case streamEndEvent:
				if c.conn == nil || e.gen != c.conn.gen {
					continue
				}
				c.destroyConnection()
				c.stateUpdate()
			case streamErrEvent:
				if c.conn == nil || e.gen != c.conn.gen {
					continue
				}
				c.onStreamError(e.err)
			}
		}
	}
}

// onData implements the "On stream data(chunk)" transition of the
// connection-decision policy.
func (c *CachedFile) onData(data []byte) {
	if err := c.buffer.Write(data, c.conn.remaining.Start); err != nil {
		c.log.Error("cachedfile: write past expected range", "err", err)
		c.onStreamError(err)
		return
	}
	c.conn.remaining.Start += int64(len(data))
	c.hasLastErrorTime = false

	if c.reconnecting {
		c.reconnecting = false
		if c.reconnectCallback != nil {
			c.reconnectCallback(false)
		}
	}

	if len(c.pending) > 0 && c.buffer.Has(c.pending[0].rng.Start, c.pending[0].rng.End) {
		c.destroyConnection()
	}
	c.stateUpdate()
}

func (c *CachedFile) onStreamError(err error) {
	if c.reconnectCallback != nil {
		if !c.reconnecting {
			c.reconnecting = true
			c.reconnectCallback(true)
		}
		c.destroyConnection()
		c.stateUpdate()
		return
	}

	if c.hasLastErrorTime && time.Since(c.lastErrorTime) < c.hardFailureWindow {
		c.closed = true
		c.closeErr = fmt.Errorf("%w: %v", playerr.ErrNetworkFatal, err)
		c.destroyConnection()
		c.rejectAllPending(c.closeErr)
		return
	}

	c.lastErrorTime = time.Now()
	c.hasLastErrorTime = true
	c.destroyConnection()
	c.stateUpdate()
}

// stateUpdate is the core algorithm: resolve whatever cache hits exist in
// queue order (drained greedily), then choose a connection.
func (c *CachedFile) stateUpdate() {
	kept := c.pending[:0]
	for _, p := range c.pending {
		data, err := c.buffer.Slice(p.rng.Start, p.rng.End)
		if err == nil {
			p.resp <- readResult{data: data}
			c.lastResolvedEnd, c.haveLRE = p.rng.End, true
			continue
		}
		kept = append(kept, p)
	}
	c.pending = kept

	if c.closed || len(c.pending) == 0 {
		return
	}

	req := c.pending[0].rng
	have := c.buffer.FilledRanges()

	if c.conn != nil {
		if keepExisting(c.conn, req, have, c.closeEnough) {
			return
		}
		c.destroyConnection()
	}

	fetchRange, needFetch := computeFetchRange(req, have, c.lastResolvedEnd, c.haveLRE, c.cacheBudget, c.size)
	if !needFetch {
		return
	}
	c.startConnection(fetchRange)
}

func (c *CachedFile) startConnection(rng rangeset.Range) {
	c.connGen++
	gen := c.connGen

	ctx, cancel := context.WithCancel(c.rootCtx)
	stream, err := c.fetch.Fetch(ctx, rng.Start, rng.Len())
	if err != nil {
		cancel()
		c.onStreamError(err)
		return
	}

	if c.pool != nil {
		lease, lerr := c.pool.Acquire(ctx, c.poolKey, func() { stream.Destroy() })
		if lerr != nil {
			stream.Destroy()
			cancel()
			c.onStreamError(lerr)
			return
		}
		c.lease = lease
	}

	c.conn = &liveConn{stream: stream, remaining: rng, gen: gen, cancel: cancel}
	go c.pumpStream(gen, stream)
}

func (c *CachedFile) pumpStream(gen uint64, stream fetcher.Stream) {
	for {
		data, err := stream.Next()
		if len(data) > 0 {
			select {
			case c.events <- chunkEvent{gen: gen, data: data}:
			case <-c.doneCh:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				select {
				case c.events <- streamEndEvent{gen: gen}:
				case <-c.doneCh:
				}
				return
			}
			select {
			case c.events <- streamErrEvent{gen: gen, err: err}:
			case <-c.doneCh:
			}
			return
		}
	}
}

func (c *CachedFile) destroyConnection() {
	if c.conn == nil {
		return
	}
	c.conn.stream.Destroy()
	c.conn.cancel()
	c.conn = nil
	if c.lease != nil {
		c.lease.Release()
		c.lease = nil
	}
}

func (c *CachedFile) rejectAllPending(err error) {
	for _, p := range c.pending {
		p.resp <- readResult{err: err}
	}
	c.pending = nil
}

func (c *CachedFile) doClose() {
	c.closed = true
	if c.closeErr == nil {
		c.closeErr = playerr.ErrClosed
	}
	c.destroyConnection()
	c.rejectAllPending(c.closeErr)
	c.buffer = nil
	c.rootCancel()
}

// computeFetchRange implements the "choose a new connection" endpoint
// rules: start at the first missing byte of req, extend to whichever of
// req.End, the next already-downloaded range, or start+cacheBudget comes
// first, then optionally extend further as readahead toward fileSize when
// req looks like a continuation of sequential forward reading.
func computeFetchRange(req rangeset.Range, have rangeset.RangeSet, lastResolvedEnd int64, haveLRE bool, cacheBudget, fileSize int64) (rangeset.Range, bool) {
	missing := rangeset.Missing(req, have)
	if missing.Empty() {
		return rangeset.Range{}, false
	}
	start := missing.Ranges()[0].Start
	end := req.End

	nextHaveStart, hasNext := nextRangeStart(have, start)
	if hasNext && nextHaveStart < end {
		end = nextHaveStart
	}
	if budgetEnd := start + cacheBudget; budgetEnd < end {
		end = budgetEnd
	}

	if haveLRE && abs64(req.Start-lastResolvedEnd) <= defaultSequentialSlack(cacheBudget) {
		seqEnd := min(fileSize, start+cacheBudget)
		if hasNext {
			seqEnd = min(seqEnd, nextHaveStart)
		}
		if seqEnd > end {
			end = seqEnd
		}
	}
	return rangeset.Range{Start: start, End: end}, true
}

// defaultSequentialSlack bounds how close req.Start must be to
// lastResolvedEnd to be treated as a continuation of sequential reading;
// DefaultCloseEnough is a reasonable proxy for "effectively touching".
func defaultSequentialSlack(cacheBudget int64) int64 {
	if cacheBudget < DefaultCloseEnough {
		return cacheBudget
	}
	return DefaultCloseEnough
}

func nextRangeStart(rs rangeset.RangeSet, after int64) (int64, bool) {
	for _, r := range rs.Ranges() {
		if r.Start > after {
			return r.Start, true
		}
	}
	return 0, false
}

// keepExisting implements the "remaining.start lies within missing, or
// immediately before missing with gap <= CLOSE_ENOUGH" rule.
func keepExisting(conn *liveConn, req rangeset.Range, have rangeset.RangeSet, closeEnough int64) bool {
	missing := rangeset.Missing(req, have)
	for _, m := range missing.Ranges() {
		if conn.remaining.Start >= m.Start && conn.remaining.Start < m.End {
			return true
		}
		if conn.remaining.Start <= m.Start && m.Start-conn.remaining.Start <= closeEnough {
			return true
		}
	}
	return false
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
