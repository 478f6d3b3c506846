package messagesource

import (
	"container/heap"
	"context"
	"fmt"
	"io"

	"github.com/elliotnunn/streamplay/internal/bagfmt"
	"github.com/elliotnunn/streamplay/internal/clocktime"
	"github.com/elliotnunn/streamplay/internal/playerr"
)

// Iterate opens a fresh, lazy stream over the requested window. Each call
// produces an independent Iterator positioned at opts.Start (or the
// recording's start/end, in Reverse); nothing is shared with any prior
// Iterate call, matching the restartable contract PlaybackCore's
// reset-iterator phase relies on.
func (s *BagSource) Iterate(ctx context.Context, opts IterateOptions) (*Iterator, error) {
	topics := opts.Topics
	if len(topics) == 0 {
		topics = s.index.Topics()
	}

	it := &Iterator{rdr: s.rdr, reverse: opts.Reverse}
	if opts.End != nil {
		it.end = *opts.End
		it.haveEnd = true
	}

	var lanes []*lane
	for _, topic := range topics {
		entries := entryList(s.index.Entries(topic))
		ln := &lane{topic: topic, entries: entries}

		if opts.Start != nil {
			if opts.Reverse {
				// Default: no entry exceeds Start, so every entry qualifies
				// and the walk begins at the last one.
				ln.pos = entries.Len() - 1
			} else {
				// Default: no entry reaches Start, so none qualify.
				ln.pos = entries.Len()
			}
			for i, e := range entries {
				if !opts.Reverse && !e.Time.Before(*opts.Start) {
					ln.pos = i
					break
				}
				if opts.Reverse && e.Time.After(*opts.Start) {
					ln.pos = i - 1
					break
				}
			}
		} else if opts.Reverse {
			ln.pos = entries.Len() - 1
		}

		if ln.valid() {
			lanes = append(lanes, ln)
		}
	}

	it.lh = laneHeap{lanes: lanes, reverse: opts.Reverse}
	heap.Init(&it.lh)
	return it, nil
}

// Iterator is a restartable, lazily-advancing merge over one or more
// topics' index entries, ordered by ReceiveTime (or its reverse).
type Iterator struct {
	rdr     *bagfmt.Reader
	reverse bool
	end     clocktime.Time
	haveEnd bool
	lh      laneHeap
	done    bool
}

type lane struct {
	topic   string
	entries entryList
	pos     int
}

func (l *lane) valid() bool { return l.pos >= 0 && l.pos < l.entries.Len() }

func (l *lane) time() clocktime.Time { return l.entries.at(l.pos).Time }

// Next returns the next item in time order, or io.EOF once the window is
// exhausted. ctx is checked cooperatively between lanes; there is no
// blocking I/O to cancel mid-record since bagfmt reads synchronously
// against the CachedFile-backed io.ReaderAt.
func (it *Iterator) Next(ctx context.Context) (IterItem, error) {
	if it.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", playerr.ErrAborted, err)
	}
	if it.lh.Len() == 0 {
		it.done = true
		return nil, io.EOF
	}

	top := it.lh.lanes[0]
	t := top.time()
	if it.haveEnd {
		if !it.reverse && t.After(it.end) {
			it.done = true
			return nil, io.EOF
		}
		if it.reverse && t.Before(it.end) {
			it.done = true
			return nil, io.EOF
		}
	}

	entry := top.entries.at(top.pos)
	rec, _, err := it.rdr.ReadRecord(entry.Offset)
	if err != nil {
		return ItemProblem{Severity: "error", Message: err.Error()}, nil
	}

	if it.reverse {
		top.pos--
	} else {
		top.pos++
	}
	if top.valid() {
		heap.Fix(&it.lh, 0)
	} else {
		heap.Pop(&it.lh)
	}

	return ItemMessage{Message: Message{
		Topic:       top.topic,
		ReceiveTime: rec.ReceiveTime,
		SizeBytes:   int64(len(rec.Payload)),
		Payload:     rec.Payload,
		Schema:      rec.Schema,
	}}, nil
}

// Close releases the iterator. BagSource's underlying reader is shared
// and owned by the caller of Open, so Close has nothing of its own to
// release; it exists so callers have a symmetric lifetime hook.
func (it *Iterator) Close() error {
	it.done = true
	it.lh = laneHeap{}
	return nil
}

// entryList is a thin alias over bagfmt's index entries for the lane
// bookkeeping above.
type entryList []bagfmt.IndexEntry

func (e entryList) Len() int                  { return len(e) }
func (e entryList) at(i int) bagfmt.IndexEntry { return e[i] }

// laneHeap orders active lanes by their current entry's time: ascending
// for forward iteration (earliest next), descending in reverse (latest
// next).
type laneHeap struct {
	lanes   []*lane
	reverse bool
}

func (h laneHeap) Len() int { return len(h.lanes) }
func (h laneHeap) Less(i, j int) bool {
	if h.reverse {
		return h.lanes[i].time().After(h.lanes[j].time())
	}
	return h.lanes[i].time().Before(h.lanes[j].time())
}
func (h laneHeap) Swap(i, j int) { h.lanes[i], h.lanes[j] = h.lanes[j], h.lanes[i] }
func (h *laneHeap) Push(x any)   { h.lanes = append(h.lanes, x.(*lane)) }
func (h *laneHeap) Pop() any {
	old := h.lanes
	n := len(old)
	v := old[n-1]
	h.lanes = old[:n-1]
	return v
}
