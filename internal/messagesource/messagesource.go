// Package messagesource adapts a byte-oriented recording file into the
// typed, time-ordered asynchronous iterator PlaybackCore drives.
//
// BagSource is the concrete implementation over internal/bagfmt and
// internal/cachedfile. Backfill fans out one goroutine per requested
// topic with golang.org/x/sync/errgroup, the way internal/messagesource's
// sibling in the original design would fan out per-topic reverse scans;
// golang.org/x/sync/singleflight collapses concurrent backfills for the
// same (topics, time) key so a seek-during-seek doesn't duplicate work
// against the cache, mirroring how a busy UI can issue overlapping seeks
// faster than the network answers them.
package messagesource

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/elliotnunn/streamplay/internal/bagfmt"
	"github.com/elliotnunn/streamplay/internal/cachedfile"
	"github.com/elliotnunn/streamplay/internal/clocktime"
	"github.com/elliotnunn/streamplay/internal/playerr"
	"github.com/elliotnunn/streamplay/internal/seekindex"
)

// Message is one decoded recording entry, independent of bagfmt's wire
// representation.
type Message struct {
	Topic       string
	ReceiveTime clocktime.Time
	SizeBytes   int64
	Payload     []byte
	Schema      string
}

// TopicInfo describes one topic reported by Initialize.
type TopicInfo struct {
	Name   string
	Schema string
}

// InitResult is MessageSource.Initialize's result.
type InitResult struct {
	Start  clocktime.Time
	End    clocktime.Time
	Topics []TopicInfo
}

// ItemMessage, ItemProblem, and ItemStamp are the three IterItem variants
// an Iterator yields.
type (
	ItemMessage struct{ Message Message }
	ItemProblem struct {
		ConnectionID string
		Severity     string
		Message      string
	}
	ItemStamp struct{ Time clocktime.Time }
)

// IterItem is implemented by ItemMessage, ItemProblem, and ItemStamp.
type IterItem interface{ isIterItem() }

func (ItemMessage) isIterItem() {}
func (ItemProblem) isIterItem() {}
func (ItemStamp) isIterItem()   {}

// IterateOptions selects the Iterate window.
type IterateOptions struct {
	Topics  []string // nil or empty means all topics
	Start   *clocktime.Time
	End     *clocktime.Time
	Reverse bool
}

// MessageSource is the contract PlaybackCore drives.
type MessageSource interface {
	Initialize(ctx context.Context) (InitResult, error)
	Iterate(ctx context.Context, opts IterateOptions) (*Iterator, error)
	Backfill(ctx context.Context, topics []string, t clocktime.Time) ([]Message, error)
	Terminate() error
}

// cachedReaderAt adapts a CachedFile to io.ReaderAt using a fixed
// background context, matching the design note that CachedFile reads
// carry no caller-supplied cancel token.
type cachedReaderAt struct{ cf *cachedfile.CachedFile }

func (c cachedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	data, err := c.cf.Read(context.Background(), off, int64(len(p)))
	n := copy(p, data)
	if err == nil && n < len(p) {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// BagSource implements MessageSource over a bagfmt-encoded recording.
type BagSource struct {
	cf    *cachedfile.CachedFile
	index *bagfmt.Index
	rdr   *bagfmt.Reader
	hints *seekindex.Store // optional

	sf singleflight.Group
}

// Open connects to a bagfmt recording through cf, which must already be
// Open. hints may be nil to disable persisted seek hints.
func Open(ctx context.Context, cf *cachedfile.CachedFile, identity string, hints *seekindex.Store) (*BagSource, error) {
	rdr, index, err := bagfmt.Open(ctx, cachedReaderAt{cf}, cf.Size(), identity)
	if err != nil {
		return nil, err
	}
	return &BagSource{cf: cf, index: index, rdr: rdr, hints: hints}, nil
}

func (s *BagSource) Initialize(ctx context.Context) (InitResult, error) {
	topics := s.index.Topics()
	if len(topics) == 0 {
		return InitResult{}, fmt.Errorf("%w: recording has no topics", playerr.ErrInvalidArgument)
	}

	var start, end clocktime.Time
	haveBound := false
	infos := make([]TopicInfo, 0, len(topics))

	for _, topic := range topics {
		entries := s.index.Entries(topic)
		if len(entries) == 0 {
			continue
		}
		if !haveBound || entries[0].Time.Before(start) {
			start = entries[0].Time
		}
		last := entries[len(entries)-1].Time
		if !haveBound || last.After(end) {
			end = last
		}
		haveBound = true

		rec, _, err := s.rdr.ReadRecord(entries[0].Offset)
		if err != nil {
			return InitResult{}, fmt.Errorf("messagesource: reading first record of %q: %w", topic, err)
		}
		infos = append(infos, TopicInfo{Name: topic, Schema: rec.Schema})
	}

	return InitResult{Start: start, End: end, Topics: infos}, nil
}

// Backfill returns, for each requested topic, the latest message whose
// ReceiveTime <= t, sorted ascending by ReceiveTime.
func (s *BagSource) Backfill(ctx context.Context, topics []string, t clocktime.Time) ([]Message, error) {
	key := backfillKey(topics, t)
	v, err, _ := s.sf.Do(key, func() (any, error) {
		return s.backfillOnce(ctx, topics, t)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Message), nil
}

func backfillKey(topics []string, t clocktime.Time) string {
	sorted := append([]string(nil), topics...)
	sort.Strings(sorted)
	return fmt.Sprintf("%s@%s", strings.Join(sorted, ","), t.String())
}

func (s *BagSource) backfillOnce(ctx context.Context, topics []string, t clocktime.Time) ([]Message, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]*Message, len(topics))

	for i, topic := range topics {
		i, topic := i, topic
		g.Go(func() error {
			msg, ok, err := s.backfillTopic(gctx, topic, t)
			if err != nil {
				return err
			}
			if ok {
				results[i] = &msg
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", playerr.ErrAborted, err)
		}
		return nil, err
	}

	out := make([]Message, 0, len(results))
	for _, m := range results {
		if m != nil {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceiveTime.Before(out[j].ReceiveTime) })
	return out, nil
}

// backfillTopic finds the latest entry for topic with Time <= t. A
// persisted seekindex hint, if present and still <= t, only narrows
// where the binary search over the in-memory index begins; bagfmt's
// footer index already makes that search O(log n), so the hint mainly
// pays off for MessageSource implementations over formats that must scan
// to find a usable starting point.
func (s *BagSource) backfillTopic(ctx context.Context, topic string, t clocktime.Time) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, fmt.Errorf("%w: %v", playerr.ErrAborted, err)
	}

	entries := s.index.Entries(topic)
	if len(entries) == 0 {
		return Message{}, false, nil
	}

	lo := 0
	if s.hints != nil {
		if hint, ok, err := s.hints.Nearest(topic, t); err == nil && ok {
			if i := sort.Search(len(entries), func(i int) bool { return !entries[i].Time.Before(hint.Time) }); i > lo {
				lo = i
			}
		}
	}

	idx := sort.Search(len(entries)-lo, func(i int) bool { return entries[lo+i].Time.After(t) })
	idx += lo
	if idx == 0 {
		return Message{}, false, nil
	}
	found := entries[idx-1]

	rec, _, err := s.rdr.ReadRecord(found.Offset)
	if err != nil {
		return Message{}, false, fmt.Errorf("messagesource: backfill %q: %w", topic, err)
	}

	if s.hints != nil {
		_ = s.hints.Put(seekindex.Entry{Topic: topic, Time: found.Time, Offset: found.Offset})
	}

	return Message{
		Topic:       topic,
		ReceiveTime: rec.ReceiveTime,
		SizeBytes:   int64(len(rec.Payload)),
		Payload:     rec.Payload,
		Schema:      rec.Schema,
	}, true, nil
}

func (s *BagSource) Terminate() error {
	return s.cf.Close()
}
