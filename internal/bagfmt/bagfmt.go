// Package bagfmt implements a concrete, non-authoritative recording
// format: a flat sequence of length-prefixed records followed by a
// per-topic footer index, read back through a CachedFile-backed
// io.ReaderAt. It exists to give internal/messagesource's tests and
// internal/devserver's fixtures something real to decode; any other wire
// format can implement the same MessageSource contract over its own
// codec, so bagfmt is never load-bearing for the playback core itself.
//
// Decoded record payloads are cached the way the teacher's
// internal/decompressioncache caches decompressed chunks: a package-level
// bigcache keyed by "<identity>@<offset>", so that re-visiting an offset
// during backfill or a reverse seek doesn't re-hit the CachedFile. Schema
// strings, which repeat constantly within a topic, are cached the way
// internal/reader2readerat caches fixed blocks: an otter/v2 cache keyed by
// "<identity>/<topic>".
package bagfmt

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/allegro/bigcache/v3"
	"github.com/maypok86/otter/v2"

	"github.com/elliotnunn/streamplay/internal/clocktime"
	"github.com/elliotnunn/streamplay/internal/sectionreader"
)

// Record is one decoded message.
type Record struct {
	Topic       string
	ReceiveTime clocktime.Time
	Schema      string
	Payload     []byte
}

// IndexEntry locates one record within a topic's sorted-by-time sequence.
type IndexEntry struct {
	Time   clocktime.Time
	Offset int64
}

// Index is the footer: a sorted-by-time, per-topic offset table built
// while writing, or parsed back from the footer while opening.
type Index struct {
	byTopic map[string][]IndexEntry
}

func newIndex() *Index { return &Index{byTopic: make(map[string][]IndexEntry)} }

// Topics returns the indexed topic names in sorted order.
func (ix *Index) Topics() []string {
	names := make([]string, 0, len(ix.byTopic))
	for t := range ix.byTopic {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

// Entries returns topic's entries in ascending time order, or nil if the
// topic was never written.
func (ix *Index) Entries(topic string) []IndexEntry {
	return ix.byTopic[topic]
}

// entriesFrom returns the index of the first entry at or after t, the way
// sort.Search locates an insertion point; callers walk forward or
// backward from it for range scans and reverse backfill.
func entriesFrom(entries []IndexEntry, t clocktime.Time) int {
	return sort.Search(len(entries), func(i int) bool {
		return !entries[i].Time.Before(t)
	})
}

// EntriesFrom is the exported form of entriesFrom, used by
// internal/messagesource to begin a forward or reverse scan of topic at t.
func (ix *Index) EntriesFrom(topic string, t clocktime.Time) int {
	return entriesFrom(ix.byTopic[topic], t)
}

var (
	recordCache *bigcache.BigCache
	schemaCache *otter.Cache[string, string]
)

func init() {
	c, err := bigcache.New(context.Background(), bigcache.Config{
		HardMaxCacheSize: 256, // megabytes
		Shards:           256,
	})
	if err != nil {
		panic(err)
	}
	recordCache = c
	schemaCache = otter.Must(&otter.Options[string, string]{MaximumSize: 4096})
}

// Writer serializes Records to w in arrival order and produces the footer
// Index once Close is called. Writer does not itself sort; callers append
// in whatever order they generate records, and Index.Entries exposes them
// sorted per topic regardless of write order.
type Writer struct {
	w      io.Writer
	offset int64
	index  *Index
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, index: newIndex()}
}

// WriteRecord appends rec and returns the byte offset it was written at.
//
// On-disk layout, starting at that offset:
//
//	[0:4)   recLen uint32 -- bytes following this field: 20 (fixed fields
//	                         below) + len(topic) + len(schema) + len(payload)
//	[4:12)  sec    int64
//	[12:16) nsec   uint32
//	[16:18) topicLen   uint16
//	[18:20) schemaLen  uint16
//	[20:24) payloadLen uint32
//	[24:)   topic bytes, then schema bytes, then payload bytes
func (wr *Writer) WriteRecord(rec Record) (int64, error) {
	var hdr [24]byte
	recLen := uint32(20 + len(rec.Topic) + len(rec.Schema) + len(rec.Payload))
	binary.LittleEndian.PutUint32(hdr[0:4], recLen)
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(rec.ReceiveTime.Sec))
	binary.LittleEndian.PutUint32(hdr[12:16], rec.ReceiveTime.Nsec)
	binary.LittleEndian.PutUint16(hdr[16:18], uint16(len(rec.Topic)))
	binary.LittleEndian.PutUint16(hdr[18:20], uint16(len(rec.Schema)))
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(rec.Payload)))

	start := wr.offset
	for _, chunk := range [][]byte{hdr[:], []byte(rec.Topic), []byte(rec.Schema), rec.Payload} {
		n, err := wr.w.Write(chunk)
		wr.offset += int64(n)
		if err != nil {
			return start, err
		}
	}

	wr.index.byTopic[rec.Topic] = append(wr.index.byTopic[rec.Topic], IndexEntry{Time: rec.ReceiveTime, Offset: start})
	return start, nil
}

// Close sorts each topic's entries by time and writes the footer,
// returning the Index a Reader would reconstruct by reading it back.
func (wr *Writer) Close() (*Index, error) {
	for _, entries := range wr.index.byTopic {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Time.Before(entries[j].Time) })
	}

	footerStart := wr.offset
	topics := wr.index.Topics()

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(topics)))
	if err := writeAll(wr, countBuf[:]); err != nil {
		return nil, err
	}

	for _, topic := range topics {
		entries := wr.index.byTopic[topic]
		var nameLen [2]byte
		binary.LittleEndian.PutUint16(nameLen[:], uint16(len(topic)))
		if err := writeAll(wr, nameLen[:]); err != nil {
			return nil, err
		}
		if err := writeAll(wr, []byte(topic)); err != nil {
			return nil, err
		}
		var countBuf [4]byte
		binary.LittleEndian.PutUint32(countBuf[:], uint32(len(entries)))
		if err := writeAll(wr, countBuf[:]); err != nil {
			return nil, err
		}
		for _, e := range entries {
			var entryBuf [20]byte
			binary.LittleEndian.PutUint64(entryBuf[0:8], uint64(e.Time.Sec))
			binary.LittleEndian.PutUint32(entryBuf[8:12], e.Time.Nsec)
			binary.LittleEndian.PutUint64(entryBuf[12:20], uint64(e.Offset))
			if err := writeAll(wr, entryBuf[:]); err != nil {
				return nil, err
			}
		}
	}

	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], uint64(footerStart))
	if err := writeAll(wr, trailer[:]); err != nil {
		return nil, err
	}
	return wr.index, nil
}

func writeAll(wr *Writer, p []byte) error {
	n, err := wr.w.Write(p)
	wr.offset += int64(n)
	return err
}

// Reader decodes Records on demand from a CachedFile-backed io.ReaderAt.
// identity must be stable and unique per underlying file (e.g.
// fetcher.StableKey's output) so the package-level record cache doesn't
// collide across recordings.
type Reader struct {
	ra       io.ReaderAt
	size     int64
	identity string
}

// Open parses the footer at the end of ra (which must be exactly size
// bytes long) and returns a Reader plus the Index it found.
func Open(ctx context.Context, ra io.ReaderAt, size int64, identity string) (*Reader, *Index, error) {
	if size < 8 {
		return nil, nil, fmt.Errorf("bagfmt: file too small to contain a footer (%d bytes)", size)
	}
	var trailer [8]byte
	if _, err := ra.ReadAt(trailer[:], size-8); err != nil {
		return nil, nil, fmt.Errorf("bagfmt: reading trailer: %w", err)
	}
	footerStart := int64(binary.LittleEndian.Uint64(trailer[:]))
	if footerStart < 0 || footerStart > size-8 {
		return nil, nil, fmt.Errorf("bagfmt: corrupt footer offset %d", footerStart)
	}

	footer := make([]byte, size-8-footerStart)
	if _, err := ra.ReadAt(footer, footerStart); err != nil {
		return nil, nil, fmt.Errorf("bagfmt: reading footer: %w", err)
	}

	ix, err := parseFooter(footer)
	if err != nil {
		return nil, nil, err
	}
	return &Reader{ra: ra, size: size, identity: identity}, ix, nil
}

func parseFooter(footer []byte) (*Index, error) {
	ix := newIndex()
	pos := 0
	readU32 := func() (uint32, error) {
		if pos+4 > len(footer) {
			return 0, io.ErrUnexpectedEOF
		}
		v := binary.LittleEndian.Uint32(footer[pos : pos+4])
		pos += 4
		return v, nil
	}
	readU16 := func() (uint16, error) {
		if pos+2 > len(footer) {
			return 0, io.ErrUnexpectedEOF
		}
		v := binary.LittleEndian.Uint16(footer[pos : pos+2])
		pos += 2
		return v, nil
	}

	topicCount, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("bagfmt: parsing footer: %w", err)
	}
	for i := uint32(0); i < topicCount; i++ {
		nameLen, err := readU16()
		if err != nil {
			return nil, fmt.Errorf("bagfmt: parsing footer: %w", err)
		}
		if pos+int(nameLen) > len(footer) {
			return nil, io.ErrUnexpectedEOF
		}
		topic := string(footer[pos : pos+int(nameLen)])
		pos += int(nameLen)

		entryCount, err := readU32()
		if err != nil {
			return nil, fmt.Errorf("bagfmt: parsing footer: %w", err)
		}
		entries := make([]IndexEntry, entryCount)
		for j := uint32(0); j < entryCount; j++ {
			if pos+20 > len(footer) {
				return nil, io.ErrUnexpectedEOF
			}
			sec := int64(binary.LittleEndian.Uint64(footer[pos : pos+8]))
			nsec := binary.LittleEndian.Uint32(footer[pos+8 : pos+12])
			offset := int64(binary.LittleEndian.Uint64(footer[pos+12 : pos+20]))
			pos += 20
			entries[j] = IndexEntry{Time: clocktime.New(sec, int64(nsec)), Offset: offset}
		}
		ix.byTopic[topic] = entries
	}
	return ix, nil
}

// ReadRecord decodes the record at offset and returns it along with the
// offset of the next record (useful for forward scans that don't already
// know the next entry's offset from the Index).
func (r *Reader) ReadRecord(offset int64) (Record, int64, error) {
	cacheKey := fmt.Sprintf("%s@%d", r.identity, offset)
	if cached, err := recordCache.Get(cacheKey); err == nil {
		rec, next, decErr := decodeRecord(cached, offset, r.identity)
		if decErr == nil {
			return rec, next, nil
		}
	}

	var hdr [24]byte
	if _, err := r.ra.ReadAt(hdr[:], offset); err != nil {
		return Record{}, 0, fmt.Errorf("bagfmt: reading record header at %d: %w", offset, err)
	}
	recLen := binary.LittleEndian.Uint32(hdr[0:4])

	raw := make([]byte, 4+recLen)
	copy(raw, hdr[:])
	body := sectionreader.Section(r.ra, offset+24, int64(recLen)-20)
	if _, err := body.ReadAt(raw[24:], 0); err != nil {
		return Record{}, 0, fmt.Errorf("bagfmt: reading record body at %d: %w", offset, err)
	}

	_ = recordCache.Set(cacheKey, raw)
	return decodeRecord(raw, offset, r.identity)
}

func decodeRecord(raw []byte, offset int64, identity string) (Record, int64, error) {
	if len(raw) < 24 {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	recLen := binary.LittleEndian.Uint32(raw[0:4])
	sec := int64(binary.LittleEndian.Uint64(raw[4:12]))
	nsec := binary.LittleEndian.Uint32(raw[12:16])
	topicLen := binary.LittleEndian.Uint16(raw[16:18])
	schemaLen := binary.LittleEndian.Uint16(raw[18:20])
	payloadLen := binary.LittleEndian.Uint32(raw[20:24])

	want := 24 + int(topicLen) + int(schemaLen) + int(payloadLen)
	if len(raw) < want || int(recLen) != want-4 {
		return Record{}, 0, io.ErrUnexpectedEOF
	}

	pos := 24
	topic := string(raw[pos : pos+int(topicLen)])
	pos += int(topicLen)

	var schema string
	schemaKey := identity + "/" + topic
	if schemaLen == 0 {
		if keg, ok := schemaCache.GetEntry(schemaKey); ok {
			schema = keg.Value
		}
	} else {
		schema = string(raw[pos : pos+int(schemaLen)])
		schemaCache.Set(schemaKey, schema)
	}
	pos += int(schemaLen)

	payload := make([]byte, payloadLen)
	copy(payload, raw[pos:pos+int(payloadLen)])

	rec := Record{
		Topic:       topic,
		ReceiveTime: clocktime.New(sec, int64(nsec)),
		Schema:      schema,
		Payload:     payload,
	}
	return rec, offset + 4 + int64(recLen), nil
}
