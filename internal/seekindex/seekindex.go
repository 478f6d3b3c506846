// Package seekindex persists a (topic, time) -> byte offset hint across
// process restarts, so MessageSource.backfill can begin its search of a
// topic's index near the answer on a cold start; PlaybackCore's
// start-play phase does not consult it. A hint is never authoritative: it
// only moves where that index search starts, and the answer always comes
// from the index search internal/messagesource performs anyway.
//
// This generalizes the teacher's prefetch.go, which persists a
// pfcache/scache pair of on-disk tables mapping path metadata to prior
// probe results so repeated directory listings skip redundant network
// round trips. Here the persisted mapping is (topic, time) -> offset
// instead of (path) -> stat result, and the store is an embedded LSM
// (cockroachdb/pebble/v2) instead of SQL, since the access pattern is a
// single range scan per topic rather than relational queries.
package seekindex

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble/v2"

	"github.com/elliotnunn/streamplay/internal/clocktime"
)

// errCorruptValue is returned when a stored value doesn't decode to the
// expected 8-byte offset; since hints are never authoritative, callers
// should treat this the same as a cache miss rather than propagating it.
var errCorruptValue = errors.New("seekindex: corrupt value")

// Entry is a persisted hint: at or before Time, topic's record stream in
// the recording had not yet advanced past Offset.
type Entry struct {
	Topic  string
	Time   clocktime.Time
	Offset int64
}

// Store is a handle on the persisted index. Safe for concurrent use
// (pebble.DB itself is).
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) the index at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put records a hint. Hints are written with NoSync: losing a few recent
// hints on an unclean shutdown only costs a slightly longer backfill
// scan next time, never correctness.
func (s *Store) Put(e Entry) error {
	return s.db.Set(encodeKey(e.Topic, e.Time), encodeValue(e.Offset), pebble.NoSync)
}

// Nearest returns the hint for topic whose Time is the greatest one
// <= t, if any exists. ok is false if topic has no hint at or before t.
func (s *Store) Nearest(topic string, t clocktime.Time) (entry Entry, ok bool, err error) {
	lower := topicPrefix(topic)
	upper := topicPrefixEnd(topic)
	target := encodeKey(topic, t)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return Entry{}, false, err
	}
	defer iter.Close()

	valid := iter.SeekGE(target)
	if !valid || !bytes.Equal(iter.Key(), target) {
		if valid {
			valid = iter.Prev()
		} else {
			valid = iter.Last()
		}
	}
	if !valid {
		return Entry{}, false, nil
	}

	offset, derr := decodeValue(iter.Value())
	if derr != nil {
		return Entry{}, false, derr
	}
	sec, nsec := decodeTimeSuffix(iter.Key())
	return Entry{Topic: topic, Time: clocktime.New(sec, nsec), Offset: offset}, true, nil
}

// keyLen is len(topicHash) + len(sec) + len(nsec): 8 + 8 + 4.
const keyLen = 20

func topicHash(topic string) uint64 { return xxhash.Sum64String(topic) }

func topicPrefix(topic string) []byte {
	p := make([]byte, 8)
	binary.BigEndian.PutUint64(p, topicHash(topic))
	return p
}

// topicPrefixEnd returns the exclusive upper bound of the key range
// sharing topic's hash prefix.
func topicPrefixEnd(topic string) []byte {
	p := topicPrefix(topic)
	end := make([]byte, len(p))
	copy(end, p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	// All-0xff prefix (astronomically unlikely for a 64-bit hash): no
	// finite upper bound exists, so scans run unbounded above.
	return nil
}

// encodeKey lays out topicHash(8) || sec(8, big-endian) || nsec(4,
// big-endian) so that keys sharing a topic sort by time.
func encodeKey(topic string, t clocktime.Time) []byte {
	k := make([]byte, keyLen)
	binary.BigEndian.PutUint64(k[0:8], topicHash(topic))
	binary.BigEndian.PutUint64(k[8:16], uint64(t.Sec))
	binary.BigEndian.PutUint32(k[16:20], t.Nsec)
	return k
}

func decodeTimeSuffix(key []byte) (sec int64, nsec int64) {
	sec = int64(binary.BigEndian.Uint64(key[8:16]))
	nsec = int64(binary.BigEndian.Uint32(key[16:20]))
	return
}

func encodeValue(offset int64) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(offset))
	return v
}

func decodeValue(v []byte) (int64, error) {
	if len(v) != 8 {
		return 0, errCorruptValue
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}
