// Package clocktime implements the (sec, nsec) recording-time pair used
// throughout the playback core. It is deliberately not time.Time: callers
// need exact lexicographic comparison and nsec-normalizing arithmetic on a
// plain (int64, uint32) pair, matching the wire shape of the recordings
// being played back.
package clocktime

import "fmt"

const nsecPerSec = 1_000_000_000

// Time is a recording timestamp: Sec seconds plus Nsec nanoseconds, with
// 0 <= Nsec < 1e9.
type Time struct {
	Sec  int64
	Nsec uint32
}

// New builds a normalized Time from a possibly out-of-range nsec.
func New(sec int64, nsec int64) Time {
	sec += nsec / nsecPerSec
	nsec %= nsecPerSec
	if nsec < 0 {
		nsec += nsecPerSec
		sec--
	}
	return Time{Sec: sec, Nsec: uint32(nsec)}
}

// Compare returns -1, 0, or 1 as t is before, equal to, or after u.
func (t Time) Compare(u Time) int {
	switch {
	case t.Sec < u.Sec:
		return -1
	case t.Sec > u.Sec:
		return 1
	case t.Nsec < u.Nsec:
		return -1
	case t.Nsec > u.Nsec:
		return 1
	default:
		return 0
	}
}

func (t Time) Before(u Time) bool { return t.Compare(u) < 0 }
func (t Time) After(u Time) bool  { return t.Compare(u) > 0 }
func (t Time) Equal(u Time) bool  { return t.Compare(u) == 0 }

// Add returns t + d nanoseconds.
func (t Time) Add(d int64) Time {
	return New(t.Sec, int64(t.Nsec)+d)
}

// Sub returns t - u in nanoseconds. Callers must ensure the result fits in
// an int64; recordings are not expected to span the full int64 range.
func (t Time) Sub(u Time) int64 {
	return (t.Sec-u.Sec)*nsecPerSec + int64(t.Nsec) - int64(u.Nsec)
}

// Clamp returns t restricted to [lo, hi]. If lo > hi, lo is returned.
func Clamp(t, lo, hi Time) Time {
	if lo.After(hi) {
		return lo
	}
	if t.Before(lo) {
		return lo
	}
	if t.After(hi) {
		return hi
	}
	return t
}

func (t Time) String() string {
	return fmt.Sprintf("%d.%09d", t.Sec, t.Nsec)
}
