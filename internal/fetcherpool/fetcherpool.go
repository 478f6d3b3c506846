// Package fetcherpool enforces a shared upper bound on the number of
// simultaneously open remote connections across every CachedFile in a
// process, and picks which connection to close when a new one is needed
// and the budget is exhausted.
//
// This generalizes the teacher's internal/spinner worker-popularity
// eviction (spinner.go: wkrPopularity / evictWkr): spinner bounds how many
// decompression workers stay resident by evicting the least popular one
// under a tinylfu sketch, using maphash.Comparable as the sketch's key
// hasher; fetcherpool bounds how many live RangedFetcher connections stay
// open the same way, across files instead of within one.
package fetcherpool

import (
	"context"
	"fmt"
	"hash/maphash"
	"sync"

	"github.com/dgryski/go-tinylfu"
)

var seed = maphash.MakeSeed()

func hashKey(k string) uint64 { return maphash.Comparable(seed, k) }

// Lease represents a granted slot in the pool's connection budget. The
// holder must call Release exactly once when the underlying connection is
// closed, whether voluntarily or because Pool asked it to via the evict
// callback passed to Acquire.
type Lease struct {
	pool *Pool
	key  string
}

// Pool bounds the number of outstanding Leases at maxConnections. Callers
// register an evict callback per key at Acquire time; when the budget is
// full, Pool asks a tinylfu popularity sketch (fed by every Acquire call)
// which held key to evict, and invokes that key's evict callback before
// granting the new Lease.
type Pool struct {
	maxConnections int

	mu       sync.Mutex
	active   map[string]*held
	popular  *tinylfu.T[string, struct{}]
	toEvict  string // set by the tinylfu OnEvict callback during Add
	hasEvict bool
}

type held struct {
	lease *Lease
	evict func()
}

// New constructs a Pool that allows at most maxConnections simultaneous
// leases. sketchSamples bounds the tinylfu admission sketch's working set
// and should be a small multiple of maxConnections.
func New(maxConnections, sketchSamples int) *Pool {
	if maxConnections < 1 {
		maxConnections = 1
	}
	if sketchSamples < maxConnections {
		sketchSamples = maxConnections * 8
	}

	p := &Pool{maxConnections: maxConnections, active: make(map[string]*held)}
	p.popular = tinylfu.New[string, struct{}](sketchSamples, sketchSamples*10, hashKey,
		tinylfu.OnEvict(func(k string, _ struct{}) {
			p.toEvict = k
			p.hasEvict = true
		}))
	return p
}

// Acquire blocks only long enough to take the pool's lock; it does not
// wait for a slot to free up on its own — if the pool is full it evicts
// the sketch's least popular held key to make room. evict is called, at
// most once, if this lease is later chosen to make room for another
// caller's Acquire; it must close the caller's connection and then call
// Release on the returned Lease.
func (p *Pool) Acquire(ctx context.Context, key string, evict func()) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()

	p.toEvict, p.hasEvict = "", false
	p.popular.Add(key, struct{}{})

	var victim *held
	if len(p.active) >= p.maxConnections {
		victimKey, ok := p.chooseVictimLocked(key)
		if !ok {
			p.mu.Unlock()
			return nil, fmt.Errorf("fetcherpool: no room for %q and no victim found (maxConnections=%d)", key, p.maxConnections)
		}
		victim = p.active[victimKey]
		delete(p.active, victimKey)
	}

	lease := &Lease{pool: p, key: key}
	p.active[key] = &held{lease: lease, evict: evict}
	p.mu.Unlock()

	// The victim's callback runs without the lock held, so it may call
	// Release (a no-op here, since its slot is already gone).
	if victim != nil {
		victim.evict()
	}
	return lease, nil
}

// chooseVictimLocked picks an existing active key to evict to make room
// for newKey. It prefers the key tinylfu's own admission policy just
// evicted from the sketch (p.toEvict, set synchronously by the Add call
// in Acquire); if the sketch didn't evict anything from its own bookkeeping
// this round, it falls back to any active key other than newKey.
func (p *Pool) chooseVictimLocked(newKey string) (string, bool) {
	if p.hasEvict {
		if _, ok := p.active[p.toEvict]; ok && p.toEvict != newKey {
			return p.toEvict, true
		}
	}
	for k := range p.active {
		if k != newKey {
			return k, true
		}
	}
	return "", false
}

// Release gives up the lease's slot. Safe to call once, even if the lease
// was already evicted by the pool (the evict callback's own Release call
// is then a no-op).
func (l *Lease) Release() {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	if cur, ok := l.pool.active[l.key]; ok && cur.lease == l {
		delete(l.pool.active, l.key)
	}
}

// InUse reports the number of currently granted leases.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
