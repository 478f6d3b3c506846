package fetcherpool

import (
	"context"
	"testing"
)

func TestAcquireRespectsCapacity(t *testing.T) {
	p := New(2, 16)
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "a", func() {})
	if err != nil {
		t.Fatal(err)
	}
	l2, err := p.Acquire(ctx, "b", func() {})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.InUse(); got != 2 {
		t.Fatalf("InUse = %d, want 2", got)
	}
	_ = l1
	_ = l2
}

func TestAcquireEvictsUnderPressure(t *testing.T) {
	p := New(1, 16)
	ctx := context.Background()

	evicted := false
	l1, err := p.Acquire(ctx, "a", func() { evicted = true })
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Acquire(ctx, "b", func() {}); err != nil {
		t.Fatal(err)
	}
	if !evicted {
		t.Fatal("expected a's evict callback to fire when b was acquired over capacity")
	}
	if got := p.InUse(); got != 1 {
		t.Fatalf("InUse = %d, want 1", got)
	}
	_ = l1
}

func TestReleaseFreesSlot(t *testing.T) {
	p := New(1, 16)
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "a", func() { t.Fatal("a should not be evicted") })
	if err != nil {
		t.Fatal(err)
	}
	l1.Release()

	if _, err := p.Acquire(ctx, "b", func() {}); err != nil {
		t.Fatal(err)
	}
	if got := p.InUse(); got != 1 {
		t.Fatalf("InUse = %d, want 1", got)
	}
}

func TestReleaseAfterEvictionIsNoop(t *testing.T) {
	p := New(1, 16)
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "a", func() {})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(ctx, "b", func() {}); err != nil {
		t.Fatal(err)
	}
	// a was evicted already; releasing its stale lease must not disturb b's slot.
	l1.Release()
	if got := p.InUse(); got != 1 {
		t.Fatalf("InUse = %d, want 1", got)
	}
}
