package rangeset

import (
	"reflect"
	"testing"
)

func TestAddCoalescesTouchingAndOverlapping(t *testing.T) {
	var s RangeSet
	s.Add(Range{0, 10})
	s.Add(Range{10, 20}) // touching
	s.Add(Range{25, 30})
	s.Add(Range{15, 27}) // bridges the gap

	want := []Range{{0, 30}}
	if got := s.Ranges(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestAddEmptyIsIdentity(t *testing.T) {
	var s RangeSet
	s.Add(Range{5, 5})
	if !s.Empty() {
		t.Fatalf("empty range should be identity, got %v", s.Ranges())
	}
}

func TestContains(t *testing.T) {
	s := New(Range{0, 10}, Range{20, 30})
	cases := []struct {
		q    Range
		want bool
	}{
		{Range{2, 8}, true},
		{Range{0, 10}, true},
		{Range{5, 15}, false},
		{Range{10, 20}, false},
		{Range{22, 25}, true},
		{Range{3, 3}, true}, // empty query always contained
	}
	for _, c := range cases {
		if got := s.Contains(c.q); got != c.want {
			t.Errorf("Contains(%v) = %v, want %v", c.q, got, c.want)
		}
	}
}

func TestSubtractSelfIsEmpty(t *testing.T) {
	a := New(Range{0, 100})
	got := Subtract(a, a)
	if !got.Empty() {
		t.Fatalf("subtract(a,a) should be empty, got %v", got.Ranges())
	}
}

func TestSubtract(t *testing.T) {
	a := New(Range{0, 100})
	b := New(Range{20, 30}, Range{90, 100})
	got := Subtract(a, b)
	want := []Range{{0, 20}, {30, 90}}
	if !reflect.DeepEqual(got.Ranges(), want) {
		t.Fatalf("got %v, want %v", got.Ranges(), want)
	}
}

func TestUnionCommutative(t *testing.T) {
	a := New(Range{0, 10}, Range{50, 60})
	b := New(Range{5, 20}, Range{55, 70})
	u1 := Union(a, b)
	u2 := Union(b, a)
	if !reflect.DeepEqual(u1.Ranges(), u2.Ranges()) {
		t.Fatalf("union not commutative: %v vs %v", u1.Ranges(), u2.Ranges())
	}
}

func TestMissing(t *testing.T) {
	have := New(Range{10, 20}, Range{40, 50})
	got := Missing(Range{0, 60}, have)
	want := []Range{{0, 10}, {20, 40}, {50, 60}}
	if !reflect.DeepEqual(got.Ranges(), want) {
		t.Fatalf("got %v, want %v", got.Ranges(), want)
	}
}

func TestContainsEquivalentToEmptyMissing(t *testing.T) {
	have := New(Range{0, 10}, Range{20, 30})
	for _, q := range []Range{{2, 8}, {5, 15}, {22, 25}} {
		missing := Missing(q, have)
		if missing.Empty() != have.Contains(q) {
			t.Errorf("contains/missing disagreement for %v: contains=%v missing.Empty=%v",
				q, have.Contains(q), missing.Empty())
		}
	}
}
