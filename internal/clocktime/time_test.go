package clocktime

import "testing"

func TestNewNormalizes(t *testing.T) {
	cases := []struct {
		sec, nsec int64
		want      Time
	}{
		{5, 0, Time{5, 0}},
		{5, 1_500_000_000, Time{6, 500_000_000}},
		{5, -1, Time{4, 999_999_999}},
		{0, -1_000_000_001, Time{-2, 999_999_999}},
	}
	for _, c := range cases {
		got := New(c.sec, c.nsec)
		if got != c.want {
			t.Errorf("New(%d,%d) = %+v, want %+v", c.sec, c.nsec, got, c.want)
		}
	}
}

func TestCompare(t *testing.T) {
	a := Time{5, 100}
	b := Time{5, 200}
	c := Time{6, 0}
	if !a.Before(b) || !b.Before(c) || !c.After(a) {
		t.Fatal("ordering broken")
	}
	if !a.Equal(Time{5, 100}) {
		t.Fatal("equal broken")
	}
}

func TestAddSub(t *testing.T) {
	a := Time{5, 900_000_000}
	b := a.Add(200_000_000)
	want := Time{6, 100_000_000}
	if b != want {
		t.Fatalf("Add = %+v, want %+v", b, want)
	}
	if d := b.Sub(a); d != 200_000_000 {
		t.Fatalf("Sub = %d, want 200000000", d)
	}
}

func TestClamp(t *testing.T) {
	lo, hi := Time{0, 0}, Time{100, 0}
	if got := Clamp(Time{150, 0}, lo, hi); got != hi {
		t.Fatalf("clamp high = %+v, want %+v", got, hi)
	}
	if got := Clamp(Time{-10, 0}, lo, hi); got != lo {
		t.Fatalf("clamp low = %+v, want %+v", got, lo)
	}
	mid := Time{42, 0}
	if got := Clamp(mid, lo, hi); got != mid {
		t.Fatalf("clamp mid = %+v, want %+v", got, mid)
	}
}
