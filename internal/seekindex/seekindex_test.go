package seekindex

import (
	"testing"

	"github.com/elliotnunn/streamplay/internal/clocktime"
)

func TestPutThenNearestFindsLastAtOrBefore(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	topic := "/robot/odom"
	entries := []Entry{
		{Topic: topic, Time: clocktime.New(10, 0), Offset: 1000},
		{Topic: topic, Time: clocktime.New(20, 0), Offset: 2000},
		{Topic: topic, Time: clocktime.New(30, 0), Offset: 3000},
	}
	for _, e := range entries {
		if err := s.Put(e); err != nil {
			t.Fatal(err)
		}
	}

	got, ok, err := s.Nearest(topic, clocktime.New(25, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a hint")
	}
	if got.Offset != 2000 {
		t.Fatalf("Offset = %d, want 2000", got.Offset)
	}

	got, ok, err = s.Nearest(topic, clocktime.New(20, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.Offset != 2000 {
		t.Fatalf("exact-match lookup: got %+v, ok=%v, want Offset=2000", got, ok)
	}
}

func TestNearestMissesBeforeEarliestHint(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	topic := "/robot/scan"
	if err := s.Put(Entry{Topic: topic, Time: clocktime.New(100, 0), Offset: 500}); err != nil {
		t.Fatal(err)
	}

	_, ok, err := s.Nearest(topic, clocktime.New(50, 0))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no hint before the earliest recorded entry")
	}
}

func TestNearestIsolatedPerTopic(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Put(Entry{Topic: "/a", Time: clocktime.New(10, 0), Offset: 111}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(Entry{Topic: "/b", Time: clocktime.New(10, 0), Offset: 222}); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Nearest("/a", clocktime.New(10, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.Offset != 111 {
		t.Fatalf("got %+v, ok=%v, want Offset=111 for topic /a", got, ok)
	}
}
