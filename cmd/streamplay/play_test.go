package main

import (
	"testing"

	"github.com/elliotnunn/streamplay/internal/clocktime"
	"github.com/elliotnunn/streamplay/internal/messagesource"
)

func TestResolveTopicsDefaultsToAll(t *testing.T) {
	all := []string{"/a", "/b", "/c"}
	got := resolveTopics(nil, all)
	if len(got) != len(all) {
		t.Fatalf("got %v, want all of %v", got, all)
	}
}

func TestResolveTopicsMatchesGlobs(t *testing.T) {
	all := []string{"/sensors/lidar", "/sensors/camera", "/control/cmd"}
	got := resolveTopics([]string{"/sensors/*"}, all)
	want := []string{"/sensors/lidar", "/sensors/camera"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestParseSecondsHandlesFractional(t *testing.T) {
	sec, nsec, err := parseSeconds("12.5")
	if err != nil {
		t.Fatal(err)
	}
	if sec != 12 || nsec != 500_000_000 {
		t.Fatalf("sec=%d nsec=%d, want 12/500000000", sec, nsec)
	}
}

func TestParseSecondsRejectsGarbage(t *testing.T) {
	if _, _, err := parseSeconds("not-a-number"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestDescribeItemCoversAllVariants(t *testing.T) {
	msg := messagesource.ItemMessage{Message: messagesource.Message{
		Topic:       "/a",
		ReceiveTime: clocktime.New(1, 0),
		SizeBytes:   3,
	}}
	if got := describeItem(msg); got == "" {
		t.Fatal("expected a non-empty description for ItemMessage")
	}

	problem := messagesource.ItemProblem{Severity: "warn", Message: "gap detected"}
	if got := describeItem(problem); got == "" {
		t.Fatal("expected a non-empty description for ItemProblem")
	}

	stamp := messagesource.ItemStamp{Time: clocktime.New(2, 0)}
	if got := describeItem(stamp); got == "" {
		t.Fatal("expected a non-empty description for ItemStamp")
	}
}
