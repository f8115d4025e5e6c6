package wa

import (
	"testing"

	"github.com/matheus3301/wppsync/internal/provider"
)

func ordinals(msgs []provider.MessageEvent) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Ordinal
	}
	return out
}

func descending(from, to int64) []provider.MessageEvent {
	var out []provider.MessageEvent
	for o := from; o >= to; o-- {
		out = append(out, provider.MessageEvent{MessageID: "m", Ordinal: o})
	}
	return out
}

// TestFilterNewerCapKeepsOldest: history arrives newest-first; when the
// backlog exceeds the cap, the kept window must be the oldest items so
// the checkpoint never advances past a dropped message. A cap that kept
// the newest items would leave 501..505 below the checkpoint forever.
func TestFilterNewerCapKeepsOldest(t *testing.T) {
	msgs := descending(510, 501)

	got := filterNewer(msgs, 500, 5)
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	want := []int64{501, 502, 503, 504, 505}
	for i, o := range ordinals(got) {
		if o != want[i] {
			t.Fatalf("kept ordinals = %v, want %v", ordinals(got), want)
		}
	}
}

// TestFilterNewerResumable: a second fetch anchored at the previous
// window's maximum picks up exactly the remainder.
func TestFilterNewerResumable(t *testing.T) {
	msgs := descending(510, 501)

	first := filterNewer(msgs, 500, 5)
	anchor := first[len(first)-1].Ordinal
	second := filterNewer(msgs, anchor, 5)

	want := []int64{506, 507, 508, 509, 510}
	for i, o := range ordinals(second) {
		if o != want[i] {
			t.Fatalf("second window = %v, want %v", ordinals(second), want)
		}
	}
}

func TestFilterNewerDropsAtOrBelowAnchor(t *testing.T) {
	msgs := descending(505, 495)

	got := filterNewer(msgs, 500, 0)
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5 (strictly newer than 500)", len(got))
	}
	for _, o := range ordinals(got) {
		if o <= 500 {
			t.Errorf("ordinal %d should have been filtered", o)
		}
	}
}

func TestFilterNewerNoLimit(t *testing.T) {
	got := filterNewer(descending(510, 501), 500, 0)
	if len(got) != 10 {
		t.Fatalf("got %d messages, want all 10 with no limit", len(got))
	}
	if got[0].Ordinal != 501 || got[9].Ordinal != 510 {
		t.Errorf("output not ascending: %v", ordinals(got))
	}
}
