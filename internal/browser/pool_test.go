package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type countingLauncher struct {
	mu      sync.Mutex
	stops   map[string]int
	failIDs map[string]bool
}

func newCountingLauncher() *countingLauncher {
	return &countingLauncher{stops: make(map[string]int), failIDs: make(map[string]bool)}
}

func (l *countingLauncher) Create(context.Context) (string, error) { return "sess", nil }

func (l *countingLauncher) Stop(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops[id]++
	if l.failIDs[id] {
		return errors.New("stop failed")
	}
	return nil
}

func TestPool_StopsEachSessionOnce(t *testing.T) {
	l := newCountingLauncher()
	p := NewPool(l)

	p.Track("a", "b")
	p.Track("b", "c")
	p.Track("") // empty ids are ignored

	p.StopAll(context.Background())
	p.StopAll(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		if got := l.stops[id]; got != 1 {
			t.Fatalf("session %s stopped %d times, want 1", id, got)
		}
	}
	if got := len(l.stops); got != 3 {
		t.Fatalf("expected 3 distinct sessions stopped, got %d", got)
	}
}

func TestPool_StopFailureDoesNotBlockOthers(t *testing.T) {
	l := newCountingLauncher()
	l.failIDs["bad"] = true

	p := NewPool(l)
	p.Track("bad", "good")

	p.StopAll(context.Background())

	if l.stops["good"] != 1 {
		t.Fatalf("good session not stopped despite failure on another")
	}
}

func TestPool_TrackAfterStopAll(t *testing.T) {
	l := newCountingLauncher()
	p := NewPool(l)

	p.Track("a")
	p.StopAll(context.Background())

	// Late-arriving ids still get torn down on the next pass.
	p.Track("b")
	p.StopAll(context.Background())

	if l.stops["a"] != 1 || l.stops["b"] != 1 {
		t.Fatalf("unexpected stop counts: %v", l.stops)
	}
}
