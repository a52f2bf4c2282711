package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chatforge/chatforge/internal/store/redisstore"
)

type fakeClaimer struct {
	mu      sync.Mutex
	calls   []string
	migrate int64
}

func (f *fakeClaimer) ClaimThreads(_ context.Context, sessionID string, userID uint64, ipHash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID)
	return f.migrate, nil
}

func testStore(t *testing.T) *redisstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisstore.NewWithClient(rdb)
}

func TestResolve_ValidIDWins(t *testing.T) {
	store := testStore(t)
	r := NewResolver(store, &fakeClaimer{}, time.Hour)
	ctx := context.Background()

	s1, err := r.Resolve(ctx, "", "fp-abc")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if s1.ID == "" || s1.TrustLevel != TrustNew {
		t.Fatalf("unexpected new session: %+v", s1)
	}

	// Supplying the id must return the same session even with a different
	// fingerprint in the request.
	s2, err := r.Resolve(ctx, s1.ID, "fp-other")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if s2.ID != s1.ID {
		t.Fatalf("expected session %s, got %s", s1.ID, s2.ID)
	}
}

func TestResolve_FingerprintResurrection(t *testing.T) {
	store := testStore(t)
	r := NewResolver(store, &fakeClaimer{}, time.Hour)
	ctx := context.Background()

	s1, err := r.Resolve(ctx, "", "fp-resurrect")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Client lost its id (e.g. cleared storage) but the fingerprint matches.
	s2, err := r.Resolve(ctx, "", "fp-resurrect")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s2.ID != s1.ID {
		t.Fatalf("expected resurrection of %s, got %s", s1.ID, s2.ID)
	}

	// Unknown id falls back to the fingerprint as well.
	s3, err := r.Resolve(ctx, "01UNKNOWNSESSIONID0000000000", "fp-resurrect")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s3.ID != s1.ID {
		t.Fatalf("expected resurrection of %s, got %s", s1.ID, s3.ID)
	}
}

func TestResolve_NoIdentifiersCreatesFresh(t *testing.T) {
	store := testStore(t)
	r := NewResolver(store, &fakeClaimer{}, time.Hour)
	ctx := context.Background()

	s1, err := r.Resolve(ctx, "", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	s2, err := r.Resolve(ctx, "", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s1.ID == s2.ID {
		t.Fatalf("sessions without identifiers must not collide")
	}
}

func TestResolve_ConcurrentFirstContactConverges(t *testing.T) {
	store := testStore(t)
	r := NewResolver(store, &fakeClaimer{}, time.Hour)

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			s, err := r.Resolve(context.Background(), "", "fp-race")
			if err != nil {
				t.Errorf("resolve %d: %v", i, err)
				return
			}
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("racing first contacts diverged: %s vs %s", ids[0], ids[i])
		}
	}
}

func TestClaim_DelegatesAndKeepsSession(t *testing.T) {
	store := testStore(t)
	claimer := &fakeClaimer{migrate: 3}
	r := NewResolver(store, claimer, time.Hour)
	ctx := context.Background()

	s, err := r.Resolve(ctx, "", "fp-claim")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	n, err := r.Claim(ctx, s.ID, 42, "iphash")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 migrated threads, got %d", n)
	}
	if len(claimer.calls) != 1 || claimer.calls[0] != s.ID {
		t.Fatalf("unexpected claimer calls: %v", claimer.calls)
	}

	// The session record survives the claim so quota continuity holds if the
	// user signs out again.
	if _, err := r.Get(ctx, s.ID); err != nil {
		t.Fatalf("session record gone after claim: %v", err)
	}
}
