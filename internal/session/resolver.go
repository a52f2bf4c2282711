package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/chatforge/chatforge/internal/common"
	"github.com/chatforge/chatforge/internal/store/redisstore"
)

const (
	sessionKeyPrefix     = "sess:"
	fingerprintKeyPrefix = "fp:"
)

// ThreadClaimer reassigns anonymous threads to an authenticated user.
// Implemented by the chat repository.
type ThreadClaimer interface {
	ClaimThreads(ctx context.Context, sessionID string, userID uint64, ipHash string) (int64, error)
}

type Resolver struct {
	store   *redisstore.Store
	threads ThreadClaimer
	ttl     time.Duration
}

func NewResolver(store *redisstore.Store, threads ThreadClaimer, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Resolver{store: store, threads: threads, ttl: ttl}
}

// Resolve maps a caller to a session: a valid supplied id wins, then
// fingerprint resurrection, then a fresh session. Creation is keyed on the
// fingerprint with a set-if-absent write; two first-contact requests sharing
// a fingerprint must converge on one record, or quotas would silently double.
func (r *Resolver) Resolve(ctx context.Context, candidateID, fingerprintHash string) (*Session, error) {
	if candidateID != "" {
		s, err := r.get(ctx, candidateID)
		if err == nil {
			r.touch(ctx, s)
			return s, nil
		}
		if !errors.Is(err, redisstore.ErrNotFound) {
			return nil, err
		}
	}

	if fingerprintHash != "" {
		sid, err := r.store.GetString(ctx, fingerprintKeyPrefix+fingerprintHash)
		if err == nil {
			s, err := r.get(ctx, sid)
			if err == nil {
				r.touch(ctx, s)
				return s, nil
			}
			if !errors.Is(err, redisstore.ErrNotFound) {
				return nil, err
			}
			// Index outlived the session record; fall through and recreate.
		} else if !errors.Is(err, redisstore.ErrNotFound) {
			return nil, err
		}
	}

	return r.create(ctx, fingerprintHash)
}

func (r *Resolver) create(ctx context.Context, fingerprintHash string) (*Session, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	s := &Session{
		ID:              id,
		TrustLevel:      TrustNew,
		FingerprintHash: fingerprintHash,
		CreatedAt:       now,
		LastUsedAt:      now,
	}

	// Write the record before claiming the fingerprint index so a losing
	// racer always finds the winner's record behind the index.
	if err := r.Save(ctx, s); err != nil {
		return nil, err
	}

	if fingerprintHash == "" {
		return s, nil
	}

	won, err := r.store.SetStringNX(ctx, fingerprintKeyPrefix+fingerprintHash, id, r.ttl)
	if err != nil {
		return nil, err
	}
	if won {
		return s, nil
	}

	// Lost the create race: discard ours and return the winner's session.
	_ = r.store.Del(ctx, sessionKeyPrefix+id)
	winnerID, err := r.store.GetString(ctx, fingerprintKeyPrefix+fingerprintHash)
	if err != nil {
		return nil, err
	}
	winner, err := r.get(ctx, winnerID)
	if err != nil {
		return nil, err
	}
	r.touch(ctx, winner)
	return winner, nil
}

func (r *Resolver) get(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.store.GetJSON(ctx, sessionKeyPrefix+id, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Get returns the session by id without touching it.
func (r *Resolver) Get(ctx context.Context, id string) (*Session, error) {
	return r.get(ctx, id)
}

func (r *Resolver) Save(ctx context.Context, s *Session) error {
	return r.store.SetJSON(ctx, sessionKeyPrefix+s.ID, s, r.ttl)
}

func (r *Resolver) touch(ctx context.Context, s *Session) {
	s.LastUsedAt = time.Now()
	if err := r.Save(ctx, s); err != nil {
		log.Printf("[session] touch %s failed: %v", s.ID, err)
	}
}

// Claim reassigns the anonymous session's threads to an authenticated user,
// optionally narrowed by a hashed network-origin signal. The session record
// is deliberately kept: if the caller signs out within the TTL, anonymous
// quota tracking resumes instead of resetting to a fresh allowance.
func (r *Resolver) Claim(ctx context.Context, sessionID string, userID uint64, ipHash string) (int64, error) {
	if _, err := r.get(ctx, sessionID); err != nil && !errors.Is(err, redisstore.ErrNotFound) {
		return 0, err
	}
	return r.threads.ClaimThreads(ctx, sessionID, userID, ipHash)
}
