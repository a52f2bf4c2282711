package trust

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chatforge/chatforge/internal/session"
	"github.com/chatforge/chatforge/internal/store/redisstore"
)

const (
	windowDuration = 60 * time.Second

	maxSuspiciousFlags = 3

	// Burst detection inside the behavior window.
	burstWindow = 10 * time.Second
	burstLimit  = 8

	behaviorTTL = 24 * time.Hour

	rateKeyPrefix  = "rl:"
	tsKeyPrefix    = "bp:ts:"
	flagsKeyPrefix = "bp:flags:"
)

// Quota returns messages-per-window for a trust level.
func Quota(level session.TrustLevel) int {
	switch level {
	case session.TrustTrusted:
		return 20
	case session.TrustEstablished:
		return 10
	default:
		return 5
	}
}

// Denial reasons, stable for clients.
const (
	ReasonQuotaExhausted   = "quota_exhausted"
	ReasonBehaviorFlagged  = "behavior_flagged"
	ReasonStoreUnavailable = "store_unavailable"
)

type Decision struct {
	Allowed    bool
	Reason     string
	TrustLevel session.TrustLevel
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	// Degraded marks decisions taken while the store was unreachable.
	Degraded bool
}

// Controller gates anonymous requests. Admission itself is a single atomic
// increment against the store; trust recomputation runs after the decision,
// off the critical path.
type Controller struct {
	store    *redisstore.Store
	sessions *session.Resolver
	failOpen bool
}

func NewController(store *redisstore.Store, sessions *session.Resolver, failOpen bool) *Controller {
	return &Controller{store: store, sessions: sessions, failOpen: failOpen}
}

// Evaluate decides whether the session may proceed and, on admission,
// consumes one unit of its window quota.
func (c *Controller) Evaluate(ctx context.Context, sessionID string) (Decision, error) {
	level := session.TrustNew
	sess, err := c.sessions.Get(ctx, sessionID)
	switch {
	case err == nil:
		level = sess.TrustLevel
	case errors.Is(err, redisstore.ErrNotFound):
		// Unknown session: treat as NEW rather than erroring out.
	default:
		return c.degraded(sessionID, level, err), nil
	}

	limit := Quota(level)

	// Behavior gate first: a flagged session is denied even when it is
	// numerically under quota.
	flags, err := c.store.ListLen(ctx, flagsKeyPrefix+sessionID)
	if err != nil {
		return c.degraded(sessionID, level, err), nil
	}
	if flags > maxSuspiciousFlags {
		return Decision{
			Allowed:    false,
			Reason:     ReasonBehaviorFlagged,
			TrustLevel: level,
			Limit:      limit,
			Remaining:  0,
		}, nil
	}

	count, ttlLeft, err := c.store.IncrWithExpiry(ctx, rateKeyPrefix+sessionID, windowDuration)
	if err != nil {
		return c.degraded(sessionID, level, err), nil
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if count > int64(limit) {
		return Decision{
			Allowed:    false,
			Reason:     ReasonQuotaExhausted,
			TrustLevel: level,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: ttlLeft,
		}, nil
	}

	go c.afterAdmit(sessionID)

	return Decision{
		Allowed:    true,
		TrustLevel: level,
		Limit:      limit,
		Remaining:  remaining,
		RetryAfter: ttlLeft,
	}, nil
}

func (c *Controller) degraded(sessionID string, level session.TrustLevel, cause error) Decision {
	log.Printf("[admission] store unavailable for session %s (fail_open=%v): %v", sessionID, c.failOpen, cause)
	limit := Quota(level)
	if c.failOpen {
		return Decision{
			Allowed:    true,
			TrustLevel: level,
			Limit:      limit,
			Remaining:  limit,
			Degraded:   true,
		}
	}
	return Decision{
		Allowed:    false,
		Reason:     ReasonStoreUnavailable,
		TrustLevel: level,
		Limit:      limit,
		Degraded:   true,
	}
}

// afterAdmit runs the bookkeeping that must not sit on the request path.
func (c *Controller) afterAdmit(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.RecordRequest(ctx, sessionID, time.Now()); err != nil {
		log.Printf("[admission] record request %s: %v", sessionID, err)
	}
	if err := c.RecomputeTrust(ctx, sessionID); err != nil {
		log.Printf("[admission] recompute trust %s: %v", sessionID, err)
	}
}

// RecordRequest appends the request timestamp to the session's sliding
// window and flags bursts.
func (c *Controller) RecordRequest(ctx context.Context, sessionID string, now time.Time) error {
	if _, err := c.store.RecordTimestamp(ctx, tsKeyPrefix+sessionID, now, windowDuration, behaviorTTL); err != nil {
		return err
	}

	burst, err := c.store.CountSince(ctx, tsKeyPrefix+sessionID, now.Add(-burstWindow))
	if err != nil {
		return err
	}
	if burst > burstLimit {
		flag := fmt.Sprintf("burst:%d@%d", burst, now.Unix())
		if err := c.store.AppendFlag(ctx, flagsKeyPrefix+sessionID, flag, behaviorTTL); err != nil {
			return err
		}
	}
	return nil
}

// Flag records a suspicious-activity entry against the session.
func (c *Controller) Flag(ctx context.Context, sessionID, reason string) error {
	return c.store.AppendFlag(ctx, flagsKeyPrefix+sessionID, reason, behaviorTTL)
}

// RecomputeTrust rescores the session and persists the new level.
func (c *Controller) RecomputeTrust(ctx context.Context, sessionID string) error {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, redisstore.ErrNotFound) {
			return nil
		}
		return err
	}

	flags, err := c.store.ListLen(ctx, flagsKeyPrefix+sessionID)
	if err != nil {
		return err
	}

	sess.MessagesUsed++
	sess.TrustScore = Score(signalsFor(sess, flags, time.Now()))
	sess.TrustLevel = LevelForScore(sess.TrustScore)
	return c.sessions.Save(ctx, sess)
}
