package trust

import (
	"time"

	"github.com/chatforge/chatforge/internal/session"
)

// Signals are the trust-score components, each normalized to 0-100.
type Signals struct {
	FingerprintConsistency float64
	BehaviorQuality        float64
	TimeOnSite             float64
	InteractionQuality     float64
}

// Score blends the components with fixed weights. Behavior dominates,
// fingerprint stability second.
func Score(s Signals) int {
	v := 0.3*s.FingerprintConsistency +
		0.4*s.BehaviorQuality +
		0.2*s.TimeOnSite +
		0.1*s.InteractionQuality
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(v)
}

func LevelForScore(score int) session.TrustLevel {
	switch {
	case score >= 70:
		return session.TrustTrusted
	case score >= 40:
		return session.TrustEstablished
	default:
		return session.TrustNew
	}
}

func signalsFor(s *session.Session, suspiciousFlags int64, now time.Time) Signals {
	sig := Signals{}

	// Fingerprint presence alone is weak evidence; repeated use of the
	// session under the same fingerprint is what builds consistency.
	if s.FingerprintHash != "" {
		sig.FingerprintConsistency = 50 + float64(s.MessagesUsed)*2
		if sig.FingerprintConsistency > 100 {
			sig.FingerprintConsistency = 100
		}
	} else {
		sig.FingerprintConsistency = 20
	}

	// Clean history starts neutral and earns credit; each flag costs 25.
	sig.BehaviorQuality = 50 + float64(s.MessagesUsed) - float64(suspiciousFlags)*25
	if sig.BehaviorQuality < 0 {
		sig.BehaviorQuality = 0
	}
	if sig.BehaviorQuality > 100 {
		sig.BehaviorQuality = 100
	}

	// Ramps to full credit over 30 minutes of account age.
	age := now.Sub(s.CreatedAt)
	sig.TimeOnSite = float64(age) / float64(30*time.Minute) * 100
	if sig.TimeOnSite > 100 {
		sig.TimeOnSite = 100
	}

	sig.InteractionQuality = float64(s.MessagesUsed) * 2
	if sig.InteractionQuality > 100 {
		sig.InteractionQuality = 100
	}

	return sig
}
