package session

import "time"

type TrustLevel string

const (
	TrustNew         TrustLevel = "NEW"
	TrustEstablished TrustLevel = "ESTABLISHED"
	TrustTrusted     TrustLevel = "TRUSTED"
)

// Session is the durable record for an anonymous caller. It lives in the
// TTL store and is resurrected by fingerprint when the caller loses its id.
type Session struct {
	ID              string     `json:"id"`
	TrustScore      int        `json:"trust_score"` // 0-100
	TrustLevel      TrustLevel `json:"trust_level"`
	FingerprintHash string     `json:"fingerprint_hash,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUsedAt      time.Time  `json:"last_used_at"`
	MessagesUsed    int        `json:"messages_used"`
}
