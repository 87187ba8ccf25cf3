package consent

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a consent record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
	// StatusExpired is never persisted. It is projected at read time by EffectiveStatus.
	StatusExpired Status = "EXPIRED"
)

// Persisted reports whether a ledger may store s.
func (s Status) Persisted() bool {
	switch s {
	case StatusPending, StatusActive, StatusRevoked:
		return true
	default:
		return false
	}
}

// Record is a consent grant as held by the ledger. The engine only reads it.
type Record struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Status          Status     `json:"status"`
	GrantedAt       time.Time  `json:"granted_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	TxHash          string     `json:"tx_hash"`
	AgeProof        string     `json:"age_proof"`
	DisciplineProof string     `json:"discipline_proof"`
}

// EffectiveStatus projects the stored status onto now: an active record whose expiry
// has passed reads as expired.
func (r *Record) EffectiveStatus(now time.Time) Status {
	if r.Status == StatusActive && r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

// Attestation is the claim submitted to the ledger when consent is granted.
type Attestation struct {
	UserID          string    `json:"user_id"`
	Age             uint8     `json:"age"`
	DisciplineProof string    `json:"discipline_proof"`
	CreatedAt       time.Time `json:"created_at"`
}

// AgeProof encodes a verified age.
func AgeProof(age uint8) string {
	return fmt.Sprintf("age:%d", age)
}
