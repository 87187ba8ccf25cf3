package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Doctor0Evil/Cybulous/pkg/consent"
)

func validateAttestation(a *consent.Attestation) error {
	if a == nil {
		return fmt.Errorf("%w: nil attestation", ErrInvalidAttestation)
	}
	if UserKey(a.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidAttestation)
	}
	if strings.TrimSpace(a.DisciplineProof) == "" {
		return fmt.Errorf("%w: empty discipline proof", ErrInvalidAttestation)
	}
	if a.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing creation time", ErrInvalidAttestation)
	}
	return nil
}

func grantData(a *consent.Attestation) map[string]any {
	return map[string]any{
		"user_id":          UserKey(a.UserID),
		"age":              a.Age,
		"discipline_proof": a.DisciplineProof,
		"created_at":       a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func revokeData(userKey, grantTx string, at time.Time) map[string]any {
	return map[string]any{
		"user_id":    userKey,
		"grant_tx":   grantTx,
		"revoked_at": at.UTC().Format(time.RFC3339Nano),
	}
}

// recordID derives a stable record id from the grant transaction reference.
func recordID(txHash string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(txHash)).String()
}

func grantRecord(a *consent.Attestation, txHash string) *consent.Record {
	return &consent.Record{
		ID:              recordID(txHash),
		UserID:          UserKey(a.UserID),
		Status:          consent.StatusActive,
		GrantedAt:       a.CreatedAt.UTC(),
		TxHash:          txHash,
		AgeProof:        consent.AgeProof(a.Age),
		DisciplineProof: a.DisciplineProof,
	}
}
