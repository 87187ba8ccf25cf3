// Package consent grants, verifies and revokes per-user consent backed by an external
// append-only ledger. A grant requires the user to meet the minimum age and to pass the
// provider's discipline eligibility check; verification is a fresh read-through to the
// ledger on every call.
package consent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Doctor0Evil/Cybulous/pkg/observability"
)

// DefaultMinAge is the minimum age applied when none is configured.
const DefaultMinAge uint8 = 21

// Provider answers identity questions about a user.
type Provider interface {
	// VerifyAge returns the verified age of the user.
	VerifyAge(ctx context.Context, userID string) (uint8, error)
	// CheckDiscipline returns a discipline proof token, or an error if the user is ineligible.
	CheckDiscipline(ctx context.Context, userID string) (string, error)
}

// Ledger is the durable, append-only store of consent records.
type Ledger interface {
	GetConsentRecord(ctx context.Context, userID string) (*Record, error)
	// RecordConsent appends the attestation and returns its transaction reference.
	RecordConsent(ctx context.Context, attestation *Attestation) (string, error)
	// RevokeConsent marks the user's record revoked. Revoking twice is not an error.
	RevokeConsent(ctx context.Context, userID string) error
}

// Engine owns the age/discipline policy and the proof check.
type Engine struct {
	provider  Provider
	ledger    Ledger
	minAge    uint8
	clock     func() time.Time
	logger    *slog.Logger
	telemetry *observability.Provider
}

// NewEngine creates a consent engine. A zero minAge selects DefaultMinAge.
func NewEngine(provider Provider, ledger Ledger, minAge uint8) *Engine {
	if minAge == 0 {
		minAge = DefaultMinAge
	}
	return &Engine{
		provider:  provider,
		ledger:    ledger,
		minAge:    minAge,
		clock:     time.Now,
		logger:    slog.Default().With("component", "consent"),
		telemetry: observability.Disabled(),
	}
}

// WithClock overrides clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger.With("component", "consent")
	return e
}

func (e *Engine) WithTelemetry(p *observability.Provider) *Engine {
	if p != nil {
		e.telemetry = p
	}
	return e
}

// MinAge returns the policy parameter bound into every proof.
func (e *Engine) MinAge() uint8 {
	return e.minAge
}

// RequestConsent verifies the user and records a new grant on the ledger.
// Age is checked first; a user below the minimum never reaches the discipline check or the ledger.
func (e *Engine) RequestConsent(ctx context.Context, userID string) (_ *Record, err error) {
	ctx, done := e.telemetry.TrackOperation(ctx, "consent.request", attribute.String("consent.operation", "request"))
	defer func() { done(err) }()

	age, err := e.provider.VerifyAge(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if age < e.minAge {
		e.logger.WarnContext(ctx, "consent rejected: age below minimum", "user_id", userID, "min_age", e.minAge)
		return nil, &AgeError{Age: age, MinAge: e.minAge}
	}

	disciplineProof, err := e.provider.CheckDiscipline(ctx, userID)
	if err != nil {
		e.logger.WarnContext(ctx, "consent rejected: discipline ineligible", "user_id", userID)
		return nil, fmt.Errorf("%w: %w", ErrDisciplineIneligible, err)
	}

	attestation := &Attestation{
		UserID:          userID,
		Age:             age,
		DisciplineProof: disciplineProof,
		CreatedAt:       e.clock().UTC(),
	}

	txHash, err := e.ledger.RecordConsent(ctx, attestation)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBlockchain, err)
	}

	record := &Record{
		ID:              uuid.NewString(),
		UserID:          userID,
		Status:          StatusActive,
		GrantedAt:       e.clock().UTC(),
		TxHash:          txHash,
		AgeProof:        AgeProof(age),
		DisciplineProof: disciplineProof,
	}
	e.logger.InfoContext(ctx, "consent granted", "user_id", userID, "consent_id", record.ID, "tx_hash", txHash)
	return record, nil
}

// VerifyConsent reports whether proof matches the user's current active grant.
// Inactive and expired records yield false without comparing the proof.
func (e *Engine) VerifyConsent(ctx context.Context, userID, proof string) (_ bool, err error) {
	ctx, done := e.telemetry.TrackOperation(ctx, "consent.verify", attribute.String("consent.operation", "verify"))
	defer func() { done(err) }()

	record, err := e.ledger.GetConsentRecord(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrBlockchain, err)
	}
	if record == nil {
		return false, fmt.Errorf("%w: no record returned for %s", ErrBlockchain, userID)
	}

	if record.EffectiveStatus(e.clock()) != StatusActive {
		return false, nil
	}

	return proofMatches(proof, DeriveProof(record.TxHash, e.minAge)), nil
}

// RevokeConsent marks the user's consent revoked on the ledger.
func (e *Engine) RevokeConsent(ctx context.Context, userID string) (err error) {
	ctx, done := e.telemetry.TrackOperation(ctx, "consent.revoke", attribute.String("consent.operation", "revoke"))
	defer func() { done(err) }()

	if err := e.ledger.RevokeConsent(ctx, userID); err != nil {
		return fmt.Errorf("%w: %w", ErrBlockchain, err)
	}
	e.logger.InfoContext(ctx, "consent revoked", "user_id", userID)
	return nil
}

// IssueProof returns the proof token a caller presents for record under this engine's policy.
func (e *Engine) IssueProof(record *Record) string {
	return DeriveProof(record.TxHash, e.minAge)
}
