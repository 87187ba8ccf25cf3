package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Doctor0Evil/Cybulous/pkg/consent"
	"github.com/Doctor0Evil/Cybulous/pkg/crypto"
)

// Memory is an in-process consent ledger backed by a Log.
type Memory struct {
	mu      sync.Mutex
	log     *Log
	records map[string]*consent.Record
	clock   func() time.Time
	author  string
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		log:     NewLog(),
		records: make(map[string]*consent.Record),
		clock:   time.Now,
		author:  "cybulous",
	}
}

// WithClock overrides clock for testing.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	m.log.WithClock(clock)
	return m
}

func (m *Memory) WithSigner(signer crypto.Signer) *Memory {
	m.log.WithSigner(signer)
	if signer != nil {
		m.author = signer.KeyID()
	}
	return m
}

// Log exposes the underlying event chain.
func (m *Memory) Log() *Log {
	return m.log
}

func (m *Memory) GetConsentRecord(ctx context.Context, userID string) (*consent.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[UserKey(userID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) RecordConsent(ctx context.Context, a *consent.Attestation) (string, error) {
	if err := validateAttestation(a); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.log.Append(EntryConsentGranted, m.author, grantData(a))
	if err != nil {
		return "", err
	}
	record := grantRecord(a, entry.ContentHash)
	m.records[record.UserID] = record
	return entry.ContentHash, nil
}

func (m *Memory) RevokeConsent(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := UserKey(userID)
	record, ok := m.records[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if record.Status == consent.StatusRevoked {
		return nil
	}

	now := m.clock().UTC()
	if _, err := m.log.Append(EntryConsentRevoked, m.author, revokeData(key, record.TxHash, now)); err != nil {
		return err
	}
	record.Status = consent.StatusRevoked
	record.RevokedAt = &now
	return nil
}

// Verify checks the integrity of the event chain.
func (m *Memory) Verify(ctx context.Context) error {
	return m.log.Verify()
}

// Entries returns a copy of the event chain.
func (m *Memory) Entries(ctx context.Context) ([]Entry, error) {
	return m.log.Entries(), nil
}
