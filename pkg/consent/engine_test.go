package consent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider counts calls so tests can assert short-circuiting.
type fakeProvider struct {
	mu              sync.Mutex
	age             uint8
	ageErr          error
	disciplineProof string
	disciplineErr   error
	ageCalls        int
	disciplineCalls int
}

func (p *fakeProvider) VerifyAge(ctx context.Context, userID string) (uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ageCalls++
	return p.age, p.ageErr
}

func (p *fakeProvider) CheckDiscipline(ctx context.Context, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disciplineCalls++
	return p.disciplineProof, p.disciplineErr
}

// fakeLedger keeps the latest record per user.
type fakeLedger struct {
	mu          sync.Mutex
	records     map[string]*Record
	recordCalls int
	getErr      error
	recordErr   error
	revokeErr   error
	clock       func() time.Time
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[string]*Record), clock: time.Now}
}

func (l *fakeLedger) GetConsentRecord(ctx context.Context, userID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.getErr != nil {
		return nil, l.getErr
	}
	r, ok := l.records[userID]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *r
	return &cp, nil
}

func (l *fakeLedger) RecordConsent(ctx context.Context, a *Attestation) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordCalls++
	if l.recordErr != nil {
		return "", l.recordErr
	}
	tx := fmt.Sprintf("tx-hash-%s-%d", a.UserID, l.recordCalls)
	l.records[a.UserID] = &Record{
		ID:              "rec-" + tx,
		UserID:          a.UserID,
		Status:          StatusActive,
		GrantedAt:       a.CreatedAt,
		TxHash:          tx,
		AgeProof:        AgeProof(a.Age),
		DisciplineProof: a.DisciplineProof,
	}
	return tx, nil
}

func (l *fakeLedger) RevokeConsent(ctx context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.revokeErr != nil {
		return l.revokeErr
	}
	r, ok := l.records[userID]
	if !ok {
		return errors.New("not found")
	}
	if r.Status != StatusRevoked {
		now := l.clock()
		r.Status = StatusRevoked
		r.RevokedAt = &now
	}
	return nil
}

func (l *fakeLedger) put(r *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[r.UserID] = r
}

func TestRequestConsent_GrantAndVerify(t *testing.T) {
	provider := &fakeProvider{age: 25, disciplineProof: "discipline:verified"}
	ledger := newFakeLedger()
	engine := NewEngine(provider, ledger, 21)
	ctx := context.Background()

	record, err := engine.RequestConsent(ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, StatusActive, record.Status)
	assert.Equal(t, "age:25", record.AgeProof)
	assert.Equal(t, "discipline:verified", record.DisciplineProof)
	assert.NotEmpty(t, record.TxHash)
	assert.NotEmpty(t, record.ID)
	assert.Nil(t, record.RevokedAt)
	assert.Nil(t, record.ExpiresAt)

	ok, err := engine.VerifyConsent(ctx, "user-1", DeriveProof(record.TxHash, 21))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, DeriveProof(record.TxHash, 21), engine.IssueProof(record))
}

func TestRequestConsent_RecordIDsAreUnique(t *testing.T) {
	engine := NewEngine(&fakeProvider{age: 30, disciplineProof: "d"}, newFakeLedger(), 21)

	r1, err := engine.RequestConsent(context.Background(), "u")
	require.NoError(t, err)
	r2, err := engine.RequestConsent(context.Background(), "u")
	require.NoError(t, err)
	assert.NotEqual(t, r1.ID, r2.ID)
}

func TestRequestConsent_UnderAgeShortCircuits(t *testing.T) {
	provider := &fakeProvider{age: 20, disciplineProof: "discipline:verified"}
	ledger := newFakeLedger()
	engine := NewEngine(provider, ledger, 21)

	_, err := engine.RequestConsent(context.Background(), "teen")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgeRequirementNotMet)

	var ageErr *AgeError
	require.ErrorAs(t, err, &ageErr)
	assert.Equal(t, uint8(20), ageErr.Age)
	assert.Equal(t, "age requirement not met: user is 20 years old, minimum is 21", err.Error())

	assert.Equal(t, 0, provider.disciplineCalls)
	assert.Equal(t, 0, ledger.recordCalls)
	assert.True(t, IsPolicyRejection(err))
}

func TestRequestConsent_ExactlyMinimumAgePasses(t *testing.T) {
	engine := NewEngine(&fakeProvider{age: 21, disciplineProof: "d"}, newFakeLedger(), 21)
	_, err := engine.RequestConsent(context.Background(), "u")
	require.NoError(t, err)
}

func TestRequestConsent_DisciplineIneligible(t *testing.T) {
	provider := &fakeProvider{age: 40, disciplineErr: errors.New("no certification on file")}
	ledger := newFakeLedger()
	engine := NewEngine(provider, ledger, 21)

	_, err := engine.RequestConsent(context.Background(), "u")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDisciplineIneligible)
	assert.Contains(t, err.Error(), "no certification on file")
	assert.Equal(t, 0, ledger.recordCalls)
	assert.True(t, IsPolicyRejection(err))
}

func TestRequestConsent_ProviderFailure(t *testing.T) {
	engine := NewEngine(&fakeProvider{ageErr: errors.New("kyc backend unreachable")}, newFakeLedger(), 21)

	_, err := engine.RequestConsent(context.Background(), "u")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvider)
	assert.False(t, IsPolicyRejection(err))
}

func TestRequestConsent_LedgerFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.recordErr = errors.New("broadcast failed")
	engine := NewEngine(&fakeProvider{age: 30, disciplineProof: "d"}, ledger, 21)

	_, err := engine.RequestConsent(context.Background(), "u")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlockchain)
	assert.Contains(t, err.Error(), "broadcast failed")
}

func TestRequestConsent_AttestationUsesClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := newFakeLedger()
	engine := NewEngine(&fakeProvider{age: 30, disciplineProof: "d"}, ledger, 21).
		WithClock(func() time.Time { return fixed })

	record, err := engine.RequestConsent(context.Background(), "u")
	require.NoError(t, err)
	assert.True(t, record.GrantedAt.Equal(fixed))
	assert.True(t, ledger.records["u"].GrantedAt.Equal(fixed))
}

func TestVerifyConsent_InactiveStatuses(t *testing.T) {
	for _, status := range []Status{StatusPending, StatusRevoked} {
		t.Run(string(status), func(t *testing.T) {
			ledger := newFakeLedger()
			ledger.put(&Record{UserID: "u", Status: status, TxHash: "tx"})
			engine := NewEngine(&fakeProvider{}, ledger, 21)

			ok, err := engine.VerifyConsent(context.Background(), "u", DeriveProof("tx", 21))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestVerifyConsent_Expiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	ledger := newFakeLedger()
	engine := NewEngine(&fakeProvider{}, ledger, 21).WithClock(func() time.Time { return now })
	proof := DeriveProof("tx", 21)

	ledger.put(&Record{UserID: "expired", Status: StatusActive, TxHash: "tx", ExpiresAt: &past})
	ok, err := engine.VerifyConsent(context.Background(), "expired", proof)
	require.NoError(t, err)
	assert.False(t, ok)

	ledger.put(&Record{UserID: "fresh", Status: StatusActive, TxHash: "tx", ExpiresAt: &future})
	ok, err = engine.VerifyConsent(context.Background(), "fresh", proof)
	require.NoError(t, err)
	assert.True(t, ok)

	// Expired is a projection; the stored status is untouched.
	rec, err := ledger.GetConsentRecord(context.Background(), "expired")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
}

func TestVerifyConsent_WrongProof(t *testing.T) {
	ledger := newFakeLedger()
	ledger.put(&Record{UserID: "u", Status: StatusActive, TxHash: "tx-1"})
	engine := NewEngine(&fakeProvider{}, ledger, 21)

	for _, proof := range []string{"", "garbage", DeriveProof("tx-1", 18), DeriveProof("tx-2", 21), DeriveProof("tx-1", 21)[:10]} {
		ok, err := engine.VerifyConsent(context.Background(), "u", proof)
		require.NoError(t, err)
		assert.False(t, ok, "proof %q should be rejected", proof)
	}
}

func TestVerifyConsent_PolicyChangeInvalidatesProof(t *testing.T) {
	ledger := newFakeLedger()
	ledger.put(&Record{UserID: "u", Status: StatusActive, TxHash: "tx-1"})

	issued := NewEngine(&fakeProvider{}, ledger, 21).IssueProof(&Record{TxHash: "tx-1"})

	ok, err := NewEngine(&fakeProvider{}, ledger, 18).VerifyConsent(context.Background(), "u", issued)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyConsent_LedgerFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.getErr = errors.New("rpc timeout")
	engine := NewEngine(&fakeProvider{}, ledger, 21)

	ok, err := engine.VerifyConsent(context.Background(), "u", "p")
	require.Error(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBlockchain)
}

func TestRevokeConsent(t *testing.T) {
	ledger := newFakeLedger()
	engine := NewEngine(&fakeProvider{age: 30, disciplineProof: "d"}, ledger, 21)
	ctx := context.Background()

	record, err := engine.RequestConsent(ctx, "u")
	require.NoError(t, err)
	proof := engine.IssueProof(record)

	require.NoError(t, engine.RevokeConsent(ctx, "u"))
	// Idempotent at the ledger boundary.
	require.NoError(t, engine.RevokeConsent(ctx, "u"))

	stored, err := ledger.GetConsentRecord(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, stored.Status)
	assert.NotNil(t, stored.RevokedAt)

	ok, err := engine.VerifyConsent(ctx, "u", proof)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevokeConsent_LedgerFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.revokeErr = errors.New("chain halted")
	engine := NewEngine(&fakeProvider{}, ledger, 21)

	err := engine.RevokeConsent(context.Background(), "u")
	assert.ErrorIs(t, err, ErrBlockchain)
}

func TestNewEngine_DefaultMinAge(t *testing.T) {
	assert.Equal(t, DefaultMinAge, NewEngine(&fakeProvider{}, newFakeLedger(), 0).MinAge())
	assert.Equal(t, uint8(18), NewEngine(&fakeProvider{}, newFakeLedger(), 18).MinAge())
}

func TestRecord_EffectiveStatus(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)

	assert.Equal(t, StatusExpired, (&Record{Status: StatusActive, ExpiresAt: &past}).EffectiveStatus(now))
	assert.Equal(t, StatusActive, (&Record{Status: StatusActive}).EffectiveStatus(now))
	assert.Equal(t, StatusRevoked, (&Record{Status: StatusRevoked, ExpiresAt: &past}).EffectiveStatus(now))

	assert.True(t, StatusActive.Persisted())
	assert.False(t, StatusExpired.Persisted())
}
