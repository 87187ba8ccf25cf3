package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Doctor0Evil/Cybulous/pkg/consent"
	"github.com/Doctor0Evil/Cybulous/pkg/crypto"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLLedger_SQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 4, 8, 30, 0, 123, time.UTC)
	signer, err := crypto.DeriveEd25519Signer([]byte("secret"), "k1")
	require.NoError(t, err)

	l := NewSQLLedger(openSQLite(t), DialectSQLite).
		WithClock(func() time.Time { return now }).
		WithSigner(signer)
	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Init(ctx), "init is idempotent")

	_, err = l.GetConsentRecord(ctx, "dana")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, l.RevokeConsent(ctx, "dana"), ErrNotFound)

	tx, err := l.RecordConsent(ctx, attestation("dana", now))
	require.NoError(t, err)

	rec, err := l.GetConsentRecord(ctx, "dana")
	require.NoError(t, err)
	assert.Equal(t, consent.StatusActive, rec.Status)
	assert.Equal(t, tx, rec.TxHash)
	assert.Equal(t, recordID(tx), rec.ID)
	assert.True(t, rec.GrantedAt.Equal(now))
	assert.Nil(t, rec.RevokedAt)
	assert.Nil(t, rec.ExpiresAt)

	require.NoError(t, l.RevokeConsent(ctx, "dana"))
	require.NoError(t, l.RevokeConsent(ctx, "dana"))

	rec, err = l.GetConsentRecord(ctx, "dana")
	require.NoError(t, err)
	assert.Equal(t, consent.StatusRevoked, rec.Status)
	require.NotNil(t, rec.RevokedAt)

	tx2, err := l.RecordConsent(ctx, attestation("dana", now))
	require.NoError(t, err)
	rec, err = l.GetConsentRecord(ctx, "dana")
	require.NoError(t, err)
	assert.Equal(t, consent.StatusActive, rec.Status)
	assert.Equal(t, tx2, rec.TxHash)
	assert.Nil(t, rec.RevokedAt)

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, EntryConsentGranted, entries[0].EntryType)
	assert.Equal(t, EntryConsentRevoked, entries[1].EntryType)
	assert.Equal(t, tx, entries[0].ContentHash)

	require.NoError(t, l.Verify(ctx))
}

func TestSQLLedger_MatchesMemoryChain(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 4, 8, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	l := NewSQLLedger(openSQLite(t), DialectSQLite).WithClock(clock)
	require.NoError(t, l.Init(ctx))
	m := NewMemory().WithClock(clock)

	txSQL, err := l.RecordConsent(ctx, attestation("erin", now))
	require.NoError(t, err)
	txMem, err := m.RecordConsent(ctx, attestation("erin", now))
	require.NoError(t, err)
	assert.Equal(t, txMem, txSQL)
}

func TestSQLLedger_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	l := NewSQLLedger(db, DialectSQLite)
	require.NoError(t, l.Init(ctx))

	_, err := l.RecordConsent(ctx, attestation("frank", time.Now()))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE consent_events SET data = '{"age":99,"user_id":"frank"}' WHERE seq = 1`)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Verify(ctx), ErrChainBroken)
}

func TestSQLLedger_GetFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT id, user_id, status").
		WithArgs("gina").
		WillReturnError(errors.New("connection reset"))

	_, err = NewSQLLedger(db, DialectPostgres).GetConsentRecord(context.Background(), "gina")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_GrantRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT seq, content_hash FROM consent_events").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "content_hash"}))
	mock.ExpectExec(`INSERT INTO consent_events .* VALUES \(\$1, \$2`).
		WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	_, err = NewSQLLedger(db, DialectPostgres).RecordConsent(context.Background(), attestation("hank", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_RevokeAlreadyRevokedAppendsNothing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, tx_hash FROM consent_records").
		WithArgs("ivy").
		WillReturnRows(sqlmock.NewRows([]string{"status", "tx_hash"}).AddRow("REVOKED", "sha256:abc"))
	mock.ExpectCommit()

	require.NoError(t, NewSQLLedger(db, DialectPostgres).RevokeConsent(context.Background(), "ivy"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_Rebind(t *testing.T) {
	pg := NewSQLLedger(nil, DialectPostgres)
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := NewSQLLedger(nil, DialectSQLite)
	assert.Equal(t, "a = ? AND b = ?", lite.rebind("a = ? AND b = ?"))
}
