package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Doctor0Evil/Cybulous/pkg/consent"
	"github.com/Doctor0Evil/Cybulous/pkg/crypto"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLLedger implements consent.Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers.
// Concurrent grants against the same database serialise on the event sequence key;
// the loser of a race fails and may retry.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
	signer  crypto.Signer
	author  string
	clock   func() time.Time
}

func NewSQLLedger(db *sql.DB, dialect Dialect) *SQLLedger {
	return &SQLLedger{
		db:      db,
		dialect: dialect,
		author:  "cybulous",
		clock:   time.Now,
	}
}

// WithClock overrides clock for testing.
func (s *SQLLedger) WithClock(clock func() time.Time) *SQLLedger {
	s.clock = clock
	return s
}

func (s *SQLLedger) WithSigner(signer crypto.Signer) *SQLLedger {
	s.signer = signer
	if signer != nil {
		s.author = signer.KeyID()
	}
	return s
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS consent_events (
	seq BIGINT PRIMARY KEY,
	entry_type TEXT NOT NULL,
	content_hash TEXT NOT NULL UNIQUE,
	prev_hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	author TEXT NOT NULL,
	protocol TEXT NOT NULL,
	data TEXT NOT NULL,
	signature TEXT NOT NULL,
	key_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS consent_records (
	user_id TEXT PRIMARY KEY,
	id TEXT NOT NULL,
	status TEXT NOT NULL,
	granted_at TEXT NOT NULL,
	expires_at TEXT,
	revoked_at TEXT,
	tx_hash TEXT NOT NULL,
	age_proof TEXT NOT NULL,
	discipline_proof TEXT NOT NULL
);
`

// Init creates the schema if it does not exist.
func (s *SQLLedger) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init consent schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for the Postgres driver.
func (s *SQLLedger) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLLedger) GetConsentRecord(ctx context.Context, userID string) (*consent.Record, error) {
	query := s.rebind(`SELECT id, user_id, status, granted_at, expires_at, revoked_at, tx_hash, age_proof, discipline_proof
		FROM consent_records WHERE user_id = ?`)
	row := s.db.QueryRowContext(ctx, query, UserKey(userID))

	var (
		r                    consent.Record
		status, grantedAt    string
		expiresAt, revokedAt sql.NullString
	)
	err := row.Scan(&r.ID, &r.UserID, &status, &grantedAt, &expiresAt, &revokedAt, &r.TxHash, &r.AgeProof, &r.DisciplineProof)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
		}
		return nil, err
	}

	r.Status = consent.Status(status)
	if r.GrantedAt, err = time.Parse(time.RFC3339Nano, grantedAt); err != nil {
		return nil, fmt.Errorf("bad granted_at for %s: %w", userID, err)
	}
	if r.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("bad expires_at for %s: %w", userID, err)
	}
	if r.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return nil, fmt.Errorf("bad revoked_at for %s: %w", userID, err)
	}
	return &r, nil
}

func (s *SQLLedger) RecordConsent(ctx context.Context, a *consent.Attestation) (txHash string, err error) {
	if err := validateAttestation(a); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	entry, err := s.appendEntry(ctx, tx, EntryConsentGranted, grantData(a))
	if err != nil {
		return "", err
	}

	r := grantRecord(a, entry.ContentHash)
	upsert := s.rebind(`INSERT INTO consent_records
		(user_id, id, status, granted_at, expires_at, revoked_at, tx_hash, age_proof, discipline_proof)
		VALUES (?, ?, ?, ?, NULL, NULL, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			id = excluded.id,
			status = excluded.status,
			granted_at = excluded.granted_at,
			expires_at = NULL,
			revoked_at = NULL,
			tx_hash = excluded.tx_hash,
			age_proof = excluded.age_proof,
			discipline_proof = excluded.discipline_proof`)
	if _, err = tx.ExecContext(ctx, upsert,
		r.UserID, r.ID, string(r.Status), r.GrantedAt.Format(time.RFC3339Nano), r.TxHash, r.AgeProof, r.DisciplineProof,
	); err != nil {
		return "", fmt.Errorf("failed to store consent record: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit grant: %w", err)
	}
	return entry.ContentHash, nil
}

func (s *SQLLedger) RevokeConsent(ctx context.Context, userID string) (err error) {
	key := UserKey(userID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var status, grantTx string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT status, tx_hash FROM consent_records WHERE user_id = ?`), key).
		Scan(&status, &grantTx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, userID)
		}
		return err
	}
	if consent.Status(status) == consent.StatusRevoked {
		return tx.Commit()
	}

	now := s.clock().UTC()
	if _, err = s.appendEntry(ctx, tx, EntryConsentRevoked, revokeData(key, grantTx, now)); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		s.rebind(`UPDATE consent_records SET status = ?, revoked_at = ? WHERE user_id = ?`),
		string(consent.StatusRevoked), now.Format(time.RFC3339Nano), key,
	); err != nil {
		return fmt.Errorf("failed to revoke consent record: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit revoke: %w", err)
	}
	return nil
}

func (s *SQLLedger) appendEntry(ctx context.Context, tx *sql.Tx, entryType string, data map[string]any) (*Entry, error) {
	var (
		prevSeq  uint64
		prevHash = GenesisHash
	)
	err := tx.QueryRowContext(ctx, `SELECT seq, content_hash FROM consent_events ORDER BY seq DESC LIMIT 1`).
		Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	entry, err := sealEntry(prevSeq, prevHash, entryType, s.author, data, s.clock(), s.signer)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(entry.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry data: %w", err)
	}

	insert := s.rebind(`INSERT INTO consent_events
		(seq, entry_type, content_hash, prev_hash, created_at, author, protocol, data, signature, key_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		entry.Sequence, entry.EntryType, entry.ContentHash, entry.PrevHash, entry.Timestamp.Format(time.RFC3339Nano),
		entry.Author, entry.Protocol, string(raw), entry.Signature, entry.KeyID,
	); err != nil {
		return nil, fmt.Errorf("failed to append %s entry: %w", entryType, err)
	}
	return entry, nil
}

// Entries returns the full event chain in sequence order.
func (s *SQLLedger) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, entry_type, content_hash, prev_hash, created_at, author, protocol, data, signature, key_id
		FROM consent_events ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Entry, 0)
	for rows.Next() {
		var (
			e         Entry
			createdAt string
			data      string
		)
		if err := rows.Scan(&e.Sequence, &e.EntryType, &e.ContentHash, &e.PrevHash, &createdAt, &e.Author, &e.Protocol, &data, &e.Signature, &e.KeyID); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("bad timestamp at entry %d: %w", e.Sequence, err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("bad data at entry %d: %w", e.Sequence, err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Verify checks the integrity of the stored event chain.
func (s *SQLLedger) Verify(ctx context.Context) error {
	entries, err := s.Entries(ctx)
	if err != nil {
		return err
	}
	return VerifyChain(entries, KeyringFor(s.signer))
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
