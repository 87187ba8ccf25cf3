// Package ledger provides append-only consent ledgers.
//
// Every backend keeps a hash chain of events:
//   - each entry carries the content hash of its predecessor
//   - the content hash of a grant entry is the transaction reference returned to callers
//   - entries may be signed; Verify recomputes hashes and signatures
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Doctor0Evil/Cybulous/pkg/crypto"
	"github.com/Doctor0Evil/Cybulous/pkg/versioning"
)

// GenesisHash is the prev hash of the first entry in every chain.
const GenesisHash = "genesis"

const (
	EntryConsentGranted = "consent.granted"
	EntryConsentRevoked = "consent.revoked"
)

var (
	ErrNotFound           = errors.New("consent record not found")
	ErrInvalidAttestation = errors.New("invalid attestation")
	ErrChainBroken        = errors.New("ledger chain broken")
)

// Entry is an immutable, hash-chained ledger event.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	EntryType   string         `json:"entry_type"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	Author      string         `json:"author,omitempty"`
	Protocol    string         `json:"protocol"`
	Data        map[string]any `json:"data"`
	Signature   string         `json:"signature,omitempty"`
	KeyID       string         `json:"key_id,omitempty"`
}

type hashInput struct {
	Seq      uint64         `json:"seq"`
	Type     string         `json:"type"`
	Protocol string         `json:"protocol"`
	Data     map[string]any `json:"data"`
	PrevHash string         `json:"prev"`
}

func contentHash(seq uint64, entryType, protocol, prevHash string, data map[string]any) (string, error) {
	return crypto.CanonicalHash(hashInput{
		Seq:      seq,
		Type:     entryType,
		Protocol: protocol,
		Data:     data,
		PrevHash: prevHash,
	})
}

// sealEntry builds the entry that follows (prevSeq, prevHash).
func sealEntry(prevSeq uint64, prevHash, entryType, author string, data map[string]any, now time.Time, signer crypto.Signer) (*Entry, error) {
	seq := prevSeq + 1
	hash, err := contentHash(seq, entryType, versioning.ProtocolVersion, prevHash, data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash entry: %w", err)
	}

	entry := &Entry{
		Sequence:    seq,
		EntryType:   entryType,
		ContentHash: hash,
		PrevHash:    prevHash,
		Timestamp:   now.UTC(),
		Author:      author,
		Protocol:    versioning.ProtocolVersion,
		Data:        data,
	}

	if signer != nil {
		sig, err := signer.Sign([]byte(hash))
		if err != nil {
			return nil, fmt.Errorf("failed to sign entry: %w", err)
		}
		entry.Signature = sig
		entry.KeyID = signer.KeyID()
	}
	return entry, nil
}

// Keyring maps signing key ids to hex-encoded public keys.
type Keyring map[string]string

// KeyringFor returns the keyring containing signer's public key, or nil for an unsigned ledger.
func KeyringFor(signer crypto.Signer) Keyring {
	if signer == nil {
		return nil
	}
	return Keyring{signer.KeyID(): signer.PublicKey()}
}

// VerifyChain checks linkage, content hashes, protocol compatibility and signatures.
// When keys is non-empty every entry must carry a signature from a known key.
func VerifyChain(entries []Entry, keys Keyring) error {
	prevHash := GenesisHash
	for i, entry := range entries {
		pos := i + 1
		if entry.Sequence != uint64(pos) {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, pos, entry.Sequence)
		}
		if entry.PrevHash != prevHash {
			return fmt.Errorf("%w: at entry %d: expected prev %s, got %s", ErrChainBroken, pos, prevHash, entry.PrevHash)
		}
		ok, err := versioning.Compatible(entry.Protocol)
		if err != nil || !ok {
			return fmt.Errorf("%w: entry %d has incompatible protocol %q", ErrChainBroken, pos, entry.Protocol)
		}

		computed, err := contentHash(entry.Sequence, entry.EntryType, entry.Protocol, entry.PrevHash, entry.Data)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, pos, err)
		}
		if computed != entry.ContentHash {
			return fmt.Errorf("%w: hash mismatch at entry %d", ErrChainBroken, pos)
		}

		if len(keys) > 0 {
			pub, known := keys[entry.KeyID]
			if entry.Signature == "" || !known {
				return fmt.Errorf("%w: entry %d is not signed by a known key", ErrChainBroken, pos)
			}
			valid, err := crypto.Verify(pub, entry.Signature, []byte(entry.ContentHash))
			if err != nil || !valid {
				return fmt.Errorf("%w: bad signature at entry %d", ErrChainBroken, pos)
			}
		}
		prevHash = entry.ContentHash
	}
	return nil
}

// Log is an in-memory append-only, hash-chained event log.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
	signer   crypto.Signer
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{
		entries:  make([]Entry, 0),
		headHash: GenesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// WithSigner signs every subsequent entry.
func (l *Log) WithSigner(signer crypto.Signer) *Log {
	l.signer = signer
	return l
}

// Append adds an entry and returns it.
func (l *Log) Append(entryType, author string, data map[string]any) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := sealEntry(uint64(len(l.entries)), l.headHash, entryType, author, data, l.clock(), l.signer)
	if err != nil {
		return nil, err
	}
	l.entries = append(l.entries, *entry)
	l.headHash = entry.ContentHash
	return entry, nil
}

// Get retrieves an entry by sequence number.
func (l *Log) Get(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("entry %d not found", seq)
	}
	entry := l.entries[seq-1]
	return &entry, nil
}

// Head returns the current head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

func (l *Log) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of the log.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Verify checks the integrity of the entire chain.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyChain(l.entries, KeyringFor(l.signer))
}
