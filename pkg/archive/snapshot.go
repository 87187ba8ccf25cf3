package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Doctor0Evil/Cybulous/pkg/crypto"
	"github.com/Doctor0Evil/Cybulous/pkg/ledger"
	"github.com/Doctor0Evil/Cybulous/pkg/versioning"
)

// Source is any ledger backend that can list its event chain.
type Source interface {
	Entries(ctx context.Context) ([]ledger.Entry, error)
}

// Snapshot is an exported copy of a consent ledger chain.
type Snapshot struct {
	Protocol   string         `json:"protocol"`
	Backend    string         `json:"backend"`
	ExportedAt time.Time      `json:"exported_at"`
	Head       string         `json:"head"`
	Length     int            `json:"length"`
	Entries    []ledger.Entry `json:"entries"`
}

// Export verifies the chain held by src and writes it to store.
// A chain that fails verification is never archived.
func Export(ctx context.Context, src Source, backend string, store Store, keys ledger.Keyring, now time.Time) (string, *Snapshot, error) {
	entries, err := src.Entries(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if err := ledger.VerifyChain(entries, keys); err != nil {
		return "", nil, err
	}

	snap := &Snapshot{
		Protocol:   versioning.ProtocolVersion,
		Backend:    backend,
		ExportedAt: now.UTC(),
		Head:       ledger.GenesisHash,
		Length:     len(entries),
		Entries:    entries,
	}
	if n := len(entries); n > 0 {
		snap.Head = entries[n-1].ContentHash
	}

	data, err := crypto.CanonicalMarshal(snap)
	if err != nil {
		return "", nil, err
	}
	ref, err := store.Put(ctx, data)
	if err != nil {
		return "", nil, err
	}
	return ref, snap, nil
}

// Load fetches a snapshot, checks it against its reference and re-verifies the chain.
func Load(ctx context.Context, store Store, ref string, keys ledger.Keyring) (*Snapshot, error) {
	data, err := store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if got, _ := refFor(data); got != ref {
		return nil, fmt.Errorf("%w: content hash %s does not match %s", ErrInvalidRef, got, ref)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", ref, err)
	}
	if err := ledger.VerifyChain(snap.Entries, keys); err != nil {
		return nil, err
	}
	if snap.Length != len(snap.Entries) {
		return nil, fmt.Errorf("%w: snapshot claims %d entries, holds %d", ledger.ErrChainBroken, snap.Length, len(snap.Entries))
	}
	if n := len(snap.Entries); n > 0 && snap.Entries[n-1].ContentHash != snap.Head {
		return nil, fmt.Errorf("%w: snapshot head mismatch", ledger.ErrChainBroken)
	}
	return &snap, nil
}
