package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Doctor0Evil/Cybulous/pkg/consent"
	"github.com/Doctor0Evil/Cybulous/pkg/crypto"
)

const redisMaxRetries = 16

// RedisLedger implements consent.Ledger on Redis. Appends run as WATCH/MULTI
// transactions on the chain head and are retried when another writer wins.
type RedisLedger struct {
	client *redis.Client
	prefix string
	signer crypto.Signer
	author string
	clock  func() time.Time
}

type redisHead struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// NewRedisLedger creates a ledger on an existing client. Keys are namespaced by prefix.
func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "cybulous:consent"
	}
	return &RedisLedger{
		client: client,
		prefix: prefix,
		author: "cybulous",
		clock:  time.Now,
	}
}

// NewRedisLedgerFromAddr dials a Redis server.
func NewRedisLedgerFromAddr(addr, password string, db int) *RedisLedger {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLedger(rdb, "")
}

// WithClock overrides clock for testing.
func (r *RedisLedger) WithClock(clock func() time.Time) *RedisLedger {
	r.clock = clock
	return r
}

func (r *RedisLedger) WithSigner(signer crypto.Signer) *RedisLedger {
	r.signer = signer
	if signer != nil {
		r.author = signer.KeyID()
	}
	return r
}

// Ping checks connectivity.
func (r *RedisLedger) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLedger) Close() error {
	return r.client.Close()
}

func (r *RedisLedger) headKey() string   { return r.prefix + ":head" }
func (r *RedisLedger) eventsKey() string { return r.prefix + ":events" }
func (r *RedisLedger) recordKey(userKey string) string {
	return r.prefix + ":record:" + userKey
}

func (r *RedisLedger) GetConsentRecord(ctx context.Context, userID string) (*consent.Record, error) {
	return r.getRecord(ctx, r.client, UserKey(userID))
}

func (r *RedisLedger) getRecord(ctx context.Context, c redis.Cmdable, key string) (*consent.Record, error) {
	raw, err := c.Get(ctx, r.recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("redis ledger error: %w", err)
	}
	var rec consent.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt consent record for %s: %w", key, err)
	}
	return &rec, nil
}

func (r *RedisLedger) readHead(ctx context.Context, tx *redis.Tx) (redisHead, error) {
	head := redisHead{Hash: GenesisHash}
	raw, err := tx.Get(ctx, r.headKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return head, nil
	}
	if err != nil {
		return head, err
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return head, fmt.Errorf("corrupt chain head: %w", err)
	}
	return head, nil
}

// appendInTx seals the next entry and queues it with the record built from it.
func (r *RedisLedger) appendInTx(ctx context.Context, tx *redis.Tx, entryType string, data map[string]any, build func(*Entry) *consent.Record) (*Entry, error) {
	head, err := r.readHead(ctx, tx)
	if err != nil {
		return nil, err
	}
	entry, err := sealEntry(head.Seq, head.Hash, entryType, r.author, data, r.clock(), r.signer)
	if err != nil {
		return nil, err
	}
	rawEntry, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	rawHead, err := json.Marshal(redisHead{Seq: entry.Sequence, Hash: entry.ContentHash})
	if err != nil {
		return nil, err
	}
	rec := build(entry)
	rawRecord, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.headKey(), rawHead, 0)
		pipe.RPush(ctx, r.eventsKey(), rawEntry)
		pipe.Set(ctx, r.recordKey(rec.UserID), rawRecord, 0)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *RedisLedger) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < redisMaxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis ledger error: too much contention on %s", r.headKey())
}

func (r *RedisLedger) RecordConsent(ctx context.Context, a *consent.Attestation) (string, error) {
	if err := validateAttestation(a); err != nil {
		return "", err
	}

	var txHash string
	err := r.watch(ctx, func(tx *redis.Tx) error {
		entry, err := r.appendInTx(ctx, tx, EntryConsentGranted, grantData(a), func(e *Entry) *consent.Record {
			return grantRecord(a, e.ContentHash)
		})
		if err != nil {
			return err
		}
		txHash = entry.ContentHash
		return nil
	}, r.headKey())
	if err != nil {
		return "", err
	}
	return txHash, nil
}

func (r *RedisLedger) RevokeConsent(ctx context.Context, userID string) error {
	key := UserKey(userID)
	return r.watch(ctx, func(tx *redis.Tx) error {
		rec, err := r.getRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec.Status == consent.StatusRevoked {
			return nil
		}
		now := r.clock().UTC()
		grantTx := rec.TxHash
		rec.Status = consent.StatusRevoked
		rec.RevokedAt = &now
		_, err = r.appendInTx(ctx, tx, EntryConsentRevoked, revokeData(key, grantTx, now), func(*Entry) *consent.Record {
			return rec
		})
		return err
	}, r.headKey(), r.recordKey(key))
}

// Entries returns the full event chain in sequence order.
func (r *RedisLedger) Entries(ctx context.Context) ([]Entry, error) {
	raws, err := r.client.LRange(ctx, r.eventsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ledger error: %w", err)
	}
	entries := make([]Entry, 0, len(raws))
	for i, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("corrupt entry %d: %w", i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Verify checks the integrity of the stored event chain.
func (r *RedisLedger) Verify(ctx context.Context) error {
	entries, err := r.Entries(ctx)
	if err != nil {
		return err
	}
	return VerifyChain(entries, KeyringFor(r.signer))
}
