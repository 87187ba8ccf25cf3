// Package archive exports consent ledger snapshots to content-addressed blob storage
// so the hash chain can be audited away from the live backend.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Doctor0Evil/Cybulous/pkg/crypto"
)

var (
	ErrNotFound   = errors.New("snapshot not found")
	ErrInvalidRef = errors.New("invalid snapshot reference")
)

// Store is a content-addressed blob store. References have the form "sha256:<hex>".
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

func refFor(data []byte) (ref, digest string) {
	digest = crypto.HashData(string(data))
	return crypto.HashPrefix + digest, digest
}

func digestOf(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, crypto.HashPrefix)
	if !ok || len(digest) != 64 || strings.ContainsAny(digest, `/\.`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return digest, nil
}

func objectKey(prefix, digest string) string {
	return prefix + digest + ".json"
}

// FileStore keeps snapshots under a local directory.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, digest := refFor(data)
	path := filepath.Join(s.dir, objectKey("", digest))
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	digest, err := digestOf(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, objectKey("", digest)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, ref string) (bool, error) {
	digest, err := digestOf(ref)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.dir, objectKey("", digest)))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
