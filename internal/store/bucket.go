package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Bucket errors. Backends translate their native errors into these.
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyExists        = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Entry is one stored value and the revision it was written at.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Bucket is a flat key/value namespace with conditional writes. Keys are
// dot-separated paths, which is what makes the tree hierarchical.
type Bucket interface {
	// Get returns ErrKeyNotFound for absent or deleted keys.
	Get(ctx context.Context, key string) (*Entry, error)

	// Create writes key only if it does not exist (ErrKeyExists otherwise).
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update writes key only if its current revision equals revision.
	// It fails with ErrRevisionMismatch when another write happened first.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists existing keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemoryBucket is an in-process Bucket. Revisions come from one counter so a
// deleted and re-created key never reuses a revision.
type MemoryBucket struct {
	mu       sync.Mutex
	entries  map[string]Entry
	sequence uint64
}

// NewMemoryBucket creates an empty in-memory bucket.
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{entries: make(map[string]Entry)}
}

// Get implements Bucket.
func (b *MemoryBucket) Get(_ context.Context, key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	e.Value = append([]byte(nil), e.Value...)
	return &e, nil
}

// Create implements Bucket.
func (b *MemoryBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[key]; ok {
		return 0, ErrKeyExists
	}
	return b.put(key, value), nil
}

// Update implements Bucket.
func (b *MemoryBucket) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return 0, ErrKeyNotFound
	}
	if e.Revision != revision {
		return 0, ErrRevisionMismatch
	}
	return b.put(key, value), nil
}

// Delete implements Bucket.
func (b *MemoryBucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, key)
	return nil
}

// Keys implements Bucket.
func (b *MemoryBucket) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k := range b.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ready implements the readiness check used by the health handler.
func (b *MemoryBucket) Ready(context.Context) error {
	return nil
}

func (b *MemoryBucket) put(key string, value []byte) uint64 {
	b.sequence++
	b.entries[key] = Entry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: b.sequence,
	}
	return b.sequence
}
