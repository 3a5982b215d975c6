package nats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/language-chat/internal/store"
)

// DefaultBucket is the key/value bucket holding every user's conversations.
const DefaultBucket = "LANGUAGE_CHAT"

// KVBucket stores the conversation tree in a JetStream key/value bucket.
// Revisions are stream sequences, so conditional updates map directly onto
// KeyValue.Update.
type KVBucket struct {
	kv jetstream.KeyValue
}

var _ store.Bucket = (*KVBucket)(nil)

// OpenKVBucket binds to the named bucket, creating it on first use. An empty
// name selects DefaultBucket.
func (c *Client) OpenKVBucket(ctx context.Context, name string) (*KVBucket, error) {
	if name == "" {
		name = DefaultBucket
	}
	kv, err := c.js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = c.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			Description: "Language chat conversations",
			History:     1,
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open key/value bucket %s: %w", name, err)
	}
	return &KVBucket{kv: kv}, nil
}

// Ready reports whether the bucket can be reached.
func (b *KVBucket) Ready(ctx context.Context) error {
	if _, err := b.kv.Status(ctx); err != nil {
		return fmt.Errorf("key/value bucket unavailable: %w", err)
	}
	return nil
}

// Get implements store.Bucket.
func (b *KVBucket) Get(ctx context.Context, key string) (*store.Entry, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		return nil, translateKVError(err)
	}
	return &store.Entry{Key: entry.Key(), Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Create implements store.Bucket.
func (b *KVBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, key, value)
	if err != nil {
		if isWrongLastSequence(err) || errors.Is(err, jetstream.ErrKeyExists) {
			return 0, store.ErrKeyExists
		}
		return 0, translateKVError(err)
	}
	return rev, nil
}

// Update implements store.Bucket.
func (b *KVBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := b.kv.Update(ctx, key, value, revision)
	if err != nil {
		return 0, translateKVError(err)
	}
	return rev, nil
}

// Delete implements store.Bucket.
func (b *KVBucket) Delete(ctx context.Context, key string) error {
	if err := b.kv.Delete(ctx, key); err != nil {
		if errors.Is(translateKVError(err), store.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Keys implements store.Bucket. Only keys under the prefix are read: the
// prefix becomes a subject filter for a metadata-only watch.
func (b *KVBucket) Keys(ctx context.Context, prefix string) ([]string, error) {
	watcher, err := b.kv.Watch(ctx, keyFilter(prefix), jetstream.IgnoreDeletes(), jetstream.MetaOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer watcher.Stop()

	keys := []string{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil, errors.New("failed to list keys: watcher stopped")
			}
			// nil marks the end of the initial values.
			if entry == nil {
				sort.Strings(keys)
				return keys, nil
			}
			if strings.HasPrefix(entry.Key(), prefix) {
				keys = append(keys, entry.Key())
			}
		}
	}
}

// keyFilter turns a key prefix into the narrowest subject filter that
// matches every key under it. A prefix ending inside a token is widened to
// its parent; Keys filters the rest.
func keyFilter(prefix string) string {
	i := strings.LastIndex(prefix, ".")
	if i < 0 {
		return ">"
	}
	return prefix[:i+1] + ">"
}

// translateKVError maps JetStream key/value errors onto the store's bucket
// errors. Unknown errors pass through unchanged.
func translateKVError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return fmt.Errorf("%w: %w", store.ErrKeyNotFound, err)
	case errors.Is(err, jetstream.ErrKeyExists), isWrongLastSequence(err):
		return fmt.Errorf("%w: %w", store.ErrRevisionMismatch, err)
	default:
		return err
	}
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
