package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/pkg/logger"
)

func bucketFactories(t *testing.T) map[string]func() Bucket {
	return map[string]func() Bucket{
		"memory": func() Bucket { return NewMemoryBucket() },
		"sqlite": func() Bucket {
			b, err := OpenSQLiteBucket(context.Background(), filepath.Join(t.TempDir(), "store.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func TestBucketConformance(t *testing.T) {
	for name, newBucket := range bucketFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := newBucket()

			_, err := b.Get(ctx, "a.b")
			require.ErrorIs(t, err, ErrKeyNotFound)

			rev, err := b.Create(ctx, "a.b", []byte("one"))
			require.NoError(t, err)

			_, err = b.Create(ctx, "a.b", []byte("again"))
			require.ErrorIs(t, err, ErrKeyExists)

			next, err := b.Update(ctx, "a.b", []byte("two"), rev)
			require.NoError(t, err)
			assert.Greater(t, next, rev)

			_, err = b.Update(ctx, "a.b", []byte("stale"), rev)
			require.ErrorIs(t, err, ErrRevisionMismatch)

			_, err = b.Update(ctx, "a.missing", []byte("x"), rev)
			require.ErrorIs(t, err, ErrKeyNotFound)

			entry, err := b.Get(ctx, "a.b")
			require.NoError(t, err)
			assert.Equal(t, "two", string(entry.Value))
			assert.Equal(t, next, entry.Revision)

			_, err = b.Create(ctx, "a.c", []byte("three"))
			require.NoError(t, err)
			_, err = b.Create(ctx, "b.a", []byte("four"))
			require.NoError(t, err)

			keys, err := b.Keys(ctx, "a.")
			require.NoError(t, err)
			assert.Equal(t, []string{"a.b", "a.c"}, keys)

			require.NoError(t, b.Delete(ctx, "a.b"))
			require.NoError(t, b.Delete(ctx, "a.b"))
			_, err = b.Get(ctx, "a.b")
			require.ErrorIs(t, err, ErrKeyNotFound)

			// A re-created key never reuses the revision a stale reader holds.
			_, err = b.Create(ctx, "a.b", []byte("reborn"))
			require.NoError(t, err)
			_, err = b.Update(ctx, "a.b", []byte("stale"), next)
			require.ErrorIs(t, err, ErrRevisionMismatch)
		})
	}
}

func TestStoreOverSQLite(t *testing.T) {
	ctx := context.Background()
	b, err := OpenSQLiteBucket(ctx, filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer b.Close()

	s := New(b, logger.NewNop())
	convID, err := s.CreateConversation(ctx, testScope, &model.CreateConversationRequest{ConversationTopic: "weather"})
	require.NoError(t, err)

	first, err := s.AppendMessage(ctx, testScope, convID, "", model.SenderSystem, "prompt", nil)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, testScope, convID, "", model.SenderSystem, "prompt", nil)
	require.ErrorIs(t, err, ErrConflict)

	ok, err := s.SetMessageSummary(ctx, testScope, convID, first, "short")
	require.NoError(t, err)
	assert.True(t, ok)

	messages, err := s.GetConversationMessages(ctx, testScope, convID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.NotNil(t, messages[0].Summary)
	assert.Equal(t, "short", *messages[0].Summary)
}
