package dlq

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage(id string) *Message {
	now := time.Now().Truncate(time.Millisecond)
	return &Message{
		ID:           id,
		Source:       "orders",
		Payload:      json.RawMessage(`{"order":"42"}`),
		Error:        "connection refused",
		Attempts:     2,
		FirstFailure: now.Add(-time.Minute),
		LastFailure:  now,
		Metadata:     map[string]any{"tenant": "acme"},
	}
}

func testStore(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("Save and load", func(t *testing.T) {
		msg := sampleMessage("msg-1")
		require.NoError(t, store.Save(ctx, "q1", msg))

		loaded, err := store.Load(ctx, "q1", "msg-1")
		require.NoError(t, err)
		assert.Equal(t, msg.ID, loaded.ID)
		assert.Equal(t, msg.Source, loaded.Source)
		assert.Equal(t, msg.Error, loaded.Error)
		assert.Equal(t, msg.Attempts, loaded.Attempts)
		assert.JSONEq(t, string(msg.Payload), string(loaded.Payload))
	})

	t.Run("Load missing returns not found", func(t *testing.T) {
		_, err := store.Load(ctx, "q1", "absent")
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})

	t.Run("Queues are isolated", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "qa", sampleMessage("iso-1")))

		_, err := store.Load(ctx, "qb", "iso-1")
		assert.ErrorIs(t, err, ErrMessageNotFound)

		msgs, err := store.LoadAll(ctx, "qb")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("LoadAll returns every record in the queue", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "q2", sampleMessage("all-1")))
		require.NoError(t, store.Save(ctx, "q2", sampleMessage("all-2")))

		msgs, err := store.LoadAll(ctx, "q2")
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})

	t.Run("Delete removes the record", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "q3", sampleMessage("del-1")))
		require.NoError(t, store.Delete(ctx, "q3", "del-1"))

		_, err := store.Load(ctx, "q3", "del-1")
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})

	t.Run("Delete missing is a no-op", func(t *testing.T) {
		assert.NoError(t, store.Delete(ctx, "q3", "never-existed"))
	})

	t.Run("Save overwrites by id", func(t *testing.T) {
		msg := sampleMessage("ow-1")
		require.NoError(t, store.Save(ctx, "q4", msg))
		msg.Attempts = 5
		require.NoError(t, store.Save(ctx, "q4", msg))

		loaded, err := store.Load(ctx, "q4", "ow-1")
		require.NoError(t, err)
		assert.Equal(t, 5, loaded.Attempts)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())

	t.Run("Stored records are isolated from caller mutation", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemoryStore()
		msg := sampleMessage("mut-1")
		require.NoError(t, store.Save(ctx, "q", msg))

		msg.Error = "mutated"
		loaded, err := store.Load(ctx, "q", "mut-1")
		require.NoError(t, err)
		assert.Equal(t, "connection refused", loaded.Error)
	})
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, store)

	t.Run("LoadAll skips corrupt files", func(t *testing.T) {
		ctx := context.Background()
		dir := t.TempDir()
		store, err := NewFileStore(dir)
		require.NoError(t, err)

		require.NoError(t, store.Save(ctx, "q", sampleMessage("good-1")))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "q", "bad.json"), []byte("{not json"), 0o644))

		msgs, err := store.LoadAll(ctx, "q")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "good-1", msgs[0].ID)
	})

	t.Run("Sanitizes queue names used as directories", func(t *testing.T) {
		ctx := context.Background()
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)

		require.NoError(t, store.Save(ctx, "orders/../evil", sampleMessage("safe-1")))
		loaded, err := store.Load(ctx, "orders/../evil", "safe-1")
		require.NoError(t, err)
		assert.Equal(t, "safe-1", loaded.ID)
	})
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	testStore(t, NewRedisStore(rdb, "test:dlq"))

	t.Run("LoadAll skips corrupt records", func(t *testing.T) {
		ctx := context.Background()
		store := NewRedisStore(rdb, "corrupt:dlq")

		require.NoError(t, store.Save(ctx, "q", sampleMessage("good-1")))
		mr.HSet("corrupt:dlq:q", "bad", "{not json")

		msgs, err := store.LoadAll(ctx, "q")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "good-1", msgs[0].ID)
	})
}
