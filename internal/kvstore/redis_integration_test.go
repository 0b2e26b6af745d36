//go:build integration

package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// newTestRedisStore boots a disposable Redis container per test, rather
// than pointing at an env-var-supplied URL the way the teacher's
// integration suite does — this avoids relying on a shared, pre-existing
// Redis instance and lets the suite run anywhere testcontainers can
// start a container.
func newTestRedisStore(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	store, err := NewRedisStore(connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestRedisStore_SetGetRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "snap:1:5", []byte(`{"a":1}`), time.Minute))

	got, err := store.Get(ctx, "snap:1:5")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(got))
}

func TestRedisStore_GetMissingReturnsErrNotFound(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_ConditionalSetIsExclusive(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	first, err := store.ConditionalSet(ctx, "bump_lock:1", []byte("1"), 2*time.Second)
	require.NoError(t, err)
	require.True(t, first)

	second, err := store.ConditionalSet(ctx, "bump_lock:1", []byte("2"), 2*time.Second)
	require.NoError(t, err)
	require.False(t, second)
}

func TestRedisStore_IncrCounts(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		v, err := store.Incr(ctx, "rev:1")
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
}

func TestRedisStore_ScanFindsKeysByPattern(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "snap:7:1", []byte("a"), time.Minute))
	require.NoError(t, store.Set(ctx, "snap:7:2", []byte("b"), time.Minute))
	require.NoError(t, store.Set(ctx, "snap:8:1", []byte("c"), time.Minute))

	keys, err := store.Scan(ctx, "snap:7:*")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestRedisStore_PublishSubscribeDeliversMessage(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "school:1")
	require.NoError(t, err)
	defer sub.Close()

	time.Sleep(100 * time.Millisecond) // let the subscribe reach the server
	require.NoError(t, store.Publish(ctx, "school:1", []byte(`{"revision":9}`)))

	select {
	case msg := <-sub.Channel():
		require.Equal(t, "school:1", msg.Channel)
		require.Equal(t, `{"revision":9}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
