package kvstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ConditionalSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.ConditionalSet(ctx, "lock:a", []byte("1"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "first conditional set should succeed")

	ok, err = s.ConditionalSet(ctx, "lock:a", []byte("2"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second conditional set on the same key should fail")
}

func TestMemoryStore_ConditionalSet_ConcurrentOnlyOneWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ConditionalSet(ctx, "bump_lock:7", []byte("x"), 2*time.Second)
			require.NoError(t, err)
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	winCount := 0
	for _, w := range wins {
		if w {
			winCount++
		}
	}
	assert.Equal(t, 1, winCount, "exactly one caller should win the lock under a burst")
}

func TestMemoryStore_Incr(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := s.Incr(ctx, "rev:7")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestMemoryStore_ExpiryMakesGetMiss(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "snap:1:1", []byte("doc"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := s.Get(ctx, "snap:1:1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Scan(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "snap:7:39", []byte("a"), 0))
	require.NoError(t, s.Set(ctx, "snap:7:42", []byte("b"), 0))
	require.NoError(t, s.Set(ctx, "snap:8:1", []byte("c"), 0))

	keys, err := s.Scan(ctx, "snap:7:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"snap:7:39", "snap:7:42"}, keys)
}

func TestMemoryStore_PubSub(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "school:7")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Publish(ctx, "school:7", []byte(`{"revision":11}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "school:7", msg.Channel)
		assert.JSONEq(t, `{"revision":11}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMemoryStore_PublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	assert.NoError(t, s.Publish(ctx, "school:9", []byte("x")))
}
