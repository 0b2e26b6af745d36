package revision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azzam1122112-dot/school-display/internal/kvstore"
)

func TestBumpDebounced_IncrementsAndReturnsTrueOnFirstCall(t *testing.T) {
	reg := New(kvstore.NewMemoryStore(), 2*time.Second, nil)
	ctx := context.Background()

	before, err := reg.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), before)

	ok := reg.BumpDebounced(ctx, 7)
	assert.True(t, ok)

	after, err := reg.Get(ctx, 7)
	require.NoError(t, err)
	assert.Greater(t, after, before)
}

func TestBumpDebounced_BurstCollapsesToExactlyOneBump(t *testing.T) {
	reg := New(kvstore.NewMemoryStore(), 2*time.Second, nil)
	ctx := context.Background()

	const burst = 50
	var wg sync.WaitGroup
	results := make([]bool, burst)
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = reg.BumpDebounced(ctx, 42)
		}(i)
	}
	wg.Wait()

	trueCount := 0
	for _, r := range results {
		if r {
			trueCount++
		}
	}
	assert.Equal(t, 1, trueCount, "exactly one bump should succeed within the debounce window")

	rev, err := reg.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
}

func TestBumpDebounced_AllowsAnotherBumpAfterLockExpires(t *testing.T) {
	reg := New(kvstore.NewMemoryStore(), 20*time.Millisecond, nil)
	ctx := context.Background()

	assert.True(t, reg.BumpDebounced(ctx, 3))
	assert.False(t, reg.BumpDebounced(ctx, 3))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, reg.BumpDebounced(ctx, 3))

	rev, err := reg.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
}

func TestSet_AdministrativeOverride(t *testing.T) {
	reg := New(kvstore.NewMemoryStore(), 2*time.Second, nil)
	ctx := context.Background()

	require.NoError(t, reg.Set(ctx, 99, 500))
	rev, err := reg.Get(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, int64(500), rev)
}
