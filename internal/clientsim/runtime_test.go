package clientsim

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azzam1122112-dot/school-display/internal/types"
)

// fakeClock is a manually-advanced Clock: Sleep returns as soon as the
// caller-visible "now" reaches the requested deadline, driven entirely
// by test code calling Advance. No wall-clock time ever elapses.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sleep is a no-op that just advances the fake clock by d: since nothing
// else observes real wall time, the test can step the whole runtime
// forward arbitrarily fast while still exercising the real backoff math.
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.Advance(d)
	return nil
}

// scriptedTransport replies from queues the test pushes into; Status and
// Snapshot calls increment counters so assertions can check call counts
// without racing on timing.
type scriptedTransport struct {
	mu sync.Mutex

	statusQueue   []func() (StatusResult, error)
	snapshotQueue []func() (SnapshotResult, error)

	statusCalls   int
	snapshotCalls int
}

func (s *scriptedTransport) Status(ctx context.Context, token, deviceID string, clientRev int64) (StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++
	if len(s.statusQueue) == 0 {
		return StatusResult{NotModified: true, ServerTimeMS: time.Now().UnixMilli()}, nil
	}
	fn := s.statusQueue[0]
	if len(s.statusQueue) > 1 {
		s.statusQueue = s.statusQueue[1:]
	}
	return fn()
}

func (s *scriptedTransport) Snapshot(ctx context.Context, token, deviceID, ifNoneMatch string, transition bool) (SnapshotResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotCalls++
	if len(s.snapshotQueue) == 0 {
		return SnapshotResult{NotModified: true}, nil
	}
	fn := s.snapshotQueue[0]
	if len(s.snapshotQueue) > 1 {
		s.snapshotQueue = s.snapshotQueue[1:]
	}
	return fn()
}

func TestBackoffState_GrowsBoundedAndResets(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := newBackoffState(2 * time.Second)

	var last time.Duration
	for i := 0; i < 50; i++ {
		d := b.grow(rng)
		assert.LessOrEqual(t, d, time.Duration(float64(activeMax)*(1+jitterFrac))+time.Millisecond)
		last = d
	}
	assert.Greater(t, last, time.Duration(0))

	b.reset()
	assert.Equal(t, 2*time.Second, b.current)
}

func TestClockSync_ConvergesWithinFiveResponsesWhenWithinThreshold(t *testing.T) {
	cs := newClockSync(0, false)
	local := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	trueOffsetMS := int64(4000) // server is 4s ahead

	for i := 0; i < 5; i++ {
		serverMS := local.UnixMilli() + trueOffsetMS
		cs.Observe(serverMS, local)
		local = local.Add(time.Second)
	}

	assert.InDelta(t, float64(trueOffsetMS), cs.OffsetMS(), 1000)
}

func TestClockSync_SnapsOnLargeCorrection(t *testing.T) {
	cs := newClockSync(0, true)
	local := time.Now()
	// 60s divergence exceeds the 30s snap threshold: must replace, not EMA.
	cs.Observe(local.UnixMilli()+60_000, local)
	assert.InDelta(t, 60_000, cs.OffsetMS(), 1)
}

func TestClockSync_ResyncThrottledToOncePerFiveSeconds(t *testing.T) {
	cs := newClockSync(0, true)
	now := time.Now()
	assert.True(t, cs.NeedsResync(0, 2*time.Second, now))
	assert.False(t, cs.NeedsResync(0, 2*time.Second, now.Add(time.Second)))
	assert.True(t, cs.NeedsResync(0, 2*time.Second, now.Add(6*time.Second)))
}

func TestRuntime_PollIntervalGrowsBoundedWhenRevisionNeverChanges(t *testing.T) {
	clock := newFakeClock(time.Now())
	transport := &scriptedTransport{
		snapshotQueue: []func() (SnapshotResult, error){
			func() (SnapshotResult, error) {
				snap := types.Snapshot{State: types.State{Type: types.StatePeriod, RemainingSeconds: 3600}, Meta: types.Meta{ScheduleRevision: 7}}
				return SnapshotResult{Snapshot: snap, ETag: "e7"}, nil
			},
		},
	}
	rng := rand.New(rand.NewSource(7))
	rt := New(Config{Token: "TK", DeviceID: "D1", BasePoll: time.Second, Transport: transport, Clock: clock, Rand: rng})

	ctx, cancel := context.WithCancel(context.Background())
	events := rt.Run(ctx)

	var sleeps []time.Duration
	steadyEvents := 0
	for ev := range events {
		if ev.Phase == PhaseSteady {
			steadyEvents++
			if ev.NextSleep > 0 {
				sleeps = append(sleeps, ev.NextSleep)
			}
		}
		if steadyEvents >= 30 {
			cancel()
		}
	}

	require.NotEmpty(t, sleeps)
	maxAllowed := time.Duration(float64(activeMax) * (1 + jitterFrac))
	for _, s := range sleeps {
		assert.LessOrEqual(t, s, maxAllowed+time.Millisecond)
	}
	assert.Zero(t, transport.snapshotCalls-1, "no snapshot fetch should occur once status keeps returning 304")
}

func TestRuntime_FetchRequiredResetsBackoffAndFetchesSnapshot(t *testing.T) {
	clock := newFakeClock(time.Now())
	transport := &scriptedTransport{
		snapshotQueue: []func() (SnapshotResult, error){
			func() (SnapshotResult, error) {
				snap := types.Snapshot{State: types.State{Type: types.StatePeriod, RemainingSeconds: 3600}, Meta: types.Meta{ScheduleRevision: 7}}
				return SnapshotResult{Snapshot: snap, ETag: "e7"}, nil
			},
		},
		statusQueue: []func() (StatusResult, error){
			func() (StatusResult, error) {
				return StatusResult{FetchRequired: true, ScheduleRevision: 8, ServerTimeMS: time.Now().UnixMilli()}, nil
			},
		},
	}
	rt := New(Config{Token: "TK", DeviceID: "D1", BasePoll: time.Second, Transport: transport, Clock: clock, Rand: rand.New(rand.NewSource(3))})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := rt.Run(ctx)

	seenSnapshotAfterFirst := false
	count := 0
	for ev := range events {
		count++
		if count > 1 && ev.Snapshot != nil {
			seenSnapshotAfterFirst = true
			cancel()
		}
		if count > 10 {
			cancel()
		}
	}
	assert.True(t, seenSnapshotAfterFirst)
}

func TestRuntime_TransitionWindowFetchesSnapshotNotStatus(t *testing.T) {
	clock := newFakeClock(time.Now())
	firstSnap := types.Snapshot{
		State:      types.State{Type: types.StatePeriod, RemainingSeconds: 0},
		NextPeriod: &types.PeriodBlock{Index: 3, Subject: "Math"},
		Meta:       types.Meta{ScheduleRevision: 7},
	}
	secondSnap := types.Snapshot{
		State: types.State{Type: types.StatePeriod, RemainingSeconds: 2700},
		Meta:  types.Meta{ScheduleRevision: 7},
	}
	transport := &scriptedTransport{
		snapshotQueue: []func() (SnapshotResult, error){
			func() (SnapshotResult, error) { return SnapshotResult{Snapshot: firstSnap, ETag: "e1"}, nil },
			func() (SnapshotResult, error) { return SnapshotResult{Snapshot: secondSnap, ETag: "e2"}, nil },
		},
	}
	rt := New(Config{Token: "TK", DeviceID: "D1", BasePoll: 5 * time.Second, Transport: transport, Clock: clock, Rand: rand.New(rand.NewSource(1))})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := rt.Run(ctx)

	var transitionSeen bool
	for ev := range events {
		if ev.Phase == PhaseTransition {
			transitionSeen = true
			if ev.Snapshot != nil && ev.Snapshot.State.RemainingSeconds > 0 {
				cancel()
			}
		}
	}
	assert.True(t, transitionSeen)
	assert.Equal(t, 0, transport.statusCalls, "the transition window must poll snapshot, never status")
	assert.GreaterOrEqual(t, transport.snapshotCalls, 2)
}

func TestRuntime_ScreenBoundBlocksAndStopsPolling(t *testing.T) {
	clock := newFakeClock(time.Now())
	transport := &scriptedTransport{
		snapshotQueue: []func() (SnapshotResult, error){
			func() (SnapshotResult, error) {
				return SnapshotResult{}, &HTTPError{StatusCode: 403, Code: "screen_bound"}
			},
		},
	}
	rt := New(Config{Token: "TK", DeviceID: "D1", BasePoll: time.Second, Transport: transport, Clock: clock})

	events := rt.Run(context.Background())
	var lastPhase Phase
	for ev := range events {
		lastPhase = ev.Phase
	}
	assert.Equal(t, PhaseBlocked, lastPhase)
}

func TestRuntime_RateLimitedFirstLoadWaitsAtLeastFifteenSeconds(t *testing.T) {
	clock := newFakeClock(time.Now())
	transport := &scriptedTransport{
		snapshotQueue: []func() (SnapshotResult, error){
			func() (SnapshotResult, error) { return SnapshotResult{}, &HTTPError{StatusCode: 429, Code: "rate_limited"} },
			func() (SnapshotResult, error) {
				snap := types.Snapshot{State: types.State{Type: types.StatePeriod, RemainingSeconds: 60}, Meta: types.Meta{ScheduleRevision: 1}}
				return SnapshotResult{Snapshot: snap, ETag: "e1"}, nil
			},
		},
	}
	rt := New(Config{Token: "TK", DeviceID: "D1", BasePoll: time.Second, Transport: transport, Clock: clock, Rand: rand.New(rand.NewSource(5))})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := clock.Now()
	events := rt.Run(ctx)

	var sawLoadingErr bool
	for ev := range events {
		if ev.Phase == PhaseLoading && ev.Err != nil {
			sawLoadingErr = true
		}
		if ev.Phase == PhaseSteady {
			cancel()
		}
	}
	assert.True(t, sawLoadingErr)
	assert.GreaterOrEqual(t, clock.Now().Sub(start), 15*time.Second, "a 429 on first load must delay the retry by at least 15s")
}

func TestRuntime_WSInvalidateSchedulesAcceleratedPoll(t *testing.T) {
	clock := newFakeClock(time.Now())
	transport := &scriptedTransport{
		snapshotQueue: []func() (SnapshotResult, error){
			func() (SnapshotResult, error) {
				snap := types.Snapshot{State: types.State{Type: types.StatePeriod, RemainingSeconds: 3600}, Meta: types.Meta{ScheduleRevision: 7}}
				return SnapshotResult{Snapshot: snap, ETag: "e7"}, nil
			},
		},
	}
	rt := New(Config{Token: "TK", DeviceID: "D1", BasePoll: 60 * time.Second, Transport: transport, Clock: clock, Rand: rand.New(rand.NewSource(9))})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := rt.Run(ctx)

	first := true
	sawAccelerated := false
	checked := 0
	for ev := range events {
		if first && ev.Phase == PhaseSteady {
			first = false
			rt.NotifyInvalidate(8)
			continue
		}
		if !first && ev.Phase == PhaseSteady {
			checked++
			if ev.NextSleep > 0 && ev.NextSleep <= 600*time.Millisecond {
				sawAccelerated = true
			}
			if sawAccelerated || checked >= 5 {
				cancel()
			}
		}
	}
	assert.True(t, sawAccelerated, "an invalidation hint should schedule an accelerated poll within a few cycles")
}

func TestRuntime_SetIdleRaisesBackoffCeiling(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	rt := New(Config{BasePoll: 2 * time.Second, Rand: rng})
	rt.SetIdle(true)
	var last time.Duration
	for i := 0; i < 80; i++ {
		last = rt.back.grow(rng)
	}
	assert.Greater(t, last, time.Duration(float64(activeMax)*(1+jitterFrac)))
	assert.LessOrEqual(t, last, time.Duration(float64(idleMax)*(1+jitterFrac))+time.Millisecond)
}

func TestStampedeDelay_WithinOneToFortyFourSeconds(t *testing.T) {
	rt := New(Config{SchoolID: 17, Rand: rand.New(rand.NewSource(11))})
	for i := 0; i < 20; i++ {
		d := rt.StampedeDelay()
		assert.GreaterOrEqual(t, d, 1*time.Second+17*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second+17*time.Second)
	}
}
