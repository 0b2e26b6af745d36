package clientsim

import "time"

// clockSync maintains the EMA-smoothed offset between server and client
// wall clocks, as reported via X-Server-Time-MS on every response. A
// correction larger than snapThreshold replaces the offset outright
// instead of smoothing into it, so a stale persisted offset from a
// previous session does not take many responses to converge.
type clockSync struct {
	offsetMS     float64
	haveOffset   bool
	lastResyncAt time.Time
	haveResync   bool
}

const (
	emaWeightNew    = 0.2
	emaWeightOld    = 0.8
	snapThresholdMS = 30_000
	resyncThrottle  = 5 * time.Second
	driftThreshold  = time.Second
)

// newClockSync seeds the offset from a persisted value (may be zero if
// none was persisted), matching the "persist the offset locally so the
// first second after reload is not off by seconds" requirement.
func newClockSync(persistedOffsetMS float64, hadPersisted bool) *clockSync {
	return &clockSync{offsetMS: persistedOffsetMS, haveOffset: hadPersisted}
}

// Observe folds in one X-Server-Time-MS sample taken at localNow.
func (c *clockSync) Observe(serverTimeMS int64, localNow time.Time) {
	sample := float64(serverTimeMS) - float64(localNow.UnixMilli())
	if !c.haveOffset {
		c.offsetMS = sample
		c.haveOffset = true
		return
	}
	if abs(sample-c.offsetMS) > snapThresholdMS {
		c.offsetMS = sample
		return
	}
	c.offsetMS = emaWeightNew*sample + emaWeightOld*c.offsetMS
}

// OffsetMS returns the current smoothed client->server offset.
func (c *clockSync) OffsetMS() float64 {
	return c.offsetMS
}

// ServerNow converts a local instant to the synchronized server instant.
func (c *clockSync) ServerNow(localNow time.Time) time.Time {
	return localNow.Add(time.Duration(c.offsetMS) * time.Millisecond)
}

// NeedsResync compares elapsed wall time against elapsed ticker time
// since the last tick; if the two diverge by more than driftThreshold it
// requests a resync, throttled to at most once per resyncThrottle.
func (c *clockSync) NeedsResync(wallElapsed, tickerElapsed time.Duration, now time.Time) bool {
	if absDuration(wallElapsed-tickerElapsed) <= driftThreshold {
		return false
	}
	if c.haveResync && now.Sub(c.lastResyncAt) < resyncThrottle {
		return false
	}
	c.lastResyncAt = now
	c.haveResync = true
	return true
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
