// Package broadcast turns a revision bump into a push notification to
// every WS subscriber of a school (spec.md §4.5).
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/azzam1122112-dot/school-display/internal/kvstore"
	"github.com/azzam1122112-dot/school-display/internal/metrics"
	"github.com/azzam1122112-dot/school-display/internal/obslog"
)

// Event is the wire shape published to "school:<school_id>".
type Event struct {
	Type      string `json:"type"`
	SchoolID  int64  `json:"school_id"`
	Revision  int64  `json:"revision"`
	Timestamp int64  `json:"ts"`
}

// Clock abstracts "now" for deterministic tests.
type Clock func() time.Time

// Broadcaster implements spec.md §4.5's post-commit notification. It is
// invoked from the revision registry's debounced-bump path; its own
// failures never propagate to the caller (spec.md: "Catches and logs
// any error; failure never propagates").
type Broadcaster struct {
	store     kvstore.Store
	wsEnabled func() bool
	now       Clock
	log       obslog.Logger
	counters  *metrics.Counters
	mirror    *Mirror // optional JetStream durability mirror; nil disables it
}

// NewBroadcaster wires a Broadcaster. mirror may be nil: it is a
// best-effort enrichment beyond spec.md's at-most-once delivery
// requirement, never a correctness prerequisite for broadcast itself.
func NewBroadcaster(store kvstore.Store, wsEnabled func() bool, now Clock, log obslog.Logger, counters *metrics.Counters, mirror *Mirror) *Broadcaster {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = obslog.Discard()
	}
	return &Broadcaster{store: store, wsEnabled: wsEnabled, now: now, log: log, counters: counters, mirror: mirror}
}

func channelName(schoolID int64) string { return fmt.Sprintf("school:%d", schoolID) }

// Broadcast publishes an invalidation event for (schoolID, revision). It
// never returns an error: all failures are caught and logged per spec.md
// §4.5, since a missed broadcast is recovered by the client's polling
// fallback, not by caller-side retries.
func (b *Broadcaster) Broadcast(ctx context.Context, schoolID, revision int64) {
	if !b.wsEnabled() {
		return
	}

	event := Event{Type: "invalidate", SchoolID: schoolID, Revision: revision, Timestamp: b.now().UnixMilli()}
	data, err := json.Marshal(event)
	if err != nil {
		b.log.Error("broadcast: marshal failed", "school_id", schoolID, "error", err)
		if b.counters != nil {
			b.counters.IncBroadcastFailed()
		}
		return
	}

	if err := b.store.Publish(ctx, channelName(schoolID), data); err != nil {
		b.log.Warn("broadcast: publish failed", "school_id", schoolID, "revision", revision, "error", err)
		if b.counters != nil {
			b.counters.IncBroadcastFailed()
		}
		return
	}

	if b.counters != nil {
		b.counters.IncBroadcastSent()
	}

	if b.mirror != nil {
		if err := b.mirror.Record(ctx, event); err != nil {
			b.log.Warn("broadcast: durability mirror write failed", "school_id", schoolID, "revision", revision, "error", err)
		}
	}
}
