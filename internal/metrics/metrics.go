// Package metrics implements the process-local counters and health
// verdict described in spec.md §4.9. The counters are process-local:
// scalar counters are atomics, and the latency sum/count pair is guarded
// by a mutex the way the teacher's RPC metrics collector guards its
// counters.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"
)

// Snapshot is a point-in-time, immutable copy of the counters plus the
// derived health verdict (spec.md §4.9's ws-metrics response shape).
type Snapshot struct {
	ConnectionsActive     int64   `json:"connections_active"`
	ConnectionsTotal      int64   `json:"connections_total"`
	ConnectionsFailed     int64   `json:"connections_failed"`
	BroadcastsSent        int64   `json:"broadcasts_sent"`
	BroadcastsFailed      int64   `json:"broadcasts_failed"`
	BroadcastLatencySumMS float64 `json:"broadcast_latency_sum_ms"`
	BroadcastLatencyCount int64   `json:"broadcast_latency_count"`
	Health                string  `json:"health"`
}

// Health verdict values (spec.md §4.9).
const (
	HealthOK       = "ok"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Counters is the thread-safe collector. Simple scalar counters use
// atomics directly; the two-field latency accumulator is guarded by a
// mutex so sum and count never observe a torn update relative to each
// other.
type Counters struct {
	connectionsActive int64
	connectionsTotal  int64
	connectionsFailed int64
	broadcastsSent    int64
	broadcastsFailed  int64

	mu                    sync.Mutex
	broadcastLatencySumMS float64
	broadcastLatencyCount int64

	otel *otelInstruments // nil unless WithOTel was called
}

// New returns a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

func (c *Counters) IncConnectionActive() {
	atomic.AddInt64(&c.connectionsActive, 1)
	if c.otel != nil {
		c.otel.connActive.Add(context.Background(), 1)
	}
}

func (c *Counters) DecConnectionActive() {
	atomic.AddInt64(&c.connectionsActive, -1)
	if c.otel != nil {
		c.otel.connActive.Add(context.Background(), -1)
	}
}

func (c *Counters) IncConnectionTotal() {
	atomic.AddInt64(&c.connectionsTotal, 1)
	if c.otel != nil {
		c.otel.connTotal.Add(context.Background(), 1)
	}
}

func (c *Counters) IncConnectionFailed() {
	atomic.AddInt64(&c.connectionsFailed, 1)
	if c.otel != nil {
		c.otel.connFailed.Add(context.Background(), 1)
	}
}

func (c *Counters) IncBroadcastSent() {
	atomic.AddInt64(&c.broadcastsSent, 1)
	if c.otel != nil {
		c.otel.bcastSent.Add(context.Background(), 1)
	}
}

func (c *Counters) IncBroadcastFailed() {
	atomic.AddInt64(&c.broadcastsFailed, 1)
	if c.otel != nil {
		c.otel.bcastFailed.Add(context.Background(), 1)
	}
}

// ObserveBroadcastLatency records one broadcast's end-to-end publish
// latency, in milliseconds, into the running sum/count used for the
// avg_latency_ms health rule.
func (c *Counters) ObserveBroadcastLatency(ms float64) {
	c.mu.Lock()
	c.broadcastLatencySumMS += ms
	c.broadcastLatencyCount++
	c.mu.Unlock()
	if c.otel != nil {
		c.otel.bcastLatency.Record(context.Background(), ms)
	}
}

// Snapshot copies the current counters and computes the health verdict
// per spec.md §4.9's exact thresholds.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	latencySum := c.broadcastLatencySumMS
	latencyCount := c.broadcastLatencyCount
	c.mu.Unlock()

	s := Snapshot{
		ConnectionsActive:     atomic.LoadInt64(&c.connectionsActive),
		ConnectionsTotal:      atomic.LoadInt64(&c.connectionsTotal),
		ConnectionsFailed:     atomic.LoadInt64(&c.connectionsFailed),
		BroadcastsSent:        atomic.LoadInt64(&c.broadcastsSent),
		BroadcastsFailed:      atomic.LoadInt64(&c.broadcastsFailed),
		BroadcastLatencySumMS: latencySum,
		BroadcastLatencyCount: latencyCount,
	}
	s.Health = health(s)
	return s
}

func health(s Snapshot) string {
	if s.ConnectionsTotal > 0 && float64(s.ConnectionsFailed)/float64(s.ConnectionsTotal) > 0.10 {
		return HealthCritical
	}

	if s.ConnectionsActive == 0 && s.ConnectionsTotal > 10 {
		return HealthWarning
	}

	attempted := s.BroadcastsSent + s.BroadcastsFailed
	if attempted > 0 && float64(s.BroadcastsFailed)/float64(attempted) > 0.05 {
		return HealthWarning
	}

	if s.BroadcastLatencyCount > 0 {
		avg := s.BroadcastLatencySumMS / float64(s.BroadcastLatencyCount)
		if avg > 100 {
			return HealthWarning
		}
	}

	return HealthOK
}
