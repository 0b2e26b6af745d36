package kvstore

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// memoryStore is a single-process, mutex-guarded implementation of Store.
// It exists for unit tests and for single-replica deployments that don't
// need the Redis-backed WS fan-out (see daemon_server.go's Redis-or-memory
// fallback in the teacher, startRPCServer).
type memoryStore struct {
	mu   sync.Mutex
	data map[string]entry

	subMu sync.Mutex
	subs  map[string][]*memorySubscription
}

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemoryStore returns an in-memory Store. Not shared across processes;
// use NewRedisStore in any multi-replica deployment.
func NewMemoryStore() Store {
	return &memoryStore{
		data: make(map[string]entry),
		subs: make(map[string][]*memorySubscription),
	}
}

func (s *memoryStore) expired(e entry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || s.expired(e) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = s.newEntry(value, ttl)
	return nil
}

func (s *memoryStore) newEntry(value []byte, ttl time.Duration) entry {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	return e
}

func (s *memoryStore) ConditionalSet(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[key]; ok && !s.expired(e) {
		return false, nil
	}
	s.data[key] = s.newEntry(value, ttl)
	return true, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if e, ok := s.data[key]; ok && !s.expired(e) {
		n = decodeInt(e.value)
	}
	n++
	s.data[key] = entry{value: encodeInt(n)}
	return n, nil
}

func (s *memoryStore) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, e := range s.data {
		if s.expired(e) {
			continue
		}
		if ok, _ := filepath.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.subMu.Lock()
	subs := append([]*memorySubscription(nil), s.subs[channel]...)
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.deliver(Message{Channel: channel, Payload: append([]byte(nil), payload...)})
	}
	return nil
}

type memorySubscription struct {
	store   *memoryStore
	channel string
	ch      chan Message
	once    sync.Once
}

func (sub *memorySubscription) deliver(m Message) {
	select {
	case sub.ch <- m:
	default:
		// Slow subscriber: drop rather than block the publisher, matching
		// the at-most-once, best-effort delivery contract of spec.md §4.5.
	}
}

func (sub *memorySubscription) Channel() <-chan Message { return sub.ch }

func (sub *memorySubscription) Close() error {
	sub.once.Do(func() {
		sub.store.subMu.Lock()
		defer sub.store.subMu.Unlock()
		subs := sub.store.subs[sub.channel]
		for i, s := range subs {
			if s == sub {
				sub.store.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	})
	return nil
}

func (s *memoryStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{store: s, channel: channel, ch: make(chan Message, 16)}
	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.subMu.Unlock()
	return sub, nil
}

func (s *memoryStore) Close() error { return nil }

func encodeInt(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

func decodeInt(b []byte) int64 {
	n, _ := strconv.ParseInt(string(b), 10, 64)
	return n
}
