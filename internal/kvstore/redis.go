package kvstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore implements Store over a github.com/redis/go-redis/v9 client.
// Grounded on the teacher's Redis-backed store
// (internal/daemon/redis_wisp_store.go): functional options, an explicit
// Ping on construction, and an atomic "closed" guard on every method.
type redisStore struct {
	client *redis.Client
	closed atomic.Bool
}

// Option configures a redisStore.
type Option func(*redisStore)

// NewRedisStore dials Redis at redisURL (e.g. "redis://localhost:6379/0")
// and verifies connectivity before returning.
func NewRedisStore(redisURL string, opts ...Option) (Store, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kvstore: invalid redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)
	s := &redisStore{client: client}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kvstore: redis ping failed: %w", err)
	}

	return s, nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	return data, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore: set %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) ConditionalSet(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kvstore: setnx %q: %w", key, err)
	}
	return ok, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kvstore: del %q: %w", key, err)
	}
	return nil
}

func (s *redisStore) Incr(ctx context.Context, key string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	v, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore: incr %q: %w", key, err)
	}
	return v, nil
}

func (s *redisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: scan %q: %w", pattern, err)
	}
	return keys, nil
}

func (s *redisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("kvstore: publish %q: %w", channel, err)
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
	done   chan struct{}
}

func (s *redisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("kvstore: subscribe %q: %w", channel, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Message, 16),
		done:   make(chan struct{}),
	}

	go sub.pump()

	return sub, nil
}

func (sub *redisSubscription) pump() {
	defer close(sub.ch)
	redisCh := sub.pubsub.Channel()
	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-redisCh:
			if !ok {
				return
			}
			select {
			case sub.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-sub.done:
				return
			}
		}
	}
}

func (sub *redisSubscription) Channel() <-chan Message { return sub.ch }

func (sub *redisSubscription) Close() error {
	close(sub.done)
	return sub.pubsub.Close()
}

func (s *redisStore) Close() error {
	s.closed.Store(true)
	return s.client.Close()
}
