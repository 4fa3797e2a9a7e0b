package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Pop when no job arrived inside the wait window.
var ErrEmpty = errors.New("queue is empty")

// Backend is the minimal queue storage contract. The Redis implementation is
// shared across replicas; the memory implementation is a single-process
// fallback for local runs and Redis outages.
type Backend interface {
	Push(ctx context.Context, data []byte) error
	// Pop blocks up to wait for the next item.
	Pop(ctx context.Context, wait time.Duration) ([]byte, error)
	Len(ctx context.Context) (int, error)
}

// RedisBackend stores the queue as a Redis list (LPUSH producer, BRPOP
// consumer) so order is FIFO per replica set.
type RedisBackend struct {
	rdb redis.UniversalClient
	key string
}

// NewRedisBackend creates a Redis queue under key.
func NewRedisBackend(rdb redis.UniversalClient, key string) *RedisBackend {
	if key == "" {
		key = "jobs:main"
	}
	return &RedisBackend{rdb: rdb, key: key}
}

func (b *RedisBackend) Push(ctx context.Context, data []byte) error {
	return b.rdb.LPush(ctx, b.key, data).Err()
}

func (b *RedisBackend) Pop(ctx context.Context, wait time.Duration) ([]byte, error) {
	res, err := b.rdb.BRPop(ctx, wait, b.key).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, ErrEmpty
	}
	return []byte(res[1]), nil
}

func (b *RedisBackend) Len(ctx context.Context) (int, error) {
	n, err := b.rdb.LLen(ctx, b.key).Result()
	return int(n), err
}

// MemoryBackend is the in-process fallback queue.
type MemoryBackend struct {
	ch chan []byte
}

// NewMemoryBackend creates a fallback queue with the given buffer.
func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryBackend{ch: make(chan []byte, capacity)}
}

func (b *MemoryBackend) Push(ctx context.Context, data []byte) error {
	select {
	case b.ch <- data:
		return nil
	default:
		return errors.New("memory queue full")
	}
}

func (b *MemoryBackend) Pop(ctx context.Context, wait time.Duration) ([]byte, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case data := <-b.ch:
		return data, nil
	case <-timer.C:
		return nil, ErrEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBackend) Len(ctx context.Context) (int, error) {
	return len(b.ch), nil
}
