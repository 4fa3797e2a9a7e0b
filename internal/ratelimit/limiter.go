// Package ratelimit implements the per-conversation sliding window and the
// repeat-message dedupe check. Both live in Redis as Lua scripts so the
// read-modify-write cycle is atomic across replicas; on any Redis error the
// limiter degrades to a single-process in-memory window with the same
// semantics and reports the backend it used.
package ratelimit

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Source identifies which backend served a check.
const (
	SourceRedis  = "redis"
	SourceMemory = "memory"
)

// RateLimitResult is the outcome of a sliding-window check.
type RateLimitResult struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	Source    string
}

// DedupeResult is the outcome of a duplicate-message check.
type DedupeResult struct {
	IsDuplicate bool
	Hash        uint32
	Source      string
}

// rateScript implements the atomic sliding window. Returns {count, windowStart}.
var rateScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local data = redis.call('HMGET', key, 'count', 'windowStart')
local count = tonumber(data[1])
local start = tonumber(data[2])
if (not count) or (not start) or (now - start > window) then
  count = 1
  start = now
else
  count = count + 1
end
redis.call('HMSET', key, 'count', count, 'windowStart', start)
redis.call('PEXPIRE', key, ttl)
return {count, start}
`)

// dedupeScript compares the stored hash for a conversation against the new
// one. Returns 1 when the same hash was seen inside the window.
var dedupeScript = redis.NewScript(`
local key = KEYS[1]
local hash = ARGV[1]
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local data = redis.call('HMGET', key, 'hash', 'ts')
local stored = data[1]
local ts = tonumber(data[2])
if stored and stored == hash and ts and (now - ts) < window then
  return 1
end
redis.call('HMSET', key, 'hash', hash, 'ts', now)
redis.call('PEXPIRE', key, ttl)
return 0
`)

// Config tunes the limiter. Zero fields get the documented defaults.
type Config struct {
	Window       time.Duration // sliding window, default 60s
	MaxRequests  int           // admitted messages per window, default 10
	DedupeWindow time.Duration // repeat-message window, default 5s
	DedupeTTL    time.Duration // Redis TTL for dedupe records, default 30s
}

// Limiter runs the rate and dedupe checks. rdb may be nil, in which case
// every check is served from memory.
type Limiter struct {
	rdb      redis.UniversalClient
	cfg      Config
	fallback *memoryStore
	logger   *slog.Logger
}

// New creates a Limiter.
func New(rdb redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 5 * time.Second
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 30 * time.Second
	}
	return &Limiter{
		rdb:      rdb,
		cfg:      cfg,
		fallback: newMemoryStore(cfg),
		logger:   slog.With("component", "ratelimit"),
	}
}

// CheckRateLimit counts this message against the conversation's window.
// It never returns an error: Redis failures fall back to memory.
func (l *Limiter) CheckRateLimit(ctx context.Context, conversationID string) RateLimitResult {
	now := time.Now()
	if l.rdb != nil {
		key := "rate:" + conversationID
		res, err := rateScript.Run(ctx, l.rdb, []string{key},
			now.UnixMilli(), l.cfg.Window.Milliseconds(), 2*l.cfg.Window.Milliseconds()).Slice()
		if err == nil && len(res) == 2 {
			count := toInt(res[0])
			start := toInt(res[1])
			return l.result(count, time.UnixMilli(int64(start)), SourceRedis)
		}
		if err != nil {
			l.logger.Warn("Redis rate check failed, using memory fallback", "error", err)
		}
	}
	count, start := l.fallback.hit(conversationID, now)
	return l.result(count, start, SourceMemory)
}

// CheckDuplicate reports whether the same text was already seen on this
// conversation inside the dedupe window.
func (l *Limiter) CheckDuplicate(ctx context.Context, conversationID, text string) DedupeResult {
	now := time.Now()
	hash := HashText(text)
	if l.rdb != nil {
		key := "dedupe:" + conversationID
		res, err := dedupeScript.Run(ctx, l.rdb, []string{key},
			strconv.FormatUint(uint64(hash), 10), now.UnixMilli(),
			l.cfg.DedupeWindow.Milliseconds(), l.cfg.DedupeTTL.Milliseconds()).Int()
		if err == nil {
			return DedupeResult{IsDuplicate: res == 1, Hash: hash, Source: SourceRedis}
		}
		l.logger.Warn("Redis dedupe check failed, using memory fallback", "error", err)
	}
	dup := l.fallback.seen(conversationID, hash, now)
	return DedupeResult{IsDuplicate: dup, Hash: hash, Source: SourceMemory}
}

// Close stops the fallback sweeper.
func (l *Limiter) Close() {
	l.fallback.close()
}

func (l *Limiter) result(count int, windowStart time.Time, source string) RateLimitResult {
	remaining := l.cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= l.cfg.MaxRequests,
		Count:     count,
		Limit:     l.cfg.MaxRequests,
		Remaining: remaining,
		ResetAt:   windowStart.Add(l.cfg.Window),
		Source:    source,
	}
}

// HashText computes the cheap 32-bit hash used for dedupe records.
// Collisions are statistically rare but possible; a collision makes two
// distinct messages look identical for one dedupe window at worst.
func HashText(text string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	return h.Sum32()
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}
