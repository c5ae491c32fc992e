package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gigmarket/trustcore/internal/idgen"
)

// FailureWindow counts failures per key over a rolling window. A key is
// blocked once it reaches Max failures inside Window; entries older than
// Window stop counting.
type FailureWindow interface {
	// Failures returns the number of failures recorded for key in the window.
	Failures(ctx context.Context, key string) (int, error)
	// RecordFailure adds a failure and returns the count inside the window.
	RecordFailure(ctx context.Context, key string) (int, error)
	// Reset forgets all failures for key.
	Reset(ctx context.Context, key string) error
	// Max is the number of failures that blocks a key.
	Max() int
}

// Blocked reports whether key has exhausted its failure budget.
func Blocked(ctx context.Context, w FailureWindow, key string) (bool, error) {
	n, err := w.Failures(ctx, key)
	if err != nil {
		return false, err
	}
	return n >= w.Max(), nil
}

// MemoryFailureWindow keeps failure timestamps in process memory.
type MemoryFailureWindow struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	failures map[string][]time.Time
}

// NewMemoryFailureWindow creates an in-process failure window.
func NewMemoryFailureWindow(max int, window time.Duration) *MemoryFailureWindow {
	return &MemoryFailureWindow{
		max:      max,
		window:   window,
		now:      time.Now,
		failures: make(map[string][]time.Time),
	}
}

// Max implements FailureWindow.
func (m *MemoryFailureWindow) Max() int { return m.max }

// Failures implements FailureWindow.
func (m *MemoryFailureWindow) Failures(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prune(key)), nil
}

// RecordFailure implements FailureWindow.
func (m *MemoryFailureWindow) RecordFailure(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := append(m.prune(key), m.now())
	m.failures[key] = kept
	return len(kept), nil
}

// Reset implements FailureWindow.
func (m *MemoryFailureWindow) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.failures, key)
	m.mu.Unlock()
	return nil
}

// Caller must hold m.mu.
func (m *MemoryFailureWindow) prune(key string) []time.Time {
	cutoff := m.now().Add(-m.window)
	times := m.failures[key]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == len(times) {
		delete(m.failures, key)
		return nil
	}
	times = times[i:]
	m.failures[key] = times
	return times
}

// RedisFailureWindow keeps failures in a Redis sorted set per key, scored by
// unix milliseconds, so every API replica shares one budget.
type RedisFailureWindow struct {
	rdb    *redis.Client
	prefix string
	max    int
	window time.Duration
	now    func() time.Time
}

// NewRedisFailureWindow creates a Redis-backed failure window. Keys are
// stored under "<prefix>:<key>".
func NewRedisFailureWindow(rdb *redis.Client, prefix string, max int, window time.Duration) *RedisFailureWindow {
	return &RedisFailureWindow{
		rdb:    rdb,
		prefix: prefix,
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// Max implements FailureWindow.
func (r *RedisFailureWindow) Max() int { return r.max }

func (r *RedisFailureWindow) key(k string) string {
	return fmt.Sprintf("%s:%s", r.prefix, k)
}

func (r *RedisFailureWindow) cutoff() string {
	return strconv.FormatInt(r.now().Add(-r.window).UnixMilli(), 10)
}

// Failures implements FailureWindow.
func (r *RedisFailureWindow) Failures(ctx context.Context, key string) (int, error) {
	k := r.key(key)
	pipe := r.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", r.cutoff())
	card := pipe.ZCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failure window read: %w", err)
	}
	return int(card.Val()), nil
}

// RecordFailure implements FailureWindow.
func (r *RedisFailureWindow) RecordFailure(ctx context.Context, key string) (int, error) {
	k := r.key(key)
	now := r.now()
	pipe := r.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", r.cutoff())
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMilli()), Member: idgen.Hex(8)})
	card := pipe.ZCard(ctx, k)
	pipe.PExpire(ctx, k, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failure window record: %w", err)
	}
	return int(card.Val()), nil
}

// Reset implements FailureWindow.
func (r *RedisFailureWindow) Reset(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failure window reset: %w", err)
	}
	return nil
}

var (
	_ FailureWindow = (*MemoryFailureWindow)(nil)
	_ FailureWindow = (*RedisFailureWindow)(nil)
)
