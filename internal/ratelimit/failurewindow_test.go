package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFailureWindow_BlocksAtMax(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	w := NewMemoryFailureWindow(5, 15*time.Minute)
	w.now = clock.Now

	for i := 1; i <= 4; i++ {
		n, err := w.RecordFailure(ctx, "mfa:usr_1")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	blocked, err := Blocked(ctx, w, "mfa:usr_1")
	require.NoError(t, err)
	assert.False(t, blocked)

	_, _ = w.RecordFailure(ctx, "mfa:usr_1")
	blocked, _ = Blocked(ctx, w, "mfa:usr_1")
	assert.True(t, blocked)

	other, _ := Blocked(ctx, w, "mfa:usr_2")
	assert.False(t, other)
}

func TestMemoryFailureWindow_Rolls(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	w := NewMemoryFailureWindow(3, 15*time.Minute)
	w.now = clock.Now

	_, _ = w.RecordFailure(ctx, "k")
	clock.Advance(10 * time.Minute)
	_, _ = w.RecordFailure(ctx, "k")
	_, _ = w.RecordFailure(ctx, "k")
	blocked, _ := Blocked(ctx, w, "k")
	assert.True(t, blocked)

	// The first failure leaves the window.
	clock.Advance(6 * time.Minute)
	n, _ := w.Failures(ctx, "k")
	assert.Equal(t, 2, n)
	blocked, _ = Blocked(ctx, w, "k")
	assert.False(t, blocked)

	clock.Advance(15 * time.Minute)
	n, _ = w.Failures(ctx, "k")
	assert.Zero(t, n)
}

func TestMemoryFailureWindow_Reset(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryFailureWindow(1, time.Minute)
	_, _ = w.RecordFailure(ctx, "k")
	require.NoError(t, w.Reset(ctx, "k"))
	n, _ := w.Failures(ctx, "k")
	assert.Zero(t, n)
}

func TestRedisFailureWindow(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	w := NewRedisFailureWindow(rdb, "test:mfa", 2, time.Minute)
	key := "usr_" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = w.Reset(ctx, key) })

	n, err := w.RecordFailure(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = w.RecordFailure(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	blocked, err := Blocked(ctx, w, key)
	require.NoError(t, err)
	assert.True(t, blocked)

	require.NoError(t, w.Reset(ctx, key))
	blocked, err = Blocked(ctx, w, key)
	require.NoError(t, err)
	assert.False(t, blocked)
}
