package health

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type redisPing struct{ err error }

func (r redisPing) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", r.err)
}

func TestDatabaseCheck(t *testing.T) {
	ok := Database(pingFunc(func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	}))(context.Background())
	assert.True(t, ok.Healthy)

	down := Database(pingFunc(func(context.Context) error { return errors.New("connection refused") }))(context.Background())
	assert.False(t, down.Healthy)
	assert.Equal(t, "connection refused", down.Detail)
}

func TestRedisCheck(t *testing.T) {
	assert.True(t, Redis(redisPing{})(context.Background()).Healthy)
	st := Redis(redisPing{err: errors.New("dial tcp: timeout")})(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "dial tcp: timeout", st.Detail)
}

func TestLoopCheck(t *testing.T) {
	running := false
	check := Loop(func() bool { return running })
	assert.False(t, check(context.Background()).Healthy)
	running = true
	assert.True(t, check(context.Background()).Healthy)
}
