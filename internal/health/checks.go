package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const checkTimeout = 2 * time.Second

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database reports whether the database answers a ping.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// RedisPinger is satisfied by *redis.Client.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// Redis reports whether Redis answers PING.
func Redis(client RedisPinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Loop reports whether a background loop, such as the escrow sweep, is running.
func Loop(running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Detail: "not running"}
		}
		return Status{Healthy: true}
	}
}
