package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gigmarket/trustcore/internal/logging"
	"github.com/gigmarket/trustcore/internal/metrics"
)

const (
	// sweepBatch bounds how many due escrows one pass processes.
	sweepBatch = 100
	// maxPassesPerTick bounds backlog draining so one tick cannot run forever.
	maxPassesPerTick = 10
)

// Timer periodically auto-releases delivered escrows whose grace period has
// passed. The first sweep runs as soon as the timer starts.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	lastOK   atomic.Int64 // unix nanos of the last successful sweep
}

// NewTimer creates a new escrow auto-release timer. A non-positive
// interval defaults to 30 seconds.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is running and has completed a sweep
// within the last three intervals.
func (t *Timer) Running() bool {
	if !t.running.Load() {
		return false
	}
	last := t.lastOK.Load()
	return last != 0 && time.Since(time.Unix(0, last)) <= 3*t.interval
}

// Start runs the auto-release loop until ctx is done or Stop is called.
// Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ctx = logging.WithActor(ctx, SystemActor)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// tick sweeps in batches until a pass comes back short, draining a backlog
// left by downtime.
func (t *Timer) tick(ctx context.Context) {
	var released, held int
	for pass := 0; pass < maxPassesPerTick; pass++ {
		r, h, ok := t.safeSweep(ctx)
		if !ok {
			return
		}
		released += r
		held += h
		if r+h < sweepBatch || ctx.Err() != nil {
			break
		}
	}
	t.lastOK.Store(time.Now().UnixNano())
	metrics.EscrowSweepLastSuccess.SetToCurrentTime()
	if released > 0 || held > 0 {
		t.logger.Info("escrow sweep finished", "released", released, "held", held)
	}
}

func (t *Timer) safeSweep(ctx context.Context) (released, held int, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EscrowSweepErrorsTotal.Inc()
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
			ok = false
		}
	}()

	released, held, err := t.service.Sweep(ctx, sweepBatch)
	if err != nil {
		metrics.EscrowSweepErrorsTotal.Inc()
		t.logger.Warn("escrow sweep failed", "error", err)
		return released, held, false
	}
	return released, held, true
}
