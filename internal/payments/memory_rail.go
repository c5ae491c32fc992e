package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gigmarket/trustcore/internal/idgen"
	"github.com/gigmarket/trustcore/internal/money"
)

// MemoryRail is an in-process Rail for development and tests. It honors
// idempotency keys, refuses to replay a capture that has been refunded, and
// can be told to fail upcoming calls.
type MemoryRail struct {
	mu       sync.Mutex
	captures map[string]*Receipt     // idempotency key → receipt
	refunds  map[string]*Receipt     // idempotency key → receipt
	captured map[string]money.Amount // capture ref → refundable amount
	failures map[string][]error      // op → queued errors
	calls    map[string]int
	now      func() time.Time
}

// NewMemoryRail creates an empty in-memory rail.
func NewMemoryRail() *MemoryRail {
	return &MemoryRail{
		captures: make(map[string]*Receipt),
		refunds:  make(map[string]*Receipt),
		captured: make(map[string]money.Amount),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// FailNext queues err for the next call of op ("capture" or "refund").
func (m *MemoryRail) FailNext(op string, err error) {
	m.mu.Lock()
	m.failures[op] = append(m.failures[op], err)
	m.mu.Unlock()
}

// Calls returns how many times op was invoked, failures included.
func (m *MemoryRail) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Refunded returns the total refunded against captureRef.
func (m *MemoryRail) Refunded(captureRef string) money.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total money.Amount
	for _, r := range m.refunds {
		if r.Reference == "re_"+captureRef {
			total += r.Amount
		}
	}
	return total
}

// Caller must hold m.mu.
func (m *MemoryRail) injected(op string) error {
	m.calls[op]++
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	m.failures[op] = queue[1:]
	return queue[0]
}

func (m *MemoryRail) Capture(ctx context.Context, req CaptureRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("capture"); err != nil {
		return nil, err
	}
	if r, ok := m.captures[req.IdempotencyKey]; ok {
		if m.captured[r.Reference] < r.Amount {
			return nil, fmt.Errorf("%w: %s", ErrCaptureRefunded, r.Reference)
		}
		cp := *r
		return &cp, nil
	}
	r := &Receipt{Reference: "cap_" + idgen.Hex(8), Amount: req.Amount, At: m.now()}
	m.captures[req.IdempotencyKey] = r
	m.captured[r.Reference] = req.Amount
	cp := *r
	return &cp, nil
}

func (m *MemoryRail) Refund(ctx context.Context, req RefundRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected("refund"); err != nil {
		return nil, err
	}
	if r, ok := m.refunds[req.IdempotencyKey]; ok {
		cp := *r
		return &cp, nil
	}
	available, ok := m.captured[req.CaptureRef]
	if !ok {
		return nil, fmt.Errorf("%w: unknown capture %s", ErrDeclined, req.CaptureRef)
	}
	if req.Amount > available {
		return nil, fmt.Errorf("%w: refund exceeds captured amount", ErrDeclined)
	}
	m.captured[req.CaptureRef] = available - req.Amount
	r := &Receipt{Reference: "re_" + req.CaptureRef, Amount: req.Amount, At: m.now()}
	m.refunds[req.IdempotencyKey] = r
	cp := *r
	return &cp, nil
}

var _ Rail = (*MemoryRail)(nil)
