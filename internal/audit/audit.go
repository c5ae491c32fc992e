// Package audit delivers security and activity events to an external sink.
//
// Sinks are best effort from the caller's point of view: engines surface a
// failed Emit as a degraded result, never as a failed operation.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the trust core.
const (
	TypeMFAAttempt      = "mfa_attempt"
	TypeMFAEnabled      = "mfa_enabled"
	TypeMFADisabled     = "mfa_disabled"
	TypeBackupCodes     = "mfa_backup_codes_regenerated"
	TypeEscrowChanged   = "escrow_status_changed"
	TypeDisputeOpened   = "dispute_opened"
	TypeDisputeResolved = "dispute_resolved"
	TypeFraudAlert      = "fraud_alert"
)

// Event is one audit record.
type Event struct {
	Type    string         `json:"type"`
	Actor   string         `json:"actor,omitempty"`
	Subject string         `json:"subject,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SlogSink writes events to a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink over logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, ev Event) error {
	attrs := []any{"type", ev.Type, "actor", ev.Actor, "subject", ev.Subject, "at", ev.At}
	for k, v := range ev.Payload {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

// Fanout emits to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink records events in memory for tests and development.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Fail makes every subsequent Emit return err (nil restores success).
func (m *MemorySink) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *MemorySink) Emit(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (m *MemorySink) Events(types ...string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if len(types) == 0 || contains(types, ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var (
	_ Sink = (*SlogSink)(nil)
	_ Sink = Fanout(nil)
	_ Sink = (*MemorySink)(nil)
)
