// Package fraud turns risk assessments and security signals into alerts an
// operator reviews.
//
// Rules run over every assessment the escrow engine produces and over MFA
// reports. A rule that fires for a subject which already has a pending
// alert of the same type within the cool-down updates that alert instead of
// raising a new one.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/pagination"
	"github.com/gigmarket/trustcore/internal/risk"
)

var (
	ErrAlertNotFound = fmt.Errorf("%w: fraud alert", apperr.ErrNotFound)
	ErrStaleAlert    = fmt.Errorf("%w: fraud alert changed during review", apperr.ErrConflict)
)

// Rule types.
const (
	RuleThreshold     = "threshold"
	RuleVelocity      = "velocity"
	RuleOriginAnomaly = "origin_anomaly"
	RuleMFAFailures   = "mfa_failures"
)

// Status is the review state of an alert.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReviewed  Status = "reviewed"
	StatusDismissed Status = "dismissed"
	StatusConfirmed Status = "confirmed"
)

func (s Status) String() string { return string(s) }

// ParseStatus validates a status name.
func ParseStatus(name string) (Status, error) {
	switch s := Status(name); s {
	case StatusPending, StatusReviewed, StatusDismissed, StatusConfirmed:
		return s, nil
	}
	return "", apperr.Validation("status", fmt.Sprintf("unknown status %q", name))
}

// CanMoveTo reports whether an operator may move an alert from s to next.
// Dismissed and confirmed are final; nothing returns to pending.
func (s Status) CanMoveTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusReviewed || next == StatusDismissed || next == StatusConfirmed
	case StatusReviewed:
		return next == StatusDismissed || next == StatusConfirmed
	}
	return false
}

// Alert is one fraud finding awaiting or past operator review.
type Alert struct {
	ID          string        `json:"id"`
	Subject     string        `json:"subject"`
	Type        string        `json:"type"`
	Severity    risk.Severity `json:"severity"`
	Status      Status        `json:"status"`
	Detail      string        `json:"detail"`
	Score       int           `json:"score"`
	EscrowID    string        `json:"escrowId,omitempty"`
	Occurrences int           `json:"occurrences"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	ReviewedBy  string        `json:"reviewedBy,omitempty"`
	ReviewedAt  *time.Time    `json:"reviewedAt,omitempty"`
	ReviewNote  string        `json:"reviewNote,omitempty"`
}

// Clone returns a copy safe to hand to other goroutines.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.ReviewedAt != nil {
		t := *a.ReviewedAt
		cp.ReviewedAt = &t
	}
	return &cp
}

func (a *Alert) FeedSubjects() []string { return []string{a.Subject} }
func (a *Alert) FeedSeverity() risk.Severity { return a.Severity }

// merge folds a repeat of the same rule into a pending alert: the count
// grows, severity and score only rise, and the latest detail wins.
func (a *Alert) merge(c *Alert) {
	a.Occurrences++
	a.UpdatedAt = c.UpdatedAt
	a.Severity = max(a.Severity, c.Severity)
	a.Score = max(a.Score, c.Score)
	a.Detail = c.Detail
	if c.EscrowID != "" {
		a.EscrowID = c.EscrowID
	}
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Subject     string
	Type        string
	Status      Status
	MinSeverity risk.Severity
	Since       time.Time
	// Before resumes a newest-first listing after a previous page.
	Before      *pagination.Cursor
	Limit       int
}

func (f Filter) matches(a *Alert) bool {
	return (f.Subject == "" || a.Subject == f.Subject) &&
		(f.Type == "" || a.Type == f.Type) &&
		(f.Status == "" || a.Status == f.Status) &&
		a.Severity >= f.MinSeverity &&
		(f.Since.IsZero() || !a.CreatedAt.Before(f.Since)) &&
		f.Before.Admits(a.CreatedAt, a.ID)
}

// Store persists alerts.
type Store interface {
	// UpsertPending merges candidate into the subject's pending alert of the
	// same type updated at or after since, or inserts candidate when there is
	// none. created reports which happened. The check and the write are
	// atomic per subject and type.
	UpsertPending(ctx context.Context, candidate *Alert, since time.Time) (stored *Alert, created bool, err error)
	Get(ctx context.Context, id string) (*Alert, error)
	// Review writes the review fields if the alert is still in status from;
	// ErrStaleAlert otherwise.
	Review(ctx context.Context, a *Alert, from Status) error
	// List returns matching alerts, newest first.
	List(ctx context.Context, f Filter) ([]*Alert, error)
}

// Feed receives new alerts for the operator console.
type Feed interface {
	Publish(kind string, data any)
}

// Stats summarizes alerts created within a window.
type Stats struct {
	Window     string         `json:"window"`
	Since      time.Time      `json:"since"`
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"bySeverity"`
	ByStatus   map[string]int `json:"byStatus"`
	ByType     map[string]int `json:"byType"`
	Scores     ScoreSummary   `json:"scores"`
}

// ScoreSummary describes the risk scores attached to alerts.
type ScoreSummary struct {
	Count int     `json:"count"`
	Min   int     `json:"min"`
	Max   int     `json:"max"`
	Mean  float64 `json:"mean"`
}
