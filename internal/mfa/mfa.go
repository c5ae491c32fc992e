// Package mfa implements TOTP multi-factor authentication with single-use
// backup codes.
//
// Secrets are sealed with XChaCha20-Poly1305 before they reach storage and
// backup codes are kept only as bcrypt hashes. Failed verifications count
// against a rolling failure window per user; once it is exhausted every
// attempt is refused until the window rolls. Attempts from an origin the
// risk profile has never seen are flagged and reported to the fraud
// pipeline.
package mfa

import (
	"context"
	"fmt"
	"time"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/risk"
)

var (
	ErrNotEnabled       = fmt.Errorf("%w: mfa is not enabled", apperr.ErrInvalidTransition)
	ErrAlreadyEnabled   = fmt.Errorf("%w: mfa is already enabled", apperr.ErrInvalidTransition)
	ErrNoPendingSetup   = fmt.Errorf("%w: secret does not match a setup in progress", apperr.ErrValidation)
	ErrInvalidCode      = fmt.Errorf("%w: invalid verification code", apperr.ErrPermissionDenied)
	ErrThrottled        = fmt.Errorf("%w: too many failed verification attempts", apperr.ErrThrottled)
	ErrSettingsNotFound = fmt.Errorf("%w: mfa settings", apperr.ErrNotFound)
	ErrBackupCodeUsed   = fmt.Errorf("%w: backup code already used", apperr.ErrConflict)
)

// TOTP parameters.
const (
	Digits = 6
	Period = 30 * time.Second
	Skew   = 1
)

// Backup code shape.
const (
	BackupCodeCount  = 10
	BackupCodeLength = 10
)

// Method is how a verification was attempted.
type Method string

const (
	MethodTOTP   Method = "totp"
	MethodBackup Method = "backup"
)

// Settings is a user's MFA configuration.
type Settings struct {
	UserID  string
	Enabled bool
	// EncryptedSecret is nonce || ciphertext, bound to UserID.
	EncryptedSecret []byte
	// PendingSecretHash is the SHA-256 of the secret issued by the latest
	// setup. The secret itself is never stored before Enable.
	PendingSecretHash string
	// PendingBackupCodeHashes are the bcrypt hashes of the codes issued with
	// that secret; Enable promotes them to BackupCodeHashes.
	PendingBackupCodeHashes []string
	BackupCodeHashes        []string
	BackupCodesUsed         int
	VerifiedAt              *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	cp := *s
	cp.EncryptedSecret = append([]byte(nil), s.EncryptedSecret...)
	cp.PendingBackupCodeHashes = append([]string(nil), s.PendingBackupCodeHashes...)
	cp.BackupCodeHashes = append([]string(nil), s.BackupCodeHashes...)
	if s.VerifiedAt != nil {
		t := *s.VerifiedAt
		cp.VerifiedAt = &t
	}
	return &cp
}

// Attempt is one recorded verification.
type Attempt struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Method    Method    `json:"method"`
	Success   bool      `json:"success"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Anomalous bool      `json:"anomalous"`
	Throttled bool      `json:"throttled"`
	At        time.Time `json:"at"`
}

// Origin identifies where a request came from.
type Origin struct {
	IP                string
	UserAgent         string
	DeviceFingerprint string
}

// Result reports a verification. Degraded means the code was checked but
// the attempt could not be fully recorded.
type Result struct {
	Valid                bool   `json:"valid"`
	Method               Method `json:"method"`
	Anomalous            bool   `json:"anomalous"`
	Throttled            bool   `json:"throttled"`
	Degraded             bool   `json:"degraded"`
	BackupCodesRemaining int    `json:"backupCodesRemaining"`
}

// SetupResult carries a freshly generated secret for the authenticator app
// and the backup codes that become usable once Enable succeeds. Both are
// shown once.
type SetupResult struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
	// QRCode is a PNG data URL encoding URL.
	QRCode      string   `json:"qrCode"`
	BackupCodes []string `json:"backupCodes"`
}

// BackupCodesResult carries plaintext backup codes. They are shown once.
type BackupCodesResult struct {
	BackupCodes []string `json:"backupCodes"`
	Degraded    bool     `json:"degraded"`
}

// StatusInfo summarizes a user's MFA state.
type StatusInfo struct {
	Enabled              bool       `json:"enabled"`
	PendingSetup         bool       `json:"pendingSetup"`
	VerifiedAt           *time.Time `json:"verifiedAt,omitempty"`
	BackupCodesRemaining int        `json:"backupCodesRemaining"`
	BackupCodesUsed      int        `json:"backupCodesUsed"`
}

// Store persists MFA settings.
type Store interface {
	Get(ctx context.Context, userID string) (*Settings, error)
	Save(ctx context.Context, s *Settings) error
	// ConsumeBackupCode removes hash from the user's unused codes and bumps
	// the used count; ErrBackupCodeUsed if it is no longer there.
	ConsumeBackupCode(ctx context.Context, userID, hash string) error
}

// AttemptStore records verification attempts.
type AttemptStore interface {
	Record(ctx context.Context, a *Attempt) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Attempt, error)
}

// RiskSource flags unfamiliar origins and learns from verified ones.
type RiskSource interface {
	Anomalous(ctx context.Context, subject, ip, device string) (bool, error)
	Score(ctx context.Context, subject string, ev risk.Event) *risk.Assessment
}

// FraudReporter receives suspicious verification activity.
type FraudReporter interface {
	ReportMFA(ctx context.Context, userID string, anomalous, throttled bool)
}
