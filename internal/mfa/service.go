package mfa

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image/png"
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/audit"
	"github.com/gigmarket/trustcore/internal/idgen"
	"github.com/gigmarket/trustcore/internal/logging"
	"github.com/gigmarket/trustcore/internal/metrics"
	"github.com/gigmarket/trustcore/internal/ratelimit"
	"github.com/gigmarket/trustcore/internal/risk"
	"github.com/gigmarket/trustcore/internal/syncutil"
	"github.com/gigmarket/trustcore/internal/validation"
)

var validateOpts = totp.ValidateOpts{
	Period:    uint(Period / time.Second),
	Skew:      Skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Service manages MFA enrollment and verification.
type Service struct {
	store      Store
	attempts   AttemptStore
	sealer     *Sealer
	window     ratelimit.FailureWindow
	risk       RiskSource
	fraud      FraudReporter
	audit      audit.Sink
	issuer     string
	bcryptCost int
	timeout    time.Duration
	locks      syncutil.KeyedMutex // per-user
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates an MFA service. window caps failed verifications per
// user.
func NewService(store Store, attempts AttemptStore, sealer *Sealer, window ratelimit.FailureWindow, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		attempts:   attempts,
		sealer:     sealer,
		window:     window,
		issuer:     "GigMarket",
		bcryptCost: bcrypt.DefaultCost,
		timeout:    10 * time.Second,
		logger:     logger,
		now:        time.Now,
	}
}

// WithIssuer sets the issuer shown in authenticator apps.
func (s *Service) WithIssuer(issuer string) *Service {
	if issuer != "" {
		s.issuer = issuer
	}
	return s
}

// WithRiskSource enables origin-anomaly flags on attempts.
func (s *Service) WithRiskSource(r RiskSource) *Service {
	s.risk = r
	return s
}

// WithFraudReporter forwards anomalous and throttled attempts.
func (s *Service) WithFraudReporter(f FraudReporter) *Service {
	s.fraud = f
	return s
}

// WithAuditSink records enrollment changes and attempts.
func (s *Service) WithAuditSink(sink audit.Sink) *Service {
	s.audit = sink
	return s
}

// WithBCryptCost overrides the backup code hashing cost.
func (s *Service) WithBCryptCost(cost int) *Service {
	s.bcryptCost = cost
	return s
}

// WithTimeout bounds lock waits and store calls.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Setup issues a new TOTP secret and a set of backup codes. Only hashes of
// them are stored; the secret must be presented again, with a valid code,
// to Enable. A repeated Setup replaces both.
func (s *Service) Setup(ctx context.Context, userID, accountName string) (*SetupResult, error) {
	if err := validation.Validate(validation.Required("userId", userID)); err != nil {
		return nil, err
	}
	if accountName == "" {
		accountName = userID
	}

	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := s.loadOrNew(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st.Enabled {
		return nil, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
		Period:      validateOpts.Period,
		Digits:      validateOpts.Digits,
		Algorithm:   validateOpts.Algorithm,
	})
	if err != nil {
		return nil, apperr.External("mfa.generate", err)
	}
	qr, err := qrDataURL(key)
	if err != nil {
		return nil, apperr.External("mfa.qr", err)
	}
	codes, hashes, err := newBackupCodes(s.bcryptCost)
	if err != nil {
		return nil, err
	}

	st.PendingSecretHash = hashSecret(key.Secret())
	st.PendingBackupCodeHashes = hashes
	st.UpdatedAt = s.now()
	if err := s.save(ctx, st); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("mfa setup started", "userId", userID)
	return &SetupResult{Secret: key.Secret(), URL: key.URL(), QRCode: qr, BackupCodes: codes}, nil
}

// Enable turns MFA on once code proves the user holds secret, together with
// the backup codes issued by the same Setup. A wrong code persists nothing.
func (s *Service) Enable(ctx context.Context, userID, secret, code string, origin Origin) (*Result, error) {
	if err := validation.Validate(
		validation.Required("userId", userID),
		validation.Required("secret", secret),
		validation.Required("code", code),
	); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := s.loadOrNew(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st.Enabled {
		return nil, ErrAlreadyEnabled
	}
	if !secretMatches(secret, st.PendingSecretHash) {
		return nil, ErrNoPendingSetup
	}
	if err := s.checkThrottle(ctx, userID, MethodTOTP, origin); err != nil {
		return nil, err
	}

	now := s.now()
	code = normalizeCode(code)
	if ok, _ := totp.ValidateCustom(code, secret, now, validateOpts); !ok {
		throttled := s.fail(ctx, userID)
		s.recordAttempt(ctx, &Attempt{UserID: userID, Method: MethodTOTP, Throttled: throttled}, origin)
		metrics.MFAVerificationsTotal.WithLabelValues(string(MethodTOTP), "failure").Inc()
		return nil, ErrInvalidCode
	}

	sealed, err := s.sealer.Seal([]byte(secret), userID)
	if err != nil {
		return nil, err
	}
	next := st.Clone()
	next.Enabled = true
	next.EncryptedSecret = sealed
	next.PendingSecretHash = ""
	next.BackupCodeHashes = st.PendingBackupCodeHashes
	next.PendingBackupCodeHashes = nil
	next.BackupCodesUsed = 0
	next.VerifiedAt = &now
	next.UpdatedAt = now
	if err := s.save(ctx, next); err != nil {
		return nil, err
	}
	s.reset(ctx, userID)
	metrics.MFAVerificationsTotal.WithLabelValues(string(MethodTOTP), "success").Inc()

	degraded := !s.recordAttempt(ctx, &Attempt{UserID: userID, Method: MethodTOTP, Success: true}, origin)
	if !s.emit(ctx, audit.TypeMFAEnabled, userID, nil) {
		degraded = true
	}
	logging.L(ctx).Info("mfa enabled", "userId", userID)
	return &Result{
		Valid:                true,
		Method:               MethodTOTP,
		Degraded:             degraded,
		BackupCodesRemaining: len(next.BackupCodeHashes),
	}, nil
}

// Verify checks a TOTP or backup code. A wrong code is reported through
// Result.Valid, not as an error; exhausting the failure window is
// ErrThrottled.
func (s *Service) Verify(ctx context.Context, userID, code string, origin Origin) (*Result, error) {
	if err := validation.Validate(
		validation.Required("userId", userID),
		validation.Required("code", code),
	); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := s.enabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.verify(ctx, st, code, origin)
}

// Disable turns MFA off. It requires a valid code.
func (s *Service) Disable(ctx context.Context, userID, code string, origin Origin) (*Result, error) {
	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := s.enabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	res, err := s.gate(ctx, st, code, origin)
	if err != nil {
		return res, err
	}

	now := s.now()
	cleared := &Settings{UserID: userID, CreatedAt: st.CreatedAt, UpdatedAt: now}
	if err := s.save(ctx, cleared); err != nil {
		return nil, err
	}
	if !s.emit(ctx, audit.TypeMFADisabled, userID, map[string]any{"method": string(res.Method)}) {
		res.Degraded = true
	}
	res.BackupCodesRemaining = 0
	logging.L(ctx).Info("mfa disabled", "userId", userID)
	return res, nil
}

// RegenerateBackupCodes replaces every backup code. It requires a valid
// code; a backup code used for this is consumed before the new set exists.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID, code string, origin Origin) (*BackupCodesResult, error) {
	unlock, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := s.enabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	res, err := s.gate(ctx, st, code, origin)
	if err != nil {
		return nil, err
	}

	codes, hashes, err := newBackupCodes(s.bcryptCost)
	if err != nil {
		return nil, err
	}
	next := st.Clone()
	next.BackupCodeHashes = hashes
	next.BackupCodesUsed = 0
	next.UpdatedAt = s.now()
	if err := s.save(ctx, next); err != nil {
		return nil, err
	}

	degraded := res.Degraded
	if !s.emit(ctx, audit.TypeBackupCodes, userID, map[string]any{"method": string(res.Method)}) {
		degraded = true
	}
	logging.L(ctx).Info("mfa backup codes regenerated", "userId", userID)
	return &BackupCodesResult{BackupCodes: codes, Degraded: degraded}, nil
}

// Status summarizes userID's MFA state. Users who never set up MFA report
// disabled.
func (s *Service) Status(ctx context.Context, userID string) (*StatusInfo, error) {
	st, err := s.loadOrNew(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &StatusInfo{
		Enabled:              st.Enabled,
		PendingSetup:         !st.Enabled && st.PendingSecretHash != "",
		VerifiedAt:           st.VerifiedAt,
		BackupCodesRemaining: len(st.BackupCodeHashes),
		BackupCodesUsed:      st.BackupCodesUsed,
	}, nil
}

// Enabled reports whether userID must present a code for gated actions.
func (s *Service) Enabled(ctx context.Context, userID string) (bool, error) {
	info, err := s.Status(ctx, userID)
	if err != nil {
		return false, err
	}
	return info.Enabled, nil
}

// Attempts returns userID's most recent attempts.
func (s *Service) Attempts(ctx context.Context, userID string, limit int) ([]*Attempt, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	list, err := s.attempts.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, apperr.External("mfa.attempts", err)
	}
	return list, nil
}

// gate verifies code for a sensitive action and turns a wrong code into
// ErrInvalidCode.
func (s *Service) gate(ctx context.Context, st *Settings, code string, origin Origin) (*Result, error) {
	if code == "" {
		return nil, apperr.Validation("code", "required")
	}
	res, err := s.verify(ctx, st, code, origin)
	if err != nil {
		return res, err
	}
	if !res.Valid {
		return res, ErrInvalidCode
	}
	return res, nil
}

// verify runs one attempt against st. The caller holds the user lock.
func (s *Service) verify(ctx context.Context, st *Settings, code string, origin Origin) (*Result, error) {
	userID := st.UserID
	code = normalizeCode(code)
	method := MethodBackup
	if isTOTPCode(code) {
		method = MethodTOTP
	}

	anomalous := s.anomalous(ctx, userID, origin)
	if err := s.checkThrottle(ctx, userID, method, origin); err != nil {
		if errors.Is(err, ErrThrottled) {
			s.report(ctx, userID, anomalous, true)
			return &Result{Method: method, Anomalous: anomalous, Throttled: true, BackupCodesRemaining: len(st.BackupCodeHashes)}, err
		}
		return nil, err
	}

	valid, err := s.match(ctx, st, method, code)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Valid:     valid,
		Method:    method,
		Anomalous: anomalous,
	}
	if valid {
		s.reset(ctx, userID)
		if s.risk != nil {
			// Only verified attempts teach the profile a new origin.
			s.risk.Score(ctx, userID, risk.Event{
				Kind:              risk.EventMFAVerify,
				IP:                origin.IP,
				DeviceFingerprint: origin.device(),
			})
		}
		metrics.MFAVerificationsTotal.WithLabelValues(string(method), "success").Inc()
	} else {
		res.Throttled = s.fail(ctx, userID)
		metrics.MFAVerificationsTotal.WithLabelValues(string(method), "failure").Inc()
	}
	res.BackupCodesRemaining = len(st.BackupCodeHashes)

	attempt := &Attempt{UserID: userID, Method: method, Success: valid, Anomalous: anomalous, Throttled: res.Throttled}
	if !s.recordAttempt(ctx, attempt, origin) {
		res.Degraded = true
	}
	payload := map[string]any{"method": string(method), "success": valid, "anomalous": anomalous}
	if !s.emit(ctx, audit.TypeMFAAttempt, userID, payload) {
		res.Degraded = true
	}
	if anomalous || res.Throttled {
		s.report(ctx, userID, anomalous, res.Throttled)
	}
	if !valid {
		logging.L(ctx).Info("mfa verification failed",
			"userId", userID, "method", string(method), "anomalous", anomalous, "throttled", res.Throttled)
	}
	return res, nil
}

// match checks code against st. A matching backup code is consumed and
// removed from st.
func (s *Service) match(ctx context.Context, st *Settings, method Method, code string) (bool, error) {
	if method == MethodTOTP {
		secret, err := s.sealer.Open(st.EncryptedSecret, st.UserID)
		if err != nil {
			logging.L(ctx).Error("CRITICAL: stored mfa secret cannot be opened", "userId", st.UserID, "error", err)
			return false, apperr.External("mfa.open_secret", err)
		}
		ok, _ := totp.ValidateCustom(code, string(secret), s.now(), validateOpts)
		return ok, nil
	}
	if len(code) != BackupCodeLength {
		return false, nil
	}
	hash := matchBackupCode(st.BackupCodeHashes, code)
	if hash == "" {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.store.ConsumeBackupCode(ctx, st.UserID, hash)
	if errors.Is(err, ErrBackupCodeUsed) {
		return false, nil
	}
	if err != nil {
		return false, apperr.External("mfa.consume_backup_code", err)
	}
	remaining := make([]string, 0, len(st.BackupCodeHashes))
	for _, h := range st.BackupCodeHashes {
		if h != hash {
			remaining = append(remaining, h)
		}
	}
	st.BackupCodeHashes = remaining
	st.BackupCodesUsed++
	return true, nil
}

// checkThrottle refuses the attempt once the failure window is exhausted.
// An unreadable window refuses too.
func (s *Service) checkThrottle(ctx context.Context, userID string, method Method, origin Origin) error {
	blocked, err := ratelimit.Blocked(ctx, s.window, throttleKey(userID))
	if err != nil {
		return apperr.External("mfa.throttle", err)
	}
	if !blocked {
		return nil
	}
	metrics.MFAVerificationsTotal.WithLabelValues(string(method), "throttled").Inc()
	s.recordAttempt(ctx, &Attempt{UserID: userID, Method: method, Throttled: true}, origin)
	logging.Security(ctx, "mfa attempt while throttled", "userId", userID, "ip", origin.IP)
	return ErrThrottled
}

// fail records a failure and reports whether the window is now exhausted.
func (s *Service) fail(ctx context.Context, userID string) bool {
	n, err := s.window.RecordFailure(ctx, throttleKey(userID))
	if err != nil {
		logging.L(ctx).Warn("failed to record mfa failure", "userId", userID, "error", err)
		return false
	}
	if n >= s.window.Max() {
		logging.Security(ctx, "mfa failure limit reached", "userId", userID, "failures", n)
		return true
	}
	return false
}

func (s *Service) reset(ctx context.Context, userID string) {
	if err := s.window.Reset(ctx, throttleKey(userID)); err != nil {
		logging.L(ctx).Warn("failed to reset mfa failures", "userId", userID, "error", err)
	}
}

func (s *Service) anomalous(ctx context.Context, userID string, origin Origin) bool {
	if s.risk == nil {
		return false
	}
	ok, err := s.risk.Anomalous(ctx, userID, origin.IP, origin.device())
	if err != nil {
		logging.L(ctx).Warn("origin check unavailable", "userId", userID, "error", err)
		return false
	}
	return ok
}

func (s *Service) report(ctx context.Context, userID string, anomalous, throttled bool) {
	if s.fraud != nil {
		s.fraud.ReportMFA(ctx, userID, anomalous, throttled)
	}
}

// recordAttempt stores a, filling identity and origin. It reports whether
// the write succeeded.
func (s *Service) recordAttempt(ctx context.Context, a *Attempt, origin Origin) bool {
	a.ID = idgen.WithPrefix(idgen.MFAAttempt)
	a.IP = validation.SanitizeString(origin.IP, 64)
	a.UserAgent = validation.SanitizeString(origin.UserAgent, 512)
	a.At = s.now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.attempts.Record(ctx, a); err != nil {
		metrics.AuditDegradedTotal.WithLabelValues("mfa").Inc()
		logging.L(ctx).Warn("failed to record mfa attempt", "userId", a.UserID, "error", err)
		return false
	}
	return true
}

func (s *Service) emit(ctx context.Context, typ, userID string, payload map[string]any) bool {
	if s.audit == nil {
		return true
	}
	err := s.audit.Emit(ctx, audit.Event{
		Type:    typ,
		Actor:   userID,
		Subject: userID,
		Payload: payload,
		At:      s.now(),
	})
	if err != nil {
		metrics.AuditDegradedTotal.WithLabelValues("mfa").Inc()
		logging.L(ctx).Warn("mfa audit write failed", "userId", userID, "type", typ, "error", err)
		return false
	}
	return true
}

func (s *Service) enabled(ctx context.Context, userID string) (*Settings, error) {
	st, err := s.loadOrNew(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !st.Enabled {
		return nil, ErrNotEnabled
	}
	return st, nil
}

func (s *Service) loadOrNew(ctx context.Context, userID string) (*Settings, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	st, err := s.store.Get(ctx, userID)
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, ErrSettingsNotFound):
		now := s.now()
		return &Settings{UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
	default:
		return nil, apperr.External("mfa.load", err)
	}
}

func (s *Service) save(ctx context.Context, st *Settings) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.Save(ctx, st); err != nil {
		return apperr.External("mfa.save", err)
	}
	return nil
}

func (s *Service) lock(ctx context.Context, userID string) (func(), error) {
	unlock, err := s.locks.LockTimeout(ctx, userID, s.timeout)
	if err != nil {
		return nil, apperr.External("mfa.lock", err)
	}
	return unlock, nil
}

func throttleKey(userID string) string { return "mfa:" + userID }

// device prefers an explicit fingerprint and falls back to the user agent.
func (o Origin) device() string {
	if o.DeviceFingerprint != "" {
		return o.DeviceFingerprint
	}
	return o.UserAgent
}

func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(200, 200)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
