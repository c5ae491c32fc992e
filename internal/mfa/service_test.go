package mfa

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/audit"
	"github.com/gigmarket/trustcore/internal/ratelimit"
	"github.com/gigmarket/trustcore/internal/risk"
)

const user = "usr_alice"

var testKey = bytes.Repeat([]byte{7}, 32)

type stubRisk struct {
	mu        sync.Mutex
	anomalous bool
	scored    int
}

func (r *stubRisk) Anomalous(context.Context, string, string, string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anomalous, nil
}

func (r *stubRisk) Score(_ context.Context, subject string, ev risk.Event) *risk.Assessment {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scored++
	return &risk.Assessment{Subject: subject, Kind: ev.Kind}
}

type report struct {
	anomalous, throttled bool
}

type stubFraud struct {
	mu      sync.Mutex
	reports []report
}

func (f *stubFraud) ReportMFA(_ context.Context, _ string, anomalous, throttled bool) {
	f.mu.Lock()
	f.reports = append(f.reports, report{anomalous, throttled})
	f.mu.Unlock()
}

// flakyAttempts fails every Record while fail is set.
type flakyAttempts struct {
	*MemoryStore
	fail error
}

func (f *flakyAttempts) Record(ctx context.Context, a *Attempt) error {
	if f.fail != nil {
		return f.fail
	}
	return f.MemoryStore.Record(ctx, a)
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	attempts *flakyAttempts
	risk     *stubRisk
	fraud    *stubFraud
	audit    *audit.MemorySink
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sealer, err := NewSealer(testKey)
	require.NoError(t, err)
	store := NewMemoryStore()
	f := &fixture{
		store:    store,
		attempts: &flakyAttempts{MemoryStore: store},
		risk:     &stubRisk{},
		fraud:    &stubFraud{},
		audit:    audit.NewMemorySink(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(store, f.attempts, sealer, ratelimit.NewMemoryFailureWindow(5, 15*time.Minute), logger).
		WithIssuer("GigMarket").
		WithRiskSource(f.risk).
		WithFraudReporter(f.fraud).
		WithAuditSink(f.audit).
		WithBCryptCost(bcrypt.MinCost).
		WithTimeout(time.Second)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) code(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, validateOpts)
	require.NoError(t, err)
	return code
}

// enroll runs setup and enable and returns the secret and backup codes.
func (f *fixture) enroll(t *testing.T) (string, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := f.svc.Setup(ctx, user, "alice@example.com")
	require.NoError(t, err)
	res, err := f.svc.Enable(ctx, user, setup.Secret, f.code(t, setup.Secret, f.now), Origin{IP: "10.0.0.1"})
	require.NoError(t, err)
	require.True(t, res.Valid)
	return setup.Secret, setup.BackupCodes
}

func TestSetup(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Setup(context.Background(), user, "alice@example.com")
	require.NoError(t, err)

	assert.NotEmpty(t, res.Secret)
	assert.True(t, strings.HasPrefix(res.URL, "otpauth://totp/"))
	assert.Contains(t, res.URL, "issuer=GigMarket")
	assert.True(t, strings.HasPrefix(res.QRCode, "data:image/png;base64,"))
	require.Len(t, res.BackupCodes, BackupCodeCount)
	for _, c := range res.BackupCodes {
		assert.Len(t, c, BackupCodeLength)
	}

	st, err := f.store.Get(context.Background(), user)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Empty(t, st.EncryptedSecret)
	assert.Equal(t, hashSecret(res.Secret), st.PendingSecretHash)
	assert.Empty(t, st.BackupCodeHashes)
	require.Len(t, st.PendingBackupCodeHashes, BackupCodeCount)
	for i, h := range st.PendingBackupCodeHashes {
		assert.NotEqual(t, res.BackupCodes[i], h)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte(res.BackupCodes[i])))
	}

	info, err := f.svc.Status(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, info.PendingSetup)
	assert.False(t, info.Enabled)
}

func TestEnable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	setup, err := f.svc.Setup(ctx, user, "alice@example.com")
	require.NoError(t, err)
	pending, err := f.store.Get(ctx, user)
	require.NoError(t, err)

	res, err := f.svc.Enable(ctx, user, setup.Secret, f.code(t, setup.Secret, f.now), Origin{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, MethodTOTP, res.Method)
	assert.Equal(t, BackupCodeCount, res.BackupCodesRemaining)

	st, err := f.store.Get(ctx, user)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Empty(t, st.PendingSecretHash)
	assert.Empty(t, st.PendingBackupCodeHashes)
	assert.Equal(t, pending.PendingBackupCodeHashes, st.BackupCodeHashes, "codes issued at setup become usable")
	assert.NotContains(t, string(st.EncryptedSecret), setup.Secret)
	assert.Len(t, f.audit.Events(audit.TypeMFAEnabled), 1)

	// A code handed out by Setup works once enabled.
	got, err := f.svc.Verify(ctx, user, setup.BackupCodes[0], Origin{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, got.Valid)
	assert.Equal(t, MethodBackup, got.Method)

	_, err = f.svc.Setup(context.Background(), user, "")
	assert.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestEnable_WrongCodePersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	setup, err := f.svc.Setup(ctx, user, "")
	require.NoError(t, err)
	wrong := f.code(t, setup.Secret, f.now.Add(10*time.Minute))

	_, err = f.svc.Enable(ctx, user, setup.Secret, wrong, Origin{})
	assert.ErrorIs(t, err, ErrInvalidCode)

	st, err := f.store.Get(ctx, user)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Empty(t, st.EncryptedSecret)
	assert.Empty(t, st.BackupCodeHashes)
	assert.Len(t, st.PendingBackupCodeHashes, BackupCodeCount)
	assert.Equal(t, hashSecret(setup.Secret), st.PendingSecretHash)
}

func TestEnable_SecretMustMatchSetup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Enable(ctx, user, "JBSWY3DPEHPK3PXP", "123456", Origin{})
	assert.ErrorIs(t, err, ErrNoPendingSetup)

	first, err := f.svc.Setup(ctx, user, "")
	require.NoError(t, err)
	_, err = f.svc.Setup(ctx, user, "")
	require.NoError(t, err)

	// Only the latest setup counts.
	_, err = f.svc.Enable(ctx, user, first.Secret, f.code(t, first.Secret, f.now), Origin{})
	assert.ErrorIs(t, err, ErrNoPendingSetup)
}

func TestVerify_TOTP(t *testing.T) {
	f := newFixture(t)
	secret, _ := f.enroll(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		at    time.Time
		valid bool
	}{
		{"current step", f.now, true},
		{"previous step", f.now.Add(-30 * time.Second), true},
		{"next step", f.now.Add(30 * time.Second), true},
		{"three steps ago", f.now.Add(-90 * time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Verify(ctx, user, f.code(t, secret, tt.at), Origin{IP: "10.0.0.1"})
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid)
			assert.Equal(t, MethodTOTP, res.Method)
		})
	}
}

func TestVerify_BackupCodeSingleUse(t *testing.T) {
	f := newFixture(t)
	_, codes := f.enroll(t)
	ctx := context.Background()

	res, err := f.svc.Verify(ctx, user, codes[3], Origin{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, MethodBackup, res.Method)
	assert.Equal(t, BackupCodeCount-1, res.BackupCodesRemaining)

	res, err = f.svc.Verify(ctx, user, codes[3], Origin{})
	require.NoError(t, err)
	assert.False(t, res.Valid)

	info, err := f.svc.Status(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, info.BackupCodesUsed)
	assert.Equal(t, BackupCodeCount-1, info.BackupCodesRemaining)
}

func TestVerify_BackupCodeNormalized(t *testing.T) {
	f := newFixture(t)
	_, codes := f.enroll(t)

	typed := strings.ToLower(codes[0][:5]) + "-" + strings.ToLower(codes[0][5:])
	res, err := f.svc.Verify(context.Background(), user, typed, Origin{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerify_Throttle(t *testing.T) {
	f := newFixture(t)
	secret, _ := f.enroll(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := f.svc.Verify(ctx, user, "000000", Origin{})
		require.NoError(t, err, "attempt %d", i)
		assert.False(t, res.Valid)
		assert.Equal(t, i == 5, res.Throttled, "attempt %d", i)
	}

	res, err := f.svc.Verify(ctx, user, f.code(t, secret, f.now), Origin{})
	assert.ErrorIs(t, err, ErrThrottled)
	assert.ErrorIs(t, err, apperr.ErrThrottled)
	require.NotNil(t, res)
	assert.False(t, res.Valid)
	assert.True(t, res.Throttled)

	require.NotEmpty(t, f.fraud.reports)
	assert.True(t, f.fraud.reports[len(f.fraud.reports)-1].throttled)
}

func TestVerify_SuccessResetsFailures(t *testing.T) {
	f := newFixture(t)
	secret, _ := f.enroll(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.svc.Verify(ctx, user, "000000", Origin{})
		require.NoError(t, err)
	}
	res, err := f.svc.Verify(ctx, user, f.code(t, secret, f.now), Origin{})
	require.NoError(t, err)
	require.True(t, res.Valid)

	res, err = f.svc.Verify(ctx, user, "000000", Origin{})
	require.NoError(t, err)
	assert.False(t, res.Throttled)
}

func TestVerify_AnomalousOrigin(t *testing.T) {
	f := newFixture(t)
	secret, _ := f.enroll(t)
	f.risk.anomalous = true
	scored := f.risk.scored

	res, err := f.svc.Verify(context.Background(), user, "000000", Origin{IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.True(t, res.Anomalous)
	assert.Equal(t, scored, f.risk.scored, "failed attempts must not teach the profile")
	require.Len(t, f.fraud.reports, 1)
	assert.Equal(t, report{anomalous: true}, f.fraud.reports[0])

	res, err = f.svc.Verify(context.Background(), user, f.code(t, secret, f.now), Origin{IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, scored+1, f.risk.scored)

	attempts, err := f.svc.Attempts(context.Background(), user, 10)
	require.NoError(t, err)
	require.NotEmpty(t, attempts)
	assert.True(t, attempts[0].Anomalous)
	assert.Equal(t, "203.0.113.9", attempts[0].IP)
}

func TestVerify_DegradedAudit(t *testing.T) {
	f := newFixture(t)
	secret, _ := f.enroll(t)
	f.attempts.fail = errors.New("db down")

	res, err := f.svc.Verify(context.Background(), user, f.code(t, secret, f.now), Origin{})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Degraded)

	f.attempts.fail = nil
	f.audit.Fail(errors.New("redis down"))
	res, err = f.svc.Verify(context.Background(), user, f.code(t, secret, f.now), Origin{})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
}

func TestVerify_NotEnabled(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Verify(context.Background(), user, "123456", Origin{})
	assert.ErrorIs(t, err, ErrNotEnabled)

	_, err = f.svc.Verify(context.Background(), user, "", Origin{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDisable(t *testing.T) {
	f := newFixture(t)
	secret, _ := f.enroll(t)
	ctx := context.Background()

	_, err := f.svc.Disable(ctx, user, "000000", Origin{})
	assert.ErrorIs(t, err, ErrInvalidCode)
	enabled, err := f.svc.Enabled(ctx, user)
	require.NoError(t, err)
	assert.True(t, enabled)

	_, err = f.svc.Disable(ctx, user, f.code(t, secret, f.now), Origin{})
	require.NoError(t, err)

	st, err := f.store.Get(ctx, user)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Empty(t, st.EncryptedSecret)
	assert.Empty(t, st.BackupCodeHashes)
	assert.Len(t, f.audit.Events(audit.TypeMFADisabled), 1)

	_, err = f.svc.Verify(ctx, user, f.code(t, secret, f.now), Origin{})
	assert.ErrorIs(t, err, ErrNotEnabled)
}

func TestRegenerateBackupCodes(t *testing.T) {
	f := newFixture(t)
	_, old := f.enroll(t)
	ctx := context.Background()

	_, err := f.svc.RegenerateBackupCodes(ctx, user, "ZZZZZZZZZZ", Origin{})
	assert.ErrorIs(t, err, ErrInvalidCode)

	res, err := f.svc.RegenerateBackupCodes(ctx, user, old[0], Origin{})
	require.NoError(t, err)
	require.Len(t, res.BackupCodes, BackupCodeCount)

	check, err := f.svc.Verify(ctx, user, old[1], Origin{})
	require.NoError(t, err)
	assert.False(t, check.Valid)

	check, err = f.svc.Verify(ctx, user, res.BackupCodes[1], Origin{})
	require.NoError(t, err)
	assert.True(t, check.Valid)
	assert.Len(t, f.audit.Events(audit.TypeBackupCodes), 1)
}

func TestConcurrentBackupCodeUse(t *testing.T) {
	f := newFixture(t)
	_, codes := f.enroll(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	valid := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Verify(context.Background(), user, codes[0], Origin{})
			if err == nil && res.Valid {
				mu.Lock()
				valid++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, valid)
}
