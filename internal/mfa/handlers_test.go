package mfa

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/trustcore/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(f *fixture) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(auth.ContextKeyPrincipal, &auth.Principal{ID: id, Role: auth.RoleUser})
		}
		c.Next()
	})
	v1 := r.Group("/v1", auth.RequireAuth())
	NewHandler(f.svc).RegisterRoutes(v1)
	v1.POST("/withdrawals", Gate(f.svc), func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"ok": true})
	})
	return r
}

func do(r *gin.Engine, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandler_Enrollment(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)

	w := do(r, http.MethodPost, "/v1/mfa/setup", `{"accountName":"alice@example.com"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	setup := decode[SetupResult](t, w)
	require.NotEmpty(t, setup.Secret)
	assert.Len(t, setup.BackupCodes, BackupCodeCount)

	w = do(r, http.MethodPost, "/v1/mfa/enable", `{"secret":"`+setup.Secret+`","code":"`+f.code(t, setup.Secret, f.now)+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	enabled := decode[Result](t, w)
	assert.True(t, enabled.Valid)
	assert.Equal(t, BackupCodeCount, enabled.BackupCodesRemaining)

	w = do(r, http.MethodGet, "/v1/mfa/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[struct {
		MFA StatusInfo `json:"mfa"`
	}](t, w)
	assert.True(t, status.MFA.Enabled)
	assert.Equal(t, BackupCodeCount, status.MFA.BackupCodesRemaining)

	w = do(r, http.MethodPost, "/v1/mfa/verify", `{"code":"000000"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission_denied", decode[map[string]any](t, w)["error"])

	w = do(r, http.MethodPost, "/v1/mfa/verify", `{"code":"`+f.code(t, setup.Secret, f.now)+`"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodGet, "/v1/mfa/attempts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode[map[string]any](t, w)["count"])
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)

	w := do(r, http.MethodPost, "/v1/mfa/verify", `{"code":"123456"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", decode[map[string]any](t, w)["error"])

	w = do(r, http.MethodPost, "/v1/mfa/enable", `{"secret":"JBSWY3DPEHPK3PXP","code":"123456"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/mfa/disable", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGate(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)

	// Without MFA the gate is open.
	w := do(r, http.MethodPost, "/v1/withdrawals", `{}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	secret, _ := f.enroll(t)

	w = do(r, http.MethodPost, "/v1/withdrawals", `{}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "mfa_required", decode[map[string]any](t, w)["error"])

	w = do(r, http.MethodPost, "/v1/withdrawals", `{}`, CodeHeader, "000000")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/v1/withdrawals", `{}`, CodeHeader, f.code(t, secret, f.now))
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}
