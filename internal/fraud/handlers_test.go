package fraud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/trustcore/internal/auth"
)

const operatorID = "usr_ops"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(f *fixture) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			role := auth.RoleUser
			if id == operatorID {
				role = auth.RoleOperator
			}
			c.Set(auth.ContextKeyPrincipal, &auth.Principal{ID: id, Role: role})
		}
		c.Next()
	})
	ops := r.Group("/v1/ops", auth.RequireAuth(), auth.RequireOperator())
	NewHandler(f.p).RegisterOpsRoutes(ops)
	return r
}

func do(r *gin.Engine, method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
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

type alertResponse struct {
	Alert struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		Severity   string `json:"severity"`
		ReviewedBy string `json:"reviewedBy"`
	} `json:"alert"`
}

func TestHandler_ReviewFlow(t *testing.T) {
	f := newFixture(t)
	f.p.Observe(context.Background(), "usr_alice", assessment(92, 100))
	f.p.ReportMFA(context.Background(), "usr_bob", true, false)
	r := newTestRouter(f)

	w := do(r, http.MethodGet, "/v1/ops/fraud/alerts?severity=critical", operatorID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := decode[struct {
		Alerts []struct {
			ID       string `json:"id"`
			Severity string `json:"severity"`
			Subject  string `json:"subject"`
		} `json:"alerts"`
		Count int `json:"count"`
	}](t, w)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "critical", list.Alerts[0].Severity)
	assert.Equal(t, "usr_alice", list.Alerts[0].Subject)
	id := list.Alerts[0].ID

	w = do(r, http.MethodGet, "/v1/ops/fraud/alerts/"+id, operatorID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decode[alertResponse](t, w).Alert.Status)

	w = do(r, http.MethodPost, "/v1/ops/fraud/alerts/"+id+"/review", operatorID, `{"status":"confirmed","note":"chargeback ring"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[alertResponse](t, w).Alert
	assert.Equal(t, "confirmed", got.Status)
	assert.Equal(t, operatorID, got.ReviewedBy)

	w = do(r, http.MethodGet, "/v1/ops/fraud/stats?window=1h", operatorID, "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[struct {
		Stats Stats `json:"stats"`
	}](t, w).Stats
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByStatus["confirmed"])
	assert.Equal(t, 92, st.Scores.Max)
}

func TestHandler_ListPages(t *testing.T) {
	f := newFixture(t)
	for _, subject := range []string{"usr_a", "usr_b", "usr_c"} {
		f.p.Observe(context.Background(), subject, assessment(80, 100))
		f.clock.Advance(time.Second)
	}
	r := newTestRouter(f)

	type page struct {
		Alerts []struct {
			Subject string `json:"subject"`
		} `json:"alerts"`
		NextCursor string `json:"nextCursor"`
		HasMore    bool   `json:"hasMore"`
	}

	w := do(r, http.MethodGet, "/v1/ops/fraud/alerts?limit=2", operatorID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[page](t, w)
	require.Len(t, first.Alerts, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, "usr_c", first.Alerts[0].Subject)

	w = do(r, http.MethodGet, "/v1/ops/fraud/alerts?limit=2&cursor="+first.NextCursor, operatorID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	second := decode[page](t, w)
	require.Len(t, second.Alerts, 1)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)
	assert.Equal(t, "usr_a", second.Alerts[0].Subject)
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	f.p.Observe(context.Background(), "usr_alice", assessment(80, 100))
	id := f.alerts(t)[0].ID
	r := newTestRouter(f)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		status int
		code   string
	}{
		{"unauthenticated", http.MethodGet, "/v1/ops/fraud/alerts", "", "", http.StatusUnauthorized, "unauthorized"},
		{"not operator", http.MethodGet, "/v1/ops/fraud/alerts", "usr_alice", "", http.StatusForbidden, "permission_denied"},
		{"bad status filter", http.MethodGet, "/v1/ops/fraud/alerts?status=open", operatorID, "", http.StatusBadRequest, "validation_error"},
		{"bad severity filter", http.MethodGet, "/v1/ops/fraud/alerts?severity=extreme", operatorID, "", http.StatusBadRequest, "validation_error"},
		{"bad since", http.MethodGet, "/v1/ops/fraud/alerts?since=yesterday", operatorID, "", http.StatusBadRequest, "validation_error"},
		{"bad limit", http.MethodGet, "/v1/ops/fraud/alerts?limit=-1", operatorID, "", http.StatusBadRequest, "validation_error"},
		{"bad cursor", http.MethodGet, "/v1/ops/fraud/alerts?cursor=%25%25", operatorID, "", http.StatusBadRequest, "validation_error"},
		{"unknown alert", http.MethodGet, "/v1/ops/fraud/alerts/alr_missing", operatorID, "", http.StatusNotFound, "not_found"},
		{"bad id", http.MethodGet, "/v1/ops/fraud/alerts/bad%20id", operatorID, "", http.StatusBadRequest, "validation_error"},
		{"missing review status", http.MethodPost, "/v1/ops/fraud/alerts/" + id + "/review", operatorID, `{}`, http.StatusBadRequest, "validation_error"},
		{"unknown review status", http.MethodPost, "/v1/ops/fraud/alerts/" + id + "/review", operatorID, `{"status":"escalated"}`, http.StatusBadRequest, "validation_error"},
		{"reopen", http.MethodPost, "/v1/ops/fraud/alerts/" + id + "/review", operatorID, `{"status":"pending"}`, http.StatusConflict, "invalid_state"},
		{"bad window", http.MethodGet, "/v1/ops/fraud/stats?window=soon", operatorID, "", http.StatusBadRequest, "validation_error"},
		{"window too wide", http.MethodGet, "/v1/ops/fraud/stats?window=9000h", operatorID, "", http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[map[string]any](t, w)["error"])
		})
	}
}
