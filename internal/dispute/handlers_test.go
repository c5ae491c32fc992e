package dispute

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
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
			c.Set(auth.ContextKeyPrincipal, &auth.Principal{ID: id, Role: auth.Role(c.GetHeader("X-Test-Role"))})
		}
		c.Next()
	})
	h := NewHandler(f.svc)
	v1 := r.Group("/v1", auth.RequireAuth())
	h.RegisterRoutes(v1)
	h.RegisterOpsRoutes(v1.Group("/ops", auth.RequireOperator()))
	return r
}

func send(r *gin.Engine, req *http.Request, user string) *httptest.ResponseRecorder {
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	if user == operatorID {
		req.Header.Set("X-Test-Role", string(auth.RoleOperator))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func do(r *gin.Engine, method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return send(r, req, user)
}

func upload(r *gin.Engine, path, user, name string, content []byte) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", name)
	_, _ = part.Write(content)
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return send(r, req, user)
}

type disputeResponse struct {
	Dispute struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		RespondentID string `json:"respondentId"`
		Evidence     []struct {
			Name string `json:"name"`
		} `json:"evidence"`
		Outcome *struct {
			Kind  string `json:"kind"`
			Ratio string `json:"ratio"`
		} `json:"outcome"`
	} `json:"dispute"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandler_Lifecycle(t *testing.T) {
	f := newFixture(t)
	e := f.funded(t, "job_1", 10_000)
	r := newTestRouter(f)

	content := base64.StdEncoding.EncodeToString([]byte("%PDF-1.7 chat log"))
	w := do(r, http.MethodPost, "/v1/disputes", client,
		`{"escrowId":"`+e.ID+`","reason":"never delivered","evidence":[{"name":"chat.pdf","contentType":"application/pdf","content":"`+content+`"}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	opened := decode[disputeResponse](t, w)
	assert.Equal(t, "open", opened.Dispute.Status)
	assert.Equal(t, freelancer, opened.Dispute.RespondentID)
	require.Len(t, opened.Dispute.Evidence, 1)
	id := opened.Dispute.ID

	w = upload(r, "/v1/disputes/"+id+"/evidence", freelancer, "screenshot.png", []byte("\x89PNG"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Len(t, decode[disputeResponse](t, w).Dispute.Evidence, 2)

	w = do(r, http.MethodGet, "/v1/ops/disputes/queue", operatorID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["count"])

	w = do(r, http.MethodPost, "/v1/disputes/"+id+"/review", operatorID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "under_review", decode[disputeResponse](t, w).Dispute.Status)

	w = do(r, http.MethodPost, "/v1/disputes/"+id+"/resolve", operatorID, `{"kind":"split","ratio":"0.25"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resolved := decode[disputeResponse](t, w)
	assert.Equal(t, "resolved", resolved.Dispute.Status)
	require.NotNil(t, resolved.Dispute.Outcome)
	assert.Equal(t, "split", resolved.Dispute.Outcome.Kind)
	assert.Equal(t, "0.25", resolved.Dispute.Outcome.Ratio)

	w = do(r, http.MethodPost, "/v1/disputes/"+id+"/close", operatorID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "closed", decode[disputeResponse](t, w).Dispute.Status)

	w = do(r, http.MethodGet, "/v1/disputes?escrowId="+e.ID, client, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["count"])
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.funded(t, "job_1", 1000), client)
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
		{"outsider read", http.MethodGet, "/v1/disputes/" + d.ID, "usr_other", "", http.StatusForbidden, "permission_denied"},
		{"unknown dispute", http.MethodGet, "/v1/disputes/dsp_missing", client, "", http.StatusNotFound, "not_found"},
		{"party resolves", http.MethodPost, "/v1/disputes/" + d.ID + "/resolve", client, `{"kind":"no_action"}`, http.StatusForbidden, "permission_denied"},
		{"unknown outcome", http.MethodPost, "/v1/disputes/" + d.ID + "/resolve", operatorID, `{"kind":"coin_flip"}`, http.StatusBadRequest, "validation_error"},
		{"ratio above one", http.MethodPost, "/v1/disputes/" + d.ID + "/resolve", operatorID, `{"kind":"split","ratio":"1.5"}`, http.StatusBadRequest, "validation_error"},
		{"list without escrow", http.MethodGet, "/v1/disputes", client, "", http.StatusBadRequest, "validation_error"},
		{"party reads queue", http.MethodGet, "/v1/ops/disputes/queue", client, "", http.StatusForbidden, "permission_denied"},
		{"close open dispute", http.MethodPost, "/v1/disputes/" + d.ID + "/close", operatorID, "", http.StatusConflict, "invalid_state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[map[string]any](t, w)["error"])
		})
	}
}

func TestHandler_EvidenceRejected(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, f.funded(t, "job_1", 1000), client)
	r := newTestRouter(f)

	w := upload(r, "/v1/disputes/"+d.ID+"/evidence", client, "payload.exe", []byte("MZ"))
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/v1/disputes/"+d.ID+"/evidence", client, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Zero(t, f.objects.Len())
}
