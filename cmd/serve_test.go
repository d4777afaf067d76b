package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/importer/internal/commit"
	"github.com/clearledger/importer/internal/config"
	"github.com/clearledger/importer/internal/dupdetect"
	"github.com/clearledger/importer/internal/model"
	"github.com/clearledger/importer/internal/pipeline"
	"github.com/clearledger/importer/internal/resilience"
	"github.com/clearledger/importer/internal/store"
	"github.com/clearledger/importer/internal/template"
	"github.com/clearledger/importer/internal/validate"
)

func newTestEnv(t *testing.T) *pipelineEnv {
	t.Helper()

	cfg = &config.Config{
		Detector: config.DetectorConfig{DateWindowDays: 3, SimilarityThreshold: 0.85},
		Staging:  config.StagingConfig{RetentionHours: 72},
		Server:   config.ServerConfig{ImportsPerMinute: 0},
	}

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	registry := template.NewRegistry()
	return &pipelineEnv{
		Store:    st,
		Registry: registry,
		Importer: pipeline.New(cfg, st, registry,
			validate.New(decimal.Zero),
			dupdetect.New(dupdetect.DefaultConfig()),
			commit.New(st, resilience.RetryConfig{MaxAttempts: 1})),
	}
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func importBody() map[string]any {
	return map[string]any{
		"institution_id": "firstnational",
		"account_id":     "chk-001",
		"rows": []model.RawRow{
			{Fields: map[string]string{"Beginning Balance": "1000.00", "Ending Balance": "925.00"}},
			{Fields: map[string]string{"Date": "2024-01-05", "Description": "CHECK 1201", "Amount": "-50.00"}},
			{Fields: map[string]string{"Date": "2024-01-09", "Description": "ATM FEE", "Amount": "-25.00"}},
		},
	}
}

func TestServe_Health(t *testing.T) {
	h := newRouter(newTestEnv(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServe_ImportAndFetchSession(t *testing.T) {
	h := newRouter(newTestEnv(t))

	rec := postJSON(t, h, "/imports", importBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)

	get := httptest.NewRecorder()
	h.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/sessions/"+created.SessionID, nil))
	require.Equal(t, http.StatusOK, get.Code)

	var sess model.StagingSession
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &sess))
	assert.Equal(t, model.SessionPending, sess.Status)
	assert.Equal(t, 2, sess.RecordCount)
}

func TestServe_ImportValidationFailures(t *testing.T) {
	h := newRouter(newTestEnv(t))

	body := importBody()
	body["institution_id"] = "no-such-bank"
	rec := postJSON(t, h, "/imports", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body = importBody()
	body["institution_id"] = ""
	rec = postJSON(t, h, "/imports", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServe_ImportConflict(t *testing.T) {
	h := newRouter(newTestEnv(t))

	rec := postJSON(t, h, "/imports", importBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postJSON(t, h, "/imports", importBody())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServe_ResolveAndCommit(t *testing.T) {
	h := newRouter(newTestEnv(t))

	rec := postJSON(t, h, "/imports", importBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = postJSON(t, h, "/sessions/"+created.SessionID+"/resolve",
		model.Decision{Action: model.ActionApprove, Actor: "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "approved")

	rec = postJSON(t, h, "/sessions/"+created.SessionID+"/commit", map[string]string{"actor": "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "committed")

	audit := httptest.NewRecorder()
	h.ServeHTTP(audit, httptest.NewRequest(http.MethodGet, "/sessions/"+created.SessionID+"/audit", nil))
	require.Equal(t, http.StatusOK, audit.Code)
	var trail []model.AuditEntry
	require.NoError(t, json.Unmarshal(audit.Body.Bytes(), &trail))
	assert.Len(t, trail, 2)
}

func TestServe_ResolveRequiresActor(t *testing.T) {
	h := newRouter(newTestEnv(t))

	rec := postJSON(t, h, "/imports", importBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// An anonymous decision must never reach the audit log.
	rec = postJSON(t, h, "/sessions/"+created.SessionID+"/resolve",
		model.Decision{Action: model.ActionApprove})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "actor")
}

func TestServe_SessionNotFound(t *testing.T) {
	h := newRouter(newTestEnv(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_RateLimit(t *testing.T) {
	env := newTestEnv(t)
	cfg.Server.ImportsPerMinute = 1
	h := newRouter(env)

	rec := postJSON(t, h, "/imports", importBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	// The bucket holds a single token; the immediate second call is shed.
	rec = postJSON(t, h, "/imports", importBody())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
