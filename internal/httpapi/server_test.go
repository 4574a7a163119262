package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runengine/internal/engine"
	"github.com/rendis/runengine/internal/engine/enginetest"
	"github.com/rendis/runengine/pkg/schema"
)

const tenant = "tenant-a"

type fixture struct {
	env *enginetest.Env
	srv *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := enginetest.New(t)
	srv := New(Deps{
		Service: env.Engine,
		Graph:   env.Graph,
		Hub:     env.Hub,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &fixture{env: env, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, tenantID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenantID != "" {
		req.Header.Set(TenantHeader, tenantID)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/runs", tenant, `{"input":{"topic":"kelp"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[schema.RunSummary](t, rec).ID
}

func TestServer_RequiresTenant(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/runs", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), TenantHeader)
}

func TestServer_Healthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Status  string              `json:"status"`
		Workers *engine.PoolMetrics `json:"workers"`
	}](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.NotNil(t, body.Workers)
}

func TestServer_RunLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.env.WaitStatus(t, tenant, id, schema.RunStatusWaitingApproval)

	rec := f.do(t, http.MethodGet, "/v1/runs/"+id+"/graph", tenant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "class approval waiting")

	rec = f.do(t, http.MethodGet, "/v1/runs/"+id+"/reviews", tenant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "draft_review")

	rec = f.do(t, http.MethodPost, "/v1/runs/"+id+"/approve", tenant, `{"comment":"ship it","reviewer":"ed"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f.env.WaitStatus(t, tenant, id, schema.RunStatusWaitingImageInput)
	rec = f.do(t, http.MethodPost, "/v1/runs/"+id+"/assets/settings", tenant, `{"skip":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f.env.WaitStatus(t, tenant, id, schema.RunStatusCompleted)
	rec = f.do(t, http.MethodGet, "/v1/runs/"+id, tenant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[schema.RunSummary](t, rec)
	assert.Equal(t, 100, sum.Progress)

	rec = f.do(t, http.MethodGet, "/v1/runs/"+id+"/attempts?step=step2", tenant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"step":"step2"`)

	rec = f.do(t, http.MethodGet, "/v1/runs/"+id+"/events?since=1", tenant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decode[struct {
		Events []struct {
			Sequence int64 `json:"sequence"`
		} `json:"events"`
	}](t, rec)
	require.NotEmpty(t, evs.Events)
	assert.Equal(t, int64(2), evs.Events[0].Sequence)

	rec = f.do(t, http.MethodGet, "/v1/runs?status=completed", tenant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/runs/"+id, tenant, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/runs/"+id, tenant, "").Code)
}

func TestServer_ArtifactContent(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.env.WaitStatus(t, tenant, id, schema.RunStatusWaitingApproval)

	rec := f.do(t, http.MethodGet, "/v1/runs/"+id+"/artifacts?step=step1", tenant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Artifacts []struct {
			ID string `json:"id"`
		} `json:"artifacts"`
	}](t, rec)
	require.NotEmpty(t, body.Artifacts)

	rec = f.do(t, http.MethodGet, "/v1/runs/"+id+"/artifacts/"+body.Artifacts[0].ID, tenant, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "content of step1", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestServer_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.env.WaitStatus(t, tenant, id, schema.RunStatusWaitingApproval)

	tests := []struct {
		name   string
		method string
		path   string
		tenant string
		body   string
		status int
		code   string
	}{
		{"unknown run", http.MethodGet, "/v1/runs/nope", tenant, "", http.StatusNotFound, schema.ErrCodeNotFound},
		{"other tenant", http.MethodGet, "/v1/runs/" + id, "tenant-b", "", http.StatusNotFound, schema.ErrCodeNotFound},
		{"bad json", http.MethodPost, "/v1/runs", tenant, `{"input":`, http.StatusBadRequest, schema.ErrCodeValidation},
		{"bad config", http.MethodPost, "/v1/runs", tenant, `{"config":{"resume_mode":"fork"}}`, http.StatusBadRequest, schema.ErrCodeValidation},
		{"resume without step", http.MethodPost, "/v1/runs/" + id + "/resume", tenant, `{}`, http.StatusBadRequest, schema.ErrCodeValidation},
		{"unpause running", http.MethodPost, "/v1/runs/" + id + "/unpause", tenant, "", http.StatusConflict, schema.ErrCodeInvalidTransition},
		{"bad limit", http.MethodGet, "/v1/runs?limit=x", tenant, "", http.StatusBadRequest, schema.ErrCodeValidation},
		{"bad graph format", http.MethodGet, "/v1/graph?format=gif", "", "", http.StatusBadRequest, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.tenant, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[errorBody](t, rec).Code)
		})
	}
}

func TestServer_StaticGraph(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/graph?format=ascii", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "step12")
	assert.NotContains(t, rec.Body.String(), "[OK]")
}

func TestServer_StreamProgress(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	id := f.create(t)
	f.env.WaitStatus(t, tenant, id, schema.RunStatusWaitingApproval)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/runs/"+id+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set(TenantHeader, tenant)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = f.env.Engine.Approve(context.Background(), tenant, id, engine.Decision{})
	require.NoError(t, err)
	f.env.WaitStatus(t, tenant, id, schema.RunStatusWaitingImageInput)
	rec := f.do(t, http.MethodPost, "/v1/runs/"+id+"/assets/settings", tenant, `{"skip":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var types []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if ev, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			types = append(types, ev)
		}
	}
	assert.Contains(t, types, string(schema.ProgressStepStarted))
	assert.Contains(t, types, string(schema.ProgressStepCompleted))
	require.NotEmpty(t, types)
	assert.Equal(t, string(schema.ProgressRunCompleted), types[len(types)-1])
}
