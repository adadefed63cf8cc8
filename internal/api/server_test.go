package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	apierrors "github.com/narvanalabs/buildstream/internal/api/errors"
	"github.com/narvanalabs/buildstream/internal/api/handlers"
	"github.com/narvanalabs/buildstream/internal/launcher"
	"github.com/narvanalabs/buildstream/internal/models"
	"github.com/narvanalabs/buildstream/internal/store/memory"
	"github.com/narvanalabs/buildstream/pkg/config"
	"github.com/narvanalabs/buildstream/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLauncher struct {
	mu       sync.Mutex
	requests []launcher.Request
	err      error
}

func (f *fakeLauncher) Launch(ctx context.Context, req launcher.Request) (*launcher.Accepted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &launcher.Accepted{JobID: "job-" + req.DeploymentID, AcceptedAt: time.Now()}, nil
}

func newTestServer(t *testing.T, l launcher.Launcher) (*Server, *memory.Store) {
	t.Helper()
	st := memory.New()
	log := logger.NewWithWriter(io.Discard, slog.LevelError, false)
	cfg := config.APIConfig{Host: "127.0.0.1", Port: 0, ProxyDomain: "localhost:8000"}
	return NewServer(cfg, st, l, log), st
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateProject_Queued(t *testing.T) {
	fl := &fakeLauncher{}
	s, st := newTestServer(t, fl)

	rec := do(t, s, http.MethodPost, "/v1/projects", `{"git_url":"https://github.com/octocat/Hello-World.git","slug":"blue-fox"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp handlers.CreateProjectResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "blue-fox", resp.Data.ProjectSlug)
	assert.Equal(t, "http://blue-fox.localhost:8000", resp.Data.URL)
	require.NotEmpty(t, resp.Data.DeploymentID)

	require.Len(t, fl.requests, 1)
	assert.Equal(t, launcher.Request{
		DeploymentID: resp.Data.DeploymentID,
		SourceRef:    "https://github.com/octocat/Hello-World.git",
		ProjectID:    "blue-fox",
	}, fl.requests[0])

	d, err := st.Deployments().Get(context.Background(), resp.Data.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusQueued, d.Status)
}

func TestCreateProject_GeneratesSlug(t *testing.T) {
	s, _ := newTestServer(t, &fakeLauncher{})

	rec := do(t, s, http.MethodPost, "/v1/projects", `{"git_url":"git@github.com:octocat/Hello-World.git"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp handlers.CreateProjectResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, handlers.ValidSlug(resp.Data.ProjectSlug), "generated slug %q", resp.Data.ProjectSlug)
}

func TestCreateProject_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed body", `{`, ""},
		{"missing git url", `{}`, "git_url"},
		{"unresolvable git url", `{"git_url":"not a url"}`, "git_url"},
		{"bad slug", `{"git_url":"https://example.com/r.git","slug":"Not_A_Label"}`, "slug"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fl := &fakeLauncher{}
			s, _ := newTestServer(t, fl)

			rec := do(t, s, http.MethodPost, "/v1/projects", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var apiErr apierrors.APIError
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
			assert.Equal(t, apierrors.CodeValidationError, apiErr.Code)
			assert.NotEmpty(t, apiErr.RequestID)
			if tt.field != "" {
				assert.Contains(t, apiErr.Message, tt.field)
			}
			assert.Empty(t, fl.requests, "invalid requests must not be dispatched")
		})
	}
}

func TestCreateProject_DispatchRejected(t *testing.T) {
	fl := &fakeLauncher{err: &launcher.DispatchError{
		DeploymentID: "ignored",
		Reason:       "image not found",
		Err:          errors.New("exit status 125"),
	}}
	s, st := newTestServer(t, fl)

	rec := do(t, s, http.MethodPost, "/v1/projects", `{"git_url":"https://example.com/r.git","slug":"red-owl"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var apiErr apierrors.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, apierrors.CodeDispatchFailed, apiErr.Code)
	assert.Equal(t, "image not found", apiErr.Details["reason"])

	id, _ := apiErr.Details["deployment_id"].(string)
	require.NotEmpty(t, id)
	d, err := st.Deployments().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusFailed, d.Status)
}

func TestGetDeployment(t *testing.T) {
	s, st := newTestServer(t, &fakeLauncher{})
	ctx := context.Background()
	require.NoError(t, st.Deployments().Create(ctx, &models.Deployment{
		ID: "dep-42", ProjectID: "blue-fox", SourceRef: "https://example.com/r.git",
	}))

	rec := do(t, s, http.MethodGet, "/v1/deployments/dep-42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var d models.Deployment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	assert.Equal(t, "dep-42", d.ID)
	assert.Equal(t, models.DeploymentStatusQueued, d.Status)

	rec = do(t, s, http.MethodGet, "/v1/deployments/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeploymentLogs_InOrder(t *testing.T) {
	s, st := newTestServer(t, &fakeLauncher{})
	ctx := context.Background()
	for _, e := range []*models.LogEvent{
		{EventID: "e1", DeploymentID: "dep-42", Log: "Build Started..."},
		{EventID: "x1", DeploymentID: "dep-7", Log: "other"},
		{EventID: "e2", DeploymentID: "dep-42", Log: "Deployment ready"},
		{EventID: "e1", DeploymentID: "dep-42", Log: "Build Started..."},
	} {
		_, err := st.Logs().Insert(ctx, e)
		require.NoError(t, err)
	}

	rec := do(t, s, http.MethodGet, "/v1/deployments/dep-42/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var lines []handlers.LogLine
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&lines))
	assert.Equal(t, []handlers.LogLine{
		{EventID: "e1", DeploymentID: "dep-42", Log: "Build Started..."},
		{EventID: "e2", DeploymentID: "dep-42", Log: "Deployment ready"},
	}, lines)

	rec = do(t, s, http.MethodGet, "/v1/deployments/none/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, &fakeLauncher{})

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database"`)

	rec = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
