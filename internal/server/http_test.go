package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/config"
	"github.com/slipway-sh/slipway/internal/db"
	"github.com/slipway-sh/slipway/internal/docker"
	"github.com/slipway-sh/slipway/internal/pipeline"
	"github.com/slipway-sh/slipway/internal/source"
	"github.com/slipway-sh/slipway/internal/store"
	"github.com/slipway-sh/slipway/internal/vault"
)

type stubFetcher struct{ baseDir string }

func (f stubFetcher) Fetch(ctx context.Context, repoURL, branch, commit string) (*source.Checkout, error) {
	dir, err := os.MkdirTemp(f.baseDir, "checkout-*")
	if err != nil {
		return nil, err
	}
	recipe := "FROM alpine:3.20\nUSER app\n"
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(recipe), 0o644); err != nil {
		return nil, err
	}
	if commit == "" {
		commit = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	}
	return &source.Checkout{Dir: dir, Commit: commit}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *store.Store) {
	t.Helper()

	gdb, err := db.NewDatabase(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	st := store.New(gdb)

	v, err := vault.New(bytes.Repeat([]byte{1}, vault.KeySize))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	cfg.QueueCapacity = 2
	cfg.RunTimeout = 30 * time.Second
	cfg.HealthTimeout = 5 * time.Second
	cfg.StopTimeout = time.Second

	engine, err := pipeline.New(pipeline.Options{
		Store:   st,
		Runtime: docker.NewFake(),
		Fetcher: stubFetcher{baseDir: t.TempDir()},
		Vault:   v,
		Config:  cfg,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)

	return Router(engine), st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Actor-ID", "tester")
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doJSON(t, h, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")
}

func TestCreateAndListDeployments(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/deployments", map[string]any{
		"name":     "api",
		"repo_url": "https://example.test/app.git",
		"branch":   "main",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created db.AutoDeployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotZero(t, created.ID)
	assert.Equal(t, "owner-1", created.OwnerID)

	rec = doJSON(t, h, http.MethodGet, "/deployments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []db.AutoDeployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestCreateDeploymentValidation(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/deployments", map[string]any{
		"name": "api",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "repository URL")
}

func TestTriggerUnknownDeployment(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doJSON(t, h, http.MethodPost, "/deployments/999/trigger", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerRunsToCompletion(t *testing.T) {
	h, st := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/deployments", map[string]any{
		"name":     "api",
		"repo_url": "https://example.test/app.git",
		"branch":   "main",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created db.AutoDeployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, h, http.MethodPost, "/deployments/1/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]uint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Eventually(t, func() bool {
		run, err := st.GetRun(context.Background(), resp["run_id"])
		return err == nil && db.IsTerminal(run.Status)
	}, 10*time.Second, 10*time.Millisecond)

	rec = doJSON(t, h, http.MethodGet, "/deployments/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), db.StatusSuccess)
}

func TestSecretEndpoints(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/deployments", map[string]any{
		"name":     "api",
		"repo_url": "https://example.test/app.git",
		"branch":   "main",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/deployments/1/secrets", map[string]string{
		"key": "DB_PASSWORD", "value": "s3cret",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/deployments/1/secrets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "DB_PASSWORD")
	assert.NotContains(t, rec.Body.String(), "s3cret")
}
