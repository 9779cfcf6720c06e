package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vaultd/internal/config"
	"github.com/fyrsmithlabs/vaultd/internal/index"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
	"github.com/fyrsmithlabs/vaultd/internal/server"
	"github.com/fyrsmithlabs/vaultd/internal/storage"
)

func newServer(t *testing.T) (*server.Server, *storage.Catalog) {
	t.Helper()
	ctx := context.Background()
	logger := logging.NewNop()

	cat, err := storage.OpenCatalog(ctx, t.TempDir(), 5*time.Second, logger)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close(context.Background()) }) //nolint:errcheck

	idx, err := index.NewChromemIndex(t.TempDir(), false, logger)
	require.NoError(t, err)

	s, err := server.New(cat, idx, config.ServerConfig{Host: "localhost", Port: 0}, logger)
	require.NoError(t, err)
	return s, cat
}

func get(t *testing.T, s *server.Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newServer(t)

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp server.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestReadyz(t *testing.T) {
	s, cat := newServer(t)

	rec := get(t, s, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp server.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["catalog"])
	assert.Equal(t, "ok", resp.Checks["index"])

	// A closed catalog flips readiness.
	require.NoError(t, cat.Close(context.Background()))
	rec = get(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newServer(t)

	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
