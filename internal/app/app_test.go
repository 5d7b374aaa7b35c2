package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"capman/internal/config"
	"capman/internal/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.FromEnv(base)
	cfg.ListenAddr = ":0"
	cfg.PluginRoot = filepath.Join(base, "plugins")
	cfg.CacheRoot = filepath.Join(base, "cache")
	cfg.ArtifactRoot = filepath.Join(base, "artifacts")
	cfg.ConfigRoot = filepath.Join(base, "config")
	require.NoError(t, os.MkdirAll(cfg.PluginRoot, 0755))
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.ListenAddr = "nonsense"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestReadinessGatedOnInitialization(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	h := a.Server().Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before the registry index is built")

	a.initialize(context.Background())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsSubsystems(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	a.initialize(context.Background())

	rec := httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var health server.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ready", health.Initialization["registry"])
	assert.Contains(t, health.Initialization, "containers")
}

func TestInitializationFailureLeavesServiceDegraded(t *testing.T) {
	cfg := testConfig(t)
	// A plugin root that is a file makes repository listing fail.
	require.NoError(t, os.RemoveAll(cfg.PluginRoot))
	require.NoError(t, os.WriteFile(cfg.PluginRoot, []byte("not a directory"), 0644))

	a, err := New(cfg)
	require.NoError(t, err)
	a.initialize(context.Background())

	rec := httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health server.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "initializing", health.Status)
	assert.Equal(t, "failed", health.Initialization["registry"])
}
