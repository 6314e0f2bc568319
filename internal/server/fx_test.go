package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Metrics.Enabled = false
	cfg.Pool.Browsers = false
	cfg.AI.Provider = ""
	cfg.Progress.LogEvents = true
	cfg.Concurrency.MaxConcurrentAudits = 3
	return &cfg
}

func TestBuildWiresInMemoryService(t *testing.T) {
	cfg := testConfig(t)

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, app.Close(ctx))
	})

	require.NotNil(t, app.Dispatcher())
	require.NotNil(t, app.progressHub)
	require.Nil(t, app.browsers)
	stats := app.Dispatcher().Stats()
	require.Equal(t, 3, stats.MaxConcurrent)
	require.Equal(t, 3, stats.Available)

	rec := httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"backend":"memory"`)
}

func TestOpenCacheMemory(t *testing.T) {
	cfg := testConfig(t)

	gw, closeFn, err := OpenCache(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, closeFn()) })

	require.NoError(t, gw.Ping(context.Background()))
	require.Zero(t, gw.Clear(context.Background()))
}

func TestOpenCacheRedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisAddr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := OpenCache(ctx, cfg, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis cache init failed")
}

func TestPipelineConfigMapsStages(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Audit.RetryBase = time.Second
	cfg.Audit.RetryCap = 8 * time.Second
	cfg.Audit.Lab = config.StageConfig{Attempts: 2, AttemptTimeout: 2 * time.Minute, StageTimeout: 5 * time.Minute}
	cfg.Audit.Field = config.StageConfig{Attempts: 3, AttemptTimeout: 30 * time.Second, StageTimeout: time.Minute}
	cfg.Audit.AI = config.StageConfig{Attempts: 4, AttemptTimeout: time.Minute, StageTimeout: 2 * time.Minute}

	pc := pipelineConfig(cfg)
	require.Equal(t, 2, pc.Lab.Policy.MaxAttempts)
	require.Equal(t, 3, pc.Field.Policy.MaxAttempts)
	require.Equal(t, 4, pc.AI.Policy.MaxAttempts)
	require.Equal(t, time.Second, pc.Field.Policy.BaseDelay)
	require.Equal(t, 8*time.Second, pc.AI.Policy.MaxDelay)
	require.Equal(t, 5*time.Minute, pc.Lab.StageTimeout)
	require.Equal(t, 30*time.Second, pc.Field.AttemptTimeout)
}

func TestBreakerConfig(t *testing.T) {
	t.Parallel()

	bc := breakerConfig(config.BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute, HalfOpenRequests: 1})
	require.Equal(t, uint32(3), bc.FailureThreshold)
	require.Equal(t, time.Minute, bc.OpenTimeout)
	require.Equal(t, uint32(1), bc.HalfOpenRequests)
}
