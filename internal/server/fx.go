// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/ai"
	"github.com/JakeFAU/webaudit/internal/api"
	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/breaker"
	"github.com/JakeFAU/webaudit/internal/cache"
	"github.com/JakeFAU/webaudit/internal/cache/memory"
	"github.com/JakeFAU/webaudit/internal/cache/postgres"
	"github.com/JakeFAU/webaudit/internal/cache/redis"
	"github.com/JakeFAU/webaudit/internal/clock/system"
	"github.com/JakeFAU/webaudit/internal/config"
	"github.com/JakeFAU/webaudit/internal/dispatcher"
	"github.com/JakeFAU/webaudit/internal/field"
	"github.com/JakeFAU/webaudit/internal/id/uuid"
	"github.com/JakeFAU/webaudit/internal/lab"
	"github.com/JakeFAU/webaudit/internal/logging"
	"github.com/JakeFAU/webaudit/internal/metrics"
	"github.com/JakeFAU/webaudit/internal/pipeline"
	"github.com/JakeFAU/webaudit/internal/pool"
	"github.com/JakeFAU/webaudit/internal/progress"
	progresssinks "github.com/JakeFAU/webaudit/internal/progress/sinks"
	"github.com/JakeFAU/webaudit/internal/registry"
	"github.com/JakeFAU/webaudit/internal/stage"
)

const heavyPoolName = "lighthouse"

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	registry    *registry.Registry
	progressHub *progress.Hub
	publisher   *progress.Publisher
	cacheStore  cache.Store
	gateway     *cache.Gateway
	browsers    *lab.BrowserPool
	lighthouse  *lab.Runner
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	type SanitizedConfig struct {
		ServerPort    int    `json:"server_port"`
		CacheBackend  string `json:"cache_backend"`
		AIProvider    string `json:"ai_provider,omitempty"`
		MaxConcurrent int    `json:"max_concurrent_audits"`
		AuthEnabled   bool   `json:"auth_enabled"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:    cfg.Server.Port,
		CacheBackend:  cfg.Cache.Backend,
		AIProvider:    cfg.AI.Provider,
		MaxConcurrent: cfg.Concurrency.MaxConcurrentAudits,
		AuthEnabled:   cfg.AuthEnabled(),
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Dispatcher exposes the admission layer for in-process callers such as the CLI.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.StartBackground(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// StartBackground launches the maintenance loops. They stop with ctx.
func (a *App) StartBackground(ctx context.Context) {
	go func() {
		a.logger.Info("job janitor started", zap.Duration("interval", a.cfg.Audit.JanitorInterval))
		a.dispatch.Janitor(ctx, a.cfg.Audit.JanitorInterval)
	}()
	if a.gateway != nil {
		go a.gateway.Run(ctx, a.cfg.Cache.CleanupInterval)
	}
	if a.browsers != nil {
		go a.browsers.Run(ctx, a.cfg.Pool.CleanupInterval)
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.dispatch != nil {
		if err := a.dispatch.Close(ctx); err != nil {
			a.logger.Warn("dispatcher close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability()
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.browsers != nil {
		a.browsers.Close()
	}
	if a.cacheStore != nil {
		if err := a.cacheStore.Close(); err != nil {
			a.logger.Warn("cache store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability() {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	app.logger.Info("building application dependencies")
	clock := system.New()

	if err = setupCache(ctx, app, clock); err != nil {
		return nil, err
	}
	if err = setupProgress(app); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	setupLab(app, clock)
	fieldClient := setupField(app)
	summarizer, err := setupSummarizer(ctx, app)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	heavy := pool.New(heavyPoolName, cfg.Pool.Size)
	runner := stage.NewRunner(heavy, stage.WithLogger(logger.Named("stage")))

	app.registry = registry.New(
		registry.WithClock(clock),
		registry.WithIDGenerator(uuid.New()),
		registry.WithLogger(logger.Named("registry")),
	)

	executor := pipeline.New(runner, app.lighthouse, fieldClient, summarizer, pipelineConfig(cfg),
		pipeline.WithRecorder(app.registry),
		pipeline.WithPublisher(app.publisher),
		pipeline.WithClock(clock),
		pipeline.WithLogger(logger.Named("pipeline")),
	)

	app.dispatch = setupDispatcher(app, executor, clock)

	deps := api.Deps{
		Dispatcher: app.dispatch,
		Cache:      app.gateway,
		Progress:   app.publisher,
		Lighthouse: app.lighthouse,
		Pool:       heavy,
		Breakers:   []api.BreakerReporter{fieldClient, summarizer},
	}
	if app.browsers != nil {
		deps.Browsers = app.browsers
	}
	app.apiServer = api.NewServer(deps, *cfg, logger.Named("api"))

	return app, nil
}

// OpenCache builds only the result cache, for maintenance commands that do
// not need the rest of the service.
func OpenCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*cache.Gateway, func() error, error) {
	app := &App{cfg: cfg, logger: logger}
	if err := setupCache(ctx, app, system.New()); err != nil {
		return nil, nil, err
	}
	return app.gateway, app.cacheStore.Close, nil
}

func setupCache(ctx context.Context, app *App, clock audit.Clock) error {
	var err error
	cfg := app.cfg.Cache
	switch cfg.Backend {
	case "redis":
		app.logger.Info("using redis cache backend")
		app.cacheStore, err = redis.New(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return fmt.Errorf("redis cache init failed: %w", err)
		}
		app.logger.Debug("redis cache backend", zap.String("addr", cfg.RedisAddr), zap.String("prefix", cfg.RedisPrefix))
	case "postgres":
		app.logger.Info("using postgres cache backend")
		app.cacheStore, err = postgres.New(ctx, postgres.Config{
			DSN:   cfg.PostgresDSN,
			Table: cfg.PostgresTable,
		})
		if err != nil {
			return fmt.Errorf("postgres cache init failed: %w", err)
		}
		app.logger.Debug("postgres cache backend", zap.String("table", cfg.PostgresTable))
	default:
		app.logger.Info("using in-memory cache backend")
		app.cacheStore = memory.NewStore()
	}
	backend := cfg.Backend
	if backend == "" {
		backend = "memory"
	}
	app.gateway = cache.NewGateway(app.cacheStore,
		cache.WithTTL(cfg.TTL),
		cache.WithClock(clock),
		cache.WithBackendName(backend),
		cache.WithLogger(app.logger.Named("cache")),
	)
	return nil
}

func setupProgress(app *App) error {
	cfg := app.cfg.Progress
	var sinkList []progress.Sink
	if app.cfg.Metrics.Enabled {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("progress metrics sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("Added progress metrics sink")
	}
	if cfg.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}

	opts := []progress.PublisherOption{
		progress.WithSubscriberBuffer(cfg.SubscriberBuffer),
		progress.WithPublisherLogger(app.logger.Named("progress")),
	}
	if len(sinkList) > 0 {
		hubCfg := progress.HubConfig{
			BufferSize:    cfg.HubBuffer,
			FlushInterval: cfg.FlushInterval,
			Logger:        app.logger.Named("progress_hub"),
		}
		app.progressHub = progress.NewHub(hubCfg, sinkList...)
		opts = append(opts, progress.WithEmitter(app.progressHub))
		app.logger.Info("progress hub initialized",
			zap.Int("buffer_size", hubCfg.BufferSize),
			zap.Duration("flush_interval", hubCfg.FlushInterval),
			zap.Int("sinks", len(sinkList)),
		)
	}
	app.publisher = progress.NewPublisher(opts...)
	return nil
}

func setupLab(app *App, clock audit.Clock) {
	cfg := app.cfg
	opts := []lab.Option{lab.WithLogger(app.logger.Named("lighthouse"))}
	if cfg.Pool.Browsers {
		app.browsers = lab.NewBrowserPool(lab.BrowserConfig{
			Size:          cfg.Pool.Size,
			BasePort:      cfg.Pool.BasePort,
			ChromePath:    cfg.Pool.ChromePath,
			LaunchTimeout: cfg.Pool.LaunchTimeout,
			IdleTimeout:   cfg.Pool.IdleTimeout,
		},
			lab.WithBrowserClock(clock),
			lab.WithBrowserLogger(app.logger.Named("browsers")),
		)
		opts = append(opts, lab.WithBrowserPool(app.browsers))
		app.logger.Info("browser pool initialized",
			zap.Int("size", cfg.Pool.Size),
			zap.Int("base_port", cfg.Pool.BasePort),
		)
	}
	app.lighthouse = lab.NewRunner(lab.Config{
		Binary:    cfg.Lighthouse.Binary,
		OutputDir: cfg.Lighthouse.OutputDir,
	}, opts...)
	if !app.lighthouse.Available() {
		app.logger.Warn("lighthouse binary not found; lab stages will fail", zap.String("binary", cfg.Lighthouse.Binary))
	}
}

func setupField(app *App) *field.Client {
	cfg := app.cfg.Field
	if cfg.APIKey == "" {
		app.logger.Warn("No PageSpeed Insights API key configured, requests are subject to anonymous quota")
	}
	return field.New(field.Config{
		APIKey:        cfg.APIKey,
		Endpoint:      cfg.Endpoint,
		Timeout:       cfg.Timeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		Breaker:       breakerConfig(cfg.Breaker),
	}, field.WithLogger(app.logger.Named("field")))
}

func setupSummarizer(ctx context.Context, app *App) (*ai.Summarizer, error) {
	c := app.cfg.AI
	aiCfg := ai.Config{
		Provider:        c.Provider,
		Model:           c.Model,
		AnthropicAPIKey: c.AnthropicAPIKey,
		OpenAIAPIKey:    c.OpenAIAPIKey,
		GoogleAPIKey:    c.GoogleAPIKey,
		OllamaHost:      c.OllamaHost,
		MaxTokens:       c.MaxTokens,
		Temperature:     c.Temperature,
		RatePerSecond:   c.RatePerSecond,
		Burst:           c.Burst,
		Breaker:         breakerConfig(c.Breaker),
	}
	model, err := ai.NewModel(ctx, aiCfg)
	switch {
	case errors.Is(err, ai.ErrNotConfigured):
		app.logger.Warn("AI summarization not configured; reports will be partial", zap.String("provider", c.Provider))
		model = nil
	case err != nil:
		return nil, fmt.Errorf("llm init failed: %w", err)
	default:
		app.logger.Info("AI summarizer initialized", zap.String("provider", c.Provider), zap.String("model", c.Model))
	}
	return ai.New(model, aiCfg, ai.WithLogger(app.logger.Named("ai"))), nil
}

func setupDispatcher(app *App, executor *pipeline.Executor, clock audit.Clock) *dispatcher.Dispatcher {
	cfg := app.cfg
	dcfg := dispatcher.Config{
		MaxConcurrent:      cfg.Concurrency.MaxConcurrentAudits,
		MaxQueue:           cfg.Concurrency.MaxQueueSize,
		QueueTimeout:       cfg.Concurrency.QueueTimeout,
		JobTimeout:         cfg.Audit.Timeout,
		MaxActivePerClient: cfg.Concurrency.MaxActivePerClient,
		CacheTTL:           cfg.Cache.TTL,
		Retention:          cfg.Audit.Retention,
	}
	app.logger.Info("dispatcher config",
		zap.Int("max_concurrent", dcfg.MaxConcurrent),
		zap.Int("max_queue", dcfg.MaxQueue),
		zap.Duration("queue_timeout", dcfg.QueueTimeout),
		zap.Duration("job_timeout", dcfg.JobTimeout),
		zap.Int("max_active_per_client", dcfg.MaxActivePerClient),
	)
	return dispatcher.New(dcfg, app.registry, executor,
		dispatcher.WithCache(app.gateway),
		dispatcher.WithPublisher(app.publisher),
		dispatcher.WithClock(clock),
		dispatcher.WithLogger(app.logger.Named("dispatcher")),
	)
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	stageCfg := func(s config.StageConfig) pipeline.StageConfig {
		return pipeline.StageConfig{
			Policy: audit.RetryPolicy{
				MaxAttempts: s.Attempts,
				BaseDelay:   cfg.Audit.RetryBase,
				MaxDelay:    cfg.Audit.RetryCap,
			},
			AttemptTimeout: s.AttemptTimeout,
			StageTimeout:   s.StageTimeout,
		}
	}
	return pipeline.Config{
		Lab:   stageCfg(cfg.Audit.Lab),
		Field: stageCfg(cfg.Audit.Field),
		AI:    stageCfg(cfg.Audit.AI),
	}
}

func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		OpenTimeout:      c.OpenTimeout,
		HalfOpenRequests: c.HalfOpenRequests,
	}
}
