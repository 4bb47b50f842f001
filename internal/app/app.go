package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kyuzan0/account-manager-sub000/internal/accounts"
	"github.com/Kyuzan0/account-manager-sub000/internal/activity"
	"github.com/Kyuzan0/account-manager-sub000/internal/auth"
	"github.com/Kyuzan0/account-manager-sub000/internal/config"
	"github.com/Kyuzan0/account-manager-sub000/internal/handlers"
	"github.com/Kyuzan0/account-manager-sub000/internal/logger"
	"github.com/Kyuzan0/account-manager-sub000/internal/metrics"
	"github.com/Kyuzan0/account-manager-sub000/internal/middleware"
	"github.com/Kyuzan0/account-manager-sub000/internal/ratelimit"
	"github.com/Kyuzan0/account-manager-sub000/internal/reaper"
	"github.com/Kyuzan0/account-manager-sub000/internal/service"
	"github.com/Kyuzan0/account-manager-sub000/internal/store"
	"github.com/Kyuzan0/account-manager-sub000/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Builder wires the account manager's dependencies: the record store, the
// activity pipeline, the read API, and the HTTP surface around them.
type Builder struct {
	cfg            *config.Config
	version        string
	logger         logger.Logger
	fiberApp       *fiber.App
	recordStore    store.RecordStore
	accountStore   *accounts.Store
	interceptor    *activity.Interceptor
	querySvc       *service.QueryService
	retention      *reaper.Reaper
	rateLimitSvc   *ratelimit.Service
	tracerProvider *telemetry.TracerProvider
	closers        []func()
}

// NewBuilder creates a new application builder.
func NewBuilder(cfg *config.Config, version string) *Builder {
	return &Builder{cfg: cfg, version: version}
}

// Build assembles the application components.
func (b *Builder) Build(ctx context.Context) (*App, error) {
	b.initLogger()
	b.recordStartupMetrics()
	b.initFiber()
	b.initTracing(ctx)
	b.initMiddleware()

	if err := b.initRecordStore(); err != nil {
		b.cleanupOnError()
		return nil, err
	}

	b.initPipeline()
	b.initHandlers()

	return &App{
		cfg:         b.cfg,
		version:     b.version,
		logger:      b.logger,
		fiberApp:    b.fiberApp,
		interceptor: b.interceptor,
		retention:   b.retention,
		closers:     b.closers,
	}, nil
}

func (b *Builder) initLogger() {
	b.logger = logger.NewFromConfig(b.cfg.Log.Level, b.cfg.Log.Format)
	logger.SetDefault(b.logger)
}

func (b *Builder) recordStartupMetrics() {
	metrics.BuildInfo.WithLabelValues(b.version, runtime.Version()).Set(1)

	b.logger.Info("Starting account manager",
		logger.String("version", b.version),
		logger.String("address", b.cfg.Address()),
		logger.String("log_level", b.cfg.Log.Level),
		logger.String("store_type", b.cfg.Store.Type),
	)
}

func (b *Builder) initFiber() {
	b.fiberApp = fiber.New()
}

func (b *Builder) initTracing(ctx context.Context) {
	provider, err := telemetry.Init(ctx, b.cfg.Tracing)
	if err != nil {
		b.logger.Error("Failed to initialize tracing", logger.Error(err))
		return
	}

	if b.cfg.Tracing.Enabled {
		b.logger.Info("OpenTelemetry tracing initialized",
			logger.String("endpoint", b.cfg.Tracing.Endpoint),
			logger.String("service_name", b.cfg.Tracing.ServiceName),
		)

		b.addCloser(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				b.logger.Error("Failed to shutdown tracer provider", logger.Error(err))
			}
		})
	}

	b.tracerProvider = provider
}

func (b *Builder) initMiddleware() {
	b.fiberApp.Use(middleware.RequestLogging(b.logger))
	b.fiberApp.Use(middleware.Metrics())

	if b.cfg.Tracing.Enabled {
		b.fiberApp.Use(middleware.TracingMiddleware(b.cfg.Tracing.ServiceName))
	}

	if b.cfg.RateLimit.Enabled {
		b.rateLimitSvc = ratelimit.NewService(ratelimit.Config{
			Enabled:         b.cfg.RateLimit.Enabled,
			RequestsPerSec:  b.cfg.RateLimit.RequestsPerSec,
			Burst:           b.cfg.RateLimit.Burst,
			CleanupInterval: b.cfg.RateLimit.CleanupInterval,
		})
		b.addCloser(b.rateLimitSvc.Close)

		b.fiberApp.Use(middleware.RateLimit(b.rateLimitSvc))

		b.logger.Info("Rate limiting enabled",
			logger.String("requests_per_sec", fmt.Sprintf("%.1f", b.cfg.RateLimit.RequestsPerSec)),
			logger.Int("burst", b.cfg.RateLimit.Burst),
		)
	}
}

func (b *Builder) initRecordStore() error {
	switch b.cfg.Store.Type {
	case "memory":
		b.recordStore = store.NewMemoryStore()
	default:
		badgerStore, err := store.NewBadgerStore(b.cfg.Store.DataDir, b.cfg.Store.SyncWrites, b.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize record store: %w", err)
		}
		b.recordStore = badgerStore
	}

	b.addCloser(func() {
		if err := b.recordStore.Close(); err != nil {
			b.logger.Error("Failed to close record store", logger.Error(err))
		}
	})

	return nil
}

func (b *Builder) initPipeline() {
	scorer := activity.NewScorer(activity.RiskConfig{
		Window:            b.cfg.Risk.Window,
		CreationThreshold: b.cfg.Risk.CreationThreshold,
		FailureThreshold:  b.cfg.Risk.FailureThreshold,
		SourceThreshold:   b.cfg.Risk.SourceThreshold,
		FlagThreshold:     b.cfg.Risk.FlagThreshold,
	}, b.recordStore, b.logger)

	collector := activity.NewCollector(b.cfg.Activity.SlowThreshold)

	b.interceptor = activity.NewInterceptor(activity.Config{
		BufferSize:   b.cfg.Activity.BufferSize,
		DropPolicy:   activity.DropPolicy(b.cfg.Activity.DropPolicy),
		RetentionTTL: b.cfg.Activity.RetentionTTL,
		Denylist:     b.cfg.Activity.Denylist,
	}, b.recordStore, collector, scorer, b.logger)

	b.querySvc = service.NewQueryService(b.recordStore, service.DefaultExportCap)
	b.accountStore = accounts.NewStore()

	b.retention = reaper.New(reaper.Config{
		Interval:       b.cfg.Retention.Interval,
		PendingCeiling: b.cfg.Retention.PendingCeiling,
	}, b.recordStore, nil, b.logger)
}

func (b *Builder) initHandlers() {
	accountHandler := handlers.NewAccountHandler(b.accountStore)
	activityHandler := handlers.NewActivityHandler(b.querySvc)

	var pinger handlers.StorePinger
	if p, ok := b.recordStore.(handlers.StorePinger); ok {
		pinger = p
	}
	healthHandler := handlers.NewHealthHandler(b.cfg.Store.Type, pinger, b.version)

	var jwtService *auth.JWTService
	if b.cfg.Auth.Enabled {
		jwtService = auth.NewJWTService(
			b.cfg.Auth.JWTSecret,
			b.cfg.Auth.JWTExpiry,
			b.cfg.Auth.RefreshExpiry,
			b.cfg.Auth.Issuer,
		)
		authHandler := handlers.NewAuthHandler(jwtService, b.operators(), b.interceptor)

		authGroup := b.fiberApp.Group("/api/v1/auth")
		authGroup.Post("/login", authHandler.Login)
		authGroup.Post("/refresh", authHandler.Refresh)
		authGroup.Get("/verify", middleware.JWTAuth(jwtService, b.cfg.Auth.PublicPaths), authHandler.Verify)
		authGroup.Post("/logout", middleware.JWTAuth(jwtService, b.cfg.Auth.PublicPaths), authHandler.Logout)

		b.fiberApp.Use(middleware.JWTAuth(jwtService, b.cfg.Auth.PublicPaths))
	}

	track := middleware.Track(middleware.TrackConfig{
		Interceptor: b.interceptor,
		KindMapper:  middleware.AccountKindMapper,
	})

	accountsGroup := b.fiberApp.Group("/api/v1/accounts", track)
	accountsGroup.Post("/", accountHandler.Create)
	accountsGroup.Get("/", accountHandler.List)
	accountsGroup.Delete("/", accountHandler.BulkDelete)
	accountsGroup.Get("/:id", accountHandler.Get)
	accountsGroup.Put("/:id", accountHandler.Update)
	accountsGroup.Delete("/:id", accountHandler.Delete)

	activityGroup := b.fiberApp.Group("/api/v1/activity")
	activityGroup.Get("/users/:id", activityHandler.UserTimeline)
	activityGroup.Get("/accounts/:id", activityHandler.TargetTimeline)
	activityGroup.Get("/stats", activityHandler.Stats)
	activityGroup.Get("/security", middleware.RequireAnyRole("admin", "security"), activityHandler.Security)
	activityGroup.Get("/export", middleware.RequireAnyRole("admin", "security"), activityHandler.Export)

	b.fiberApp.Get("/health", healthHandler.Check)
	b.fiberApp.Get("/health/live", healthHandler.Liveness)
	b.fiberApp.Get("/health/ready", healthHandler.Readiness)

	b.fiberApp.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

// operators returns the operator identities allowed to log in. Backed by
// environment configuration for now; a directory integration replaces this.
func (b *Builder) operators() map[string]handlers.Operator {
	ops := make(map[string]handlers.Operator)
	if user := os.Getenv("ACCTMGR_ADMIN_USER"); user != "" {
		ops[user] = handlers.Operator{
			ID:       user,
			Password: os.Getenv("ACCTMGR_ADMIN_PASSWORD"),
			Roles:    []string{"admin"},
		}
	}
	return ops
}

func (b *Builder) addCloser(closer func()) {
	b.closers = append(b.closers, closer)
}

func (b *Builder) cleanupOnError() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// App represents a configured application ready to run.
type App struct {
	cfg            *config.Config
	version        string
	logger         logger.Logger
	fiberApp       *fiber.App
	interceptor    *activity.Interceptor
	retention      *reaper.Reaper
	closers        []func()
	backgroundStop []func()
}

// Run starts the application and handles graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.startBackgroundTasks(ctx)

	serverErr := make(chan error, 1)

	go func() {
		if a.cfg.Server.TLS.Enabled {
			serverErr <- a.fiberApp.ListenTLS(a.cfg.Address(), a.cfg.Server.TLS.CertFile, a.cfg.Server.TLS.KeyFile)
		} else {
			serverErr <- a.fiberApp.Listen(a.cfg.Address())
		}
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			a.logger.Error("Failed to start server", logger.Error(err))
			a.stopBackgroundTasks()
			a.runClosers()
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server...")

	a.stopBackgroundTasks()

	if err := a.fiberApp.Shutdown(); err != nil {
		a.logger.Error("Server forced to shutdown", logger.Error(err))
	}

	// Drain queued finalizations before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.interceptor.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Activity pipeline shutdown incomplete", logger.Error(err))
	}

	a.runClosers()

	if err := <-serverErr; err != nil {
		return err
	}

	a.logger.Info("Server exited gracefully")
	return nil
}

func (a *App) startBackgroundTasks(ctx context.Context) {
	if a.retention != nil {
		a.backgroundStop = append(a.backgroundStop, a.retention.Start(ctx))
	}
}

func (a *App) stopBackgroundTasks() {
	for i := len(a.backgroundStop) - 1; i >= 0; i-- {
		a.backgroundStop[i]()
	}
	a.backgroundStop = nil
}

func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
