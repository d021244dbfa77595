package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/medconnect/realtime/internal/config"
	"github.com/medconnect/realtime/internal/domain/notification"
	"github.com/medconnect/realtime/internal/platform/auth"
	"github.com/medconnect/realtime/internal/platform/db"
	"github.com/medconnect/realtime/internal/platform/dispatch"
	"github.com/medconnect/realtime/internal/platform/jobs"
	"github.com/medconnect/realtime/internal/platform/metrics"
	"github.com/medconnect/realtime/internal/platform/middleware"
	"github.com/medconnect/realtime/internal/platform/realtime"
	"github.com/medconnect/realtime/migrations"
)

const shutdownTimeout = 10 * time.Second

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// routes holds the handlers newRouter mounts. It carries no database handle.
type routes struct {
	cfg           *config.Config
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	validator     auth.Validator
	auth          *auth.Handler
	notifications *notification.Handler
	dispatch      *dispatch.Handler
	realtime      *realtime.Handler
	registry      *realtime.Registry
	dbHealth      echo.HandlerFunc
}

func newRouter(r routes) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(r.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(r.logger))
	e.Use(middleware.Metrics(r.metrics))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: r.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(auth.SessionMiddleware(r.validator, auth.AuthSkipper))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: r.cfg.RateLimitRPS,
		BurstSize:         r.cfg.RateLimitBurst,
		Skipper: func(c echo.Context) bool {
			p := c.Path()
			return p == "/health" || p == "/health/db" || p == "/metrics"
		},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"connections": r.registry.Count(),
		})
	})
	if r.dbHealth != nil {
		e.GET("/health/db", r.dbHealth)
	}
	if r.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(r.metrics.Handler()))
	}

	api := e.Group("/api/v1",
		middleware.BodyLimit(r.cfg.BodyLimit),
		middleware.RequestTimeout(r.cfg.RequestTimeout, nil),
	)
	admin := api.Group("/admin", auth.RequireRole(auth.RoleSuperAdmin))
	r.auth.RegisterRoutes(api, admin)
	r.notifications.RegisterRoutes(api)
	r.dispatch.RegisterRoutes(admin)
	r.realtime.RegisterRoutes(e)
	return e
}

func runServer(ctx context.Context, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if migrate {
		n, err := db.NewMigrator(pool, migrations.FS, "public").Up(ctx)
		if err != nil {
			return err
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Sessions
	identities := auth.NewIdentityRepoPG(pool)
	refresh := auth.NewRefreshIssuer([]byte(cfg.RefreshSigningKey), cfg.RefreshTokenTTL, "realtime-server")
	store := auth.NewSessionStore(auth.NewSessionRepoPG(pool), identities, refresh, cfg.AccessTokenTTL, logger)

	// Connections. RevokeAll closes a user's sockets through the registry.
	registry := realtime.NewRegistry(realtime.RegistryOptions{
		Shards:       cfg.RegistryShards,
		SendBuffer:   cfg.WSSendBuffer,
		WriteTimeout: cfg.WSWriteTimeout,
	}, logger, m)
	store.SetDisconnector(registry)
	store.SetTxRunner(db.NewTxRunner(pool))
	wsHandler := realtime.NewHandler(registry, store, realtime.HandlerOptions{
		PingInterval:    cfg.WSPingInterval,
		PongTimeout:     cfg.WSPongTimeout,
		WriteTimeout:    cfg.WSWriteTimeout,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		InboundRPS:      cfg.WSInboundRPS,
		InboundBurst:    cfg.WSInboundBurst,
		AllowedOrigins:  cfg.CORSOrigins,
	}, logger, m)

	// Ledger and dispatch
	ledger := notification.NewService(notification.NewRepoPG(pool), db.NewTxRunner(pool), logger)
	dispatcher := dispatch.New(registry, ledger, identities, logger, m)

	scheduler := jobs.New(logger, m, 5*time.Minute)
	for _, j := range []jobs.Job{
		jobs.CleanupJob(cfg.CleanupSchedule, ledger, cfg.NotificationRetention),
		jobs.SessionPurgeJob(cfg.SessionPurgeSchedule, store),
		jobs.DeliveryJob(cfg.ScheduledDeliverySchedule, dispatcher),
	} {
		if err := scheduler.Add(j); err != nil {
			return err
		}
	}

	e := newRouter(routes{
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
		validator:     store,
		auth:          auth.NewHandler(auth.NewService(store, identities)),
		notifications: notification.NewHandler(ledger),
		dispatch:      dispatch.NewHandler(dispatcher),
		realtime:      wsHandler,
		registry:      registry,
		dbHealth:      db.HealthHandler(pool),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	scheduler.Start()

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Jobs first so nothing is pushed into a closing registry.
		select {
		case <-scheduler.Stop().Done():
		case <-sctx.Done():
			logger.Warn().Msg("jobs did not finish before shutdown deadline")
		}
		// Hijacked websocket connections are not tracked by http.Server.
		registry.Close()
		if err := e.Shutdown(sctx); err != nil {
			return err
		}
		logger.Info().Msg("server stopped")
		return nil
	})

	return g.Wait()
}
