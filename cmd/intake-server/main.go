package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/animalwelfare/intake/internal/config"
	"github.com/animalwelfare/intake/internal/domain/casefile"
	"github.com/animalwelfare/intake/internal/domain/dedup"
	"github.com/animalwelfare/intake/internal/platform/auth"
	"github.com/animalwelfare/intake/internal/platform/db"
	"github.com/animalwelfare/intake/internal/platform/events"
	"github.com/animalwelfare/intake/internal/platform/metrics"
	"github.com/animalwelfare/intake/internal/platform/middleware"
	"github.com/animalwelfare/intake/internal/platform/scheduler"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-server",
		Short: "Animal welfare intake API and duplicate review engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(agencyCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(duplicatesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// resolveSigningKey returns the configured session key, or a random one in
// development. The boolean reports whether the key was generated.
func resolveSigningKey(cfg *config.Config) ([]byte, bool, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, false, err
	}
	if key != nil {
		return key, false, nil
	}
	if !cfg.IsDev() {
		return nil, false, fmt.Errorf("SESSION_SIGNING_KEY is required outside development")
	}
	key = make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate signing key: %w", err)
	}
	return key, true, nil
}

// engine bundles the services shared by the server and the CLI commands.
type engine struct {
	cases     *casefile.Service
	dedup     *dedup.Service
	publisher events.Publisher
	checks    []db.Check
	close     func()
}

func buildEngine(cfg *config.Config, pool *pgxpool.Pool, m *metrics.Metrics, logger zerolog.Logger) (*engine, error) {
	rules, err := dedup.LoadRules(cfg.MatchingRulesFile)
	if err != nil {
		return nil, err
	}

	eng := &engine{publisher: events.NopPublisher{}, close: func() {}}
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		eng.publisher = nc
		eng.checks = append(eng.checks, db.Check{Name: "nats", Probe: nc.Healthy})
		eng.close = nc.Close
		logger.Info().Str("url", cfg.NATSURL).Msg("connected to event bus")
	}

	tx := db.NewTxRunner(pool)
	caseRepo := casefile.NewRepoPG(pool)

	eng.dedup = dedup.NewService(caseRepo, dedup.NewCandidateRepoPG(pool), dedup.NewAuditRepoPG(pool), tx, dedup.Options{
		Rules:     &rules,
		Workers:   cfg.DetectWorkers,
		Publisher: eng.publisher,
		Metrics:   m,
		Logger:    logger,
	})
	eng.cases = casefile.NewService(caseRepo, tx, logger)
	eng.cases.SetPreflight(eng.dedup)
	return eng, nil
}

// detectionJob runs a full detection pass in every provisioned agency.
func detectionJob(pool *pgxpool.Pool, svc *dedup.Service, logger zerolog.Logger) scheduler.Job {
	return func(ctx context.Context) error {
		agencies, err := db.ListAgencies(ctx, pool)
		if err != nil {
			return err
		}

		failed := 0
		for _, agencyID := range agencies {
			err := db.WithAgencyConn(ctx, pool, agencyID, func(ctx context.Context) error {
				summary, err := svc.RunDetection(ctx, "schedule")
				if err != nil {
					return err
				}
				logger.Info().
					Str("agency", agencyID).
					Int("scanned", summary.Scanned).
					Int("created", summary.Created).
					Int("skipped", summary.Skipped).
					Msg("scheduled detection finished")
				return nil
			})
			if err != nil {
				failed++
				logger.Error().Err(err).Str("agency", agencyID).Msg("scheduled detection failed")
			}
		}
		if failed > 0 {
			return fmt.Errorf("detection failed for %d of %d agencies", failed, len(agencies))
		}
		return nil
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	eng, err := buildEngine(cfg, pool, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build duplicate engine")
	}
	defer eng.close()

	// Sessions
	key, generated, err := resolveSigningKey(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve session signing key")
	}
	if generated {
		logger.Warn().Msg("using an ephemeral session signing key; sessions end on restart")
	}
	sessions := auth.NewSessionStore(time.Minute)
	defer sessions.Close()
	mgr := auth.NewSessionManager(auth.NewUserDirectoryPG(pool), sessions, key, cfg.SessionTTL)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Agency-ID"},
	}))
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst
	e.Use(middleware.RateLimit(rl))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(mgr, cfg.DefaultAgency))
	} else {
		e.Use(auth.SessionMiddleware(mgr))
	}

	// Agency middleware
	e.Use(db.AgencyMiddleware(pool, cfg.DefaultAgency))

	// Probes
	e.GET("/health", db.HealthHandler(pool, eng.checks...))
	e.GET("/health/db", db.HealthHandler(pool))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	// API groups
	apiV1 := e.Group("/api/v1")
	auth.NewHandler(mgr).RegisterRoutes(apiV1)
	casefile.NewHandler(eng.cases).RegisterRoutes(apiV1, apiV1)
	dedup.NewHandler(eng.dedup).RegisterRoutes(apiV1)

	// Scheduled detection
	sched := scheduler.New(logger, 10*time.Minute)
	if cfg.DetectSchedule != "" {
		if err := sched.Add(cfg.DetectSchedule, "duplicate-detection", detectionJob(pool, eng.dedup, logger)); err != nil {
			logger.Fatal().Err(err).Msg("failed to schedule detection")
		}
		sched.Start()
		logger.Info().Str("schedule", cfg.DetectSchedule).Msg("scheduled duplicate detection")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sched.Stop(ctx)
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
