package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careops/censusd/internal/census"
	"github.com/careops/censusd/internal/config"
	"github.com/careops/censusd/internal/platform/auth"
	"github.com/careops/censusd/internal/platform/db"
	"github.com/careops/censusd/internal/platform/middleware"
	"github.com/careops/censusd/internal/snapshot"
	"github.com/careops/censusd/internal/source"
	syncpipe "github.com/careops/censusd/internal/sync"
	"github.com/careops/censusd/internal/warehouse"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "censusd",
		Short: "Clinical record synchronizer and census builder",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the census API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending warehouse migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Apply(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Warehouse is optional: without DATABASE_URL the pipeline runs
	// fetch-and-transform only and the census is always crawled live.
	ctx := context.Background()
	var pool *pgxpool.Pool
	var repo warehouse.Repository
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to warehouse")
		}
		defer pool.Close()
		repo = warehouse.NewRepo(pool, warehouse.DefaultBatchSizes(), logger)
		logger.Info().Msg("connected to warehouse")
	} else {
		logger.Warn().Msg("no DATABASE_URL set, running without a warehouse")
	}

	client := source.NewClient(source.Config{
		BaseURL:     cfg.FHIRBaseURL,
		Timeout:     cfg.FHIRTimeout(),
		MaxAttempts: cfg.FHIRRetryCount,
		BackoffStep: cfg.FHIRBackoff(),
		CacheTTL:    cfg.CacheTTL(),
	}, logger)

	transformer := snapshot.NewTransformer(logger, rand.New(rand.NewSource(time.Now().UnixNano())))

	var store syncpipe.Store
	var cohortStore census.Warehouse
	if repo != nil {
		store = repo
		cohortStore = repo
	}

	orch := syncpipe.NewOrchestrator(client, transformer, store, cfg.LookbackHours, logger)
	builder := census.NewBuilder(client, transformer, cohortStore, census.Options{
		Target:               cfg.CensusTarget,
		MinAccept:            cfg.CensusMinAccept,
		BatchSize:            cfg.CensusBatchSize,
		OverfetchMultiplier:  cfg.CensusOverfetch,
		PlaceholderDiagnoses: cfg.CensusPlaceholders,
		StaleThreshold:       cfg.CensusStaleThreshold,
		LookbackHours:        cfg.LookbackHours,
		BatchPause:           250 * time.Millisecond,
	}, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware([]byte(cfg.APITokenSecret)))
	}

	syncpipe.NewHandler(orch).Register(apiV1)
	census.NewHandler(builder).Register(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
