package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ortholife/clinicsync/internal/clinic"
	"github.com/ortholife/clinicsync/internal/config"
	"github.com/ortholife/clinicsync/internal/platform/middleware"
	"github.com/ortholife/clinicsync/internal/platform/postgres"
)

// runServer serves until ctx is cancelled. Without DATABASE_URL the
// in-memory repository is used, which Validate only allows in development.
func runServer(ctx context.Context, cfg *config.ServerConfig, log zerolog.Logger, autoMigrate bool) error {
	var (
		repo clinic.Repository
		pool *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		var err error
		pool, err = postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		log.Info().Msg("connected to database")

		if autoMigrate {
			n, err := postgres.NewMigrator(pool, postgres.Migrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info().Int("applied", n).Msg("migrations applied")
		}
		repo = clinic.NewRepoPG(pool)
	} else {
		log.Warn().Msg("DATABASE_URL not set; using the in-memory repository (data is lost on exit)")
		repo = clinic.NewMemoryRepo()
	}

	svc := clinic.NewService(repo, clinic.WithLogger(log.With().Str("component", "clinic").Logger()))
	e := newServer(cfg, log, svc, pool)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("version", Version).Msg("starting server")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance. pool may be nil.
func newServer(cfg *config.ServerConfig, log zerolog.Logger, svc *clinic.Service, pool *pgxpool.Pool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	httpLog := log.With().Str("component", "http").Logger()
	e.Use(middleware.Recovery(httpLog))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(httpLog))
	e.Use(echomw.BodyLimit("2M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	if cfg.APIToken != "" {
		e.Use(middleware.BearerToken(cfg.APIToken, "/health"))
	}

	if pool != nil {
		e.GET("/health", postgres.HealthHandler(pool))
	} else {
		e.GET("/health", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok", "storage": "memory"})
		})
	}

	clinic.NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))
	return e
}
