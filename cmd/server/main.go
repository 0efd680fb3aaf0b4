// Main entry point: sets up config, logging, the ledger store, the
// exchange services and the HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"bourse/internal/api"
	"bourse/internal/auth"
	"bourse/internal/config"
	"bourse/internal/exchange"
	"bourse/internal/ledger"
	"bourse/internal/projection"
	"bourse/internal/store/memory"
	"bourse/internal/store/postgres"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	ctx := context.Background()

	// Select the ledger substrate: Postgres when configured, the
	// in-memory store otherwise (dev mode, no persistence).
	var store ledger.Store
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		store = pg
		log.Info().Msg("using postgres ledger store")
	} else {
		store = memory.New()
		log.Warn().Msg("DATABASE_URL not set, using in-memory ledger store")
	}

	ex := exchange.NewService(store, log)
	proj := projection.NewService(store)
	authSvc := auth.NewService(store, []byte(cfg.JWTSecret), cfg.TokenTTL)
	handler := api.NewHandler(ex, proj, authSvc, store, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}
