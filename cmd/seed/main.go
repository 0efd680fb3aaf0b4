// Seed the database with demo data: two traders, one stock, a grant,
// a deposit and a pair of resting sell orders.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"bourse/internal/auth"
	"bourse/internal/exchange"
	"bourse/internal/models"
	"bourse/internal/store/postgres"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	ctx := context.Background()
	store, err := postgres.New(ctx, connString)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	authSvc := auth.NewService(store, []byte("seed-only"), time.Minute)
	ex := exchange.NewService(store, log)

	seller := mustUser(ctx, log, authSvc, store, "trader1")
	buyer := mustUser(ctx, log, authSvc, store, "trader2")

	stock, err := ex.CreateStock(ctx, "Alphabet")
	if err != nil {
		if !errors.Is(err, models.ErrStockNameTaken) {
			log.Fatal().Err(err).Msg("failed to create stock")
		}
		log.Info().Msg("stock already seeded, nothing to do")
		return
	}

	if err := ex.GrantStock(ctx, seller, stock.ID, 550); err != nil {
		log.Fatal().Err(err).Msg("failed to grant stock")
	}
	if err := ex.Deposit(ctx, buyer, 100_000); err != nil {
		log.Fatal().Err(err).Msg("failed to deposit")
	}
	if _, err := ex.PlaceSellOrder(ctx, seller, stock.ID, 300, 135, ""); err != nil {
		log.Fatal().Err(err).Msg("failed to place sell order")
	}
	if _, err := ex.PlaceSellOrder(ctx, seller, stock.ID, 250, 140, ""); err != nil {
		log.Fatal().Err(err).Msg("failed to place sell order")
	}

	log.Info().Int64("stock_id", stock.ID).Msg("seed complete")
}

// mustUser registers the user with a default password, or looks it up
// if it already exists.
func mustUser(ctx context.Context, log zerolog.Logger, authSvc *auth.Service, store *postgres.Store, username string) int64 {
	u, err := authSvc.Register(ctx, username, "password")
	if err == nil {
		return u.ID
	}
	if errors.Is(err, models.ErrUsernameTaken) {
		existing, err := store.GetUserByUsername(ctx, username)
		if err != nil {
			log.Fatal().Err(err).Str("username", username).Msg("failed to look up user")
		}
		return existing.ID
	}
	log.Fatal().Err(err).Str("username", username).Msg("failed to register user")
	return 0
}
