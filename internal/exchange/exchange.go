// Package exchange holds the write side of the bourse: order
// placement, cancellation and the matching engine. All mutation of the
// ledger goes through this package; the read side lives in projection.
package exchange

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"bourse/internal/ledger"
	"bourse/internal/models"
)

// Service validates requests and drives the ledger store. It is the
// Order Lifecycle Manager of the exchange.
type Service struct {
	store ledger.Store
	log   zerolog.Logger
}

// NewService creates a Service on top of a ledger store.
func NewService(store ledger.Store, log zerolog.Logger) *Service {
	return &Service{store: store, log: log}
}

// Deposit appends a cash deposit. The amount is in the smallest
// currency unit and must be positive.
func (s *Service) Deposit(ctx context.Context, userID, amount int64) error {
	if amount <= 0 {
		return models.ErrInvalidAmount
	}
	if _, err := s.store.AppendDeposit(ctx, userID, amount); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	return nil
}

// CreateStock registers a new tradable stock.
func (s *Service) CreateStock(ctx context.Context, name string) (*models.Stock, error) {
	if name == "" {
		return nil, models.ErrInvalidRequest
	}
	stock, err := s.store.CreateStock(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create stock: %w", err)
	}
	return stock, nil
}

// GrantStock appends an initial stock allocation for a user. Grants
// seed ownership directly and never touch the matching engine.
func (s *Service) GrantStock(ctx context.Context, userID, stockID, quantity int64) error {
	if quantity <= 0 {
		return models.ErrInvalidAmount
	}
	if _, err := s.store.GetStock(ctx, stockID); err != nil {
		return err
	}
	if _, err := s.store.AppendGrant(ctx, userID, stockID, quantity); err != nil {
		return fmt.Errorf("grant stock: %w", err)
	}
	return nil
}

// PlaceSellOrder inserts a resting limit sell order. No matching is
// attempted at placement: sells rest until a buy consumes them.
// requestID, when non-empty, makes the placement idempotent.
func (s *Service) PlaceSellOrder(ctx context.Context, userID, stockID, quantity, price int64, requestID string) (*models.Order, error) {
	if quantity <= 0 || price <= 0 {
		return nil, models.ErrInvalidRequest
	}
	if _, err := s.store.GetStock(ctx, stockID); err != nil {
		return nil, err
	}

	order, err := s.store.CreateOrder(ctx, &models.Order{
		UserID:     userID,
		StockID:    stockID,
		Quantity:   quantity,
		LimitPrice: &price,
		Status:     models.OrderInProgress,
		RequestID:  requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("place sell order: %w", err)
	}

	s.log.Info().
		Int64("order_id", order.ID).
		Int64("stock_id", stockID).
		Int64("quantity", quantity).
		Int64("price", price).
		Msg("sell order placed")
	return order, nil
}

// CancelOrder withdraws a resting sell order owned by the caller.
// Terminal orders, buy orders, unknown orders and orders owned by
// someone else all fail with models.ErrOrderNotFound.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID int64) error {
	if err := s.store.CancelOrder(ctx, orderID, userID); err != nil {
		return err
	}
	s.log.Info().Int64("order_id", orderID).Msg("order cancelled")
	return nil
}
