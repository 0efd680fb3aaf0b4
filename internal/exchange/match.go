package exchange

import (
	"context"
	"fmt"

	"bourse/internal/ledger"
	"bourse/internal/models"
)

// fill is one planned trade against a resting sell order.
type fill struct {
	ask      ledger.RestingOrder
	quantity int64
}

// PlaceBuyOrder matches a market buy synchronously. It walks the
// resting asks in price-time priority order, excluding the buyer's own
// orders, accumulating fills across sell orders until the requested
// quantity is exhausted. If the book cannot cover the full quantity the
// whole match aborts with models.ErrInsufficientLiquidity and nothing
// is written. On success the buy order, its trades and the sell-status
// updates commit as one atomic unit, and the buy order is returned
// already completed.
func (s *Service) PlaceBuyOrder(ctx context.Context, userID, stockID, quantity int64, requestID string) (*models.Order, error) {
	if quantity <= 0 {
		return nil, models.ErrInvalidRequest
	}

	tx, err := s.store.BeginMatch(ctx, stockID)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	asks, err := tx.RestingSellOrders(ctx, stockID, userID)
	if err != nil {
		return nil, fmt.Errorf("match buy: %w", err)
	}

	fills, err := planFills(asks, quantity)
	if err != nil {
		return nil, err
	}

	buy, err := tx.CreateOrder(ctx, &models.Order{
		UserID:    userID,
		StockID:   stockID,
		Quantity:  quantity,
		Status:    models.OrderCompleted,
		RequestID: requestID,
	})
	if err != nil {
		return nil, err
	}

	for _, f := range fills {
		if _, err := tx.CreateTrade(ctx, &models.Trade{
			SellOrderID: f.ask.ID,
			BuyOrderID:  buy.ID,
			Quantity:    f.quantity,
			Price:       *f.ask.LimitPrice,
		}); err != nil {
			return nil, fmt.Errorf("match buy: %w", err)
		}

		status := models.OrderPartiallyComplete
		if f.quantity == f.ask.Remaining {
			status = models.OrderCompleted
		}
		if err := tx.SetOrderStatus(ctx, f.ask.ID, status); err != nil {
			return nil, fmt.Errorf("match buy: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("match buy: %w", err)
	}

	s.log.Info().
		Int64("order_id", buy.ID).
		Int64("stock_id", stockID).
		Int64("quantity", quantity).
		Int("fills", len(fills)).
		Msg("buy order matched")
	return buy, nil
}

// planFills allocates the requested quantity across the asks, best
// price first. The asks arrive sorted; every consumed ask but the last
// is fully drained.
func planFills(asks []ledger.RestingOrder, quantity int64) ([]fill, error) {
	remaining := quantity
	var fills []fill
	for _, ask := range asks {
		if remaining == 0 {
			break
		}
		if ask.Remaining <= 0 || ask.Remaining > ask.Quantity {
			return nil, models.Invariantf(
				"sell order %d has remaining %d of quantity %d", ask.ID, ask.Remaining, ask.Quantity)
		}
		take := min(remaining, ask.Remaining)
		fills = append(fills, fill{ask: ask, quantity: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, models.ErrInsufficientLiquidity
	}
	return fills, nil
}
