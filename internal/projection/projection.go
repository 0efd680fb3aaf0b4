// Package projection is the read side of the bourse. Balances and
// portfolios are never stored: every query folds the append-only
// ledger (deposits, grants, orders, trades) into the answer. Nothing
// in this package mutates the store.
package projection

import (
	"context"
	"fmt"
	"sort"

	"bourse/internal/ledger"
	"bourse/internal/models"
)

// Service computes user balances, portfolios and histories from the
// ledger store.
type Service struct {
	store ledger.Store
}

// NewService creates a projection Service on top of a ledger store.
func NewService(store ledger.Store) *Service {
	return &Service{store: store}
}

// Balance folds a user's cash position: the sum of deposits, plus
// proceeds of trades where the user sold, minus the cost of trades
// where the user bought.
func (s *Service) Balance(ctx context.Context, userID int64) (int64, error) {
	deposits, err := s.store.DepositsByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	trades, err := s.store.TradesByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}

	var balance int64
	for _, d := range deposits {
		balance += d.Amount
	}
	for _, t := range trades {
		amount := t.Quantity * t.Price
		if t.SellerID == userID {
			balance += amount
		}
		if t.BuyerID == userID {
			balance -= amount
		}
	}
	return balance, nil
}

// Portfolio folds a user's net holdings per stock: grants plus bought
// quantities, minus quantities committed to sell orders. A resting or
// completed sell order reserves its full quantity; a cancelled one
// only keeps the part that traded before cancellation. Non-positive
// holdings are filtered out.
func (s *Service) Portfolio(ctx context.Context, userID int64) ([]models.PortfolioEntry, error) {
	grants, err := s.store.GrantsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("portfolio: %w", err)
	}
	orders, err := s.store.OrdersByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("portfolio: %w", err)
	}
	trades, err := s.store.TradesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("portfolio: %w", err)
	}

	owned := make(map[int64]int64)
	for _, g := range grants {
		owned[g.StockID] += g.Quantity
	}

	// Filled quantity per sell order of this user.
	sold := make(map[int64]int64)
	for _, t := range trades {
		if t.BuyerID == userID {
			owned[t.StockID] += t.Quantity
		}
		if t.SellerID == userID {
			sold[t.SellOrderID] += t.Quantity
		}
	}

	for _, o := range orders {
		if !o.IsSell() {
			continue
		}
		switch o.Status {
		case models.OrderInProgress, models.OrderPartiallyComplete, models.OrderCompleted:
			owned[o.StockID] -= o.Quantity
		case models.OrderCancelled, models.OrderFailed:
			owned[o.StockID] -= sold[o.ID]
		}
	}

	stocks, err := s.store.ListStocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio: %w", err)
	}
	names := make(map[int64]string, len(stocks))
	for _, st := range stocks {
		names[st.ID] = st.Name
	}

	var out []models.PortfolioEntry
	for stockID, qty := range owned {
		if qty <= 0 {
			continue
		}
		out = append(out, models.PortfolioEntry{
			StockID:       stockID,
			StockName:     names[stockID],
			QuantityOwned: qty,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockID < out[j].StockID })
	return out, nil
}

// StockPrices returns, for each stock with at least one resting sell
// order, the minimum limit price among those orders: the best current
// ask. Stocks with no resting offers are omitted.
func (s *Service) StockPrices(ctx context.Context) ([]models.StockPrice, error) {
	stocks, err := s.store.ListStocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("stock prices: %w", err)
	}

	var out []models.StockPrice
	for _, st := range stocks {
		resting, err := s.store.RestingSellOrders(ctx, st.ID)
		if err != nil {
			return nil, fmt.Errorf("stock prices: %w", err)
		}
		if len(resting) == 0 {
			continue
		}
		// Resting orders arrive in price-time priority order, so the
		// first entry carries the best ask.
		out = append(out, models.StockPrice{
			StockID:   st.ID,
			StockName: st.Name,
			Price:     *resting[0].LimitPrice,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockName > out[j].StockName })
	return out, nil
}

// OrderHistory merges a user's own orders with the fills they
// participated in, ordered by creation time ascending. Each order
// yields one record; each trade that fills one of the user's resting
// sell orders, or partially fills one of their buys, yields an extra
// record pointing back at the parent order.
func (s *Service) OrderHistory(ctx context.Context, userID int64) ([]models.OrderRecord, error) {
	orders, err := s.store.OrdersByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("order history: %w", err)
	}
	trades, err := s.store.TradesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("order history: %w", err)
	}

	// First (best-priced) fill per buy order, used to price market
	// order records.
	buyPrice := make(map[int64]int64)
	for _, t := range trades {
		if t.BuyerID == userID {
			if _, ok := buyPrice[t.BuyOrderID]; !ok {
				buyPrice[t.BuyOrderID] = t.Price
			}
		}
	}

	var out []models.OrderRecord
	for _, o := range orders {
		rec := models.OrderRecord{
			TxID:      o.ID,
			StockID:   o.StockID,
			Status:    o.Status,
			Quantity:  o.Quantity,
			Timestamp: o.CreatedAt,
		}
		if o.IsSell() {
			rec.OrderType = models.OrderTypeLimit
			rec.Price = *o.LimitPrice
		} else {
			rec.IsBuy = true
			rec.OrderType = models.OrderTypeMarket
			rec.Price = buyPrice[o.ID]
		}
		out = append(out, rec)
	}

	for _, t := range trades {
		if t.SellerID == userID {
			parent := t.SellOrderID
			walletTx := t.ID
			out = append(out, models.OrderRecord{
				TxID:       t.ID,
				ParentTxID: &parent,
				StockID:    t.StockID,
				WalletTxID: &walletTx,
				Status:     models.OrderCompleted,
				OrderType:  models.OrderTypeLimit,
				Price:      t.Price,
				Quantity:   t.Quantity,
				Timestamp:  t.CreatedAt,
			})
		}
		if t.BuyerID == userID && t.Quantity != t.BuyOrderQuantity {
			parent := t.BuyOrderID
			walletTx := t.ID
			out = append(out, models.OrderRecord{
				TxID:       t.ID,
				ParentTxID: &parent,
				StockID:    t.StockID,
				WalletTxID: &walletTx,
				Status:     models.OrderCompleted,
				IsBuy:      true,
				OrderType:  models.OrderTypeMarket,
				Price:      t.Price,
				Quantity:   t.Quantity,
				Timestamp:  t.CreatedAt,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// WalletHistory returns one cash-flow record per trade touching the
// user, ordered by creation time ascending. IsDebit is true when the
// user was the buyer. OrderTxID references the user's own side of the
// trade.
func (s *Service) WalletHistory(ctx context.Context, userID int64) ([]models.WalletEntry, error) {
	trades, err := s.store.TradesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("wallet history: %w", err)
	}

	var out []models.WalletEntry
	for _, t := range trades {
		entry := models.WalletEntry{
			WalletTxID: t.ID,
			Amount:     t.Quantity * t.Price,
			Timestamp:  t.CreatedAt,
		}
		if t.BuyerID == userID {
			entry.IsDebit = true
			entry.OrderTxID = t.BuyOrderID
		} else {
			entry.OrderTxID = t.SellOrderID
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
