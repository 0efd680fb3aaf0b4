// Package ledger defines the storage boundary of the exchange: an
// append-only record store for deposits, grants, orders and trades,
// from which all balances and portfolios are derived. Two substrates
// implement it, a Postgres store and an in-memory indexed store.
package ledger

import (
	"context"

	"bourse/internal/models"
)

// RestingOrder is a resting sell order together with its unfilled
// quantity, as seen by the matching engine.
type RestingOrder struct {
	models.Order
	Remaining int64
}

// Store is the ledger. Deposits, grants and trades are append-only;
// orders are inserted once and only their status ever changes.
type Store interface {
	// Users (owned by the auth layer).
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// Stocks.
	CreateStock(ctx context.Context, name string) (*models.Stock, error)
	GetStock(ctx context.Context, stockID int64) (*models.Stock, error)
	ListStocks(ctx context.Context) ([]models.Stock, error)

	// Append-only ledger entries.
	AppendDeposit(ctx context.Context, userID, amount int64) (*models.Deposit, error)
	AppendGrant(ctx context.Context, userID, stockID, quantity int64) (*models.Grant, error)

	// Orders.
	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	OrdersByUser(ctx context.Context, userID int64) ([]models.Order, error)

	// RestingSellOrders returns the resting asks for a stock in
	// price-time priority order (limit price asc, created_at asc,
	// order id asc), without locking. Read-side use only.
	RestingSellOrders(ctx context.Context, stockID int64) ([]RestingOrder, error)

	// Read-side rows for the projection folds.
	DepositsByUser(ctx context.Context, userID int64) ([]models.Deposit, error)
	GrantsByUser(ctx context.Context, userID int64) ([]models.Grant, error)
	TradesByUser(ctx context.Context, userID int64) ([]models.TradeDetail, error)

	// CancelOrder flips a resting sell order owned by userID to
	// cancelled. It serializes against in-flight matches on the same
	// order and returns models.ErrOrderNotFound when the order does
	// not exist, is not owned by userID, is not a sell order, or is
	// no longer resting.
	CancelOrder(ctx context.Context, orderID, userID int64) error

	// BeginMatch opens a match transaction for one stock. Until Commit
	// or Rollback, the transaction holds exclusive claim over the
	// stock's resting sell orders: no concurrent match or cancellation
	// may consume them.
	BeginMatch(ctx context.Context, stockID int64) (MatchTx, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// MatchTx is the atomic unit of matching: buy-order insert, trade
// inserts and sell-status updates either all commit or none do.
type MatchTx interface {
	// RestingSellOrders returns the locked resting asks for the stock,
	// excluding those owned by excludeUserID, in price-time priority
	// order with their remaining quantities.
	RestingSellOrders(ctx context.Context, stockID, excludeUserID int64) ([]RestingOrder, error)

	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error)
	SetOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error

	Commit(ctx context.Context) error
	// Rollback discards the transaction. Safe to call after Commit.
	Rollback(ctx context.Context) error
}
