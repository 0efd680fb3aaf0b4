// Package postgres implements the ledger on PostgreSQL via pgx.
// Matching and cancellation serialize through row-level locks
// (SELECT ... FOR UPDATE) on the candidate sell orders.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bourse/internal/ledger"
	"bourse/internal/models"
)

//go:embed migrations/001_init.sql
var initSQL string

// Store wraps a PostgreSQL connection pool.
type Store struct {
	Pool *pgxpool.Pool
}

// New initializes a new database connection pool.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Store{Pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.Pool.Close()
}

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, initSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// uniqueViolation reports whether err is a unique-constraint violation.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := s.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if uniqueViolation(err) {
			return nil, models.ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := s.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateStock inserts a new stock.
func (s *Store) CreateStock(ctx context.Context, name string) (*models.Stock, error) {
	stock := &models.Stock{}
	err := s.Pool.QueryRow(ctx,
		"INSERT INTO stocks (name) VALUES ($1) RETURNING id, name, created_at",
		name).Scan(&stock.ID, &stock.Name, &stock.CreatedAt)
	if err != nil {
		if uniqueViolation(err) {
			return nil, models.ErrStockNameTaken
		}
		return nil, fmt.Errorf("failed to create stock: %w", err)
	}
	return stock, nil
}

// GetStock retrieves a stock by ID.
func (s *Store) GetStock(ctx context.Context, stockID int64) (*models.Stock, error) {
	stock := &models.Stock{}
	err := s.Pool.QueryRow(ctx,
		"SELECT id, name, created_at FROM stocks WHERE id = $1",
		stockID).Scan(&stock.ID, &stock.Name, &stock.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrStockNotFound
		}
		return nil, fmt.Errorf("failed to get stock: %w", err)
	}
	return stock, nil
}

// ListStocks returns all stocks in creation order.
func (s *Store) ListStocks(ctx context.Context) ([]models.Stock, error) {
	rows, err := s.Pool.Query(ctx, "SELECT id, name, created_at FROM stocks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list stocks: %w", err)
	}
	defer rows.Close()

	var stocks []models.Stock
	for rows.Next() {
		var st models.Stock
		if err := rows.Scan(&st.ID, &st.Name, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		stocks = append(stocks, st)
	}
	return stocks, rows.Err()
}

// AppendDeposit records a cash deposit for a user.
func (s *Store) AppendDeposit(ctx context.Context, userID, amount int64) (*models.Deposit, error) {
	d := &models.Deposit{}
	err := s.Pool.QueryRow(ctx,
		"INSERT INTO deposits (user_id, amount) VALUES ($1, $2) RETURNING id, user_id, amount, created_at",
		userID, amount).Scan(&d.ID, &d.UserID, &d.Amount, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append deposit: %w", err)
	}
	return d, nil
}

// AppendGrant records an initial stock allocation for a user.
func (s *Store) AppendGrant(ctx context.Context, userID, stockID, quantity int64) (*models.Grant, error) {
	g := &models.Grant{}
	err := s.Pool.QueryRow(ctx,
		"INSERT INTO grants (user_id, stock_id, quantity) VALUES ($1, $2, $3) RETURNING id, user_id, stock_id, quantity, created_at",
		userID, stockID, quantity).Scan(&g.ID, &g.UserID, &g.StockID, &g.Quantity, &g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append grant: %w", err)
	}
	return g, nil
}

const insertOrderSQL = `INSERT INTO orders (user_id, stock_id, quantity, limit_price, status, request_id)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
RETURNING id, user_id, stock_id, quantity, limit_price, status, COALESCE(request_id, ''), created_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.StockID, &o.Quantity, &o.LimitPrice, &o.Status, &o.RequestID, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CreateOrder inserts an order outside a match transaction.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	o, err := scanOrder(s.Pool.QueryRow(ctx, insertOrderSQL,
		order.UserID, order.StockID, order.Quantity, order.LimitPrice, order.Status, order.RequestID))
	if err != nil {
		if uniqueViolation(err) {
			return nil, models.ErrDuplicateRequest
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return o, nil
}

const selectOrderSQL = `SELECT id, user_id, stock_id, quantity, limit_price, status, COALESCE(request_id, ''), created_at FROM orders`

// GetOrder retrieves an order by ID.
func (s *Store) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, err := scanOrder(s.Pool.QueryRow(ctx, selectOrderSQL+" WHERE id = $1", orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// OrdersByUser returns a user's orders in creation order.
func (s *Store) OrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	rows, err := s.Pool.Query(ctx, selectOrderSQL+" WHERE user_id = $1 ORDER BY id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

const restingSQL = `SELECT o.id, o.user_id, o.stock_id, o.quantity, o.limit_price, o.status, COALESCE(o.request_id, ''), o.created_at,
       o.quantity - COALESCE((SELECT SUM(t.quantity) FROM trades t WHERE t.sell_order_id = o.id), 0) AS remaining
FROM orders o
WHERE o.stock_id = $1 AND o.status IN ('in_progress', 'partially_complete')
ORDER BY o.limit_price ASC, o.created_at ASC, o.id ASC`

// RestingSellOrders returns the resting asks for a stock in price-time
// priority order, without locking.
func (s *Store) RestingSellOrders(ctx context.Context, stockID int64) ([]ledger.RestingOrder, error) {
	rows, err := s.Pool.Query(ctx, restingSQL, stockID)
	if err != nil {
		return nil, fmt.Errorf("failed to get resting orders: %w", err)
	}
	defer rows.Close()
	return scanResting(rows)
}

func scanResting(rows pgx.Rows) ([]ledger.RestingOrder, error) {
	var out []ledger.RestingOrder
	for rows.Next() {
		var r ledger.RestingOrder
		err := rows.Scan(&r.ID, &r.UserID, &r.StockID, &r.Quantity, &r.LimitPrice, &r.Status, &r.RequestID, &r.CreatedAt, &r.Remaining)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resting order: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DepositsByUser returns a user's deposits in creation order.
func (s *Store) DepositsByUser(ctx context.Context, userID int64) ([]models.Deposit, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT id, user_id, amount, created_at FROM deposits WHERE user_id = $1 ORDER BY id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get deposits: %w", err)
	}
	defer rows.Close()

	var deposits []models.Deposit
	for rows.Next() {
		var d models.Deposit
		if err := rows.Scan(&d.ID, &d.UserID, &d.Amount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deposit: %w", err)
		}
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

// GrantsByUser returns a user's grants in creation order.
func (s *Store) GrantsByUser(ctx context.Context, userID int64) ([]models.Grant, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT id, user_id, stock_id, quantity, created_at FROM grants WHERE user_id = $1 ORDER BY id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get grants: %w", err)
	}
	defer rows.Close()

	var grants []models.Grant
	for rows.Next() {
		var g models.Grant
		if err := rows.Scan(&g.ID, &g.UserID, &g.StockID, &g.Quantity, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// TradesByUser returns every trade in which the user participated, as
// buyer or seller, in creation order.
func (s *Store) TradesByUser(ctx context.Context, userID int64) ([]models.TradeDetail, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT t.id, t.sell_order_id, t.buy_order_id, t.quantity, t.price, t.created_at,
		       os.stock_id, os.user_id, ob.user_id, ob.quantity
		FROM trades t
		JOIN orders os ON os.id = t.sell_order_id
		JOIN orders ob ON ob.id = t.buy_order_id
		WHERE os.user_id = $1 OR ob.user_id = $1
		ORDER BY t.id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeDetail
	for rows.Next() {
		var td models.TradeDetail
		err := rows.Scan(&td.ID, &td.SellOrderID, &td.BuyOrderID, &td.Quantity, &td.Price, &td.CreatedAt,
			&td.StockID, &td.SellerID, &td.BuyerID, &td.BuyOrderQuantity)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, td)
	}
	return trades, rows.Err()
}

// CancelOrder cancels a resting sell order owned by the user. The row
// lock makes cancellation mutually exclusive with in-flight matches
// against the same order.
func (s *Store) CancelOrder(ctx context.Context, orderID, userID int64) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.OrderStatus
	err = tx.QueryRow(ctx,
		"SELECT status FROM orders WHERE id = $1 AND user_id = $2 AND limit_price IS NOT NULL FOR UPDATE",
		orderID, userID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrOrderNotFound
		}
		return fmt.Errorf("failed to get order: %w", err)
	}
	if !status.Resting() {
		return models.ErrOrderNotFound
	}

	if _, err := tx.Exec(ctx,
		"UPDATE orders SET status = $1 WHERE id = $2", models.OrderCancelled, orderID); err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// BeginMatch opens a match transaction for one stock.
func (s *Store) BeginMatch(ctx context.Context, stockID int64) (ledger.MatchTx, error) {
	if _, err := s.GetStock(ctx, stockID); err != nil {
		return nil, err
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin match transaction: %w", err)
	}
	return &matchTx{tx: tx}, nil
}

type matchTx struct {
	tx pgx.Tx
}

// RestingSellOrders locks the stock's resting asks (FOR UPDATE) so
// concurrent matches serialize per stock and a racing cancel blocks
// until this transaction finishes. Remaining quantities are computed
// after the lock is held, so they cannot be stale.
func (m *matchTx) RestingSellOrders(ctx context.Context, stockID, excludeUserID int64) ([]ledger.RestingOrder, error) {
	// FOR UPDATE cannot be combined with aggregation, so lock first,
	// then read fill sums within the same transaction.
	rows, err := m.tx.Query(ctx, `
		SELECT id, user_id, stock_id, quantity, limit_price, status, COALESCE(request_id, ''), created_at
		FROM orders
		WHERE stock_id = $1 AND status IN ('in_progress', 'partially_complete') AND user_id <> $2
		ORDER BY limit_price ASC, created_at ASC, id ASC
		FOR UPDATE`,
		stockID, excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock resting orders: %w", err)
	}
	defer rows.Close()

	var out []ledger.RestingOrder
	var ids []int64
	for rows.Next() {
		var r ledger.RestingOrder
		err := rows.Scan(&r.ID, &r.UserID, &r.StockID, &r.Quantity, &r.LimitPrice, &r.Status, &r.RequestID, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resting order: %w", err)
		}
		r.Remaining = r.Quantity
		out = append(out, r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return out, nil
	}

	fillRows, err := m.tx.Query(ctx,
		"SELECT sell_order_id, SUM(quantity) FROM trades WHERE sell_order_id = ANY($1) GROUP BY sell_order_id", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get fill sums: %w", err)
	}
	defer fillRows.Close()

	filled := make(map[int64]int64, len(ids))
	for fillRows.Next() {
		var id, sum int64
		if err := fillRows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan fill sum: %w", err)
		}
		filled[id] = sum
	}
	if err := fillRows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Remaining = out[i].Quantity - filled[out[i].ID]
	}
	return out, nil
}

func (m *matchTx) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	o, err := scanOrder(m.tx.QueryRow(ctx, insertOrderSQL,
		order.UserID, order.StockID, order.Quantity, order.LimitPrice, order.Status, order.RequestID))
	if err != nil {
		if uniqueViolation(err) {
			return nil, models.ErrDuplicateRequest
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return o, nil
}

func (m *matchTx) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	t := &models.Trade{}
	err := m.tx.QueryRow(ctx,
		"INSERT INTO trades (sell_order_id, buy_order_id, quantity, price) VALUES ($1, $2, $3, $4) RETURNING id, sell_order_id, buy_order_id, quantity, price, created_at",
		trade.SellOrderID, trade.BuyOrderID, trade.Quantity, trade.Price).Scan(
		&t.ID, &t.SellOrderID, &t.BuyOrderID, &t.Quantity, &t.Price, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return t, nil
}

func (m *matchTx) SetOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	tag, err := m.tx.Exec(ctx, "UPDATE orders SET status = $1 WHERE id = $2", status, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrOrderNotFound
	}
	return nil
}

func (m *matchTx) Commit(ctx context.Context) error {
	if err := m.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit match transaction: %w", err)
	}
	return nil
}

func (m *matchTx) Rollback(ctx context.Context) error {
	err := m.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to roll back match transaction: %w", err)
	}
	return nil
}
