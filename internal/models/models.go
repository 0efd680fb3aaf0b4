package models

import "time"

// OrderStatus tracks matching progress on an order.
type OrderStatus string

const (
	// OrderInProgress is the initial status of a resting sell order.
	OrderInProgress OrderStatus = "in_progress"
	// OrderPartiallyComplete marks a sell order with some, but not all,
	// of its quantity filled. Still eligible for matching.
	OrderPartiallyComplete OrderStatus = "partially_complete"
	// OrderCompleted is terminal: the order is fully filled. Buy orders
	// are created in this status since they match synchronously.
	OrderCompleted OrderStatus = "completed"
	// OrderCancelled is terminal: withdrawn by its owner while resting.
	OrderCancelled OrderStatus = "cancelled"
	// OrderFailed is terminal, reserved for orders that could never be
	// placed. Not reachable through the normal placement flow.
	OrderFailed OrderStatus = "failed"
)

// Resting reports whether an order in this status is still on the book
// and eligible for matching.
func (s OrderStatus) Resting() bool {
	return s == OrderInProgress || s == OrderPartiallyComplete
}

// Terminal reports whether no further status transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled || s == OrderFailed
}

// User represents a registered user. Only the ID is visible to the
// exchange core; the rest belongs to the auth layer.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Stock is a tradable instrument. Created once, never mutated.
type Stock struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Deposit is an append-only cash credit to a user's wallet.
// Amount is in the smallest currency unit.
type Deposit struct {
	ID        int64
	UserID    int64
	Amount    int64
	CreatedAt time.Time
}

// Grant is an append-only initial stock allocation. It seeds ownership
// without going through the matching engine.
type Grant struct {
	ID        int64
	UserID    int64
	StockID   int64
	Quantity  int64
	CreatedAt time.Time
}

// Order represents a sell (limit) or buy (market) order.
// LimitPrice is set for sell orders and nil for buys.
type Order struct {
	ID         int64
	UserID     int64
	StockID    int64
	Quantity   int64
	LimitPrice *int64
	Status     OrderStatus
	RequestID  string // client-supplied placement identity, unique
	CreatedAt  time.Time
}

// IsSell reports whether the order is a resting limit sell.
func (o *Order) IsSell() bool {
	return o.LimitPrice != nil
}

// Trade is the immutable record of one fill between a buy order and a
// sell order. Price is always the sell order's limit price.
type Trade struct {
	ID          int64
	SellOrderID int64
	BuyOrderID  int64
	Quantity    int64
	Price       int64
	CreatedAt   time.Time
}

// TradeDetail is a trade joined with the fields of both orders that the
// projection folds need.
type TradeDetail struct {
	Trade
	StockID          int64
	SellerID         int64
	BuyerID          int64
	BuyOrderQuantity int64
}

// StockPrice is the best current ask for a stock.
type StockPrice struct {
	StockID   int64  `json:"stock_id"`
	StockName string `json:"stock_name"`
	Price     int64  `json:"current_price"`
}

// PortfolioEntry is a user's net holding in one stock.
type PortfolioEntry struct {
	StockID       int64  `json:"stock_id"`
	StockName     string `json:"stock_name"`
	QuantityOwned int64  `json:"quantity_owned"`
}

// OrderRecord is one entry in a user's order history: either an order
// the user placed, or a fill received by one of their resting orders.
// Fill records carry ParentTxID pointing back at the parent order.
type OrderRecord struct {
	TxID       int64       `json:"stock_tx_id"`
	ParentTxID *int64      `json:"parent_stock_tx_id"`
	StockID    int64       `json:"stock_id"`
	WalletTxID *int64      `json:"wallet_tx_id"`
	Status     OrderStatus `json:"order_status"`
	IsBuy      bool        `json:"is_buy"`
	OrderType  string      `json:"order_type"` // "LIMIT" or "MARKET"
	Price      int64       `json:"stock_price"`
	Quantity   int64       `json:"quantity"`
	Timestamp  time.Time   `json:"time_stamp"`
}

// WalletEntry is one cash flow in a user's wallet history.
// IsDebit is true when the user was the buyer.
type WalletEntry struct {
	WalletTxID int64     `json:"wallet_tx_id"`
	OrderTxID  int64     `json:"stock_tx_id"`
	IsDebit    bool      `json:"is_debit"`
	Amount     int64     `json:"amount"`
	Timestamp  time.Time `json:"time_stamp"`
}

// Order type labels used in order history records.
const (
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"
)
