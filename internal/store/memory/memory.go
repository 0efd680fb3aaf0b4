// Package memory implements the ledger on in-process indexed maps.
// It provides the same ordering and atomicity guarantees as the
// Postgres store and backs unit tests and the dev-mode server.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"bourse/internal/ledger"
	"bourse/internal/models"
)

// askEntry is one resting sell order in a stock's ask index.
type askEntry struct {
	price     int64
	createdAt time.Time
	orderID   int64
}

// askLess orders asks by price ascending, then created_at ascending,
// then order id ascending, so Min() is the best ask.
func askLess(a, b askEntry) bool {
	if a.price != b.price {
		return a.price < b.price
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.orderID < b.orderID
}

// Store is a thread-safe in-memory ledger. A match transaction holds
// the write lock from BeginMatch until Commit or Rollback, which
// serializes concurrent matches and makes cancel-vs-match exclusive.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	nextUserID    int64
	nextStockID   int64
	nextDepositID int64
	nextGrantID   int64
	nextOrderID   int64
	nextTradeID   int64

	usersByID   map[int64]*models.User
	usersByName map[string]*models.User
	stocks      map[int64]*models.Stock
	stockNames  map[string]int64
	deposits    map[int64][]models.Deposit // user id → deposits
	grants      map[int64][]models.Grant   // user id → grants
	orders      map[int64]*models.Order
	userOrders  map[int64][]int64                   // user id → order ids
	asks        map[int64]*btree.BTreeG[askEntry]   // stock id → resting asks
	trades      []models.Trade
	fills       map[int64]int64  // sell order id → filled quantity
	requestIDs  map[string]int64 // placement request id → order id
}

// New creates an empty Store using the wall clock.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty Store with an injected clock. The clock
// must be monotonically non-decreasing; creation timestamps feed the
// time-priority tie-break.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:         now,
		usersByID:   make(map[int64]*models.User),
		usersByName: make(map[string]*models.User),
		stocks:      make(map[int64]*models.Stock),
		stockNames:  make(map[string]int64),
		deposits:    make(map[int64][]models.Deposit),
		grants:      make(map[int64][]models.Grant),
		orders:      make(map[int64]*models.Order),
		userOrders:  make(map[int64][]int64),
		asks:        make(map[int64]*btree.BTreeG[askEntry]),
		fills:       make(map[int64]int64),
		requestIDs:  make(map[string]int64),
	}
}

// Ping implements ledger.Store.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// CreateUser adds a user. Usernames are unique.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByName[username]; ok {
		return nil, models.ErrUsernameTaken
	}
	s.nextUserID++
	u := &models.User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    s.now(),
	}
	s.usersByID[u.ID] = u
	s.usersByName[u.Username] = u
	out := *u
	return &out, nil
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.usersByName[username]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	out := *u
	return &out, nil
}

// CreateStock adds a stock. Names are unique.
func (s *Store) CreateStock(ctx context.Context, name string) (*models.Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stockNames[name]; ok {
		return nil, models.ErrStockNameTaken
	}
	s.nextStockID++
	st := &models.Stock{ID: s.nextStockID, Name: name, CreatedAt: s.now()}
	s.stocks[st.ID] = st
	s.stockNames[st.Name] = st.ID
	out := *st
	return &out, nil
}

// GetStock retrieves a stock by ID.
func (s *Store) GetStock(ctx context.Context, stockID int64) (*models.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stocks[stockID]
	if !ok {
		return nil, models.ErrStockNotFound
	}
	out := *st
	return &out, nil
}

// ListStocks returns all stocks in creation order.
func (s *Store) ListStocks(ctx context.Context) ([]models.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Stock, 0, len(s.stocks))
	for id := int64(1); id <= s.nextStockID; id++ {
		if st, ok := s.stocks[id]; ok {
			out = append(out, *st)
		}
	}
	return out, nil
}

// AppendDeposit records a cash deposit for a user.
func (s *Store) AppendDeposit(ctx context.Context, userID, amount int64) (*models.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByID[userID]; !ok {
		return nil, models.ErrUserNotFound
	}
	s.nextDepositID++
	d := models.Deposit{ID: s.nextDepositID, UserID: userID, Amount: amount, CreatedAt: s.now()}
	s.deposits[userID] = append(s.deposits[userID], d)
	return &d, nil
}

// AppendGrant records an initial stock allocation for a user.
func (s *Store) AppendGrant(ctx context.Context, userID, stockID, quantity int64) (*models.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByID[userID]; !ok {
		return nil, models.ErrUserNotFound
	}
	if _, ok := s.stocks[stockID]; !ok {
		return nil, models.ErrStockNotFound
	}
	s.nextGrantID++
	g := models.Grant{ID: s.nextGrantID, UserID: userID, StockID: stockID, Quantity: quantity, CreatedAt: s.now()}
	s.grants[userID] = append(s.grants[userID], g)
	return &g, nil
}

// CreateOrder inserts an order outside a match transaction. Used for
// resting sell orders; the order's RequestID, if set, must be unused.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertOrderLocked(order)
}

// insertOrderLocked assigns an ID and timestamp and indexes the order.
// Caller holds the write lock.
func (s *Store) insertOrderLocked(order *models.Order) (*models.Order, error) {
	if order.RequestID != "" {
		if _, ok := s.requestIDs[order.RequestID]; ok {
			return nil, models.ErrDuplicateRequest
		}
	}
	s.nextOrderID++
	o := *order
	o.ID = s.nextOrderID
	o.CreatedAt = s.now()
	if o.LimitPrice != nil {
		p := *order.LimitPrice
		o.LimitPrice = &p
	}
	s.orders[o.ID] = &o
	s.userOrders[o.UserID] = append(s.userOrders[o.UserID], o.ID)
	if o.RequestID != "" {
		s.requestIDs[o.RequestID] = o.ID
	}
	if o.IsSell() && o.Status.Resting() {
		s.askIndex(o.StockID).ReplaceOrInsert(askEntry{
			price:     *o.LimitPrice,
			createdAt: o.CreatedAt,
			orderID:   o.ID,
		})
	}
	out := o
	return &out, nil
}

func (s *Store) askIndex(stockID int64) *btree.BTreeG[askEntry] {
	const degree = 32
	idx, ok := s.asks[stockID]
	if !ok {
		idx = btree.NewG[askEntry](degree, askLess)
		s.asks[stockID] = idx
	}
	return idx
}

// GetOrder retrieves an order by ID.
func (s *Store) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	out := *o
	return &out, nil
}

// OrdersByUser returns a user's orders in creation order.
func (s *Store) OrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.userOrders[userID]
	out := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.orders[id])
	}
	return out, nil
}

// RestingSellOrders returns the resting asks for a stock in price-time
// priority order, without locking them.
func (s *Store) RestingSellOrders(ctx context.Context, stockID int64) ([]ledger.RestingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restingLocked(stockID, 0), nil
}

// restingLocked walks the ask index. excludeUserID 0 excludes nobody.
// Caller holds at least the read lock.
func (s *Store) restingLocked(stockID, excludeUserID int64) []ledger.RestingOrder {
	idx, ok := s.asks[stockID]
	if !ok {
		return nil
	}
	var out []ledger.RestingOrder
	idx.Ascend(func(e askEntry) bool {
		o := s.orders[e.orderID]
		if excludeUserID != 0 && o.UserID == excludeUserID {
			return true
		}
		out = append(out, ledger.RestingOrder{
			Order:     *o,
			Remaining: o.Quantity - s.fills[o.ID],
		})
		return true
	})
	return out
}

// DepositsByUser returns a user's deposits in creation order.
func (s *Store) DepositsByUser(ctx context.Context, userID int64) ([]models.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Deposit(nil), s.deposits[userID]...), nil
}

// GrantsByUser returns a user's grants in creation order.
func (s *Store) GrantsByUser(ctx context.Context, userID int64) ([]models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Grant(nil), s.grants[userID]...), nil
}

// TradesByUser returns every trade in which the user participated, as
// buyer or seller, in creation order.
func (s *Store) TradesByUser(ctx context.Context, userID int64) ([]models.TradeDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.TradeDetail
	for _, t := range s.trades {
		sell := s.orders[t.SellOrderID]
		buy := s.orders[t.BuyOrderID]
		if sell.UserID != userID && buy.UserID != userID {
			continue
		}
		out = append(out, models.TradeDetail{
			Trade:            t,
			StockID:          sell.StockID,
			SellerID:         sell.UserID,
			BuyerID:          buy.UserID,
			BuyOrderQuantity: buy.Quantity,
		})
	}
	return out, nil
}

// CancelOrder flips a resting sell order owned by userID to cancelled
// and removes it from the ask index. All failure modes collapse to
// models.ErrOrderNotFound.
func (s *Store) CancelOrder(ctx context.Context, orderID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.UserID != userID || !o.IsSell() || !o.Status.Resting() {
		return models.ErrOrderNotFound
	}
	o.Status = models.OrderCancelled
	if idx, ok := s.asks[o.StockID]; ok {
		idx.Delete(askEntry{price: *o.LimitPrice, createdAt: o.CreatedAt, orderID: o.ID})
	}
	return nil
}

// BeginMatch opens a match transaction. The store's write lock is held
// until Commit or Rollback, so the transaction has exclusive claim on
// the stock's resting asks.
func (s *Store) BeginMatch(ctx context.Context, stockID int64) (ledger.MatchTx, error) {
	s.mu.RLock()
	_, ok := s.stocks[stockID]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrStockNotFound
	}

	s.mu.Lock()
	return &matchTx{store: s}, nil
}

// matchTx stages writes while holding the store lock and applies them
// on Commit. Rollback discards the staged writes.
type matchTx struct {
	store    *Store
	orders   []*models.Order
	trades   []*models.Trade
	statuses []statusUpdate
	done     bool
}

type statusUpdate struct {
	orderID int64
	status  models.OrderStatus
}

func (tx *matchTx) RestingSellOrders(ctx context.Context, stockID, excludeUserID int64) ([]ledger.RestingOrder, error) {
	return tx.store.restingLocked(stockID, excludeUserID), nil
}

func (tx *matchTx) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	s := tx.store
	if order.RequestID != "" {
		if _, ok := s.requestIDs[order.RequestID]; ok {
			return nil, models.ErrDuplicateRequest
		}
	}
	s.nextOrderID++
	o := *order
	o.ID = s.nextOrderID
	o.CreatedAt = s.now()
	tx.orders = append(tx.orders, &o)
	out := o
	return &out, nil
}

func (tx *matchTx) CreateTrade(ctx context.Context, trade *models.Trade) (*models.Trade, error) {
	s := tx.store
	s.nextTradeID++
	t := *trade
	t.ID = s.nextTradeID
	t.CreatedAt = s.now()
	tx.trades = append(tx.trades, &t)
	out := t
	return &out, nil
}

func (tx *matchTx) SetOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	if _, ok := tx.store.orders[orderID]; !ok {
		return models.ErrOrderNotFound
	}
	tx.statuses = append(tx.statuses, statusUpdate{orderID: orderID, status: status})
	return nil
}

// Commit applies the staged writes and releases the store lock.
func (tx *matchTx) Commit(ctx context.Context) error {
	if tx.done {
		return nil
	}
	s := tx.store
	for _, o := range tx.orders {
		s.orders[o.ID] = o
		s.userOrders[o.UserID] = append(s.userOrders[o.UserID], o.ID)
		if o.RequestID != "" {
			s.requestIDs[o.RequestID] = o.ID
		}
		if o.IsSell() && o.Status.Resting() {
			s.askIndex(o.StockID).ReplaceOrInsert(askEntry{
				price:     *o.LimitPrice,
				createdAt: o.CreatedAt,
				orderID:   o.ID,
			})
		}
	}
	for _, t := range tx.trades {
		s.trades = append(s.trades, *t)
		s.fills[t.SellOrderID] += t.Quantity
	}
	for _, u := range tx.statuses {
		o := s.orders[u.orderID]
		o.Status = u.status
		if o.IsSell() && !u.status.Resting() {
			if idx, ok := s.asks[o.StockID]; ok {
				idx.Delete(askEntry{price: *o.LimitPrice, createdAt: o.CreatedAt, orderID: o.ID})
			}
		}
	}
	tx.done = true
	s.mu.Unlock()
	return nil
}

// Rollback discards staged writes and releases the store lock.
// Safe to call after Commit.
func (tx *matchTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.mu.Unlock()
	return nil
}
