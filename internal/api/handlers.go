// Package api maps the exchange core onto HTTP/JSON. Routing, request
// parsing and identity resolution live here; all domain behavior is
// delegated to the exchange, projection and auth services.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bourse/internal/auth"
	"bourse/internal/exchange"
	"bourse/internal/ledger"
	"bourse/internal/models"
	"bourse/internal/projection"
)

type ctxKey int

const userIDKey ctxKey = 0

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Exchange   *exchange.Service
	Projection *projection.Service
	Auth       *auth.Service
	Store      ledger.Store
	Log        zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(ex *exchange.Service, proj *projection.Service, authSvc *auth.Service, store ledger.Store, log zerolog.Logger) *Handler {
	return &Handler{Exchange: ex, Projection: proj, Auth: authSvc, Store: store, Log: log}
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

// respondDomainError maps sentinel errors to HTTP status codes.
// Unknown errors are reported as storage failures: the request may or
// may not have applied, and an idempotent retry is the safe recovery.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	var inv *models.InvariantError
	switch {
	case errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrStockNotFound),
		errors.Is(err, models.ErrOrderNotFound),
		errors.Is(err, models.ErrUserNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrUsernameTaken),
		errors.Is(err, models.ErrStockNameTaken),
		errors.Is(err, models.ErrDuplicateRequest):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInsufficientLiquidity):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &inv):
		h.Log.Error().Err(err).Msg("matching invariant violated")
		respondError(w, http.StatusInternalServerError, "internal error")
	default:
		h.Log.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "storage error")
	}
}

// Register handles user registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"user_name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"id": user.ID, "user_name": user.Username})
}

// Login handles user login and returns a JWT.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"user_name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"token": token})
}

// Healthz pings the ledger store.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	respond(w, http.StatusOK, nil)
}

// JWTAuthMiddleware verifies bearer tokens and stores the resolved
// user ID in the request context.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			respondError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.Auth.UserFromToken(tokenString)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) (int64, bool) {
	id, ok := r.Context().Value(userIDKey).(int64)
	return id, ok
}

// Deposit adds money to the caller's wallet.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Exchange.Deposit(r.Context(), uid, req.Amount); err != nil {
		h.respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

// GetBalance returns the caller's derived cash balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	balance, err := h.Projection.Balance(r.Context(), uid)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int64{"balance": balance})
}

// GetWalletHistory returns the caller's cash-flow records.
func (h *Handler) GetWalletHistory(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	entries, err := h.Projection.WalletHistory(r.Context(), uid)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []models.WalletEntry{}
	}
	respond(w, http.StatusOK, entries)
}

// CreateStock registers a new stock.
func (h *Handler) CreateStock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StockName string `json:"stock_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stock, err := h.Exchange.CreateStock(r.Context(), req.StockName)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]int64{"stock_id": stock.ID})
}

// GrantStock allocates initial shares to the caller.
func (h *Handler) GrantStock(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		StockID  int64 `json:"stock_id"`
		Quantity int64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Exchange.GrantStock(r.Context(), uid, req.StockID, req.Quantity); err != nil {
		h.respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

// GetStockPrices returns the best ask per stock.
func (h *Handler) GetStockPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := h.Projection.StockPrices(r.Context())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if prices == nil {
		prices = []models.StockPrice{}
	}
	respond(w, http.StatusOK, prices)
}

// GetPortfolio returns the caller's derived stock holdings.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	entries, err := h.Projection.Portfolio(r.Context(), uid)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PortfolioEntry{}
	}
	respond(w, http.StatusOK, entries)
}

// PlaceOrder places a limit sell or market buy order. The optional
// request_id makes the placement idempotent: replaying it after an
// ambiguous failure cannot double-place.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		StockID   int64  `json:"stock_id"`
		IsBuy     bool   `json:"is_buy"`
		Quantity  int64  `json:"quantity"`
		Price     int64  `json:"price"`
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	var (
		order *models.Order
		err   error
	)
	if req.IsBuy {
		order, err = h.Exchange.PlaceBuyOrder(r.Context(), uid, req.StockID, req.Quantity, req.RequestID)
	} else {
		order, err = h.Exchange.PlaceSellOrder(r.Context(), uid, req.StockID, req.Quantity, req.Price, req.RequestID)
	}
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"order_id": order.ID, "request_id": req.RequestID})
}

// CancelOrder withdraws one of the caller's resting sell orders.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	if err := h.Exchange.CancelOrder(r.Context(), uid, orderID); err != nil {
		h.respondDomainError(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

// GetOrderHistory returns the caller's merged order and fill records.
func (h *Handler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	records, err := h.Projection.OrderHistory(r.Context(), uid)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if records == nil {
		records = []models.OrderRecord{}
	}
	respond(w, http.StatusOK, records)
}
