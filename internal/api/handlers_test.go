package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bourse/internal/auth"
	"bourse/internal/exchange"
	"bourse/internal/projection"
	"bourse/internal/store/memory"
)

// testServer wires the full stack over the in-memory store.
type testServer struct {
	t      *testing.T
	server *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	log := zerolog.Nop()
	h := NewHandler(
		exchange.NewService(store, log),
		projection.NewService(store),
		auth.NewService(store, []byte("test-secret"), time.Minute),
		store,
		log,
	)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testServer{t: t, server: srv}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (ts *testServer) do(method, path, token string, body any) (int, envelope) {
	ts.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.server.Client().Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

// register creates a user and returns a login token.
func (ts *testServer) register(name string) string {
	ts.t.Helper()

	status, _ := ts.do("POST", "/auth/register", "", map[string]string{
		"user_name": name, "password": "hunter2",
	})
	require.Equal(ts.t, http.StatusCreated, status)

	status, env := ts.do("POST", "/auth/login", "", map[string]string{
		"user_name": name, "password": "hunter2",
	})
	require.Equal(ts.t, http.StatusOK, status)

	var data struct {
		Token string `json:"token"`
	}
	require.NoError(ts.t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(ts.t, data.Token)
	return data.Token
}

func (ts *testServer) createStock(token, name string) int64 {
	ts.t.Helper()
	status, env := ts.do("POST", "/stocks", token, map[string]string{"stock_name": name})
	require.Equal(ts.t, http.StatusCreated, status)
	var data struct {
		StockID int64 `json:"stock_id"`
	}
	require.NoError(ts.t, json.Unmarshal(env.Data, &data))
	return data.StockID
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	status, env := ts.do("GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{"POST", "/wallet/deposit"},
		{"GET", "/wallet/balance"},
		{"GET", "/wallet/transactions"},
		{"POST", "/stocks"},
		{"GET", "/portfolio"},
		{"POST", "/orders"},
		{"GET", "/orders"},
		{"DELETE", "/orders/1"},
	}
	for _, p := range paths {
		t.Run(p.method+"_"+p.path, func(t *testing.T) {
			status, env := ts.do(p.method, p.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, status)
			assert.False(t, env.Success)
		})
	}

	t.Run("BadToken", func(t *testing.T) {
		status, _ := ts.do("GET", "/wallet/balance", "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	})
}

func TestRegisterLoginFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.register("alice")

	t.Run("DuplicateUsername", func(t *testing.T) {
		status, env := ts.do("POST", "/auth/register", "", map[string]string{
			"user_name": "alice", "password": "other",
		})
		assert.Equal(t, http.StatusConflict, status)
		assert.False(t, env.Success)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		status, _ := ts.do("POST", "/auth/login", "", map[string]string{
			"user_name": "alice", "password": "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, status)
	})
}

func TestDepositAndBalance(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register("alice")

	status, _ := ts.do("POST", "/wallet/deposit", token, map[string]int64{"amount": 10000})
	require.Equal(t, http.StatusOK, status)

	t.Run("NegativeAmount", func(t *testing.T) {
		status, _ := ts.do("POST", "/wallet/deposit", token, map[string]int64{"amount": -5})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	status, env := ts.do("GET", "/wallet/balance", token, nil)
	require.Equal(t, http.StatusOK, status)
	var data struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, int64(10000), data.Balance)
}

func TestTradingFlow(t *testing.T) {
	ts := newTestServer(t)
	seller := ts.register("seller")
	buyer := ts.register("buyer")

	stockID := ts.createStock(seller, "Alphabet")

	status, _ := ts.do("POST", "/stocks/grant", seller, map[string]int64{
		"stock_id": stockID, "quantity": 550,
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = ts.do("POST", "/orders", seller, map[string]any{
		"stock_id": stockID, "is_buy": false, "quantity": 550, "price": 135,
	})
	require.Equal(t, http.StatusCreated, status)

	// Best ask is visible before any trade.
	status, env := ts.do("GET", "/stocks/prices", seller, nil)
	require.Equal(t, http.StatusOK, status)
	var prices []struct {
		StockID   int64  `json:"stock_id"`
		StockName string `json:"stock_name"`
		Price     int64  `json:"current_price"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &prices))
	require.Len(t, prices, 1)
	assert.Equal(t, int64(135), prices[0].Price)

	status, _ = ts.do("POST", "/wallet/deposit", buyer, map[string]int64{"amount": 100000})
	require.Equal(t, http.StatusOK, status)

	status, _ = ts.do("POST", "/orders", buyer, map[string]any{
		"stock_id": stockID, "is_buy": true, "quantity": 10,
	})
	require.Equal(t, http.StatusCreated, status)

	// Buyer paid 10 * 135.
	status, env = ts.do("GET", "/wallet/balance", buyer, nil)
	require.Equal(t, http.StatusOK, status)
	var bal struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &bal))
	assert.Equal(t, int64(100000-1350), bal.Balance)

	// Seller was credited the proceeds.
	status, env = ts.do("GET", "/wallet/balance", seller, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &bal))
	assert.Equal(t, int64(1350), bal.Balance)

	// Buyer holds the shares.
	status, env = ts.do("GET", "/portfolio", buyer, nil)
	require.Equal(t, http.StatusOK, status)
	var portfolio []struct {
		StockID  int64 `json:"stock_id"`
		Quantity int64 `json:"quantity_owned"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &portfolio))
	require.Len(t, portfolio, 1)
	assert.Equal(t, int64(10), portfolio[0].Quantity)

	// Both sides see the trade in wallet history.
	status, env = ts.do("GET", "/wallet/transactions", buyer, nil)
	require.Equal(t, http.StatusOK, status)
	var wallet []struct {
		IsDebit bool  `json:"is_debit"`
		Amount  int64 `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &wallet))
	require.Len(t, wallet, 1)
	assert.True(t, wallet[0].IsDebit)
	assert.Equal(t, int64(1350), wallet[0].Amount)

	// Order history shows the seller's partial fill.
	status, env = ts.do("GET", "/orders", seller, nil)
	require.Equal(t, http.StatusOK, status)
	var records []struct {
		Status   string `json:"order_status"`
		Quantity int64  `json:"quantity"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &records))
	require.NotEmpty(t, records)
}

func TestBuyRejectedWithoutLiquidity(t *testing.T) {
	ts := newTestServer(t)
	buyer := ts.register("buyer")
	stockID := ts.createStock(buyer, "Alphabet")

	status, env := ts.do("POST", "/orders", buyer, map[string]any{
		"stock_id": stockID, "is_buy": true, "quantity": 10,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.False(t, env.Success)
}

func TestCancelThenBuyFails(t *testing.T) {
	ts := newTestServer(t)
	seller := ts.register("seller")
	buyer := ts.register("buyer")
	stockID := ts.createStock(seller, "Alphabet")

	status, _ := ts.do("POST", "/stocks/grant", seller, map[string]int64{
		"stock_id": stockID, "quantity": 100,
	})
	require.Equal(t, http.StatusOK, status)

	status, env := ts.do("POST", "/orders", seller, map[string]any{
		"stock_id": stockID, "is_buy": false, "quantity": 100, "price": 50,
	})
	require.Equal(t, http.StatusCreated, status)
	var placed struct {
		OrderID int64 `json:"order_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &placed))

	t.Run("OtherUserCannotCancel", func(t *testing.T) {
		status, _ := ts.do("DELETE", fmt.Sprintf("/orders/%d", placed.OrderID), buyer, nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	status, _ = ts.do("DELETE", fmt.Sprintf("/orders/%d", placed.OrderID), seller, nil)
	require.Equal(t, http.StatusOK, status)

	t.Run("DoubleCancel", func(t *testing.T) {
		status, _ := ts.do("DELETE", fmt.Sprintf("/orders/%d", placed.OrderID), seller, nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	// The cancelled order no longer provides liquidity.
	status, _ = ts.do("POST", "/orders", buyer, map[string]any{
		"stock_id": stockID, "is_buy": true, "quantity": 10,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestIdempotentOrderPlacement(t *testing.T) {
	ts := newTestServer(t)
	seller := ts.register("seller")
	stockID := ts.createStock(seller, "Alphabet")

	status, _ := ts.do("POST", "/stocks/grant", seller, map[string]int64{
		"stock_id": stockID, "quantity": 100,
	})
	require.Equal(t, http.StatusOK, status)

	body := map[string]any{
		"stock_id": stockID, "is_buy": false, "quantity": 100, "price": 50,
		"request_id": "req-abc",
	}
	status, _ = ts.do("POST", "/orders", seller, body)
	require.Equal(t, http.StatusCreated, status)

	status, env := ts.do("POST", "/orders", seller, body)
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, env.Success)
}

func TestPlaceOrderValidation(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register("alice")
	stockID := ts.createStock(token, "Alphabet")

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			name: "ZeroQuantity",
			body: map[string]any{"stock_id": stockID, "is_buy": false, "quantity": 0, "price": 50},
			want: http.StatusBadRequest,
		},
		{
			name: "ZeroPriceSell",
			body: map[string]any{"stock_id": stockID, "is_buy": false, "quantity": 10, "price": 0},
			want: http.StatusBadRequest,
		},
		{
			name: "UnknownStock",
			body: map[string]any{"stock_id": int64(999), "is_buy": false, "quantity": 10, "price": 50},
			want: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := ts.do("POST", "/orders", token, tt.body)
			assert.Equal(t, tt.want, status)
		})
	}
}
