package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Router builds the chi router with all routes and middleware.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(h.requestLogger)

	// Public endpoints.
	r.Get("/healthz", h.Healthz)
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	// Protected endpoints (require JWT).
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Post("/wallet/deposit", h.Deposit)
		r.Get("/wallet/balance", h.GetBalance)
		r.Get("/wallet/transactions", h.GetWalletHistory)

		r.Post("/stocks", h.CreateStock)
		r.Post("/stocks/grant", h.GrantStock)
		r.Get("/stocks/prices", h.GetStockPrices)

		r.Get("/portfolio", h.GetPortfolio)

		r.Post("/orders", h.PlaceOrder)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/orders", h.GetOrderHistory)
	})

	return r
}

// requestLogger emits one structured log line per request.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
