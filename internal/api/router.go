/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * authentication, rate limiting and idempotency middleware.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/thrifty/ledger-service/internal/app"
	"github.com/thrifty/ledger-service/internal/domain"
	"go.uber.org/zap"
)

// RouterOptions carries the optional pieces of the HTTP stack.
type RouterOptions struct {
	Authenticator    *Authenticator
	Idempotency      *IdempotencyCache
	RateLimiter      RateLimiter
	MoneyRateLimit   app.RateLimitPolicy
	AccountOpenLimit app.RateLimitPolicy
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *Handlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(opts.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		ExposedHeaders:   []string{"Retry-After", "X-Idempotency-Hit", "Idempotent-Replayed"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", h.HealthHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(opts.Authenticator.Middleware)

		r.Route("/accounts", func(r chi.Router) {
			r.With(RateLimit(opts.RateLimiter, opts.AccountOpenLimit, opts.Logger)).Post("/", h.CreateAccountHandler)
			r.Get("/{number}", h.GetAccountHandler)
			r.Get("/{number}/balance", h.GetBalanceHandler)
			r.Get("/{number}/transactions", h.ListTransactionsHandler)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(domain.RoleAdmin))
			r.Get("/accounts", h.AdminSearchAccountsHandler)
			r.Get("/accounts/{id}", h.AdminGetAccountHandler)
		})

		// Money movement
		r.Route("/transactions", func(r chi.Router) {
			r.Use(RateLimit(opts.RateLimiter, opts.MoneyRateLimit, opts.Logger))
			r.Use(opts.Idempotency.Middleware)
			r.Post("/deposit", h.DepositHandler)
			r.Post("/withdraw", h.WithdrawHandler)
			r.Post("/transfer/internal", h.InternalTransferHandler)
			r.Post("/transfer/external", h.ExternalTransferHandler)
			r.Post("/bill-payment", h.BillPaymentHandler)
		})

		r.Route("/savings-groups", func(r chi.Router) {
			r.Post("/", h.CreateSavingsGroupHandler)
			r.Get("/{id}", h.GetSavingsGroupHandler)
			r.Delete("/{id}", h.DeleteSavingsGroupHandler)
			r.Get("/{id}/members", h.ListMembersHandler)
			r.Post("/{id}/members", h.AddMemberHandler)
			r.Delete("/{id}/members/{userId}", h.RemoveMemberHandler)
			r.With(opts.Idempotency.Middleware).Post("/{id}/contributions", h.ContributeHandler)
		})
	})

	return r
}

func allowedOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
