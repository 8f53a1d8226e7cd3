package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/obol/internal/auth"
	"github.com/alecgard/obol/internal/billing"
	"github.com/alecgard/obol/internal/ledger"
	"github.com/alecgard/obol/internal/metrics"
	"github.com/alecgard/obol/internal/ratelimit"
)

// LedgerStore is the subset of ledger operations the HTTP handlers need.
type LedgerStore interface {
	CreateAccount(ctx context.Context, in ledger.CreateAccountInput) (*ledger.Account, error)
	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
	GetTransaction(ctx context.Context, txID string) (*ledger.Transaction, error)
	Adjust(ctx context.Context, in ledger.AdjustInput) (*ledger.Transaction, error)
	ListTransactions(ctx context.Context, q ledger.Query) ([]*ledger.Transaction, string, error)
}

// BillingRunner executes one metered completion request.
type BillingRunner interface {
	Run(ctx context.Context, req billing.Request, sink func(text string) error) (*billing.Receipt, error)
}

// Pinger reports database liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Ledger         LedgerStore
	Billing        BillingRunner
	Auth           *auth.Service
	Limiter        *ratelimit.Limiter
	Metrics        *metrics.Metrics
	DB             Pinger
	AdminKeyHash   string
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)

	// Handlers.
	accounts := newAccountsHandler(deps.Ledger)
	admin := newAdminHandler(deps.Ledger)
	completions := newCompletionsHandler(deps.Billing)

	// Health check with a DB ping.
	r.Get("/health", healthHandler(deps.DB))

	// Metrics.
	if deps.Metrics != nil {
		r.Get("/metrics/summary", deps.Metrics.Handler())
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Account-authed routes (API key + rate limiting).
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(auth.AccountAuthMiddleware(deps.Auth))
		ar.Use(ratelimit.Middleware(deps.Limiter, rateLimitRejectFns(deps.Metrics)...))

		ar.Post("/completions", completions.Create)
		ar.Get("/accounts/me/balance", accounts.GetBalance)
		ar.Get("/accounts/me/transactions", accounts.ListTransactions)
	})

	// Admin routes (require the admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKeyHash))

		ar.Post("/accounts", admin.CreateAccount)
		ar.Get("/accounts/{id}", admin.GetAccount)
		ar.Get("/accounts/{id}/balance", admin.GetBalance)
		ar.Post("/accounts/{id}/adjustments", admin.CreateAdjustment)
		ar.Get("/transactions", admin.ListTransactions)
		ar.Get("/transactions/{id}", admin.GetTransaction)
	})

	return r
}

func rateLimitRejectFns(m *metrics.Metrics) []func() {
	if m == nil {
		return nil
	}
	return []func(){m.IncRateLimitRejection}
}

// healthHandler reports service and database liveness. A nil pinger means the
// handler only reports process health.
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":   "degraded",
					"database": "unreachable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"database": "connected",
		})
	}
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
		)
	})
}
