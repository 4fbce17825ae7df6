package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pnlduel/duel-engine/internal/metrics"
	"github.com/pnlduel/duel-engine/internal/notify"
)

// NewRouter mounts the API, health and metrics endpoints. hub may be nil.
func NewRouter(h *Handler, hub *notify.WSHub) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for browser clients.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+ParticipantHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"duel-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of duel activity.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		// Duel lifecycle.
		r.Get("/duels", h.ListDuels)
		r.Post("/duels", h.CreateDuel)
		r.Get("/duels/{duelID}", h.GetDuel)
		r.Post("/duels/{duelID}/join", h.JoinDuel)
		r.Post("/duels/{duelID}/resolve", h.ResolveDuel)
		r.Post("/duels/{duelID}/refund", h.RefundDuel)
		r.Get("/duels/{duelID}/standings", h.Standings)

		// Trading. Fills made elsewhere are reported by trusted executors;
		// participants trade through swap.
		r.Get("/duels/{duelID}/trades", h.ListTrades)
		r.Post("/duels/{duelID}/trades", h.RecordTrade)
		r.Post("/duels/{duelID}/swap", h.Swap)

		// Accounts. Deposits are operator-only.
		r.Get("/accounts/{account}", h.GetAccount)
		r.Post("/accounts/{account}/deposit", h.Deposit)
	})

	return r
}
