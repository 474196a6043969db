// Package api exposes the trading engine over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/easyfin/trading-engine/internal/auth"
	"github.com/easyfin/trading-engine/internal/metrics"
	"github.com/easyfin/trading-engine/internal/model"
	"github.com/easyfin/trading-engine/internal/quote"
	"github.com/easyfin/trading-engine/internal/trade"
)

// PricePublisher is told about every refreshed price snapshot.
// *stream.Hub satisfies it.
type PricePublisher interface {
	PricesUpdated(instruments []model.Instrument)
}

// Handler serves the REST endpoints.
type Handler struct {
	engine *trade.Engine
	auth   *auth.Service
	quotes quote.Provider
	prices PricePublisher // optional
}

// NewHandler creates a Handler. prices may be nil.
func NewHandler(engine *trade.Engine, authSvc *auth.Service, quotes quote.Provider, prices PricePublisher) *Handler {
	return &Handler{engine: engine, auth: authSvc, quotes: quotes, prices: prices}
}

// RouterConfig holds the settings of the outer router.
type RouterConfig struct {
	AllowedOrigins []string
	// WebSocket serves GET /api/ws when set.
	WebSocket http.HandlerFunc
}

// NewRouter builds the full HTTP surface: middleware, health, metrics and
// the /api routes.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "trading-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// The upgrade hands the connection off, so no request timeout.
		if cfg.WebSocket != nil {
			r.Get("/ws", cfg.WebSocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			h.Routes(r)
		})
	})
	return r
}

// Routes mounts the REST endpoints on r, relative to /api.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Post("/auth/logout", h.Logout)

	r.Get("/instruments", h.ListInstruments)
	r.Post("/quotes/refresh", h.RefreshQuotes)

	r.Group(func(r chi.Router) {
		r.Use(RequireSession(h.auth))
		r.Get("/account", h.GetAccount)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/orders", h.ListOrders)
		r.Post("/orders/buy", h.Buy)
		r.Post("/orders/sell", h.Sell)
	})
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type orderRequest struct {
	Ticker   string `json:"ticker"`
	Quantity int64  `json:"quantity"`
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	user, err := h.auth.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	token, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token, err := bearerToken(r)
	if err == nil {
		err = h.auth.Logout(r.Context(), token)
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAccount handles GET /api/account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	view, err := h.engine.Account(r.Context(), userID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetPortfolio handles GET /api/portfolio.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	p, err := h.engine.Portfolio(r.Context(), userID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListOrders handles GET /api/orders.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	orders, err := h.engine.Orders(r.Context(), userID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// Buy handles POST /api/orders/buy.
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decode(w, r, &req) {
		return
	}
	userID, _ := UserID(r.Context())
	p, err := h.engine.Buy(r.Context(), userID, req.Ticker, req.Quantity)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Sell handles POST /api/orders/sell.
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decode(w, r, &req) {
		return
	}
	userID, _ := UserID(r.Context())
	p, err := h.engine.Sell(r.Context(), userID, req.Ticker, req.Quantity)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListInstruments handles GET /api/instruments.
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := h.quotes.ListInstruments(r.Context())
	if err != nil {
		respondError(w, r, fmt.Errorf("list instruments: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, instruments)
}

// RefreshQuotes handles POST /api/quotes/refresh: one noise round over
// every instrument.
func (h *Handler) RefreshQuotes(w http.ResponseWriter, r *http.Request) {
	instruments, err := h.quotes.ApplyNoise(r.Context())
	if err != nil {
		respondError(w, r, fmt.Errorf("apply noise: %w", err))
		return
	}
	if h.prices != nil {
		h.prices.PricesUpdated(instruments)
	}
	writeJSON(w, http.StatusOK, instruments)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}
