// Package api provides the read-mostly HTTP surface of the arena: trader
// portfolios, orders, trades, snapshots, decision audits, cached quotes,
// order cancellation and a manual decision trigger.
//
// All monetary values use shopspring/decimal; never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ashare-arena/settlement/internal/ledger"
	"github.com/ashare-arena/settlement/internal/model"
	"github.com/ashare-arena/settlement/internal/order"
	"github.com/ashare-arena/settlement/internal/scheduler"
	"github.com/ashare-arena/settlement/internal/store"
)

const maxListLimit = store.MaxHistoryLimit

// Scheduler is the part of the scheduler the API reads and triggers.
type Scheduler interface {
	QuoteCache() scheduler.QuoteCache
	TriggerDecisions() bool
	Status() scheduler.Status
}

// Service serves the HTTP handlers.
type Service struct {
	store  store.Reader
	ledger *ledger.Ledger
	orders *order.Lifecycle
	sched  Scheduler
}

// NewService creates a new API service.
func NewService(st store.Reader, l *ledger.Ledger, lc *order.Lifecycle, sched Scheduler) *Service {
	return &Service{store: st, ledger: l, orders: lc, sched: sched}
}

// Routes registers the handlers on r, relative to the API prefix.
func (s *Service) Routes(r chi.Router) {
	r.Get("/traders", s.ListTraders)
	r.Get("/traders/{traderID}", s.GetTrader)
	r.Get("/traders/{traderID}/portfolio", s.GetPortfolio)
	r.Get("/traders/{traderID}/trades", s.ListTrades)
	r.Get("/traders/{traderID}/snapshots", s.ListSnapshots)
	r.Get("/traders/{traderID}/decisions", s.ListDecisions)
	r.Get("/leaderboard", s.Leaderboard)

	r.Get("/orders", s.ListOrders)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)

	r.Get("/quotes", s.Quotes)
	r.Post("/decisions/trigger", s.TriggerDecisions)
}

// --- Response types ---

// LeaderboardEntry ranks one trader by total assets.
type LeaderboardEntry struct {
	Rank        int             `json:"rank"`
	TraderID    string          `json:"trader_id"`
	Name        string          `json:"name"`
	ModelName   string          `json:"model_name"`
	TotalAssets decimal.Decimal `json:"total_assets"`
	Cash        decimal.Decimal `json:"cash"`
	TotalReturn decimal.Decimal `json:"total_return"` // percent
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status    string           `json:"status"`
	Service   string           `json:"service"`
	Scheduler scheduler.Status `json:"scheduler"`
}

// --- HTTP Handlers ---

// Health handles GET /health
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   "settlement-engine",
		Scheduler: s.sched.Status(),
	})
}

// ListTraders handles GET /api/v1/traders
func (s *Service) ListTraders(w http.ResponseWriter, r *http.Request) {
	traders, err := s.store.ListTraders(r.Context())
	if err != nil {
		writeError(w, "failed to list traders", http.StatusInternalServerError)
		return
	}
	if traders == nil {
		traders = []model.Trader{}
	}
	writeJSON(w, http.StatusOK, traders)
}

// GetTrader handles GET /api/v1/traders/{traderID}
func (s *Service) GetTrader(w http.ResponseWriter, r *http.Request) {
	trader, err := s.store.GetTrader(r.Context(), chi.URLParam(r, "traderID"))
	if err != nil {
		writeStoreError(w, err, "trader not found")
		return
	}
	writeJSON(w, http.StatusOK, trader)
}

// GetPortfolio handles GET /api/v1/traders/{traderID}/portfolio
// Returns the trader and its positions as one consistent view.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	view, err := s.ledger.GetPortfolio(r.Context(), chi.URLParam(r, "traderID"))
	if errors.Is(err, ledger.ErrTraderNotFound) {
		writeError(w, "trader not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("portfolio read failed", "err", err)
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	if view.Positions == nil {
		view.Positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, view)
}

// ListTrades handles GET /api/v1/traders/{traderID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTrades(r.Context(), chi.URLParam(r, "traderID"))
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListSnapshots handles GET /api/v1/traders/{traderID}/snapshots?limit=n
func (s *Service) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 100)
	if !ok {
		return
	}
	snaps, err := s.store.ListSnapshots(r.Context(), chi.URLParam(r, "traderID"), limit)
	if err != nil {
		writeError(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []model.PortfolioSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// ListDecisions handles GET /api/v1/traders/{traderID}/decisions?limit=n
func (s *Service) ListDecisions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 20)
	if !ok {
		return
	}
	audits, err := s.store.ListDecisionAudits(r.Context(), chi.URLParam(r, "traderID"), limit)
	if err != nil {
		writeError(w, "failed to list decisions", http.StatusInternalServerError)
		return
	}
	if audits == nil {
		audits = []model.DecisionAudit{}
	}
	writeJSON(w, http.StatusOK, audits)
}

// Leaderboard handles GET /api/v1/leaderboard
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	traders, err := s.store.ListTraders(r.Context())
	if err != nil {
		writeError(w, "failed to list traders", http.StatusInternalServerError)
		return
	}
	sort.SliceStable(traders, func(i, j int) bool {
		return traders[i].TotalAssets.GreaterThan(traders[j].TotalAssets)
	})

	hundred := decimal.NewFromInt(100)
	board := make([]LeaderboardEntry, 0, len(traders))
	for i, t := range traders {
		ret := decimal.Zero
		if t.InitialCash.IsPositive() {
			ret = t.TotalAssets.Sub(t.InitialCash).Div(t.InitialCash).Mul(hundred).Round(4)
		}
		board = append(board, LeaderboardEntry{
			Rank:        i + 1,
			TraderID:    t.ID,
			Name:        t.Name,
			ModelName:   t.ModelName,
			TotalAssets: t.TotalAssets,
			Cash:        t.Cash,
			TotalReturn: ret,
		})
	}
	writeJSON(w, http.StatusOK, board)
}

// ListOrders handles GET /api/v1/orders?trader_id=&status=&limit=
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 0)
	if !ok {
		return
	}
	status := model.OrderStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusPending, model.StatusFilled, model.StatusRejected, model.StatusCancelled:
	default:
		writeError(w, "status must be one of pending, filled, rejected, cancelled", http.StatusBadRequest)
		return
	}

	orders, err := s.store.ListOrders(r.Context(), store.OrderFilter{
		TraderID: r.URL.Query().Get("trader_id"),
		Status:   status,
		Limit:    limit,
	})
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if errors.Is(err, order.ErrOrderNotFound) {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load order", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
// Only pending orders can be cancelled.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	o, err := s.orders.Cancel(r.Context(), orderID)
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		writeError(w, "order not found", http.StatusNotFound)
		return
	case errors.Is(err, order.ErrNotPending):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("cancel failed", "order_id", orderID, "err", err)
		writeError(w, "failed to cancel order", http.StatusInternalServerError)
		return
	}

	slog.Info("order cancelled", "order_id", o.ID, "trader_id", o.TraderID)
	writeJSON(w, http.StatusOK, o)
}

// Quotes handles GET /api/v1/quotes
// Returns the scheduler's cached quotes ordered by security code.
func (s *Service) Quotes(w http.ResponseWriter, _ *http.Request) {
	cached := s.sched.QuoteCache().Get()
	quotes := make([]model.Quote, 0, len(cached))
	for _, q := range cached {
		quotes = append(quotes, q)
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Security < quotes[j].Security })
	writeJSON(w, http.StatusOK, quotes)
}

// TriggerDecisions handles POST /api/v1/decisions/trigger
// Starts a decision cycle in the background.
func (s *Service) TriggerDecisions(w http.ResponseWriter, _ *http.Request) {
	if !s.sched.TriggerDecisions() {
		writeError(w, "decision cycle already running", http.StatusConflict)
		return
	}
	slog.Info("decision cycle triggered manually")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > maxListLimit {
		writeError(w, "limit must be an integer between 0 and 500", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeStoreError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, notFound, http.StatusNotFound)
		return
	}
	writeError(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
