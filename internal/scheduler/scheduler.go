// Package scheduler drives the three periodic loops of the arena: market
// refresh, decision cycle and settlement sweep.
//
// Each loop re-arms its own timer after an iteration, so iterations of one
// loop never overlap. Loops are gated on the trading window unless
// EnforceTradingHours is off; a panicking iteration is logged and the loop
// cools down before trying again.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ashare-arena/settlement/internal/broadcast"
	"github.com/ashare-arena/settlement/internal/decision"
	"github.com/ashare-arena/settlement/internal/ledger"
	"github.com/ashare-arena/settlement/internal/marketdata"
	"github.com/ashare-arena/settlement/internal/metrics"
	"github.com/ashare-arena/settlement/internal/model"
	"github.com/ashare-arena/settlement/internal/order"
	"github.com/ashare-arena/settlement/internal/rules"
	"github.com/ashare-arena/settlement/internal/settlement"
	"github.com/ashare-arena/settlement/internal/store"
)

// Loop names, used in logs and metrics.
const (
	LoopMarket     = "market"
	LoopDecision   = "decision"
	LoopSettlement = "settlement"
)

var (
	ErrAlreadyRunning = errors.New("scheduler: already running")
	ErrNotRunning     = errors.New("scheduler: not running")
	ErrStopTimeout    = errors.New("scheduler: loops did not stop in time")
	ErrNoQuotes       = errors.New("scheduler: no quotes available")
)

// Config holds loop timing.
type Config struct {
	MarketInterval      time.Duration
	DecisionInterval    time.Duration
	SettlementInterval  time.Duration
	DecisionDelay       time.Duration
	SettlementDelay     time.Duration
	DecisionTimeout     time.Duration
	PausedSleep         time.Duration
	ErrorCooldown       time.Duration
	StopTimeout         time.Duration
	EnforceTradingHours bool
	// MaxConcurrentDecisions bounds the per-trader fan-out. Zero means one
	// goroutine per trader.
	MaxConcurrentDecisions int
	// BarsDays is how much daily history a policy sees. Zero disables it.
	BarsDays int
}

// DefaultConfig returns the production loop timing.
func DefaultConfig() Config {
	return Config{
		MarketInterval:      15 * time.Second,
		DecisionInterval:    30 * time.Minute,
		SettlementInterval:  15 * time.Second,
		DecisionDelay:       10 * time.Second,
		SettlementDelay:     5 * time.Second,
		DecisionTimeout:     30 * time.Second,
		PausedSleep:         60 * time.Second,
		ErrorCooldown:       5 * time.Second,
		StopTimeout:         5 * time.Second,
		EnforceTradingHours: true,
		BarsDays:            5,
	}
}

// Deps are the collaborators the loops drive.
type Deps struct {
	Store      store.Store
	Rules      *rules.Engine
	Ledger     *ledger.Ledger
	Orders     *order.Lifecycle
	Settlement *settlement.Engine
	Market     marketdata.Provider
	Universe   *rules.Universe
	Policy     decision.Policy
	Quotes     QuoteCache       // nil: in-memory
	Sink       broadcast.Sink   // nil: discard
	Now        func() time.Time // nil: wall clock
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running       bool                 `json:"running"`
	TradingWindow bool                 `json:"trading_window"`
	LastRun       map[string]time.Time `json:"last_run"`
}

// Scheduler owns the loops and the quote cache.
type Scheduler struct {
	cfg Config
	d   Deps

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	baseCtx  context.Context
	wg       *sync.WaitGroup // loops and triggered cycles of the current run
	closing  bool            // run context cancelled; no new triggered cycles
	lastRun  map[string]time.Time
	pauseLog map[string]time.Time

	deciding atomic.Bool
}

// New creates a Scheduler. Zero durations in cfg fall back to
// DefaultConfig.
func New(cfg Config, d Deps) *Scheduler {
	def := DefaultConfig()
	for _, f := range []struct{ dst, def *time.Duration }{
		{&cfg.MarketInterval, &def.MarketInterval},
		{&cfg.DecisionInterval, &def.DecisionInterval},
		{&cfg.SettlementInterval, &def.SettlementInterval},
		{&cfg.DecisionTimeout, &def.DecisionTimeout},
		{&cfg.PausedSleep, &def.PausedSleep},
		{&cfg.ErrorCooldown, &def.ErrorCooldown},
		{&cfg.StopTimeout, &def.StopTimeout},
	} {
		if *f.dst <= 0 {
			*f.dst = *f.def
		}
	}
	if d.Quotes == nil {
		d.Quotes = NewMemoryQuoteCache()
	}
	if d.Sink == nil {
		d.Sink = broadcast.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Scheduler{
		cfg:      cfg,
		d:        d,
		lastRun:  make(map[string]time.Time),
		pauseLog: make(map[string]time.Time),
	}
}

// QuoteCache returns the cache the market loop fills.
func (s *Scheduler) QuoteCache() QuoteCache { return s.d.Quotes }

// Start launches the three loops. They run until Stop is called or ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.baseCtx = ctx
	s.done = make(chan struct{})
	s.closing = false

	wg := &sync.WaitGroup{}
	s.wg = wg
	loops := []struct {
		name            string
		delay, interval time.Duration
		fn              func(context.Context) error
	}{
		{LoopMarket, 0, s.cfg.MarketInterval, s.RefreshMarket},
		{LoopDecision, s.cfg.DecisionDelay, s.cfg.DecisionInterval, s.RunDecisionCycle},
		{LoopSettlement, s.cfg.SettlementDelay, s.cfg.SettlementInterval, s.SweepSettlements},
	}
	for _, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, l.name, l.delay, l.interval, l.fn)
		}()
	}
	// Holds the group open until triggered cycles can no longer join it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
	}()
	done := s.done
	go func() {
		wg.Wait()
		close(done)
	}()

	slog.Info("scheduler started",
		"market_interval", s.cfg.MarketInterval,
		"decision_interval", s.cfg.DecisionInterval,
		"settlement_interval", s.cfg.SettlementInterval,
		"enforce_trading_hours", s.cfg.EnforceTradingHours,
	)
	return nil
}

// Stop cancels the loops and any triggered decision cycle and waits up to
// StopTimeout for them to return. After a timeout the scheduler still counts
// as running: Start keeps failing and Stop may be called again to wait.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}

	cancel()
	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		slog.Error("scheduler stop timed out", "timeout", s.cfg.StopTimeout)
		return ErrStopTimeout
	}

	s.mu.Lock()
	if s.done == done {
		s.cancel = nil
		s.done = nil
		s.baseCtx = nil
		s.wg = nil
	}
	s.mu.Unlock()
	slog.Info("scheduler stopped")
	return nil
}

// Status reports whether the loops run and when each last completed.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := make(map[string]time.Time, len(s.lastRun))
	for k, v := range s.lastRun {
		last[k] = v
	}
	return Status{
		Running:       s.cancel != nil,
		TradingWindow: s.d.Rules.IsTradingWindow(s.d.Now()),
		LastRun:       last,
	}
}

// Active reports whether loops should do work now.
func (s *Scheduler) Active() bool {
	return !s.cfg.EnforceTradingHours || s.d.Rules.IsTradingWindow(s.d.Now())
}

func (s *Scheduler) loop(ctx context.Context, name string, delay, interval time.Duration, fn func(context.Context) error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := interval
		switch {
		case !s.Active():
			s.logPaused(name)
			metrics.LoopIterations.WithLabelValues(name, "paused").Inc()
			next = s.cfg.PausedSleep
		default:
			if err := s.runSafely(ctx, name, fn); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("loop iteration failed", "loop", name, "err", err)
				metrics.LoopIterations.WithLabelValues(name, "error").Inc()
				next = s.cfg.ErrorCooldown
			} else {
				metrics.LoopIterations.WithLabelValues(name, "ok").Inc()
				s.markRun(name)
			}
		}
		timer.Reset(next)
	}
}

func (s *Scheduler) runSafely(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s loop: %v", name, r)
		}
	}()
	return fn(ctx)
}

// logPaused logs at most once per PausedSleep*10 per loop.
func (s *Scheduler) logPaused(name string) {
	now := s.d.Now()
	s.mu.Lock()
	last, ok := s.pauseLog[name]
	if ok && now.Sub(last) < 10*s.cfg.PausedSleep {
		s.mu.Unlock()
		return
	}
	s.pauseLog[name] = now
	s.mu.Unlock()
	slog.Info("outside trading hours, loop paused", "loop", name, "sleep", s.cfg.PausedSleep)
}

func (s *Scheduler) markRun(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[name] = s.d.Now()
}

// --- Market ---

// RefreshMarket fetches quotes for the universe, updates the cache, marks
// every trader to market and records a snapshot for each. Inactive traders
// are included so their valuations stay current.
func (s *Scheduler) RefreshMarket(ctx context.Context) error {
	quotes, err := s.d.Market.Quotes(ctx, s.d.Universe.Codes())
	if err != nil {
		return fmt.Errorf("fetch quotes: %w", err)
	}
	if len(quotes) == 0 {
		return ErrNoQuotes
	}
	s.d.Quotes.Set(quotes)

	prices := make(map[string]decimal.Decimal, len(quotes))
	for _, q := range quotes {
		if q.Price.IsPositive() {
			prices[q.Security] = q.Price
		}
	}

	traders, err := s.d.Store.ListTraders(ctx)
	if err != nil {
		return fmt.Errorf("list traders: %w", err)
	}
	for _, t := range traders {
		view, err := s.d.Ledger.MarkToMarket(ctx, t.ID, prices)
		if err != nil {
			slog.Error("mark to market failed", "trader_id", t.ID, "err", err)
			continue
		}
		if err := s.d.Store.InsertSnapshot(ctx, s.d.Ledger.Snapshot(view)); err != nil {
			slog.Error("snapshot failed", "trader_id", t.ID, "err", err)
		}
	}

	s.d.Sink.Publish(ctx, broadcast.Event{
		Type: broadcast.TypeMarketUpdate,
		Data: quotes,
		Time: s.d.Now(),
	})
	return nil
}

// --- Settlement ---

// SweepSettlements attempts every pending order once.
func (s *Scheduler) SweepSettlements(ctx context.Context) error {
	_, err := s.d.Settlement.Sweep(ctx)
	return err
}

// --- Decisions ---

// TriggerDecisions starts a decision cycle in the background unless one is
// already running or the scheduler is shutting down, and reports whether it
// started one. While the loops run, Stop waits for the triggered cycle.
func (s *Scheduler) TriggerDecisions() bool {
	if !s.deciding.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	ctx, wg := s.baseCtx, s.wg
	if wg != nil && s.closing {
		s.mu.Unlock()
		s.deciding.Store(false)
		return false
	}
	if wg != nil {
		wg.Add(1)
	}
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		defer s.deciding.Store(false)
		if err := s.runDecisionCycle(ctx); err != nil {
			slog.Error("triggered decision cycle failed", "err", err)
		}
	}()
	return true
}

// RunDecisionCycle asks the policy for every active trader concurrently.
// Each trader is bounded by DecisionTimeout; failures are audited and never
// affect other traders. A cycle already in progress is not joined.
func (s *Scheduler) RunDecisionCycle(ctx context.Context) error {
	if !s.deciding.CompareAndSwap(false, true) {
		slog.Warn("decision cycle already running, skipping")
		return nil
	}
	defer s.deciding.Store(false)
	return s.runDecisionCycle(ctx)
}

func (s *Scheduler) runDecisionCycle(ctx context.Context) error {
	quotes := s.d.Quotes.Get()
	if len(quotes) == 0 {
		return ErrNoQuotes
	}
	traders, err := s.activeTraders(ctx)
	if err != nil {
		return err
	}
	bars := s.history(ctx)
	names := make(map[string]string)
	for _, code := range s.d.Universe.Codes() {
		names[code] = s.d.Universe.Name(code)
	}

	start := time.Now()
	var g errgroup.Group
	if s.cfg.MaxConcurrentDecisions > 0 {
		g.SetLimit(s.cfg.MaxConcurrentDecisions)
	}
	for _, t := range traders {
		g.Go(func() error {
			s.decide(ctx, t, quotes, bars, names)
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("decision cycle complete", "traders", len(traders), "elapsed", time.Since(start))
	return nil
}

func (s *Scheduler) decide(ctx context.Context, t model.Trader, quotes map[string]model.Quote, bars map[string][]model.Bar, names map[string]string) {
	start := time.Now()
	audit := &model.DecisionAudit{
		ID:       uuid.New().String(),
		TraderID: t.ID,
	}
	log := slog.With("trader_id", t.ID, "trader", t.Name)

	defer func() {
		if r := recover(); r != nil {
			audit.Error = fmt.Sprintf("panic: %v", r)
			log.Error("decision panicked", "panic", r)
		}
		audit.LatencyMs = time.Since(start).Milliseconds()
		audit.CreatedAt = s.d.Now()
		s.persistAudit(ctx, audit)
	}()

	if _, err := s.d.Ledger.UnlockT1(ctx, t.ID); err != nil {
		log.Warn("unlock failed", "err", err)
	}
	view, err := s.d.Ledger.GetPortfolio(ctx, t.ID)
	if err != nil {
		audit.Error = err.Error()
		log.Error("portfolio read failed", "err", err)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DecisionTimeout)
	defer cancel()
	res, err := s.d.Policy.Decide(dctx, decision.Request{
		Trader:    view.Trader,
		Positions: view.Positions,
		Quotes:    quotes,
		Bars:      bars,
		Names:     names,
		Now:       s.d.Now(),
	})
	if err != nil && errors.Is(dctx.Err(), context.DeadlineExceeded) && !errors.Is(err, decision.ErrDecisionTimeout) {
		err = fmt.Errorf("%w: %v", decision.ErrDecisionTimeout, err)
	}
	if res != nil {
		audit.Prompt = res.Prompt
		audit.RawResponse = res.RawResponse
		audit.TokensUsed = res.TokensUsed
		audit.Reasoning = res.Reasoning
		audit.Instructions = decision.Encode(res.Instructions)
	}
	if err != nil {
		audit.Error = err.Error()
		metrics.DecisionLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		log.Warn("decision failed", "err", err)
		return
	}
	metrics.DecisionLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	orders, errs := s.d.Orders.CreateBatch(ctx, t.ID, res.Instructions)
	for _, o := range orders {
		audit.OrderIDs = append(audit.OrderIDs, o.ID)
	}
	if len(errs) > 0 {
		audit.Error = errors.Join(errs...).Error()
	}
	log.Info("decision recorded", "orders", len(orders), "skipped", len(errs))
}

// persistAudit writes the audit even when ctx is already cancelled.
func (s *Scheduler) persistAudit(ctx context.Context, audit *model.DecisionAudit) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.d.Store.InsertDecisionAudit(wctx, audit); err != nil {
		slog.Error("audit write failed", "trader_id", audit.TraderID, "err", err)
		return
	}
	s.d.Sink.Publish(wctx, broadcast.Event{
		Type:     broadcast.TypeDecision,
		TraderID: audit.TraderID,
		Data:     audit,
		Time:     audit.CreatedAt,
	})
}

func (s *Scheduler) history(ctx context.Context) map[string][]model.Bar {
	if s.cfg.BarsDays <= 0 {
		return nil
	}
	out := make(map[string][]model.Bar)
	for _, code := range s.d.Universe.Codes() {
		bars, err := s.d.Market.HistoricalBars(ctx, code, "1d", s.cfg.BarsDays)
		if err != nil {
			slog.Debug("history unavailable", "security", code, "err", err)
			continue
		}
		if len(bars) > 0 {
			out[code] = bars
		}
	}
	return out
}

func (s *Scheduler) activeTraders(ctx context.Context) ([]model.Trader, error) {
	all, err := s.d.Store.ListTraders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list traders: %w", err)
	}
	active := all[:0]
	for _, t := range all {
		if t.Active {
			active = append(active, t)
		}
	}
	return active, nil
}
