// Package marketdata defines the market-data capability the engine consumes
// and two in-process providers: a fixed-quote Static provider and a
// RandomWalk simulator for development.
package marketdata

import (
	"context"
	"errors"
	"sync"

	"github.com/ashare-arena/settlement/internal/model"
)

// ErrUnavailable is returned when a provider cannot serve a request right
// now. Callers treat it as retryable.
var ErrUnavailable = errors.New("marketdata: unavailable")

// Provider serves quotes, depth and history.
//
// OrderBook returns (nil, nil) when no depth snapshot exists; callers then
// fall back to the last trade price.
type Provider interface {
	Quotes(ctx context.Context, securities []string) ([]model.Quote, error)
	OrderBook(ctx context.Context, security string) (*model.OrderBook, error)
	HistoricalBars(ctx context.Context, security, interval string, days int) ([]model.Bar, error)
}

// Static serves whatever quotes and books were last set. Securities without
// a quote are omitted from Quotes.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
	books  map[string]model.OrderBook
	bars   map[string][]model.Bar
	err    error
}

// NewStatic creates an empty Static provider.
func NewStatic() *Static {
	return &Static{
		quotes: make(map[string]model.Quote),
		books:  make(map[string]model.OrderBook),
		bars:   make(map[string][]model.Bar),
	}
}

// SetQuote sets the quote for q.Security.
func (s *Static) SetQuote(q model.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.Security] = q
}

// SetOrderBook sets the depth for b.Security.
func (s *Static) SetOrderBook(b model.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[b.Security] = b
}

// ClearOrderBook removes the depth for security.
func (s *Static) ClearOrderBook(security string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, security)
}

// SetBars sets the history for security.
func (s *Static) SetBars(security string, bars []model.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[security] = bars
}

// SetError makes every call fail with err until cleared with nil.
func (s *Static) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) Quotes(_ context.Context, securities []string) ([]model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]model.Quote, 0, len(securities))
	for _, code := range securities {
		if q, ok := s.quotes[code]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *Static) OrderBook(_ context.Context, security string) (*model.OrderBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	b, ok := s.books[security]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *Static) HistoricalBars(_ context.Context, security, _ string, days int) ([]model.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	bars := s.bars[security]
	if days > 0 && len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return append([]model.Bar(nil), bars...), nil
}
