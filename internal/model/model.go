// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an order or trade.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Valid reports whether d is buy or sell.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// OrderType distinguishes market orders from limit orders.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of an order. Pending is the only
// non-terminal state.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "filled"
	StatusRejected  OrderStatus = "rejected"
	StatusCancelled OrderStatus = "cancelled"
)

// Trader is one competing decision policy and its cash account.
// Invariant: TotalAssets == Cash + Σ position.MarketValue.
type Trader struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	ModelName   string          `json:"model_name" db:"model_name"`
	Cash        decimal.Decimal `json:"cash" db:"cash"`
	TotalAssets decimal.Decimal `json:"total_assets" db:"total_assets"`
	InitialCash decimal.Decimal `json:"initial_cash" db:"initial_cash"`
	Active      bool            `json:"active" db:"active"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a trader's holding in one security. It is created on the first
// buy and deleted when Quantity reaches zero.
// Invariant: 0 <= AvailableQuantity <= Quantity.
type Position struct {
	TraderID          string          `json:"trader_id" db:"trader_id"`
	Security          string          `json:"security" db:"security"`
	Quantity          int64           `json:"quantity" db:"quantity"`
	AvailableQuantity int64           `json:"available_quantity" db:"available_quantity"`
	AvgCost           decimal.Decimal `json:"avg_cost" db:"avg_cost"` // includes fees
	CurrentPrice      decimal.Decimal `json:"current_price" db:"current_price"`
	MarketValue       decimal.Decimal `json:"market_value" db:"market_value"`
	Profit            decimal.Decimal `json:"profit" db:"profit"`
	// LastTradeDate is set only by buys and sells. Mark-to-market never
	// touches it. Nil means a legacy row, treated as T+1 eligible.
	LastTradeDate *time.Time `json:"last_trade_date,omitempty" db:"last_trade_date"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Revalue recomputes MarketValue and Profit from CurrentPrice.
func (p *Position) Revalue() {
	qty := decimal.NewFromInt(p.Quantity)
	p.MarketValue = p.CurrentPrice.Mul(qty)
	p.Profit = p.MarketValue.Sub(p.AvgCost.Mul(qty))
}

// Order is an instruction to buy or sell a lot-sized quantity of one security.
type Order struct {
	ID             string           `json:"id" db:"id"`
	TraderID       string           `json:"trader_id" db:"trader_id"`
	Security       string           `json:"security" db:"security"`
	Direction      Direction        `json:"direction" db:"direction"`
	Type           OrderType        `json:"type" db:"type"`
	Quantity       int64            `json:"quantity" db:"quantity"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"` // set iff Type == Limit
	Status         OrderStatus      `json:"status" db:"status"`
	FilledPrice    decimal.Decimal  `json:"filled_price" db:"filled_price"`
	FilledQuantity int64            `json:"filled_quantity" db:"filled_quantity"`
	Reason         string           `json:"reason,omitempty" db:"reason"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
	FilledAt       *time.Time       `json:"filled_at,omitempty" db:"filled_at"`
}

// Fees is the fee breakdown of a single trade.
type Fees struct {
	Commission  decimal.Decimal `json:"commission"`
	StampDuty   decimal.Decimal `json:"stamp_duty"`
	TransferFee decimal.Decimal `json:"transfer_fee"`
	Total       decimal.Decimal `json:"total"`
}

// Trade is an immutable record of a fill. Once created, trades are never
// modified or deleted.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	OrderID   string          `json:"order_id" db:"order_id"`
	TraderID  string          `json:"trader_id" db:"trader_id"`
	Security  string          `json:"security" db:"security"`
	Direction Direction       `json:"direction" db:"direction"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // price × quantity, before fees
	Fees      Fees            `json:"fees"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// PortfolioSnapshot is a periodic, append-only performance record.
type PortfolioSnapshot struct {
	ID          string          `json:"id" db:"id"`
	TraderID    string          `json:"trader_id" db:"trader_id"`
	Cash        decimal.Decimal `json:"cash" db:"cash"`
	MarketValue decimal.Decimal `json:"market_value" db:"market_value"`
	TotalAssets decimal.Decimal `json:"total_assets" db:"total_assets"`
	TotalProfit decimal.Decimal `json:"total_profit" db:"total_profit"`
	TotalReturn decimal.Decimal `json:"total_return" db:"total_return"` // percent
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// DecisionAudit records one trader's decision cycle, successful or not.
type DecisionAudit struct {
	ID           string          `json:"id" db:"id"`
	TraderID     string          `json:"trader_id" db:"trader_id"`
	Prompt       string          `json:"prompt" db:"prompt"`
	RawResponse  string          `json:"raw_response" db:"raw_response"`
	Reasoning    string          `json:"reasoning" db:"reasoning"`
	Instructions json.RawMessage `json:"instructions,omitempty" db:"instructions"`
	OrderIDs     []string        `json:"order_ids" db:"order_ids"`
	LatencyMs    int64           `json:"latency_ms" db:"latency_ms"`
	TokensUsed   int             `json:"tokens_used" db:"tokens_used"`
	Error        string          `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Portfolio is an atomically-read view of a trader and all its positions.
type Portfolio struct {
	Trader    Trader     `json:"trader"`
	Positions []Position `json:"positions"`
}

// MarketValue returns Σ position.MarketValue.
func (p *Portfolio) MarketValue() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.MarketValue)
	}
	return total
}

// Quote is a point-in-time market snapshot for one security.
type Quote struct {
	Security       string          `json:"security"`
	Name           string          `json:"name,omitempty"`
	Price          decimal.Decimal `json:"price"`
	Open           decimal.Decimal `json:"open"`
	High           decimal.Decimal `json:"high"`
	Low            decimal.Decimal `json:"low"`
	YesterdayClose decimal.Decimal `json:"yesterday_close"`
	ChangePct      decimal.Decimal `json:"change_pct"`
	Volume         int64           `json:"volume"`
	Amount         decimal.Decimal `json:"amount"`
	Timestamp      time.Time       `json:"timestamp"`
}

// OrderBook is a five-level depth snapshot. Index 0 is the best level.
type OrderBook struct {
	Security   string             `json:"security"`
	AskPrices  [5]decimal.Decimal `json:"ask_prices"`
	BidPrices  [5]decimal.Decimal `json:"bid_prices"`
	AskVolumes [5]int64           `json:"ask_volumes"`
	BidVolumes [5]int64           `json:"bid_volumes"`
}

// BestAsk returns the lowest ask, or zero if the ask side is empty.
func (b *OrderBook) BestAsk() decimal.Decimal { return b.AskPrices[0] }

// BestBid returns the highest bid, or zero if the bid side is empty.
func (b *OrderBook) BestBid() decimal.Decimal { return b.BidPrices[0] }

// Bar is one historical OHLCV bar.
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}
