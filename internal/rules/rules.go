// Package rules implements the A-share trading rule set: fee schedule,
// lot-size validation, daily price-limit bands, trading-hours gating and
// T+1 settlement eligibility.
//
// Engine is stateless once constructed; every method is safe for
// concurrent use.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ashare-arena/settlement/internal/model"
)

var (
	// ErrInvalidQuantity is returned when a quantity is not a positive
	// multiple of the lot size.
	ErrInvalidQuantity = errors.New("rules: quantity must be a positive multiple of the lot size")

	// ErrInvalidPrice is returned for non-positive prices.
	ErrInvalidPrice = errors.New("rules: price must be positive")

	// ErrPriceLimitBreach is returned when a price is at or beyond the daily
	// limit band.
	ErrPriceLimitBreach = errors.New("rules: price breaches daily limit band")
)

// Config holds the rule parameters. Zero values are replaced by the
// A-share defaults in New.
type Config struct {
	CommissionRate  decimal.Decimal
	MinCommission   decimal.Decimal
	StampDutyRate   decimal.Decimal // sells only
	TransferFeeRate decimal.Decimal
	LotSize         int64
	LimitRate       decimal.Decimal
	LimitRateST     decimal.Decimal
	// UpperBandTolerance shrinks the upper band for buys so that prices
	// within this fraction of the limit count as limit-up.
	UpperBandTolerance decimal.Decimal
	Location           *time.Location
}

// DefaultConfig returns the modeled A-share rule set.
func DefaultConfig() Config {
	return Config{
		CommissionRate:     decimal.RequireFromString("0.00025"),
		MinCommission:      decimal.RequireFromString("5"),
		StampDutyRate:      decimal.RequireFromString("0.001"),
		TransferFeeRate:    decimal.RequireFromString("0.00001"),
		LotSize:            100,
		LimitRate:          decimal.RequireFromString("0.10"),
		LimitRateST:        decimal.RequireFromString("0.05"),
		UpperBandTolerance: decimal.RequireFromString("0.0001"),
		Location:           ShanghaiLocation(),
	}
}

// ShanghaiLocation returns Asia/Shanghai, falling back to a fixed UTC+8
// zone when the tz database is unavailable.
func ShanghaiLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// Engine evaluates trading rules.
type Engine struct {
	cfg Config
}

// New creates an Engine. Unset fields in cfg fall back to DefaultConfig.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.CommissionRate.IsZero() {
		cfg.CommissionRate = def.CommissionRate
	}
	if cfg.MinCommission.IsZero() {
		cfg.MinCommission = def.MinCommission
	}
	if cfg.StampDutyRate.IsZero() {
		cfg.StampDutyRate = def.StampDutyRate
	}
	if cfg.TransferFeeRate.IsZero() {
		cfg.TransferFeeRate = def.TransferFeeRate
	}
	if cfg.LotSize <= 0 {
		cfg.LotSize = def.LotSize
	}
	if cfg.LimitRate.IsZero() {
		cfg.LimitRate = def.LimitRate
	}
	if cfg.LimitRateST.IsZero() {
		cfg.LimitRateST = def.LimitRateST
	}
	if cfg.UpperBandTolerance.IsZero() {
		cfg.UpperBandTolerance = def.UpperBandTolerance
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	return &Engine{cfg: cfg}
}

// LotSize returns the minimum tradable unit in shares.
func (e *Engine) LotSize() int64 { return e.cfg.LotSize }

// Location returns the exchange time zone used for calendar comparisons.
func (e *Engine) Location() *time.Location { return e.cfg.Location }

// IsTradingWindow reports whether now falls in a continuous trading
// session: Mon–Fri, 09:30–11:30 and 13:00–15:00 inclusive, exchange time.
func (e *Engine) IsTradingWindow(now time.Time) bool {
	local := now.In(e.cfg.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	hm := local.Hour()*60 + local.Minute()
	// 11:30:xx and 15:00:xx are past the close.
	if (hm == 11*60+30 || hm == 15*60) && (local.Second() > 0 || local.Nanosecond() > 0) {
		return false
	}
	morning := hm >= 9*60+30 && hm <= 11*60+30
	afternoon := hm >= 13*60 && hm <= 15*60
	return morning || afternoon
}

// ValidateLotSize fails with ErrInvalidQuantity if quantity is not a
// positive multiple of the lot size.
func (e *Engine) ValidateLotSize(quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	if quantity%e.cfg.LotSize != 0 {
		return fmt.Errorf("%w: %d is not a multiple of %d", ErrInvalidQuantity, quantity, e.cfg.LotSize)
	}
	return nil
}

// IsST reports whether a security is under special treatment and therefore
// subject to the narrower price limit.
func IsST(security string) bool {
	return strings.Contains(security, "ST") || strings.HasPrefix(security, "*")
}

// LimitRate returns the daily limit rate applicable to security.
func (e *Engine) LimitRate(security string) decimal.Decimal {
	if IsST(security) {
		return e.cfg.LimitRateST
	}
	return e.cfg.LimitRate
}

// PriceLimitBand returns the (upper, lower) limit prices for a security
// given the previous close, rounded to two decimals.
func (e *Engine) PriceLimitBand(security string, lastClose decimal.Decimal) (upper, lower decimal.Decimal) {
	rate := e.LimitRate(security)
	one := decimal.NewFromInt(1)
	upper = lastClose.Mul(one.Add(rate)).Round(2)
	lower = lastClose.Mul(one.Sub(rate)).Round(2)
	return upper, lower
}

// CheckBuyBand fails with ErrPriceLimitBreach if a buy at price would be at
// or within tolerance of the upper band.
func (e *Engine) CheckBuyBand(security string, price, lastClose decimal.Decimal) error {
	upper, _ := e.PriceLimitBand(security, lastClose)
	threshold := upper.Mul(decimal.NewFromInt(1).Sub(e.cfg.UpperBandTolerance))
	if price.GreaterThanOrEqual(threshold) {
		return fmt.Errorf("%w: price %s at upper limit %s", ErrPriceLimitBreach, price, upper)
	}
	return nil
}

// CheckSellBand fails with ErrPriceLimitBreach unless price is strictly
// above the lower band.
func (e *Engine) CheckSellBand(security string, price, lastClose decimal.Decimal) error {
	_, lower := e.PriceLimitBand(security, lastClose)
	if price.LessThanOrEqual(lower) {
		return fmt.Errorf("%w: price %s at lower limit %s", ErrPriceLimitBreach, price, lower)
	}
	return nil
}

// CalculateFees computes the fee breakdown for a fill. Each component is
// rounded to two decimals before summing.
func (e *Engine) CalculateFees(price decimal.Decimal, quantity int64, direction model.Direction) (decimal.Decimal, model.Fees) {
	amount := price.Mul(decimal.NewFromInt(quantity))

	commission := decimal.Max(amount.Mul(e.cfg.CommissionRate), e.cfg.MinCommission).Round(2)
	stamp := decimal.Zero
	if direction == model.Sell {
		stamp = amount.Mul(e.cfg.StampDutyRate).Round(2)
	}
	transfer := amount.Mul(e.cfg.TransferFeeRate).Round(2)

	fees := model.Fees{
		Commission:  commission,
		StampDuty:   stamp,
		TransferFee: transfer,
		Total:       commission.Add(stamp).Add(transfer),
	}
	return fees.Total, fees
}

// IsT1Eligible reports whether shares traded at tradeDate may be sold at
// asOf: asOf must fall on a strictly later calendar date in exchange time.
func (e *Engine) IsT1Eligible(tradeDate, asOf time.Time) bool {
	ty, tm, td := tradeDate.In(e.cfg.Location).Date()
	ay, am, ad := asOf.In(e.cfg.Location).Date()
	trade := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	as := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	return as.After(trade)
}
