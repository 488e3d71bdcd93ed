// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ashare-arena/settlement/internal/rules"
)

// TraderSeed is one trader created at startup if it does not exist yet.
type TraderSeed struct {
	Name  string
	Model string
}

// Config holds all runtime configuration for the arena.
type Config struct {
	Port     int
	LogLevel string

	DatabaseURL   string
	RedisURL      string
	RedisCacheTTL time.Duration

	MarketInterval      time.Duration
	DecisionInterval    time.Duration
	SettlementInterval  time.Duration
	DecisionDelay       time.Duration
	SettlementDelay     time.Duration
	DecisionTimeout     time.Duration
	PausedSleep         time.Duration
	ShutdownTimeout     time.Duration
	EnforceTradingHours bool

	Universe    map[string]string
	InitialCash decimal.Decimal
	Traders     []TraderSeed
	DecisionURL string

	Rules rules.Config
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: getStr("DATABASE_URL", ""),
		RedisURL:    getStr("REDIS_URL", ""),
		DecisionURL: getStr("DECISION_URL", ""),
	}

	var err error
	if cfg.Port, err = getInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", cfg.Port)
	}

	cfg.LogLevel = getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"REDIS_CACHE_TTL", 30 * time.Second, &cfg.RedisCacheTTL},
		{"MARKET_INTERVAL", 15 * time.Second, &cfg.MarketInterval},
		{"DECISION_INTERVAL", 30 * time.Minute, &cfg.DecisionInterval},
		{"SETTLEMENT_INTERVAL", 15 * time.Second, &cfg.SettlementInterval},
		{"DECISION_DELAY", 10 * time.Second, &cfg.DecisionDelay},
		{"SETTLEMENT_DELAY", 5 * time.Second, &cfg.SettlementDelay},
		{"DECISION_TIMEOUT", 30 * time.Second, &cfg.DecisionTimeout},
		{"PAUSED_SLEEP", 60 * time.Second, &cfg.PausedSleep},
		{"SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, d.def)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("invalid %s: %v is negative", d.key, v)
		}
		*d.dst = v
	}
	for key, v := range map[string]time.Duration{
		"MARKET_INTERVAL":     cfg.MarketInterval,
		"DECISION_INTERVAL":   cfg.DecisionInterval,
		"SETTLEMENT_INTERVAL": cfg.SettlementInterval,
		"DECISION_TIMEOUT":    cfg.DecisionTimeout,
	} {
		if v == 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", key)
		}
	}

	if cfg.EnforceTradingHours, err = getBool("ENFORCE_TRADING_HOURS", true); err != nil {
		return nil, fmt.Errorf("invalid ENFORCE_TRADING_HOURS: %w", err)
	}

	if cfg.Universe, err = parseUniverse(getStr("UNIVERSE", "")); err != nil {
		return nil, fmt.Errorf("invalid UNIVERSE: %w", err)
	}

	if cfg.InitialCash, err = getDecimal("INITIAL_CASH", decimal.NewFromInt(100000)); err != nil {
		return nil, fmt.Errorf("invalid INITIAL_CASH: %w", err)
	}
	if !cfg.InitialCash.IsPositive() {
		return nil, fmt.Errorf("invalid INITIAL_CASH: %s must be positive", cfg.InitialCash)
	}

	if cfg.Traders, err = parseTraders(getStr("TRADERS", "")); err != nil {
		return nil, fmt.Errorf("invalid TRADERS: %w", err)
	}

	if cfg.Rules, err = loadRules(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SlogLevel returns LogLevel as a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadRules() (rules.Config, error) {
	def := rules.DefaultConfig()
	rc := def

	tz := getStr("EXCHANGE_TZ", "")
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return rc, fmt.Errorf("invalid EXCHANGE_TZ: %w", err)
		}
		rc.Location = loc
	}

	rates := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"COMMISSION_RATE", &rc.CommissionRate},
		{"STAMP_DUTY_RATE", &rc.StampDutyRate},
		{"TRANSFER_FEE_RATE", &rc.TransferFeeRate},
		{"MIN_COMMISSION", &rc.MinCommission},
	}
	for _, r := range rates {
		v, err := getDecimal(r.key, *r.dst)
		if err != nil {
			return rc, fmt.Errorf("invalid %s: %w", r.key, err)
		}
		if v.IsNegative() {
			return rc, fmt.Errorf("invalid %s: %s is negative", r.key, v)
		}
		*r.dst = v
	}

	lot, err := getInt("LOT_SIZE", int(def.LotSize))
	if err != nil {
		return rc, fmt.Errorf("invalid LOT_SIZE: %w", err)
	}
	if lot <= 0 {
		return rc, fmt.Errorf("invalid LOT_SIZE: %d must be positive", lot)
	}
	rc.LotSize = int64(lot)
	return rc, nil
}

// parseUniverse reads "code:name,code:name". Empty selects the default
// six-security universe.
func parseUniverse(v string) (map[string]string, error) {
	if strings.TrimSpace(v) == "" {
		out := make(map[string]string, len(rules.DefaultSecurities))
		for code, name := range rules.DefaultSecurities {
			out[code] = name
		}
		return out, nil
	}
	out := make(map[string]string)
	for _, item := range strings.Split(v, ",") {
		code, name, _ := strings.Cut(strings.TrimSpace(item), ":")
		c, err := rules.ParseSecurity(code)
		if err != nil {
			return nil, err
		}
		if name == "" {
			name = c
		}
		out[c] = name
	}
	return out, nil
}

// parseTraders reads "name:model,name:model".
func parseTraders(v string) ([]TraderSeed, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	var out []TraderSeed
	seen := make(map[string]bool)
	for _, item := range strings.Split(v, ",") {
		name, model, _ := strings.Cut(strings.TrimSpace(item), ":")
		if name == "" {
			return nil, fmt.Errorf("empty trader name in %q", item)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate trader %q", name)
		}
		seen[name] = true
		if model == "" {
			model = name
		}
		out = append(out, TraderSeed{Name: name, Model: model})
	}
	return out, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return decimal.NewFromString(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
