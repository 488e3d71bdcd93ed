package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashare-arena/settlement/internal/model"
)

// MaxHistoryLimit is the largest snapshot or audit page held in the cache.
const MaxHistoryLimit = 500

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the append-only history (trades, snapshots, decision audits).
// Writes go to the primary store and invalidate the cache; reads check Redis
// first then fall back to the primary.
//
// Traders, positions and orders are never cached: settlement must see
// committed state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateTrader(ctx context.Context, t *model.Trader) error {
	return s.primary.CreateTrader(ctx, t)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) InsertSnapshot(ctx context.Context, snap *model.PortfolioSnapshot) error {
	if err := s.primary.InsertSnapshot(ctx, snap); err != nil {
		return err
	}
	s.rdb.Del(ctx, snapshotsKey(snap.TraderID))
	return nil
}

func (s *CachedStore) InsertDecisionAudit(ctx context.Context, a *model.DecisionAudit) error {
	if err := s.primary.InsertDecisionAudit(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, auditsKey(a.TraderID))
	return nil
}

// RunInTx delegates to the primary and drops the trader's trade history
// after a successful commit.
func (s *CachedStore) RunInTx(ctx context.Context, traderID string, fn func(tx Tx) error) error {
	if err := s.primary.RunInTx(ctx, traderID, fn); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradesKey(traderID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListTrades(ctx context.Context, traderID string) ([]model.Trade, error) {
	var trades []model.Trade
	if s.load(ctx, tradesKey(traderID), &trades) {
		return trades, nil
	}

	trades, err := s.primary.ListTrades(ctx, traderID)
	if err != nil {
		return nil, err
	}
	s.store(ctx, tradesKey(traderID), trades)
	return trades, nil
}

// ListSnapshots caches the newest MaxHistoryLimit snapshots and serves
// smaller limits from them. Unbounded or larger reads go to the primary.
func (s *CachedStore) ListSnapshots(ctx context.Context, traderID string, limit int) ([]model.PortfolioSnapshot, error) {
	if limit <= 0 || limit > MaxHistoryLimit {
		return s.primary.ListSnapshots(ctx, traderID, limit)
	}
	var snaps []model.PortfolioSnapshot
	if !s.load(ctx, snapshotsKey(traderID), &snaps) {
		var err error
		snaps, err = s.primary.ListSnapshots(ctx, traderID, MaxHistoryLimit)
		if err != nil {
			return nil, err
		}
		s.store(ctx, snapshotsKey(traderID), snaps)
	}
	return head(snaps, limit), nil
}

// ListDecisionAudits caches the newest MaxHistoryLimit audits, like
// ListSnapshots.
func (s *CachedStore) ListDecisionAudits(ctx context.Context, traderID string, limit int) ([]model.DecisionAudit, error) {
	if limit <= 0 || limit > MaxHistoryLimit {
		return s.primary.ListDecisionAudits(ctx, traderID, limit)
	}
	var audits []model.DecisionAudit
	if !s.load(ctx, auditsKey(traderID), &audits) {
		var err error
		audits, err = s.primary.ListDecisionAudits(ctx, traderID, MaxHistoryLimit)
		if err != nil {
			return nil, err
		}
		s.store(ctx, auditsKey(traderID), audits)
	}
	return head(audits, limit), nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTrader(ctx context.Context, id string) (*model.Trader, error) {
	return s.primary.GetTrader(ctx, id)
}

func (s *CachedStore) ListTraders(ctx context.Context) ([]model.Trader, error) {
	return s.primary.ListTraders(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, traderID, security string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, traderID, security)
}

func (s *CachedStore) ListPositions(ctx context.Context, traderID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, traderID)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, f)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) store(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func head[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func tradesKey(traderID string) string    { return fmt.Sprintf("trades:%s", traderID) }
func snapshotsKey(traderID string) string { return fmt.Sprintf("snapshots:%s", traderID) }
func auditsKey(traderID string) string    { return fmt.Sprintf("audits:%s", traderID) }
