package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/ashare-arena/settlement/internal/model"
)

// orderKey orders the order index by creation time, then ID.
type orderKey struct {
	createdAt time.Time
	id        string
}

func lessOrderKey(a, b orderKey) bool {
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.id < b.id
}

type posKey struct {
	traderID string
	security string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions take a per-trader lock, stage their writes, and apply them
// under the store lock on commit, so readers never observe a partial unit.
type MemoryStore struct {
	mu         sync.RWMutex
	traders    map[string]*model.Trader
	positions  map[string]map[string]*model.Position // trader → security → position
	orders     map[string]*model.Order
	orderIndex *btree.BTreeG[orderKey]
	trades     []model.Trade
	snapshots  []model.PortfolioSnapshot
	audits     []model.DecisionAudit

	traderLocks sync.Map // trader ID → *sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		traders:    make(map[string]*model.Trader),
		positions:  make(map[string]map[string]*model.Position),
		orders:     make(map[string]*model.Order),
		orderIndex: btree.NewG[orderKey](32, lessOrderKey),
	}
}

func (s *MemoryStore) CreateTrader(_ context.Context, t *model.Trader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.traders[t.ID]; ok {
		return fmt.Errorf("trader %s already exists", t.ID)
	}
	for _, existing := range s.traders {
		if existing.Name == t.Name {
			return fmt.Errorf("trader named %q already exists", t.Name)
		}
	}
	cp := *t
	s.traders[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTrader(_ context.Context, id string) (*model.Trader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTraderLocked(id)
}

func (s *MemoryStore) getTraderLocked(id string) (*model.Trader, error) {
	t, ok := s.traders[id]
	if !ok {
		return nil, fmt.Errorf("trader %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTraders(_ context.Context) ([]model.Trader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	traders := make([]model.Trader, 0, len(s.traders))
	for _, t := range s.traders {
		traders = append(traders, *t)
	}
	sort.Slice(traders, func(i, j int) bool { return traders[i].Name < traders[j].Name })
	return traders, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, traderID, security string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPositionLocked(traderID, security)
}

func (s *MemoryStore) getPositionLocked(traderID, security string) (*model.Position, error) {
	p, ok := s.positions[traderID][security]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", traderID, security, ErrNotFound)
	}
	cp := copyPosition(p)
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, traderID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPositionsLocked(traderID), nil
}

func (s *MemoryStore) listPositionsLocked(traderID string) []model.Position {
	positions := make([]model.Position, 0, len(s.positions[traderID]))
	for _, p := range s.positions[traderID] {
		positions = append(positions, copyPosition(p))
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Security < positions[j].Security })
	return positions
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := copyOrder(o)
	s.orders[o.ID] = &cp
	s.orderIndex.ReplaceOrInsert(orderKey{createdAt: o.CreatedAt, id: o.ID})
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOrderLocked(id)
}

func (s *MemoryStore) getOrderLocked(id string) (*model.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := copyOrder(o)
	return &cp, nil
}

// ListOrders walks the creation-time index so results come back oldest first.
func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	s.orderIndex.Ascend(func(k orderKey) bool {
		o := s.orders[k.id]
		if f.TraderID != "" && o.TraderID != f.TraderID {
			return true
		}
		if f.Status != "" && o.Status != f.Status {
			return true
		}
		result = append(result, copyOrder(o))
		return f.Limit <= 0 || len(result) < f.Limit
	})
	return result, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, traderID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.TraderID == traderID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *model.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, traderID string, limit int) ([]model.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PortfolioSnapshot
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].TraderID != traderID {
			continue
		}
		result = append(result, s.snapshots[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertDecisionAudit(_ context.Context, a *model.DecisionAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	cp.Instructions = append([]byte(nil), a.Instructions...)
	cp.OrderIDs = append([]string(nil), a.OrderIDs...)
	s.audits = append(s.audits, cp)
	return nil
}

func (s *MemoryStore) ListDecisionAudits(_ context.Context, traderID string, limit int) ([]model.DecisionAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DecisionAudit
	for i := len(s.audits) - 1; i >= 0; i-- {
		if s.audits[i].TraderID != traderID {
			continue
		}
		result = append(result, s.audits[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// RunInTx serializes transactions per trader and applies fn's staged writes
// atomically when it returns nil.
func (s *MemoryStore) RunInTx(ctx context.Context, traderID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.traderLock(traderID)
	lock.Lock()
	defer lock.Unlock()

	tx := &memTx{
		s:         s,
		traders:   make(map[string]*model.Trader),
		positions: make(map[posKey]*model.Position),
		orders:    make(map[string]*model.Order),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) traderLock(traderID string) *sync.Mutex {
	l, _ := s.traderLocks.LoadOrStore(traderID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range tx.traders {
		s.traders[id] = t
	}
	for k, p := range tx.positions {
		if p == nil {
			delete(s.positions[k.traderID], k.security)
			continue
		}
		if s.positions[k.traderID] == nil {
			s.positions[k.traderID] = make(map[string]*model.Position)
		}
		s.positions[k.traderID][k.security] = p
	}
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	s.trades = append(s.trades, tx.trades...)
}

// memTx reads through its staged writes to the committed state.
type memTx struct {
	s         *MemoryStore
	traders   map[string]*model.Trader
	positions map[posKey]*model.Position // nil value marks a delete
	orders    map[string]*model.Order
	trades    []model.Trade
}

func (tx *memTx) GetTrader(_ context.Context, id string) (*model.Trader, error) {
	if t, ok := tx.traders[id]; ok {
		cp := *t
		return &cp, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.getTraderLocked(id)
}

func (tx *memTx) GetPosition(_ context.Context, traderID, security string) (*model.Position, error) {
	if p, ok := tx.positions[posKey{traderID, security}]; ok {
		if p == nil {
			return nil, fmt.Errorf("position %s/%s: %w", traderID, security, ErrNotFound)
		}
		cp := copyPosition(p)
		return &cp, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.getPositionLocked(traderID, security)
}

func (tx *memTx) ListPositions(_ context.Context, traderID string) ([]model.Position, error) {
	tx.s.mu.RLock()
	base := tx.s.listPositionsLocked(traderID)
	tx.s.mu.RUnlock()

	merged := make(map[string]model.Position, len(base))
	for _, p := range base {
		merged[p.Security] = p
	}
	for k, p := range tx.positions {
		if k.traderID != traderID {
			continue
		}
		if p == nil {
			delete(merged, k.security)
			continue
		}
		merged[k.security] = copyPosition(p)
	}

	positions := make([]model.Position, 0, len(merged))
	for _, p := range merged {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Security < positions[j].Security })
	return positions, nil
}

func (tx *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	if o, ok := tx.orders[id]; ok {
		cp := copyOrder(o)
		return &cp, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.getOrderLocked(id)
}

func (tx *memTx) UpdateTrader(ctx context.Context, t *model.Trader) error {
	if _, err := tx.GetTrader(ctx, t.ID); err != nil {
		return err
	}
	cp := *t
	tx.traders[t.ID] = &cp
	return nil
}

func (tx *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	cp := copyPosition(p)
	tx.positions[posKey{p.TraderID, p.Security}] = &cp
	return nil
}

func (tx *memTx) DeletePosition(ctx context.Context, traderID, security string) error {
	if _, err := tx.GetPosition(ctx, traderID, security); err != nil {
		return err
	}
	tx.positions[posKey{traderID, security}] = nil
	return nil
}

func (tx *memTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	if _, err := tx.GetOrder(ctx, o.ID); err != nil {
		return err
	}
	cp := copyOrder(o)
	tx.orders[o.ID] = &cp
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

func copyPosition(p *model.Position) model.Position {
	cp := *p
	if p.LastTradeDate != nil {
		d := *p.LastTradeDate
		cp.LastTradeDate = &d
	}
	return cp
}

func copyOrder(o *model.Order) model.Order {
	cp := *o
	if o.LimitPrice != nil {
		lp := *o.LimitPrice
		cp.LimitPrice = &lp
	}
	if o.FilledAt != nil {
		fa := *o.FilledAt
		cp.FilledAt = &fa
	}
	return cp
}
