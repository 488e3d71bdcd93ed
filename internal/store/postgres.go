package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ashare-arena/settlement/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// RunInTx opens a READ COMMITTED transaction and locks the trader row with
// SELECT ... FOR UPDATE, which serializes ledger mutations per trader.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const (
	traderColumns = `id, name, model_name, cash::TEXT, total_assets::TEXT, initial_cash::TEXT,
		active, created_at, updated_at`
	positionColumns = `trader_id, security, quantity, available_quantity,
		avg_cost::TEXT, current_price::TEXT, market_value::TEXT, profit::TEXT,
		last_trade_date, updated_at`
	orderColumns = `id, trader_id, security, direction, type, quantity, limit_price::TEXT,
		status, filled_price::TEXT, filled_quantity, reason, created_at, updated_at, filled_at`
	tradeColumns = `id, order_id, trader_id, security, direction, price::TEXT, quantity,
		amount::TEXT, commission::TEXT, stamp_duty::TEXT, transfer_fee::TEXT, total_fee::TEXT,
		created_at`
	snapshotColumns = `id, trader_id, cash::TEXT, market_value::TEXT, total_assets::TEXT,
		total_profit::TEXT, total_return::TEXT, created_at`
	auditColumns = `id, trader_id, prompt, raw_response, reasoning, instructions, order_ids,
		latency_ms, tokens_used, error, created_at`
)

// --- Traders ---

func (s *PostgresStore) CreateTrader(ctx context.Context, t *model.Trader) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO traders (id, name, model_name, cash, total_assets, initial_cash, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		t.ID, t.Name, t.ModelName,
		t.Cash.String(), t.TotalAssets.String(), t.InitialCash.String(),
		t.Active, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetTrader(ctx context.Context, id string) (*model.Trader, error) {
	return getTrader(ctx, s.pool, id)
}

func getTrader(ctx context.Context, q querier, id string) (*model.Trader, error) {
	t, err := scanTrader(q.QueryRow(ctx, `SELECT `+traderColumns+` FROM traders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "trader %s", id)
	}
	return t, nil
}

func (s *PostgresStore) ListTraders(ctx context.Context) ([]model.Trader, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+traderColumns+` FROM traders ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traders []model.Trader
	for rows.Next() {
		t, err := scanTrader(rows)
		if err != nil {
			return nil, err
		}
		traders = append(traders, *t)
	}
	return traders, rows.Err()
}

func scanTrader(row scanner) (*model.Trader, error) {
	var t model.Trader
	var cash, total, initial string
	if err := row.Scan(&t.ID, &t.Name, &t.ModelName, &cash, &total, &initial,
		&t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Cash = dec(cash)
	t.TotalAssets = dec(total)
	t.InitialCash = dec(initial)
	return &t, nil
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, traderID, security string) (*model.Position, error) {
	return getPosition(ctx, s.pool, traderID, security)
}

func getPosition(ctx context.Context, q querier, traderID, security string) (*model.Position, error) {
	p, err := scanPosition(q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE trader_id = $1 AND security = $2`,
		traderID, security))
	if err != nil {
		return nil, notFound(err, "position %s/%s", traderID, security)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, traderID string) ([]model.Position, error) {
	return listPositions(ctx, s.pool, traderID)
}

func listPositions(ctx context.Context, q querier, traderID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE trader_id = $1 ORDER BY security`, traderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var avgCost, price, value, profit string
	if err := row.Scan(&p.TraderID, &p.Security, &p.Quantity, &p.AvailableQuantity,
		&avgCost, &price, &value, &profit, &p.LastTradeDate, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AvgCost = dec(avgCost)
	p.CurrentPrice = dec(price)
	p.MarketValue = dec(value)
	p.Profit = dec(profit)
	return &p, nil
}

// --- Orders ---

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, trader_id, security, direction, type, quantity, limit_price,
		                     status, filled_price, filled_quantity, reason, created_at, updated_at, filled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9::NUMERIC, $10, $11, $12, $13, $14)`,
		o.ID, o.TraderID, o.Security, string(o.Direction), string(o.Type), o.Quantity,
		nullableDec(o.LimitPrice), string(o.Status), o.FilledPrice.String(), o.FilledQuantity,
		o.Reason, o.CreatedAt, o.UpdatedAt, o.FilledAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.pool, id, false)
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*model.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, notFound(err, "order %s", id)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders
		WHERE ($1::TEXT = '' OR trader_id = $1) AND ($2::TEXT = '' OR status = $2)
		ORDER BY created_at, id`
	args := []any{f.TraderID, string(f.Status)}
	if f.Limit > 0 {
		sql += ` LIMIT $3`
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanOrder(row scanner) (*model.Order, error) {
	var o model.Order
	var direction, typ, status, filledPrice string
	var limit *string
	if err := row.Scan(&o.ID, &o.TraderID, &o.Security, &direction, &typ, &o.Quantity, &limit,
		&status, &filledPrice, &o.FilledQuantity, &o.Reason, &o.CreatedAt, &o.UpdatedAt, &o.FilledAt); err != nil {
		return nil, err
	}
	o.Direction = model.Direction(direction)
	o.Type = model.OrderType(typ)
	o.Status = model.OrderStatus(status)
	o.FilledPrice = dec(filledPrice)
	if limit != nil {
		lp := dec(*limit)
		o.LimitPrice = &lp
	}
	return &o, nil
}

// --- Trades ---

func (s *PostgresStore) ListTrades(ctx context.Context, traderID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE trader_id = $1 ORDER BY created_at`, traderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var direction, price, amount, commission, stamp, transfer, total string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.TraderID, &t.Security, &direction, &price,
			&t.Quantity, &amount, &commission, &stamp, &transfer, &total, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Direction = model.Direction(direction)
		t.Price = dec(price)
		t.Amount = dec(amount)
		t.Fees = model.Fees{
			Commission:  dec(commission),
			StampDuty:   dec(stamp),
			TransferFee: dec(transfer),
			Total:       dec(total),
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Snapshots & audits ---

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.PortfolioSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolio_snapshots (id, trader_id, cash, market_value, total_assets, total_profit, total_return, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		snap.ID, snap.TraderID, snap.Cash.String(), snap.MarketValue.String(),
		snap.TotalAssets.String(), snap.TotalProfit.String(), snap.TotalReturn.String(), snap.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, traderID string, limit int) ([]model.PortfolioSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM portfolio_snapshots WHERE trader_id = $1
		 ORDER BY created_at DESC LIMIT NULLIF($2, 0)`, traderID, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.PortfolioSnapshot
	for rows.Next() {
		var sn model.PortfolioSnapshot
		var cash, value, total, profit, ret string
		if err := rows.Scan(&sn.ID, &sn.TraderID, &cash, &value, &total, &profit, &ret, &sn.CreatedAt); err != nil {
			return nil, err
		}
		sn.Cash = dec(cash)
		sn.MarketValue = dec(value)
		sn.TotalAssets = dec(total)
		sn.TotalProfit = dec(profit)
		sn.TotalReturn = dec(ret)
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) InsertDecisionAudit(ctx context.Context, a *model.DecisionAudit) error {
	orderIDs := a.OrderIDs
	if orderIDs == nil {
		orderIDs = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO decision_audits (id, trader_id, prompt, raw_response, reasoning, instructions,
		                              order_ids, latency_ms, tokens_used, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.TraderID, a.Prompt, a.RawResponse, a.Reasoning, a.Instructions,
		orderIDs, a.LatencyMs, a.TokensUsed, a.Error, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListDecisionAudits(ctx context.Context, traderID string, limit int) ([]model.DecisionAudit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM decision_audits WHERE trader_id = $1
		 ORDER BY created_at DESC LIMIT NULLIF($2, 0)`, traderID, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []model.DecisionAudit
	for rows.Next() {
		var a model.DecisionAudit
		if err := rows.Scan(&a.ID, &a.TraderID, &a.Prompt, &a.RawResponse, &a.Reasoning,
			&a.Instructions, &a.OrderIDs, &a.LatencyMs, &a.TokensUsed, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// --- Transactions ---

func (s *PostgresStore) RunInTx(ctx context.Context, traderID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer tx.Rollback(ctx)

	var locked int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM traders WHERE id = $1 FOR UPDATE`, traderID).Scan(&locked); err != nil {
		return notFound(err, "trader %s", traderID)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetTrader(ctx context.Context, id string) (*model.Trader, error) {
	return getTrader(ctx, t.tx, id)
}

func (t *pgTx) GetPosition(ctx context.Context, traderID, security string) (*model.Position, error) {
	return getPosition(ctx, t.tx, traderID, security)
}

func (t *pgTx) ListPositions(ctx context.Context, traderID string) ([]model.Position, error) {
	return listPositions(ctx, t.tx, traderID)
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateTrader(ctx context.Context, tr *model.Trader) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE traders SET cash = $2::NUMERIC, total_assets = $3::NUMERIC, active = $4, updated_at = $5
		 WHERE id = $1`,
		tr.ID, tr.Cash.String(), tr.TotalAssets.String(), tr.Active, tr.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trader %s: %w", tr.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (trader_id, security, quantity, available_quantity, avg_cost,
		                        current_price, market_value, profit, last_trade_date, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)
		 ON CONFLICT (trader_id, security) DO UPDATE SET
		     quantity = EXCLUDED.quantity,
		     available_quantity = EXCLUDED.available_quantity,
		     avg_cost = EXCLUDED.avg_cost,
		     current_price = EXCLUDED.current_price,
		     market_value = EXCLUDED.market_value,
		     profit = EXCLUDED.profit,
		     last_trade_date = EXCLUDED.last_trade_date,
		     updated_at = EXCLUDED.updated_at`,
		p.TraderID, p.Security, p.Quantity, p.AvailableQuantity,
		p.AvgCost.String(), p.CurrentPrice.String(), p.MarketValue.String(), p.Profit.String(),
		p.LastTradeDate, p.UpdatedAt,
	)
	return err
}

func (t *pgTx) DeletePosition(ctx context.Context, traderID, security string) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE trader_id = $1 AND security = $2`, traderID, security)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s/%s: %w", traderID, security, ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $2, filled_price = $3::NUMERIC, filled_quantity = $4,
		                   reason = $5, updated_at = $6, filled_at = $7
		 WHERE id = $1`,
		o.ID, string(o.Status), o.FilledPrice.String(), o.FilledQuantity, o.Reason, o.UpdatedAt, o.FilledAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, order_id, trader_id, security, direction, price, quantity, amount,
		                     commission, stamp_duty, transfer_fee, total_fee, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13)`,
		tr.ID, tr.OrderID, tr.TraderID, tr.Security, string(tr.Direction), tr.Price.String(), tr.Quantity,
		tr.Amount.String(), tr.Fees.Commission.String(), tr.Fees.StampDuty.String(),
		tr.Fees.TransferFee.String(), tr.Fees.Total.String(), tr.CreatedAt,
	)
	return err
}

// --- helpers ---

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func nullableDec(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
