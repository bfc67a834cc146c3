package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxtrade/execore/internal/domain/quotestore"
	"github.com/fluxtrade/execore/internal/schema"
)

// QuoteStore persists market-making configuration, quotes, and trades.
type QuoteStore struct {
	pool *pgxpool.Pool
}

// NewQuoteStore constructs a QuoteStore backed by the provided pool.
func NewQuoteStore(pool *pgxpool.Pool) *QuoteStore {
	return &QuoteStore{pool: pool}
}

const (
	mmConfigUpsertSQL = `
INSERT INTO mm_configs (
    symbol,
    strategy,
    base_spread_bps,
    min_spread_bps,
    max_spread_bps,
    order_size,
    num_levels,
    level_spacing_bps,
    max_inventory,
    inventory_target,
    refresh_interval_ms,
    min_order_value,
    script_source,
    updated_at
)
VALUES (
    @symbol,
    @strategy,
    @base_spread_bps,
    @min_spread_bps,
    @max_spread_bps,
    @order_size,
    @num_levels,
    @level_spacing_bps,
    @max_inventory,
    @inventory_target,
    @refresh_interval_ms,
    @min_order_value,
    @script_source,
    NOW()
)
ON CONFLICT (symbol) DO UPDATE SET
    strategy = EXCLUDED.strategy,
    base_spread_bps = EXCLUDED.base_spread_bps,
    min_spread_bps = EXCLUDED.min_spread_bps,
    max_spread_bps = EXCLUDED.max_spread_bps,
    order_size = EXCLUDED.order_size,
    num_levels = EXCLUDED.num_levels,
    level_spacing_bps = EXCLUDED.level_spacing_bps,
    max_inventory = EXCLUDED.max_inventory,
    inventory_target = EXCLUDED.inventory_target,
    refresh_interval_ms = EXCLUDED.refresh_interval_ms,
    min_order_value = EXCLUDED.min_order_value,
    script_source = EXCLUDED.script_source,
    updated_at = NOW();
`

	mmQuoteUpsertSQL = `
INSERT INTO mm_quotes (
    id,
    symbol,
    side,
    level,
    price,
    size,
    status,
    filled_size,
    fill_price,
    created_at,
    updated_at
)
VALUES (
    @id,
    @symbol,
    @side,
    @level,
    @price,
    @size,
    @status,
    @filled_size,
    @fill_price,
    @created_at,
    @updated_at
)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    filled_size = EXCLUDED.filled_size,
    fill_price = EXCLUDED.fill_price,
    updated_at = EXCLUDED.updated_at;
`

	mmTradeInsertSQL = `
INSERT INTO mm_trades (
    order_id,
    symbol,
    side,
    price,
    size,
    fee,
    pnl,
    traded_at
)
VALUES (
    @order_id,
    @symbol,
    @side,
    @price,
    @size,
    @fee,
    @pnl,
    @traded_at
);
`

	defaultQuoteLimit = 100
	maxQuoteLimit     = 1000
)

func (s *QuoteStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("quote store: nil pool")
	}
	return s.pool, nil
}

// SaveConfig upserts the per-symbol market-making configuration.
func (s *QuoteStore) SaveConfig(ctx context.Context, cfg quotestore.Config) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	symbol := schema.NormalizeSymbol(cfg.Symbol)
	if symbol == "" {
		return fmt.Errorf("quote store: symbol required")
	}
	args := pgx.NamedArgs{
		"symbol":              symbol,
		"strategy":            string(cfg.Strategy),
		"base_spread_bps":     cfg.BaseSpreadBps,
		"min_spread_bps":      cfg.MinSpreadBps,
		"max_spread_bps":      cfg.MaxSpreadBps,
		"order_size":          cfg.OrderSize,
		"num_levels":          cfg.NumLevels,
		"level_spacing_bps":   cfg.LevelSpacingBps,
		"max_inventory":       cfg.MaxInventory,
		"inventory_target":    cfg.InventoryTarget,
		"refresh_interval_ms": cfg.RefreshInterval.Milliseconds(),
		"min_order_value":     cfg.MinOrderValue,
		"script_source":       nullableString(cfg.ScriptSource),
	}
	if _, err := pool.Exec(ctx, mmConfigUpsertSQL, args); err != nil {
		return fmt.Errorf("quote store: upsert config: %w", err)
	}
	return nil
}

// GetConfig returns the configuration for a symbol.
func (s *QuoteStore) GetConfig(ctx context.Context, symbol string) (quotestore.Config, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return quotestore.Config{}, false, err
	}
	rows, err := pool.Query(ctx, `
SELECT
    symbol,
    strategy,
    base_spread_bps,
    min_spread_bps,
    max_spread_bps,
    order_size,
    num_levels,
    level_spacing_bps,
    max_inventory,
    inventory_target,
    refresh_interval_ms,
    min_order_value,
    COALESCE(script_source, '')
FROM mm_configs
WHERE symbol = $1`, schema.NormalizeSymbol(symbol))
	if err != nil {
		return quotestore.Config{}, false, fmt.Errorf("quote store: get config: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return quotestore.Config{}, false, fmt.Errorf("quote store: get config: %w", err)
		}
		return quotestore.Config{}, false, nil
	}

	var (
		cfg        quotestore.Config
		strategy   string
		intervalMs int64
	)
	if err := rows.Scan(
		&cfg.Symbol,
		&strategy,
		&cfg.BaseSpreadBps,
		&cfg.MinSpreadBps,
		&cfg.MaxSpreadBps,
		&cfg.OrderSize,
		&cfg.NumLevels,
		&cfg.LevelSpacingBps,
		&cfg.MaxInventory,
		&cfg.InventoryTarget,
		&intervalMs,
		&cfg.MinOrderValue,
		&cfg.ScriptSource,
	); err != nil {
		return quotestore.Config{}, false, fmt.Errorf("quote store: scan config: %w", err)
	}
	cfg.Strategy = quotestore.Strategy(strategy)
	cfg.RefreshInterval = time.Duration(intervalMs) * time.Millisecond
	return cfg, true, nil
}

// SaveQuote upserts a resting quote order.
func (s *QuoteStore) SaveQuote(ctx context.Context, quote quotestore.Quote) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(quote.ID) == "" {
		return fmt.Errorf("quote store: quote id required")
	}
	args := pgx.NamedArgs{
		"id":          quote.ID,
		"symbol":      schema.NormalizeSymbol(quote.Symbol),
		"side":        string(quote.Side),
		"level":       quote.Level,
		"price":       quote.Price,
		"size":        quote.Size,
		"status":      string(quote.Status),
		"filled_size": quote.FilledSize,
		"fill_price":  quote.FillPrice,
		"created_at":  timestampOrNow(quote.CreatedAt),
		"updated_at":  timestampOrNow(quote.UpdatedAt),
	}
	if _, err := pool.Exec(ctx, mmQuoteUpsertSQL, args); err != nil {
		return fmt.Errorf("quote store: upsert quote: %w", err)
	}
	return nil
}

// ListQuotes returns quotes for a symbol filtered by status, newest first.
func (s *QuoteStore) ListQuotes(ctx context.Context, symbol string, statuses []quotestore.QuoteStatus, limit int) ([]quotestore.Quote, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	clamped := clampLimit(limit, defaultQuoteLimit, maxQuoteLimit)

	builder := strings.Builder{}
	builder.WriteString(`
SELECT id, symbol, side, level, price, size, status, filled_size, fill_price, created_at, updated_at
FROM mm_quotes
WHERE symbol = $1`)

	args := []any{schema.NormalizeSymbol(symbol)}
	argPos := 2

	if len(statuses) > 0 {
		values := make([]string, 0, len(statuses))
		for _, status := range statuses {
			values = append(values, string(status))
		}
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, values)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY created_at DESC LIMIT $%d", argPos)
	args = append(args, clamped)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("quote store: list quotes: %w", err)
	}
	defer rows.Close()

	var quotes []quotestore.Quote
	for rows.Next() {
		var (
			quote  quotestore.Quote
			side   string
			status string
		)
		if err := rows.Scan(
			&quote.ID,
			&quote.Symbol,
			&side,
			&quote.Level,
			&quote.Price,
			&quote.Size,
			&status,
			&quote.FilledSize,
			&quote.FillPrice,
			&quote.CreatedAt,
			&quote.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("quote store: scan quote: %w", err)
		}
		quote.Side = quotestore.QuoteSide(side)
		quote.Status = quotestore.QuoteStatus(status)
		quotes = append(quotes, quote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quote store: iterate quotes: %w", err)
	}
	return quotes, nil
}

// RecordTrade appends a reconciled trade record.
func (s *QuoteStore) RecordTrade(ctx context.Context, trade quotestore.Trade) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"order_id":  strings.TrimSpace(trade.OrderID),
		"symbol":    schema.NormalizeSymbol(trade.Symbol),
		"side":      string(trade.Side),
		"price":     trade.Price,
		"size":      trade.Size,
		"fee":       trade.Fee,
		"pnl":       trade.Pnl,
		"traded_at": timestampOrNow(trade.Timestamp),
	}
	if _, err := pool.Exec(ctx, mmTradeInsertSQL, args); err != nil {
		return fmt.Errorf("quote store: insert trade: %w", err)
	}
	return nil
}

// ListTrades returns trade records for a symbol, newest first.
func (s *QuoteStore) ListTrades(ctx context.Context, symbol string, limit int) ([]quotestore.Trade, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	clamped := clampLimit(limit, defaultQuoteLimit, maxQuoteLimit)

	rows, err := pool.Query(ctx, `
SELECT order_id, symbol, side, price, size, fee, pnl, traded_at
FROM mm_trades
WHERE symbol = $1
ORDER BY traded_at DESC
LIMIT $2`, schema.NormalizeSymbol(symbol), clamped)
	if err != nil {
		return nil, fmt.Errorf("quote store: list trades: %w", err)
	}
	defer rows.Close()

	var trades []quotestore.Trade
	for rows.Next() {
		var (
			trade quotestore.Trade
			side  string
		)
		if err := rows.Scan(
			&trade.OrderID,
			&trade.Symbol,
			&side,
			&trade.Price,
			&trade.Size,
			&trade.Fee,
			&trade.Pnl,
			&trade.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("quote store: scan trade: %w", err)
		}
		trade.Side = quotestore.QuoteSide(side)
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quote store: iterate trades: %w", err)
	}
	return trades, nil
}
