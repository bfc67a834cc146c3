package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxtrade/execore/internal/domain/orderstore"
	"github.com/fluxtrade/execore/internal/schema"
)

// OrderStore persists conditional order lifecycle information.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderUpsertSQL = `
INSERT INTO orders (
    id,
    symbol,
    side,
    kind,
    price,
    size,
    size_quote_value,
    stop_price,
    trailing_percent,
    high_water_mark,
    status,
    time_in_force,
    created_at,
    updated_at,
    expires_at,
    filled_size,
    filled_price,
    filled_at,
    tx_ref,
    linked_order_id,
    error_message
)
VALUES (
    @id,
    @symbol,
    @side,
    @kind,
    @price,
    @size,
    @size_quote_value,
    @stop_price,
    @trailing_percent,
    @high_water_mark,
    @status,
    @time_in_force,
    @created_at,
    @updated_at,
    @expires_at,
    @filled_size,
    @filled_price,
    @filled_at,
    @tx_ref,
    @linked_order_id,
    @error_message
)
ON CONFLICT (id) DO UPDATE SET
    price = EXCLUDED.price,
    stop_price = EXCLUDED.stop_price,
    trailing_percent = EXCLUDED.trailing_percent,
    high_water_mark = EXCLUDED.high_water_mark,
    status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at,
    filled_size = EXCLUDED.filled_size,
    filled_price = EXCLUDED.filled_price,
    filled_at = EXCLUDED.filled_at,
    tx_ref = EXCLUDED.tx_ref,
    linked_order_id = EXCLUDED.linked_order_id,
    error_message = EXCLUDED.error_message;
`

	fillInsertSQL = `
INSERT INTO order_fills (
    order_id,
    price,
    size,
    value,
    fee,
    tx_ref,
    recorded_at
)
VALUES (
    @order_id,
    @price,
    @size,
    @value,
    @fee,
    @tx_ref,
    @recorded_at
);
`

	statusChangeInsertSQL = `
INSERT INTO order_status_history (
    order_id,
    from_status,
    to_status,
    details,
    recorded_at
)
VALUES (
    @order_id,
    @from_status,
    @to_status,
    @details,
    @recorded_at
);
`

	orderSelectBase = `
SELECT
    o.id,
    o.symbol,
    o.side,
    o.kind,
    o.price,
    o.size,
    o.size_quote_value,
    o.stop_price,
    o.trailing_percent,
    o.high_water_mark,
    o.status,
    o.time_in_force,
    o.created_at,
    o.updated_at,
    o.expires_at,
    o.filled_size,
    o.filled_price,
    o.filled_at,
    o.tx_ref,
    o.linked_order_id,
    o.error_message
FROM orders o
`

	defaultOrderLimit = 50
	maxOrderLimit     = 500
	defaultFillLimit  = 500
)

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

// SaveOrder upserts the full order snapshot. Idempotent on order id.
func (s *OrderStore) SaveOrder(ctx context.Context, order schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("order store: order id required")
	}
	args := pgx.NamedArgs{
		"id":               order.ID,
		"symbol":           schema.NormalizeSymbol(order.Symbol),
		"side":             string(order.Side),
		"kind":             string(order.Kind),
		"price":            order.Price,
		"size":             order.Size,
		"size_quote_value": order.SizeQuoteValue,
		"stop_price":       order.StopPrice,
		"trailing_percent": order.TrailingPercent,
		"high_water_mark":  order.HighWaterMark,
		"status":           string(order.Status),
		"time_in_force":    string(order.TimeInForce),
		"created_at":       order.CreatedAt,
		"updated_at":       order.UpdatedAt,
		"expires_at":       nullableTime(order.ExpiresAt),
		"filled_size":      order.FilledSize,
		"filled_price":     order.FilledPrice,
		"filled_at":        nullableTime(order.FilledAt),
		"tx_ref":           nullableString(order.TxRef),
		"linked_order_id":  nullableString(order.LinkedOrderID),
		"error_message":    nullableString(order.ErrorMessage),
	}
	if _, err := pool.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("order store: upsert order: %w", err)
	}
	return nil
}

// RecordFill appends a fill record.
func (s *OrderStore) RecordFill(ctx context.Context, fill orderstore.Fill) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(fill.OrderID) == "" {
		return fmt.Errorf("order store: fill order id required")
	}
	args := pgx.NamedArgs{
		"order_id":    fill.OrderID,
		"price":       fill.Price,
		"size":        fill.Size,
		"value":       fill.Value,
		"fee":         fill.Fee,
		"tx_ref":      nullableString(fill.TxRef),
		"recorded_at": timestampOrNow(fill.Timestamp),
	}
	if _, err := pool.Exec(ctx, fillInsertSQL, args); err != nil {
		return fmt.Errorf("order store: insert fill: %w", err)
	}
	return nil
}

// RecordStatusChange appends a status-transition audit entry.
func (s *OrderStore) RecordStatusChange(ctx context.Context, change orderstore.StatusChange) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"order_id":    strings.TrimSpace(change.OrderID),
		"from_status": string(change.From),
		"to_status":   string(change.To),
		"details":     nullableString(change.Details),
		"recorded_at": timestampOrNow(change.Timestamp),
	}
	if _, err := pool.Exec(ctx, statusChangeInsertSQL, args); err != nil {
		return fmt.Errorf("order store: insert status change: %w", err)
	}
	return nil
}

// GetOrder returns the order snapshot for the given id.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (schema.Order, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, false, err
	}
	rows, err := pool.Query(ctx, orderSelectBase+" WHERE o.id = $1", strings.TrimSpace(id))
	if err != nil {
		return schema.Order{}, false, fmt.Errorf("order store: get order: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return schema.Order{}, false, fmt.Errorf("order store: get order: %w", err)
		}
		return schema.Order{}, false, nil
	}
	order, err := scanOrder(rows)
	if err != nil {
		return schema.Order{}, false, err
	}
	return order, true, nil
}

// ListOrders retrieves persisted orders matching the supplied query filters.
func (s *OrderStore) ListOrders(ctx context.Context, query orderstore.Query) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1

	if trimmed := schema.NormalizeSymbol(query.Symbol); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.symbol = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if statuses := statusStrings(query.Statuses); len(statuses) > 0 {
		fmt.Fprintf(&builder, " AND o.status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY o.created_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	var orders []schema.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, nil
}

// ListFills retrieves fill records for an order in insertion order.
func (s *OrderStore) ListFills(ctx context.Context, orderID string) ([]orderstore.Fill, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `
SELECT order_id, price, size, value, fee, COALESCE(tx_ref, ''), recorded_at
FROM order_fills
WHERE order_id = $1
ORDER BY id ASC
LIMIT $2`, strings.TrimSpace(orderID), defaultFillLimit)
	if err != nil {
		return nil, fmt.Errorf("order store: list fills: %w", err)
	}
	defer rows.Close()

	var fills []orderstore.Fill
	for rows.Next() {
		var fill orderstore.Fill
		if err := rows.Scan(&fill.OrderID, &fill.Price, &fill.Size, &fill.Value, &fill.Fee, &fill.TxRef, &fill.Timestamp); err != nil {
			return nil, fmt.Errorf("order store: scan fill: %w", err)
		}
		fills = append(fills, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate fills: %w", err)
	}
	return fills, nil
}

// StatusHistory retrieves the status-transition audit trail for an order.
func (s *OrderStore) StatusHistory(ctx context.Context, orderID string) ([]orderstore.StatusChange, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `
SELECT order_id, from_status, to_status, COALESCE(details, ''), recorded_at
FROM order_status_history
WHERE order_id = $1
ORDER BY id ASC`, strings.TrimSpace(orderID))
	if err != nil {
		return nil, fmt.Errorf("order store: status history: %w", err)
	}
	defer rows.Close()

	var history []orderstore.StatusChange
	for rows.Next() {
		var change orderstore.StatusChange
		var from, to string
		if err := rows.Scan(&change.OrderID, &from, &to, &change.Details, &change.Timestamp); err != nil {
			return nil, fmt.Errorf("order store: scan status change: %w", err)
		}
		change.From = schema.Status(from)
		change.To = schema.Status(to)
		history = append(history, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate status history: %w", err)
	}
	return history, nil
}

// Statistics aggregates order counters and fill volume across the store.
func (s *OrderStore) Statistics(ctx context.Context) (orderstore.Statistics, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return orderstore.Statistics{}, err
	}

	stats := orderstore.Statistics{ByStatus: make(map[string]int)}

	rows, err := pool.Query(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return orderstore.Statistics{}, fmt.Errorf("order store: statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return orderstore.Statistics{}, fmt.Errorf("order store: scan statistics: %w", err)
		}
		stats.ByStatus[status] = count
		stats.TotalOrders += count
		if !schema.Status(status).Terminal() {
			stats.ActiveOrders += count
		}
	}
	if err := rows.Err(); err != nil {
		return orderstore.Statistics{}, fmt.Errorf("order store: iterate statistics: %w", err)
	}

	if err := pool.QueryRow(ctx, `SELECT COALESCE(SUM(value), 0) FROM order_fills`).Scan(&stats.TotalVolume); err != nil {
		return orderstore.Statistics{}, fmt.Errorf("order store: fill volume: %w", err)
	}
	if stats.TotalOrders > 0 {
		stats.FillRate = float64(stats.ByStatus[string(schema.StatusFilled)]) / float64(stats.TotalOrders)
	}
	return stats, nil
}

func scanOrder(rows pgx.Rows) (schema.Order, error) {
	var (
		order        schema.Order
		side         string
		kind         string
		status       string
		tif          string
		expiresAt    pgtype.Timestamptz
		filledAt     pgtype.Timestamptz
		txRef        pgtype.Text
		linkedID     pgtype.Text
		errorMessage pgtype.Text
	)
	if err := rows.Scan(
		&order.ID,
		&order.Symbol,
		&side,
		&kind,
		&order.Price,
		&order.Size,
		&order.SizeQuoteValue,
		&order.StopPrice,
		&order.TrailingPercent,
		&order.HighWaterMark,
		&status,
		&tif,
		&order.CreatedAt,
		&order.UpdatedAt,
		&expiresAt,
		&order.FilledSize,
		&order.FilledPrice,
		&filledAt,
		&txRef,
		&linkedID,
		&errorMessage,
	); err != nil {
		return schema.Order{}, fmt.Errorf("order store: scan order: %w", err)
	}
	order.Side = schema.Side(side)
	order.Kind = schema.Kind(kind)
	order.Status = schema.Status(status)
	order.TimeInForce = schema.TimeInForce(tif)
	if expiresAt.Valid {
		order.ExpiresAt = expiresAt.Time
	}
	if filledAt.Valid {
		order.FilledAt = filledAt.Time
	}
	if txRef.Valid {
		order.TxRef = txRef.String
	}
	if linkedID.Valid {
		order.LinkedOrderID = linkedID.String
	}
	if errorMessage.Valid {
		order.ErrorMessage = errorMessage.String
	}
	return order, nil
}

func statusStrings(statuses []schema.Status) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		trimmed := strings.TrimSpace(string(status))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}

func timestampOrNow(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
