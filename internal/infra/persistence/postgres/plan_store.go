package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxtrade/execore/internal/domain/planstore"
	"github.com/fluxtrade/execore/internal/schema"
)

// PlanStore persists time-sliced execution plans with their slices.
type PlanStore struct {
	pool *pgxpool.Pool
}

// NewPlanStore constructs a PlanStore backed by the provided pool.
func NewPlanStore(pool *pgxpool.Pool) *PlanStore {
	return &PlanStore{pool: pool}
}

const (
	planUpsertSQL = `
INSERT INTO twap_plans (
    id,
    symbol,
    side,
    total_size,
    total_quote_value,
    duration_ms,
    slice_count,
    style,
    min_slice_size,
    max_slice_size,
    randomize_timing,
    randomize_size,
    price_limit,
    pause_on_volatility,
    volatility_threshold,
    status,
    created_at,
    started_at,
    completed_at,
    executed_size,
    executed_value,
    average_price,
    vwap,
    total_slippage_bps,
    progress_percent
)
VALUES (
    @id,
    @symbol,
    @side,
    @total_size,
    @total_quote_value,
    @duration_ms,
    @slice_count,
    @style,
    @min_slice_size,
    @max_slice_size,
    @randomize_timing,
    @randomize_size,
    @price_limit,
    @pause_on_volatility,
    @volatility_threshold,
    @status,
    @created_at,
    @started_at,
    @completed_at,
    @executed_size,
    @executed_value,
    @average_price,
    @vwap,
    @total_slippage_bps,
    @progress_percent
)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    started_at = EXCLUDED.started_at,
    completed_at = EXCLUDED.completed_at,
    executed_size = EXCLUDED.executed_size,
    executed_value = EXCLUDED.executed_value,
    average_price = EXCLUDED.average_price,
    vwap = EXCLUDED.vwap,
    total_slippage_bps = EXCLUDED.total_slippage_bps,
    progress_percent = EXCLUDED.progress_percent;
`

	sliceUpsertSQL = `
INSERT INTO twap_slices (
    plan_id,
    slice_number,
    scheduled_time,
    target_size,
    target_quote_value,
    executed,
    executed_size,
    executed_value,
    executed_price,
    executed_at,
    tx_ref,
    slippage_bps,
    status,
    error
)
VALUES (
    @plan_id,
    @slice_number,
    @scheduled_time,
    @target_size,
    @target_quote_value,
    @executed,
    @executed_size,
    @executed_value,
    @executed_price,
    @executed_at,
    @tx_ref,
    @slippage_bps,
    @status,
    @error
)
ON CONFLICT (plan_id, slice_number) DO UPDATE SET
    scheduled_time = EXCLUDED.scheduled_time,
    target_size = EXCLUDED.target_size,
    target_quote_value = EXCLUDED.target_quote_value,
    executed = EXCLUDED.executed,
    executed_size = EXCLUDED.executed_size,
    executed_value = EXCLUDED.executed_value,
    executed_price = EXCLUDED.executed_price,
    executed_at = EXCLUDED.executed_at,
    tx_ref = EXCLUDED.tx_ref,
    slippage_bps = EXCLUDED.slippage_bps,
    status = EXCLUDED.status,
    error = EXCLUDED.error;
`

	planSelectBase = `
SELECT
    p.id,
    p.symbol,
    p.side,
    p.total_size,
    p.total_quote_value,
    p.duration_ms,
    p.slice_count,
    p.style,
    p.min_slice_size,
    p.max_slice_size,
    p.randomize_timing,
    p.randomize_size,
    p.price_limit,
    p.pause_on_volatility,
    p.volatility_threshold,
    p.status,
    p.created_at,
    p.started_at,
    p.completed_at,
    p.executed_size,
    p.executed_value,
    p.average_price,
    p.vwap,
    p.total_slippage_bps,
    p.progress_percent
FROM twap_plans p
`

	sliceSelectSQL = `
SELECT
    slice_number,
    scheduled_time,
    target_size,
    target_quote_value,
    executed,
    executed_size,
    executed_value,
    executed_price,
    executed_at,
    COALESCE(tx_ref, ''),
    slippage_bps,
    status,
    COALESCE(error, '')
FROM twap_slices
WHERE plan_id = $1
ORDER BY slice_number ASC
`
)

func (s *PlanStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("plan store: nil pool")
	}
	return s.pool, nil
}

// SavePlan upserts the plan and all of its slices within one transaction.
func (s *PlanStore) SavePlan(ctx context.Context, plan planstore.Plan) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(plan.ID) == "" {
		return fmt.Errorf("plan store: plan id required")
	}

	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("plan store: begin tx: %w", err)
	}

	runErr := func() error {
		args := pgx.NamedArgs{
			"id":                   plan.ID,
			"symbol":               schema.NormalizeSymbol(plan.Config.Symbol),
			"side":                 string(plan.Config.Side),
			"total_size":           plan.Config.TotalSize,
			"total_quote_value":    plan.Config.TotalQuoteValue,
			"duration_ms":          plan.Config.Duration.Milliseconds(),
			"slice_count":          plan.Config.SliceCount,
			"style":                string(plan.Config.Style),
			"min_slice_size":       plan.Config.MinSliceSize,
			"max_slice_size":       plan.Config.MaxSliceSize,
			"randomize_timing":     plan.Config.RandomizeTiming,
			"randomize_size":       plan.Config.RandomizeSize,
			"price_limit":          plan.Config.PriceLimit,
			"pause_on_volatility":  plan.Config.PauseOnVolatility,
			"volatility_threshold": plan.Config.VolatilityThreshold,
			"status":               string(plan.Status),
			"created_at":           timestampOrNow(plan.CreatedAt),
			"started_at":           nullableTime(plan.StartedAt),
			"completed_at":         nullableTime(plan.CompletedAt),
			"executed_size":        plan.ExecutedSize,
			"executed_value":       plan.ExecutedValue,
			"average_price":        plan.AveragePrice,
			"vwap":                 plan.VWAP,
			"total_slippage_bps":   plan.TotalSlippageBps,
			"progress_percent":     plan.ProgressPercent,
		}
		if _, err := tx.Exec(ctx, planUpsertSQL, args); err != nil {
			return fmt.Errorf("plan store: upsert plan: %w", err)
		}
		for _, slice := range plan.Slices {
			sliceArgs := pgx.NamedArgs{
				"plan_id":            plan.ID,
				"slice_number":       slice.Number,
				"scheduled_time":     slice.ScheduledTime,
				"target_size":        slice.TargetSize,
				"target_quote_value": slice.TargetQuoteValue,
				"executed":           slice.Executed,
				"executed_size":      slice.ExecutedSize,
				"executed_value":     slice.ExecutedValue,
				"executed_price":     slice.ExecutedPrice,
				"executed_at":        nullableTime(slice.ExecutedAt),
				"tx_ref":             nullableString(slice.TxRef),
				"slippage_bps":       slice.SlippageBps,
				"status":             slice.Status,
				"error":              nullableString(slice.Error),
			}
			if _, err := tx.Exec(ctx, sliceUpsertSQL, sliceArgs); err != nil {
				return fmt.Errorf("plan store: upsert slice %d: %w", slice.Number, err)
			}
		}
		return nil
	}()
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("plan store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("plan store: commit tx: %w", err)
	}
	return nil
}

// GetPlan returns the plan with all of its slices.
func (s *PlanStore) GetPlan(ctx context.Context, id string) (planstore.Plan, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return planstore.Plan{}, false, err
	}
	rows, err := pool.Query(ctx, planSelectBase+" WHERE p.id = $1", strings.TrimSpace(id))
	if err != nil {
		return planstore.Plan{}, false, fmt.Errorf("plan store: get plan: %w", err)
	}
	if !rows.Next() {
		rowErr := rows.Err()
		rows.Close()
		if rowErr != nil {
			return planstore.Plan{}, false, fmt.Errorf("plan store: get plan: %w", rowErr)
		}
		return planstore.Plan{}, false, nil
	}
	plan, err := scanPlan(rows)
	rows.Close()
	if err != nil {
		return planstore.Plan{}, false, err
	}
	if err := s.attachSlices(ctx, pool, &plan); err != nil {
		return planstore.Plan{}, false, err
	}
	return plan, true, nil
}

// ListActivePlans returns plans still owning schedule work, oldest first.
func (s *PlanStore) ListActivePlans(ctx context.Context) ([]planstore.Plan, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	active := []string{
		string(planstore.StatusPending),
		string(planstore.StatusExecuting),
		string(planstore.StatusPaused),
	}
	rows, err := pool.Query(ctx, planSelectBase+" WHERE p.status = ANY($1) ORDER BY p.created_at ASC", active)
	if err != nil {
		return nil, fmt.Errorf("plan store: list active plans: %w", err)
	}

	var plans []planstore.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		plans = append(plans, plan)
	}
	rowErr := rows.Err()
	rows.Close()
	if rowErr != nil {
		return nil, fmt.Errorf("plan store: iterate plans: %w", rowErr)
	}

	for i := range plans {
		if err := s.attachSlices(ctx, pool, &plans[i]); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

func (s *PlanStore) attachSlices(ctx context.Context, pool *pgxpool.Pool, plan *planstore.Plan) error {
	rows, err := pool.Query(ctx, sliceSelectSQL, plan.ID)
	if err != nil {
		return fmt.Errorf("plan store: list slices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			slice      planstore.Slice
			executedAt pgtype.Timestamptz
		)
		if err := rows.Scan(
			&slice.Number,
			&slice.ScheduledTime,
			&slice.TargetSize,
			&slice.TargetQuoteValue,
			&slice.Executed,
			&slice.ExecutedSize,
			&slice.ExecutedValue,
			&slice.ExecutedPrice,
			&executedAt,
			&slice.TxRef,
			&slice.SlippageBps,
			&slice.Status,
			&slice.Error,
		); err != nil {
			return fmt.Errorf("plan store: scan slice: %w", err)
		}
		if executedAt.Valid {
			slice.ExecutedAt = executedAt.Time
		}
		plan.Slices = append(plan.Slices, slice)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("plan store: iterate slices: %w", err)
	}
	return nil
}

func scanPlan(rows pgx.Rows) (planstore.Plan, error) {
	var (
		plan        planstore.Plan
		side        string
		durationMs  int64
		style       string
		status      string
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)
	if err := rows.Scan(
		&plan.ID,
		&plan.Config.Symbol,
		&side,
		&plan.Config.TotalSize,
		&plan.Config.TotalQuoteValue,
		&durationMs,
		&plan.Config.SliceCount,
		&style,
		&plan.Config.MinSliceSize,
		&plan.Config.MaxSliceSize,
		&plan.Config.RandomizeTiming,
		&plan.Config.RandomizeSize,
		&plan.Config.PriceLimit,
		&plan.Config.PauseOnVolatility,
		&plan.Config.VolatilityThreshold,
		&status,
		&plan.CreatedAt,
		&startedAt,
		&completedAt,
		&plan.ExecutedSize,
		&plan.ExecutedValue,
		&plan.AveragePrice,
		&plan.VWAP,
		&plan.TotalSlippageBps,
		&plan.ProgressPercent,
	); err != nil {
		return planstore.Plan{}, fmt.Errorf("plan store: scan plan: %w", err)
	}
	plan.Config.Side = schema.Side(side)
	plan.Config.Duration = time.Duration(durationMs) * time.Millisecond
	plan.Config.Style = planstore.ExecutionStyle(style)
	plan.Status = planstore.Status(status)
	if startedAt.Valid {
		plan.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		plan.CompletedAt = completedAt.Time
	}
	return plan, nil
}
