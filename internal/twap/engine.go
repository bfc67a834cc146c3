// Package twap implements the time-sliced execution engine: it decomposes a
// large parent order into scheduled child slices and drains the schedule
// against price limits and a volatility gate.
package twap

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/fluxtrade/execore/errs"
	"github.com/fluxtrade/execore/internal/domain/planstore"
	"github.com/fluxtrade/execore/internal/observability"
	"github.com/fluxtrade/execore/internal/oracle"
	"github.com/fluxtrade/execore/internal/schema"
	"github.com/fluxtrade/execore/lib/sched"
)

const engineName = "twap"

// defaultTickInterval paces the per-plan scheduling loop.
const defaultTickInterval = time.Second

// maxTimingJitter bounds the random offset applied to slice schedules.
const maxTimingJitter = 30 * time.Second

// sizeJitterFraction is the per-slice size randomization band.
const sizeJitterFraction = 0.10

// Engine owns the active execution plans. Construct with NewEngine; all
// dependencies are injected.
type Engine struct {
	store    planstore.Store
	oracle   oracle.PriceOracle
	executor schema.Executor

	mu    sync.Mutex
	plans map[string]*planstore.Plan

	sup *sched.Supervisor
	rng *rand.Rand
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand overrides the jitter source, for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithSupervisor lets Start and Cancel manage a scheduling worker per plan.
// Without one, the caller drives RunPlan itself.
func WithSupervisor(sup *sched.Supervisor) Option {
	return func(e *Engine) { e.sup = sup }
}

// NewEngine constructs a time-sliced execution engine.
func NewEngine(store planstore.Store, priceOracle oracle.PriceOracle, executor schema.Executor, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		oracle:   priceOracle,
		executor: executor,
		plans:    make(map[string]*planstore.Plan),
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// CreatePlan validates the config, generates the slice schedule, and persists
// the plan in the pending state.
func (e *Engine) CreatePlan(ctx context.Context, cfg planstore.Config) (planstore.Plan, error) {
	if err := validateConfig(cfg); err != nil {
		return planstore.Plan{}, err
	}
	cfg.Symbol = schema.NormalizeSymbol(cfg.Symbol)

	now := e.now()
	plan := planstore.Plan{
		ID:        schema.NewOrderID(),
		Config:    cfg,
		Status:    planstore.StatusPending,
		Slices:    e.generateSlices(cfg, now),
		CreatedAt: now,
	}
	if err := e.store.SavePlan(ctx, plan); err != nil {
		return planstore.Plan{}, errs.New(engineName, errs.CodePersistence,
			errs.WithSymbol(cfg.Symbol), errs.WithCause(err))
	}

	e.mu.Lock()
	stored := plan
	e.plans[plan.ID] = &stored
	e.mu.Unlock()

	observability.Log().Info("plan created",
		observability.F("plan_id", plan.ID),
		observability.F("symbol", cfg.Symbol),
		observability.F("slices", cfg.SliceCount),
		observability.F("style", string(cfg.Style)))
	observability.Telemetry().IncCounter("twap.plans.created", 1,
		map[string]string{"symbol": cfg.Symbol})
	return plan, nil
}

func validateConfig(cfg planstore.Config) error {
	invalid := func(msg string) error {
		return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(cfg.Symbol), errs.WithMessage(msg))
	}
	if cfg.Symbol == "" {
		return invalid("symbol is required")
	}
	if cfg.Side != schema.SideBuy && cfg.Side != schema.SideSell {
		return invalid("side must be buy or sell")
	}
	if cfg.TotalSize <= 0 {
		return invalid("total size must be positive")
	}
	if cfg.TotalQuoteValue <= 0 {
		return invalid("total quote value must be positive")
	}
	if cfg.SliceCount <= 0 {
		return invalid("slice count must be positive")
	}
	if cfg.Duration <= 0 {
		return invalid("duration must be positive")
	}
	switch cfg.Style {
	case planstore.StyleUniform, planstore.StyleFrontLoaded, planstore.StyleBackLoaded, planstore.StyleRandom:
	default:
		return invalid("unknown execution style")
	}
	if cfg.MinSliceSize < 0 || cfg.MaxSliceSize < 0 {
		return invalid("slice size bounds must be non-negative")
	}
	if cfg.MinSliceSize > 0 && cfg.MaxSliceSize > 0 && cfg.MinSliceSize > cfg.MaxSliceSize {
		return invalid("min slice size exceeds max slice size")
	}
	if cfg.PauseOnVolatility && cfg.VolatilityThreshold <= 0 {
		return invalid("volatility threshold must be positive when the pause gate is on")
	}
	return nil
}

// generateSlices builds the schedule: style-weighted sizes, optional size and
// timing jitter, then min/max clamping with the clamped residue redistributed
// so the sizes still sum to the configured total.
func (e *Engine) generateSlices(cfg planstore.Config, start time.Time) []planstore.Slice {
	n := cfg.SliceCount
	weights := make([]float64, n)
	for i := range weights {
		switch cfg.Style {
		case planstore.StyleFrontLoaded:
			weights[i] = float64(n - i)
		case planstore.StyleBackLoaded:
			weights[i] = float64(i + 1)
		case planstore.StyleRandom:
			weights[i] = e.rng.Float64() + 0.01
		default:
			weights[i] = 1
		}
	}

	sizes := normalize(weights, cfg.TotalSize)
	if cfg.RandomizeSize {
		for i := range sizes {
			sizes[i] *= 1 + sizeJitterFraction*(2*e.rng.Float64()-1)
		}
		sizes = normalize(sizes, cfg.TotalSize)
	}
	if cfg.MinSliceSize > 0 || cfg.MaxSliceSize > 0 {
		clampAndRedistribute(sizes, cfg.MinSliceSize, cfg.MaxSliceSize, cfg.TotalSize)
	}

	interval := cfg.Duration / time.Duration(n)
	jitterBound := maxTimingJitter
	if interval/2 < jitterBound {
		jitterBound = interval / 2
	}

	expectedPrice := cfg.TotalQuoteValue / cfg.TotalSize
	slices := make([]planstore.Slice, n)
	for i := range slices {
		at := start.Add(time.Duration(i) * interval)
		if cfg.RandomizeTiming && jitterBound > 0 {
			at = at.Add(time.Duration(e.rng.Int64N(int64(2*jitterBound))) - jitterBound)
			if at.Before(start) {
				at = start
			}
		}
		slices[i] = planstore.Slice{
			Number:           i,
			ScheduledTime:    at,
			TargetSize:       sizes[i],
			TargetQuoteValue: sizes[i] * expectedPrice,
			Status:           planstore.SlicePending,
		}
	}
	return slices
}

// normalize scales values so they sum to total.
func normalize(values []float64, total float64) []float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v / sum * total
	}
	return out
}

// clampAndRedistribute pins each size into [minSize, maxSize] and pushes the
// residue onto slices that still have headroom, keeping the sum at total.
// When the bounds make the total unreachable the last pass leaves the closest
// feasible schedule.
func clampAndRedistribute(sizes []float64, minSize, maxSize, total float64) {
	for pass := 0; pass < len(sizes); pass++ {
		var sum float64
		for i := range sizes {
			if minSize > 0 && sizes[i] < minSize {
				sizes[i] = minSize
			}
			if maxSize > 0 && sizes[i] > maxSize {
				sizes[i] = maxSize
			}
			sum += sizes[i]
		}
		residue := total - sum
		if math.Abs(residue) < 1e-9 {
			return
		}
		free := make([]int, 0, len(sizes))
		for i, s := range sizes {
			if residue > 0 && (maxSize == 0 || s < maxSize) {
				free = append(free, i)
			}
			if residue < 0 && (minSize == 0 || s > minSize) {
				free = append(free, i)
			}
		}
		if len(free) == 0 {
			return
		}
		share := residue / float64(len(free))
		for _, i := range free {
			sizes[i] += share
		}
	}
}

// Start transitions a plan to executing and, when a supervisor is attached,
// launches its scheduling worker. Starting an already-executing plan is a
// no-op; a paused plan resumes from its remaining slices.
func (e *Engine) Start(ctx context.Context, planID string) error {
	e.mu.Lock()
	plan, err := e.planLocked(ctx, planID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if plan.Status == planstore.StatusExecuting {
		e.mu.Unlock()
		return nil
	}
	if !plan.Status.Active() {
		e.mu.Unlock()
		return errs.New(engineName, errs.CodeConflict, errs.WithOrderID(planID),
			errs.WithMessage("plan already terminal"))
	}
	from := plan.Status
	plan.Status = planstore.StatusExecuting
	if plan.StartedAt.IsZero() {
		plan.StartedAt = e.now()
	}
	snapshot := *plan
	e.mu.Unlock()

	if err := e.store.SavePlan(ctx, snapshot); err != nil {
		e.mu.Lock()
		plan.Status = from
		e.mu.Unlock()
		return errs.New(engineName, errs.CodePersistence, errs.WithOrderID(planID), errs.WithCause(err))
	}

	observability.Log().Info("plan started",
		observability.F("plan_id", planID),
		observability.F("symbol", snapshot.Config.Symbol))
	if e.sup != nil {
		worker := func(ctx context.Context) { e.RunPlan(ctx, planID, defaultTickInterval) }
		if err := e.sup.Start(workerName(planID), worker); err != nil && !errs.IsCode(err, errs.CodeConflict) {
			return err
		}
	}
	return nil
}

// Pause suspends scheduling before the next tick. An in-flight slice
// execution completes and records its result.
func (e *Engine) Pause(ctx context.Context, planID string) error {
	return e.transition(ctx, planID, planstore.StatusPaused, "plan paused")
}

// Cancel terminates a plan. Already-terminal plans are rejected.
func (e *Engine) Cancel(ctx context.Context, planID string) error {
	if err := e.transition(ctx, planID, planstore.StatusCancelled, "plan cancelled"); err != nil {
		return err
	}
	if e.sup != nil {
		e.sup.StopWorker(workerName(planID))
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, planID string, to planstore.Status, msg string) error {
	e.mu.Lock()
	plan, err := e.planLocked(ctx, planID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if !plan.Status.Active() {
		e.mu.Unlock()
		return errs.New(engineName, errs.CodeConflict, errs.WithOrderID(planID),
			errs.WithMessage("plan already terminal"))
	}
	from := plan.Status
	plan.Status = to
	if to == planstore.StatusCancelled {
		plan.CompletedAt = e.now()
	}
	snapshot := *plan
	e.mu.Unlock()

	if err := e.store.SavePlan(ctx, snapshot); err != nil {
		e.mu.Lock()
		plan.Status = from
		e.mu.Unlock()
		return errs.New(engineName, errs.CodePersistence, errs.WithOrderID(planID), errs.WithCause(err))
	}
	observability.Log().Info(msg,
		observability.F("plan_id", planID),
		observability.F("symbol", snapshot.Config.Symbol))
	return nil
}

// GetPlan returns the current plan state.
func (e *Engine) GetPlan(ctx context.Context, planID string) (planstore.Plan, error) {
	e.mu.Lock()
	if plan, ok := e.plans[planID]; ok {
		snapshot := *plan
		snapshot.Slices = append([]planstore.Slice(nil), plan.Slices...)
		e.mu.Unlock()
		return snapshot, nil
	}
	e.mu.Unlock()

	plan, found, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return planstore.Plan{}, errs.New(engineName, errs.CodePersistence, errs.WithOrderID(planID), errs.WithCause(err))
	}
	if !found {
		return planstore.Plan{}, errs.New(engineName, errs.CodeNotFound, errs.WithOrderID(planID))
	}
	return plan, nil
}

// Stats summarises a plan's schedule progress.
type Stats struct {
	PlanID          string           `json:"planId"`
	Status          planstore.Status `json:"status"`
	ExecutedSlices  int              `json:"executedSlices"`
	PendingSlices   int              `json:"pendingSlices"`
	SkippedSlices   int              `json:"skippedSlices"`
	FailedSlices    int              `json:"failedSlices"`
	ExecutedSize    float64          `json:"executedSize"`
	RemainingSize   float64          `json:"remainingSize"`
	AveragePrice    float64          `json:"averagePrice"`
	VWAP            float64          `json:"vwap"`
	SlippageBps     float64          `json:"slippageBps"`
	ProgressPercent float64          `json:"progressPercent"`
	Elapsed         time.Duration    `json:"elapsed"`
}

// PlanStats computes progress counters for a plan.
func (e *Engine) PlanStats(ctx context.Context, planID string) (Stats, error) {
	plan, err := e.GetPlan(ctx, planID)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		PlanID:          plan.ID,
		Status:          plan.Status,
		ExecutedSize:    plan.ExecutedSize,
		RemainingSize:   plan.Config.TotalSize - plan.ExecutedSize,
		AveragePrice:    plan.AveragePrice,
		VWAP:            plan.VWAP,
		SlippageBps:     plan.TotalSlippageBps,
		ProgressPercent: plan.ProgressPercent,
	}
	for _, slice := range plan.Slices {
		switch slice.Status {
		case planstore.SliceCompleted:
			stats.ExecutedSlices++
		case planstore.SliceSkipped:
			stats.SkippedSlices++
		case planstore.SliceFailed:
			stats.FailedSlices++
		default:
			stats.PendingSlices++
		}
	}
	if !plan.StartedAt.IsZero() {
		end := e.now()
		if !plan.CompletedAt.IsZero() {
			end = plan.CompletedAt
		}
		stats.Elapsed = end.Sub(plan.StartedAt)
	}
	return stats, nil
}

// LoadActive pulls non-terminal plans from the store into the engine,
// typically at startup. Plans left in the executing state resume when the
// caller starts their workers.
func (e *Engine) LoadActive(ctx context.Context) (int, error) {
	plans, err := e.store.ListActivePlans(ctx)
	if err != nil {
		return 0, errs.New(engineName, errs.CodePersistence, errs.WithCause(err))
	}
	e.mu.Lock()
	for i := range plans {
		plan := plans[i]
		e.plans[plan.ID] = &plan
	}
	e.mu.Unlock()
	return len(plans), nil
}

// ActivePlanIDs returns the IDs of plans that still own schedule work.
func (e *Engine) ActivePlanIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.plans))
	for id, plan := range e.plans {
		if plan.Status.Active() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ResumeActive launches scheduling workers for every tracked active plan.
// Requires an attached supervisor; typically called once after LoadActive.
func (e *Engine) ResumeActive() int {
	if e.sup == nil {
		return 0
	}
	resumed := 0
	for _, id := range e.ActivePlanIDs() {
		planID := id
		worker := func(ctx context.Context) { e.RunPlan(ctx, planID, defaultTickInterval) }
		if err := e.sup.Start(workerName(planID), worker); err == nil {
			resumed++
		}
	}
	return resumed
}

// RunPlan drives one plan's scheduling loop until the plan reaches a
// terminal state or the context is cancelled.
func (e *Engine) RunPlan(ctx context.Context, planID string, interval time.Duration) {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, err := e.tick(ctx, planID)
			if err != nil {
				observability.Log().Error("plan tick failed",
					observability.F("plan_id", planID),
					observability.F("error", err.Error()))
			}
			if done {
				return
			}
		}
	}
}

// tick runs one scheduling iteration: volatility gate, then at most one due
// slice. It reports done once the plan is terminal.
func (e *Engine) tick(ctx context.Context, planID string) (bool, error) {
	e.mu.Lock()
	plan, err := e.planLocked(ctx, planID)
	if err != nil {
		e.mu.Unlock()
		return true, err
	}
	status := plan.Status
	cfg := plan.Config
	e.mu.Unlock()

	switch status {
	case planstore.StatusCancelled, planstore.StatusCompleted, planstore.StatusFailed:
		return true, nil
	case planstore.StatusPaused, planstore.StatusPending:
		return false, nil
	}

	// The volatility gate holds the schedule without consuming it: due
	// slices stay due and execute once the market calms down.
	if cfg.PauseOnVolatility {
		vol, err := e.oracle.Volatility(ctx, cfg.Symbol)
		if err != nil {
			observability.Log().Debug("tick skipped, no volatility",
				observability.F("plan_id", planID),
				observability.F("error", err.Error()))
			return false, nil
		}
		if vol > cfg.VolatilityThreshold {
			observability.Log().Debug("plan held by volatility gate",
				observability.F("plan_id", planID),
				observability.F("volatility", vol))
			observability.Telemetry().IncCounter("twap.volatility.holds", 1,
				map[string]string{"symbol": cfg.Symbol})
			return false, nil
		}
	}

	now := e.now()
	e.mu.Lock()
	due := dueSlice(plan.Slices, now)
	if due < 0 {
		if remaining(plan.Slices) == 0 {
			return true, e.completeLocked(ctx, plan)
		}
		e.mu.Unlock()
		return false, nil
	}
	slice := plan.Slices[due]
	e.mu.Unlock()

	if err := e.executeSlice(ctx, planID, slice); err != nil {
		return false, err
	}

	e.mu.Lock()
	if remaining(plan.Slices) == 0 {
		return true, e.completeLocked(ctx, plan)
	}
	e.mu.Unlock()
	return false, nil
}

// dueSlice returns the index of the earliest unexecuted slice that is due, or
// -1. Ties break on slice number so the schedule never reorders.
func dueSlice(slices []planstore.Slice, now time.Time) int {
	best := -1
	for i, s := range slices {
		if s.Executed || s.ScheduledTime.After(now) {
			continue
		}
		if best < 0 || s.ScheduledTime.Before(slices[best].ScheduledTime) {
			best = i
		}
	}
	return best
}

func remaining(slices []planstore.Slice) int {
	n := 0
	for _, s := range slices {
		if !s.Executed {
			n++
		}
	}
	return n
}

// completeLocked transitions the plan to completed. Caller holds e.mu; the
// lock is released before returning.
func (e *Engine) completeLocked(ctx context.Context, plan *planstore.Plan) error {
	plan.Status = planstore.StatusCompleted
	plan.CompletedAt = e.now()
	snapshot := *plan
	snapshot.Slices = append([]planstore.Slice(nil), plan.Slices...)
	e.mu.Unlock()

	if err := e.store.SavePlan(ctx, snapshot); err != nil {
		return errs.New(engineName, errs.CodePersistence, errs.WithOrderID(plan.ID), errs.WithCause(err))
	}
	observability.Log().Info("plan completed",
		observability.F("plan_id", plan.ID),
		observability.F("symbol", snapshot.Config.Symbol),
		observability.F("executed_size", snapshot.ExecutedSize))
	observability.Telemetry().IncCounter("twap.plans.completed", 1,
		map[string]string{"symbol": snapshot.Config.Symbol})
	return nil
}

// executeSlice prices one slice, applies the price-limit gate, invokes the
// execution callback, and folds the outcome back into the plan aggregates.
// The result is recorded even if the plan was paused or cancelled while the
// callback was in flight.
func (e *Engine) executeSlice(ctx context.Context, planID string, slice planstore.Slice) error {
	started := time.Now()
	e.mu.Lock()
	plan, err := e.planLocked(ctx, planID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	cfg := plan.Config
	e.mu.Unlock()

	mid, err := e.oracle.Mid(ctx, cfg.Symbol)
	if err != nil {
		observability.Log().Debug("slice deferred, no price",
			observability.F("plan_id", planID),
			observability.F("slice", slice.Number),
			observability.F("error", err.Error()))
		return nil
	}

	// Price-limit breaches skip the slice rather than force a bad fill.
	// Skipped slices drain the schedule but add nothing to executed size.
	if cfg.PriceLimit > 0 {
		breached := (cfg.Side == schema.SideBuy && mid > cfg.PriceLimit) ||
			(cfg.Side == schema.SideSell && mid < cfg.PriceLimit)
		if breached {
			slice.Executed = true
			slice.Status = planstore.SliceSkipped
			slice.ExecutedAt = e.now()
			observability.Telemetry().IncCounter("twap.slices.skipped", 1,
				map[string]string{"symbol": cfg.Symbol})
			return e.applySlice(ctx, planID, slice)
		}
	}

	result, execErr := e.executor.Execute(ctx, schema.ExecRequest{
		Symbol:    cfg.Symbol,
		Side:      cfg.Side,
		Size:      slice.TargetSize,
		Price:     mid,
		OrderType: "twap_slice",
	})

	slice.Executed = true
	slice.ExecutedAt = e.now()
	switch {
	case execErr != nil:
		slice.Status = planstore.SliceFailed
		slice.Error = execErr.Error()
	case !result.Success:
		slice.Status = planstore.SliceFailed
		slice.Error = result.Err
	default:
		slice.Status = planstore.SliceCompleted
		slice.ExecutedSize = result.FilledSize
		slice.ExecutedPrice = result.FilledPrice
		slice.ExecutedValue = result.FilledSize * result.FilledPrice
		slice.TxRef = result.TxRef
		if expected := slice.TargetQuoteValue / slice.TargetSize; expected > 0 {
			slice.SlippageBps = math.Abs(result.FilledPrice-expected) / expected * 10000
		}
	}

	observability.Telemetry().ObserveHistogram("twap.slice.duration",
		float64(time.Since(started).Milliseconds()), map[string]string{"symbol": cfg.Symbol})
	if slice.Status == planstore.SliceCompleted {
		observability.Telemetry().ObserveHistogram("twap.slice.slippage",
			slice.SlippageBps, map[string]string{"symbol": cfg.Symbol})
	} else if slice.Status == planstore.SliceFailed {
		observability.Log().Error("slice failed",
			observability.F("plan_id", planID),
			observability.F("slice", slice.Number),
			observability.F("error", slice.Error))
		observability.Telemetry().IncCounter("twap.slices.failed", 1,
			map[string]string{"symbol": cfg.Symbol})
	}
	return e.applySlice(ctx, planID, slice)
}

// applySlice folds a finished slice into the plan, recomputes aggregates, and
// persists before returning.
func (e *Engine) applySlice(ctx context.Context, planID string, slice planstore.Slice) error {
	e.mu.Lock()
	plan, err := e.planLocked(ctx, planID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if slice.Number < 0 || slice.Number >= len(plan.Slices) {
		e.mu.Unlock()
		return errs.New(engineName, errs.CodeInvalid, errs.WithOrderID(planID),
			errs.WithMessage("slice number out of range"))
	}
	plan.Slices[slice.Number] = slice
	recomputeAggregates(plan)
	snapshot := *plan
	snapshot.Slices = append([]planstore.Slice(nil), plan.Slices...)
	e.mu.Unlock()

	if err := e.store.SavePlan(ctx, snapshot); err != nil {
		return errs.New(engineName, errs.CodePersistence, errs.WithOrderID(planID), errs.WithCause(err))
	}
	return nil
}

// recomputeAggregates rebuilds the parent roll-ups from the slice records.
// Skipped and failed slices advance progress but contribute no size.
func recomputeAggregates(plan *planstore.Plan) {
	var (
		size, value, weighted, slippage float64
		completed, terminal             int
	)
	for _, s := range plan.Slices {
		if s.Executed {
			terminal++
		}
		if s.Status != planstore.SliceCompleted {
			continue
		}
		completed++
		size += s.ExecutedSize
		value += s.ExecutedValue
		weighted += s.ExecutedPrice * s.ExecutedSize
		slippage += s.SlippageBps
	}
	plan.ExecutedSize = size
	plan.ExecutedValue = value
	if size > 0 {
		plan.AveragePrice = value / size
		plan.VWAP = weighted / size
	}
	if completed > 0 {
		plan.TotalSlippageBps = slippage / float64(completed)
	}
	if n := len(plan.Slices); n > 0 {
		plan.ProgressPercent = float64(terminal) / float64(n) * 100
	}
}

// planLocked resolves a plan by ID, falling back to the store on a cache
// miss. Caller holds e.mu.
func (e *Engine) planLocked(ctx context.Context, planID string) (*planstore.Plan, error) {
	if plan, ok := e.plans[planID]; ok {
		return plan, nil
	}
	stored, found, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, errs.New(engineName, errs.CodePersistence, errs.WithOrderID(planID), errs.WithCause(err))
	}
	if !found {
		return nil, errs.New(engineName, errs.CodeNotFound, errs.WithOrderID(planID))
	}
	e.plans[planID] = &stored
	return &stored, nil
}

func workerName(planID string) string { return "twap/" + planID }
