// Package conditional implements the conditional order engine: limit,
// stop-loss, take-profit, trailing-stop, and one-cancels-other orders,
// triggered against a polled top-of-book view.
package conditional

import (
	"context"
	"sync"
	"time"

	"github.com/fluxtrade/execore/errs"
	"github.com/fluxtrade/execore/internal/domain/orderstore"
	"github.com/fluxtrade/execore/internal/observability"
	"github.com/fluxtrade/execore/internal/oracle"
	"github.com/fluxtrade/execore/internal/schema"
)

const engineName = "conditional"

// defaultCheckInterval paces the per-symbol monitoring loop.
const defaultCheckInterval = 2 * time.Second

// OrderSpec is the caller's request to create a conditional order.
type OrderSpec struct {
	Symbol          string
	Side            schema.Side
	Kind            schema.Kind
	Price           float64
	Size            float64
	StopPrice       float64
	TrailingPercent float64
	TimeInForce     schema.TimeInForce
	ExpiresAt       time.Time
	LinkedOrderID   string
}

// Engine owns the conditional order book for all symbols. Construct with
// NewEngine; all dependencies are injected.
type Engine struct {
	store    orderstore.Store
	oracle   oracle.PriceOracle
	executor schema.Executor

	mu     sync.Mutex
	active map[string]*schema.Order

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs a conditional order engine.
func NewEngine(store orderstore.Store, priceOracle oracle.PriceOracle, executor schema.Executor, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		oracle:   priceOracle,
		executor: executor,
		active:   make(map[string]*schema.Order),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateOrder validates the spec, persists the order as pending, transitions
// it to open, and registers it for monitoring.
func (e *Engine) CreateOrder(ctx context.Context, spec OrderSpec) (schema.Order, error) {
	if err := e.validate(spec); err != nil {
		return schema.Order{}, err
	}

	now := e.now()
	order := schema.Order{
		ID:              schema.NewOrderID(),
		Symbol:          schema.NormalizeSymbol(spec.Symbol),
		Side:            spec.Side,
		Kind:            spec.Kind,
		Price:           spec.Price,
		Size:            spec.Size,
		SizeQuoteValue:  spec.Size * spec.Price,
		StopPrice:       spec.StopPrice,
		TrailingPercent: spec.TrailingPercent,
		Status:          schema.StatusPending,
		TimeInForce:     spec.TimeInForce,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       spec.ExpiresAt,
		LinkedOrderID:   spec.LinkedOrderID,
	}
	if order.TimeInForce == "" {
		order.TimeInForce = schema.TIFGoodTillCancelled
	}

	if err := e.persistTransition(ctx, &order, "", schema.StatusPending, "created"); err != nil {
		return schema.Order{}, err
	}
	order.Status = schema.StatusOpen
	order.UpdatedAt = e.now()
	if err := e.persistTransition(ctx, &order, schema.StatusPending, schema.StatusOpen, "validated"); err != nil {
		return schema.Order{}, err
	}

	e.mu.Lock()
	e.active[order.ID] = &order
	e.mu.Unlock()

	observability.Log().Info("order created",
		observability.F("order_id", order.ID),
		observability.F("symbol", order.Symbol),
		observability.F("kind", string(order.Kind)),
		observability.F("side", string(order.Side)))
	observability.Telemetry().IncCounter("conditional.orders.created", 1,
		map[string]string{"symbol": order.Symbol, "kind": string(order.Kind)})

	return order, nil
}

func (e *Engine) validate(spec OrderSpec) error {
	symbol := schema.NormalizeSymbol(spec.Symbol)
	if symbol == "" {
		return errs.New(engineName, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if spec.Side != schema.SideBuy && spec.Side != schema.SideSell {
		return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(symbol),
			errs.WithMessage("side must be buy or sell"))
	}
	if spec.Size <= 0 {
		return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(symbol),
			errs.WithMessage("size must be positive"))
	}

	switch spec.Kind {
	case schema.KindLimit, schema.KindTakeProfit:
		if spec.Price <= 0 {
			return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(symbol),
				errs.WithMessage("price must be positive"))
		}
	case schema.KindStopLoss:
		if spec.Price <= 0 {
			return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(symbol),
				errs.WithMessage("price must be positive"))
		}
		if spec.StopPrice <= 0 {
			return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(symbol),
				errs.WithMessage("stop_loss requires stop price"))
		}
		if spec.Side == schema.SideBuy && spec.StopPrice < spec.Price {
			return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(symbol),
				errs.WithMessage("buy stop_loss requires stop price at or above price"))
		}
	case schema.KindTrailingStop:
		if spec.TrailingPercent <= 0 || spec.TrailingPercent >= 100 {
			return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(symbol),
				errs.WithMessage("trailing_stop requires trailing percent in (0, 100)"))
		}
		if spec.Side == schema.SideBuy {
			return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(symbol),
				errs.WithMessage("trailing_stop supports sell side only"))
		}
	case schema.KindOCO:
		return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(symbol),
			errs.WithMessage("use CreateOCOPair for oco orders"))
	default:
		return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(symbol),
			errs.WithMessage("unknown order kind"))
	}

	if spec.TimeInForce == schema.TIFGoodTillDate && spec.ExpiresAt.IsZero() {
		return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(symbol),
			errs.WithMessage("gtd orders require an expiry"))
	}
	return nil
}

// CreateOCOPair creates a linked sell-side exit pair: a take-profit above
// and a stop-loss below. Filling or cancelling either leg cancels the other.
func (e *Engine) CreateOCOPair(ctx context.Context, symbol string, size, takeProfitPrice, stopLossPrice float64) (schema.Order, schema.Order, error) {
	if takeProfitPrice <= 0 || stopLossPrice <= 0 {
		return schema.Order{}, schema.Order{}, errs.New(engineName, errs.CodeInvalid,
			errs.WithSymbol(symbol), errs.WithMessage("oco prices must be positive"))
	}
	if takeProfitPrice <= stopLossPrice {
		return schema.Order{}, schema.Order{}, errs.New(engineName, errs.CodeInvalid,
			errs.WithSymbol(symbol), errs.WithMessage("take profit must sit above stop loss"))
	}

	tp, err := e.CreateOrder(ctx, OrderSpec{
		Symbol: symbol,
		Side:   schema.SideSell,
		Kind:   schema.KindTakeProfit,
		Price:  takeProfitPrice,
		Size:   size,
	})
	if err != nil {
		return schema.Order{}, schema.Order{}, err
	}
	sl, err := e.CreateOrder(ctx, OrderSpec{
		Symbol:        symbol,
		Side:          schema.SideSell,
		Kind:          schema.KindStopLoss,
		Price:         stopLossPrice,
		StopPrice:     stopLossPrice,
		Size:          size,
		LinkedOrderID: tp.ID,
	})
	if err != nil {
		// Roll the first leg back so no half-linked pair survives.
		if _, cancelErr := e.CancelOrder(ctx, tp.ID); cancelErr != nil {
			observability.Log().Error("oco rollback failed",
				observability.F("order_id", tp.ID),
				observability.F("error", cancelErr.Error()))
		}
		return schema.Order{}, schema.Order{}, err
	}

	e.mu.Lock()
	tpLive, ok := e.active[tp.ID]
	if ok {
		tpLive.LinkedOrderID = sl.ID
		tpLive.UpdatedAt = e.now()
		tp = *tpLive
	}
	e.mu.Unlock()
	if err := e.store.SaveOrder(ctx, tp); err != nil {
		return schema.Order{}, schema.Order{}, errs.New(engineName, errs.CodePersistence,
			errs.WithOrderID(tp.ID), errs.WithCause(err))
	}
	return tp, sl, nil
}

// CancelOrder cancels an order if it is still cancellable, cascading to any
// linked order. Returns false for unknown or already-terminal orders.
func (e *Engine) CancelOrder(ctx context.Context, id string) (bool, error) {
	return e.cancelInternal(ctx, id, "cancelled by caller", true)
}

func (e *Engine) cancelInternal(ctx context.Context, id, details string, cascade bool) (bool, error) {
	e.mu.Lock()
	order, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		stored, found, err := e.store.GetOrder(ctx, id)
		if err != nil {
			return false, errs.New(engineName, errs.CodePersistence,
				errs.WithOrderID(id), errs.WithCause(err))
		}
		if !found || stored.Status.Terminal() {
			return false, nil
		}
		from := stored.Status
		stored.Status = schema.StatusCancelled
		stored.UpdatedAt = e.now()
		if err := e.persistTransition(ctx, &stored, from, schema.StatusCancelled, details); err != nil {
			return false, err
		}
		return e.finishCancel(ctx, stored, cascade)
	}
	if order.Status.Terminal() {
		e.mu.Unlock()
		return false, nil
	}

	from := order.Status
	order.Status = schema.StatusCancelled
	order.UpdatedAt = e.now()
	snapshot := *order
	delete(e.active, id)
	e.mu.Unlock()

	if err := e.persistTransition(ctx, &snapshot, from, schema.StatusCancelled, details); err != nil {
		e.mu.Lock()
		order.Status = from
		e.active[id] = order
		e.mu.Unlock()
		return false, err
	}
	return e.finishCancel(ctx, snapshot, cascade)
}

func (e *Engine) finishCancel(ctx context.Context, order schema.Order, cascade bool) (bool, error) {
	observability.Log().Info("order cancelled",
		observability.F("order_id", order.ID),
		observability.F("symbol", order.Symbol))
	observability.Telemetry().IncCounter("conditional.orders.cancelled", 1,
		map[string]string{"symbol": order.Symbol})

	if cascade && order.LinkedOrderID != "" {
		if _, err := e.cancelInternal(ctx, order.LinkedOrderID, "oco cascade", false); err != nil {
			return true, err
		}
	}
	return true, nil
}

// CheckAndExecute runs one tick for a symbol's active orders: expiry first,
// then trigger evaluation, then execution through the callback. Save always
// completes before the callback fires. Order state is only touched under the
// engine mutex; the mutex is released around store and executor calls.
func (e *Engine) CheckAndExecute(ctx context.Context, book schema.BookState) error {
	symbol := schema.NormalizeSymbol(book.Symbol)
	now := e.now()
	started := time.Now()

	e.mu.Lock()
	batch := make([]string, 0, len(e.active))
	for id, order := range e.active {
		if order.Symbol == symbol {
			batch = append(batch, id)
		}
	}
	e.mu.Unlock()

	var firstErr error
	for _, id := range batch {
		if err := e.checkOne(ctx, id, book, now); err != nil {
			observability.Log().Error("order check failed",
				observability.F("order_id", id),
				observability.F("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	observability.Telemetry().ObserveHistogram("conditional.check.duration",
		float64(time.Since(started).Milliseconds()), map[string]string{"symbol": symbol})
	return firstErr
}

func (e *Engine) checkOne(ctx context.Context, id string, book schema.BookState, now time.Time) error {
	e.mu.Lock()
	order, ok := e.active[id]
	if !ok || order.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}

	// Expiry wins over a trigger that would fire on the same tick.
	if order.Expired(now) {
		from := order.Status
		order.Status = schema.StatusExpired
		order.UpdatedAt = now
		snapshot := *order
		delete(e.active, id)
		e.mu.Unlock()
		if err := e.persistTransition(ctx, &snapshot, from, schema.StatusExpired, "gtd expired"); err != nil {
			e.mu.Lock()
			order.Status = from
			e.active[id] = order
			e.mu.Unlock()
			return err
		}
		observability.Telemetry().IncCounter("conditional.orders.expired", 1,
			map[string]string{"symbol": snapshot.Symbol})
		if snapshot.LinkedOrderID != "" {
			_, err := e.cancelInternal(ctx, snapshot.LinkedOrderID, "oco cascade", false)
			return err
		}
		return nil
	}

	trigger, ok := triggerFor(order.Kind)
	if !ok {
		e.mu.Unlock()
		return errs.New(engineName, errs.CodeInvalid, errs.WithOrderID(id),
			errs.WithMessage("no trigger for order kind"))
	}
	triggered, stateChanged := trigger.Evaluate(order, book)
	var snapshot schema.Order
	if stateChanged {
		order.UpdatedAt = now
		snapshot = *order
	}
	e.mu.Unlock()

	if stateChanged {
		if err := e.store.SaveOrder(ctx, snapshot); err != nil {
			return errs.New(engineName, errs.CodePersistence,
				errs.WithOrderID(id), errs.WithCause(err))
		}
	}
	if !triggered {
		return nil
	}
	return e.execute(ctx, id, book)
}

func (e *Engine) execute(ctx context.Context, id string, book schema.BookState) error {
	e.mu.Lock()
	order, ok := e.active[id]
	if !ok || order.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	order.UpdatedAt = e.now()
	snapshot := *order
	e.mu.Unlock()

	execPrice := book.BestAsk
	if snapshot.Side == schema.SideSell {
		execPrice = book.BestBid
	}

	// Durable pre-execution snapshot so a crash mid-callback is recoverable.
	if err := e.store.SaveOrder(ctx, snapshot); err != nil {
		return errs.New(engineName, errs.CodePersistence,
			errs.WithOrderID(id), errs.WithCause(err))
	}

	result, err := e.executor.Execute(ctx, schema.ExecRequest{
		Symbol:    snapshot.Symbol,
		Side:      snapshot.Side,
		Size:      snapshot.Remaining(),
		Price:     execPrice,
		OrderType: string(snapshot.Kind),
	})
	if err != nil {
		result = schema.Reject(err.Error())
	}

	if !result.Success {
		return e.applyFailure(ctx, id, result.Err)
	}

	filledSize := result.FilledSize
	if filledSize <= 0 {
		filledSize = snapshot.Remaining()
	}
	filledPrice := result.FilledPrice
	if filledPrice <= 0 {
		filledPrice = execPrice
	}

	fill := orderstore.Fill{
		OrderID:   id,
		Price:     filledPrice,
		Size:      filledSize,
		Value:     filledPrice * filledSize,
		Fee:       result.Fee,
		TxRef:     result.TxRef,
		Timestamp: e.now(),
	}
	if err := e.store.RecordFill(ctx, fill); err != nil {
		return errs.New(engineName, errs.CodePersistence,
			errs.WithOrderID(id), errs.WithCause(err))
	}

	e.mu.Lock()
	order, ok = e.active[id]
	if !ok || order.Status.Terminal() {
		// Cancelled while the callback was in flight; the fill row above is
		// the record of what actually happened.
		e.mu.Unlock()
		observability.Log().Info("fill recorded for order cancelled in flight",
			observability.F("order_id", id),
			observability.F("size", filledSize))
		return nil
	}
	from := order.Status
	order.FilledSize += filledSize
	order.FilledPrice = filledPrice
	order.TxRef = result.TxRef
	order.UpdatedAt = e.now()
	if order.Remaining() <= 0 {
		order.Status = schema.StatusFilled
		order.FilledAt = order.UpdatedAt
	} else {
		order.Status = schema.StatusPartiallyFilled
	}
	final := *order
	if final.Status == schema.StatusFilled {
		delete(e.active, id)
	}
	e.mu.Unlock()

	if err := e.persistTransition(ctx, &final, from, final.Status, "executed"); err != nil {
		return err
	}

	observability.Log().Info("order executed",
		observability.F("order_id", id),
		observability.F("symbol", final.Symbol),
		observability.F("price", filledPrice),
		observability.F("size", filledSize))
	observability.Telemetry().IncCounter("conditional.orders.filled", 1,
		map[string]string{"symbol": final.Symbol, "kind": string(final.Kind)})

	if final.Status == schema.StatusFilled && final.LinkedOrderID != "" {
		if _, err := e.cancelInternal(ctx, final.LinkedOrderID, "oco cascade", false); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyFailure(ctx context.Context, id, reason string) error {
	e.mu.Lock()
	order, ok := e.active[id]
	if !ok || order.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	from := order.Status
	order.Status = schema.StatusFailed
	order.ErrorMessage = reason
	order.UpdatedAt = e.now()
	final := *order
	delete(e.active, id)
	e.mu.Unlock()

	if perr := e.persistTransition(ctx, &final, from, schema.StatusFailed, reason); perr != nil {
		e.mu.Lock()
		order.Status = from
		order.ErrorMessage = ""
		e.active[id] = order
		e.mu.Unlock()
		return perr
	}
	observability.Telemetry().IncCounter("conditional.orders.failed", 1,
		map[string]string{"symbol": final.Symbol})
	if final.LinkedOrderID != "" {
		if _, cerr := e.cancelInternal(ctx, final.LinkedOrderID, "oco cascade", false); cerr != nil {
			return cerr
		}
	}
	return errs.New(engineName, errs.CodeExecution, errs.WithOrderID(id),
		errs.WithSymbol(final.Symbol), errs.WithMessage(reason))
}

// GetOrder returns the current view of an order, live or persisted.
func (e *Engine) GetOrder(ctx context.Context, id string) (schema.Order, bool, error) {
	e.mu.Lock()
	if order, ok := e.active[id]; ok {
		snapshot := *order
		e.mu.Unlock()
		return snapshot, true, nil
	}
	e.mu.Unlock()
	return e.store.GetOrder(ctx, id)
}

// OpenOrders returns non-terminal orders, optionally scoped to a symbol.
func (e *Engine) OpenOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	return e.store.ListOrders(ctx, orderstore.Query{
		Symbol: symbol,
		Statuses: []schema.Status{
			schema.StatusPending,
			schema.StatusOpen,
			schema.StatusPartiallyFilled,
		},
	})
}

// OrderHistory returns recent orders for a symbol regardless of status.
func (e *Engine) OrderHistory(ctx context.Context, symbol string, limit int) ([]schema.Order, error) {
	return e.store.ListOrders(ctx, orderstore.Query{Symbol: symbol, Limit: limit})
}

// GetStatistics aggregates store-wide order counters.
func (e *Engine) GetStatistics(ctx context.Context) (orderstore.Statistics, error) {
	stats, err := e.store.Statistics(ctx)
	if err != nil {
		return orderstore.Statistics{}, errs.New(engineName, errs.CodePersistence, errs.WithCause(err))
	}
	return stats, nil
}

// LoadActive repopulates the in-memory active set from the store, for
// crash recovery at startup.
func (e *Engine) LoadActive(ctx context.Context) (int, error) {
	orders, err := e.OpenOrders(ctx, "")
	if err != nil {
		return 0, errs.New(engineName, errs.CodePersistence, errs.WithCause(err))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	loaded := 0
	for i := range orders {
		order := orders[i]
		if _, exists := e.active[order.ID]; exists {
			continue
		}
		e.active[order.ID] = &order
		loaded++
	}
	return loaded, nil
}

// ActiveSymbols lists symbols with at least one live order.
func (e *Engine) ActiveSymbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]struct{})
	var symbols []string
	for _, order := range e.active {
		if _, ok := seen[order.Symbol]; !ok {
			seen[order.Symbol] = struct{}{}
			symbols = append(symbols, order.Symbol)
		}
	}
	return symbols
}

// RunSymbol is the per-symbol monitoring loop worker. An oracle failure
// skips the tick; the loop only exits on context cancellation.
func (e *Engine) RunSymbol(ctx context.Context, symbol string, interval time.Duration) {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	symbol = schema.NormalizeSymbol(symbol)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			book, err := e.oracle.BookState(ctx, symbol)
			if err != nil {
				observability.Log().Debug("tick skipped, no book state",
					observability.F("symbol", symbol),
					observability.F("error", err.Error()))
				continue
			}
			if err := e.CheckAndExecute(ctx, book); err != nil {
				observability.Log().Error("check tick failed",
					observability.F("symbol", symbol),
					observability.F("error", err.Error()))
			}
		}
	}
}

// persistTransition saves the order then appends the audit record; both must
// land before the caller proceeds.
func (e *Engine) persistTransition(ctx context.Context, order *schema.Order, from, to schema.Status, details string) error {
	if err := e.store.SaveOrder(ctx, *order); err != nil {
		return errs.New(engineName, errs.CodePersistence,
			errs.WithOrderID(order.ID), errs.WithCause(err))
	}
	change := orderstore.StatusChange{
		OrderID:   order.ID,
		From:      from,
		To:        to,
		Details:   details,
		Timestamp: order.UpdatedAt,
	}
	if err := e.store.RecordStatusChange(ctx, change); err != nil {
		return errs.New(engineName, errs.CodePersistence,
			errs.WithOrderID(order.ID), errs.WithCause(err))
	}
	return nil
}
