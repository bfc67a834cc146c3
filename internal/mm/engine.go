// Package mm implements the market-making quote engine: continuous two-sided
// multi-level quoting per symbol, computed from a pluggable spread strategy
// and reconciled against fills.
package mm

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/fluxtrade/execore/errs"
	"github.com/fluxtrade/execore/internal/domain/quotestore"
	"github.com/fluxtrade/execore/internal/observability"
	"github.com/fluxtrade/execore/internal/oracle"
	"github.com/fluxtrade/execore/internal/schema"
)

const engineName = "mm"

// defaultRefreshInterval paces the quote loop when the config leaves it zero.
const defaultRefreshInterval = 5 * time.Second

// Stats accumulates per-symbol fill statistics.
type Stats struct {
	TradeCount  int     `json:"tradeCount"`
	Volume      float64 `json:"volume"`
	Fees        float64 `json:"fees"`
	RealizedPnl float64 `json:"realizedPnl"`
}

// symbolState is the per-symbol quoting context. Mutated only under the
// engine mutex.
type symbolState struct {
	cfg      quotestore.Config
	strategy SpreadStrategy

	mid        float64
	volatility float64

	baseBalance  float64
	quoteBalance float64

	quotes []quotestore.Quote
	stats  Stats
}

func (s *symbolState) skew() float64 {
	if s.cfg.MaxInventory <= 0 {
		return 0
	}
	delta := s.baseBalance - s.cfg.InventoryTarget
	return math.Max(-1, math.Min(1, delta/s.cfg.MaxInventory))
}

// Engine owns the quoting state for all configured symbols. Construct with
// NewEngine; all dependencies are injected.
type Engine struct {
	store    quotestore.Store
	oracle   oracle.PriceOracle
	executor schema.Executor

	mu      sync.Mutex
	symbols map[string]*symbolState

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs a market-making engine.
func NewEngine(store quotestore.Store, priceOracle oracle.PriceOracle, executor schema.Executor, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		oracle:   priceOracle,
		executor: executor,
		symbols:  make(map[string]*symbolState),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Configure validates and persists a symbol's quoting parameters.
// Reconfiguring a live symbol keeps its inventory and statistics.
func (e *Engine) Configure(ctx context.Context, cfg quotestore.Config) error {
	cfg.Symbol = schema.NormalizeSymbol(cfg.Symbol)
	if err := validateConfig(cfg); err != nil {
		return err
	}
	strategy, err := strategyFor(cfg)
	if err != nil {
		return err
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if err := e.store.SaveConfig(ctx, cfg); err != nil {
		return errs.New(engineName, errs.CodePersistence, errs.WithSymbol(cfg.Symbol), errs.WithCause(err))
	}

	e.mu.Lock()
	if state, ok := e.symbols[cfg.Symbol]; ok {
		state.cfg = cfg
		state.strategy = strategy
	} else {
		e.symbols[cfg.Symbol] = &symbolState{cfg: cfg, strategy: strategy}
	}
	e.mu.Unlock()

	observability.Log().Info("symbol configured",
		observability.F("symbol", cfg.Symbol),
		observability.F("strategy", string(cfg.Strategy)),
		observability.F("base_spread_bps", cfg.BaseSpreadBps),
		observability.F("levels", cfg.NumLevels))
	return nil
}

func validateConfig(cfg quotestore.Config) error {
	invalid := func(msg string) error {
		return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(cfg.Symbol), errs.WithMessage(msg))
	}
	if cfg.Symbol == "" {
		return invalid("symbol is required")
	}
	if cfg.BaseSpreadBps <= 0 {
		return invalid("base spread must be positive")
	}
	if cfg.MinSpreadBps > cfg.BaseSpreadBps {
		return invalid("min spread exceeds base spread")
	}
	if cfg.MaxSpreadBps > 0 && cfg.BaseSpreadBps > cfg.MaxSpreadBps {
		return invalid("base spread exceeds max spread")
	}
	if cfg.OrderSize <= 0 {
		return invalid("order size must be positive")
	}
	if cfg.NumLevels < 1 {
		return invalid("at least one quote level required")
	}
	if cfg.NumLevels > 1 && cfg.LevelSpacingBps <= 0 {
		return invalid("level spacing must be positive for multi-level quoting")
	}
	if cfg.MaxInventory <= 0 {
		return invalid("max inventory must be positive")
	}
	return nil
}

// UpdatePrice feeds the next quote cycle. Volatility may be zero for
// strategies that ignore it.
func (e *Engine) UpdatePrice(symbol string, mid, volatility float64) error {
	if mid <= 0 {
		return errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(symbol),
			errs.WithMessage("mid must be positive"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.stateLocked(symbol)
	if err != nil {
		return err
	}
	state.mid = mid
	state.volatility = volatility
	return nil
}

// UpdateInventory records the current balances; skew derives from them on
// the next compute.
func (e *Engine) UpdateInventory(symbol string, baseBalance, quoteBalance float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.stateLocked(symbol)
	if err != nil {
		return err
	}
	state.baseBalance = baseBalance
	state.quoteBalance = quoteBalance
	return nil
}

// Skew reports the current inventory skew in [-1, 1].
func (e *Engine) Skew(symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.stateLocked(symbol)
	if err != nil {
		return 0, err
	}
	return state.skew(), nil
}

// ComputeQuotes prices a fresh quote set from the last observed market state
// without placing anything.
func (e *Engine) ComputeQuotes(symbol string) (bids, asks []quotestore.Quote, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.stateLocked(symbol)
	if err != nil {
		return nil, nil, err
	}
	return e.computeLocked(state)
}

// computeLocked builds both sides of the ladder. Inventory skew shifts both
// sides toward the direction that sheds the excess; deeper levels widen by
// the configured spacing and carry less size, except for grid ladders which
// keep a constant size.
func (e *Engine) computeLocked(state *symbolState) ([]quotestore.Quote, []quotestore.Quote, error) {
	cfg := state.cfg
	if state.mid <= 0 {
		return nil, nil, errs.New(engineName, errs.CodeFeed, errs.WithSymbol(cfg.Symbol),
			errs.WithMessage("no mid price observed"))
	}
	skew := state.skew()
	spread, err := state.strategy.SpreadBps(cfg, MarketInput{
		Mid:        state.mid,
		Volatility: state.volatility,
		Skew:       skew,
	})
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	var bids, asks []quotestore.Quote
	for level := 0; level < cfg.NumLevels; level++ {
		half := (spread + float64(level)*cfg.LevelSpacingBps) / 2 / 10000
		size := cfg.OrderSize
		if cfg.Strategy != quotestore.StrategyGrid {
			size = cfg.OrderSize / (1 + 0.5*float64(level))
		}
		bidPrice := state.mid * (1 - half - skew*half)
		askPrice := state.mid * (1 + half - skew*half)

		if bidPrice*size >= cfg.MinOrderValue {
			bids = append(bids, quotestore.Quote{
				ID:        schema.NewOrderID(),
				Symbol:    cfg.Symbol,
				Side:      quotestore.SideBid,
				Level:     level,
				Price:     bidPrice,
				Size:      size,
				Status:    quotestore.QuoteActive,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
		if askPrice*size >= cfg.MinOrderValue {
			asks = append(asks, quotestore.Quote{
				ID:        schema.NewOrderID(),
				Symbol:    cfg.Symbol,
				Side:      quotestore.SideAsk,
				Level:     level,
				Price:     askPrice,
				Size:      size,
				Status:    quotestore.QuoteActive,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
	}
	return bids, asks, nil
}

// RefreshQuotes replaces the resting quote set: the previous set is always
// cancelled in full before the new one is placed, so no stale quote survives
// a cycle. Each new quote is persisted before the placement callback fires.
func (e *Engine) RefreshQuotes(ctx context.Context, symbol string) error {
	started := time.Now()
	symbol = schema.NormalizeSymbol(symbol)

	e.mu.Lock()
	state, err := e.stateLocked(symbol)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	previous := state.quotes
	state.quotes = nil
	bids, asks, err := e.computeLocked(state)
	if err != nil {
		state.quotes = previous
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	now := e.now()
	for i := range previous {
		if previous[i].Status != quotestore.QuoteActive {
			continue
		}
		previous[i].Status = quotestore.QuoteCancelled
		previous[i].UpdatedAt = now
		if err := e.store.SaveQuote(ctx, previous[i]); err != nil {
			return errs.New(engineName, errs.CodePersistence, errs.WithSymbol(symbol), errs.WithCause(err))
		}
	}

	placed := make([]quotestore.Quote, 0, len(bids)+len(asks))
	for _, quote := range append(bids, asks...) {
		if err := e.store.SaveQuote(ctx, quote); err != nil {
			return errs.New(engineName, errs.CodePersistence, errs.WithSymbol(symbol), errs.WithCause(err))
		}
		if err := e.place(ctx, quote); err != nil {
			quote.Status = quotestore.QuoteCancelled
			quote.UpdatedAt = e.now()
			if saveErr := e.store.SaveQuote(ctx, quote); saveErr != nil {
				return errs.New(engineName, errs.CodePersistence, errs.WithSymbol(symbol), errs.WithCause(saveErr))
			}
			observability.Log().Error("quote placement failed",
				observability.F("symbol", symbol),
				observability.F("quote_id", quote.ID),
				observability.F("error", err.Error()))
			continue
		}
		placed = append(placed, quote)
	}

	e.mu.Lock()
	state.quotes = placed
	e.mu.Unlock()

	observability.Telemetry().ObserveHistogram("mm.refresh.duration",
		float64(time.Since(started).Milliseconds()), map[string]string{"symbol": symbol})
	observability.Telemetry().SetGauge("mm.quotes.active",
		float64(len(placed)), map[string]string{"symbol": symbol})
	return nil
}

// place notifies the settlement layer of a new resting quote.
func (e *Engine) place(ctx context.Context, quote quotestore.Quote) error {
	if e.executor == nil {
		return nil
	}
	side := schema.SideBuy
	if quote.Side == quotestore.SideAsk {
		side = schema.SideSell
	}
	result, err := e.executor.Execute(ctx, schema.ExecRequest{
		Symbol:    quote.Symbol,
		Side:      side,
		Size:      quote.Size,
		Price:     quote.Price,
		OrderType: "mm_quote",
	})
	if err != nil {
		return errs.New(engineName, errs.CodeExecution, errs.WithSymbol(quote.Symbol),
			errs.WithOrderID(quote.ID), errs.WithCause(err))
	}
	if !result.Success {
		return errs.New(engineName, errs.CodeExecution, errs.WithSymbol(quote.Symbol),
			errs.WithOrderID(quote.ID), errs.WithMessage(result.Err))
	}
	return nil
}

// HandleFill reconciles a fill against the active quote set: it updates the
// quote and inventory, records the trade with its marked-to-mid PnL, and
// drops the quote from the active set once fully filled.
func (e *Engine) HandleFill(ctx context.Context, orderID string, price, size, fee float64) error {
	if size <= 0 || price <= 0 {
		return errs.New(engineName, errs.CodeInvalid, errs.WithOrderID(orderID),
			errs.WithMessage("fill price and size must be positive"))
	}

	e.mu.Lock()
	var (
		state *symbolState
		idx   = -1
	)
	for _, s := range e.symbols {
		for i := range s.quotes {
			if s.quotes[i].ID == orderID {
				state, idx = s, i
				break
			}
		}
		if idx >= 0 {
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return errs.New(engineName, errs.CodeNotFound, errs.WithOrderID(orderID),
			errs.WithMessage("no active quote for fill"))
	}

	quote := &state.quotes[idx]
	quote.FilledSize += size
	quote.FillPrice = price
	quote.UpdatedAt = e.now()
	filled := quote.FilledSize >= quote.Size
	if filled {
		quote.Status = quotestore.QuoteFilled
	}

	// A filled bid bought below mid earns the difference; a filled ask the
	// inverse. Fees always subtract.
	var pnl float64
	if quote.Side == quotestore.SideBid {
		pnl = (state.mid-price)*size - fee
		state.baseBalance += size
		state.quoteBalance -= price * size
	} else {
		pnl = (price-state.mid)*size - fee
		state.baseBalance -= size
		state.quoteBalance += price * size
	}
	state.stats.TradeCount++
	state.stats.Volume += price * size
	state.stats.Fees += fee
	state.stats.RealizedPnl += pnl

	trade := quotestore.Trade{
		OrderID:   quote.ID,
		Symbol:    quote.Symbol,
		Side:      quote.Side,
		Price:     price,
		Size:      size,
		Fee:       fee,
		Pnl:       pnl,
		Timestamp: e.now(),
	}
	snapshot := *quote
	if filled {
		state.quotes = append(state.quotes[:idx], state.quotes[idx+1:]...)
	}
	e.mu.Unlock()

	if err := e.store.SaveQuote(ctx, snapshot); err != nil {
		return errs.New(engineName, errs.CodePersistence, errs.WithOrderID(orderID), errs.WithCause(err))
	}
	if err := e.store.RecordTrade(ctx, trade); err != nil {
		return errs.New(engineName, errs.CodePersistence, errs.WithOrderID(orderID), errs.WithCause(err))
	}

	observability.Telemetry().IncCounter("mm.fills", 1,
		map[string]string{"symbol": trade.Symbol, "side": string(trade.Side)})
	observability.Log().Info("quote filled",
		observability.F("symbol", trade.Symbol),
		observability.F("quote_id", trade.OrderID),
		observability.F("side", string(trade.Side)),
		observability.F("size", size),
		observability.F("pnl", pnl))
	return nil
}

// ActiveQuotes returns the current resting set for a symbol.
func (e *Engine) ActiveQuotes(symbol string) ([]quotestore.Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.stateLocked(symbol)
	if err != nil {
		return nil, err
	}
	return append([]quotestore.Quote(nil), state.quotes...), nil
}

// Statistics returns the cumulative fill statistics for a symbol.
func (e *Engine) Statistics(symbol string) (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.stateLocked(symbol)
	if err != nil {
		return Stats{}, err
	}
	return state.stats, nil
}

// ConfiguredSymbols lists the symbols the engine quotes.
func (e *Engine) ConfiguredSymbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	symbols := make([]string, 0, len(e.symbols))
	for symbol := range e.symbols {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// LoadConfig restores a previously persisted symbol configuration.
func (e *Engine) LoadConfig(ctx context.Context, symbol string) (bool, error) {
	symbol = schema.NormalizeSymbol(symbol)
	cfg, found, err := e.store.GetConfig(ctx, symbol)
	if err != nil {
		return false, errs.New(engineName, errs.CodePersistence, errs.WithSymbol(symbol), errs.WithCause(err))
	}
	if !found {
		return false, nil
	}
	return true, e.Configure(ctx, cfg)
}

// RunSymbol drives one symbol's refresh loop: each cycle pulls the oracle's
// mid and volatility, then replaces the quote set. Oracle failures skip the
// cycle; the loop exits when the context is cancelled.
func (e *Engine) RunSymbol(ctx context.Context, symbol string) {
	symbol = schema.NormalizeSymbol(symbol)

	e.mu.Lock()
	state, err := e.stateLocked(symbol)
	if err != nil {
		e.mu.Unlock()
		observability.Log().Error("refresh loop for unconfigured symbol",
			observability.F("symbol", symbol))
		return
	}
	interval := state.cfg.RefreshInterval
	e.mu.Unlock()
	if interval <= 0 {
		interval = defaultRefreshInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mid, err := e.oracle.Mid(ctx, symbol)
			if err != nil {
				observability.Log().Debug("refresh skipped, no mid",
					observability.F("symbol", symbol),
					observability.F("error", err.Error()))
				continue
			}
			vol, err := e.oracle.Volatility(ctx, symbol)
			if err != nil {
				vol = 0
			}
			if err := e.UpdatePrice(symbol, mid, vol); err != nil {
				continue
			}
			if err := e.RefreshQuotes(ctx, symbol); err != nil {
				observability.Log().Error("refresh failed",
					observability.F("symbol", symbol),
					observability.F("error", err.Error()))
			}
		}
	}
}

// stateLocked resolves a symbol's state. Caller holds e.mu.
func (e *Engine) stateLocked(symbol string) (*symbolState, error) {
	state, ok := e.symbols[schema.NormalizeSymbol(symbol)]
	if !ok {
		return nil, errs.New(engineName, errs.CodeNotFound, errs.WithSymbol(symbol),
			errs.WithMessage("symbol not configured"))
	}
	return state, nil
}
