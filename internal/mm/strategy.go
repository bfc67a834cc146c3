package mm

import (
	"math"

	"github.com/fluxtrade/execore/errs"
	"github.com/fluxtrade/execore/internal/domain/quotestore"
)

// Avellaneda-Stoikov constants: fixed risk aversion and order-arrival
// intensity. The closed-form spread only needs these two.
const (
	avellanedaGamma = 0.1
	avellanedaK     = 1.5
)

// MarketInput is the per-cycle market view handed to a spread strategy.
type MarketInput struct {
	Mid        float64
	Volatility float64
	Skew       float64
}

// SpreadStrategy computes the quoted spread in basis points for one refresh
// cycle. Implementations are stateless; per-symbol state lives on the engine.
type SpreadStrategy interface {
	SpreadBps(cfg quotestore.Config, in MarketInput) (float64, error)
}

// strategyFor resolves a strategy name. Script strategies carry compiled
// state and are built separately in Configure.
func strategyFor(cfg quotestore.Config) (SpreadStrategy, error) {
	switch cfg.Strategy {
	case quotestore.StrategySimple:
		return simpleStrategy{}, nil
	case quotestore.StrategyDynamic:
		return dynamicStrategy{}, nil
	case quotestore.StrategyInventory:
		return inventoryStrategy{}, nil
	case quotestore.StrategyAvellaneda:
		return avellanedaStrategy{}, nil
	case quotestore.StrategyGrid:
		return gridStrategy{}, nil
	case quotestore.StrategyScript:
		return newScriptStrategy(cfg.ScriptSource)
	default:
		return nil, errs.New(engineName, errs.CodeInvalid, errs.WithSymbol(cfg.Symbol),
			errs.WithMessage("unknown strategy"))
	}
}

type simpleStrategy struct{}

func (simpleStrategy) SpreadBps(cfg quotestore.Config, _ MarketInput) (float64, error) {
	return cfg.BaseSpreadBps, nil
}

// dynamicStrategy widens with realized volatility.
type dynamicStrategy struct{}

func (dynamicStrategy) SpreadBps(cfg quotestore.Config, in MarketInput) (float64, error) {
	return clampSpread(cfg, cfg.BaseSpreadBps*(1+10*in.Volatility)), nil
}

// inventoryStrategy widens as the book leans away from the inventory target.
type inventoryStrategy struct{}

func (inventoryStrategy) SpreadBps(cfg quotestore.Config, in MarketInput) (float64, error) {
	return clampSpread(cfg, cfg.BaseSpreadBps*(1+0.5*math.Abs(in.Skew))), nil
}

type avellanedaStrategy struct{}

func (avellanedaStrategy) SpreadBps(cfg quotestore.Config, in MarketInput) (float64, error) {
	spread := 10000 * (in.Volatility*in.Volatility*avellanedaGamma +
		(2/avellanedaGamma)*math.Log(1+avellanedaGamma/avellanedaK))
	return clampSpread(cfg, spread), nil
}

// gridStrategy quotes a fixed ladder around mid. Levels keep a constant size
// instead of shrinking, which the engine checks for by strategy name.
type gridStrategy struct{}

func (gridStrategy) SpreadBps(cfg quotestore.Config, _ MarketInput) (float64, error) {
	return cfg.BaseSpreadBps, nil
}

func clampSpread(cfg quotestore.Config, spread float64) float64 {
	if cfg.MinSpreadBps > 0 && spread < cfg.MinSpreadBps {
		return cfg.MinSpreadBps
	}
	if cfg.MaxSpreadBps > 0 && spread > cfg.MaxSpreadBps {
		return cfg.MaxSpreadBps
	}
	return spread
}
