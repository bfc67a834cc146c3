package mm

import (
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/fluxtrade/execore/errs"
	"github.com/fluxtrade/execore/internal/domain/quotestore"
)

// scriptStrategy evaluates a user-supplied JavaScript spread model. The
// script must define `spread(input)` taking `{mid, volatility, skew,
// baseSpreadBps, minSpreadBps, maxSpreadBps}` and returning basis points.
// Goja runtimes are not goroutine-safe, so calls are single-flight.
type scriptStrategy struct {
	mu sync.Mutex
	rt *goja.Runtime
	fn goja.Callable
}

func newScriptStrategy(source string) (*scriptStrategy, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errs.New(engineName, errs.CodeInvalid,
			errs.WithMessage("script strategy requires a script source"))
	}
	program, err := goja.Compile("spread.js", source, true)
	if err != nil {
		return nil, errs.New(engineName, errs.CodeInvalid,
			errs.WithMessage("script does not compile"), errs.WithCause(err))
	}
	rt := goja.New()
	if _, err := rt.RunProgram(program); err != nil {
		return nil, errs.New(engineName, errs.CodeInvalid,
			errs.WithMessage("script failed to initialize"), errs.WithCause(err))
	}
	fn, ok := goja.AssertFunction(rt.Get("spread"))
	if !ok {
		return nil, errs.New(engineName, errs.CodeInvalid,
			errs.WithMessage("script must define spread(input)"))
	}
	return &scriptStrategy{rt: rt, fn: fn}, nil
}

func (s *scriptStrategy) SpreadBps(cfg quotestore.Config, in MarketInput) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	input := s.rt.NewObject()
	_ = input.Set("mid", in.Mid)
	_ = input.Set("volatility", in.Volatility)
	_ = input.Set("skew", in.Skew)
	_ = input.Set("baseSpreadBps", cfg.BaseSpreadBps)
	_ = input.Set("minSpreadBps", cfg.MinSpreadBps)
	_ = input.Set("maxSpreadBps", cfg.MaxSpreadBps)

	value, err := s.fn(goja.Undefined(), input)
	if err != nil {
		return 0, errs.New(engineName, errs.CodeExecution, errs.WithSymbol(cfg.Symbol),
			errs.WithMessage("spread script threw"), errs.WithCause(err))
	}
	spread := value.ToFloat()
	if spread <= 0 {
		return 0, errs.New(engineName, errs.CodeExecution, errs.WithSymbol(cfg.Symbol),
			errs.WithMessage("spread script returned a non-positive spread"))
	}
	return clampSpread(cfg, spread), nil
}
