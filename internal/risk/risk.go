// Package risk enforces pre-trade limits shared by all execution engines.
package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/fluxtrade/execore/internal/schema"
)

// Limits defines the pre-trade risk parameters applied before any execution
// callback fires.
type Limits struct {
	// MaxOrderSize is the maximum base size of a single execution request.
	MaxOrderSize decimal.Decimal `yaml:"maxOrderSize"`

	// MaxOrderValue is the maximum quote value of a single execution request.
	MaxOrderValue decimal.Decimal `yaml:"maxOrderValue"`

	// OrderThrottle is the maximum rate of execution requests per second.
	OrderThrottle float64 `yaml:"orderThrottle"`
}

// DefaultLimits returns the stock limits: generous single-order caps with a
// modest request throttle.
func DefaultLimits() Limits {
	return Limits{
		MaxOrderSize:  decimal.NewFromInt(1000),
		MaxOrderValue: decimal.NewFromInt(1_000_000),
		OrderThrottle: 50,
	}
}

// Gate evaluates execution requests against the configured limits.
type Gate struct {
	limits  Limits
	limiter *rate.Limiter
	mu      sync.RWMutex
	exposed map[string]decimal.Decimal
}

// NewGate creates a gate with the given limits. A zero throttle disables
// rate limiting; zero size/value limits disable those checks.
func NewGate(limits Limits) *Gate {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if limits.OrderThrottle > 0 {
		limiter = rate.NewLimiter(rate.Limit(limits.OrderThrottle), 1)
	}
	return &Gate{
		limits:  limits,
		limiter: limiter,
		exposed: make(map[string]decimal.Decimal),
	}
}

// CheckRequest evaluates an execution request against the configured limits.
// It blocks on the throttle until the context expires.
func (g *Gate) CheckRequest(ctx context.Context, req schema.ExecRequest) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("order throttle limit exceeded")
	}

	size := decimal.NewFromFloat(req.Size)
	if size.IsNegative() || size.IsZero() {
		return fmt.Errorf("invalid order size %s", size)
	}
	if g.limits.MaxOrderSize.IsPositive() && size.GreaterThan(g.limits.MaxOrderSize) {
		return fmt.Errorf("order size %s exceeds max order size %s",
			size, g.limits.MaxOrderSize)
	}

	if g.limits.MaxOrderValue.IsPositive() && req.Price > 0 {
		value := size.Mul(decimal.NewFromFloat(req.Price))
		if value.GreaterThan(g.limits.MaxOrderValue) {
			return fmt.Errorf("order value %s exceeds max order value %s",
				value, g.limits.MaxOrderValue)
		}
	}

	return nil
}

// RecordFill accumulates per-symbol executed exposure for reporting.
func (g *Gate) RecordFill(symbol string, size float64) {
	normalized := schema.NormalizeSymbol(symbol)
	g.mu.Lock()
	g.exposed[normalized] = g.exposed[normalized].Add(decimal.NewFromFloat(size))
	g.mu.Unlock()
}

// Exposure returns the accumulated executed size for a symbol.
func (g *Gate) Exposure(symbol string) decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.exposed[schema.NormalizeSymbol(symbol)]
}
