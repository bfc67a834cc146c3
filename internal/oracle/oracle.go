// Package oracle provides market price sources for the execution engines.
package oracle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/fluxtrade/execore/errs"
	"github.com/fluxtrade/execore/internal/schema"
)

// PriceOracle serves the best bid/ask view the engines evaluate against.
// Implementations must be safe for concurrent use.
type PriceOracle interface {
	// BookState returns the latest top-of-book snapshot for a symbol.
	BookState(ctx context.Context, symbol string) (schema.BookState, error)
	// Mid returns the current mid price for a symbol.
	Mid(ctx context.Context, symbol string) (float64, error)
	// Volatility returns the recent relative price variability for a symbol,
	// expressed as a fraction (0.02 = 2%).
	Volatility(ctx context.Context, symbol string) (float64, error)
}

// Static is a fixed-price oracle used in tests and dry runs. Prices are set
// explicitly and never move on their own.
type Static struct {
	mu    sync.RWMutex
	books map[string]schema.BookState
	vols  map[string]float64
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{
		books: make(map[string]schema.BookState),
		vols:  make(map[string]float64),
	}
}

// SetBook installs a top-of-book snapshot for a symbol.
func (s *Static) SetBook(symbol string, bestBid, bestAsk float64) {
	normalized := schema.NormalizeSymbol(symbol)
	s.mu.Lock()
	s.books[normalized] = schema.BookState{
		Symbol:    normalized,
		BestBid:   bestBid,
		BestAsk:   bestAsk,
		Timestamp: time.Now().UTC(),
	}
	s.mu.Unlock()
}

// SetVolatility installs the volatility reading for a symbol.
func (s *Static) SetVolatility(symbol string, vol float64) {
	s.mu.Lock()
	s.vols[schema.NormalizeSymbol(symbol)] = vol
	s.mu.Unlock()
}

// BookState returns the installed snapshot for a symbol.
func (s *Static) BookState(_ context.Context, symbol string) (schema.BookState, error) {
	s.mu.RLock()
	book, ok := s.books[schema.NormalizeSymbol(symbol)]
	s.mu.RUnlock()
	if !ok {
		return schema.BookState{}, errs.New("oracle", errs.CodeFeed,
			errs.WithSymbol(symbol), errs.WithMessage("no book state"))
	}
	return book, nil
}

// Mid returns the installed mid price for a symbol.
func (s *Static) Mid(ctx context.Context, symbol string) (float64, error) {
	book, err := s.BookState(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if !book.Valid() {
		return 0, errs.New("oracle", errs.CodeFeed,
			errs.WithSymbol(symbol), errs.WithMessage("invalid book state"))
	}
	return book.Mid(), nil
}

// Volatility returns the installed volatility for a symbol, zero when unset.
func (s *Static) Volatility(_ context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	vol := s.vols[schema.NormalizeSymbol(symbol)]
	s.mu.RUnlock()
	return vol, nil
}

// volWindow keeps a bounded window of mid prices and reports the standard
// deviation of step-over-step returns.
type volWindow struct {
	samples []float64
	next    int
	filled  bool
}

func newVolWindow(size int) *volWindow {
	if size < 2 {
		size = 2
	}
	return &volWindow{samples: make([]float64, size)}
}

func (w *volWindow) observe(mid float64) {
	if mid <= 0 {
		return
	}
	w.samples[w.next] = mid
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

func (w *volWindow) ordered() []float64 {
	if w.filled {
		out := make([]float64, 0, len(w.samples))
		out = append(out, w.samples[w.next:]...)
		out = append(out, w.samples[:w.next]...)
		return out
	}
	return w.samples[:w.next]
}

func (w *volWindow) volatility() float64 {
	mids := w.ordered()
	if len(mids) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(mids)-1)
	for i := 1; i < len(mids); i++ {
		if mids[i-1] <= 0 {
			continue
		}
		returns = append(returns, mids[i]/mids[i-1]-1)
	}
	if len(returns) == 0 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}
