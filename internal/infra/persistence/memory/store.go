// Package memory provides an in-memory implementation of the persistence
// contracts, used for tests and embedded deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/fluxtrade/execore/internal/domain/orderstore"
	"github.com/fluxtrade/execore/internal/domain/planstore"
	"github.com/fluxtrade/execore/internal/domain/quotestore"
	"github.com/fluxtrade/execore/internal/schema"
)

// Store is a mutex-guarded implementation of the orderstore, planstore, and
// quotestore contracts. Values are copied on the way in and out.
type Store struct {
	mu      sync.RWMutex
	orders  map[string]schema.Order
	fills   map[string][]orderstore.Fill
	history map[string][]orderstore.StatusChange
	plans   map[string]planstore.Plan
	configs map[string]quotestore.Config
	quotes  map[string]quotestore.Quote
	trades  map[string][]quotestore.Trade
}

// NewStore creates an empty memory store.
func NewStore() *Store {
	return &Store{
		orders:  make(map[string]schema.Order),
		fills:   make(map[string][]orderstore.Fill),
		history: make(map[string][]orderstore.StatusChange),
		plans:   make(map[string]planstore.Plan),
		configs: make(map[string]quotestore.Config),
		quotes:  make(map[string]quotestore.Quote),
		trades:  make(map[string][]quotestore.Trade),
	}
}

// SaveOrder upserts the order snapshot. Idempotent.
func (s *Store) SaveOrder(_ context.Context, order schema.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	return nil
}

// RecordFill appends a fill record.
func (s *Store) RecordFill(_ context.Context, fill orderstore.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[fill.OrderID] = append(s.fills[fill.OrderID], fill)
	return nil
}

// RecordStatusChange appends an audit trail entry.
func (s *Store) RecordStatusChange(_ context.Context, change orderstore.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[change.OrderID] = append(s.history[change.OrderID], change)
	return nil
}

// GetOrder returns the order snapshot for the given id.
func (s *Store) GetOrder(_ context.Context, id string) (schema.Order, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	return order, ok, nil
}

// ListOrders returns orders matching the query, most recent first.
func (s *Store) ListOrders(_ context.Context, query orderstore.Query) ([]schema.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schema.Order
	for _, order := range s.orders {
		if query.Symbol != "" && order.Symbol != schema.NormalizeSymbol(query.Symbol) {
			continue
		}
		if len(query.Statuses) > 0 && !containsStatus(query.Statuses, order.Status) {
			continue
		}
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// ListFills returns fill records for an order in append order.
func (s *Store) ListFills(_ context.Context, orderID string) ([]orderstore.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fills := s.fills[orderID]
	out := make([]orderstore.Fill, len(fills))
	copy(out, fills)
	return out, nil
}

// StatusHistory returns the audit trail for an order in append order.
func (s *Store) StatusHistory(_ context.Context, orderID string) ([]orderstore.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.history[orderID]
	out := make([]orderstore.StatusChange, len(history))
	copy(out, history)
	return out, nil
}

// Statistics aggregates order counters and fill volume.
func (s *Store) Statistics(_ context.Context) (orderstore.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := orderstore.Statistics{ByStatus: make(map[string]int)}
	for _, order := range s.orders {
		stats.TotalOrders++
		stats.ByStatus[string(order.Status)]++
		if !order.Status.Terminal() {
			stats.ActiveOrders++
		}
	}
	for _, fills := range s.fills {
		for _, fill := range fills {
			stats.TotalVolume += fill.Value
		}
	}
	if stats.TotalOrders > 0 {
		stats.FillRate = float64(stats.ByStatus[string(schema.StatusFilled)]) / float64(stats.TotalOrders)
	}
	return stats, nil
}

// SavePlan upserts the plan with its slices.
func (s *Store) SavePlan(_ context.Context, plan planstore.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan.Slices = append([]planstore.Slice(nil), plan.Slices...)
	s.plans[plan.ID] = plan
	return nil
}

// GetPlan returns the plan for the given id.
func (s *Store) GetPlan(_ context.Context, id string) (planstore.Plan, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if ok {
		plan.Slices = append([]planstore.Slice(nil), plan.Slices...)
	}
	return plan, ok, nil
}

// ListActivePlans returns plans still owning schedule work.
func (s *Store) ListActivePlans(_ context.Context) ([]planstore.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []planstore.Plan
	for _, plan := range s.plans {
		if plan.Status.Active() {
			plan.Slices = append([]planstore.Slice(nil), plan.Slices...)
			out = append(out, plan)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveConfig upserts a per-symbol market-making configuration.
func (s *Store) SaveConfig(_ context.Context, cfg quotestore.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.Symbol] = cfg
	return nil
}

// GetConfig returns the configuration for a symbol.
func (s *Store) GetConfig(_ context.Context, symbol string) (quotestore.Config, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[schema.NormalizeSymbol(symbol)]
	return cfg, ok, nil
}

// SaveQuote upserts a resting quote order.
func (s *Store) SaveQuote(_ context.Context, quote quotestore.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[quote.ID] = quote
	return nil
}

// ListQuotes returns quotes for a symbol filtered by status, newest first.
func (s *Store) ListQuotes(_ context.Context, symbol string, statuses []quotestore.QuoteStatus, limit int) ([]quotestore.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbol = schema.NormalizeSymbol(symbol)
	var out []quotestore.Quote
	for _, quote := range s.quotes {
		if quote.Symbol != symbol {
			continue
		}
		if len(statuses) > 0 && !containsQuoteStatus(statuses, quote.Status) {
			continue
		}
		out = append(out, quote)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordTrade appends a reconciled trade record.
func (s *Store) RecordTrade(_ context.Context, trade quotestore.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol := schema.NormalizeSymbol(trade.Symbol)
	s.trades[symbol] = append(s.trades[symbol], trade)
	return nil
}

// ListTrades returns trade records for a symbol, newest first.
func (s *Store) ListTrades(_ context.Context, symbol string, limit int) ([]quotestore.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.trades[schema.NormalizeSymbol(symbol)]
	out := make([]quotestore.Trade, len(trades))
	copy(out, trades)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsStatus(statuses []schema.Status, status schema.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func containsQuoteStatus(statuses []quotestore.QuoteStatus, status quotestore.QuoteStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
