// Package orderstore defines persistence contracts for conditional order
// lifecycle state: orders, fills, and the status-transition audit trail.
package orderstore

import (
	"context"
	"time"

	"github.com/fluxtrade/execore/internal/schema"
)

// Fill represents a trade fill recorded against an order. Append-only.
type Fill struct {
	OrderID   string    `json:"orderId"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Value     float64   `json:"value"`
	Fee       float64   `json:"fee"`
	TxRef     string    `json:"txRef,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusChange is one entry of the status-transition audit trail. Append-only.
type StatusChange struct {
	OrderID   string        `json:"orderId"`
	From      schema.Status `json:"from"`
	To        schema.Status `json:"to"`
	Details   string        `json:"details,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Query scopes order lookups. Zero fields are unconstrained.
type Query struct {
	Symbol   string          `json:"symbol,omitempty"`
	Statuses []schema.Status `json:"statuses,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// Statistics aggregates store-wide order counters.
type Statistics struct {
	TotalOrders  int            `json:"totalOrders"`
	ByStatus     map[string]int `json:"byStatus"`
	ActiveOrders int            `json:"activeOrders"`
	TotalVolume  float64        `json:"totalVolume"`
	FillRate     float64        `json:"fillRate"`
}

// Store defines the contract for order persistence. SaveOrder must complete
// before any external callback fires so a crash never loses a transition.
type Store interface {
	SaveOrder(ctx context.Context, order schema.Order) error
	RecordFill(ctx context.Context, fill Fill) error
	RecordStatusChange(ctx context.Context, change StatusChange) error
	GetOrder(ctx context.Context, id string) (schema.Order, bool, error)
	ListOrders(ctx context.Context, query Query) ([]schema.Order, error)
	ListFills(ctx context.Context, orderID string) ([]Fill, error)
	StatusHistory(ctx context.Context, orderID string) ([]StatusChange, error)
	Statistics(ctx context.Context) (Statistics, error)
}
