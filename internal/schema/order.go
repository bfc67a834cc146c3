// Package schema defines the shared order model used by all execution engines.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Side identifies the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Kind enumerates the conditional order kinds.
type Kind string

const (
	KindLimit        Kind = "limit"
	KindStopLoss     Kind = "stop_loss"
	KindTakeProfit   Kind = "take_profit"
	KindTrailingStop Kind = "trailing_stop"
	KindOCO          Kind = "oco"
)

// Status enumerates the order lifecycle states.
type Status string

const (
	StatusPending         Status = "pending"
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
	StatusFailed          Status = "failed"
)

// Terminal reports whether the status can never be left again.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusFailed:
		return true
	default:
		return false
	}
}

// TimeInForce enumerates order expiry policies.
type TimeInForce string

const (
	TIFGoodTillCancelled TimeInForce = "gtc"
	TIFImmediateOrCancel TimeInForce = "ioc"
	TIFFillOrKill        TimeInForce = "fok"
	TIFGoodTillDate      TimeInForce = "gtd"
)

// Order is the shared record tracked by the conditional engine and, as a
// child slice parent, referenced by the execution engine.
type Order struct {
	ID              string      `json:"id"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Kind            Kind        `json:"kind"`
	Price           float64     `json:"price"`
	Size            float64     `json:"size"`
	SizeQuoteValue  float64     `json:"sizeQuoteValue"`
	StopPrice       float64     `json:"stopPrice,omitempty"`
	TrailingPercent float64     `json:"trailingPercent,omitempty"`
	HighWaterMark   float64     `json:"highWaterMark,omitempty"`
	Status          Status      `json:"status"`
	TimeInForce     TimeInForce `json:"timeInForce"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	ExpiresAt       time.Time   `json:"expiresAt,omitempty"`
	FilledSize      float64     `json:"filledSize"`
	FilledPrice     float64     `json:"filledPrice"`
	FilledAt        time.Time   `json:"filledAt,omitempty"`
	TxRef           string      `json:"txRef,omitempty"`
	LinkedOrderID   string      `json:"linkedOrderId,omitempty"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
}

// Remaining returns the unfilled size.
func (o *Order) Remaining() float64 {
	rem := o.Size - o.FilledSize
	if rem < 0 {
		return 0
	}
	return rem
}

// Expired reports whether the order carries a deadline that now has passed.
func (o *Order) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// NewOrderID mints a short caller-unique order identifier.
func NewOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NormalizeSymbol canonicalises a trading symbol for map keys and storage.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
