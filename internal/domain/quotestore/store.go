// Package quotestore defines persistence contracts and entity types for
// market-making configuration, resting quote orders, and trade records.
package quotestore

import (
	"context"
	"time"
)

// Strategy selects the spread model used when computing quotes.
type Strategy string

const (
	StrategySimple     Strategy = "simple"
	StrategyDynamic    Strategy = "dynamic"
	StrategyInventory  Strategy = "inventory"
	StrategyAvellaneda Strategy = "avellaneda"
	StrategyGrid       Strategy = "grid"
	StrategyScript     Strategy = "script"
)

// QuoteSide identifies which side of the book a quote rests on.
type QuoteSide string

const (
	SideBid QuoteSide = "bid"
	SideAsk QuoteSide = "ask"
)

// QuoteStatus enumerates resting quote states.
type QuoteStatus string

const (
	QuoteActive    QuoteStatus = "active"
	QuoteFilled    QuoteStatus = "filled"
	QuoteCancelled QuoteStatus = "cancelled"
	QuoteExpired   QuoteStatus = "expired"
)

// Config holds the per-symbol market-making parameters.
type Config struct {
	Symbol          string        `json:"symbol"`
	Strategy        Strategy      `json:"strategy"`
	BaseSpreadBps   float64       `json:"baseSpreadBps"`
	MinSpreadBps    float64       `json:"minSpreadBps"`
	MaxSpreadBps    float64       `json:"maxSpreadBps"`
	OrderSize       float64       `json:"orderSize"`
	NumLevels       int           `json:"numLevels"`
	LevelSpacingBps float64       `json:"levelSpacingBps"`
	MaxInventory    float64       `json:"maxInventory"`
	InventoryTarget float64       `json:"inventoryTarget"`
	RefreshInterval time.Duration `json:"refreshInterval"`
	MinOrderValue   float64       `json:"minOrderValue"`
	ScriptSource    string        `json:"scriptSource,omitempty"`
}

// Quote is a single resting order of the active quote set.
type Quote struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Side       QuoteSide   `json:"side"`
	Level      int         `json:"level"`
	Price      float64     `json:"price"`
	Size       float64     `json:"size"`
	Status     QuoteStatus `json:"status"`
	FilledSize float64     `json:"filledSize"`
	FillPrice  float64     `json:"fillPrice"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Trade records one reconciled fill with its marked-to-mid PnL.
type Trade struct {
	OrderID   string    `json:"orderId"`
	Symbol    string    `json:"symbol"`
	Side      QuoteSide `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Fee       float64   `json:"fee"`
	Pnl       float64   `json:"pnl"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists market-making state per symbol.
type Store interface {
	SaveConfig(ctx context.Context, cfg Config) error
	GetConfig(ctx context.Context, symbol string) (Config, bool, error)
	SaveQuote(ctx context.Context, quote Quote) error
	ListQuotes(ctx context.Context, symbol string, statuses []QuoteStatus, limit int) ([]Quote, error)
	RecordTrade(ctx context.Context, trade Trade) error
	ListTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)
}
