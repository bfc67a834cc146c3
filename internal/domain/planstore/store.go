// Package planstore defines persistence contracts and entity types for
// time-sliced execution plans and their child slices.
package planstore

import (
	"context"
	"time"

	"github.com/fluxtrade/execore/internal/schema"
)

// ExecutionStyle controls how slice sizes are weighted across the schedule.
type ExecutionStyle string

const (
	StyleUniform     ExecutionStyle = "uniform"
	StyleFrontLoaded ExecutionStyle = "front_loaded"
	StyleBackLoaded  ExecutionStyle = "back_loaded"
	StyleRandom      ExecutionStyle = "random"
)

// Status enumerates plan lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Active reports whether the plan still owns schedule work.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusExecuting, StatusPaused:
		return true
	default:
		return false
	}
}

// Slice statuses. A slice is terminal-for-scheduling once Executed is set,
// whatever its status.
const (
	SlicePending   = "pending"
	SliceCompleted = "completed"
	SliceSkipped   = "skipped"
	SliceFailed    = "failed"
)

// Config describes a parent plan before slice generation.
type Config struct {
	Symbol              string         `json:"symbol"`
	Side                schema.Side    `json:"side"`
	TotalSize           float64        `json:"totalSize"`
	TotalQuoteValue     float64        `json:"totalQuoteValue"`
	Duration            time.Duration  `json:"duration"`
	SliceCount          int            `json:"sliceCount"`
	Style               ExecutionStyle `json:"style"`
	MinSliceSize        float64        `json:"minSliceSize,omitempty"`
	MaxSliceSize        float64        `json:"maxSliceSize,omitempty"`
	RandomizeTiming     bool           `json:"randomizeTiming"`
	RandomizeSize       bool           `json:"randomizeSize"`
	PriceLimit          float64        `json:"priceLimit,omitempty"`
	PauseOnVolatility   bool           `json:"pauseOnVolatility"`
	VolatilityThreshold float64        `json:"volatilityThreshold,omitempty"`
}

// Slice is a single scheduled child order of a plan.
type Slice struct {
	Number           int       `json:"number"`
	ScheduledTime    time.Time `json:"scheduledTime"`
	TargetSize       float64   `json:"targetSize"`
	TargetQuoteValue float64   `json:"targetQuoteValue"`
	Executed         bool      `json:"executed"`
	ExecutedSize     float64   `json:"executedSize"`
	ExecutedValue    float64   `json:"executedValue"`
	ExecutedPrice    float64   `json:"executedPrice"`
	ExecutedAt       time.Time `json:"executedAt,omitempty"`
	TxRef            string    `json:"txRef,omitempty"`
	SlippageBps      float64   `json:"slippageBps"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
}

// Plan is a parent order with its generated slice schedule and aggregates.
type Plan struct {
	ID               string    `json:"id"`
	Config           Config    `json:"config"`
	Status           Status    `json:"status"`
	Slices           []Slice   `json:"slices"`
	CreatedAt        time.Time `json:"createdAt"`
	StartedAt        time.Time `json:"startedAt,omitempty"`
	CompletedAt      time.Time `json:"completedAt,omitempty"`
	ExecutedSize     float64   `json:"executedSize"`
	ExecutedValue    float64   `json:"executedValue"`
	AveragePrice     float64   `json:"averagePrice"`
	VWAP             float64   `json:"vwap"`
	TotalSlippageBps float64   `json:"totalSlippageBps"`
	ProgressPercent  float64   `json:"progressPercent"`
}

// Store persists plans together with their slices.
type Store interface {
	SavePlan(ctx context.Context, plan Plan) error
	GetPlan(ctx context.Context, id string) (Plan, bool, error)
	ListActivePlans(ctx context.Context) ([]Plan, error)
}
