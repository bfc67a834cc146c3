package schema

import "context"

// ExecRequest describes a trade handed to the external settlement layer.
type ExecRequest struct {
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	Size      float64 `json:"size"`
	Price     float64 `json:"price"`
	OrderType string  `json:"orderType"`
}

// ExecResult is the tagged outcome of an execution callback. Exactly one of
// the success fields or Err is meaningful, discriminated by Success.
type ExecResult struct {
	Success     bool    `json:"success"`
	FilledSize  float64 `json:"filledSize,omitempty"`
	FilledPrice float64 `json:"filledPrice,omitempty"`
	Fee         float64 `json:"fee,omitempty"`
	TxRef       string  `json:"txRef,omitempty"`
	Err         string  `json:"error,omitempty"`
}

// Fill constructs a successful execution result.
func Fill(size, price, fee float64, txRef string) ExecResult {
	return ExecResult{Success: true, FilledSize: size, FilledPrice: price, Fee: fee, TxRef: txRef}
}

// Reject constructs a failed execution result.
func Reject(reason string) ExecResult {
	return ExecResult{Success: false, Err: reason}
}

// Executor is the only path by which size actually changes hands. Supplied by
// an external settlement layer; latency is treated as unbounded.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req ExecRequest) (ExecResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	return f(ctx, req)
}
