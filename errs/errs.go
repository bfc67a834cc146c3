// Package errs provides structured error types and helpers for execore engines.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies an engine error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing order, plan, or symbol configuration.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates an operation rejected by the current lifecycle state.
	CodeConflict Code = "conflict"
	// CodeExecution indicates the external execution callback reported failure.
	CodeExecution Code = "execution_failed"
	// CodePersistence indicates the backing store rejected a write or read.
	CodePersistence Code = "persistence"
	// CodeFeed indicates a price oracle or feed failure.
	CodeFeed Code = "feed"
	// CodeUnavailable indicates the engine is stopped or temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the execution core.
type E struct {
	Engine  string
	Code    Code
	Symbol  string
	OrderID string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the engine and error code.
func New(engine string, code Code, opts ...Option) *E {
	e := &E{
		Engine:  strings.TrimSpace(engine),
		Code:    code,
		Symbol:  "",
		OrderID: "",
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithSymbol records the trading symbol the failure relates to.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithOrderID records the order or plan identifier the failure relates to.
func WithOrderID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.OrderID = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	engine := strings.TrimSpace(e.Engine)
	if engine == "" {
		engine = "unknown"
	}
	parts = append(parts, "engine="+engine)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.OrderID != "" {
		parts = append(parts, "order="+e.OrderID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether err is an *E carrying the given code.
func IsCode(err error, code Code) bool {
	e, ok := err.(*E)
	if !ok {
		return false
	}
	return e.Code == code
}
