// Package exec provides execution-callback implementations. The paper
// executor settles instantly at the requested price, which is enough for
// dry runs and staging; a real venue adapter satisfies the same interface.
package exec

import (
	"context"

	"github.com/fluxtrade/execore/internal/observability"
	"github.com/fluxtrade/execore/internal/risk"
	"github.com/fluxtrade/execore/internal/schema"
)

// feeBps is the simulated taker fee.
const feeBps = 2.0

// Paper is a simulated settlement layer guarded by the pre-trade risk gate.
type Paper struct {
	gate *risk.Gate
}

// NewPaper constructs a paper executor. A nil gate disables risk checks.
func NewPaper(gate *risk.Gate) *Paper {
	return &Paper{gate: gate}
}

// Execute implements schema.Executor. Risk rejections come back as failed
// results, not errors, so engines record them against the order.
func (p *Paper) Execute(ctx context.Context, req schema.ExecRequest) (schema.ExecResult, error) {
	if p.gate != nil {
		if err := p.gate.CheckRequest(ctx, req); err != nil {
			observability.Log().Info("execution rejected by risk gate",
				observability.F("symbol", req.Symbol),
				observability.F("size", req.Size),
				observability.F("error", err.Error()))
			return schema.Reject(err.Error()), nil
		}
	}

	fee := req.Price * req.Size * feeBps / 10000
	if p.gate != nil {
		p.gate.RecordFill(req.Symbol, req.Size)
	}
	observability.Log().Debug("paper fill",
		observability.F("symbol", req.Symbol),
		observability.F("side", string(req.Side)),
		observability.F("size", req.Size),
		observability.F("price", req.Price))
	return schema.Fill(req.Size, req.Price, fee, "paper-"+schema.NewOrderID()), nil
}
