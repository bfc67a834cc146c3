package exec

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fluxtrade/execore/internal/observability"
	"github.com/fluxtrade/execore/internal/risk"
	"github.com/fluxtrade/execore/internal/schema"
)

// recordingLogger captures log messages through the Logger interface.
type recordingLogger struct {
	messages []string
}

func (l *recordingLogger) Debug(msg string, _ ...observability.Field) {
	l.messages = append(l.messages, msg)
}

func (l *recordingLogger) Info(msg string, _ ...observability.Field) {
	l.messages = append(l.messages, msg)
}

func (l *recordingLogger) Error(msg string, _ ...observability.Field) {
	l.messages = append(l.messages, msg)
}

func TestPaperFillsAtRequestedPrice(t *testing.T) {
	p := NewPaper(nil)

	result, err := p.Execute(context.Background(), schema.ExecRequest{
		Symbol:    "ETH-USD",
		Side:      schema.SideBuy,
		Size:      2,
		Price:     1500,
		OrderType: "limit",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected fill, got rejection %q", result.Err)
	}
	if result.FilledSize != 2 || result.FilledPrice != 1500 {
		t.Fatalf("unexpected fill %v @ %v", result.FilledSize, result.FilledPrice)
	}
	wantFee := 1500 * 2 * feeBps / 10000
	if result.Fee != wantFee {
		t.Fatalf("fee = %v, want %v", result.Fee, wantFee)
	}
	if !strings.HasPrefix(result.TxRef, "paper-") {
		t.Fatalf("unexpected tx ref %q", result.TxRef)
	}
}

func TestPaperRejectsOversizedOrder(t *testing.T) {
	logger := &recordingLogger{}
	observability.SetLogger(logger)
	defer observability.SetLogger(nil)

	limits := risk.DefaultLimits()
	limits.MaxOrderSize = decimal.NewFromInt(1)
	gate := risk.NewGate(limits)
	p := NewPaper(gate)

	result, err := p.Execute(context.Background(), schema.ExecRequest{
		Symbol: "ETH-USD",
		Side:   schema.SideSell,
		Size:   5,
		Price:  1500,
	})
	if err != nil {
		t.Fatalf("risk rejection should not surface as error, got %v", err)
	}
	if result.Success {
		t.Fatal("expected rejection")
	}
	if !strings.Contains(result.Err, "max order size") {
		t.Fatalf("unexpected rejection reason %q", result.Err)
	}
	if !gate.Exposure("ETH-USD").IsZero() {
		t.Fatalf("rejected order must not accrue exposure, got %s", gate.Exposure("ETH-USD"))
	}
	logged := false
	for _, msg := range logger.messages {
		if msg == "execution rejected by risk gate" {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("rejection was not logged: %v", logger.messages)
	}
}

func TestPaperRecordsExposure(t *testing.T) {
	gate := risk.NewGate(risk.DefaultLimits())
	p := NewPaper(gate)

	for i := 0; i < 3; i++ {
		result, err := p.Execute(context.Background(), schema.ExecRequest{
			Symbol: "btc-usd",
			Side:   schema.SideBuy,
			Size:   0.5,
			Price:  40000,
		})
		if err != nil || !result.Success {
			t.Fatalf("fill %d failed: %v %q", i, err, result.Err)
		}
	}
	if got := gate.Exposure("BTC-USD"); !got.Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("exposure = %s, want 1.5", got)
	}
}
