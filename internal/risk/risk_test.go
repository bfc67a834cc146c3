package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fluxtrade/execore/internal/schema"
)

func TestGate_CheckRequest_Throttle(t *testing.T) {
	limits := Limits{
		OrderThrottle: 10, // 10 orders per second
		MaxOrderSize:  decimal.NewFromInt(100),
	}
	gate := NewGate(limits)

	req := schema.ExecRequest{Symbol: "ETH-USD", Side: schema.SideBuy, Size: 1}

	// First 10 requests should pass
	for i := 0; i < 10; i++ {
		if err := gate.CheckRequest(context.Background(), req); err != nil {
			t.Fatalf("request %d should have passed, but got error: %v", i+1, err)
		}
	}

	// 11th request should be throttled
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := gate.CheckRequest(ctx, req); err == nil {
		t.Fatal("11th request should have been throttled, but it was not")
	}
}

func TestGate_CheckRequest_SizeLimit(t *testing.T) {
	limits := Limits{
		OrderThrottle: 100,
		MaxOrderSize:  decimal.NewFromInt(10),
	}
	gate := NewGate(limits)

	req := schema.ExecRequest{Symbol: "ETH-USD", Side: schema.SideBuy, Size: 11}
	if err := gate.CheckRequest(context.Background(), req); err == nil {
		t.Fatal("request should have been rejected due to size limit, but it was not")
	}
}

func TestGate_CheckRequest_ValueLimit(t *testing.T) {
	limits := Limits{
		OrderThrottle: 100,
		MaxOrderValue: decimal.NewFromInt(1000),
	}
	gate := NewGate(limits)

	ok := schema.ExecRequest{Symbol: "ETH-USD", Side: schema.SideBuy, Size: 1, Price: 900}
	if err := gate.CheckRequest(context.Background(), ok); err != nil {
		t.Fatalf("request inside value limit rejected: %v", err)
	}

	tooBig := schema.ExecRequest{Symbol: "ETH-USD", Side: schema.SideBuy, Size: 2, Price: 900}
	if err := gate.CheckRequest(context.Background(), tooBig); err == nil {
		t.Fatal("request should have been rejected due to value limit, but it was not")
	}
}

func TestGate_CheckRequest_InvalidSize(t *testing.T) {
	gate := NewGate(Limits{})
	req := schema.ExecRequest{Symbol: "ETH-USD", Side: schema.SideBuy, Size: 0}
	if err := gate.CheckRequest(context.Background(), req); err == nil {
		t.Fatal("zero size should have been rejected")
	}
}

func TestGate_Exposure(t *testing.T) {
	gate := NewGate(Limits{})
	gate.RecordFill("eth-usd", 1.5)
	gate.RecordFill("ETH-USD", 0.5)
	if got := gate.Exposure("ETH-USD"); !got.Equal(decimal.NewFromFloat(2.0)) {
		t.Fatalf("expected exposure 2, got %s", got)
	}
}
