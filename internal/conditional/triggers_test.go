package conditional

import (
	"testing"

	"github.com/fluxtrade/execore/internal/schema"
)

func TestTriggerPredicates(t *testing.T) {
	cases := []struct {
		name      string
		order     schema.Order
		bid, ask  float64
		triggered bool
	}{
		{"limit buy ask at limit", schema.Order{Kind: schema.KindLimit, Side: schema.SideBuy, Price: 100}, 99, 100, true},
		{"limit buy ask above limit", schema.Order{Kind: schema.KindLimit, Side: schema.SideBuy, Price: 100}, 100, 101, false},
		{"limit sell bid at limit", schema.Order{Kind: schema.KindLimit, Side: schema.SideSell, Price: 100}, 100, 101, true},
		{"limit sell bid below limit", schema.Order{Kind: schema.KindLimit, Side: schema.SideSell, Price: 100}, 99, 100, false},
		{"stop loss sell bid at stop", schema.Order{Kind: schema.KindStopLoss, Side: schema.SideSell, StopPrice: 90}, 90, 91, true},
		{"stop loss sell bid above stop", schema.Order{Kind: schema.KindStopLoss, Side: schema.SideSell, StopPrice: 90}, 91, 92, false},
		{"stop loss buy ask at stop", schema.Order{Kind: schema.KindStopLoss, Side: schema.SideBuy, StopPrice: 110, Price: 100}, 109, 110, true},
		{"stop loss buy ask below stop", schema.Order{Kind: schema.KindStopLoss, Side: schema.SideBuy, StopPrice: 110, Price: 100}, 108, 109, false},
		{"take profit sell bid at target", schema.Order{Kind: schema.KindTakeProfit, Side: schema.SideSell, Price: 110}, 110, 111, true},
		{"take profit buy ask at target", schema.Order{Kind: schema.KindTakeProfit, Side: schema.SideBuy, Price: 90}, 89, 90, true},
		{"take profit buy ask above target", schema.Order{Kind: schema.KindTakeProfit, Side: schema.SideBuy, Price: 90}, 90, 91, false},
		{"empty book never fires", schema.Order{Kind: schema.KindLimit, Side: schema.SideBuy, Price: 100}, 0, 0, false},
	}
	for _, tc := range cases {
		trig, ok := triggerFor(tc.order.Kind)
		if !ok {
			t.Fatalf("%s: no trigger for %s", tc.name, tc.order.Kind)
		}
		order := tc.order
		got, _ := trig.Evaluate(&order, schema.BookState{Symbol: "ETH-USD", BestBid: tc.bid, BestAsk: tc.ask})
		if got != tc.triggered {
			t.Errorf("%s: triggered=%v want %v", tc.name, got, tc.triggered)
		}
	}
}

func TestTrailingStopStateMachine(t *testing.T) {
	trig, _ := triggerFor(schema.KindTrailingStop)
	order := schema.Order{Kind: schema.KindTrailingStop, Side: schema.SideSell, TrailingPercent: 10}

	// First observation seeds the mark.
	triggered, changed := trig.Evaluate(&order, schema.BookState{BestBid: 100, BestAsk: 101})
	if triggered || !changed || order.HighWaterMark != 100 {
		t.Fatalf("seed: triggered=%v changed=%v mark=%f", triggered, changed, order.HighWaterMark)
	}

	// Lower bid inside the trail: no advance, no fire.
	triggered, changed = trig.Evaluate(&order, schema.BookState{BestBid: 95, BestAsk: 96})
	if triggered || changed || order.HighWaterMark != 100 {
		t.Fatalf("hold: triggered=%v changed=%v mark=%f", triggered, changed, order.HighWaterMark)
	}

	// New high ratchets the mark.
	if _, changed = trig.Evaluate(&order, schema.BookState{BestBid: 120, BestAsk: 121}); !changed || order.HighWaterMark != 120 {
		t.Fatalf("ratchet: changed=%v mark=%f", changed, order.HighWaterMark)
	}

	// 10% below 120 is 108: the boundary fires.
	if triggered, _ = trig.Evaluate(&order, schema.BookState{BestBid: 108, BestAsk: 109}); !triggered {
		t.Fatal("expected trigger at the retrace boundary")
	}
}

func TestTriggerForUnknownKind(t *testing.T) {
	if _, ok := triggerFor(schema.KindOCO); ok {
		t.Fatal("oco must not have a standalone trigger")
	}
}
