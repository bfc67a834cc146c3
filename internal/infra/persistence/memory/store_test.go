package memory

import (
	"context"
	"testing"
	"time"

	"github.com/fluxtrade/execore/internal/domain/orderstore"
	"github.com/fluxtrade/execore/internal/domain/planstore"
	"github.com/fluxtrade/execore/internal/domain/quotestore"
	"github.com/fluxtrade/execore/internal/schema"
)

func TestOrderRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	order := schema.Order{
		ID:        "ord1",
		Symbol:    "ETH-USD",
		Side:      schema.SideBuy,
		Kind:      schema.KindLimit,
		Price:     1850,
		Size:      2,
		Status:    schema.StatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.SaveOrder(ctx, order); err != nil {
		t.Fatalf("save order: %v", err)
	}

	got, ok, err := store.GetOrder(ctx, "ord1")
	if err != nil || !ok {
		t.Fatalf("get order: ok=%v err=%v", ok, err)
	}
	if got.Price != 1850 || got.Symbol != "ETH-USD" {
		t.Fatalf("unexpected order: %+v", got)
	}

	// Upsert replaces the snapshot.
	order.Status = schema.StatusFilled
	if err := store.SaveOrder(ctx, order); err != nil {
		t.Fatalf("save order: %v", err)
	}
	got, _, _ = store.GetOrder(ctx, "ord1")
	if got.Status != schema.StatusFilled {
		t.Fatalf("expected filled, got %s", got.Status)
	}
}

func TestListOrdersFiltering(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	base := time.Now().UTC()

	seed := []schema.Order{
		{ID: "a", Symbol: "ETH-USD", Status: schema.StatusOpen, CreatedAt: base},
		{ID: "b", Symbol: "ETH-USD", Status: schema.StatusFilled, CreatedAt: base.Add(time.Second)},
		{ID: "c", Symbol: "BTC-USD", Status: schema.StatusOpen, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, o := range seed {
		if err := store.SaveOrder(ctx, o); err != nil {
			t.Fatalf("save order: %v", err)
		}
	}

	open, err := store.ListOrders(ctx, orderstore.Query{Statuses: []schema.Status{schema.StatusOpen}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open orders, got %d", len(open))
	}
	if open[0].ID != "c" {
		t.Fatalf("expected newest first, got %s", open[0].ID)
	}

	eth, err := store.ListOrders(ctx, orderstore.Query{Symbol: "eth-usd", Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(eth) != 1 || eth[0].ID != "b" {
		t.Fatalf("unexpected symbol filter result: %+v", eth)
	}
}

func TestFillsAndHistory(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := store.RecordFill(ctx, orderstore.Fill{OrderID: "ord1", Size: 1, Value: 100})
		if err != nil {
			t.Fatalf("record fill: %v", err)
		}
	}
	err := store.RecordStatusChange(ctx, orderstore.StatusChange{
		OrderID: "ord1",
		From:    schema.StatusOpen,
		To:      schema.StatusFilled,
	})
	if err != nil {
		t.Fatalf("record status change: %v", err)
	}

	fills, err := store.ListFills(ctx, "ord1")
	if err != nil || len(fills) != 2 {
		t.Fatalf("fills: n=%d err=%v", len(fills), err)
	}
	history, err := store.StatusHistory(ctx, "ord1")
	if err != nil || len(history) != 1 {
		t.Fatalf("history: n=%d err=%v", len(history), err)
	}
	if history[0].To != schema.StatusFilled {
		t.Fatalf("unexpected transition: %+v", history[0])
	}
}

func TestStatistics(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	orders := []schema.Order{
		{ID: "a", Status: schema.StatusOpen},
		{ID: "b", Status: schema.StatusFilled},
		{ID: "c", Status: schema.StatusFilled},
		{ID: "d", Status: schema.StatusCancelled},
	}
	for _, o := range orders {
		if err := store.SaveOrder(ctx, o); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := store.RecordFill(ctx, orderstore.Fill{OrderID: "b", Value: 250}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	stats, err := store.Statistics(ctx)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.TotalOrders != 4 || stats.ActiveOrders != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.FillRate != 0.5 {
		t.Fatalf("expected fill rate 0.5, got %f", stats.FillRate)
	}
	if stats.TotalVolume != 250 {
		t.Fatalf("expected volume 250, got %f", stats.TotalVolume)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	plan := planstore.Plan{
		ID:     "plan1",
		Status: planstore.StatusExecuting,
		Config: planstore.Config{Symbol: "ETH-USD", TotalSize: 10, SliceCount: 2},
		Slices: []planstore.Slice{
			{Number: 1, TargetSize: 5, Status: planstore.SlicePending},
			{Number: 2, TargetSize: 5, Status: planstore.SlicePending},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("save plan: %v", err)
	}

	got, ok, err := store.GetPlan(ctx, "plan1")
	if err != nil || !ok {
		t.Fatalf("get plan: ok=%v err=%v", ok, err)
	}
	// Mutating the returned slices must not affect the stored plan.
	got.Slices[0].Status = planstore.SliceCompleted
	again, _, _ := store.GetPlan(ctx, "plan1")
	if again.Slices[0].Status != planstore.SlicePending {
		t.Fatal("stored plan mutated through returned copy")
	}

	active, err := store.ListActivePlans(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("active plans: n=%d err=%v", len(active), err)
	}

	plan.Status = planstore.StatusCompleted
	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("save plan: %v", err)
	}
	active, _ = store.ListActivePlans(ctx)
	if len(active) != 0 {
		t.Fatalf("completed plan still listed active: %d", len(active))
	}
}

func TestQuoteAndTradeRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	cfg := quotestore.Config{Symbol: "ETH-USD", Strategy: quotestore.StrategySimple, BaseSpreadBps: 10}
	if err := store.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	got, ok, err := store.GetConfig(ctx, "eth-usd")
	if err != nil || !ok || got.BaseSpreadBps != 10 {
		t.Fatalf("get config: ok=%v err=%v cfg=%+v", ok, err, got)
	}

	now := time.Now().UTC()
	quotes := []quotestore.Quote{
		{ID: "q1", Symbol: "ETH-USD", Side: quotestore.SideBid, Status: quotestore.QuoteActive, CreatedAt: now},
		{ID: "q2", Symbol: "ETH-USD", Side: quotestore.SideAsk, Status: quotestore.QuoteCancelled, CreatedAt: now.Add(time.Second)},
	}
	for _, q := range quotes {
		if err := store.SaveQuote(ctx, q); err != nil {
			t.Fatalf("save quote: %v", err)
		}
	}

	active, err := store.ListQuotes(ctx, "ETH-USD", []quotestore.QuoteStatus{quotestore.QuoteActive}, 0)
	if err != nil || len(active) != 1 || active[0].ID != "q1" {
		t.Fatalf("active quotes: %+v err=%v", active, err)
	}

	if err := store.RecordTrade(ctx, quotestore.Trade{OrderID: "q1", Symbol: "ETH-USD", Price: 100, Size: 1, Timestamp: now}); err != nil {
		t.Fatalf("record trade: %v", err)
	}
	trades, err := store.ListTrades(ctx, "ETH-USD", 10)
	if err != nil || len(trades) != 1 {
		t.Fatalf("trades: n=%d err=%v", len(trades), err)
	}
}
