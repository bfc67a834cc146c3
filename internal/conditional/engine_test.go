package conditional

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fluxtrade/execore/internal/infra/persistence/memory"
	"github.com/fluxtrade/execore/internal/oracle"
	"github.com/fluxtrade/execore/internal/schema"
)

func fillExecutor() schema.Executor {
	return schema.ExecutorFunc(func(_ context.Context, req schema.ExecRequest) (schema.ExecResult, error) {
		return schema.Fill(req.Size, req.Price, 0, "tx-1"), nil
	})
}

func rejectExecutor(reason string) schema.Executor {
	return schema.ExecutorFunc(func(context.Context, schema.ExecRequest) (schema.ExecResult, error) {
		return schema.Reject(reason), nil
	})
}

func book(symbol string, bid, ask float64) schema.BookState {
	return schema.BookState{Symbol: symbol, BestBid: bid, BestAsk: ask, Timestamp: time.Now().UTC()}
}

func newTestEngine(t *testing.T, executor schema.Executor) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewEngine(store, oracle.NewStatic(), executor), store
}

func TestLimitBuyFillsWhenAskCrosses(t *testing.T) {
	engine, store := newTestEngine(t, fillExecutor())
	ctx := context.Background()

	order, err := engine.CreateOrder(ctx, OrderSpec{
		Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindLimit, Price: 100, Size: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.Status != schema.StatusOpen {
		t.Fatalf("expected open, got %s", order.Status)
	}

	if err := engine.CheckAndExecute(ctx, book("ETH-USD", 98, 99)); err != nil {
		t.Fatalf("check: %v", err)
	}

	got, _, _ := store.GetOrder(ctx, order.ID)
	if got.Status != schema.StatusFilled {
		t.Fatalf("expected filled, got %s", got.Status)
	}
	if got.FilledPrice != 99 || got.FilledSize != 1 {
		t.Fatalf("unexpected fill: price=%f size=%f", got.FilledPrice, got.FilledSize)
	}

	fills, _ := store.ListFills(ctx, order.ID)
	if len(fills) != 1 || fills[0].Price != 99 {
		t.Fatalf("unexpected fills: %+v", fills)
	}
}

func TestLimitDoesNotFireAboveLimit(t *testing.T) {
	engine, store := newTestEngine(t, fillExecutor())
	ctx := context.Background()

	order, err := engine.CreateOrder(ctx, OrderSpec{
		Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindLimit, Price: 100, Size: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := engine.CheckAndExecute(ctx, book("ETH-USD", 100, 101)); err != nil {
		t.Fatalf("check: %v", err)
	}
	got, _, _ := store.GetOrder(ctx, order.ID)
	if got.Status != schema.StatusOpen {
		t.Fatalf("order should remain open, got %s", got.Status)
	}
}

func TestStopLossSellInclusiveBoundary(t *testing.T) {
	engine, store := newTestEngine(t, fillExecutor())
	ctx := context.Background()

	order, err := engine.CreateOrder(ctx, OrderSpec{
		Symbol: "ETH-USD", Side: schema.SideSell, Kind: schema.KindStopLoss,
		Price: 90, StopPrice: 90, Size: 2,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Bid exactly at the stop price triggers.
	if err := engine.CheckAndExecute(ctx, book("ETH-USD", 90, 91)); err != nil {
		t.Fatalf("check: %v", err)
	}
	got, _, _ := store.GetOrder(ctx, order.ID)
	if got.Status != schema.StatusFilled {
		t.Fatalf("expected filled at boundary, got %s", got.Status)
	}
	if got.FilledPrice != 90 {
		t.Fatalf("sell should execute at bid, got %f", got.FilledPrice)
	}
}

func TestOCOPairFillCancelsSibling(t *testing.T) {
	engine, store := newTestEngine(t, fillExecutor())
	ctx := context.Background()

	tp, sl, err := engine.CreateOCOPair(ctx, "ETH-USD", 1, 110, 90)
	if err != nil {
		t.Fatalf("create oco: %v", err)
	}
	if tp.LinkedOrderID != sl.ID || sl.LinkedOrderID != tp.ID {
		t.Fatalf("links not symmetric: tp=%s sl=%s", tp.LinkedOrderID, sl.LinkedOrderID)
	}

	// Bid above the take-profit fills it and cascades a cancel to the stop.
	if err := engine.CheckAndExecute(ctx, book("ETH-USD", 111, 112)); err != nil {
		t.Fatalf("check: %v", err)
	}

	gotTP, _, _ := store.GetOrder(ctx, tp.ID)
	gotSL, _, _ := store.GetOrder(ctx, sl.ID)
	if gotTP.Status != schema.StatusFilled {
		t.Fatalf("take profit should fill, got %s", gotTP.Status)
	}
	if gotSL.Status != schema.StatusCancelled {
		t.Fatalf("stop loss should be cancelled, got %s", gotSL.Status)
	}
}

func TestCancelOrderIdempotence(t *testing.T) {
	engine, _ := newTestEngine(t, fillExecutor())
	ctx := context.Background()

	order, err := engine.CreateOrder(ctx, OrderSpec{
		Symbol: "ETH-USD", Side: schema.SideSell, Kind: schema.KindLimit, Price: 120, Size: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := engine.CancelOrder(ctx, order.ID)
	if err != nil || !ok {
		t.Fatalf("first cancel: ok=%v err=%v", ok, err)
	}
	ok, err = engine.CancelOrder(ctx, order.ID)
	if err != nil || ok {
		t.Fatalf("second cancel should return false: ok=%v err=%v", ok, err)
	}
	if ok, _ := engine.CancelOrder(ctx, "missing"); ok {
		t.Fatal("unknown id should return false")
	}
}

func TestCancelCascadesToLinkedOrder(t *testing.T) {
	engine, store := newTestEngine(t, fillExecutor())
	ctx := context.Background()

	tp, sl, err := engine.CreateOCOPair(ctx, "ETH-USD", 1, 110, 90)
	if err != nil {
		t.Fatalf("create oco: %v", err)
	}
	if ok, err := engine.CancelOrder(ctx, tp.ID); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	gotSL, _, _ := store.GetOrder(ctx, sl.ID)
	if gotSL.Status != schema.StatusCancelled {
		t.Fatalf("linked order should be cancelled, got %s", gotSL.Status)
	}
}

func TestExpiryWinsOverTrigger(t *testing.T) {
	now := time.Now().UTC()
	clock := now
	engine, store := newTestEngineWithClock(t, fillExecutor(), func() time.Time { return clock })
	ctx := context.Background()

	order, err := engine.CreateOrder(ctx, OrderSpec{
		Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindLimit,
		Price: 100, Size: 1,
		TimeInForce: schema.TIFGoodTillDate,
		ExpiresAt:   now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Advance past expiry; the trigger condition also holds on this tick.
	clock = now.Add(2 * time.Minute)
	if err := engine.CheckAndExecute(ctx, book("ETH-USD", 98, 99)); err != nil {
		t.Fatalf("check: %v", err)
	}
	got, _, _ := store.GetOrder(ctx, order.ID)
	if got.Status != schema.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	if got.FilledSize != 0 {
		t.Fatalf("expired order must not fill, got %f", got.FilledSize)
	}
}

func newTestEngineWithClock(t *testing.T, executor schema.Executor, now func() time.Time) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewEngine(store, oracle.NewStatic(), executor, WithClock(now)), store
}

func TestTrailingStopTracksHighWaterMark(t *testing.T) {
	engine, store := newTestEngine(t, fillExecutor())
	ctx := context.Background()

	order, err := engine.CreateOrder(ctx, OrderSpec{
		Symbol: "ETH-USD", Side: schema.SideSell, Kind: schema.KindTrailingStop,
		Size: 1, TrailingPercent: 5,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Rising bids ratchet the mark without triggering.
	for _, bid := range []float64{100, 105, 110} {
		if err := engine.CheckAndExecute(ctx, book("ETH-USD", bid, bid+1)); err != nil {
			t.Fatalf("check at %f: %v", bid, err)
		}
	}
	got, _, _ := store.GetOrder(ctx, order.ID)
	if got.HighWaterMark != 110 {
		t.Fatalf("expected persisted mark 110, got %f", got.HighWaterMark)
	}
	if got.Status != schema.StatusOpen {
		t.Fatalf("should not trigger while rising, got %s", got.Status)
	}

	// 5% retrace from 110 is 104.5; 104 triggers.
	if err := engine.CheckAndExecute(ctx, book("ETH-USD", 104, 105)); err != nil {
		t.Fatalf("check: %v", err)
	}
	got, _, _ = store.GetOrder(ctx, order.ID)
	if got.Status != schema.StatusFilled {
		t.Fatalf("expected filled after retrace, got %s", got.Status)
	}
	if got.FilledPrice != 104 {
		t.Fatalf("expected execution at bid 104, got %f", got.FilledPrice)
	}
}

func TestExecutionFailureMarksFailedAndCancelsLinked(t *testing.T) {
	engine, store := newTestEngine(t, rejectExecutor("insufficient balance"))
	ctx := context.Background()

	tp, sl, err := engine.CreateOCOPair(ctx, "ETH-USD", 1, 110, 90)
	if err != nil {
		t.Fatalf("create oco: %v", err)
	}

	if err := engine.CheckAndExecute(ctx, book("ETH-USD", 111, 112)); err == nil {
		t.Fatal("expected execution error to surface")
	}

	gotTP, _, _ := store.GetOrder(ctx, tp.ID)
	gotSL, _, _ := store.GetOrder(ctx, sl.ID)
	if gotTP.Status != schema.StatusFailed {
		t.Fatalf("expected failed, got %s", gotTP.Status)
	}
	if gotTP.ErrorMessage == "" {
		t.Fatal("failed order should carry the error message")
	}
	if gotSL.Status != schema.StatusCancelled {
		t.Fatalf("linked order should be cancelled, got %s", gotSL.Status)
	}
}

func TestPartialFillKeepsOrderActive(t *testing.T) {
	partial := schema.ExecutorFunc(func(_ context.Context, req schema.ExecRequest) (schema.ExecResult, error) {
		return schema.Fill(req.Size/2, req.Price, 0, "tx-p"), nil
	})
	engine, store := newTestEngine(t, partial)
	ctx := context.Background()

	order, err := engine.CreateOrder(ctx, OrderSpec{
		Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindLimit, Price: 100, Size: 2,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := engine.CheckAndExecute(ctx, book("ETH-USD", 98, 99)); err != nil {
		t.Fatalf("check: %v", err)
	}
	got, _, _ := store.GetOrder(ctx, order.ID)
	if got.Status != schema.StatusPartiallyFilled {
		t.Fatalf("expected partially_filled, got %s", got.Status)
	}
	if got.FilledSize != 1 {
		t.Fatalf("expected filled size 1, got %f", got.FilledSize)
	}

	// A second tick fills the remainder.
	if err := engine.CheckAndExecute(ctx, book("ETH-USD", 98, 99)); err != nil {
		t.Fatalf("check: %v", err)
	}
	got, _, _ = store.GetOrder(ctx, order.ID)
	if got.Status != schema.StatusPartiallyFilled {
		t.Fatalf("half of remainder leaves order partially filled, got %s", got.Status)
	}
	if got.FilledSize != 1.5 {
		t.Fatalf("expected filled size 1.5, got %f", got.FilledSize)
	}
}

func TestValidationRejections(t *testing.T) {
	engine, _ := newTestEngine(t, fillExecutor())
	ctx := context.Background()

	cases := []struct {
		name string
		spec OrderSpec
	}{
		{"missing symbol", OrderSpec{Side: schema.SideBuy, Kind: schema.KindLimit, Price: 1, Size: 1}},
		{"bad side", OrderSpec{Symbol: "ETH-USD", Side: "hold", Kind: schema.KindLimit, Price: 1, Size: 1}},
		{"zero size", OrderSpec{Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindLimit, Price: 1}},
		{"zero price", OrderSpec{Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindLimit, Size: 1}},
		{"stop loss without stop", OrderSpec{Symbol: "ETH-USD", Side: schema.SideSell, Kind: schema.KindStopLoss, Price: 90, Size: 1}},
		{"buy stop below price", OrderSpec{Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindStopLoss, Price: 100, StopPrice: 95, Size: 1}},
		{"trailing without percent", OrderSpec{Symbol: "ETH-USD", Side: schema.SideSell, Kind: schema.KindTrailingStop, Size: 1}},
		{"buy trailing", OrderSpec{Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindTrailingStop, Size: 1, TrailingPercent: 5}},
		{"direct oco", OrderSpec{Symbol: "ETH-USD", Side: schema.SideSell, Kind: schema.KindOCO, Price: 1, Size: 1}},
		{"gtd without expiry", OrderSpec{Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindLimit, Price: 1, Size: 1, TimeInForce: schema.TIFGoodTillDate}},
	}
	for _, tc := range cases {
		if _, err := engine.CreateOrder(ctx, tc.spec); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadActiveRestoresOrders(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	first := NewEngine(store, oracle.NewStatic(), fillExecutor())
	order, err := first.CreateOrder(ctx, OrderSpec{
		Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindLimit, Price: 100, Size: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A fresh engine over the same store resumes monitoring.
	second := NewEngine(store, oracle.NewStatic(), fillExecutor())
	loaded, err := second.LoadActive(ctx)
	if err != nil || loaded != 1 {
		t.Fatalf("load active: n=%d err=%v", loaded, err)
	}
	if err := second.CheckAndExecute(ctx, book("ETH-USD", 98, 99)); err != nil {
		t.Fatalf("check: %v", err)
	}
	got, _, _ := store.GetOrder(ctx, order.ID)
	if got.Status != schema.StatusFilled {
		t.Fatalf("restored order should fill, got %s", got.Status)
	}
}

func TestStatisticsAfterFills(t *testing.T) {
	engine, _ := newTestEngine(t, fillExecutor())
	ctx := context.Background()

	if _, err := engine.CreateOrder(ctx, OrderSpec{
		Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindLimit, Price: 100, Size: 1,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.CheckAndExecute(ctx, book("ETH-USD", 98, 99)); err != nil {
		t.Fatalf("check: %v", err)
	}

	stats, err := engine.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.TotalOrders != 1 || stats.FillRate != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCreateOrderPersistsOpenState(t *testing.T) {
	engine, store := newTestEngine(t, fillExecutor())
	ctx := context.Background()

	order, err := engine.CreateOrder(ctx, OrderSpec{
		Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindLimit, Price: 100, Size: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.Status != schema.StatusOpen {
		t.Fatalf("returned order should be open, got %s", order.Status)
	}

	stored, found, err := store.GetOrder(ctx, order.ID)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if stored.Status != schema.StatusOpen {
		t.Fatalf("persisted order should be open, got %s", stored.Status)
	}

	live, found, err := engine.GetOrder(ctx, order.ID)
	if err != nil || !found {
		t.Fatalf("engine get: found=%v err=%v", found, err)
	}
	if live.Status != schema.StatusOpen {
		t.Fatalf("live order should be open, got %s", live.Status)
	}

	history, err := store.StatusHistory(ctx, order.ID)
	if err != nil || len(history) != 2 {
		t.Fatalf("history: %+v err=%v", history, err)
	}
	if history[1].From != schema.StatusPending || history[1].To != schema.StatusOpen {
		t.Fatalf("audit trail should record pending to open, got %+v", history[1])
	}

	// The OCO back-link re-save must persist the open state too.
	tp, _, err := engine.CreateOCOPair(ctx, "ETH-USD", 1, 110, 90)
	if err != nil {
		t.Fatalf("oco: %v", err)
	}
	storedTP, _, _ := store.GetOrder(ctx, tp.ID)
	if storedTP.Status != schema.StatusOpen || storedTP.LinkedOrderID == "" {
		t.Fatalf("persisted tp leg: %+v", storedTP)
	}
}

func TestCancelDuringExecutionRecordsFill(t *testing.T) {
	var engine *Engine
	var orderID string
	var cancelled bool
	executor := schema.ExecutorFunc(func(ctx context.Context, req schema.ExecRequest) (schema.ExecResult, error) {
		ok, err := engine.CancelOrder(ctx, orderID)
		if err != nil {
			t.Errorf("cancel mid-execution: %v", err)
		}
		cancelled = ok
		return schema.Fill(req.Size, req.Price, 0, "tx-late"), nil
	})
	store := memory.NewStore()
	engine = NewEngine(store, oracle.NewStatic(), executor)
	ctx := context.Background()

	order, err := engine.CreateOrder(ctx, OrderSpec{
		Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindLimit, Price: 100, Size: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	orderID = order.ID

	if err := engine.CheckAndExecute(ctx, book("ETH-USD", 98, 99)); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !cancelled {
		t.Fatal("cancel during the callback should succeed")
	}

	// The cancel stands; the in-flight fill is still recorded.
	got, _, _ := store.GetOrder(ctx, orderID)
	if got.Status != schema.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	fills, _ := store.ListFills(ctx, orderID)
	if len(fills) != 1 || fills[0].TxRef != "tx-late" {
		t.Fatalf("in-flight fill not recorded: %+v", fills)
	}
	if _, found, _ := engine.GetOrder(ctx, orderID); found {
		// Served from the store, not the active set.
		live, _, _ := engine.GetOrder(ctx, orderID)
		if !live.Status.Terminal() {
			t.Fatalf("order should be terminal, got %s", live.Status)
		}
	}
}

func TestConcurrentCancelAndCheck(t *testing.T) {
	engine, store := newTestEngine(t, fillExecutor())
	ctx := context.Background()

	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		order, err := engine.CreateOrder(ctx, OrderSpec{
			Symbol: "ETH-USD", Side: schema.SideBuy, Kind: schema.KindLimit, Price: 100, Size: 1,
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, order.ID)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = engine.CheckAndExecute(ctx, book("ETH-USD", 98, 99))
		}
	}()
	go func() {
		defer wg.Done()
		for _, id := range ids {
			_, _ = engine.CancelOrder(ctx, id)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			for _, id := range ids {
				_, _, _ = engine.GetOrder(ctx, id)
			}
		}
	}()
	wg.Wait()

	for _, id := range ids {
		got, found, err := store.GetOrder(ctx, id)
		if err != nil || !found {
			t.Fatalf("get %s: found=%v err=%v", id, found, err)
		}
		if got.Status != schema.StatusFilled && got.Status != schema.StatusCancelled {
			t.Fatalf("order %s left in %s", id, got.Status)
		}
		fills, _ := store.ListFills(ctx, id)
		if got.Status == schema.StatusFilled && len(fills) != 1 {
			t.Fatalf("filled order %s has %d fills", id, len(fills))
		}
		if len(fills) > 1 {
			t.Fatalf("order %s double-executed: %+v", id, fills)
		}
	}
}
