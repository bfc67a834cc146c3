package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/fluxtrade/execore/internal/infra/persistence/memory"
	"github.com/fluxtrade/execore/internal/schema"
)

func seedOrder(t *testing.T, store *memory.Store, id string, status schema.Status) schema.Order {
	t.Helper()
	order := schema.Order{
		ID:        id,
		Symbol:    "ETH-USD",
		Side:      schema.SideBuy,
		Kind:      schema.KindLimit,
		Price:     100,
		Size:      1,
		Status:    status,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.SaveOrder(context.Background(), order); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return order
}

func TestHealthAndOrderRoutes(t *testing.T) {
	store := memory.NewStore()
	seedOrder(t, store, "ord-1", schema.StatusOpen)
	seedOrder(t, store, "ord-2", schema.StatusFilled)

	server := NewServer(store, store, nil, nil)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %v %v", err, resp)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/v1/orders?status=open")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var orders []schema.Order
	if err := json.NewDecoder(resp.Body).Decode(&orders); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(orders) != 1 || orders[0].ID != "ord-1" {
		t.Fatalf("unexpected orders: %+v", orders)
	}

	resp, err = http.Get(ts.URL + "/api/v1/orders/ord-2")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %v %v", err, resp)
	}
	var order schema.Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if order.Status != schema.StatusFilled {
		t.Fatalf("unexpected order: %+v", order)
	}

	resp, err = http.Get(ts.URL + "/api/v1/orders/missing")
	if err != nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing order should 404: %v %v", err, resp)
	}
	resp.Body.Close()
}

func TestStatisticsRouteNotShadowed(t *testing.T) {
	store := memory.NewStore()
	seedOrder(t, store, "ord-1", schema.StatusFilled)

	server := NewServer(store, store, nil, nil)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/orders/statistics")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("statistics: %v %v", err, resp)
	}
	var stats struct {
		TotalOrders int `json:"totalOrders"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if stats.TotalOrders != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDisabledEnginesReturn404(t *testing.T) {
	store := memory.NewStore()
	server := NewServer(store, store, nil, nil)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	for _, path := range []string{"/api/v1/plans/p-1", "/api/v1/mm/ETH-USD/statistics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil || resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: %v %v", path, err, resp)
		}
		resp.Body.Close()
	}
}

func TestQuoteAndTradeRoutes(t *testing.T) {
	store := memory.NewStore()
	server := NewServer(store, store, nil, nil)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/quotes/ETH-USD?status=active&limit=10")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("quotes: %v %v", err, resp)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/v1/trades/ETH-USD")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("trades: %v %v", err, resp)
	}
	resp.Body.Close()
}
