package persistence_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fluxtrade/execore/internal/domain/orderstore"
	"github.com/fluxtrade/execore/internal/domain/planstore"
	"github.com/fluxtrade/execore/internal/domain/quotestore"
	"github.com/fluxtrade/execore/internal/infra/persistence/migrations"
	pgstore "github.com/fluxtrade/execore/internal/infra/persistence/postgres"
	"github.com/fluxtrade/execore/internal/schema"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "execore"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/execore?sslmode=disable", host, port.Port())

	logger := log.New(os.Stderr, "contract ", log.LstdFlags)
	if err := migrations.Apply(ctx, dsn, logger); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func TestOrderStoreRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	order := schema.Order{
		ID:             schema.NewOrderID(),
		Symbol:         "ETH-USD",
		Side:           schema.SideBuy,
		Kind:           schema.KindLimit,
		Price:          100.5,
		Size:           2,
		SizeQuoteValue: 201,
		Status:         schema.StatusOpen,
		TimeInForce:    schema.TIFGoodTillCancelled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.Orders.SaveOrder(ctx, order))

	got, found, err := store.Orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ETH-USD", got.Symbol)
	require.Equal(t, 100.5, got.Price)
	require.Equal(t, schema.StatusOpen, got.Status)

	// Idempotent upsert: saving identical state leaves one row.
	require.NoError(t, store.Orders.SaveOrder(ctx, order))
	orders, err := store.Orders.ListOrders(ctx, orderstore.Query{Symbol: "ETH-USD"})
	require.NoError(t, err)
	seen := 0
	for _, o := range orders {
		if o.ID == order.ID {
			seen++
		}
	}
	require.Equal(t, 1, seen, "upsert should keep one row")

	require.NoError(t, store.Orders.RecordFill(ctx, orderstore.Fill{
		OrderID: order.ID, Price: 100.4, Size: 2, Value: 200.8, Fee: 0.04,
		TxRef: "tx-1", Timestamp: now,
	}))
	fills, err := store.Orders.ListFills(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	require.Equal(t, 100.4, fills[0].Price)

	require.NoError(t, store.Orders.RecordStatusChange(ctx, orderstore.StatusChange{
		OrderID: order.ID, From: schema.StatusOpen, To: schema.StatusFilled,
		Details: "filled", Timestamp: now,
	}))
	history, err := store.Orders.StatusHistory(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, schema.StatusFilled, history[0].To)

	stats, err := store.Orders.Statistics(ctx)
	require.NoError(t, err)
	require.NotZero(t, stats.TotalOrders)
}

func TestPlanStoreRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	plan := planstore.Plan{
		ID: schema.NewOrderID(),
		Config: planstore.Config{
			Symbol:          "ETH-USD",
			Side:            schema.SideBuy,
			TotalSize:       100,
			TotalQuoteValue: 10000,
			Duration:        time.Hour,
			SliceCount:      2,
			Style:           planstore.StyleUniform,
		},
		Status: planstore.StatusPending,
		Slices: []planstore.Slice{
			{Number: 0, ScheduledTime: now, TargetSize: 50, TargetQuoteValue: 5000, Status: planstore.SlicePending},
			{Number: 1, ScheduledTime: now.Add(30 * time.Minute), TargetSize: 50, TargetQuoteValue: 5000, Status: planstore.SlicePending},
		},
		CreatedAt: now,
	}
	require.NoError(t, store.Plans.SavePlan(ctx, plan))

	got, found, err := store.Plans.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got.Slices, 2)
	require.Equal(t, time.Hour, got.Config.Duration)

	// Slice progress persists through the plan upsert.
	plan.Slices[0].Executed = true
	plan.Slices[0].Status = planstore.SliceCompleted
	plan.Slices[0].ExecutedSize = 50
	plan.Slices[0].ExecutedPrice = 100
	plan.Slices[0].ExecutedValue = 5000
	plan.Status = planstore.StatusExecuting
	plan.ExecutedSize = 50
	require.NoError(t, store.Plans.SavePlan(ctx, plan))

	got, found, err = store.Plans.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, got.Slices[0].Executed, "slice progress lost")
	require.Equal(t, 50.0, got.Slices[0].ExecutedSize)

	active, err := store.Plans.ListActivePlans(ctx)
	require.NoError(t, err)
	seen := false
	for _, p := range active {
		if p.ID == plan.ID {
			seen = true
		}
	}
	require.True(t, seen, "executing plan should be listed as active")
}

func TestQuoteStoreRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool)

	cfg := quotestore.Config{
		Symbol:          "ETH-USD",
		Strategy:        quotestore.StrategySimple,
		BaseSpreadBps:   10,
		MinSpreadBps:    5,
		MaxSpreadBps:    100,
		OrderSize:       1,
		NumLevels:       2,
		LevelSpacingBps: 5,
		MaxInventory:    100,
		RefreshInterval: 5 * time.Second,
	}
	require.NoError(t, store.Quotes.SaveConfig(ctx, cfg))
	gotCfg, found, err := store.Quotes.GetConfig(ctx, "ETH-USD")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 5*time.Second, gotCfg.RefreshInterval)
	require.Equal(t, 2, gotCfg.NumLevels)

	now := time.Now().UTC().Truncate(time.Microsecond)
	quote := quotestore.Quote{
		ID: schema.NewOrderID(), Symbol: "ETH-USD", Side: quotestore.SideBid,
		Level: 0, Price: 99.95, Size: 1, Status: quotestore.QuoteActive,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Quotes.SaveQuote(ctx, quote))

	quote.Status = quotestore.QuoteFilled
	quote.FilledSize = 1
	quote.FillPrice = 99.95
	require.NoError(t, store.Quotes.SaveQuote(ctx, quote))

	quotes, err := store.Quotes.ListQuotes(ctx, "ETH-USD", []quotestore.QuoteStatus{quotestore.QuoteFilled}, 10)
	require.NoError(t, err)
	seen := false
	for _, q := range quotes {
		if q.ID == quote.ID && q.FilledSize == 1 {
			seen = true
		}
	}
	require.True(t, seen, "filled quote not listed")

	require.NoError(t, store.Quotes.RecordTrade(ctx, quotestore.Trade{
		OrderID: quote.ID, Symbol: "ETH-USD", Side: quotestore.SideBid,
		Price: 99.95, Size: 1, Fee: 0.02, Pnl: 0.03, Timestamp: now,
	}))
	trades, err := store.Quotes.ListTrades(ctx, "ETH-USD", 10)
	require.NoError(t, err)
	require.NotEmpty(t, trades)
}
