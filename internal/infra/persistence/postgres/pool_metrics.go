package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fluxtrade/execore/internal/telemetry"
)

// poolGauges maps gauge names to pgx pool stat readers. One registration
// covers the pool shared by the order, plan, and quote stores.
var poolGauges = []struct {
	name string
	desc string
	read func(*pgxpool.Stat) int64
}{
	{
		name: "execore_db_pool_connections_total",
		desc: "Total connections (idle + acquired + constructing)",
		read: func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) },
	},
	{
		name: "execore_db_pool_connections_idle",
		desc: "Idle connections ready for checkout",
		read: func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) },
	},
	{
		name: "execore_db_pool_connections_acquired",
		desc: "Connections currently acquired by callers",
		read: func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) },
	},
	{
		name: "execore_db_pool_connections_constructing",
		desc: "Connections currently being constructed",
		read: func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) },
	},
}

// ObservePoolMetrics registers observable gauges that report pgx pool health.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	meter := otel.Meter("postgres.pool")
	for _, gauge := range poolGauges {
		_, err := meter.Int64ObservableGauge(gauge.name,
			metric.WithDescription(gauge.desc),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(gauge.read(pool.Stat()), attrs)
				return nil
			}),
		)
		if err != nil {
			return
		}
	}
}
