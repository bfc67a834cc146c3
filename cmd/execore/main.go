// Command execore launches the order-execution core: the conditional order
// engine, the time-sliced execution engine, and the market-making engine,
// sharing one postgres-backed order store and one websocket price feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/fluxtrade/execore/internal/api"
	"github.com/fluxtrade/execore/internal/conditional"
	appconfig "github.com/fluxtrade/execore/internal/config"
	"github.com/fluxtrade/execore/internal/exec"
	"github.com/fluxtrade/execore/internal/infra/persistence/migrations"
	"github.com/fluxtrade/execore/internal/infra/persistence/postgres"
	"github.com/fluxtrade/execore/internal/mm"
	"github.com/fluxtrade/execore/internal/observability"
	"github.com/fluxtrade/execore/internal/oracle"
	"github.com/fluxtrade/execore/internal/risk"
	"github.com/fluxtrade/execore/internal/schema"
	"github.com/fluxtrade/execore/internal/telemetry"
	"github.com/fluxtrade/execore/internal/twap"
	"github.com/fluxtrade/execore/lib/sched"
)

const (
	loggerPrefix      = "execore "
	shutdownTimeout   = 30 * time.Second
	apiDrainTimeout   = 5 * time.Second
	telemetryTimeout  = 5 * time.Second
	dbConnectMaxTries = 10
)

func main() {
	cfgPath := flag.String("config", "", "Path to application configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := appconfig.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, symbols=%d", cfg.Environment, len(cfg.Feed.Symbols))

	zapLogger, err := observability.NewZapLogger()
	if err != nil {
		logger.Fatalf("initialise logger: %v", err)
	}
	observability.SetLogger(zapLogger)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}
	observability.SetMetrics(telemetry.NewOTelMetrics())

	if cfg.Database.AutoMigrate {
		if err := migrations.Apply(ctx, cfg.Database.DSN, logger); err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
	}

	pool, err := connectDatabase(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	store := postgres.New(pool)
	postgres.ObservePoolMetrics(pool, "main")
	logger.Print("database connected")

	feed := oracle.NewFeed(ctx, cfg.Feed.URL)
	if err := feed.Start(); err != nil {
		logger.Fatalf("start price feed: %v", err)
	}
	if len(cfg.Feed.Symbols) > 0 {
		if err := feed.Subscribe(cfg.Feed.Symbols); err != nil {
			logger.Fatalf("subscribe feed: %v", err)
		}
		logger.Printf("price feed subscribed: %d symbols", len(cfg.Feed.Symbols))
	}

	executor := exec.NewPaper(risk.NewGate(cfg.Risk))
	sup := sched.NewSupervisor(ctx)

	conditionalEngine := conditional.NewEngine(store.Orders, feed, executor)
	twapEngine := twap.NewEngine(store.Plans, feed, executor, twap.WithSupervisor(sup))
	makerEngine := mm.NewEngine(store.Quotes, feed, executor)

	if err := startEngines(ctx, logger, cfg, sup, conditionalEngine, twapEngine, makerEngine); err != nil {
		logger.Fatalf("start engines: %v", err)
	}

	apiServer := api.NewServer(store.Orders, store.Quotes, twapEngine, makerEngine)
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := apiServer.Start(cfg.APIServer.Addr); err != nil {
			logger.Printf("api server: %v", err)
		}
	})
	logger.Printf("query API listening on %s", cfg.APIServer.Addr)

	logger.Print("execore started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()

	drainCtx, drainCancel := context.WithTimeout(shutdownCtx, apiDrainTimeout)
	if err := apiServer.Shutdown(drainCtx); err != nil {
		logger.Printf("api shutdown: %v", err)
	}
	drainCancel()

	sup.Stop()
	feed.Stop()
	lifecycle.Wait()
	pool.Close()

	telemetryCtx, telemetryCancel := context.WithTimeout(shutdownCtx, telemetryTimeout)
	if err := telemetryProvider.Shutdown(telemetryCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	telemetryCancel()

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg appconfig.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = cfg.Environment
	telemetryCfg.Enabled = telemetryCfg.Enabled && cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialised: endpoint=%s, service=%s",
			telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

func connectDatabase(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	operation := func() (*pgxpool.Pool, error) {
		return postgres.Connect(ctx, dsn)
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(dbConnectMaxTries))
}

// startEngines restores persisted state and launches one worker per symbol
// or plan: conditional check loops and market-making refresh loops for every
// configured symbol, plus scheduling loops for plans resumed mid-flight.
func startEngines(ctx context.Context, logger *log.Logger, cfg appconfig.AppConfig, sup *sched.Supervisor,
	conditionalEngine *conditional.Engine, twapEngine *twap.Engine, makerEngine *mm.Engine) error {
	restored, err := conditionalEngine.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load active orders: %w", err)
	}
	logger.Printf("active orders restored: %d", restored)

	symbols := make(map[string]bool)
	for _, symbol := range cfg.Feed.Symbols {
		symbols[schema.NormalizeSymbol(symbol)] = true
	}
	for _, symbol := range conditionalEngine.ActiveSymbols() {
		symbols[symbol] = true
	}
	for symbol := range symbols {
		sym := symbol
		err := sup.Start("conditional/"+sym, func(ctx context.Context) {
			conditionalEngine.RunSymbol(ctx, sym, cfg.Engines.CheckInterval)
		})
		if err != nil {
			return fmt.Errorf("start conditional worker %s: %w", sym, err)
		}
	}

	plans, err := twapEngine.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load active plans: %w", err)
	}
	resumed := twapEngine.ResumeActive()
	logger.Printf("execution plans restored: %d, resumed: %d", plans, resumed)

	quoted := 0
	for symbol := range symbols {
		sym := symbol
		found, err := makerEngine.LoadConfig(ctx, sym)
		if err != nil {
			return fmt.Errorf("load mm config %s: %w", sym, err)
		}
		if !found {
			continue
		}
		err = sup.Start("mm/"+sym, func(ctx context.Context) {
			makerEngine.RunSymbol(ctx, sym)
		})
		if err != nil {
			return fmt.Errorf("start mm worker %s: %w", sym, err)
		}
		quoted++
	}
	logger.Printf("market-making symbols configured: %d", quoted)
	return nil
}
