// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxtrade/execore/internal/risk"
)

// DatabaseConfig configures the postgres connection.
type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"autoMigrate"`
}

// FeedConfig configures the websocket price feed.
type FeedConfig struct {
	URL     string   `yaml:"url"`
	Symbols []string `yaml:"symbols"`
}

// EnginesConfig paces the per-symbol scheduling loops.
type EnginesConfig struct {
	CheckInterval    time.Duration `yaml:"checkInterval"`
	PlanTickInterval time.Duration `yaml:"planTickInterval"`
}

// APIServerConfig configures the read-only HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified execore application configuration.
type AppConfig struct {
	Environment string          `yaml:"environment"`
	Database    DatabaseConfig  `yaml:"database"`
	Feed        FeedConfig      `yaml:"feed"`
	Engines     EnginesConfig   `yaml:"engines"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Risk        risk.Limits     `yaml:"risk"`
}

// Load assembles the configuration with precedence: defaults, then YAML if
// present, then environment variables, then validation.
func Load(configPath string) (AppConfig, error) {
	cfg := defaultAppConfig()

	if err := cfg.loadYAML(configPath); err != nil && !os.IsNotExist(err) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", err)
	}
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Environment: "prod",
		Database: DatabaseConfig{
			DSN:         "",
			AutoMigrate: true,
		},
		Feed: FeedConfig{
			URL:     "wss://stream.binance.com:9443/ws",
			Symbols: nil,
		},
		Engines: EnginesConfig{
			CheckInterval:    2 * time.Second,
			PlanTickInterval: time.Second,
		},
		APIServer: APIServerConfig{
			Addr: ":8780",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "execore",
			EnableMetrics: true,
		},
		Risk: risk.DefaultLimits(),
	}
}

func (c *AppConfig) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("EXECORE_CONFIG")
	}
	if path == "" {
		path = "config/app.yaml"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func (c *AppConfig) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("EXECORE_ENV")); v != "" {
		c.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("EXECORE_FEED_URL")); v != "" {
		c.Feed.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("EXECORE_SYMBOLS")); v != "" {
		parts := strings.Split(v, ",")
		symbols := make([]string, 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				symbols = append(symbols, part)
			}
		}
		c.Feed.Symbols = symbols
	}
	if v := strings.TrimSpace(os.Getenv("EXECORE_API_ADDR")); v != "" {
		c.APIServer.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

// Validate rejects configurations that cannot start.
func (c *AppConfig) Validate() error {
	switch c.Environment {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("environment must be dev, staging, or prod, got %q", c.Environment)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database dsn is required (set DATABASE_URL or database.dsn)")
	}
	if strings.TrimSpace(c.Feed.URL) == "" {
		return fmt.Errorf("feed url is required")
	}
	if c.Engines.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive")
	}
	if c.Engines.PlanTickInterval <= 0 {
		return fmt.Errorf("plan tick interval must be positive")
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("api server addr is required")
	}
	return nil
}
