// Package config binds every spec.md §6 environment variable (plus
// the connection settings the ambient stack needs — Postgres, Redis,
// NATS, Vault) to a viper instance with defaults, the way
// cmd/binance-spot/main.go and internal/exchange/factory.go load
// exchange config in the teacher. Unlike the teacher's YAML-file
// config, this repo has no per-exchange config tree to read, so
// viper.AutomaticEnv with SetEnvKeyReplacer is the only source —
// env vars only, no config file.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved startup configuration for cmd/server.
type Config struct {
	// C7 fanout server / websocket gateway
	WSMaxSymbolsPerClient  int
	WSMaxBufferedBytes     int
	WSMaxMessageSizeBytes  int
	WSAuthRequired         bool
	EngineWSJWTSecretEnv   string // env var name only; resolved via internal/secrets
	AuthSecretEnv          string

	// C2/C6 broker adapter / market feed supervisor
	MinSafetyCount int
	BrokerURL      string
	BrokerAuthTokenEnv string

	// C14 liquidation engine
	LiquidationMaxSteps int

	// C12 order/execution engine
	PaperTradingMode bool
	DefaultLeverage  int

	// Connection settings (ambient, not named in spec.md §6 but
	// required to construct the stores/clients every component uses)
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	VaultAddr   string
	VaultToken  string

	HTTPPort int

	LiquidationSweepInterval time.Duration
}

// Load binds defaults, reads the environment, and returns the
// resolved Config. Safe to call more than once (e.g. from tests) —
// each call gets its own viper instance.
func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ws_max_symbols_per_client", 100)
	v.SetDefault("ws_max_buffered_bytes", 1_000_000)
	v.SetDefault("ws_max_message_size_bytes", 8192)
	v.SetDefault("ws_auth_required", true)
	v.SetDefault("min_safety_count", 50_000)
	v.SetDefault("broker_url", "")
	v.SetDefault("liquidation_max_steps", 32)
	v.SetDefault("paper_trading_mode", true)
	v.SetDefault("default_leverage", 1)
	v.SetDefault("database_url", "postgres://localhost:5432/paperdesk?sslmode=disable")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("nats_url", natsDefaultURL)
	v.SetDefault("vault_addr", "")
	v.SetDefault("vault_token", "")
	v.SetDefault("http_port", 8080)
	v.SetDefault("liquidation_sweep_interval_seconds", 2)

	return Config{
		WSMaxSymbolsPerClient: v.GetInt("ws_max_symbols_per_client"),
		WSMaxBufferedBytes:    v.GetInt("ws_max_buffered_bytes"),
		WSMaxMessageSizeBytes: v.GetInt("ws_max_message_size_bytes"),
		WSAuthRequired:        v.GetBool("ws_auth_required"),
		EngineWSJWTSecretEnv:  "ENGINE_WS_JWT_SECRET",
		AuthSecretEnv:         "AUTH_SECRET",

		MinSafetyCount:     v.GetInt("min_safety_count"),
		BrokerURL:          v.GetString("broker_url"),
		BrokerAuthTokenEnv: "BROKER_AUTH_TOKEN",

		LiquidationMaxSteps: v.GetInt("liquidation_max_steps"),

		PaperTradingMode: v.GetBool("paper_trading_mode"),
		DefaultLeverage:  v.GetInt("default_leverage"),

		DatabaseURL: v.GetString("database_url"),
		RedisURL:    v.GetString("redis_url"),
		NATSURL:     v.GetString("nats_url"),
		VaultAddr:   v.GetString("vault_addr"),
		VaultToken:  v.GetString("vault_token"),

		HTTPPort: v.GetInt("http_port"),

		LiquidationSweepInterval: time.Duration(v.GetInt("liquidation_sweep_interval_seconds")) * time.Second,
	}
}

const natsDefaultURL = "nats://localhost:4222"
