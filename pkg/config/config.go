package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Account/broker configuration file (YAML)
	AccountsPath string

	// Database
	DBPath string

	// Execution
	DryRun       bool // force simulated execution for every account
	TickInterval time.Duration
	// Grace period for in-flight order submissions during shutdown.
	ShutdownGrace time.Duration

	// Remote strategy worker (WebSocket). When disabled the built-in demo
	// provider is used.
	EnableStrategyWorker bool
	StrategyWorkerAddr   string
	StrategyCallTimeout  time.Duration
	// Per-order notional used by the built-in demo provider.
	DemoNotional float64

	// Auth
	JWTSecret        string
	OperatorUser     string
	OperatorPassword string // bcrypt hash; plaintext accepted in dev when prefixed "plain:"

	// Localization
	Language string // "en" or "zh"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		AccountsPath:         getEnv("ACCOUNTS_PATH", "./accounts.yaml"),
		DBPath:               getEnv("DB_PATH", "./data/broker-core.db"),
		DryRun:               getEnv("DRY_RUN", "false") == "true",
		TickInterval:         getEnvDuration("TICK_INTERVAL", 2*time.Minute),
		ShutdownGrace:        getEnvDuration("SHUTDOWN_GRACE", 15*time.Second),
		EnableStrategyWorker: getEnv("ENABLE_STRATEGY_WORKER", "false") == "true",
		StrategyWorkerAddr:   getEnv("STRATEGY_WORKER_ADDR", "ws://localhost:7070/signals"),
		StrategyCallTimeout:  getEnvDuration("STRATEGY_CALL_TIMEOUT", 5*time.Second),
		DemoNotional:         getEnvFloat("DEMO_NOTIONAL", 50),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		OperatorUser:         getEnv("OPERATOR_USER", "operator"),
		OperatorPassword:     getEnv("OPERATOR_PASSWORD", "plain:operator"),
		Language:             getEnv("LANGUAGE", "en"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Accept bare seconds for convenience.
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
