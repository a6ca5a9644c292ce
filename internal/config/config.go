// Package config loads gateway settings from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is everything cmd/gateway needs to wire the service.
type Config struct {
	// PGDSN selects the Postgres store; empty means in-memory.
	PGDSN string
	// KafkaBrokers enables the settlement event publisher when non-empty.
	KafkaBrokers []string
	// MetricsAddr serves /metrics and /healthz.
	MetricsAddr string
	// SweepInterval is the reconciliation period.
	SweepInterval time.Duration
	// SweepPerSecond paces per-account reconciliation checks.
	SweepPerSecond float64
	// MoneyScale is the fractional digit count of the settlement currency.
	MoneyScale int32
}

// Load reads MONEYGATE_* variables, applying defaults for anything unset.
// A .env file in the working directory is honored when present.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		PGDSN:          os.Getenv("MONEYGATE_PG_DSN"),
		MetricsAddr:    envOr("MONEYGATE_METRICS_ADDR", ":9090"),
		SweepInterval:  envDuration("MONEYGATE_SWEEP_INTERVAL", 5*time.Minute),
		SweepPerSecond: envFloat("MONEYGATE_SWEEP_PER_SECOND", 50),
		MoneyScale:     int32(envInt("MONEYGATE_MONEY_SCALE", 2)),
	}
	if brokers := os.Getenv("MONEYGATE_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
