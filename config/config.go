// Package config loads service settings from .env and the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	Port        string
	DBDriver    string // sqlite, postgres or memory
	DBPath      string
	DatabaseURL string

	KafkaBrokers      []string // empty disables Kafka
	KafkaChangesTopic string
	KafkaEventsTopic  string
	KafkaGroupID      string

	RollForwardInterval time.Duration // 0 disables the roll-forward scheduler
	RecalcMaxAttempts   int
	RecalcWorkers       int

	LogLevel string
}

// Load reads a .env file when present, then the environment.
func Load(log zerolog.Logger) *Config {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, relying on environment variables")
	}
	return FromEnv(log)
}

// FromEnv builds a Config from the environment only.
func FromEnv(log zerolog.Logger) *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		DBDriver:    getEnv("DB_DRIVER", "sqlite"),
		DBPath:      getEnv("DB_PATH", "balances.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		KafkaBrokers:      splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaChangesTopic: getEnv("KAFKA_CHANGES_TOPIC", "ledger.transaction-changes"),
		KafkaEventsTopic:  getEnv("KAFKA_EVENTS_TOPIC", "ledger.balances-recomputed"),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "balance-engine"),

		RollForwardInterval: getDuration(log, "ROLL_FORWARD_INTERVAL", time.Hour),
		RecalcMaxAttempts:   getInt(log, "RECALC_MAX_ATTEMPTS", 3),
		RecalcWorkers:       getInt(log, "RECALC_WORKERS", 4),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// KafkaEnabled reports whether any broker is configured.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// Helper to get env with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(log zerolog.Logger, key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Int("default", fallback).Msg("invalid integer, using default")
		return fallback
	}
	return n
}

func getDuration(log zerolog.Logger, key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Dur("default", fallback).Msg("invalid duration, using default")
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
