package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "DB_DRIVER", "KAFKA_BROKERS", "ROLL_FORWARD_INTERVAL", "RECALC_WORKERS"} {
		t.Setenv(key, "")
	}
	cfg := FromEnv(zerolog.Nop())

	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.KafkaEnabled())
	assert.Equal(t, "ledger.transaction-changes", cfg.KafkaChangesTopic)
	assert.Equal(t, "ledger.balances-recomputed", cfg.KafkaEventsTopic)
	assert.Equal(t, time.Hour, cfg.RollForwardInterval, "empty duration falls back")
	assert.Equal(t, 4, cfg.RecalcWorkers, "empty integer falls back")
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/balances")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("ROLL_FORWARD_INTERVAL", "0")
	t.Setenv("RECALC_MAX_ATTEMPTS", "5")
	t.Setenv("RECALC_WORKERS", "many")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := FromEnv(zerolog.Nop())

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://localhost/balances", cfg.DatabaseURL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, time.Duration(0), cfg.RollForwardInterval)
	assert.Equal(t, 5, cfg.RecalcMaxAttempts)
	assert.Equal(t, 4, cfg.RecalcWorkers, "invalid integer falls back")
	assert.Equal(t, "debug", cfg.LogLevel)
}
