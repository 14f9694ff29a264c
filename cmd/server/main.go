/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the balance engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Open the configured store (sqlite, postgres or memory)
  3. Build the engine; publish recompute events when Kafka is configured
  4. Start the Kafka change consumer and the roll-forward scheduler
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port    HTTP server port (PORT, default 8080)
  -driver  sqlite | postgres | memory (DB_DRIVER, default sqlite)
  -db      SQLite database path (DB_PATH, default balances.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the consumer and the scheduler
  4. Close Kafka clients and the database

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - events/kafka: Change consumer and recompute publisher
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/warp/balance-engine/api"
	"github.com/warp/balance-engine/balance"
	"github.com/warp/balance-engine/config"
	"github.com/warp/balance-engine/events/kafka"
	"github.com/warp/balance-engine/logger"
	"github.com/warp/balance-engine/store"
)

func main() {
	bootLog := logger.New("info")
	cfg := config.Load(bootLog)

	// Flags
	flag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "storage driver: sqlite, postgres or memory")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize store
	opened, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to initialize store")
	}
	defer opened.Close()

	opts := balance.Options{
		Locker:      opened.Locker,
		MaxAttempts: cfg.RecalcMaxAttempts,
		Workers:     cfg.RecalcWorkers,
		Log:         log,
	}

	var publisher *kafka.Publisher
	if cfg.KafkaEnabled() {
		publisher = kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer publisher.Close()
		opts.Notifier = publisher
	}

	engine := balance.NewEngine(opened.Backend, opts)

	// Background workers
	var wg sync.WaitGroup
	if cfg.KafkaEnabled() {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaChangesTopic, cfg.KafkaGroupID, engine, log)
		defer consumer.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	}

	rollForward := api.NewRollForward(engine, opened.Backend, cfg.RollForwardInterval, log)
	rollForward.Start()
	defer rollForward.Stop()

	handler := api.NewHandler(engine, opened.Backend, log)
	handler.RollForward = rollForward

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("driver", cfg.DBDriver).
			Bool("kafka", cfg.KafkaEnabled()).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	wg.Wait()
	log.Info().Msg("server stopped")
}
