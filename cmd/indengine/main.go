// indengine is the indicator engine: it consumes closed candles from
// Kafka, maintains incremental RSI/SMA/Bollinger/ATR/MACD state per
// (symbol, timeframe), and writes snapshots to the Redis cache.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"tradingpipe/config"
	"tradingpipe/internal/bus"
	"tradingpipe/internal/indengine"
	"tradingpipe/internal/logger"
	"tradingpipe/internal/metrics"
	"tradingpipe/internal/store/postgres"
	redisstore "tradingpipe/internal/store/redis"
)

const (
	exitConfig    = 1
	exitBus       = 3
	exitInterrupt = 130

	drainDeadline = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	godotenv.Load()
	cfg := config.LoadIndEngine()
	log := logger.Init("indengine", logger.ParseLevel(cfg.LogLevel))

	m := metrics.New(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, log)
	metricsSrv.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log, m)
	if err != nil {
		log.Error("redis connect failed", "addr", cfg.RedisAddr, "error", err)
		return exitBus
	}
	defer cache.Close()

	// Postgres is optional: without it indicators warm up from the live
	// stream instead of history.
	var history indengine.CandleHistory
	var store *postgres.Store
	if cfg.PostgresDSN != "" {
		store, err = postgres.New(postgres.Config{DSN: cfg.PostgresDSN}, log, m)
		if err != nil {
			log.Warn("postgres unavailable, indicators start cold", "error", err)
		} else {
			history = store
			defer store.Close()
		}
	}

	var producer *bus.Producer
	if cfg.PublishSnapshots {
		producer, err = bus.NewProducer(cfg.KafkaBrokers, log, m)
		if err != nil {
			log.Error("kafka producer init failed", "brokers", cfg.KafkaBrokers, "error", err)
			return exitBus
		}
		go producer.Run(ctx)
	}

	svc, err := indengine.New(indengine.DefaultIndicators(), cache, history, producer, log, m)
	if err != nil {
		log.Error("indicator engine init failed", "error", err)
		return exitConfig
	}

	consumer, err := bus.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, bus.CandleTopics(), log)
	if err != nil {
		log.Error("kafka consumer init failed", "brokers", cfg.KafkaBrokers, "error", err)
		return exitBus
	}
	health.SetBusConnected(true)
	if store != nil {
		health.StartLivenessChecker(ctx, cache.Client(), store.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, cache.Client(), nil, 10*time.Second)
	}

	log.Info("indengine running", "group", cfg.ConsumerGroup, "brokers", cfg.KafkaBrokers,
		"publish_snapshots", cfg.PublishSnapshots)

	err = consumer.Run(ctx, svc.OnCandle)
	stop()

	log.Info("shutting down, draining buffers")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	if producer != nil {
		producer.Close(drainCtx)
	}
	consumer.Close()
	metricsSrv.Stop(drainCtx)
	log.Info("shutdown complete")

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer terminated", "error", err)
		return exitBus
	}
	return exitInterrupt
}
