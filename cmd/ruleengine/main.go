// ruleengine loads FlexiRule YAML strategies, consumes closed candles from
// Kafka, reads indicator snapshots from Redis, and emits trading signals
// and audit records through the per-(symbol, strategy) position state
// machine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"tradingpipe/config"
	"tradingpipe/internal/broker"
	"tradingpipe/internal/bus"
	"tradingpipe/internal/flexirule"
	"tradingpipe/internal/logger"
	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
	"tradingpipe/internal/notification"
	redisstore "tradingpipe/internal/store/redis"
	"tradingpipe/internal/worker"
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
	cfg := config.LoadRuleEngine()
	log := logger.Init("ruleengine", logger.ParseLevel(cfg.LogLevel))

	strategies, rejected, err := flexirule.LoadStrategyDir(cfg.StrategyDir)
	if err != nil {
		log.Error("strategy dir load failed", "dir", cfg.StrategyDir, "error", err)
		return exitConfig
	}
	for file, rerr := range rejected {
		log.Warn("strategy file rejected", "file", file, "error", rerr)
	}
	if len(strategies) == 0 {
		log.Error("no valid strategies", "dir", cfg.StrategyDir)
		return exitConfig
	}

	// Resolve each strategy's watchlist for this market once, up front.
	watchlists := make(map[string][]string, len(strategies))
	for _, sc := range strategies {
		path, ok := sc.Watchlist[cfg.Market]
		if !ok {
			log.Info("strategy has no watchlist for market, evaluating all symbols",
				"strategy", sc.Name, "market", cfg.Market)
			continue
		}
		instruments, err := broker.LoadWatchlist(path)
		if err != nil {
			log.Error("watchlist load failed", "strategy", sc.Name, "path", path, "error", err)
			return exitConfig
		}
		symbols := make([]string, 0, len(instruments))
		for _, inst := range instruments {
			symbols = append(symbols, inst.TradingSymbol)
		}
		watchlists[sc.Name] = symbols
	}

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

	producer, err := bus.NewProducer(cfg.KafkaBrokers, log, m)
	if err != nil {
		log.Error("kafka producer init failed", "brokers", cfg.KafkaBrokers, "error", err)
		return exitBus
	}
	go producer.Run(ctx)
	health.SetBusConnected(true)
	health.StartLivenessChecker(ctx, cache.Client(), nil, 10*time.Second)

	sink := newSignalSink(producer, buildNotifier(cfg, log), log)

	// One Manager (with its own rule engines) per worker: candles shard by
	// symbol, so every (symbol, strategy) position lives on exactly one
	// worker and the engines need no locks.
	engineErr := false
	pool := worker.NewPool(cfg.Workers, func(i int) worker.Handler {
		mgr := flexirule.NewManager(log.With("worker", i), cache, sink)
		for _, sc := range strategies {
			eng, err := flexirule.NewRuleEngine(sc, cfg.Market, log.With("worker", i))
			if err != nil {
				log.Error("strategy compile failed", "strategy", sc.Name, "error", err)
				engineErr = true
				continue
			}
			mgr.Add(eng, watchlists[sc.Name])
		}
		return mgr
	}, log, m)
	if engineErr {
		return exitConfig
	}
	go pool.Run(ctx)

	consumer, err := bus.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, bus.CandleTopics(), log)
	if err != nil {
		log.Error("kafka consumer init failed", "brokers", cfg.KafkaBrokers, "error", err)
		return exitBus
	}
	// Offsets commit only after the workers have evaluated the poll's
	// candles, so a crash redelivers queued work instead of losing it.
	consumer.Barrier = pool.Wait

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pool.Saturation()
			}
		}
	}()

	log.Info("ruleengine running", "strategies", len(strategies), "workers", pool.Size(),
		"group", cfg.ConsumerGroup, "brokers", cfg.KafkaBrokers)

	err = consumer.Run(ctx, pool.Dispatch)
	stop()

	log.Info("shutting down, draining buffers")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	producer.Close(drainCtx)
	consumer.Close()
	metricsSrv.Stop(drainCtx)
	log.Info("shutdown complete")

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer terminated", "error", err)
		return exitBus
	}
	return exitInterrupt
}

// buildNotifier assembles the optional outbound channels; nil when none are
// configured.
func buildNotifier(cfg *config.RuleEngine, log *slog.Logger) *notification.Multi {
	var notifiers []notification.Notifier
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhook(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if len(notifiers) == 0 {
		return nil
	}
	return notification.NewMulti(log, notifiers...)
}

// signalSink publishes to Kafka and mirrors signals to the optional
// notifier. Notification failures never fail the publish.
type signalSink struct {
	producer *bus.Producer
	notifier *notification.Multi
	log      *slog.Logger
}

func newSignalSink(p *bus.Producer, n *notification.Multi, log *slog.Logger) *signalSink {
	return &signalSink{producer: p, notifier: n, log: log}
}

func (s *signalSink) PublishSignal(ctx context.Context, sig model.Signal) error {
	if err := s.producer.PublishSignal(ctx, sig); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, sig)
	}
	return nil
}

func (s *signalSink) PublishAudit(ctx context.Context, rec model.AuditRecord) error {
	return s.producer.PublishAudit(ctx, rec)
}
