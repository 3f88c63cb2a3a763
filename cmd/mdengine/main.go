// mdengine is the market data engine: broker websocket ingest, binary tick
// decoding, OHLCV aggregation across all timeframes, and publication of
// ticks and closed candles to Kafka, Redis and Postgres.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"tradingpipe/config"
	"tradingpipe/internal/broker"
	"tradingpipe/internal/bus"
	"tradingpipe/internal/logger"
	"tradingpipe/internal/marketdata/agg"
	"tradingpipe/internal/marketdata/fanout"
	"tradingpipe/internal/markethours"
	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
	"tradingpipe/internal/store/postgres"
	redisstore "tradingpipe/internal/store/redis"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitAuth      = 2
	exitBus       = 3
	exitInterrupt = 130

	tickBuffer    = 10_000
	candleBuffer  = 5_000
	sinkBuffer    = 5_000
	drainDeadline = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	godotenv.Load()
	cfg := config.LoadMDEngine()
	log := logger.Init("mdengine", logger.ParseLevel(cfg.LogLevel))

	tokens, err := broker.LoadWatchlists(cfg.WatchlistPaths...)
	if err != nil {
		log.Error("watchlist load failed", "error", err)
		return exitConfig
	}
	log.Info("watchlists loaded", "instruments", tokens.Len())

	m := metrics.New(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, log)
	metricsSrv.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores. The cache and SQL store are off the hot path; losing either
	// degrades (no indicator warm-up, no durable history) but ingest and
	// Kafka publication continue.
	cache, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log, m)
	if err != nil {
		log.Warn("redis unavailable, continuing without candle cache", "error", err)
	}

	store, err := postgres.New(postgres.Config{DSN: cfg.PostgresDSN}, log, m)
	if err != nil {
		log.Warn("postgres unavailable, continuing without durable store", "error", err)
	}

	producer, err := bus.NewProducer(cfg.KafkaBrokers, log, m)
	if err != nil {
		log.Error("kafka producer init failed", "brokers", cfg.KafkaBrokers, "error", err)
		return exitBus
	}
	health.SetBusConnected(true)
	go producer.Run(ctx)

	switch {
	case cache != nil && store != nil:
		health.StartLivenessChecker(ctx, cache.Client(), store.DB(), 10*time.Second)
	case cache != nil:
		health.StartLivenessChecker(ctx, cache.Client(), nil, 10*time.Second)
	case store != nil:
		health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	}

	// Pipeline channels: websocket -> tick tee -> aggregator -> fan-out.
	tickCh := make(chan model.Tick, tickBuffer)
	aggTickCh := make(chan model.Tick, tickBuffer)
	candleCh := make(chan model.Candle, candleBuffer)

	// Tick tee: publish every tick to Kafka and forward to the aggregator.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-tickCh:
				if !ok {
					return
				}
				health.SetLastTickTime(tick.TS)
				producer.PublishTick(tick)
				select {
				case aggTickCh <- tick:
				default:
					m.TicksDropped.Inc()
				}
			}
		}
	}()

	// Fan closed candles out to the sinks.
	fo := fanout.New(sinkBuffer, log, m)
	kafkaCh := fo.Subscribe("kafka")
	go func() {
		for c := range kafkaCh {
			producer.PublishCandle(c)
		}
	}()
	if store != nil {
		go store.Run(ctx, fo.Subscribe("postgres"))
	}
	if cache != nil {
		go runWindowWriter(ctx, cache, fo.Subscribe("redis"), log)
	}
	go fo.Run(ctx, candleCh)

	// Aggregator with gap-triggered backfill.
	bf := newBackfillRunner(ctx, cfg, tokens, store, candleCh, log, m)
	aggregator := agg.New(cfg.Timeframes, cfg.Market, log, m)
	aggregator.OnGap = bf.onGap
	go aggregator.Run(ctx, aggTickCh, candleCh)

	// Channel saturation reporting.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fo.ReportSaturation()
				m.ChannelSaturationPct.WithLabelValues("ticks").Set(float64(len(tickCh)) / float64(cap(tickCh)) * 100)
				m.ChannelSaturationPct.WithLabelValues("candles").Set(float64(len(candleCh)) / float64(cap(candleCh)) * 100)
			}
		}
	}()

	// Websocket session lifecycle, gated to market hours: fresh login at
	// each session open, disconnect at close.
	auth := broker.NewAuth(broker.Credentials{
		APIKey:     cfg.APIKey,
		ClientCode: cfg.ClientCode,
		Password:   cfg.Password,
		TOTPSecret: cfg.TOTPSecret,
	}, "", log)

	fatalCh := make(chan int, 1)
	go func() {
		firstSession := true
		for {
			if wait := markethours.UntilOpen(time.Now()); wait > 0 {
				log.Info("market closed, waiting for next session",
					"next_open", markethours.NextOpen(time.Now()), "wait", wait.Truncate(time.Second))
				health.SetWSConnected(false)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}

			session, err := auth.Login(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("broker authentication failed", "error", err)
				fatalCh <- exitAuth
				return
			}
			bf.setHistory(broker.NewHistory(auth, session, log))
			if firstSession {
				firstSession = false
				go bf.coldStart()
			}

			stream := broker.NewStream(broker.StreamConfig{
				URL:        cfg.StreamURL,
				APIKey:     cfg.APIKey,
				ClientCode: cfg.ClientCode,
				Session:    session,
				Mode:       model.SubscriptionMode(cfg.SubscribeMode),
				Tokens:     tokens,
			}, log, m)

			sessionCtx, cancel := context.WithDeadline(ctx, markethours.SessionClose(time.Now()))
			health.SetWSConnected(true)
			err = stream.Run(sessionCtx, tickCh)
			cancel()
			health.SetWSConnected(false)
			if ctx.Err() != nil {
				return
			}
			log.Info("websocket session ended", "error", err)
		}
	}()

	log.Info("mdengine running",
		"timeframes", cfg.Timeframes, "market", cfg.Market, "brokers", cfg.KafkaBrokers)

	code := exitInterrupt
	select {
	case <-ctx.Done():
	case code = <-fatalCh:
	}
	stop()

	log.Info("shutting down, draining buffers")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	producer.Close(drainCtx)
	if cache != nil {
		cache.Close()
	}
	if store != nil {
		store.Close()
	}
	metricsSrv.Stop(drainCtx)
	log.Info("shutdown complete")
	return code
}

// runWindowWriter maintains the rolling closed-candle window per
// (symbol, timeframe) and rewrites the Redis key on every update. The first
// candle for a key seeds the window from the stored one, so a restart
// extends the window instead of truncating it.
func runWindowWriter(ctx context.Context, cache *redisstore.Cache, in <-chan model.Candle, log *slog.Logger) {
	windows := make(map[string][]model.Candle)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			key := c.TradingSymbol + ":" + string(c.Timeframe)
			w, seeded := windows[key]
			if !seeded {
				stored, err := cache.ReadCandleWindow(ctx, c.TradingSymbol, c.Timeframe)
				if err != nil {
					log.Warn("candle window seed failed, starting empty", "key", key, "error", err)
				} else {
					w = stored
				}
			}
			w = insertCandle(w, c)
			if len(w) > redisstore.WindowSize {
				w = w[len(w)-redisstore.WindowSize:]
			}
			windows[key] = w
			if err := cache.WriteCandleWindow(ctx, c.TradingSymbol, c.Timeframe, w); err != nil {
				log.Warn("candle window write failed", "key", key, "error", err)
			}
		}
	}
}

// insertCandle keeps the window ascending by bucket start. Backfilled
// candles can arrive behind newer live buckets; a candle for an existing
// bucket replaces it.
func insertCandle(w []model.Candle, c model.Candle) []model.Candle {
	i := sort.Search(len(w), func(i int) bool {
		return !w[i].BucketStart.Before(c.BucketStart)
	})
	if i < len(w) && w[i].BucketStart.Equal(c.BucketStart) {
		w[i] = c
		return w
	}
	w = append(w, model.Candle{})
	copy(w[i+1:], w[i:])
	w[i] = c
	return w
}

// backfillRunner serializes backfill requests (cold start and gap repairs)
// behind one goroutine so history API rate limits are shared.
type backfillRunner struct {
	ctx      context.Context
	cfg      *config.MDEngine
	tokens   *model.TokenMap
	store    *postgres.Store
	out      chan<- model.Candle
	log      *slog.Logger
	metrics  *metrics.Metrics
	requests chan backfillRequest

	mu   sync.Mutex
	hist *broker.History
}

type backfillRequest struct {
	inst      model.Instrument
	tf        model.Timeframe
	lastKnown time.Time
	now       time.Time
}

func newBackfillRunner(ctx context.Context, cfg *config.MDEngine, tokens *model.TokenMap, store *postgres.Store, out chan<- model.Candle, log *slog.Logger, m *metrics.Metrics) *backfillRunner {
	b := &backfillRunner{
		ctx:      ctx,
		cfg:      cfg,
		tokens:   tokens,
		store:    store,
		out:      out,
		log:      log,
		metrics:  m,
		requests: make(chan backfillRequest, 256),
	}
	go b.loop()
	return b
}

func (b *backfillRunner) setHistory(h *broker.History) {
	b.mu.Lock()
	b.hist = h
	b.mu.Unlock()
}

func (b *backfillRunner) history() *broker.History {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hist
}

func (b *backfillRunner) onGap(symbol string, tf model.Timeframe, lastKnown, now time.Time) {
	inst, ok := b.instrument(symbol)
	if !ok {
		return
	}
	select {
	case b.requests <- backfillRequest{inst: inst, tf: tf, lastKnown: lastKnown, now: now}:
	default:
		b.log.Warn("backfill queue full, dropping request", "symbol", symbol, "timeframe", tf)
	}
}

// coldStart enqueues a fill for every (instrument, timeframe) from the last
// durable bucket. Runs once after the first broker login.
func (b *backfillRunner) coldStart() {
	now := time.Now()
	for _, inst := range b.tokens.Instruments() {
		for _, tf := range b.cfg.Timeframes {
			var lastKnown time.Time
			if b.store != nil {
				ts, err := b.store.LastBucket(b.ctx, inst.TradingSymbol, tf)
				if err != nil {
					b.log.Warn("last bucket lookup failed", "symbol", inst.TradingSymbol, "timeframe", tf, "error", err)
				} else {
					lastKnown = ts
				}
			}
			select {
			case b.requests <- backfillRequest{inst: inst, tf: tf, lastKnown: lastKnown, now: now}:
			case <-b.ctx.Done():
				return
			}
		}
	}
}

func (b *backfillRunner) loop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case req := <-b.requests:
			hist := b.history()
			if hist == nil {
				continue
			}
			bf := agg.NewBackfiller(hist, b.cfg.Market, b.log, b.metrics)
			if err := bf.Fill(b.ctx, req.inst, req.tf, req.lastKnown, req.now, b.out); err != nil {
				b.log.Warn("backfill failed", "symbol", req.inst.TradingSymbol, "timeframe", req.tf, "error", err)
			}
		}
	}
}

func (b *backfillRunner) instrument(symbol string) (model.Instrument, bool) {
	for _, inst := range b.tokens.Instruments() {
		if inst.TradingSymbol == symbol {
			return inst, true
		}
	}
	return model.Instrument{}, false
}
