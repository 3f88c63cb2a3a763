// Package indengine is the indicator engine service: it consumes closed
// candles from the bus, maintains incremental indicator state per
// (symbol, timeframe), and writes each snapshot to the Redis cache.
package indengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tradingpipe/internal/bus"
	"tradingpipe/internal/indicator"
	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
	"tradingpipe/internal/store/postgres"
	redisstore "tradingpipe/internal/store/redis"
)

// DefaultIndicators is the standard snapshot set: every strategy can rely
// on these names being present once warm.
func DefaultIndicators() []indicator.Config {
	return []indicator.Config{
		{Name: "rsi", Type: "rsi", Period: 14},
		{Name: "sma", Type: "sma", Period: 20},
		{Name: "bb", Type: "bollinger_bands", Period: 20, Std: 2.0},
		{Name: "atr", Type: "atr", Period: 14},
		{Name: "macd", Type: "macd"},
		{Name: "avg_volume", Type: "avg_volume", Period: 20},
	}
}

// CandleHistory serves historical closed candles for warm-up, newest last.
type CandleHistory interface {
	LatestCandles(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error)
}

// SnapshotWriter persists a computed snapshot.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, snap model.Snapshot) error
}

// Service owns the indicator engine for all (symbol, timeframe) pairs on
// its candle stream. Single-goroutine: the bus consumer delivers candles
// sequentially.
type Service struct {
	engine   *indicator.Engine
	cache    SnapshotWriter
	history  CandleHistory // nil disables warm-up
	producer *bus.Producer // nil disables snapshot publishing
	log      *slog.Logger
	metrics  *metrics.Metrics

	lookback int
	warmed   map[string]bool
}

// New builds the service. history may be nil (indicators warm up from the
// live stream only); producer may be nil (snapshots stay cache-only).
func New(cfgs []indicator.Config, cache SnapshotWriter, history CandleHistory, producer *bus.Producer, log *slog.Logger, m *metrics.Metrics) (*Service, error) {
	if len(cfgs) == 0 {
		cfgs = DefaultIndicators()
	}
	engine, err := indicator.NewEngine(cfgs)
	if err != nil {
		return nil, err
	}
	return &Service{
		engine:   engine,
		cache:    cache,
		history:  history,
		producer: producer,
		log:      log,
		metrics:  m,
		lookback: indicator.MaxLookback(cfgs) + 5,
		warmed:   make(map[string]bool, 64),
	}, nil
}

// OnCandle is the bus handler: warm up the pair on first sight, step the
// engine, persist the snapshot. Returning an error makes the consumer
// retry the candle before any offset commits.
func (s *Service) OnCandle(ctx context.Context, c model.Candle) error {
	key := c.TradingSymbol + ":" + string(c.Timeframe)
	if !s.warmed[key] {
		s.warm(ctx, c.TradingSymbol, c.Timeframe)
		s.warmed[key] = true
	}

	start := time.Now()
	snap, ok := s.engine.Step(c)
	s.metrics.IndicatorComputeDur.Observe(time.Since(start).Seconds())
	if !ok {
		if c.Backfilled {
			// A gap repair landed behind the live stream. Rebuild from the
			// durable store, which holds the repaired buckets, so the state
			// ends up as if they had arrived in order.
			s.warm(ctx, c.TradingSymbol, c.Timeframe)
		}
		return nil
	}
	s.metrics.SnapshotsTotal.Inc()

	if err := s.cache.WriteSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("snapshot write %s: %w", key, err)
	}
	if s.producer != nil {
		s.producer.Publish(bus.SnapshotTopic(), snap.TradingSymbol, snap.JSON())
	}
	return nil
}

// warm replays historical candles through a fresh accumulator so the first
// live snapshot is not Partial, and writes the resulting snapshot: the
// triggering candle may already be in the history, in which case Step skips
// it and this write is the only one for its bucket. Warm-up failure
// degrades to a cold start.
func (s *Service) warm(ctx context.Context, symbol string, tf model.Timeframe) {
	if s.history == nil {
		return
	}
	candles, err := s.history.LatestCandles(ctx, symbol, tf, s.lookback)
	if err != nil {
		s.log.Warn("indicator warm-up read failed, starting cold",
			"symbol", symbol, "timeframe", tf, "error", err)
		return
	}
	if len(candles) == 0 {
		return
	}
	snap := s.engine.Bootstrap(symbol, tf, candles)
	if err := s.cache.WriteSnapshot(ctx, snap); err != nil {
		s.log.Warn("warm snapshot write failed",
			"symbol", symbol, "timeframe", tf, "error", err)
	}
	s.log.Info("indicator state warmed",
		"symbol", symbol, "timeframe", tf, "candles", len(candles), "partial", snap.Partial)
}

var (
	_ SnapshotWriter = (*redisstore.Cache)(nil)
	_ CandleHistory  = (*postgres.Store)(nil)
)
