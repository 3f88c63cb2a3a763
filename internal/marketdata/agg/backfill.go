package agg

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
)

// HistorySource fetches closed historical candles, normally the broker
// history API with the Postgres store as fallback.
type HistorySource interface {
	Candles(ctx context.Context, inst model.Instrument, tf model.Timeframe, from, to time.Time) ([]model.Candle, error)
}

// Backfiller reconciles missed time: cold starts and websocket gaps. It
// publishes the missing closed candles in ascending bucket order with
// Backfilled set; downstream consumers are idempotent by candle key, so
// overlapping fills are safe to repeat.
type Backfiller struct {
	src     HistorySource
	market  string
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewBackfiller creates a backfiller over the given history source.
func NewBackfiller(src HistorySource, market string, log *slog.Logger, m *metrics.Metrics) *Backfiller {
	return &Backfiller{src: src, market: market, log: log, metrics: m}
}

// Fill fetches [lastKnown, now] and publishes candles with bucket strictly
// after lastKnown and strictly before now. The gap path passes the forming
// bucket's start as now, so the live close stays the only publisher of that
// bucket. A zero lastKnown is a cold start and publishes the whole fetched
// range.
func (b *Backfiller) Fill(ctx context.Context, inst model.Instrument, tf model.Timeframe, lastKnown, now time.Time, out chan<- model.Candle) error {
	from := lastKnown
	if from.IsZero() {
		from = now.Add(-lookbackSpan(tf))
	}

	candles, err := b.src.Candles(ctx, inst, tf, from, now)
	if err != nil {
		return fmt.Errorf("backfill %s %s: %w", inst.TradingSymbol, tf, err)
	}

	sort.Slice(candles, func(i, j int) bool {
		return candles[i].BucketStart.Before(candles[j].BucketStart)
	})

	published := 0
	for _, c := range candles {
		if !lastKnown.IsZero() && !c.BucketStart.After(lastKnown) {
			continue
		}
		if !c.BucketStart.Before(now) {
			continue
		}
		c.Market = b.market
		c.Closed = true
		c.Backfilled = true
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- c:
			published++
			b.metrics.BackfillCandles.Inc()
		}
	}
	b.log.Info("backfill complete", "symbol", inst.TradingSymbol, "timeframe", tf,
		"from", from, "to", now, "published", published)
	return nil
}

// lookbackSpan is the cold-start fetch window: enough closed candles for
// indicator bootstrap (60 buckets) with headroom for closed-market hours.
func lookbackSpan(tf model.Timeframe) time.Duration {
	span := 60 * tf.Duration()
	if span < 24*time.Hour {
		return 4 * 24 * time.Hour
	}
	return 10 * 24 * time.Hour
}
