// Package agg builds OHLCV candles at the supported timeframes from the
// normalized tick stream.
package agg

import (
	"context"
	"log/slog"
	"time"

	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
)

const (
	// flushInterval is how often the wall-clock flusher scans for buckets
	// that crossed their boundary without a closing tick.
	flushInterval = 1 * time.Second

	// DefaultGrace is how long past a bucket boundary the flusher waits
	// before force-closing, to absorb broker emit latency.
	DefaultGrace = 2 * time.Second
)

// bucketState is the in-progress candle for one (symbol, timeframe).
type bucketState struct {
	candle     model.Candle
	lastClosed time.Time // bucket start of the last closed candle
}

// symbolState carries per-symbol tick ordering and volume baseline shared
// across timeframes.
type symbolState struct {
	lastTS    time.Time
	cumVolume uint64
	seenTick  bool
}

// Aggregator converts ticks into closed candles for every supported
// timeframe. Single-goroutine: one Aggregator per worker, with ticks for a
// symbol always routed to the same worker.
//
// Volume semantics: the broker reports cumulative session volume; the
// candle volume is the clamped delta between consecutive accepted ticks. A
// decrease (session reset) re-baselines and contributes zero, so candle
// volume is never negative.
type Aggregator struct {
	states     map[string]*bucketState // key symbol + ":" + timeframe
	symbols    map[string]*symbolState
	timeframes []model.Timeframe
	grace      time.Duration
	market     string
	loc        *time.Location
	log        *slog.Logger
	metrics    *metrics.Metrics

	// OnGap, when set, is invoked when a bucket opens more than one
	// timeframe after the last closed bucket. Firing at open gives the
	// backfill the whole forming bucket to publish the missed range ahead
	// of the next close, keeping downstream bucket order intact.
	OnGap func(symbol string, tf model.Timeframe, lastKnown, gapEnd time.Time)

	// now is swappable for tests.
	now func() time.Time
}

// New creates an aggregator for the given timeframes.
func New(timeframes []model.Timeframe, market string, log *slog.Logger, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		states:     make(map[string]*bucketState),
		symbols:    make(map[string]*symbolState),
		timeframes: timeframes,
		grace:      DefaultGrace,
		market:     market,
		loc:        model.MarketLocation(),
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// Run consumes ticks and emits closed candles until ctx is cancelled or the
// tick channel closes. Remaining open buckets are flushed on the way out so
// a drain produces the final partial-period candles.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick, candleCh chan<- model.Candle) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flushAll(candleCh)
			return
		case tick, ok := <-tickCh:
			if !ok {
				a.flushAll(candleCh)
				return
			}
			a.ProcessTick(tick, candleCh)
		case <-ticker.C:
			a.FlushExpired(candleCh)
		}
	}
}

func stateKey(symbol string, tf model.Timeframe) string {
	return symbol + ":" + string(tf)
}

// ProcessTick folds one tick into every timeframe's bucket. Ticks older
// than the last accepted tick for the symbol are late and dropped; their
// volume never re-baselines.
func (a *Aggregator) ProcessTick(tick model.Tick, candleCh chan<- model.Candle) {
	sym := a.symbols[tick.TradingSymbol]
	if sym == nil {
		sym = &symbolState{}
		a.symbols[tick.TradingSymbol] = sym
	}

	if sym.seenTick && tick.TS.Before(sym.lastTS) {
		a.metrics.LateTicks.Inc()
		return
	}

	// Clamped cumulative delta, shared by all timeframes for this tick.
	var delta int64
	if sym.seenTick && tick.Volume >= sym.cumVolume {
		delta = int64(tick.Volume - sym.cumVolume)
	}
	sym.cumVolume = tick.Volume
	sym.lastTS = tick.TS
	sym.seenTick = true

	for _, tf := range a.timeframes {
		a.applyTick(tick, tf, delta, candleCh)
	}
}

func (a *Aggregator) applyTick(tick model.Tick, tf model.Timeframe, delta int64, candleCh chan<- model.Candle) {
	key := stateKey(tick.TradingSymbol, tf)
	bucket := tf.Floor(tick.TS, a.loc)

	st := a.states[key]
	if st == nil {
		st = &bucketState{}
		a.states[key] = st
	}

	open := !st.candle.BucketStart.IsZero()
	switch {
	case open && bucket.Equal(st.candle.BucketStart):
		c := &st.candle
		if tick.LTP > c.High {
			c.High = tick.LTP
		}
		if tick.LTP < c.Low {
			c.Low = tick.LTP
		}
		c.Close = tick.LTP
		c.Volume += delta
		return

	case open && bucket.After(st.candle.BucketStart):
		a.closeCandle(st, candleCh)

	case open:
		// Bucket older than the current one. Per-symbol TS monotonicity
		// makes this unreachable in practice; count it anyway.
		a.metrics.LateTicks.Inc()
		return

	case !st.lastClosed.IsZero() && !bucket.After(st.lastClosed):
		// Bucket already closed by the flusher.
		a.metrics.LateTicks.Inc()
		return
	}

	st.candle = model.Candle{
		TradingSymbol: tick.TradingSymbol,
		Exchange:      tick.Exchange,
		Market:        a.market,
		Timeframe:     tf,
		BucketStart:   bucket,
		Open:          tick.LTP,
		High:          tick.LTP,
		Low:           tick.LTP,
		Close:         tick.LTP,
		Volume:        0,
	}

	if a.OnGap != nil && !st.lastClosed.IsZero() && bucket.Sub(st.lastClosed) > tf.Duration() {
		a.OnGap(tick.TradingSymbol, tf, st.lastClosed, bucket)
	}
}

// FlushExpired closes any bucket whose boundary passed more than grace ago,
// publishing even when no tick arrived after the boundary (C == O is a
// legal candle).
func (a *Aggregator) FlushExpired(candleCh chan<- model.Candle) {
	now := a.now()
	for _, st := range a.states {
		if st.candle.BucketStart.IsZero() {
			continue
		}
		end := st.candle.BucketStart.Add(st.candle.Timeframe.Duration())
		if now.Sub(end) > a.grace {
			a.closeCandle(st, candleCh)
		}
	}
}

func (a *Aggregator) flushAll(candleCh chan<- model.Candle) {
	for _, st := range a.states {
		if !st.candle.BucketStart.IsZero() {
			a.closeCandle(st, candleCh)
		}
	}
}

// closeCandle finalizes and publishes the open candle. Closed candles have
// strictly increasing bucket starts per (symbol, timeframe).
func (a *Aggregator) closeCandle(st *bucketState, candleCh chan<- model.Candle) {
	c := st.candle
	c.Closed = true

	st.lastClosed = c.BucketStart
	st.candle = model.Candle{}

	if !c.Valid() {
		a.log.Error("dropping invalid candle", "key", c.Key(),
			"open", c.Open, "high", c.High, "low", c.Low, "close", c.Close, "volume", c.Volume)
		return
	}

	select {
	case candleCh <- c:
		a.metrics.CandlesTotal.WithLabelValues(string(c.Timeframe)).Inc()
	default:
		a.metrics.BufferDrops.Inc()
		a.log.Warn("candle channel full, dropping", "key", c.Key())
	}
}
