package agg

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgg(tfs ...model.Timeframe) (*Aggregator, *metrics.Metrics) {
	if len(tfs) == 0 {
		tfs = []model.Timeframe{model.TF1Min}
	}
	m := metrics.New(prometheus.NewRegistry())
	return New(tfs, "india", testLogger(), m), m
}

// sessionTime returns a market-local time during the 2026-03-02 session.
func sessionTime(h, min, sec int) time.Time {
	return time.Date(2026, 3, 2, h, min, sec, 0, model.MarketLocation())
}

func tickAt(ts time.Time, ltp int64, cumVolume uint64) model.Tick {
	return model.Tick{
		TradingSymbol: "SBIN-EQ",
		SymbolToken:   "3045",
		Exchange:      "NSE",
		LTP:           ltp,
		Volume:        cumVolume,
		TS:            ts,
		Mode:          model.ModeQuote,
	}
}

func TestSameBucketMergeAndVolumeDelta(t *testing.T) {
	a, _ := newTestAgg()
	out := make(chan model.Candle, 16)

	// Three ticks inside the 09:15 bucket: cumulative volume 100 -> 150 ->
	// 140 (session reset re-baselines to zero contribution).
	a.ProcessTick(tickAt(sessionTime(9, 15, 5), 10000, 100), out)
	a.ProcessTick(tickAt(sessionTime(9, 15, 20), 11000, 150), out)
	a.ProcessTick(tickAt(sessionTime(9, 15, 40), 9500, 140), out)

	// First tick of the next bucket closes 09:15.
	a.ProcessTick(tickAt(sessionTime(9, 16, 5), 9800, 200), out)

	select {
	case c := <-out:
		if !c.Closed {
			t.Error("expected closed candle")
		}
		if c.Open != 10000 || c.High != 11000 || c.Low != 9500 || c.Close != 9500 {
			t.Errorf("ohlc = %d/%d/%d/%d", c.Open, c.High, c.Low, c.Close)
		}
		// 0 (baseline) + 50 + 0 (reset clamps to zero).
		if c.Volume != 50 {
			t.Errorf("volume = %d, want 50", c.Volume)
		}
		if !c.BucketStart.Equal(sessionTime(9, 15, 0)) {
			t.Errorf("bucket = %v", c.BucketStart)
		}
		if c.Market != "india" || c.Exchange != "NSE" {
			t.Errorf("market/exchange = %s/%s", c.Market, c.Exchange)
		}
	default:
		t.Fatal("no candle emitted")
	}

	// The new bucket opened from the boundary tick with zero volume.
	st := a.states[stateKey("SBIN-EQ", model.TF1Min)]
	if st.candle.Volume != 0 {
		t.Errorf("new bucket volume = %d, want 0", st.candle.Volume)
	}
	if st.candle.Open != 9800 {
		t.Errorf("new bucket open = %d, want 9800", st.candle.Open)
	}
}

func TestLateTickDropped(t *testing.T) {
	a, m := newTestAgg()
	out := make(chan model.Candle, 16)

	a.ProcessTick(tickAt(sessionTime(9, 15, 30), 10000, 100), out)
	a.ProcessTick(tickAt(sessionTime(9, 15, 28), 5000, 90), out)

	if got := testutil.ToFloat64(m.LateTicks); got != 1 {
		t.Errorf("late ticks = %v, want 1", got)
	}
	st := a.states[stateKey("SBIN-EQ", model.TF1Min)]
	if st.candle.Low != 10000 {
		t.Errorf("late tick mutated the bucket: low = %d", st.candle.Low)
	}
}

func TestFlushExpiredClosesQuietBucket(t *testing.T) {
	a, _ := newTestAgg()
	out := make(chan model.Candle, 16)

	a.ProcessTick(tickAt(sessionTime(9, 15, 59), 10000, 100), out)

	// Just inside the grace window: nothing closes.
	a.now = func() time.Time { return sessionTime(9, 16, 1) }
	a.FlushExpired(out)
	if len(out) != 0 {
		t.Fatal("flushed before grace elapsed")
	}

	a.now = func() time.Time { return sessionTime(9, 16, 3) }
	a.FlushExpired(out)

	select {
	case c := <-out:
		if !c.Closed {
			t.Error("expected closed candle")
		}
		// Single tick: C == O is a legal candle.
		if c.Open != c.Close || c.Open != 10000 {
			t.Errorf("o/c = %d/%d", c.Open, c.Close)
		}
	default:
		t.Fatal("expected flush to close the quiet bucket")
	}
}

func TestMultipleTimeframesShareVolumeDelta(t *testing.T) {
	a, _ := newTestAgg(model.TF1Min, model.TF5Min)
	out := make(chan model.Candle, 16)

	a.ProcessTick(tickAt(sessionTime(9, 15, 5), 10000, 100), out)
	a.ProcessTick(tickAt(sessionTime(9, 15, 30), 10100, 160), out)

	for _, tf := range []model.Timeframe{model.TF1Min, model.TF5Min} {
		st := a.states[stateKey("SBIN-EQ", tf)]
		if st == nil {
			t.Fatalf("no bucket for %s", tf)
		}
		if st.candle.Volume != 60 {
			t.Errorf("%s volume = %d, want 60", tf, st.candle.Volume)
		}
	}
}

func TestOnGapFiresWhenPostGapBucketOpens(t *testing.T) {
	a, _ := newTestAgg()
	out := make(chan model.Candle, 16)

	type gap struct {
		symbol   string
		tf       model.Timeframe
		from, to time.Time
	}
	var gaps []gap
	a.OnGap = func(symbol string, tf model.Timeframe, lastKnown, gapEnd time.Time) {
		gaps = append(gaps, gap{symbol, tf, lastKnown, gapEnd})
	}

	a.ProcessTick(tickAt(sessionTime(9, 15, 5), 10000, 100), out)
	if len(gaps) != 0 {
		t.Fatal("first bucket has no predecessor, no gap expected")
	}

	// Feed drops for two minutes; the next tick closes 09:15 and opens
	// 09:18. The gap must be reported here, while the 09:18 bucket is
	// still forming, so the repair can reach the bus before its close.
	a.ProcessTick(tickAt(sessionTime(9, 18, 5), 10100, 200), out)
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap at bucket open, got %d", len(gaps))
	}
	g := gaps[0]
	if g.symbol != "SBIN-EQ" || g.tf != model.TF1Min {
		t.Errorf("gap identity %s/%s", g.symbol, g.tf)
	}
	if !g.from.Equal(sessionTime(9, 15, 0)) || !g.to.Equal(sessionTime(9, 18, 0)) {
		t.Errorf("gap range %v -> %v", g.from, g.to)
	}

	// An adjacent bucket is not a gap.
	a.ProcessTick(tickAt(sessionTime(9, 19, 5), 10200, 300), out)
	if len(gaps) != 1 {
		t.Fatal("adjacent bucket reported as a gap")
	}
}

func TestGapRepairKeepsBucketOrder(t *testing.T) {
	a, _ := newTestAgg()
	out := make(chan model.Candle, 16)

	// The hook stands in for the backfill runner, publishing the missed
	// buckets while the post-gap bucket is still forming.
	a.OnGap = func(symbol string, tf model.Timeframe, lastKnown, gapEnd time.Time) {
		for b := lastKnown.Add(tf.Duration()); b.Before(gapEnd); b = b.Add(tf.Duration()) {
			out <- model.Candle{
				TradingSymbol: symbol,
				Timeframe:     tf,
				BucketStart:   b,
				Open:          10000,
				High:          10000,
				Low:           10000,
				Close:         10000,
				Closed:        true,
				Backfilled:    true,
			}
		}
	}

	a.ProcessTick(tickAt(sessionTime(9, 15, 5), 10000, 100), out)
	a.ProcessTick(tickAt(sessionTime(9, 18, 5), 10100, 200), out) // closes 09:15, opens 09:18
	a.ProcessTick(tickAt(sessionTime(9, 19, 5), 10200, 300), out) // closes 09:18
	close(out)

	var prev time.Time
	n := 0
	for c := range out {
		if !prev.IsZero() && !c.BucketStart.After(prev) {
			t.Errorf("bucket %v emitted after %v", c.BucketStart, prev)
		}
		prev = c.BucketStart
		n++
	}
	if n != 4 {
		t.Fatalf("expected 4 candles for 09:15..09:18, got %d", n)
	}
}

func TestRunDrainsOpenBucketsOnChannelClose(t *testing.T) {
	a, _ := newTestAgg()
	tickCh := make(chan model.Tick, 4)
	out := make(chan model.Candle, 16)

	tickCh <- tickAt(sessionTime(9, 15, 5), 10000, 100)
	close(tickCh)

	done := make(chan struct{})
	go func() {
		a.Run(context.Background(), tickCh, out)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after tick channel close")
	}

	select {
	case c := <-out:
		if !c.Closed {
			t.Error("drained candle must be closed")
		}
	default:
		t.Fatal("expected the open bucket to flush on drain")
	}
}
