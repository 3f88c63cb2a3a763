package agg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
)

type fakeHistory struct {
	candles []model.Candle
	err     error

	gotFrom, gotTo time.Time
}

func (f *fakeHistory) Candles(ctx context.Context, inst model.Instrument, tf model.Timeframe, from, to time.Time) ([]model.Candle, error) {
	f.gotFrom, f.gotTo = from, to
	return f.candles, f.err
}

func histCandle(bucket time.Time, close int64) model.Candle {
	return model.Candle{
		TradingSymbol: "SBIN-EQ",
		Exchange:      "NSE",
		Timeframe:     model.TF5Min,
		BucketStart:   bucket,
		Open:          close - 10,
		High:          close + 20,
		Low:           close - 20,
		Close:         close,
		Volume:        500,
	}
}

var sbin = model.Instrument{SymbolToken: "3045", TradingSymbol: "SBIN-EQ", Exchange: "NSE"}

func TestFillSkipsAlreadyKnownBuckets(t *testing.T) {
	base := sessionTime(9, 15, 0)
	// History returns an overlapping range, deliberately out of order.
	hist := &fakeHistory{candles: []model.Candle{
		histCandle(base.Add(10*time.Minute), 10200),
		histCandle(base, 10000),
		histCandle(base.Add(5*time.Minute), 10100),
	}}
	bf := NewBackfiller(hist, "india", testLogger(), metrics.New(prometheus.NewRegistry()))

	out := make(chan model.Candle, 8)
	lastKnown := base.Add(5 * time.Minute)
	if err := bf.Fill(context.Background(), sbin, model.TF5Min, lastKnown, base.Add(15*time.Minute), out); err != nil {
		t.Fatal(err)
	}
	close(out)

	var got []model.Candle
	for c := range out {
		got = append(got, c)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candle after lastKnown, got %d", len(got))
	}
	c := got[0]
	if !c.BucketStart.Equal(base.Add(10 * time.Minute)) {
		t.Errorf("bucket = %v", c.BucketStart)
	}
	if !c.Closed || !c.Backfilled {
		t.Errorf("closed/backfilled = %v/%v", c.Closed, c.Backfilled)
	}
	if c.Market != "india" {
		t.Errorf("market = %q", c.Market)
	}
}

func TestFillExcludesFormingBucket(t *testing.T) {
	base := sessionTime(9, 15, 0)
	hist := &fakeHistory{candles: []model.Candle{
		histCandle(base.Add(5*time.Minute), 10100),
		histCandle(base.Add(10*time.Minute), 10200),
	}}
	bf := NewBackfiller(hist, "india", testLogger(), metrics.New(prometheus.NewRegistry()))

	// Gap repair with the 09:25 bucket still forming live: the broker may
	// return a provisional row for it, but only the live close may publish
	// that bucket.
	out := make(chan model.Candle, 8)
	if err := bf.Fill(context.Background(), sbin, model.TF5Min, base, base.Add(10*time.Minute), out); err != nil {
		t.Fatal(err)
	}
	close(out)

	var got []model.Candle
	for c := range out {
		got = append(got, c)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the fully closed gap bucket, got %d", len(got))
	}
	if !got[0].BucketStart.Equal(base.Add(5 * time.Minute)) {
		t.Errorf("bucket = %v", got[0].BucketStart)
	}
}

func TestFillPublishesAscending(t *testing.T) {
	base := sessionTime(9, 15, 0)
	hist := &fakeHistory{candles: []model.Candle{
		histCandle(base.Add(10*time.Minute), 10200),
		histCandle(base, 10000),
		histCandle(base.Add(5*time.Minute), 10100),
	}}
	bf := NewBackfiller(hist, "india", testLogger(), metrics.New(prometheus.NewRegistry()))

	out := make(chan model.Candle, 8)
	if err := bf.Fill(context.Background(), sbin, model.TF5Min, time.Time{}, base.Add(15*time.Minute), out); err != nil {
		t.Fatal(err)
	}
	close(out)

	var prev time.Time
	n := 0
	for c := range out {
		if !prev.IsZero() && !c.BucketStart.After(prev) {
			t.Errorf("buckets out of order: %v after %v", c.BucketStart, prev)
		}
		prev = c.BucketStart
		n++
	}
	if n != 3 {
		t.Errorf("cold start must publish the whole range, got %d", n)
	}
}

func TestFillColdStartLookback(t *testing.T) {
	now := sessionTime(15, 30, 0)
	hist := &fakeHistory{}
	bf := NewBackfiller(hist, "india", testLogger(), metrics.New(prometheus.NewRegistry()))

	out := make(chan model.Candle, 1)
	if err := bf.Fill(context.Background(), sbin, model.TF5Min, time.Time{}, now, out); err != nil {
		t.Fatal(err)
	}
	// Intraday timeframes fetch four calendar days back.
	if want := now.Add(-4 * 24 * time.Hour); !hist.gotFrom.Equal(want) {
		t.Errorf("from = %v, want %v", hist.gotFrom, want)
	}

	if err := bf.Fill(context.Background(), sbin, model.TF1Hr, time.Time{}, now, out); err != nil {
		t.Fatal(err)
	}
	// 60 hourly buckets exceed a day; the span widens to ten days.
	if want := now.Add(-10 * 24 * time.Hour); !hist.gotFrom.Equal(want) {
		t.Errorf("from = %v, want %v", hist.gotFrom, want)
	}
}

func TestFillPropagatesSourceError(t *testing.T) {
	hist := &fakeHistory{err: errors.New("rate limited")}
	bf := NewBackfiller(hist, "india", testLogger(), metrics.New(prometheus.NewRegistry()))

	out := make(chan model.Candle, 1)
	err := bf.Fill(context.Background(), sbin, model.TF5Min, time.Time{}, sessionTime(15, 30, 0), out)
	if err == nil {
		t.Fatal("expected error from history source")
	}
}
