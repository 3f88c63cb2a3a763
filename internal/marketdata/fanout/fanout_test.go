package fanout

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
)

func newTestFanOut(bufSize int) *FanOut {
	m := metrics.New(prometheus.NewRegistry())
	return New(bufSize, slog.Default(), m)
}

func TestFanOutBroadcastsToAll(t *testing.T) {
	fo := newTestFanOut(10)
	out1 := fo.Subscribe("kafka")
	out2 := fo.Subscribe("postgres")

	input := make(chan model.Candle, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- model.Candle{
		TradingSymbol: "SBIN-EQ",
		Exchange:      "NSE",
		Timeframe:     model.TF1Min,
		Open:          10000,
		High:          11000,
		Low:           9000,
		Close:         10500,
	}

	for _, out := range []<-chan model.Candle{out1, out2} {
		select {
		case c := <-out:
			if c.TradingSymbol != "SBIN-EQ" {
				t.Errorf("expected SBIN-EQ, got %s", c.TradingSymbol)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for candle")
		}
	}
}

func TestFanOutDropsWhenSubscriberFull(t *testing.T) {
	fo := newTestFanOut(1)
	slow := fo.Subscribe("slow")
	fast := fo.Subscribe("fast")

	input := make(chan model.Candle, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	// First candle fills the slow subscriber's 1-slot buffer; the second is
	// dropped for it but still delivered to the fast one.
	input <- model.Candle{TradingSymbol: "A", Timeframe: model.TF1Min}
	input <- model.Candle{TradingSymbol: "B", Timeframe: model.TF1Min}

	got := 0
	for got < 2 {
		select {
		case <-fast:
			got++
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber received %d of 2 candles", got)
		}
	}

	select {
	case c := <-slow:
		if c.TradingSymbol != "A" {
			t.Errorf("slow subscriber should hold the first candle, got %s", c.TradingSymbol)
		}
	case <-time.After(time.Second):
		t.Fatal("slow subscriber lost its buffered candle")
	}
}
