// Package fanout broadcasts closed candles from the aggregator to the
// in-process sinks (Kafka producer feed, Redis window writer, Postgres
// batch writer). A full subscriber drops rather than blocks, so one slow
// sink never stalls the aggregation path.
package fanout

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"tradingpipe/internal/metrics"
	"tradingpipe/internal/model"
)

// FanOut broadcasts candles from one input channel to N subscriber
// channels. Subscribe before Run; subscribers added later miss earlier
// candles.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.Candle
	names   []string
	bufSize int
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates a fan-out whose subscriber channels buffer bufSize candles.
func New(bufSize int, log *slog.Logger, m *metrics.Metrics) *FanOut {
	return &FanOut{bufSize: bufSize, log: log, metrics: m}
}

// Subscribe registers a named sink and returns its channel.
func (f *FanOut) Subscribe(name string) <-chan model.Candle {
	ch := make(chan model.Candle, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.names = append(f.names, name)
	f.mu.Unlock()
	return ch
}

// Run broadcasts until ctx is cancelled or input closes, then closes every
// subscriber channel.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Candle) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case candle, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- candle:
				default:
					f.metrics.BufferDrops.Inc()
					f.log.Warn("sink channel full, dropping candle",
						"sink", f.names[i], "candle", candle.Key())
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ReportSaturation records each subscriber channel's fill percentage. The
// owning main calls it on a ticker.
func (f *FanOut) ReportSaturation() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i, ch := range f.outputs {
		if cap(ch) == 0 {
			continue
		}
		pct := float64(len(ch)) / float64(cap(ch)) * 100
		name := f.names[i]
		if name == "" {
			name = "fanout_" + strconv.Itoa(i)
		}
		f.metrics.ChannelSaturationPct.WithLabelValues(name).Set(pct)
	}
}
