package indicator

import (
	"fmt"
	"time"

	"tradingpipe/internal/model"
)

// Engine maintains indicator accumulators per (symbol, timeframe) and turns
// closed candles into snapshots. Designed for single-goroutine usage within
// a worker: all state for a symbol lives on the worker that owns it, so no
// locks are needed.
type Engine struct {
	configs []Config
	state   map[string]*pairState
}

type pairState struct {
	indicators []Indicator
	lastBucket time.Time
}

// NewEngine creates an engine, validating every config eagerly so a
// malformed indicator is an error at startup rather than mid-stream.
func NewEngine(cfgs []Config) (*Engine, error) {
	for _, cfg := range cfgs {
		if _, err := New(cfg); err != nil {
			return nil, fmt.Errorf("indicator engine: %w", err)
		}
	}
	return &Engine{
		configs: cfgs,
		state:   make(map[string]*pairState, 64),
	}, nil
}

func pairKey(symbol string, tf model.Timeframe) string {
	return symbol + ":" + string(tf)
}

func (e *Engine) pair(symbol string, tf model.Timeframe) *pairState {
	key := pairKey(symbol, tf)
	ps, ok := e.state[key]
	if !ok {
		inds := make([]Indicator, len(e.configs))
		for i, cfg := range e.configs {
			ind, _ := New(cfg) // validated in NewEngine
			inds[i] = ind
		}
		ps = &pairState{indicators: inds}
		e.state[key] = ps
	}
	return ps
}

// Bootstrap feeds historical closed candles in ascending bucket order into a
// fresh accumulator for (symbol, tf) and returns the resulting snapshot.
// Bootstrapping from N candles is equivalent to stepping through the same N
// candles from empty.
func (e *Engine) Bootstrap(symbol string, tf model.Timeframe, candles []model.Candle) model.Snapshot {
	key := pairKey(symbol, tf)
	delete(e.state, key)
	ps := e.pair(symbol, tf)

	var snap model.Snapshot
	for _, c := range candles {
		snap = ps.step(c)
	}
	if snap.Values == nil {
		snap = model.Snapshot{
			TradingSymbol: symbol,
			Timeframe:     tf,
			Values:        map[string]float64{},
			Partial:       true,
		}
	}
	return snap
}

// Step processes one closed candle and returns the updated snapshot.
// Returns ok=false when the candle is skipped: not closed, or a duplicate /
// out-of-order bucket (backfill replays are idempotent on bucket key).
func (e *Engine) Step(c model.Candle) (model.Snapshot, bool) {
	if !c.Closed {
		return model.Snapshot{}, false
	}
	ps := e.pair(c.TradingSymbol, c.Timeframe)
	if !ps.lastBucket.IsZero() && !c.BucketStart.After(ps.lastBucket) {
		return model.Snapshot{}, false
	}
	return ps.step(c), true
}

func (ps *pairState) step(c model.Candle) model.Snapshot {
	ps.lastBucket = c.BucketStart

	values := make(map[string]float64, len(ps.indicators)*2)
	partial := false
	for _, ind := range ps.indicators {
		ind.Update(c)
		if ind.Ready() {
			ind.Outputs(values)
		} else {
			partial = true
		}
	}

	return model.Snapshot{
		TradingSymbol: c.TradingSymbol,
		Timeframe:     c.Timeframe,
		BucketStart:   c.BucketStart,
		Values:        values,
		Partial:       partial,
	}
}
