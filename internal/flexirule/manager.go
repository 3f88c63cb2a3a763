package flexirule

import (
	"context"
	"log/slog"

	"tradingpipe/internal/model"
)

// SnapshotSource reads the latest indicator snapshot for a (symbol,
// timeframe) pair, typically from the Redis cache.
type SnapshotSource interface {
	Snapshot(ctx context.Context, symbol string, tf model.Timeframe) (model.Snapshot, error)
}

// SignalSink publishes signals and audit records, typically to Kafka.
type SignalSink interface {
	PublishSignal(ctx context.Context, sig model.Signal) error
	PublishAudit(ctx context.Context, rec model.AuditRecord) error
}

type managedStrategy struct {
	engine  *RuleEngine
	symbols map[string]bool // empty = all symbols
}

// Manager drives a set of rule engines off the closed-candle stream. It is
// single-goroutine: a worker pool shards candles by symbol and gives each
// worker its own Manager, so every (symbol, strategy) pair is owned by
// exactly one worker.
type Manager struct {
	log        *slog.Logger
	src        SnapshotSource
	sink       SignalSink
	strategies []*managedStrategy
}

// NewManager creates an empty manager.
func NewManager(log *slog.Logger, src SnapshotSource, sink SignalSink) *Manager {
	return &Manager{log: log, src: src, sink: sink}
}

// Add registers a compiled engine. symbols limits evaluation to the
// strategy's watchlist; nil or empty means every symbol on the stream.
func (m *Manager) Add(e *RuleEngine, symbols []string) {
	ms := &managedStrategy{engine: e, symbols: make(map[string]bool, len(symbols))}
	for _, s := range symbols {
		ms.symbols[s] = true
	}
	m.strategies = append(m.strategies, ms)
}

// OnCandle evaluates every strategy on the candle's timeframe whose
// watchlist contains the symbol. Snapshot read failures degrade to an empty
// snapshot: conditions on undefined identifiers evaluate false, so the
// symbol is simply quiet for that bucket.
func (m *Manager) OnCandle(ctx context.Context, c model.Candle) {
	for _, ms := range m.strategies {
		if ms.engine.Timeframe() != c.Timeframe {
			continue
		}
		if len(ms.symbols) > 0 && !ms.symbols[c.TradingSymbol] {
			continue
		}

		snap, err := m.src.Snapshot(ctx, c.TradingSymbol, c.Timeframe)
		if err != nil {
			m.log.Warn("snapshot read failed, evaluating without indicators",
				"strategy", ms.engine.Name(), "symbol", c.TradingSymbol, "error", err)
			snap = model.Snapshot{TradingSymbol: c.TradingSymbol, Timeframe: c.Timeframe, Partial: true}
		}

		res := ms.engine.Evaluate(c, snap)
		for _, rec := range res.Audits {
			if err := m.sink.PublishAudit(ctx, rec); err != nil {
				m.log.Error("audit publish failed",
					"strategy", ms.engine.Name(), "symbol", c.TradingSymbol, "error", err)
			}
		}
		if res.Signal != nil {
			if err := m.sink.PublishSignal(ctx, *res.Signal); err != nil {
				m.log.Error("signal publish failed",
					"strategy", ms.engine.Name(), "symbol", c.TradingSymbol, "error", err)
			}
		}
	}
}
