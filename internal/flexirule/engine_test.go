package flexirule

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingpipe/internal/model"
)

func testEngine(t *testing.T, cfg *StrategyConfig) *RuleEngine {
	t.Helper()
	require.NoError(t, cfg.Validate())
	eng, err := NewRuleEngine(cfg, "india", slog.Default())
	require.NoError(t, err)
	return eng
}

var bucket0 = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

// candleAt builds a closed 5min candle n buckets after bucket0 with the
// given close price in rupees.
func candleAt(n int, closeRupees float64) model.Candle {
	paise := int64(closeRupees * 100)
	return model.Candle{
		TradingSymbol: "SBIN-EQ",
		Exchange:      "NSE",
		Market:        "india",
		Timeframe:     model.TF5Min,
		BucketStart:   bucket0.Add(time.Duration(n) * 5 * time.Minute),
		Open:          paise,
		High:          paise + 50,
		Low:           paise - 50,
		Close:         paise,
		Volume:        1000,
		Closed:        true,
	}
}

func snapWith(vals map[string]float64) model.Snapshot {
	return model.Snapshot{TradingSymbol: "SBIN-EQ", Timeframe: model.TF5Min, Values: vals}
}

func entryStrategy() *StrategyConfig {
	return &StrategyConfig{
		Name:      "mean-reversion",
		Timeframe: "5min",
		Threshold: 0.75,
		EntryRules: []RuleConfig{
			{Condition: "close < bb_lower", Weight: 0.6},
			{Condition: "rsi < 30", Weight: 0.4},
		},
	}
}

func TestEntryFiresSingleBuy(t *testing.T) {
	eng := testEngine(t, entryStrategy())
	snap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})

	res := eng.Evaluate(candleAt(0, 100), snap)
	require.NotNil(t, res.Signal)
	assert.Equal(t, model.SignalBuy, res.Signal.Signal)
	assert.Equal(t, int64(10000), res.Signal.Price)
	assert.Equal(t, "mean-reversion", res.Signal.Strategy)
	require.Len(t, res.Audits, 1)
	assert.Equal(t, model.SignalBuy, res.Audits[0].Signal)

	pos, ok := eng.PositionFor("SBIN-EQ")
	require.True(t, ok)
	assert.Equal(t, StateOpen, pos.State)
	assert.Equal(t, int64(10000), pos.EntryPrice)
	assert.Equal(t, 100, pos.Quantity) // default quantity
	assert.Equal(t, 1.0, pos.Remaining)

	// Conditions still true on the next bucket, but the position is open:
	// no second BUY.
	res = eng.Evaluate(candleAt(1, 100), snap)
	assert.Nil(t, res.Signal)
}

func TestDuplicateBucketSkipped(t *testing.T) {
	eng := testEngine(t, entryStrategy())
	snap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})

	first := eng.Evaluate(candleAt(0, 100), snap)
	require.NotNil(t, first.Signal)

	// Replay of the same bucket (backfill overlap) is a no-op.
	replay := eng.Evaluate(candleAt(0, 100), snap)
	assert.Nil(t, replay.Signal)
	assert.Empty(t, replay.Audits)

	// An older bucket is also skipped.
	older := eng.Evaluate(candleAt(-1, 100), snap)
	assert.Nil(t, older.Signal)
}

func TestWeightedThresholdBiconditional(t *testing.T) {
	cases := []struct {
		name      string
		snap      map[string]float64
		wantEntry bool
	}{
		{"both satisfied", map[string]float64{"bb_lower": 110, "rsi": 25}, true},
		{"only heavy rule", map[string]float64{"bb_lower": 110, "rsi": 50}, false}, // 0.6 < 0.75
		{"only light rule", map[string]float64{"bb_lower": 90, "rsi": 25}, false},  // 0.4 < 0.75
		{"none satisfied", map[string]float64{"bb_lower": 90, "rsi": 50}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := testEngine(t, entryStrategy())
			res := eng.Evaluate(candleAt(0, 100), snapWith(tc.snap))
			if tc.wantEntry {
				require.NotNil(t, res.Signal)
				assert.Equal(t, model.SignalBuy, res.Signal.Signal)
			} else {
				assert.Nil(t, res.Signal)
			}
		})
	}
}

func TestWeightedThresholdExactBoundaryFires(t *testing.T) {
	cfg := &StrategyConfig{
		Name:      "boundary",
		Timeframe: "5min",
		Threshold: 0.75,
		EntryRules: []RuleConfig{
			{Condition: "rsi < 30", Weight: 0.5},
			{Condition: "close < bb_lower", Weight: 0.25},
			{Condition: "volume > 1000000", Weight: 0.25},
		},
	}
	eng := testEngine(t, cfg)

	// 0.5 + 0.25 = exactly threshold * total; >= fires.
	res := eng.Evaluate(candleAt(0, 100), snapWith(map[string]float64{"rsi": 25, "bb_lower": 110}))
	require.NotNil(t, res.Signal)
	assert.Equal(t, model.SignalBuy, res.Signal.Signal)
}

func TestPartialTargetExit(t *testing.T) {
	cfg := entryStrategy()
	cfg.Target = &ExitLevelConfig{
		Type: "multi",
		Rules: []ExitLevelRule{
			{ID: "t1", Type: "fixed", Value: "5%", PartialExit: "50%"},
		},
	}
	eng := testEngine(t, cfg)
	entrySnap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})
	quiet := snapWith(map[string]float64{"bb_lower": 90, "rsi": 50})

	require.NotNil(t, eng.Evaluate(candleAt(0, 100), entrySnap).Signal)

	res := eng.Evaluate(candleAt(1, 106), quiet)
	require.NotNil(t, res.Signal)
	assert.Equal(t, "PARTIAL_SELL:50:t1", res.Signal.Signal)

	pos, ok := eng.PositionFor("SBIN-EQ")
	require.True(t, ok)
	assert.Equal(t, StatePartial, pos.State)
	assert.InDelta(t, 0.5, pos.Remaining, 1e-12)
}

// Remaining fraction after a sequence of partial exits is the product of
// (1 - p_i) over the fired partials.
func TestRemainingFractionProductLaw(t *testing.T) {
	cfg := entryStrategy()
	cfg.Target = &ExitLevelConfig{
		Type: "multi",
		Rules: []ExitLevelRule{
			{ID: "t1", Type: "fixed", Value: "5%", PartialExit: "50%"},
		},
	}
	eng := testEngine(t, cfg)
	entrySnap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})
	quiet := snapWith(map[string]float64{"bb_lower": 90, "rsi": 50})

	require.NotNil(t, eng.Evaluate(candleAt(0, 100), entrySnap).Signal)

	expected := 1.0
	for n := 1; n <= 3; n++ {
		res := eng.Evaluate(candleAt(n, 110), quiet)
		require.NotNil(t, res.Signal)
		expected *= 1 - 0.50

		pos, ok := eng.PositionFor("SBIN-EQ")
		require.True(t, ok)
		assert.InDelta(t, expected, pos.Remaining, 1e-12, "after %d partial exits", n)
		assert.Equal(t, StatePartial, pos.State)
	}
}

func TestBreakevenSavesPosition(t *testing.T) {
	cfg := entryStrategy()
	cfg.StopLoss = &ExitLevelConfig{Type: "fixed", Value: "2%"}
	cfg.TradeManagement = &TradeManagement{Breakeven: &BreakevenConfig{Trigger: 2}}
	eng := testEngine(t, cfg)
	entrySnap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})
	quiet := snapWith(map[string]float64{"bb_lower": 90, "rsi": 50})

	require.NotNil(t, eng.Evaluate(candleAt(0, 100), entrySnap).Signal)

	// Close at 102.50 >= 100 * 1.02: breakeven arms. Audit only, no signal.
	res := eng.Evaluate(candleAt(1, 102.50), quiet)
	assert.Nil(t, res.Signal)
	require.Len(t, res.Audits, 1)
	assert.Contains(t, res.Audits[0].Reason, "breakeven armed")

	pos, _ := eng.PositionFor("SBIN-EQ")
	assert.True(t, pos.BreakevenArmed)

	// The raw 2% stop sits at 98, but the armed floor raises it to entry:
	// a close at 98.50 exits at the floored stop.
	res = eng.Evaluate(candleAt(2, 98.50), quiet)
	require.NotNil(t, res.Signal)
	assert.Equal(t, model.SignalSell, res.Signal.Signal)
	assert.Contains(t, res.Signal.Reason, "breakeven floor applied")

	_, held := eng.PositionFor("SBIN-EQ")
	assert.False(t, held)
}

func TestFixedStopWithoutBreakeven(t *testing.T) {
	cfg := entryStrategy()
	cfg.StopLoss = &ExitLevelConfig{Type: "fixed", Value: "2%"}
	eng := testEngine(t, cfg)
	entrySnap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})
	quiet := snapWith(map[string]float64{"bb_lower": 90, "rsi": 50})

	require.NotNil(t, eng.Evaluate(candleAt(0, 100), entrySnap).Signal)

	// 98.50 is above the 98 stop: no exit.
	assert.Nil(t, eng.Evaluate(candleAt(1, 98.50), quiet).Signal)

	// 97.90 breaches it.
	res := eng.Evaluate(candleAt(2, 97.90), quiet)
	require.NotNil(t, res.Signal)
	assert.Equal(t, model.SignalSell, res.Signal.Signal)
	assert.True(t, strings.HasPrefix(res.Signal.Reason, "fixed stop-loss hit"))
}

func TestTrailingStopTracksHighestClose(t *testing.T) {
	cfg := entryStrategy()
	cfg.StopLoss = &ExitLevelConfig{Type: "trailing", Value: "5%"}
	eng := testEngine(t, cfg)
	entrySnap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})
	quiet := snapWith(map[string]float64{"bb_lower": 90, "rsi": 50})

	require.NotNil(t, eng.Evaluate(candleAt(0, 100), entrySnap).Signal)

	// Rally to 110: trailing stop rises to 104.50.
	assert.Nil(t, eng.Evaluate(candleAt(1, 110), quiet).Signal)

	// 105 stays above the stop; 104 breaches it.
	assert.Nil(t, eng.Evaluate(candleAt(2, 105), quiet).Signal)
	res := eng.Evaluate(candleAt(3, 104), quiet)
	require.NotNil(t, res.Signal)
	assert.Equal(t, model.SignalSell, res.Signal.Signal)
}

func TestMultiStopFirstMatchWins(t *testing.T) {
	cfg := entryStrategy()
	cfg.StopLoss = &ExitLevelConfig{
		Type: "multi",
		Rules: []ExitLevelRule{
			{ID: "tight", Type: "fixed", Value: "1%"},
			{ID: "wide", Type: "fixed", Value: "5%"},
		},
	}
	eng := testEngine(t, cfg)
	entrySnap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})
	quiet := snapWith(map[string]float64{"bb_lower": 90, "rsi": 50})

	require.NotNil(t, eng.Evaluate(candleAt(0, 100), entrySnap).Signal)

	// Both sub-rules would trigger at 94; the first declared wins.
	res := eng.Evaluate(candleAt(1, 94), quiet)
	require.NotNil(t, res.Signal)
	assert.Equal(t, "SELL:tight", res.Signal.Signal)
}

func TestExitRulesCloseThePosition(t *testing.T) {
	cfg := entryStrategy()
	cfg.ExitRules = []RuleConfig{
		{Condition: "rsi > 70", Weight: 1.0},
	}
	eng := testEngine(t, cfg)
	entrySnap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})

	require.NotNil(t, eng.Evaluate(candleAt(0, 100), entrySnap).Signal)

	res := eng.Evaluate(candleAt(1, 105), snapWith(map[string]float64{"bb_lower": 90, "rsi": 75}))
	require.NotNil(t, res.Signal)
	assert.Equal(t, model.SignalSell, res.Signal.Signal)
	assert.Equal(t, "exit rules fired", res.Signal.Reason)

	_, held := eng.PositionFor("SBIN-EQ")
	assert.False(t, held)
}

// Stop-loss outranks weighted exit rules within one candle.
func TestStopLossBeatsExitRules(t *testing.T) {
	cfg := entryStrategy()
	cfg.StopLoss = &ExitLevelConfig{Type: "fixed", Value: "2%"}
	cfg.ExitRules = []RuleConfig{{Condition: "rsi > 0", Weight: 1.0}}
	eng := testEngine(t, cfg)
	entrySnap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})

	require.NotNil(t, eng.Evaluate(candleAt(0, 100), entrySnap).Signal)

	// At 97 both the 2% stop and the always-true exit rule hold; the stop
	// provides the reason.
	res := eng.Evaluate(candleAt(1, 97), snapWith(map[string]float64{"rsi": 10}))
	require.NotNil(t, res.Signal)
	assert.Contains(t, res.Signal.Reason, "stop-loss hit")
}

// Target outranks weighted exit rules within one candle.
func TestTargetBeatsExitRules(t *testing.T) {
	cfg := entryStrategy()
	cfg.Target = &ExitLevelConfig{Type: "fixed", Value: "3%"}
	cfg.ExitRules = []RuleConfig{{Condition: "rsi > 0", Weight: 1.0}}
	eng := testEngine(t, cfg)
	entrySnap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})

	require.NotNil(t, eng.Evaluate(candleAt(0, 100), entrySnap).Signal)

	res := eng.Evaluate(candleAt(1, 104), snapWith(map[string]float64{"rsi": 10}))
	require.NotNil(t, res.Signal)
	assert.Equal(t, model.SignalSell, res.Signal.Signal)
	assert.Contains(t, res.Signal.Reason, "target hit")
}

func TestQuarantineOnInvariantViolation(t *testing.T) {
	eng := testEngine(t, entryStrategy())
	entrySnap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})

	require.NotNil(t, eng.Evaluate(candleAt(0, 100), entrySnap).Signal)

	// Corrupt the position the way a state-store bug would.
	eng.positions["SBIN-EQ"].Remaining = 0

	res := eng.Evaluate(candleAt(1, 100), entrySnap)
	assert.Nil(t, res.Signal)
	assert.True(t, eng.Quarantined("SBIN-EQ"))

	// The symbol stays dark afterwards; other symbols are unaffected.
	res = eng.Evaluate(candleAt(2, 100), entrySnap)
	assert.Nil(t, res.Signal)

	other := candleAt(3, 100)
	other.TradingSymbol = "INFY-EQ"
	otherSnap := entrySnap
	otherSnap.TradingSymbol = "INFY-EQ"
	res = eng.Evaluate(other, otherSnap)
	require.NotNil(t, res.Signal)
	assert.Equal(t, model.SignalBuy, res.Signal.Signal)
}

func TestWrongTimeframeIgnored(t *testing.T) {
	eng := testEngine(t, entryStrategy())
	snap := snapWith(map[string]float64{"bb_lower": 110, "rsi": 25})

	c := candleAt(0, 100)
	c.Timeframe = model.TF1Min
	assert.Nil(t, eng.Evaluate(c, snap).Signal)

	forming := candleAt(0, 100)
	forming.Closed = false
	assert.Nil(t, eng.Evaluate(forming, snap).Signal)
}

func TestMissingSnapshotHoldsQuietly(t *testing.T) {
	eng := testEngine(t, entryStrategy())

	// Empty snapshot: bb_lower and rsi undefined, both terms false.
	res := eng.Evaluate(candleAt(0, 100), model.Snapshot{Partial: true})
	assert.Nil(t, res.Signal)
	assert.Empty(t, res.Audits)
}
