package indicator

import (
	"math"
	"testing"

	"tradingpipe/internal/model"
)

var engineConfigs = []Config{
	{Name: "rsi", Type: "rsi", Period: 3},
	{Name: "sma", Type: "sma", Period: 4},
	{Name: "bb", Type: "bollinger_bands", Period: 4, Std: 2.0},
}

func TestBootstrapStepEquivalence(t *testing.T) {
	closes := []float64{100, 101, 99, 102, 104, 103, 105, 101, 106}
	candles := make([]model.Candle, len(closes))
	for i, c := range closes {
		candles[i] = closeCandle(i, c)
	}

	boot, err := NewEngine(engineConfigs)
	if err != nil {
		t.Fatal(err)
	}
	bootSnap := boot.Bootstrap("SBIN-EQ", model.TF5Min, candles)

	stepped, err := NewEngine(engineConfigs)
	if err != nil {
		t.Fatal(err)
	}
	var stepSnap model.Snapshot
	for _, c := range candles {
		s, ok := stepped.Step(c)
		if !ok {
			t.Fatalf("step rejected candle %v", c.BucketStart)
		}
		stepSnap = s
	}

	if len(bootSnap.Values) != len(stepSnap.Values) {
		t.Fatalf("value sets differ: %v vs %v", bootSnap.Values, stepSnap.Values)
	}
	for name, bv := range bootSnap.Values {
		sv, ok := stepSnap.Values[name]
		if !ok {
			t.Errorf("%s missing from stepped snapshot", name)
			continue
		}
		if math.Abs(bv-sv) > 1e-9 {
			t.Errorf("%s: bootstrap %v vs stepped %v", name, bv, sv)
		}
	}
	if bootSnap.Partial != stepSnap.Partial {
		t.Errorf("partial flags differ: %v vs %v", bootSnap.Partial, stepSnap.Partial)
	}
}

func TestStepSkipsDuplicateAndStaleBuckets(t *testing.T) {
	e, err := NewEngine(engineConfigs)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Step(closeCandle(0, 100)); !ok {
		t.Fatal("first candle rejected")
	}
	if _, ok := e.Step(closeCandle(1, 101)); !ok {
		t.Fatal("second candle rejected")
	}

	// Backfill replay of an already-seen bucket.
	if _, ok := e.Step(closeCandle(1, 101)); ok {
		t.Error("duplicate bucket must be skipped")
	}
	if _, ok := e.Step(closeCandle(0, 100)); ok {
		t.Error("stale bucket must be skipped")
	}
}

func TestStepSkipsFormingCandles(t *testing.T) {
	e, err := NewEngine(engineConfigs)
	if err != nil {
		t.Fatal(err)
	}
	c := closeCandle(0, 100)
	c.Closed = false
	if _, ok := e.Step(c); ok {
		t.Error("forming candle must be skipped")
	}
}

func TestStepPartialUntilWarm(t *testing.T) {
	e, err := NewEngine(engineConfigs)
	if err != nil {
		t.Fatal(err)
	}

	snap, _ := e.Step(closeCandle(0, 100))
	if !snap.Partial {
		t.Error("snapshot should be partial before any indicator is ready")
	}
	if _, ok := snap.Values["bb_mid"]; ok {
		t.Error("unready indicator must not be zero-filled")
	}

	// rsi(3) needs 4, sma(4) and bb(4) need 4: warm after the 4th candle.
	for i := 1; i < 4; i++ {
		snap, _ = e.Step(closeCandle(i, 100+float64(i)))
	}
	if snap.Partial {
		t.Errorf("snapshot still partial after warmup: %v", snap.Values)
	}
	for _, name := range []string{"rsi", "sma", "bb_upper", "bb_mid", "bb_lower"} {
		if _, ok := snap.Values[name]; !ok {
			t.Errorf("%s missing from warm snapshot", name)
		}
	}
}

func TestPairsAreIndependent(t *testing.T) {
	e, err := NewEngine(engineConfigs)
	if err != nil {
		t.Fatal(err)
	}

	a := closeCandle(0, 100)
	b := closeCandle(0, 200)
	b.TradingSymbol = "INFY-EQ"

	snapA, _ := e.Step(a)
	snapB, _ := e.Step(b)
	if snapA.TradingSymbol == snapB.TradingSymbol {
		t.Fatal("snapshots must carry their own symbol")
	}

	// Same symbol, different timeframe is its own accumulator: the 09:15
	// bucket was consumed on 5min but not on 15min.
	c := closeCandle(0, 100)
	c.Timeframe = model.TF15Min
	if _, ok := e.Step(c); !ok {
		t.Error("different timeframe must not share bucket ordering state")
	}
}
