package indicator

import (
	"math"
	"testing"
	"time"

	"tradingpipe/internal/model"
)

func closeCandle(n int, closeRupees float64) model.Candle {
	paise := int64(math.Round(closeRupees * 100))
	return model.Candle{
		TradingSymbol: "SBIN-EQ",
		Timeframe:     model.TF5Min,
		BucketStart:   time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC).Add(time.Duration(n) * 5 * time.Minute),
		Open:          paise,
		High:          paise,
		Low:           paise,
		Close:         paise,
		Volume:        1000,
		Closed:        true,
	}
}

func feedCloses(ind Indicator, closes []float64) {
	for i, c := range closes {
		ind.Update(closeCandle(i, c))
	}
}

func TestRSIWilderSmoothing(t *testing.T) {
	r := NewRSI("rsi", 3)
	feedCloses(r, []float64{100, 101, 102, 101})
	if !r.Ready() {
		t.Fatal("rsi should be ready after period+1 closes")
	}
	// Initial averages: gains (1+1)/3, losses 1/3, RS=2.
	out := map[string]float64{}
	r.Outputs(out)
	if got, want := out["rsi"], 100.0-100.0/3.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("rsi = %v, want %v", got, want)
	}

	// One more gain of 2: avgGain=(2/3*2+2)/3, avgLoss=(1/3*2)/3, RS=5.
	r.Update(closeCandle(4, 103))
	r.Outputs(out)
	if got, want := out["rsi"], 100.0-100.0/6.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("rsi = %v, want %v", got, want)
	}
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	r := NewRSI("rsi", 3)
	feedCloses(r, []float64{100, 101, 102, 103, 104})
	out := map[string]float64{}
	r.Outputs(out)
	if out["rsi"] != 100.0 {
		t.Errorf("rsi = %v, want 100 with no losses", out["rsi"])
	}
}

func TestSMAWindowExact(t *testing.T) {
	s := NewSMA("sma", 3)
	feedCloses(s, []float64{1, 2})
	if s.Ready() {
		t.Fatal("sma ready before window filled")
	}
	s.Update(closeCandle(2, 3))
	out := map[string]float64{}
	s.Outputs(out)
	if got := out["sma"]; math.Abs(got-2) > 1e-9 {
		t.Errorf("sma = %v, want 2", got)
	}

	// Window slides: oldest close drops out.
	s.Update(closeCandle(3, 4))
	s.Outputs(out)
	if got := out["sma"]; math.Abs(got-3) > 1e-9 {
		t.Errorf("sma = %v, want 3", got)
	}
}

func TestBollingerPopulationSigma(t *testing.T) {
	b := NewBollinger("bb", 4, 2.0)
	feedCloses(b, []float64{1, 1, 3, 3})
	// mean 2, population variance 1, sigma 1: bands at mean +/- 2.
	out := map[string]float64{}
	b.Outputs(out)
	if got := out["bb_mid"]; math.Abs(got-2) > 1e-9 {
		t.Errorf("mid = %v, want 2", got)
	}
	if got := out["bb_upper"]; math.Abs(got-4) > 1e-9 {
		t.Errorf("upper = %v, want 4", got)
	}
	if got := out["bb_lower"]; math.Abs(got-0) > 1e-9 {
		t.Errorf("lower = %v, want 0", got)
	}
}

func TestATRWilderSmoothing(t *testing.T) {
	mk := func(n int, h, l, c float64) model.Candle {
		cd := closeCandle(n, c)
		cd.High = int64(math.Round(h * 100))
		cd.Low = int64(math.Round(l * 100))
		return cd
	}
	a := NewATR("atr", 2)
	a.Update(mk(0, 10, 9, 9.5))
	a.Update(mk(1, 10.5, 9.8, 10)) // TR = |10.5 - 9.5| = 1
	if a.Ready() {
		t.Fatal("atr ready with one TR")
	}
	a.Update(mk(2, 10.2, 9.9, 10.1)) // TR = 0.3; initial ATR = 0.65
	out := map[string]float64{}
	a.Outputs(out)
	if got := out["atr"]; math.Abs(got-0.65) > 1e-9 {
		t.Errorf("atr = %v, want 0.65", got)
	}

	a.Update(mk(3, 11, 10, 10.5)) // TR = 1; ATR = (0.65 + 1) / 2
	a.Outputs(out)
	if got := out["atr"]; math.Abs(got-0.825) > 1e-9 {
		t.Errorf("atr = %v, want 0.825", got)
	}
}

func TestMACDFlatPriceIsZero(t *testing.T) {
	m := NewMACD("macd", 2, 4, 3)
	for i := 0; i < 10; i++ {
		m.Update(closeCandle(i, 500))
	}
	if !m.Ready() {
		t.Fatal("macd should be ready")
	}
	out := map[string]float64{}
	m.Outputs(out)
	for _, k := range []string{"macd_line", "macd_signal", "macd_hist"} {
		if math.Abs(out[k]) > 1e-9 {
			t.Errorf("%s = %v, want 0 on flat price", k, out[k])
		}
	}
}

func TestMACDRisingPricePositiveLine(t *testing.T) {
	m := NewMACD("macd", 2, 4, 3)
	for i := 0; i < 10; i++ {
		m.Update(closeCandle(i, 100+float64(i)))
	}
	out := map[string]float64{}
	m.Outputs(out)
	if out["macd_line"] <= 0 {
		t.Errorf("macd_line = %v, want > 0 on a steady rise", out["macd_line"])
	}
}

func TestNewRejectsBadConfigs(t *testing.T) {
	if _, err := New(Config{Name: "x", Type: "vwap"}); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := New(Config{Name: "m", Type: "macd", Fast: 26, Slow: 12}); err == nil {
		t.Error("expected error for fast >= slow")
	}
}

func TestMaxLookback(t *testing.T) {
	cfgs := []Config{
		{Name: "rsi", Type: "rsi", Period: 14},       // 15
		{Name: "bb", Type: "bollinger_bands"},        // 20
		{Name: "macd", Type: "macd"},                 // 26 + 9
		{Name: "bad", Type: "nope"},                  // skipped
	}
	if got := MaxLookback(cfgs); got != 35 {
		t.Errorf("MaxLookback = %d, want 35", got)
	}
}
