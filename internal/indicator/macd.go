package indicator

import "tradingpipe/internal/model"

// ema is an exponential moving average seeded with the first value:
// ema = alpha*x + (1-alpha)*prev, alpha = 2/(n+1).
type ema struct {
	alpha   float64
	current float64
	seeded  bool
}

func newEMA(n int) ema {
	return ema{alpha: 2.0 / float64(n+1)}
}

func (e *ema) update(x float64) float64 {
	if !e.seeded {
		e.current = x
		e.seeded = true
		return x
	}
	e.current = e.alpha*x + (1-e.alpha)*e.current
	return e.current
}

// MACD calculates Moving Average Convergence Divergence.
// macd_line = ema(close, fast) - ema(close, slow); signal = ema(macd_line,
// signalPeriod); hist = macd_line - signal. EMAs are seeded with the first
// close, not an SMA, matching the incremental step semantics exactly.
type MACD struct {
	name         string
	fast         int
	slow         int
	signalPeriod int

	fastEMA   ema
	slowEMA   ema
	signalEMA ema
	count     int

	line   float64
	signal float64
	hist   float64
}

// NewMACD creates a MACD indicator. fast must be below slow.
func NewMACD(name string, fast, slow, signalPeriod int) *MACD {
	return &MACD{
		name:         name,
		fast:         fast,
		slow:         slow,
		signalPeriod: signalPeriod,
		fastEMA:      newEMA(fast),
		slowEMA:      newEMA(slow),
		signalEMA:    newEMA(signalPeriod),
	}
}

func (m *MACD) Update(c model.Candle) {
	price := model.Rupees(c.Close)
	m.count++

	m.line = m.fastEMA.update(price) - m.slowEMA.update(price)
	m.signal = m.signalEMA.update(m.line)
	m.hist = m.line - m.signal
}

func (m *MACD) Ready() bool   { return m.count >= m.slow+m.signalPeriod }
func (m *MACD) Lookback() int { return m.slow + m.signalPeriod }

func (m *MACD) Outputs(dst map[string]float64) {
	dst[m.name+"_line"] = m.line
	dst[m.name+"_signal"] = m.signal
	dst[m.name+"_hist"] = m.hist
}
