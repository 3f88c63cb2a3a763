package indicator

import "tradingpipe/internal/model"

// RSI calculates the Relative Strength Index using Wilder's smoothing.
// Update is O(1) per candle. The first value requires period+1 closes: the
// initial averages are simple means over the first period deltas, then
// avg = (prevAvg*(period-1) + current) / period.
type RSI struct {
	name      string
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	current   float64
}

// NewRSI creates an RSI indicator with the given period (typically 14).
func NewRSI(name string, period int) *RSI {
	return &RSI{name: name, period: period}
}

func (r *RSI) Update(c model.Candle) {
	price := model.Rupees(c.Close)
	r.count++

	if r.count == 1 {
		r.prevClose = price
		return
	}

	delta := price - r.prevClose
	r.prevClose = price

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	if r.count <= r.period+1 {
		// Accumulation phase: build initial averages
		r.avgGain += gain
		r.avgLoss += loss
		if r.count == r.period+1 {
			r.avgGain /= float64(r.period)
			r.avgLoss /= float64(r.period)
			r.current = r.rsi()
		}
		return
	}

	p := float64(r.period)
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	r.current = r.rsi()
}

func (r *RSI) rsi() float64 {
	if r.avgLoss == 0 {
		return 100.0
	}
	if r.avgGain == 0 {
		return 0.0
	}
	rs := r.avgGain / r.avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

func (r *RSI) Ready() bool   { return r.count > r.period }
func (r *RSI) Lookback() int { return r.period + 1 }

func (r *RSI) Outputs(dst map[string]float64) {
	dst[r.name] = r.current
}
