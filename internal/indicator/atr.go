package indicator

import (
	"math"

	"tradingpipe/internal/model"
)

// ATR calculates the Average True Range. True range for candle i is
// max(H-L, |H-prevClose|, |L-prevClose|); the initial ATR is the simple
// mean of the first period TRs, then Wilder smoothing as in RSI.
type ATR struct {
	name      string
	period    int
	count     int // number of TRs accumulated
	seen      int // number of candles fed
	prevClose float64
	sum       float64
	current   float64
}

// NewATR creates an ATR indicator with the given period (typically 14).
func NewATR(name string, period int) *ATR {
	return &ATR{name: name, period: period}
}

func (a *ATR) Update(c model.Candle) {
	high := model.Rupees(c.High)
	low := model.Rupees(c.Low)
	close := model.Rupees(c.Close)
	a.seen++

	if a.seen == 1 {
		// No previous close yet; first TR needs two candles.
		a.prevClose = close
		return
	}

	tr := high - low
	if d := math.Abs(high - a.prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - a.prevClose); d > tr {
		tr = d
	}
	a.prevClose = close
	a.count++

	if a.count <= a.period {
		a.sum += tr
		if a.count == a.period {
			a.current = a.sum / float64(a.period)
		}
		return
	}

	p := float64(a.period)
	a.current = (a.current*(p-1) + tr) / p
}

func (a *ATR) Ready() bool   { return a.count >= a.period }
func (a *ATR) Lookback() int { return a.period + 1 }

func (a *ATR) Outputs(dst map[string]float64) {
	dst[a.name] = a.current
}
