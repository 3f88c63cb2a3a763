package indicator

import (
	"math"

	"tradingpipe/internal/model"
)

// Bollinger calculates Bollinger Bands: mid = SMA(close, period), sigma is
// the population standard deviation over the window (divisor N, not N-1),
// upper/lower = mid +/- std*sigma. Recomputed from the circular buffer each
// update for window-exact values.
type Bollinger struct {
	name   string
	period int
	std    float64
	buf    []float64
	idx    int
	count  int

	upper float64
	mid   float64
	lower float64
}

// NewBollinger creates a Bollinger Bands indicator.
func NewBollinger(name string, period int, std float64) *Bollinger {
	return &Bollinger{name: name, period: period, std: std, buf: make([]float64, period)}
}

func (b *Bollinger) Update(c model.Candle) {
	b.buf[b.idx] = model.Rupees(c.Close)
	b.idx = (b.idx + 1) % b.period
	b.count++

	if b.count < b.period {
		return
	}

	n := float64(b.period)
	sum := 0.0
	for _, v := range b.buf {
		sum += v
	}
	mean := sum / n

	variance := 0.0
	for _, v := range b.buf {
		d := v - mean
		variance += d * d
	}
	sigma := math.Sqrt(variance / n)

	b.mid = mean
	b.upper = mean + b.std*sigma
	b.lower = mean - b.std*sigma
}

func (b *Bollinger) Ready() bool   { return b.count >= b.period }
func (b *Bollinger) Lookback() int { return b.period }

func (b *Bollinger) Outputs(dst map[string]float64) {
	dst[b.name+"_upper"] = b.upper
	dst[b.name+"_mid"] = b.mid
	dst[b.name+"_lower"] = b.lower
}
