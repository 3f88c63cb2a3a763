package indicator

import "tradingpipe/internal/model"

// SMA calculates the unweighted mean of the last period closes over a
// preallocated circular buffer. The mean is recomputed from the buffer on
// every update so the value is identical to a fresh computation over the
// window, regardless of how many candles have passed through.
type SMA struct {
	name    string
	period  int
	buf     []float64
	idx     int
	count   int
	current float64
}

// NewSMA creates an SMA indicator with the given period.
func NewSMA(name string, period int) *SMA {
	return &SMA{name: name, period: period, buf: make([]float64, period)}
}

func (s *SMA) Update(c model.Candle) {
	s.buf[s.idx] = model.Rupees(c.Close)
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count >= s.period {
		sum := 0.0
		for _, v := range s.buf {
			sum += v
		}
		s.current = sum / float64(s.period)
	}
}

func (s *SMA) Ready() bool   { return s.count >= s.period }
func (s *SMA) Lookback() int { return s.period }

func (s *SMA) Outputs(dst map[string]float64) {
	dst[s.name] = s.current
}

// AvgVolume is the SMA of candle volume. Strategy market_params reference it
// (e.g. avg_volume_20) for volume-threshold expressions.
type AvgVolume struct {
	name    string
	period  int
	buf     []float64
	idx     int
	count   int
	current float64
}

// NewAvgVolume creates a rolling average-volume indicator.
func NewAvgVolume(name string, period int) *AvgVolume {
	return &AvgVolume{name: name, period: period, buf: make([]float64, period)}
}

func (a *AvgVolume) Update(c model.Candle) {
	a.buf[a.idx] = float64(c.Volume)
	a.idx = (a.idx + 1) % a.period
	a.count++

	if a.count >= a.period {
		sum := 0.0
		for _, v := range a.buf {
			sum += v
		}
		a.current = sum / float64(a.period)
	}
}

func (a *AvgVolume) Ready() bool   { return a.count >= a.period }
func (a *AvgVolume) Lookback() int { return a.period }

func (a *AvgVolume) Outputs(dst map[string]float64) {
	dst[a.name] = a.current
}
