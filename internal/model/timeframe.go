package model

import (
	"fmt"
	"time"
)

// Timeframe is one of the fixed candle timeframes supported by the pipeline.
type Timeframe string

const (
	TF1Min  Timeframe = "1min"
	TF5Min  Timeframe = "5min"
	TF15Min Timeframe = "15min"
	TF30Min Timeframe = "30min"
	TF1Hr   Timeframe = "1hr"
)

// Timeframes is the fixed, ordered set of supported timeframes.
var Timeframes = []Timeframe{TF1Min, TF5Min, TF15Min, TF30Min, TF1Hr}

var tfDurations = map[Timeframe]time.Duration{
	TF1Min:  time.Minute,
	TF5Min:  5 * time.Minute,
	TF15Min: 15 * time.Minute,
	TF30Min: 30 * time.Minute,
	TF1Hr:   time.Hour,
}

// tfIntervals maps timeframes to the broker historical API interval names.
var tfIntervals = map[Timeframe]string{
	TF1Min:  "ONE_MINUTE",
	TF5Min:  "FIVE_MINUTE",
	TF15Min: "FIFTEEN_MINUTE",
	TF30Min: "THIRTY_MINUTE",
	TF1Hr:   "ONE_HOUR",
}

// ParseTimeframe validates s against the supported set.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := tfDurations[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the length of one bucket.
func (tf Timeframe) Duration() time.Duration {
	return tfDurations[tf]
}

// Interval returns the broker historical API name (e.g. "ONE_MINUTE").
func (tf Timeframe) Interval() string {
	return tfIntervals[tf]
}

func (tf Timeframe) String() string { return string(tf) }

// Floor aligns t to the start of its bucket in the market's local timezone.
// Alignment is relative to local midnight so the 1hr timeframe stays on the
// local clock even in half-hour-offset zones.
func (tf Timeframe) Floor(t time.Time, loc *time.Location) time.Time {
	d := tfDurations[tf]
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	elapsed := local.Sub(midnight)
	return midnight.Add(elapsed - elapsed%d)
}
