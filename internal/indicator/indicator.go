// Package indicator provides technical indicator calculations over closed
// candles. Every indicator is an incremental accumulator: feeding the same
// candle sequence always produces the same values, so bootstrapping from
// history and stepping live are equivalent by construction.
package indicator

import (
	"fmt"

	"tradingpipe/internal/model"
)

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Update feeds the next closed candle and recalculates.
	Update(c model.Candle)

	// Ready returns true once enough candles have been accumulated.
	Ready() bool

	// Outputs writes the indicator's named values into dst. Called only
	// when Ready; names are derived from the configured indicator name
	// (e.g. "bb" yields "bb_upper", "bb_mid", "bb_lower").
	Outputs(dst map[string]float64)

	// Lookback returns the number of candles needed before Ready.
	Lookback() int
}

// Config specifies a single indicator instance.
type Config struct {
	Name   string
	Type   string // rsi, bollinger_bands, atr, sma, macd, avg_volume
	Period int
	Std    float64 // bollinger_bands only
	Fast   int     // macd only
	Slow   int     // macd only
	Signal int     // macd only
}

// New constructs an indicator from its config. Unknown types are an error
// so malformed strategy files are rejected at load, not at runtime.
func New(cfg Config) (Indicator, error) {
	switch cfg.Type {
	case "rsi":
		return NewRSI(cfg.Name, defaultPeriod(cfg.Period, 14)), nil
	case "sma":
		return NewSMA(cfg.Name, defaultPeriod(cfg.Period, 20)), nil
	case "bollinger_bands":
		std := cfg.Std
		if std == 0 {
			std = 2.0
		}
		return NewBollinger(cfg.Name, defaultPeriod(cfg.Period, 20), std), nil
	case "atr":
		return NewATR(cfg.Name, defaultPeriod(cfg.Period, 14)), nil
	case "macd":
		fast, slow, sig := cfg.Fast, cfg.Slow, cfg.Signal
		if fast == 0 {
			fast = 12
		}
		if slow == 0 {
			slow = 26
		}
		if sig == 0 {
			sig = 9
		}
		if fast >= slow {
			return nil, fmt.Errorf("macd %q: fast period %d must be below slow %d", cfg.Name, fast, slow)
		}
		return NewMACD(cfg.Name, fast, slow, sig), nil
	case "avg_volume":
		return NewAvgVolume(cfg.Name, defaultPeriod(cfg.Period, 20)), nil
	default:
		return nil, fmt.Errorf("unsupported indicator type %q", cfg.Type)
	}
}

// MaxLookback returns the largest lookback across configs. The rolling
// window retained per (symbol, timeframe) is MaxLookback plus a safety
// margin.
func MaxLookback(cfgs []Config) int {
	max := 0
	for _, cfg := range cfgs {
		ind, err := New(cfg)
		if err != nil {
			continue
		}
		if lb := ind.Lookback(); lb > max {
			max = lb
		}
	}
	return max
}

func defaultPeriod(p, def int) int {
	if p <= 0 {
		return def
	}
	return p
}
