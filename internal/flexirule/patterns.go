package flexirule

import (
	"fmt"
	"strings"

	"tradingpipe/internal/model"
)

// pattern is a compiled PatternConfig. Patterns are evaluated against the
// most recent candles of the owning (symbol, strategy) window and exposed to
// conditions as boolean identifiers.
type pattern struct {
	name     string
	typ      string
	lookback int
	criteria string
	expr     Expr // smc criteria, parsed at load; nil for price_action
}

func compilePattern(cfg PatternConfig) (*pattern, error) {
	p := &pattern{
		name:     cfg.Name,
		typ:      cfg.Type,
		lookback: cfg.Lookback,
		criteria: cfg.Criteria,
	}
	if cfg.Type == "smc" {
		if cfg.Criteria == "" {
			return nil, fmt.Errorf("pattern %q: smc requires criteria", cfg.Name)
		}
		expr, err := ParseCriteria(cfg.Criteria)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", cfg.Name, err)
		}
		p.expr = expr
	}
	return p, nil
}

// eval reports whether the pattern holds over the window (ascending, most
// recent last). Too few candles means the pattern does not hold.
func (p *pattern) eval(window []model.Candle) bool {
	if len(window) < p.lookback || len(window) < 2 {
		return false
	}
	switch p.typ {
	case "price_action":
		return p.evalPriceAction(window)
	case "smc":
		return p.evalSMC(window)
	}
	return false
}

// evalPriceAction supports the bullish_engulfing criteria: current candle is
// a green body that engulfs the previous red candle's full range.
func (p *pattern) evalPriceAction(window []model.Candle) bool {
	if !strings.Contains(p.criteria, "bullish_engulfing") {
		return false
	}
	curr := window[len(window)-1]
	prev := window[len(window)-2]
	return curr.Close > curr.Open &&
		prev.Close < prev.Open &&
		curr.Close > prev.High &&
		curr.Open < prev.Low
}

// evalSMC evaluates order-block style criteria with the condition grammar
// over bindings derived from the window: prev_high, prev_low, the current
// candle's OHLCV, and avg_volume_20.
func (p *pattern) evalSMC(window []model.Candle) bool {
	if p.expr == nil {
		return false
	}
	curr := window[len(window)-1]
	prev := window[len(window)-2]

	n := 20
	if len(window) < n {
		return false
	}
	sum := 0.0
	for _, c := range window[len(window)-n:] {
		sum += float64(c.Volume)
	}
	avgVolume := sum / float64(n)

	bindings := map[string]float64{
		"open":          model.Rupees(curr.Open),
		"high":          model.Rupees(curr.High),
		"low":           model.Rupees(curr.Low),
		"close":         model.Rupees(curr.Close),
		"volume":        float64(curr.Volume),
		"prev_high":     model.Rupees(prev.High),
		"prev_low":      model.Rupees(prev.Low),
		"avg_volume_20": avgVolume,
	}
	return p.expr.Eval(ResolverFunc(func(name string) (float64, bool) {
		v, ok := bindings[name]
		return v, ok
	}))
}
