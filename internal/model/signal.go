package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Signal kinds. SELL and PARTIAL_SELL may carry a rule id suffix, e.g.
// "SELL:t1" or "PARTIAL_SELL:50:t1".
const (
	SignalBuy  = "BUY"
	SignalSell = "SELL"
	SignalHold = "HOLD" // internal only, never published
)

// SellSignal builds "SELL:<id>" for a stop-loss/target rule hit.
func SellSignal(ruleID string) string {
	if ruleID == "" {
		return SignalSell
	}
	return SignalSell + ":" + ruleID
}

// PartialSellSignal builds "PARTIAL_SELL:<pct>:<id>".
func PartialSellSignal(pct float64, ruleID string) string {
	return "PARTIAL_SELL:" + strconv.FormatFloat(pct, 'f', -1, 64) + ":" + ruleID
}

// IsPartialSell reports whether sig is a partial exit and returns its percent.
func IsPartialSell(sig string) (float64, bool) {
	if !strings.HasPrefix(sig, "PARTIAL_SELL:") {
		return 0, false
	}
	parts := strings.SplitN(sig, ":", 3)
	if len(parts) < 2 {
		return 0, false
	}
	pct, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, false
	}
	return pct, true
}

// Signal is an emitted trading decision for one (symbol, strategy).
// Timestamp is the bucket_start of the candle that produced it.
type Signal struct {
	Symbol    string    `json:"symbol"`
	Strategy  string    `json:"strategy"`
	Signal    string    `json:"signal"`
	Price     int64     `json:"price"` // paise, candle close
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// JSON returns the JSON-encoded signal.
func (s *Signal) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// AuditRecord is the append-only trace written for every position state
// transition, including breakeven arming which emits no signal.
type AuditRecord struct {
	ID        string             `json:"id"`
	Symbol    string             `json:"symbol"`
	Strategy  string             `json:"strategy"`
	Signal    string             `json:"signal"`
	Price     int64              `json:"price"`
	Timestamp time.Time          `json:"timestamp"`
	Reason    string             `json:"reason"`
	OHLCV     Candle             `json:"ohlcv"`
	Snapshot  map[string]float64 `json:"indicators"`
	RuleTrace []RuleTrace        `json:"rule_trace,omitempty"`
}

// RuleTrace records one weighted rule evaluation inside an audit record.
type RuleTrace struct {
	Condition string  `json:"condition"`
	Weight    float64 `json:"weight"`
	Satisfied bool    `json:"satisfied"`
}

// JSON returns the JSON-encoded audit record.
func (a *AuditRecord) JSON() []byte {
	b, _ := json.Marshal(a)
	return b
}
