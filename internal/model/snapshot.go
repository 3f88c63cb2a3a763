package model

import (
	"encoding/json"
	"time"
)

// Snapshot holds the latest computed indicator values for one
// (symbol, timeframe) as of the most recent closed candle.
//
// Values carries one scalar per indicator output name (e.g. "rsi",
// "bb_upper", "macd_line"). An indicator with insufficient history is
// absent from Values, never zero-filled; rule evaluation treats absent
// identifiers as false. Partial is true while any configured indicator
// is still warming up.
type Snapshot struct {
	TradingSymbol string             `json:"tradingsymbol"`
	Timeframe     Timeframe          `json:"timeframe"`
	BucketStart   time.Time          `json:"bucket_start"`
	Values        map[string]float64 `json:"values"`
	Partial       bool               `json:"partial"`
}

// Lookup returns the value for an indicator name and whether it is defined.
func (s *Snapshot) Lookup(name string) (float64, bool) {
	if s == nil || s.Values == nil {
		return 0, false
	}
	v, ok := s.Values[name]
	return v, ok
}

// JSON returns the JSON-encoded snapshot.
func (s *Snapshot) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}
