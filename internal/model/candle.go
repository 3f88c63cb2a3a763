package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Candle is an OHLCV bucket for one (symbol, timeframe). Prices are int64
// paise. BucketStart is the floor of the tick timestamp to the timeframe
// boundary in the market's local timezone. Once Closed is true the candle
// is immutable.
type Candle struct {
	TradingSymbol string    `json:"tradingsymbol"`
	Exchange      string    `json:"exchange"`
	Market        string    `json:"market"`
	Timeframe     Timeframe `json:"timeframe"`
	BucketStart   time.Time `json:"bucket_start"` // ISO8601 on the wire
	Open          int64     `json:"open"`         // paise
	High          int64     `json:"high"`         // paise
	Low           int64     `json:"low"`          // paise
	Close         int64     `json:"close"`        // paise
	Volume        int64     `json:"volume"`       // delta volume in this bucket
	Closed        bool      `json:"closed"`
	Backfilled    bool      `json:"backfilled"`
}

// Key returns the identity key "symbol:timeframe:bucket_start_unix".
func (c *Candle) Key() string {
	return fmt.Sprintf("%s:%s:%d", c.TradingSymbol, c.Timeframe, c.BucketStart.Unix())
}

// Valid reports whether the OHLCV invariants hold:
// low <= open,close <= high and volume >= 0.
func (c *Candle) Valid() bool {
	if c.Volume < 0 {
		return false
	}
	if c.Low > c.Open || c.Low > c.Close {
		return false
	}
	if c.High < c.Open || c.High < c.Close {
		return false
	}
	return true
}

// JSON returns the JSON-encoded candle.
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
