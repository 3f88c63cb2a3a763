package model

import (
	"encoding/json"
	"time"
)

// SubscriptionMode is the broker websocket subscription mode carried on each tick.
type SubscriptionMode int

const (
	ModeLTP   SubscriptionMode = 1
	ModeQuote SubscriptionMode = 2
	ModeFull  SubscriptionMode = 3
)

func (m SubscriptionMode) String() string {
	switch m {
	case ModeLTP:
		return "LTP"
	case ModeQuote:
		return "QUOTE"
	case ModeFull:
		return "FULL"
	}
	return "UNKNOWN"
}

// Tick is a normalized market data tick decoded from the broker websocket.
// Prices are int64 paise (1 INR = 100 paise) to avoid float drift; the broker
// wire format is already price*100 so no division is needed on decode.
// TS is the broker emit timestamp (ms precision), not receipt time.
type Tick struct {
	TradingSymbol string           `json:"tradingsymbol"`
	SymbolToken   string           `json:"symboltoken"`
	Exchange      string           `json:"exchange"`
	LTP           int64            `json:"ltp"`    // paise
	Volume        uint64           `json:"volume"` // cumulative session volume
	TS            time.Time        `json:"timestamp"`
	Mode          SubscriptionMode `json:"mode"`

	// Broker session bucket, present in QUOTE/FULL frames. Paise.
	Open  int64 `json:"open,omitempty"`
	High  int64 `json:"high,omitempty"`
	Low   int64 `json:"low,omitempty"`
	Close int64 `json:"close,omitempty"`
}

// Rupees converts a paise amount to rupees for display and rule math.
func Rupees(paise int64) float64 { return float64(paise) / 100.0 }

// JSON returns the JSON-encoded tick (errors ignored for hot-path usage).
func (t *Tick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
