package model

// Instrument is one tradeable symbol from a watchlist.
type Instrument struct {
	SymbolToken   string `json:"symboltoken" yaml:"symboltoken"`
	TradingSymbol string `json:"tradingsymbol" yaml:"tradingsymbol"`
	Exchange      string `json:"exchange" yaml:"exchange"`
}

// TokenMap resolves broker symbol tokens to instruments. It is built once at
// startup from the watchlist and never mutated afterwards, so concurrent
// reads need no locking.
type TokenMap struct {
	byToken map[string]Instrument
}

// NewTokenMap builds an immutable token index from instruments.
func NewTokenMap(instruments []Instrument) *TokenMap {
	m := make(map[string]Instrument, len(instruments))
	for _, ins := range instruments {
		m[ins.SymbolToken] = ins
	}
	return &TokenMap{byToken: m}
}

// Resolve returns the instrument for a token and whether it is known.
func (tm *TokenMap) Resolve(token string) (Instrument, bool) {
	ins, ok := tm.byToken[token]
	return ins, ok
}

// Len returns the number of known tokens.
func (tm *TokenMap) Len() int { return len(tm.byToken) }

// Instruments returns all instruments in the map (order unspecified).
func (tm *TokenMap) Instruments() []Instrument {
	out := make([]Instrument, 0, len(tm.byToken))
	for _, ins := range tm.byToken {
		out = append(out, ins)
	}
	return out
}
