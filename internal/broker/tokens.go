package broker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tradingpipe/internal/model"
)

// watchlistFile is the YAML shape of a watchlist:
//
//	stocks:
//	  - tradingsymbol: SBIN-EQ
//	    symboltoken: "3045"
//	    exchange: NSE
type watchlistFile struct {
	Stocks []model.Instrument `yaml:"stocks"`
}

// LoadWatchlist reads a watchlist YAML. The result seeds both the
// subscription token list and the decoder's token map.
func LoadWatchlist(path string) ([]model.Instrument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read watchlist %s: %w", path, err)
	}
	var wf watchlistFile
	if err := yaml.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("parse watchlist %s: %w", path, err)
	}
	if len(wf.Stocks) == 0 {
		return nil, fmt.Errorf("watchlist %s has no stocks", path)
	}
	seen := make(map[string]bool, len(wf.Stocks))
	for _, ins := range wf.Stocks {
		if ins.SymbolToken == "" || ins.TradingSymbol == "" || ins.Exchange == "" {
			return nil, fmt.Errorf("watchlist %s: incomplete entry %+v", path, ins)
		}
		if seen[ins.SymbolToken] {
			return nil, fmt.Errorf("watchlist %s: duplicate token %s", path, ins.SymbolToken)
		}
		seen[ins.SymbolToken] = true
	}
	return wf.Stocks, nil
}

// LoadWatchlists merges several watchlist files into one token map.
func LoadWatchlists(paths ...string) (*model.TokenMap, error) {
	var all []model.Instrument
	for _, p := range paths {
		ins, err := LoadWatchlist(p)
		if err != nil {
			return nil, err
		}
		all = append(all, ins...)
	}
	return model.NewTokenMap(all), nil
}
