package model

import "time"

// marketLoc is the exchange-local timezone used for bucket alignment.
// NSE/BSE/MCX all trade on IST. Falls back to a fixed +05:30 zone when the
// tz database is unavailable (e.g. scratch containers).
var marketLoc = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}()

// MarketLocation returns the market-local timezone (IST).
func MarketLocation() *time.Location { return marketLoc }
