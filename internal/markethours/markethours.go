// Package markethours gates the broker websocket session to the exchange
// trading day: 9:15–15:30 local market time, weekdays, minus holidays.
package markethours

import (
	"time"

	"tradingpipe/internal/model"
)

// Session bounds in market-local time.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30

	// ConnectLead is how early the websocket dials before open so the first
	// tick of the session is not missed.
	ConnectLead = time.Minute
)

// IsOpen reports whether t falls within trading hours on a trading day.
func IsOpen(t time.Time) bool {
	local := t.In(model.MarketLocation())
	if !IsTradingDay(local) {
		return false
	}
	hm := local.Hour()*60 + local.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsTradingDay reports whether t is a weekday and not an exchange holiday.
func IsTradingDay(t time.Time) bool {
	local := t.In(model.MarketLocation())
	wd := local.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !IsHoliday(local)
}

// NextOpen returns the next session open at or after t: today's open when t
// is still before it on a trading day, otherwise the open of the next
// trading day.
func NextOpen(t time.Time) time.Time {
	loc := model.MarketLocation()
	local := t.In(loc)

	todayOpen := time.Date(local.Year(), local.Month(), local.Day(), OpenHour, OpenMinute, 0, 0, loc)
	if local.Before(todayOpen) && IsTradingDay(local) {
		return todayOpen
	}

	d := local.AddDate(0, 0, 1)
	for i := 0; i < 14; i++ {
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, loc)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(local.Year(), local.Month(), local.Day()+1, OpenHour, OpenMinute, 0, 0, loc)
}

// SessionClose returns the close time of t's session day.
func SessionClose(t time.Time) time.Time {
	loc := model.MarketLocation()
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), CloseHour, CloseMinute, 0, 0, loc)
}

// UntilOpen returns the wait from t to the next connect point, which is
// ConnectLead before the next open. Zero when the market is already open.
func UntilOpen(t time.Time) time.Duration {
	if IsOpen(t) {
		return 0
	}
	d := NextOpen(t).Add(-ConnectLead).Sub(t)
	if d < 0 {
		return 0
	}
	return d
}
