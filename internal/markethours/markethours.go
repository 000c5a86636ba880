// Package markethours answers whether the US equity regular session is open.
package markethours

import (
	"fmt"
	"time"
	_ "time/tzdata" // America/New_York on hosts without a zoneinfo database
)

// ET is US Eastern time, where the exchange calendar is defined.
var ET = mustLoad("America/New_York")

// Regular session hours in ET.
const (
	OpenHour    = 9
	OpenMinute  = 30
	CloseHour   = 16
	CloseMinute = 0
)

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("markethours: load %s: %v", name, err))
	}
	return loc
}

// IsMarketOpen returns true if t falls within the regular session
// (9:30 AM to 4:00 PM ET, Monday to Friday, excluding exchange holidays).
func IsMarketOpen(t time.Time) bool {
	et := t.In(ET)
	if !IsTradingDay(et) {
		return false
	}
	hm := et.Hour()*60 + et.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	et := t.In(ET)
	wd := et.Weekday()
	return wd >= time.Monday && wd <= time.Friday && !IsHoliday(et)
}

// NextOpen returns the next session open. If t is before today's open on a
// trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	et := t.In(ET)
	todayOpen := time.Date(et.Year(), et.Month(), et.Day(), OpenHour, OpenMinute, 0, 0, ET)
	if et.Before(todayOpen) && IsTradingDay(et) {
		return todayOpen
	}

	d := et
	for i := 0; i < 10; i++ { // weekends plus the longest holiday run
		d = d.AddDate(0, 0, 1)
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, ET)
		}
	}
	return time.Date(et.Year(), et.Month(), et.Day()+1, OpenHour, OpenMinute, 0, 0, ET)
}

// TodayClose returns today's session close (4:00 PM ET).
func TodayClose(t time.Time) time.Time {
	et := t.In(ET)
	return time.Date(et.Year(), et.Month(), et.Day(), CloseHour, CloseMinute, 0, 0, ET)
}

// StatusString returns a human-readable session status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(TodayClose(t).Sub(t)))
	}
	next := NextOpen(t)
	return fmt.Sprintf("Market Closed, opens %s %s ET (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
