// Package markethours models the CME Globex session for equity-index and
// commodity futures: Sunday 17:00 to Friday 16:00 Central, with a daily
// 16:00-17:00 maintenance halt and full-closure exchange holidays.
//
// A session belongs to a trade date: the session opening at 17:00 on day D
// trades for D+1. Holidays close the whole session of their trade date.
package markethours

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"
)

// Chicago is the exchange time zone.
var Chicago = loadChicago()

func loadChicago() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		return time.FixedZone("CST", -6*3600)
	}
	return loc
}

// Session boundaries in Central time.
const (
	OpenHour  = 17 // session reopens after the maintenance halt
	CloseHour = 16 // daily halt / weekly close
)

// TradeDate returns the trade date the instant t belongs to, as midnight
// Central.
func TradeDate(t time.Time) time.Time {
	ct := t.In(Chicago)
	d := time.Date(ct.Year(), ct.Month(), ct.Day(), 0, 0, 0, 0, Chicago)
	if ct.Hour() >= OpenHour {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// IsMarketOpen returns true if Globex is trading at t.
func IsMarketOpen(t time.Time) bool {
	ct := t.In(Chicago)
	if ct.Hour() == CloseHour {
		return false
	}
	td := TradeDate(ct)
	wd := td.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !IsHoliday(td)
}

// IsTradingDay returns true if t's calendar date is a weekday trade date
// that is not a holiday.
func IsTradingDay(t time.Time) bool {
	ct := t.In(Chicago)
	wd := ct.Weekday()
	return wd >= time.Monday && wd <= time.Friday && !IsHoliday(ct)
}

// NextOpen returns the next session open strictly after t.
func NextOpen(t time.Time) time.Time {
	ct := t.In(Chicago)
	c := time.Date(ct.Year(), ct.Month(), ct.Day(), OpenHour, 0, 0, 0, Chicago)
	if !c.After(ct) {
		c = c.AddDate(0, 0, 1)
	}
	for i := 0; i < 14; i++ { // weekends + holiday clusters
		if IsMarketOpen(c) {
			return c
		}
		c = c.AddDate(0, 0, 1)
	}
	return c
}

// SessionClose returns the close (16:00 Central on the trade date) of the
// session containing t.
func SessionClose(t time.Time) time.Time {
	td := TradeDate(t)
	return time.Date(td.Year(), td.Month(), td.Day(), CloseHour, 0, 0, 0, Chicago)
}

// TimeUntilClose returns the duration until the current session closes.
// Returns 0 if the market is closed.
func TimeUntilClose(t time.Time) time.Duration {
	if !IsMarketOpen(t) {
		return 0
	}
	return SessionClose(t).Sub(t)
}

// TimeUntilOpen returns the duration until the next session open, or 0 if
// the market is open.
func TimeUntilOpen(t time.Time) time.Duration {
	if IsMarketOpen(t) {
		return 0
	}
	return NextOpen(t).Sub(t)
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Globex open, halts in %s", fmtDur(TimeUntilClose(t)))
	}
	next := NextOpen(t)
	ct := next.In(Chicago)
	return fmt.Sprintf("Globex closed, opens %s %s CT (%s)",
		ct.Weekday().String()[:3], ct.Format("15:04"), fmtDur(next.Sub(t)))
}

// Watch calls fn with the current session state immediately and again on
// every open/close transition, polling every interval until ctx ends.
func Watch(ctx context.Context, interval time.Duration, now func() time.Time, fn func(open bool)) {
	if now == nil {
		now = time.Now
	}
	state := IsMarketOpen(now())
	fn(state)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s := IsMarketOpen(now()); s != state {
				state = s
				fn(state)
			}
		}
	}
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
