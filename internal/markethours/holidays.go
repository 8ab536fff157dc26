package markethours

import (
	"sync"
	"time"
)

// CME Globex full-closure holidays for equity and energy futures. Early
// halts (MLK, Thanksgiving, ...) are not listed; the session still opens.
var cmeHolidays = []string{
	"2025-01-01", // New Year's Day
	"2025-04-18", // Good Friday
	"2025-12-25", // Christmas
	"2026-01-01", // New Year's Day
	"2026-04-03", // Good Friday
	"2026-12-25", // Christmas
	"2027-01-01", // New Year's Day
	"2027-03-26", // Good Friday
}

var (
	holidayMu  sync.RWMutex
	holidaySet = buildHolidaySet(cmeHolidays)
)

func buildHolidaySet(dates []string) map[string]bool {
	set := make(map[string]bool, len(dates))
	for _, d := range dates {
		set[d] = true
	}
	return set
}

// IsHoliday returns true if the date (in Central time) is a full-closure
// holiday.
func IsHoliday(t time.Time) bool {
	holidayMu.RLock()
	defer holidayMu.RUnlock()
	return holidaySet[t.In(Chicago).Format("2006-01-02")]
}

// AddHolidays extends the calendar with YYYY-MM-DD dates, typically loaded
// from the instrument file.
func AddHolidays(dates ...string) error {
	for _, d := range dates {
		if _, err := time.ParseInLocation("2006-01-02", d, Chicago); err != nil {
			return err
		}
	}
	holidayMu.Lock()
	defer holidayMu.Unlock()
	for _, d := range dates {
		holidaySet[d] = true
	}
	return nil
}
