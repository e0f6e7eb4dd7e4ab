package models

import (
	"fmt"
	"time"

	"github.com/golang-sql/civil"
)

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	Start civil.Date `json:"start"`
	End   civil.Date `json:"end"`
}

// NewDateRange returns the range [start, end]. It fails when end precedes start.
func NewDateRange(start, end civil.Date) (DateRange, error) {
	if end.Before(start) {
		return DateRange{}, fmt.Errorf("invalid date range %s..%s", start, end)
	}
	return DateRange{Start: start, End: end}, nil
}

func (r DateRange) String() string {
	return fmt.Sprintf("%s..%s", r.Start, r.End)
}

// Days returns the number of calendar days covered, both ends included.
func (r DateRange) Days() int {
	return r.End.DaysSince(r.Start) + 1
}

// Contains reports whether d falls inside the range.
func (r DateRange) Contains(d civil.Date) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// Overlaps reports whether r and o share at least one date.
func (r DateRange) Overlaps(o DateRange) bool {
	return !r.End.Before(o.Start) && !r.Start.After(o.End)
}

// BusinessDays lists the Monday to Friday dates inside the range. Exchange
// holidays are not known here; they surface later as missing archives.
func (r DateRange) BusinessDays() []civil.Date {
	var days []civil.Date
	for d := r.Start; !d.After(r.End); d = d.AddDays(1) {
		if IsBusinessDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// Chunks splits the range into consecutive windows of at most width days.
func (r DateRange) Chunks(width int) []DateRange {
	if width <= 0 {
		return []DateRange{r}
	}
	var out []DateRange
	for start := r.Start; !start.After(r.End); start = start.AddDays(width) {
		end := start.AddDays(width - 1)
		if end.After(r.End) {
			end = r.End
		}
		out = append(out, DateRange{Start: start, End: end})
	}
	return out
}

// IsBusinessDay reports whether d is a Monday to Friday date.
func IsBusinessDay(d civil.Date) bool {
	switch d.In(time.UTC).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}

// Today returns the current calendar date in loc.
func Today(now time.Time, loc *time.Location) civil.Date {
	if loc == nil {
		loc = time.UTC
	}
	return civil.DateOf(now.In(loc))
}
