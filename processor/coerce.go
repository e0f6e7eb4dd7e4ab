package processor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-sql/civil"
)

// dateLayouts are tried in order. All of them are day-first.
var dateLayouts = []string{
	"02-Jan-2006",
	"2-Jan-2006",
	"02-01-2006",
	"2-1-2006",
	"02/01/2006",
	"2/1/2006",
	"2006-01-02",
	"02 Jan 2006",
	"2 Jan 2006",
	"02-Jan-06",
	"02Jan2006",
	"Jan 02, 2006",
	"2006-01-02 15:04:05",
	"02-Jan-2006 15:04:05",
}

// ParseDate parses a day-first date in any of the upstream layouts. Month
// names match case-insensitively, so "10-JAN-2024" is accepted.
func ParseDate(s string) (civil.Date, error) {
	s = strings.TrimSpace(strings.Trim(s, `"`))
	if s == "" {
		return civil.Date{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return civil.DateOf(t), nil
		}
	}
	return civil.Date{}, fmt.Errorf("unrecognised date %q", s)
}

// ParseNumber coerces an upstream numeric field. Thousands separators and
// surrounding quotes are removed; placeholders and unparseable values yield 0.
func ParseNumber(s string) float64 {
	s = strings.TrimSpace(strings.Trim(s, `"`))
	s = strings.ReplaceAll(s, ",", "")
	switch strings.ToUpper(s) {
	case "", "-", "NA", "N/A", "NAN", "NIL", "NULL":
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
