// Package period slices a daily series to a calendar week, month or year.
package period

import (
	"fmt"
	"strings"
	"time"

	"github.com/jgalley/capscout/internal/storage"
)

// Period selects the calendar range around a reference date.
type Period int

const (
	All Period = iota
	Week
	Month
	Year
)

func (p Period) String() string {
	switch p {
	case All:
		return "all"
	case Week:
		return "week"
	case Month:
		return "month"
	case Year:
		return "year"
	default:
		return fmt.Sprintf("Period(%d)", int(p))
	}
}

// Parse accepts all, week, month or year in any case.
func Parse(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return All, nil
	case "week":
		return Week, nil
	case "month":
		return Month, nil
	case "year":
		return Year, nil
	default:
		return All, fmt.Errorf("unknown period %q (use all, week, month or year)", s)
	}
}

// Bounds returns the inclusive first and last day of the period containing
// ref. ok is false for All, which is unbounded.
func Bounds(p Period, ref time.Time) (start, end storage.Day, ok bool) {
	y, m, d := ref.Date()
	loc := ref.Location()

	switch p {
	case Week:
		// Monday-based week.
		offset := (int(ref.Weekday()) + 6) % 7
		first := time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
		return storage.DayOf(first), storage.DayOf(first.AddDate(0, 0, 6)), true
	case Month:
		first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return storage.DayOf(first), storage.DayOf(first.AddDate(0, 1, -1)), true
	case Year:
		return storage.DayOf(time.Date(y, time.January, 1, 0, 0, 0, 0, loc)),
			storage.DayOf(time.Date(y, time.December, 31, 0, 0, 0, 0, loc)), true
	default:
		return "", "", false
	}
}

// Slice returns the rows of series whose day falls within the period
// containing ref, boundaries included. series must be ascending by day; the
// result is a contiguous sub-slice of it.
func Slice(series []storage.DailyStat, p Period, ref time.Time) []storage.DailyStat {
	start, end, ok := Bounds(p, ref)
	if !ok {
		return series
	}

	lo := 0
	for lo < len(series) && series[lo].Day < start {
		lo++
	}
	hi := lo
	for hi < len(series) && series[hi].Day <= end {
		hi++
	}
	return series[lo:hi]
}
