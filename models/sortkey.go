package models

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
)

// Order decides how items inside a Day are arranged.
type Order int

const (
	// Chronological sorts by the minute of day parsed from the time label,
	// placing day-part words like "Morning" or "Lunch" at fixed slots.
	Chronological Order = iota
	// Lexical sorts by plain string comparison of the time label.
	Lexical
)

func (o Order) String() string {
	switch o {
	case Chronological:
		return "chronological"
	case Lexical:
		return "lexical"
	default:
		return "unknown"
	}
}

const (
	allDayKey  = -1
	unknownKey = 24 * 60
)

// dayParts maps free-text labels to an approximate minute of day.
var dayParts = map[string]int{
	"all day":   allDayKey,
	"全天":        allDayKey,
	"breakfast": 7 * 60,
	"morning":   8 * 60,
	"am":        8 * 60,
	"上午":        8 * 60,
	"noon":      12 * 60,
	"lunch":     12 * 60,
	"午餐":        12 * 60,
	"pm":        14 * 60,
	"afternoon": 14 * 60,
	"下午":        14 * 60,
	"evening":   18 * 60,
	"dinner":    19 * 60,
	"晚餐":        19 * 60,
	"night":     21 * 60,
	"晚上":        21 * 60,
}

// TimeSortKey normalises a display label to minutes since midnight.
// "07:15 - 11:00" yields 435. Labels without a leading clock time use the
// day-part table; anything else sorts after every clock time.
func TimeSortKey(label string) int {
	s := strings.TrimSpace(label)
	if m, ok := leadingClock(s); ok {
		return m
	}
	if k, ok := dayParts[strings.ToLower(s)]; ok {
		return k
	}
	return unknownKey
}

// leadingClock parses "H:MM" or "HH:MM" at the start of s.
func leadingClock(s string) (int, bool) {
	colon := strings.IndexByte(s, ':')
	if colon < 1 || colon > 2 || len(s) < colon+3 {
		return 0, false
	}
	h, err := strconv.Atoi(s[:colon])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(s[colon+1 : colon+3])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// CompareItems orders two items under o. Ties fall back to the label and then the id
// so the result is deterministic.
func CompareItems(o Order, a, b Item) int {
	if o == Chronological {
		if c := cmp.Compare(TimeSortKey(a.Time), TimeSortKey(b.Time)); c != 0 {
			return c
		}
	}
	if c := strings.Compare(a.Time, b.Time); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortItems sorts items in place.
func SortItems(o Order, items []Item) {
	slices.SortStableFunc(items, func(a, b Item) int { return CompareItems(o, a, b) })
}

// IsSorted reports whether items already respect o.
func IsSorted(o Order, items []Item) bool {
	return slices.IsSortedFunc(items, func(a, b Item) int { return CompareItems(o, a, b) })
}
