// Package timeutil formats instants for display in the user's timezone and
// parses the handful of natural time phrases the intent parser occasionally
// hands back as plain text instead of ISO 8601.
package timeutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Format renders an absolute instant for display, e.g.
// "January 02, 2026 at 09:00 AM PKT".
func Format(t time.Time, loc *time.Location) string {
	local := t.In(loc)
	zone, _ := local.Zone()
	return local.Format("January 02, 2006 at 03:04 PM") + " " + zone
}

// FormatClock renders only the time of day, e.g. "09:00 AM PKT".
func FormatClock(t time.Time, loc *time.Location) string {
	local := t.In(loc)
	zone, _ := local.Zone()
	return local.Format("03:04 PM") + " " + zone
}

// Relative returns a human description of how far away t is from now,
// like "in 10 minutes" or "tomorrow at 09:00 AM".
func Relative(t time.Time, now time.Time, loc *time.Location) string {
	local := t.In(loc)
	nowLocal := now.In(loc)
	diff := local.Sub(nowLocal)

	if diff < 0 {
		return "in the past"
	}
	if diff < time.Hour {
		minutes := int(diff.Minutes())
		return fmt.Sprintf("in %d %s", minutes, plural("minute", minutes))
	}
	if diff < 24*time.Hour {
		hours := int(diff.Hours())
		return fmt.Sprintf("in %d %s", hours, plural("hour", hours))
	}

	tomorrow := nowLocal.AddDate(0, 0, 1)
	if sameDay(local, tomorrow) {
		return "tomorrow at " + local.Format("03:04 PM")
	}

	days := int(diff.Hours() / 24)
	return fmt.Sprintf("in %d %s (%s)", days, plural("day", days), local.Format("January 02 at 03:04 PM"))
}

func plural(unit string, n int) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

var (
	inPattern     = regexp.MustCompile(`in\s+(\d+)\s*(minute|min|hour|hr|day)s?`)
	clockPattern  = regexp.MustCompile(`(\d{1,2})(?::(\d{2}))?\s*(am|pm)`)
	hhmmPattern   = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	beforePattern = regexp.MustCompile(`before\s+(\d{1,2})\s*(am|pm)`)
)

// ParseNatural parses a small set of natural time phrases relative to a
// reference instant: "in 20 minutes", "tomorrow at 9am", "today 14:30",
// "before 7pm". It returns the zero time when nothing recognisable is found.
func ParseNatural(text string, reference time.Time, loc *time.Location) time.Time {
	text = strings.ToLower(strings.TrimSpace(text))
	ref := reference.In(loc)

	if m := inPattern.FindStringSubmatch(text); m != nil {
		amount, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "minute", "min":
			return ref.Add(time.Duration(amount) * time.Minute)
		case "hour", "hr":
			return ref.Add(time.Duration(amount) * time.Hour)
		case "day":
			return ref.AddDate(0, 0, amount)
		}
	}

	dayOffset := 0
	switch {
	case strings.Contains(text, "day after tomorrow"):
		dayOffset = 2
	case strings.Contains(text, "tomorrow"):
		dayOffset = 1
	case strings.Contains(text, "next week"):
		dayOffset = 7
	}

	hour, minute, ok := parseClock(text)
	if !ok {
		if dayOffset > 0 {
			// A bare day phrase defaults to 9 AM.
			return atClock(ref.AddDate(0, 0, dayOffset), 9, 0, loc)
		}
		return time.Time{}
	}

	result := atClock(ref.AddDate(0, 0, dayOffset), hour, minute, loc)
	// A clock time already past today means the next occurrence.
	if dayOffset == 0 && result.Before(ref) {
		result = result.AddDate(0, 0, 1)
	}
	return result
}

func parseClock(text string) (hour, minute int, ok bool) {
	if m := beforePattern.FindStringSubmatch(text); m != nil {
		hour, _ = strconv.Atoi(m[1])
		return toTwentyFour(hour, m[2]), 0, true
	}
	if m := clockPattern.FindStringSubmatch(text); m != nil {
		hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		return toTwentyFour(hour, m[3]), minute, true
	}
	if m := hhmmPattern.FindStringSubmatch(text); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
		if hour < 24 && minute < 60 {
			return hour, minute, true
		}
	}
	return 0, 0, false
}

func toTwentyFour(hour int, meridiem string) int {
	if meridiem == "pm" && hour != 12 {
		return hour + 12
	}
	if meridiem == "am" && hour == 12 {
		return 0
	}
	return hour
}

func atClock(day time.Time, hour, minute int, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, hour, minute, 0, 0, loc)
}
