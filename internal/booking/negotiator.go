package booking

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Negotiator rejection reasons. Each maps to a distinct, user-actionable
// message in the state machine.
var (
	ErrUnparseable  = errors.New("booking: could not understand date/time")
	ErrWeekend      = errors.New("booking: requested day falls on a weekend")
	ErrOutsideHours = errors.New("booking: requested time is outside business hours")
)

// Negotiator turns free-text date/time expressions into validated,
// business-hours-bounded instants aligned to the slot granularity.
type Negotiator struct {
	HourStart   int // inclusive, 24h clock
	HourEnd     int // exclusive
	SlotMinutes int // alignment granularity, must divide an hour
	Location    *time.Location
}

// NewNegotiator creates a negotiator with the given business-hour window and
// slot granularity.
func NewNegotiator(hourStart, hourEnd, slotMinutes int, loc *time.Location) *Negotiator {
	if loc == nil {
		loc = time.UTC
	}
	if hourStart <= 0 {
		hourStart = 9
	}
	if hourEnd <= hourStart {
		hourEnd = 17
	}
	if slotMinutes <= 0 || slotMinutes > 60 || 60%slotMinutes != 0 {
		slotMinutes = 30
	}
	return &Negotiator{HourStart: hourStart, HourEnd: hourEnd, SlotMinutes: slotMinutes, Location: loc}
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"fri": time.Friday, "sat": time.Saturday,
}

var months = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"jun": time.June, "jul": time.July, "aug": time.August, "sep": time.September,
	"sept": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

var (
	clockTimeRE = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\s*(am|pm)?\b`)
	ampmTimeRE  = regexp.MustCompile(`\b(\d{1,2})\s*(am|pm)\b`)
	atHourRE    = regexp.MustCompile(`\bat\s+(\d{1,2})\b`)

	weekdayRE  = regexp.MustCompile(`\b(?:next\s+)?(sunday|monday|tuesday|wednesday|thursday|friday|saturday|sun|mon|tues|tue|wed|thurs|thur|thu|fri|sat)\b`)
	monthDayRE = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sept|sep|oct|nov|dec)\s+(\d{1,2})(?:st|nd|rd|th)?\b`)
	dayMonthRE = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sept|sep|oct|nov|dec)\b`)
	isoDateRE  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
)

// Parse resolves input against now, preferring future occurrences, then
// validates the result against the business-hour window and aligns it to the
// slot granularity.
func (n *Negotiator) Parse(input string, now time.Time) (time.Time, error) {
	text := strings.ToLower(strings.TrimSpace(input))
	if text == "" {
		return time.Time{}, ErrUnparseable
	}

	now = now.In(n.Location)

	hour, minute, rest, ok := extractTime(text)
	if !ok {
		return time.Time{}, ErrUnparseable
	}

	day, ok := n.resolveDay(rest, now)
	if !ok {
		return time.Time{}, ErrUnparseable
	}

	resolved := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, n.Location)

	// A date that resolves to today or earlier means the user intended the
	// next occurrence of that weekday.
	for !dateAfter(resolved, now) {
		resolved = resolved.AddDate(0, 0, 7)
	}

	if wd := resolved.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return time.Time{}, ErrWeekend
	}
	if resolved.Hour() < n.HourStart || resolved.Hour() >= n.HourEnd {
		return time.Time{}, ErrOutsideHours
	}

	// Align down to the slot boundary.
	aligned := (resolved.Minute() / n.SlotMinutes) * n.SlotMinutes
	resolved = time.Date(resolved.Year(), resolved.Month(), resolved.Day(),
		resolved.Hour(), aligned, 0, 0, n.Location)

	return resolved, nil
}

// dateAfter reports whether a's calendar date is strictly after b's.
func dateAfter(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay > by
	}
	if am != bm {
		return am > bm
	}
	return ad > bd
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// extractTime pulls the time-of-day out of the text and returns the remainder
// for date resolution.
func extractTime(text string) (hour, minute int, rest string, ok bool) {
	if m := clockTimeRE.FindStringSubmatchIndex(text); m != nil {
		h, _ := strconv.Atoi(text[m[2]:m[3]])
		min, _ := strconv.Atoi(text[m[4]:m[5]])
		meridiem := ""
		if m[6] >= 0 {
			meridiem = text[m[6]:m[7]]
		}
		h, valid := to24Hour(h, meridiem)
		if !valid || min > 59 {
			return 0, 0, text, false
		}
		return h, min, text[:m[0]] + " " + text[m[1]:], true
	}

	if m := ampmTimeRE.FindStringSubmatchIndex(text); m != nil {
		h, _ := strconv.Atoi(text[m[2]:m[3]])
		h, valid := to24Hour(h, text[m[4]:m[5]])
		if !valid {
			return 0, 0, text, false
		}
		return h, 0, text[:m[0]] + " " + text[m[1]:], true
	}

	if m := atHourRE.FindStringSubmatchIndex(text); m != nil {
		h, _ := strconv.Atoi(text[m[2]:m[3]])
		h, valid := to24Hour(h, "")
		if !valid {
			return 0, 0, text, false
		}
		return h, 0, text[:m[0]] + " " + text[m[1]:], true
	}

	return 0, 0, text, false
}

func to24Hour(h int, meridiem string) (int, bool) {
	switch meridiem {
	case "am":
		if h < 1 || h > 12 {
			return 0, false
		}
		if h == 12 {
			return 0, true
		}
		return h, true
	case "pm":
		if h < 1 || h > 12 {
			return 0, false
		}
		if h == 12 {
			return 12, true
		}
		return h + 12, true
	default:
		if h > 23 {
			return 0, false
		}
		// Without a meridiem, a small clock hour almost always means afternoon:
		// nobody books "at 2" expecting 2 AM. Hours from 9 up read as written.
		if h >= 1 && h <= 8 {
			return h + 12, true
		}
		return h, true
	}
}

// resolveDay finds the date the text refers to. The returned day may be today
// or in the past; the caller rolls it forward.
func (n *Negotiator) resolveDay(text string, now time.Time) (time.Time, bool) {
	if strings.Contains(text, "tomorrow") {
		return now.AddDate(0, 0, 1), true
	}
	if strings.Contains(text, "today") {
		// Returned as-is; the roll-forward rule maps it to the next matching
		// weekday, matching the future-preferring contract.
		return now, true
	}

	if m := isoDateRE.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			return time.Date(year, time.Month(month), day, 0, 0, 0, 0, n.Location), true
		}
		return time.Time{}, false
	}

	if m := monthDayRE.FindStringSubmatch(text); m != nil {
		return n.monthDay(months[m[1]], m[2], now)
	}
	if m := dayMonthRE.FindStringSubmatch(text); m != nil {
		return n.monthDay(months[m[2]], m[1], now)
	}

	if m := weekdayRE.FindStringSubmatch(text); m != nil {
		target := weekdays[m[1]]
		days := (int(target) - int(now.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return now.AddDate(0, 0, days), true
	}

	return time.Time{}, false
}

func (n *Negotiator) monthDay(month time.Month, dayStr string, now time.Time) (time.Time, bool) {
	day, err := strconv.Atoi(dayStr)
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}
	candidate := time.Date(now.Year(), month, day, 0, 0, 0, 0, n.Location)
	if candidate.Before(truncateToDay(now)) {
		candidate = candidate.AddDate(1, 0, 0)
	}
	return candidate, true
}
