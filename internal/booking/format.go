package booking

import (
	"fmt"
	"time"
)

// FormatFriendlyTime renders an instant the way it reads in conversation,
// e.g. "Tuesday, November 21st at 2:00 PM".
func FormatFriendlyTime(t time.Time) string {
	hour := t.Hour()
	meridiem := "AM"
	switch {
	case hour == 0:
		hour = 12
	case hour == 12:
		meridiem = "PM"
	case hour > 12:
		hour -= 12
		meridiem = "PM"
	}
	return fmt.Sprintf("%s, %s %d%s at %d:%02d %s",
		t.Weekday(), t.Month(), t.Day(), ordinalSuffix(t.Day()), hour, t.Minute(), meridiem)
}

func ordinalSuffix(day int) string {
	if day >= 11 && day <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}
