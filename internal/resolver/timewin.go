package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var hhmmRE = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

func validHHMM(s string) bool {
	return hhmmRE.MatchString(strings.TrimSpace(s))
}

// minutesOfDay parses "HH:MM" into a minute offset from midnight.
func minutesOfDay(s string) (int, error) {
	s = strings.TrimSpace(s)
	if !hhmmRE.MatchString(s) {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, _ := strconv.Atoi(s[:2])
	m, _ := strconv.Atoi(s[3:])
	return h*60 + m, nil
}

// inWindow reports whether now falls inside [start, end] minute offsets.
// start <= end is the inclusive same-day interval; start > end wraps past
// midnight: now >= start OR now <= end.
func inWindow(now, start, end int) bool {
	if start <= end {
		return now >= start && now <= end
	}
	return now >= start || now <= end
}

func minuteOf(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
