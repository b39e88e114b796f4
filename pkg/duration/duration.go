// Package duration parses and formats durations with day and week units on
// top of Go's time.ParseDuration syntax.
//
// Examples:
//   - "1d" = 24 hours
//   - "2w" = 14 days
//   - "1d12h" = 36 hours
//   - "90 minutes" = 1h30m
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day represents 24 hours.
	Day = 24 * time.Hour
	// Week represents 7 days.
	Week = 7 * Day
)

var extendedUnitPattern = regexp.MustCompile(`(?i)(\d+)\s*(weeks?|wks?|w|days?|d)`)

var wordUnitPattern = regexp.MustCompile(`(?i)(\d+)\s*(hours?|hrs?|minutes?|mins?|seconds?|secs?)`)

var wordUnits = map[string]string{
	"hour": "h", "hours": "h", "hr": "h", "hrs": "h",
	"minute": "m", "minutes": "m", "min": "m", "mins": "m",
	"second": "s", "seconds": "s", "sec": "s", "secs": "s",
}

// Parse parses a duration. Days and weeks are converted to hours before
// the remainder is handed to time.ParseDuration.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := false
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		negative = true
		s = strings.TrimSpace(rest)
	}

	var hours int64
	remaining := extendedUnitPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := extendedUnitPattern.FindStringSubmatch(match)
		value, _ := strconv.ParseInt(m[1], 10, 64)
		if strings.HasPrefix(strings.ToLower(m[2]), "w") {
			hours += value * 7 * 24
		} else {
			hours += value * 24
		}
		return ""
	})

	remaining = wordUnitPattern.ReplaceAllStringFunc(remaining, func(match string) string {
		m := wordUnitPattern.FindStringSubmatch(match)
		return m[1] + wordUnits[strings.ToLower(m[2])]
	})
	remaining = strings.Join(strings.Fields(remaining), "")

	var spec string
	if hours > 0 {
		spec = fmt.Sprintf("%dh", hours)
	}
	spec += remaining
	if spec == "" {
		spec = "0s"
	}

	d, err := time.ParseDuration(spec)
	if err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}
	if negative {
		d = -d
	}
	return d, nil
}

// Format renders d using the largest units first and omits zero components:
// 36h becomes 1d12h, 1h0m10s becomes 1h10s.
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}

	units := []struct {
		size time.Duration
		name string
	}{
		{Week, "w"},
		{Day, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
		{time.Millisecond, "ms"},
	}
	for _, u := range units {
		if n := d / u.size; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.name)
			d -= n * u.size
		}
	}
	if d > 0 {
		fmt.Fprintf(&b, "%dns", d)
	}
	return b.String()
}
