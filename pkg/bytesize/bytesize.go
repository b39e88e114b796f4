// Package bytesize parses and formats byte sizes in binary (1024) units.
//
// Examples:
//   - "32MB" = 32 * 1024 * 1024 bytes
//   - "1.5 GiB" = 1.5 * 1024^3 bytes
//   - "4096" = 4096 bytes
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

// Binary size units.
const (
	B  Size = 1
	KB Size = 1024
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
)

var unitMultipliers = map[string]Size{
	"": B, "b": B, "byte": B, "bytes": B,
	"k": KB, "kb": KB, "kib": KB,
	"m": MB, "mb": MB, "mib": MB,
	"g": GB, "gb": GB, "gib": GB,
	"t": TB, "tb": TB, "tib": TB,
}

var sizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// Parse parses a size. A bare number is bytes.
func Parse(s string) (Size, error) {
	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", matches[1], err)
	}

	multiplier, ok := unitMultipliers[strings.ToLower(matches[2])]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", matches[2])
	}

	return Size(value * float64(multiplier)), nil
}

// Format renders s with the largest unit that keeps the value at least 1.
func Format(s Size) string {
	if s < 0 {
		return "-" + Format(-s)
	}

	switch {
	case s >= TB:
		return formatFloat(float64(s)/float64(TB), "TB")
	case s >= GB:
		return formatFloat(float64(s)/float64(GB), "GB")
	case s >= MB:
		return formatFloat(float64(s)/float64(MB), "MB")
	case s >= KB:
		return formatFloat(float64(s)/float64(KB), "KB")
	default:
		return fmt.Sprintf("%dB", s)
	}
}

func formatFloat(value float64, unit string) string {
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d%s", int64(value), unit)
	}
	formatted := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", value), "0"), ".")
	return formatted + unit
}

// Int64 returns the size in bytes.
func (s Size) Int64() int64 {
	return int64(s)
}

// String returns Format(s).
func (s Size) String() string {
	return Format(s)
}
