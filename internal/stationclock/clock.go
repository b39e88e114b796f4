// Package stationclock is the station time authority. Every "what is on air
// now" decision in retrovue reads time from a Clock.
//
// A Clock never goes backwards, always returns zone-aware instants, and
// resolves timezone names through a bounded cache. Unknown zone names fall
// back to UTC instead of failing.
package stationclock

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/slbailey/Retrovue-sub002/internal/observability"
)

// ErrNaiveTimestamp is returned when a timestamp carries no UTC offset.
var ErrNaiveTimestamp = errors.New("timestamp has no timezone offset")

// DefaultZoneCacheSize bounds the number of resolved zones kept.
const DefaultZoneCacheSize = 256

// unknownZoneCacheSize bounds the names remembered as unknown, which only
// suppresses repeated fallback warnings.
const unknownZoneCacheSize = 64

// Clock is safe for concurrent use.
type Clock struct {
	source func() time.Time
	last   atomic.Int64 // unix nanoseconds of the latest instant handed out

	zones    *lru.Cache[string, *time.Location]
	unknown  *lru.Cache[string, struct{}]
	maxZones int

	logger *slog.Logger
}

type zoneEntry struct {
	loc   *time.Location
	valid bool
}

// Option configures a Clock.
type Option func(*Clock)

// WithSource replaces the underlying time source. The Clock still enforces
// monotonicity on top of it. Intended for tests and simulations.
func WithSource(source func() time.Time) Option {
	return func(c *Clock) {
		c.source = source
	}
}

// WithZoneCacheSize overrides DefaultZoneCacheSize.
func WithZoneCacheSize(n int) Option {
	return func(c *Clock) {
		if n > 0 {
			c.maxZones = n
		}
	}
}

// WithLogger sets the logger used to report zone fallbacks.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Clock) {
		c.logger = logger
	}
}

// New creates a Clock anchored at the current wall time. Subsequent readings
// advance by the process monotonic clock, so wall clock steps (NTP, manual
// changes) never move station time backwards.
func New(opts ...Option) *Clock {
	c := &Clock{
		maxZones: DefaultZoneCacheSize,
		logger:   observability.WithComponent(slog.Default(), "stationclock"),
	}

	// time.Now carries a monotonic reading; time.Since uses it.
	anchor := time.Now()
	wall := anchor.Round(0).UTC()
	c.source = func() time.Time {
		return wall.Add(time.Since(anchor))
	}

	for _, opt := range opts {
		opt(c)
	}

	// Sizes are positive, so New cannot fail.
	c.zones, _ = lru.New[string, *time.Location](c.maxZones)
	c.unknown, _ = lru.New[string, struct{}](unknownZoneCacheSize)
	return c
}

// NowUTC returns the current station time in UTC. Successive calls never
// return a smaller instant.
func (c *Clock) NowUTC() time.Time {
	candidate := c.source().UnixNano()
	for {
		prev := c.last.Load()
		if candidate <= prev {
			return time.Unix(0, prev).UTC()
		}
		if c.last.CompareAndSwap(prev, candidate) {
			return time.Unix(0, candidate).UTC()
		}
	}
}

// NowLocal returns station time in the named zone. Invalid names yield UTC.
func (c *Clock) NowLocal(tzName string) time.Time {
	return c.ToChannelTime(c.NowUTC(), tzName)
}

// ToChannelTime converts ts to the named zone. Invalid names yield UTC.
func (c *Clock) ToChannelTime(ts time.Time, tzName string) time.Time {
	loc, _ := c.Location(tzName)
	return ts.In(loc)
}

// SecondsSince returns the elapsed seconds from ts to station now, clamped
// at zero for instants in the future.
func (c *Clock) SecondsSince(ts time.Time) float64 {
	elapsed := c.NowUTC().Sub(ts)
	if elapsed < 0 {
		return 0
	}
	return elapsed.Seconds()
}

// Location resolves a zone name. It accepts IANA names ("America/New_York"),
// "UTC"/"Z", and fixed offsets ("+05:30", "-0800"). The boolean reports
// whether the name was understood; when false, the returned location is UTC.
func (c *Clock) Location(tzName string) (*time.Location, bool) {
	name := strings.TrimSpace(tzName)
	if name == "" {
		return time.UTC, true
	}

	if loc, ok := c.zones.Get(name); ok {
		return loc, true
	}

	entry := resolveZone(name)
	if entry.valid {
		c.zones.Add(name, entry.loc)
		return entry.loc, true
	}

	if seen, _ := c.unknown.ContainsOrAdd(name, struct{}{}); !seen {
		c.logger.Warn("unknown timezone, falling back to UTC", slog.String("timezone", name))
	}
	return time.UTC, false
}

// CachedZones reports how many resolved zones are cached. Unknown names
// are never counted.
func (c *Clock) CachedZones() int {
	return c.zones.Len()
}

var offsetPattern = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})$`)

func resolveZone(name string) zoneEntry {
	if name == "Z" || strings.EqualFold(name, "UTC") {
		return zoneEntry{loc: time.UTC, valid: true}
	}

	if m := offsetPattern.FindStringSubmatch(name); m != nil {
		hours, _ := strconv.Atoi(m[2])
		minutes, _ := strconv.Atoi(m[3])
		if hours <= 14 && minutes <= 59 {
			secs := hours*3600 + minutes*60
			if m[1] == "-" {
				secs = -secs
			}
			return zoneEntry{loc: time.FixedZone(name, secs), valid: true}
		}
		return zoneEntry{loc: time.UTC}
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return zoneEntry{loc: time.UTC}
	}
	return zoneEntry{loc: loc, valid: true}
}

// Format renders ts in RFC 3339 with nanosecond precision and its offset.
func Format(ts time.Time) string {
	return ts.Format(time.RFC3339Nano)
}

// layouts accepted by Parse. All of them require an explicit offset.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
}

// naiveLayouts detect timestamps that are well formed but lack an offset.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Parse reads an ISO-8601 timestamp that includes a UTC offset. Naive
// timestamps are rejected with ErrNaiveTimestamp rather than assumed to be
// UTC or local time.
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	for _, layout := range naiveLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrNaiveTimestamp, s)
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: expected ISO-8601 with offset", s)
}
