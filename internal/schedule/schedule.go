// Package schedule models the per-channel, already-resolved program schedule
// produced upstream and selects what is on air at a given instant.
package schedule

import (
	"regexp"
	"time"
)

// Item is one scheduled airing. Items are immutable once loaded.
type Item struct {
	ChannelID       string         `json:"channel_id"`
	AssetPath       string         `json:"asset_path"`
	StartTimeUTC    time.Time      `json:"start_time_utc"`
	DurationSeconds int            `json:"duration_seconds"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Duration returns the item's length.
func (i Item) Duration() time.Duration {
	return time.Duration(i.DurationSeconds) * time.Second
}

// End returns the first instant after the item.
func (i Item) End() time.Time {
	return i.StartTimeUTC.Add(i.Duration())
}

// Contains reports whether start <= now < start+duration.
func (i Item) Contains(now time.Time) bool {
	return !now.Before(i.StartTimeUTC) && now.Before(i.End())
}

// Offset returns how far into the item now is, clamped to [0, duration].
func (i Item) Offset(now time.Time) time.Duration {
	off := now.Sub(i.StartTimeUTC)
	switch {
	case off < 0:
		return 0
	case off > i.Duration():
		return i.Duration()
	}
	return off
}

// LoadState is the outcome of the most recent load attempt for a channel.
type LoadState int

const (
	StateNotLoaded LoadState = iota
	StateValid
	StateInvalid
)

func (s LoadState) String() string {
	switch s {
	case StateValid:
		return "VALID"
	case StateInvalid:
		return "INVALID"
	default:
		return "NOT_LOADED"
	}
}

// MarshalText renders the state for JSON APIs.
func (s LoadState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status pairs a LoadState with the reason for INVALID.
type Status struct {
	State  LoadState `json:"state"`
	Reason string    `json:"reason,omitempty"`
}

// ChannelSchedule is a channel's complete schedule. It is replaced wholesale
// on reload and never mutated in place.
type ChannelSchedule struct {
	ChannelID string
	Items     []Item
	Status    Status
	LoadedAt  time.Time
}

// NotLoaded returns the placeholder schedule for a channel that has not been
// read yet.
func NotLoaded(channelID string) *ChannelSchedule {
	return &ChannelSchedule{ChannelID: channelID}
}

// Invalid returns an empty schedule marked INVALID with reason.
func Invalid(channelID, reason string) *ChannelSchedule {
	return &ChannelSchedule{
		ChannelID: channelID,
		Status:    Status{State: StateInvalid, Reason: reason},
	}
}

// Valid reports whether the schedule loaded successfully.
func (s *ChannelSchedule) Valid() bool {
	return s != nil && s.Status.State == StateValid
}

// ActiveItem returns the item airing at now. When malformed input yields
// several overlapping candidates, the earliest start wins; equal starts keep
// file order. Repeated calls with the same now return the same item.
func (s *ChannelSchedule) ActiveItem(now time.Time) (Item, bool) {
	if !s.Valid() {
		return Item{}, false
	}

	var (
		best  Item
		found bool
	)
	for _, item := range s.Items {
		if !item.Contains(now) {
			continue
		}
		if !found || item.StartTimeUTC.Before(best.StartTimeUTC) {
			best = item
			found = true
		}
	}
	return best, found
}

// NextItem returns the earliest item starting strictly after now.
func (s *ChannelSchedule) NextItem(now time.Time) (Item, bool) {
	if !s.Valid() {
		return Item{}, false
	}

	var (
		best  Item
		found bool
	)
	for _, item := range s.Items {
		if !item.StartTimeUTC.After(now) {
			continue
		}
		if !found || item.StartTimeUTC.Before(best.StartTimeUTC) {
			best = item
			found = true
		}
	}
	return best, found
}

// End returns the latest end time across all items, or the zero time for an
// empty schedule.
func (s *ChannelSchedule) End() time.Time {
	var end time.Time
	if s == nil {
		return end
	}
	for _, item := range s.Items {
		if e := item.End(); e.After(end) {
			end = e
		}
	}
	return end
}

var channelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// maxChannelIDLength keeps ids usable as file names.
const maxChannelIDLength = 128

// ValidChannelID reports whether id is safe to use as a schedule file stem.
func ValidChannelID(id string) bool {
	return len(id) <= maxChannelIDLength && channelIDPattern.MatchString(id)
}
