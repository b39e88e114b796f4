package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/slbailey/Retrovue-sub002/internal/observability"
	"github.com/slbailey/Retrovue-sub002/internal/stationclock"
)

// Schedule load errors.
var (
	// ErrNotFound is returned when a channel has no schedule file.
	ErrNotFound = errors.New("schedule file not found")
	// ErrInvalid is returned when a schedule file is malformed or incomplete.
	ErrInvalid = errors.New("invalid schedule")
)

// FileExt is the extension of schedule files.
const FileExt = ".json"

// maxFileSize caps how much of a schedule file is read.
const maxFileSize = 16 << 20

// Store reads per-channel schedule files from <dir>/<channel_id>.json.
type Store struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger
}

// NewStore creates a store over fsys rooted at dir.
func NewStore(fsys afero.Fs, dir string) *Store {
	return &Store{
		fs:     fsys,
		dir:    dir,
		logger: observability.WithComponent(slog.Default(), "schedule"),
	}
}

// NewOSStore creates a store backed by the operating system filesystem.
func NewOSStore(dir string) *Store {
	return NewStore(afero.NewOsFs(), dir)
}

// WithLogger sets a custom logger.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	s.logger = logger
	return s
}

// Dir returns the schedule directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the schedule file path for channelID.
func (s *Store) Path(channelID string) string {
	return filepath.Join(s.dir, channelID+FileExt)
}

// CheckDir verifies that the schedule directory exists and is a directory.
func (s *Store) CheckDir() error {
	info, err := s.fs.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("schedule directory %q: %w", s.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("schedule directory %q is not a directory", s.dir)
	}
	return nil
}

// Discover lists the channel ids that have a schedule file, sorted ascending.
// Files whose stem is not a valid channel id are skipped.
func (s *Store) Discover() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading schedule directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, FileExt) {
			continue
		}
		id := strings.TrimSuffix(name, FileExt)
		if !ValidChannelID(id) {
			s.logger.Warn("skipping schedule file with invalid channel id", slog.String("file", name))
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Exists reports whether channelID has a schedule file.
func (s *Store) Exists(channelID string) bool {
	ok, err := afero.Exists(s.fs, s.Path(channelID))
	return err == nil && ok
}

// Load reads and validates the schedule for channelID. On success the result
// is VALID. Errors wrap ErrNotFound or ErrInvalid.
func (s *Store) Load(channelID string, loadedAt time.Time) (*ChannelSchedule, error) {
	if !ValidChannelID(channelID) {
		return nil, fmt.Errorf("%w: channel id %q", ErrInvalid, channelID)
	}

	f, err := s.fs.Open(s.Path(channelID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.Path(channelID))
		}
		return nil, fmt.Errorf("opening schedule: %w", err)
	}
	defer f.Close()

	sched, err := Decode(channelID, io.LimitReader(f, maxFileSize))
	if err != nil {
		return nil, err
	}
	sched.LoadedAt = loadedAt

	s.logger.Debug("schedule loaded",
		slog.String("channel_id", channelID),
		slog.Int("items", len(sched.Items)))
	return sched, nil
}

type scheduleFile struct {
	Schedule *[]scheduleFileItem `json:"schedule"`
}

type scheduleFileItem struct {
	ChannelID       *string        `json:"channel_id"`
	AssetPath       *string        `json:"asset_path"`
	StartTimeUTC    *string        `json:"start_time_utc"`
	DurationSeconds *int           `json:"duration_seconds"`
	Metadata        map[string]any `json:"metadata"`
}

// Decode parses a schedule document for channelID. Every item must carry
// channel_id, asset_path, start_time_utc with an explicit offset, and a
// positive duration_seconds. Items naming another channel are rejected.
func Decode(channelID string, r io.Reader) (*ChannelSchedule, error) {
	var doc scheduleFile
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrInvalid, err)
	}
	if doc.Schedule == nil {
		return nil, fmt.Errorf("%w: missing \"schedule\" array", ErrInvalid)
	}

	items := make([]Item, 0, len(*doc.Schedule))
	for idx, raw := range *doc.Schedule {
		item, err := raw.toItem()
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrInvalid, idx, err)
		}
		if item.ChannelID != channelID {
			return nil, fmt.Errorf("%w: item %d: channel_id %q does not match %q", ErrInvalid, idx, item.ChannelID, channelID)
		}
		items = append(items, item)
	}

	return &ChannelSchedule{
		ChannelID: channelID,
		Items:     items,
		Status:    Status{State: StateValid},
	}, nil
}

func (f scheduleFileItem) toItem() (Item, error) {
	switch {
	case f.ChannelID == nil || *f.ChannelID == "":
		return Item{}, errors.New("missing channel_id")
	case f.AssetPath == nil || *f.AssetPath == "":
		return Item{}, errors.New("missing asset_path")
	case f.StartTimeUTC == nil:
		return Item{}, errors.New("missing start_time_utc")
	case f.DurationSeconds == nil:
		return Item{}, errors.New("missing duration_seconds")
	case *f.DurationSeconds <= 0:
		return Item{}, fmt.Errorf("duration_seconds must be positive, got %d", *f.DurationSeconds)
	}

	start, err := stationclock.Parse(*f.StartTimeUTC)
	if err != nil {
		return Item{}, fmt.Errorf("start_time_utc: %w", err)
	}

	return Item{
		ChannelID:       *f.ChannelID,
		AssetPath:       *f.AssetPath,
		StartTimeUTC:    start.UTC(),
		DurationSeconds: *f.DurationSeconds,
		Metadata:        f.Metadata,
	}, nil
}
