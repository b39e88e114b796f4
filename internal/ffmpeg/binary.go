// Package ffmpeg builds encoder command lines and runs the continuous
// transport-stream producer.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slbailey/Retrovue-sub002/internal/util"
)

// EnvBinary overrides ffmpeg discovery.
const EnvBinary = "RETROVUE_FFMPEG_BINARY"

// Encoders the reference profile depends on.
var requiredEncoders = []string{"libx264", "aac"}

// BinaryInfo describes the ffmpeg installation the producer will use.
type BinaryInfo struct {
	Path          string   `json:"path"`
	Version       string   `json:"version"`
	MajorVersion  int      `json:"major_version"`
	MinorVersion  int      `json:"minor_version"`
	Configuration string   `json:"configuration,omitempty"`
	Missing       []string `json:"missing_encoders,omitempty"`
}

// Usable reports whether every encoder of the reference profile is present.
func (i *BinaryInfo) Usable() bool {
	return len(i.Missing) == 0
}

// BinaryDetector resolves and inspects the ffmpeg binary, caching the result.
type BinaryDetector struct {
	name string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector for the named binary (or path).
func NewBinaryDetector(name string) *BinaryDetector {
	if name == "" {
		name = "ffmpeg"
	}
	return &BinaryDetector{
		name:     name,
		cacheTTL: 5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect locates ffmpeg and reads its version and encoder list.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	path, err := util.FindBinary(d.name, EnvBinary)
	if err != nil {
		return nil, err
	}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s -version: %w", path, err)
	}
	info, err := parseVersion(string(out))
	if err != nil {
		return nil, err
	}
	info.Path = path

	out, err = exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("listing encoders: %w", err)
	}
	encoders := parseEncoders(string(out))
	for _, name := range requiredEncoders {
		if !slices.Contains(encoders, name) {
			info.Missing = append(info.Missing, name)
		}
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// parseVersion reads the output of `ffmpeg -version`.
func parseVersion(output string) (*BinaryInfo, error) {
	info := &BinaryInfo{}
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			// "ffmpeg version 6.0 Copyright...", "ffmpeg version n6.0-2-g..."
			parts := strings.Fields(line)
			if len(parts) < 3 {
				continue
			}
			info.Version = parts[2]
			if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
				info.MajorVersion, _ = strconv.Atoi(m[1])
				info.MinorVersion, _ = strconv.Atoi(m[2])
			}
		case strings.HasPrefix(line, "configuration:"):
			info.Configuration = strings.TrimSpace(strings.TrimPrefix(line, "configuration:"))
		}
	}
	if info.Version == "" {
		return nil, errors.New("failed to parse ffmpeg version")
	}
	return info, nil
}

// parseEncoders reads the output of `ffmpeg -encoders`.
func parseEncoders(output string) []string {
	var encoders []string
	inList := false

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		// Format: V....D libx264    libx264 H.264 / AVC ...
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			encoders = append(encoders, fields[1])
		}
	}
	return encoders
}
