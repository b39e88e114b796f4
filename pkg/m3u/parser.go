package m3u

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// ErrMissingHeader is returned when the first non-blank line is not #EXTM3U.
var ErrMissingHeader = errors.New("missing #EXTM3U header")

var (
	extinfRegex = regexp.MustCompile(`^#EXTINF:\s*(-?\d+)\s*(.*)$`)
	attrRegex   = regexp.MustCompile(`([a-zA-Z0-9_-]+)=(?:"([^"]*)"|([^\s,]+))`)
)

// ReadAll parses r and returns every EXTINF/URL pair in order. Malformed
// EXTINF lines and URLs without a preceding EXTINF are skipped.
func ReadAll(r io.Reader) ([]*Entry, error) {
	scanner := bufio.NewScanner(r)
	var (
		entries    []*Entry
		current    *Entry
		seenHeader bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !seenHeader {
			if !strings.HasPrefix(line, Header) {
				return nil, ErrMissingHeader
			}
			seenHeader = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			current, _ = parseExtinf(line)
		case strings.HasPrefix(line, "#"):
			continue
		case current != nil:
			current.URL = line
			entries = append(entries, current)
			current = nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning M3U: %w", err)
	}
	if !seenHeader {
		return nil, ErrMissingHeader
	}
	return entries, nil
}

func parseExtinf(line string) (*Entry, error) {
	matches := extinfRegex.FindStringSubmatch(line)
	if matches == nil {
		return nil, fmt.Errorf("invalid EXTINF format")
	}

	duration, _ := strconv.Atoi(matches[1])
	remainder := matches[2]

	entry := &Entry{
		Duration: duration,
		Extra:    make(map[string]string),
	}

	if idx := findTitleStart(remainder); idx >= 0 {
		entry.Title = strings.TrimSpace(remainder[idx+1:])
		remainder = remainder[:idx]
	}

	for _, match := range attrRegex.FindAllStringSubmatch(remainder, -1) {
		key := strings.ToLower(match[1])
		value := match[2]
		if value == "" {
			value = match[3]
		}

		switch key {
		case "tvg-id":
			entry.TvgID = value
		case "tvg-name":
			entry.TvgName = value
		case "group-title":
			entry.GroupTitle = value
		case "tvg-chno":
			entry.ChannelNumber, _ = strconv.Atoi(value)
		default:
			entry.Extra[key] = value
		}
	}

	return entry, nil
}

// findTitleStart returns the index of the last comma outside quotes.
func findTitleStart(s string) int {
	inQuotes := false
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '"' {
			inQuotes = !inQuotes
		}
		if s[i] == ',' && !inQuotes {
			return i
		}
	}
	return -1
}
