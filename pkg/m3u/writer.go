package m3u

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Writer provides streaming M3U playlist writing.
type Writer struct {
	w             io.Writer
	headerWritten bool
}

// NewWriter creates a new M3U writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the M3U header.
// This is automatically called by WriteEntry if not already written.
func (w *Writer) WriteHeader() error {
	if w.headerWritten {
		return nil
	}
	if _, err := fmt.Fprintln(w.w, Header); err != nil {
		return fmt.Errorf("writing M3U header: %w", err)
	}
	w.headerWritten = true
	return nil
}

// WriteEntry writes the EXTINF line and URL line for one channel.
func (w *Writer) WriteEntry(entry *Entry) error {
	if err := w.WriteHeader(); err != nil {
		return err
	}

	var attrs []string
	if entry.TvgID != "" {
		attrs = append(attrs, fmt.Sprintf(`tvg-id="%s"`, escapeQuotes(entry.TvgID)))
	}
	if entry.TvgName != "" {
		attrs = append(attrs, fmt.Sprintf(`tvg-name="%s"`, escapeQuotes(entry.TvgName)))
	}
	if entry.GroupTitle != "" {
		attrs = append(attrs, fmt.Sprintf(`group-title="%s"`, escapeQuotes(entry.GroupTitle)))
	}
	if entry.ChannelNumber > 0 {
		attrs = append(attrs, fmt.Sprintf(`tvg-chno="%d"`, entry.ChannelNumber))
	}

	// Sorted so the same lineup always renders identically.
	keys := make([]string, 0, len(entry.Extra))
	for k := range entry.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf(`%s="%s"`, k, escapeQuotes(entry.Extra[k])))
	}

	duration := entry.Duration
	if duration == 0 {
		duration = -1
	}

	extinf := fmt.Sprintf("#EXTINF:%d,%s", duration, entry.Title)
	if len(attrs) > 0 {
		extinf = fmt.Sprintf("#EXTINF:%d %s,%s", duration, strings.Join(attrs, " "), entry.Title)
	}

	if _, err := fmt.Fprintln(w.w, extinf); err != nil {
		return fmt.Errorf("writing EXTINF: %w", err)
	}
	if _, err := fmt.Fprintln(w.w, entry.URL); err != nil {
		return fmt.Errorf("writing URL: %w", err)
	}

	return nil
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
