// Package m3u reads and writes extended M3U channel lineups.
package m3u

// Header is the first line of every extended playlist.
const Header = "#EXTM3U"

// Entry is one channel in a lineup.
type Entry struct {
	// Duration is -1 for live channels.
	Duration int

	// TvgID is the guide identifier, usually the channel id.
	TvgID string

	// TvgName is the display name from the tvg-name attribute.
	TvgName string

	// GroupTitle is the category from the group-title attribute.
	GroupTitle string

	// ChannelNumber is tvg-chno; zero is omitted.
	ChannelNumber int

	// Title is the text after the attribute list.
	Title string

	// URL is the stream URL.
	URL string

	// Extra holds attributes not listed above.
	Extra map[string]string
}
