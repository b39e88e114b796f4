package m3u

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_HeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.WriteHeader())

	assert.Equal(t, "#EXTM3U\n", buf.String())
}

func TestWriter_WriteEntry(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	err := w.WriteEntry(&Entry{
		TvgID:   "retro1",
		TvgName: "Retro \"One\"",
		Title:   "retro1",
		URL:     "http://localhost:8000/channel/retro1.ts",
		Extra:   map[string]string{"z-attr": "2", "a-attr": "1"},
	})
	require.NoError(t, err)

	want := "#EXTM3U\n" +
		`#EXTINF:-1 tvg-id="retro1" tvg-name="Retro \"One\"" a-attr="1" z-attr="2",retro1` + "\n" +
		"http://localhost:8000/channel/retro1.ts\n"
	assert.Equal(t, want, buf.String())
}

func TestWriter_NoAttributes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteEntry(&Entry{Duration: 30, Title: "clip", URL: "/clip.ts"}))

	assert.Equal(t, "#EXTM3U\n#EXTINF:30,clip\n/clip.ts\n", buf.String())
}

func TestReadAll_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, w.WriteEntry(&Entry{
			TvgID:         id,
			TvgName:       id,
			ChannelNumber: 7,
			Title:         id,
			URL:           "http://host/channel/" + id + ".ts",
		}))
	}

	entries, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "a", entries[0].TvgID)
	assert.Equal(t, -1, entries[0].Duration)
	assert.Equal(t, 7, entries[0].ChannelNumber)
	assert.Equal(t, "http://host/channel/a.ts", entries[0].URL)
	assert.Equal(t, "b", entries[1].Title)
}

func TestReadAll_TitleWithComma(t *testing.T) {
	input := "#EXTM3U\n#EXTINF:-1 group-title=\"Movies, Classic\",Late Show, Part 2\nhttp://x/y.ts\n"

	entries, err := ReadAll(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "Movies, Classic", entries[0].GroupTitle)
	assert.Equal(t, "Late Show, Part 2", entries[0].Title)
}

func TestReadAll_MissingHeader(t *testing.T) {
	_, err := ReadAll(strings.NewReader("#EXTINF:-1,a\nhttp://x/a.ts\n"))
	assert.ErrorIs(t, err, ErrMissingHeader)

	_, err = ReadAll(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrMissingHeader)
}

func TestReadAll_SkipsMalformedLines(t *testing.T) {
	input := "#EXTM3U\n#EXTINF:abc,broken\nhttp://x/orphan.ts\n#EXTINF:-1,ok\nhttp://x/ok.ts\n"

	got, err := ReadAll(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Title)
	assert.Equal(t, "http://x/ok.ts", got[0].URL)
}
