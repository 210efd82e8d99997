package export

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forumharvest/internal/session"
	"forumharvest/internal/source"
	storagememory "forumharvest/internal/storage/memory"
)

func testPosts() []source.Post {
	posted := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	return []source.Post{
		{
			RemoteID: "101",
			Kind:     session.SourceDiscourse,
			Topic:    "Welcome | intro",
			Author:   "ada",
			URL:      "https://forum.example.com/t/welcome/101",
			PostedAt: posted,
			Replies:  3,
		},
		{
			RemoteID: "102",
			Kind:     session.SourceDiscourse,
			Topic:    "Release <notes>",
			Author:   "grace",
			URL:      "https://forum.example.com/t/release/102",
			PostedAt: posted.Add(time.Hour),
		},
	}
}

// TestParseFormat verifies aliases and rejection of unknown names.
func TestParseFormat(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]Format{
		"json":     FormatJSON,
		"CSV":      FormatCSV,
		" html ":   FormatHTML,
		"markdown": FormatMarkdown,
		"md":       FormatMarkdown,
	} {
		got, err := ParseFormat(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}

	_, err := ParseFormat("yaml")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestRenderJSON(t *testing.T) {
	t.Parallel()

	data, err := Render(testPosts(), FormatJSON)
	require.NoError(t, err)

	var decoded []source.Post
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	require.Equal(t, "101", decoded[0].RemoteID)

	// Empty input renders an empty array, not null.
	data, err = Render(nil, FormatJSON)
	require.NoError(t, err)
	require.JSONEq(t, "[]", string(data))
}

func TestRenderCSV(t *testing.T) {
	t.Parallel()

	data, err := Render(testPosts(), FormatCSV)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "remote_id,kind,topic,author,url,posted_at,replies", lines[0])
	require.Contains(t, lines[1], "101")
	require.Contains(t, lines[1], "2026-08-01T10:00:00Z")
}

func TestRenderHTMLEscapes(t *testing.T) {
	t.Parallel()

	data, err := Render(testPosts(), FormatHTML)
	require.NoError(t, err)
	html := string(data)
	require.Contains(t, html, "Release &lt;notes&gt;")
	require.NotContains(t, html, "Release <notes>")
	require.Contains(t, html, `href="https://forum.example.com/t/welcome/101"`)
}

func TestRenderMarkdownEscapesPipes(t *testing.T) {
	t.Parallel()

	data, err := Render(testPosts(), FormatMarkdown)
	require.NoError(t, err)
	md := string(data)
	require.Contains(t, md, `Welcome \| intro`)
	require.Contains(t, md, "| 101 |")
}

func TestRenderUnknownFormat(t *testing.T) {
	t.Parallel()

	_, err := Render(testPosts(), Format("yaml"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

// TestExporterStoresArtifact verifies the artifact lands in the provider
// under a session-scoped path with the right extension.
func TestExporterStoresArtifact(t *testing.T) {
	t.Parallel()

	provider := storagememory.New()
	exporter := NewExporter(provider)
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	uri, err := exporter.Export(context.Background(), "s1", testPosts(), FormatJSON, at)
	require.NoError(t, err)
	require.Equal(t, "memory://exports/s1/20260830T120000Z.json", uri)

	content, ok := provider.Get("exports/s1/20260830T120000Z.json")
	require.True(t, ok)
	require.True(t, json.Valid(content))

	_, err = exporter.Export(context.Background(), "", nil, FormatJSON, at)
	require.Error(t, err)
}
