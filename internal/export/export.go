// Package export renders harvested posts into user-facing formats and
// stores the resulting artifacts through a storage provider.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"

	"forumharvest/internal/source"
	"forumharvest/internal/storage"
)

// ErrUnsupportedFormat signals a format this build cannot render.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Format names a supported output format.
type Format string

// Supported export formats.
const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
)

// ParseFormat normalizes a user-supplied format name.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatHTML:
		return FormatHTML, nil
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

// Extension returns the file extension for the format, without the dot.
func (f Format) Extension() string {
	if f == FormatMarkdown {
		return "md"
	}
	return string(f)
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

var htmlTemplate = template.Must(template.New("export").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Harvested posts</title></head>
<body>
<h1>Harvested posts ({{len .}})</h1>
<table border="1">
<tr><th>ID</th><th>Topic</th><th>Author</th><th>Posted</th><th>Replies</th><th>Link</th></tr>
{{range .}}<tr>
<td>{{.RemoteID}}</td>
<td>{{.Topic}}</td>
<td>{{.Author}}</td>
<td>{{.PostedAt.Format "2006-01-02 15:04"}}</td>
<td>{{.Replies}}</td>
<td><a href="{{.URL}}">origin</a></td>
</tr>{{end}}
</table>
</body>
</html>
`))

// Render serializes posts in the requested format.
func Render(posts []source.Post, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return renderJSON(posts)
	case FormatCSV:
		return renderCSV(posts)
	case FormatHTML:
		return renderHTML(posts)
	case FormatMarkdown:
		return renderMarkdown(posts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func renderJSON(posts []source.Post) ([]byte, error) {
	if posts == nil {
		posts = []source.Post{}
	}
	data, err := json.MarshalIndent(posts, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal posts: %w", err)
	}
	return data, nil
}

func renderCSV(posts []source.Post) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"remote_id", "kind", "topic", "author", "url", "posted_at", "replies"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, post := range posts {
		row := []string{
			post.RemoteID,
			string(post.Kind),
			post.Topic,
			post.Author,
			post.URL,
			post.PostedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(post.Replies, 10),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func renderHTML(posts []source.Post) ([]byte, error) {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, posts); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

func renderMarkdown(posts []source.Post) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# Harvested posts (%d)\n\n", len(posts))
	buf.WriteString("| ID | Topic | Author | Posted | Replies |\n")
	buf.WriteString("| --- | --- | --- | --- | --- |\n")
	for _, post := range posts {
		fmt.Fprintf(&buf, "| %s | %s | %s | %s | %d |\n",
			escapePipes(post.RemoteID),
			escapePipes(post.Topic),
			escapePipes(post.Author),
			post.PostedAt.UTC().Format("2006-01-02 15:04"),
			post.Replies,
		)
	}
	return buf.Bytes(), nil
}

func escapePipes(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}

// Exporter renders posts and persists the artifact.
type Exporter struct {
	provider storage.Provider
}

// NewExporter wires a storage provider.
func NewExporter(provider storage.Provider) *Exporter {
	return &Exporter{provider: provider}
}

// Export renders the posts and stores the artifact under
// exports/<session>/<timestamp>.<ext>, returning its URI.
func (e *Exporter) Export(ctx context.Context, sessionID string, posts []source.Post, format Format, at time.Time) (string, error) {
	if e == nil || e.provider == nil {
		return "", fmt.Errorf("exporter is not configured")
	}
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	rendered, err := Render(posts, format)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("exports/%s/%s.%s", sessionID, at.UTC().Format("20060102T150405Z"), format.Extension())
	uri, err := e.provider.PutObject(ctx, path, format.ContentType(), bytes.NewReader(rendered))
	if err != nil {
		return "", fmt.Errorf("store export artifact: %w", err)
	}
	return uri, nil
}
