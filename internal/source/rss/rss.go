// Package rss implements the source.Adapter interface for RSS 2.0 feeds,
// which many forums expose alongside their HTML views.
package rss

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"forumharvest/internal/session"
	"forumharvest/internal/source"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Adapter fetches the full feed on every call and pages through its items.
// The cursor is the zero-based item offset; feeds are small enough that
// refetching is cheaper than conditional requests.
type Adapter struct {
	cfg           Config
	baseCollector *colly.Collector
	now           func() time.Time
}

// New builds an Adapter.
func New(cfg Config) *Adapter {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Adapter{
		cfg:           cfg,
		baseCollector: c,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Kind reports the source kind served by this adapter.
func (a *Adapter) Kind() session.SourceKind {
	return session.SourceRSS
}

type feed struct {
	Channel struct {
		Title string `xml:"title"`
		Items []struct {
			Title       string `xml:"title"`
			Link        string `xml:"link"`
			GUID        string `xml:"guid"`
			Author      string `xml:"author"`
			Creator     string `xml:"creator"`
			Description string `xml:"description"`
			PubDate     string `xml:"pubDate"`
		} `xml:"item"`
	} `xml:"channel"`
}

// FetchBatch returns up to limit feed items starting at the cursor offset.
func (a *Adapter) FetchBatch(ctx context.Context, target, cursor string, limit int) (source.Batch, error) {
	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return source.Batch{}, fmt.Errorf("invalid rss cursor %q", cursor)
		}
		offset = parsed
	}

	body, rateLimited, err := a.fetch(ctx, target)
	batch := source.Batch{Requests: 1, RateLimited: rateLimited}
	if err != nil {
		return batch, err
	}

	var decoded feed
	if err := xml.Unmarshal(body, &decoded); err != nil {
		return batch, fmt.Errorf("decode rss feed: %w", err)
	}
	items := decoded.Channel.Items
	if offset >= len(items) {
		return batch, nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	fetchedAt := a.now()
	posts := make([]source.Post, 0, end-offset)
	for _, item := range items[offset:end] {
		remoteID := item.GUID
		if remoteID == "" {
			remoteID = item.Link
		}
		author := item.Author
		if author == "" {
			author = item.Creator
		}
		posts = append(posts, source.Post{
			RemoteID:  remoteID,
			Kind:      session.SourceRSS,
			Topic:     item.Title,
			Author:    author,
			Content:   item.Description,
			URL:       item.Link,
			PostedAt:  parsePubDate(item.PubDate),
			FetchedAt: fetchedAt,
		})
	}
	batch.Posts = posts
	if end < len(items) {
		batch.NextCursor = strconv.Itoa(end)
	}
	return batch, nil
}

func (a *Adapter) fetch(ctx context.Context, url string) (body []byte, rateLimited int64, err error) {
	collector := a.baseCollector.Clone()
	if a.cfg.UserAgent != "" {
		collector.UserAgent = a.cfg.UserAgent
	}
	timeout := a.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var fetchErr error
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, cbErr error) {
		if r != nil && r.StatusCode == http.StatusTooManyRequests {
			rateLimited++
		}
		fetchErr = cbErr
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, rateLimited, fmt.Errorf("rss fetch canceled: %w", ctx.Err())
	case visitErr := <-done:
		if visitErr != nil {
			return nil, rateLimited, fmt.Errorf("rss visit failed: %w", visitErr)
		}
		if fetchErr != nil {
			return nil, rateLimited, fmt.Errorf("rss response failed: %w", fetchErr)
		}
		return body, rateLimited, nil
	}
}

func parsePubDate(raw string) time.Time {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
