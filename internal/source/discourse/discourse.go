// Package discourse implements the source.Adapter interface for Discourse
// forums using their JSON topic listing.
package discourse

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
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

// Adapter walks a Discourse instance page by page via /latest.json. The
// cursor is the zero-based page number; an empty cursor starts at page zero.
type Adapter struct {
	cfg           Config
	baseCollector *colly.Collector
	now           func() time.Time
}

// New builds an Adapter.
func New(cfg Config) *Adapter {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = false
	c.WithTransport(newHTTPTransport())
	return &Adapter{
		cfg:           cfg,
		baseCollector: c,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Kind reports the source kind served by this adapter.
func (a *Adapter) Kind() session.SourceKind {
	return session.SourceDiscourse
}

// latestPage mirrors the subset of the Discourse /latest.json payload the
// adapter consumes.
type latestPage struct {
	Users []struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"users"`
	TopicList struct {
		MoreTopicsURL string `json:"more_topics_url"`
		Topics        []struct {
			ID         int64     `json:"id"`
			Title      string    `json:"title"`
			Slug       string    `json:"slug"`
			PostsCount int64     `json:"posts_count"`
			CreatedAt  time.Time `json:"created_at"`
			Posters    []struct {
				UserID int64 `json:"user_id"`
			} `json:"posters"`
		} `json:"topics"`
	} `json:"topic_list"`
}

// FetchBatch retrieves one listing page at the cursor position. The limit is
// a hint only; the cursor advances in whole pages so every topic on the page
// is returned.
func (a *Adapter) FetchBatch(ctx context.Context, target, cursor string, _ int) (source.Batch, error) {
	page, err := parseCursor(cursor)
	if err != nil {
		return source.Batch{}, err
	}
	pageURL := fmt.Sprintf("%s/latest.json?page=%d", strings.TrimRight(target, "/"), page)

	body, rateLimited, err := a.fetch(ctx, pageURL)
	batch := source.Batch{Requests: 1, RateLimited: rateLimited}
	if err != nil {
		return batch, err
	}

	var decoded latestPage
	if err := json.Unmarshal(body, &decoded); err != nil {
		return batch, fmt.Errorf("decode discourse listing: %w", err)
	}
	if len(decoded.TopicList.Topics) == 0 {
		return batch, nil
	}

	usernames := make(map[int64]string, len(decoded.Users))
	for _, u := range decoded.Users {
		usernames[u.ID] = u.Username
	}

	fetchedAt := a.now()
	posts := make([]source.Post, 0, len(decoded.TopicList.Topics))
	for _, topic := range decoded.TopicList.Topics {
		author := ""
		if len(topic.Posters) > 0 {
			author = usernames[topic.Posters[0].UserID]
		}
		posts = append(posts, source.Post{
			RemoteID:  strconv.FormatInt(topic.ID, 10),
			Kind:      session.SourceDiscourse,
			Topic:     topic.Title,
			Author:    author,
			URL:       fmt.Sprintf("%s/t/%s/%d", strings.TrimRight(target, "/"), topic.Slug, topic.ID),
			PostedAt:  topic.CreatedAt,
			FetchedAt: fetchedAt,
			Replies:   maxInt64(topic.PostsCount-1, 0),
		})
	}
	batch.Posts = posts
	if decoded.TopicList.MoreTopicsURL != "" {
		batch.NextCursor = strconv.Itoa(page + 1)
	}
	return batch, nil
}

// fetch executes a single GET through a cloned collector and returns the
// response body.
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
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})
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
		return nil, rateLimited, fmt.Errorf("discourse fetch canceled: %w", ctx.Err())
	case visitErr := <-done:
		if visitErr != nil {
			return nil, rateLimited, fmt.Errorf("discourse visit failed: %w", visitErr)
		}
		if fetchErr != nil {
			return nil, rateLimited, fmt.Errorf("discourse response failed: %w", fetchErr)
		}
		return body, rateLimited, nil
	}
}

func parseCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	page, err := strconv.Atoi(cursor)
	if err != nil || page < 0 {
		return 0, fmt.Errorf("invalid discourse cursor %q", cursor)
	}
	return page, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
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
