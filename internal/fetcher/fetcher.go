// Package fetcher handles feed downloading, parsing and change detection.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"feedgrab/internal/filter"
	"feedgrab/internal/model"
)

const (
	userAgent   = "feedgrab/1.0"
	maxFeedSize = 10 * 1024 * 1024
)

var errNoTimestamp = errors.New("no parseable publish or update date")

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchError is returned for any failure to retrieve or parse a feed.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch feed %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ItemParseError describes a feed entry that was left out of the result.
type ItemParseError struct {
	Index int
	Title string
	Raw   string
	Err   error
}

func (e *ItemParseError) Error() string {
	return fmt.Sprintf("item %d (%q): %v", e.Index, e.Title, e.Err)
}

func (e *ItemParseError) Unwrap() error { return e.Err }

// Feed is a parsed feed document. Items keep document order.
type Feed struct {
	Title   string
	Items   []model.FeedItem
	Invalid []*ItemParseError
}

// Fetcher downloads and parses feeds.
type Fetcher struct {
	client HTTPClient
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch downloads and parses the feed at url. Every failure is a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Feed, error) {
	parsed, err := f.fetch(ctx, url)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	return convert(parsed), nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

func convert(parsed *gofeed.Feed) *Feed {
	out := &Feed{
		Title: parsed.Title,
		Items: make([]model.FeedItem, 0, len(parsed.Items)),
	}
	for i, entry := range parsed.Items {
		ts, ok := itemTime(entry)
		if !ok {
			raw := entry.Published
			if raw == "" {
				raw = entry.Updated
			}
			out.Invalid = append(out.Invalid, &ItemParseError{
				Index: i,
				Title: entry.Title,
				Raw:   raw,
				Err:   errNoTimestamp,
			})
			continue
		}
		out.Items = append(out.Items, model.FeedItem{
			Title:       entry.Title,
			Link:        entry.Link,
			PublishedAt: ts,
		})
	}
	return out
}

// itemTime prefers the publish date and falls back to the update date,
// which is all some Atom feeds carry.
func itemTime(entry *gofeed.Item) (time.Time, bool) {
	if entry.PublishedParsed != nil {
		return *entry.PublishedParsed, true
	}
	if entry.UpdatedParsed != nil {
		return *entry.UpdatedParsed, true
	}
	return time.Time{}, false
}

// Detection is the outcome of comparing a feed against a watermark.
type Detection struct {
	URLs      []string
	Watermark time.Time
	// Skipped counts new items that had no link.
	Skipped int
}

// Detect returns the links of items newer than watermark whose title passes
// rule, together with the new watermark. Every newer item advances the
// watermark, including ones the rule rejects and ones without a link.
func Detect(items []model.FeedItem, watermark time.Time, rule filter.Rule) Detection {
	d := Detection{Watermark: watermark}
	for _, item := range items {
		if !item.PublishedAt.After(watermark) {
			continue
		}
		if item.PublishedAt.After(d.Watermark) {
			d.Watermark = item.PublishedAt
		}
		if item.Link == "" {
			d.Skipped++
			continue
		}
		if rule.Match(item.Title) {
			d.URLs = append(d.URLs, item.Link)
		}
	}
	return d
}
