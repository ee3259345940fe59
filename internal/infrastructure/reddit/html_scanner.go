package reddit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"

	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/scanner"
)

const defaultHTMLBaseURL = "https://old.reddit.com"

// HTMLScanner crawls the old.reddit listing page of a channel. It needs no
// credentials and serves as the fallback strategy.
type HTMLScanner struct {
	client    *http.Client
	baseURL   string
	userAgent string
}

// NewHTMLScanner wires an HTTP client; nil picks a client with a 20s timeout.
func NewHTMLScanner(client *http.Client, baseURL, userAgent string) *HTMLScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if baseURL == "" {
		baseURL = defaultHTMLBaseURL
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &HTMLScanner{client: client, baseURL: strings.TrimSuffix(baseURL, "/"), userAgent: userAgent}
}

// Name identifies the strategy inside the registry.
func (h *HTMLScanner) Name() string {
	return "reddit-html"
}

// Scan fetches the /new/ page of req.Channel and extracts every listed post.
func (h *HTMLScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.Item, error) {
	if req.Channel == "" {
		return nil, fmt.Errorf("no channel provided")
	}

	pageURL, err := buildPageURL(h.baseURL, req)
	if err != nil {
		return nil, err
	}

	doc, err := h.fetchDocument(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", req.Channel, err)
	}

	var items []domain.Item
	doc.Find("div.thing[data-fullname]").Each(func(_ int, thing *goquery.Selection) {
		item, ok := parseThing(thing, req.Channel)
		if ok {
			items = append(items, item)
		}
	})
	return items, nil
}

func (h *HTMLScanner) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reddit returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	return doc, nil
}

func parseThing(thing *goquery.Selection, channel string) (domain.Item, bool) {
	if promoted, _ := thing.Attr("data-promoted"); promoted == "true" {
		return domain.Item{}, false
	}

	fullname, _ := thing.Attr("data-fullname")
	id := strings.TrimPrefix(fullname, "t3_")
	if id == "" || id == fullname {
		return domain.Item{}, false
	}

	if sub, ok := thing.Attr("data-subreddit"); ok && sub != "" {
		channel = sub
	}
	author, _ := thing.Attr("data-author")
	permalink, _ := thing.Attr("data-permalink")
	link, _ := thing.Attr("data-url")
	title := strings.TrimSpace(thing.Find("a.title").First().Text())

	return domain.Item{
		ID:        id,
		Author:    author,
		Channel:   channel,
		Title:     title,
		Permalink: permalink,
		URL:       link,
		CreatedAt: parseCreated(thing),
	}, true
}

// parseCreated prefers the millisecond data-timestamp attribute and falls back
// to the <time datetime> element.
func parseCreated(thing *goquery.Selection) time.Time {
	if raw, ok := thing.Attr("data-timestamp"); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	if raw, ok := thing.Find("time[datetime]").First().Attr("datetime"); ok {
		if parsed, err := dateparse.ParseAny(raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}

func buildPageURL(base string, req scanner.Request) (string, error) {
	parsed, err := url.Parse(base + "/r/" + url.PathEscape(req.Channel) + "/new/")
	if err != nil {
		return "", fmt.Errorf("invalid channel url %s: %w", base, err)
	}

	if req.Limit > 0 {
		query := parsed.Query()
		query.Set("limit", strconv.Itoa(req.Limit))
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}
