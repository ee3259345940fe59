package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/scanner"
)

const (
	defaultAPIBaseURL  = "https://oauth.reddit.com"
	defaultTokenURL    = "https://www.reddit.com/api/v1/access_token"
	defaultUserAgent   = "RedditMonitor/1.0"
	defaultListingSize = 10
)

// APIConfig describes the app-only OAuth client.
type APIConfig struct {
	ClientID          string
	ClientSecret      string
	UserAgent         string
	BaseURL           string
	TokenURL          string
	RequestsPerMinute int
	MaxRetries        int
	Logger            *slog.Logger
}

// APIScanner reads /r/<channel>/new through the authenticated JSON API.
type APIScanner struct {
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewAPIScanner wires client-credentials OAuth over a retrying transport.
func NewAPIScanner(cfg APIConfig) *APIScanner {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}

	retry := retryablehttp.NewClient()
	retry.RetryMax = cfg.MaxRetries
	retry.RetryWaitMin = 500 * time.Millisecond
	retry.RetryWaitMax = 5 * time.Second
	retry.HTTPClient.Timeout = 20 * time.Second
	retry.HTTPClient.Transport = userAgentTransport{agent: cfg.UserAgent, next: retry.HTTPClient.Transport}
	if cfg.Logger != nil {
		retry.Logger = cfg.Logger.With("component", "reddit-http")
	} else {
		retry.Logger = nil
	}

	creds := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, retry.StandardClient())

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}

	return &APIScanner{
		client:  creds.Client(ctx),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Name identifies the strategy inside the registry.
func (a *APIScanner) Name() string {
	return "reddit-api"
}

// Scan returns the newest posts of req.Channel.
func (a *APIScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.Item, error) {
	if req.Channel == "" {
		return nil, fmt.Errorf("no channel provided")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	listingURL, err := buildListingURL(a.baseURL, req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, listingURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request listing r/%s: %w", req.Channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reddit returned %s for r/%s", resp.Status, req.Channel)
	}

	var payload listing
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}

	items := make([]domain.Item, 0, len(payload.Data.Children))
	for _, child := range payload.Data.Children {
		if child.Kind != "t3" || child.Data.ID == "" {
			continue
		}
		items = append(items, child.Data.toItem(req.Channel))
	}
	return items, nil
}

type listing struct {
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data post   `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type post struct {
	ID         string  `json:"id"`
	Author     string  `json:"author"`
	Subreddit  string  `json:"subreddit"`
	Title      string  `json:"title"`
	Permalink  string  `json:"permalink"`
	URL        string  `json:"url"`
	CreatedUTC float64 `json:"created_utc"`
}

func (p post) toItem(channel string) domain.Item {
	if p.Subreddit != "" {
		channel = p.Subreddit
	}
	sec := int64(p.CreatedUTC)
	return domain.Item{
		ID:        p.ID,
		Author:    p.Author,
		Channel:   channel,
		Title:     p.Title,
		Permalink: p.Permalink,
		URL:       p.URL,
		CreatedAt: time.Unix(sec, 0).UTC(),
	}
}

func buildListingURL(base string, req scanner.Request) (string, error) {
	parsed, err := url.Parse(base + "/r/" + url.PathEscape(req.Channel) + "/new")
	if err != nil {
		return "", fmt.Errorf("invalid listing url %s: %w", base, err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultListingSize
	}
	query := parsed.Query()
	query.Set("limit", strconv.Itoa(limit))
	query.Set("raw_json", "1")
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

type userAgentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return next.RoundTrip(req)
}
