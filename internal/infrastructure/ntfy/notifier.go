package ntfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maxbeyer1/reddit-monitor/internal/acklink"
	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/ports"
)

// Config wires the publisher.
type Config struct {
	URL      string
	Topic    string
	Priority int
	Tags     []string
	Username string
	Password string
}

// Notifier publishes items to an ntfy topic using the JSON endpoint.
type Notifier struct {
	cfg    Config
	links  acklink.Builder
	client *http.Client
	now    func() time.Time
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier builds a publisher; nil client picks a 10s timeout.
func NewNotifier(cfg Config, links acklink.Builder, client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{cfg: cfg, links: links, client: client, now: time.Now}
}

// Name identifies the channel in logs and metrics.
func (n *Notifier) Name() string {
	return "ntfy"
}

type message struct {
	Topic    string   `json:"topic"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Click    string   `json:"click,omitempty"`
	Actions  []action `json:"actions,omitempty"`
}

type action struct {
	Action string `json:"action"`
	Label  string `json:"label"`
	URL    string `json:"url"`
	Clear  bool   `json:"clear,omitempty"`
}

// Send publishes item. A non-empty token adds an Acknowledge action.
func (n *Notifier) Send(ctx context.Context, item domain.Item, token string) error {
	if n.cfg.URL == "" || n.cfg.Topic == "" {
		return fmt.Errorf("ntfy notifier misconfigured")
	}

	msg := message{
		Topic:    n.cfg.Topic,
		Title:    item.Headline(),
		Message:  item.Summary(n.now()),
		Priority: n.cfg.Priority,
		Tags:     n.cfg.Tags,
		Click:    item.Link(),
	}
	if ack := n.links.URL(token); ack != "" {
		msg.Actions = append(msg.Actions, action{Action: "view", Label: "Acknowledge", URL: ack, Clear: true})
	}
	if link := item.Link(); link != "" {
		msg.Actions = append(msg.Actions, action{Action: "view", Label: "Open post", URL: link})
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(n.cfg.URL, "/")+"/", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Username != "" && n.cfg.Password != "" {
		req.SetBasicAuth(n.cfg.Username, n.cfg.Password)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ntfy error: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	return nil
}
