package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const redditBaseURL = "https://www.reddit.com"

// Item is a single post observed from the content source.
type Item struct {
	ID        string
	Author    string
	Channel   string
	Title     string
	Permalink string
	URL       string
	CreatedAt time.Time
}

// Link returns the absolute permalink of the item.
func (i Item) Link() string {
	switch {
	case i.Permalink == "":
		return i.URL
	case strings.HasPrefix(i.Permalink, "http"):
		return i.Permalink
	default:
		return redditBaseURL + "/" + strings.TrimPrefix(i.Permalink, "/")
	}
}

// Headline is the one-line title used by every notification channel.
func (i Item) Headline() string {
	return fmt.Sprintf("New Reddit Post by u/%s", i.Author)
}

// Summary renders the notification body relative to now.
func (i Item) Summary(now time.Time) string {
	posted := i.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC")
	if !i.CreatedAt.IsZero() && !i.CreatedAt.After(now) {
		posted = fmt.Sprintf("%s (%s)", posted, humanize.RelTime(i.CreatedAt, now, "ago", "from now"))
	}
	return fmt.Sprintf("Post in r/%s: %s\n\nPosted at: %s", i.Channel, i.Title, posted)
}

// SeenRecord is the persisted fact that an item has been processed.
type SeenRecord struct {
	ItemID      string
	Author      string
	Channel     string
	Title       string
	FirstSeenAt time.Time
}

// NewSeenRecord snapshots the item at detection time.
func NewSeenRecord(item Item, at time.Time) SeenRecord {
	return SeenRecord{
		ItemID:      item.ID,
		Author:      item.Author,
		Channel:     item.Channel,
		Title:       item.Title,
		FirstSeenAt: at,
	}
}

// EscalationStatus enumerates the acknowledgment window lifecycle.
type EscalationStatus string

const (
	StatusPending      EscalationStatus = "pending"
	StatusAcknowledged EscalationStatus = "acknowledged"
	StatusEscalated    EscalationStatus = "escalated"
	StatusCancelled    EscalationStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s EscalationStatus) Terminal() bool {
	return s != StatusPending
}

// PendingEscalation tracks one in-flight acknowledgment window.
type PendingEscalation struct {
	Token      string
	Item       Item
	CreatedAt  time.Time
	Deadline   time.Time
	Status     EscalationStatus
	ResolvedAt time.Time
}

// SortOldestFirst orders items by creation time, then by ID.
func SortOldestFirst(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
