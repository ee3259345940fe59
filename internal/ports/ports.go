package ports

import (
	"context"
	"time"

	"github.com/maxbeyer1/reddit-monitor/internal/domain"
)

// ItemSource pulls fresh items for the configured author and channels.
type ItemSource interface {
	FetchNew(ctx context.Context) ([]domain.Item, error)
}

// SeenStore is the durable deduplication gate.
type SeenStore interface {
	Has(ctx context.Context, itemID string) (bool, error)
	// MarkSeen inserts the record if absent; inserted is false when it already existed.
	MarkSeen(ctx context.Context, record domain.SeenRecord) (inserted bool, error)
	ListSeen(ctx context.Context, limit int) ([]domain.SeenRecord, error)
}

// EscalationStore persists acknowledgment windows across restarts.
type EscalationStore interface {
	SaveEscalation(ctx context.Context, esc domain.PendingEscalation) error
	PendingEscalations(ctx context.Context) ([]domain.PendingEscalation, error)
}

// Notifier delivers the primary push notification.
type Notifier interface {
	Name() string
	// Send delivers the item; an empty token means no acknowledgment action.
	Send(ctx context.Context, item domain.Item, token string) error
}

// FallbackDispatcher places the secondary voice/SMS alert.
type FallbackDispatcher interface {
	Dispatch(ctx context.Context, esc domain.PendingEscalation) error
}

// Scheduler controls when the poll loop executes.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
