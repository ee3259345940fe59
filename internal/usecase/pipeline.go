package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/metrics"
	"github.com/maxbeyer1/reddit-monitor/internal/ports"
)

// ErrSource marks a failed source query; the next tick retries it.
var ErrSource = errors.New("source query failed")

// Escalator opens and cancels acknowledgment windows.
type Escalator interface {
	Schedule(ctx context.Context, item domain.Item, delay time.Duration) (domain.PendingEscalation, error)
	Cancel(ctx context.Context, token string) bool
}

// PipelineDeps wires all driven adapters into the poll pipeline. A nil
// Escalations disables acknowledgment actions and fallback calls.
type PipelineDeps struct {
	Source        ports.ItemSource
	Store         ports.SeenStore
	Notifier      ports.Notifier
	Escalations   Escalator
	FollowupDelay time.Duration
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// PollResult summarizes one tick.
type PollResult struct {
	Fetched  int
	New      int
	Notified int
	Failed   int
}

// Pipeline implements the detect, dedupe and notify workflow.
type Pipeline struct {
	source        ports.ItemSource
	store         ports.SeenStore
	notifier      ports.Notifier
	escalations   Escalator
	followupDelay time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{
		source:        deps.Source,
		store:         deps.Store,
		notifier:      deps.Notifier,
		escalations:   deps.Escalations,
		followupDelay: deps.FollowupDelay,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
		now:           deps.Now,
	}
}

// Poll runs one tick. Items are processed oldest first; an item is marked
// seen before it is announced so it is never announced twice. Store errors
// abort the tick; delivery errors only affect their own item.
func (p *Pipeline) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult
	if p.source == nil || p.store == nil {
		return res, nil
	}

	start := p.now()
	items, err := p.source.FetchNew(ctx)
	if err != nil {
		p.metrics.ObservePoll("source_error", p.now().Sub(start))
		return res, fmt.Errorf("%w: %w", ErrSource, err)
	}
	res.Fetched = len(items)

	ordered := append([]domain.Item(nil), items...)
	domain.SortOldestFirst(ordered)

	for _, item := range ordered {
		seen, err := p.store.Has(ctx, item.ID)
		if err != nil {
			p.metrics.ObservePoll("store_error", p.now().Sub(start))
			return res, fmt.Errorf("check seen %s: %w", item.ID, err)
		}
		if seen {
			continue
		}

		inserted, err := p.store.MarkSeen(ctx, domain.NewSeenRecord(item, p.now()))
		if err != nil {
			p.metrics.ObservePoll("store_error", p.now().Sub(start))
			return res, fmt.Errorf("mark seen %s: %w", item.ID, err)
		}
		if !inserted {
			continue
		}

		res.New++
		p.metrics.ItemDetected()
		p.logger.Info("new item detected", "item_id", item.ID, "author", item.Author, "channel", item.Channel, "title", item.Title)

		if err := p.announce(ctx, item); err != nil {
			res.Failed++
			continue
		}
		res.Notified++
	}

	p.metrics.ObservePoll("ok", p.now().Sub(start))
	return res, nil
}

// announce opens the escalation window first so the notification can carry
// its token, and cancels it when delivery fails.
func (p *Pipeline) announce(ctx context.Context, item domain.Item) error {
	if p.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	channel := p.notifier.Name()

	var token string
	if p.escalations != nil {
		esc, err := p.escalations.Schedule(ctx, item, p.followupDelay)
		if err != nil {
			p.logger.Error("schedule escalation failed, notifying without acknowledgment", "item_id", item.ID, "error", err)
		} else {
			token = esc.Token
		}
	}

	if err := p.notifier.Send(ctx, item, token); err != nil {
		p.metrics.Notification(channel, "failed")
		p.logger.Error("notification failed", "channel", channel, "item_id", item.ID, "error", err)
		if token != "" {
			p.escalations.Cancel(ctx, token)
		}
		return err
	}

	p.metrics.Notification(channel, "sent")
	p.logger.Info("notification sent", "channel", channel, "item_id", item.ID, "token", token)
	return nil
}
