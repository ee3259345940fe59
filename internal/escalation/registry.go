// Package escalation owns the acknowledgment windows opened by primary
// notifications. Each token leaves the pending state exactly once: either an
// acknowledgment, a timer fire or a cancellation wins, and only the winner
// produces an external effect.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/metrics"
	"github.com/maxbeyer1/reddit-monitor/internal/ports"
)

const (
	defaultRetention       = 24 * time.Hour
	defaultDispatchTimeout = 30 * time.Second
	persistTimeout         = 5 * time.Second
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("escalation registry closed")

// AckResult is the outcome of an acknowledgment attempt.
type AckResult int

const (
	AckNotFound AckResult = iota
	AckAcknowledged
	AckAlreadyTerminal
)

func (r AckResult) String() string {
	switch r {
	case AckAcknowledged:
		return "acknowledged"
	case AckAlreadyTerminal:
		return "already_terminal"
	default:
		return "not_found"
	}
}

// Timer is the cancellation handle of a scheduled fire.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it via StdAfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

// StdAfterFunc wraps time.AfterFunc.
func StdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options tune a Registry. Zero values pick defaults.
type Options struct {
	Store           ports.EscalationStore
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	Retention       time.Duration
	DispatchTimeout time.Duration
	Now             func() time.Time
	AfterFunc       AfterFunc
}

type entry struct {
	mu    sync.Mutex
	esc   domain.PendingEscalation
	timer Timer
}

// Registry maps tokens to acknowledgment windows.
type Registry struct {
	dispatcher      ports.FallbackDispatcher
	store           ports.EscalationStore
	logger          *slog.Logger
	metrics         *metrics.Metrics
	retention       time.Duration
	dispatchTimeout time.Duration
	now             func() time.Time
	afterFunc       AfterFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	entries  map[string]*entry
	closed   bool
	inflight sync.WaitGroup
	pending  atomic.Int64
}

// New builds a registry that escalates through dispatcher.
func New(dispatcher ports.FallbackDispatcher, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = defaultDispatchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = StdAfterFunc
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		dispatcher:      dispatcher,
		store:           opts.Store,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		retention:       opts.Retention,
		dispatchTimeout: opts.DispatchTimeout,
		now:             opts.Now,
		afterFunc:       opts.AfterFunc,
		ctx:             ctx,
		cancel:          cancel,
		entries:         map[string]*entry{},
	}
}

// Schedule opens an acknowledgment window for item that escalates after delay.
func (r *Registry) Schedule(ctx context.Context, item domain.Item, delay time.Duration) (domain.PendingEscalation, error) {
	token, err := newToken()
	if err != nil {
		return domain.PendingEscalation{}, err
	}

	now := r.now()
	esc := domain.PendingEscalation{
		Token:     token,
		Item:      item,
		CreatedAt: now,
		Deadline:  now.Add(delay),
		Status:    domain.StatusPending,
	}
	if err := r.arm(ctx, esc, delay, true); err != nil {
		return domain.PendingEscalation{}, err
	}

	r.logger.Info("escalation scheduled", "token", token, "item_id", item.ID, "deadline", esc.Deadline)
	return esc, nil
}

// Restore re-arms every pending escalation found in the store. Windows whose
// deadline already passed fire immediately.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}

	stored, err := r.store.PendingEscalations(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore escalations: %w", err)
	}

	restored := 0
	now := r.now()
	for _, esc := range stored {
		r.mu.Lock()
		_, exists := r.entries[esc.Token]
		r.mu.Unlock()
		if exists {
			continue
		}

		delay := esc.Deadline.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if err := r.arm(ctx, esc, delay, false); err != nil {
			return restored, err
		}
		restored++
		r.logger.Info("escalation restored", "token", esc.Token, "item_id", esc.Item.ID, "deadline", esc.Deadline)
	}
	return restored, nil
}

func (r *Registry) arm(ctx context.Context, esc domain.PendingEscalation, delay time.Duration, persist bool) error {
	e := &entry{esc: esc}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.evictLocked(r.now())
	r.entries[esc.Token] = e
	// Held until the timer handle is stored so an early fire waits for it.
	e.mu.Lock()
	r.mu.Unlock()
	defer e.mu.Unlock()

	token := esc.Token
	e.timer = r.afterFunc(delay, func() { r.fire(token) })
	r.metrics.SetPending(int(r.pending.Add(1)))

	if persist {
		r.persist(ctx, esc)
	}
	return nil
}

// Acknowledge consumes token. Only the first call for a pending token stops the
// escalation; later calls report AckAlreadyTerminal without side effects.
func (r *Registry) Acknowledge(ctx context.Context, token string) (AckResult, domain.PendingEscalation) {
	r.mu.Lock()
	r.evictLocked(r.now())
	r.mu.Unlock()

	esc, found, won := r.transition(ctx, token, domain.StatusAcknowledged)
	switch {
	case !found:
		return AckNotFound, domain.PendingEscalation{}
	case !won:
		return AckAlreadyTerminal, esc
	}

	r.metrics.EscalationResolved(string(domain.StatusAcknowledged))
	r.metrics.Acknowledged(esc.ResolvedAt.Sub(esc.CreatedAt))
	r.logger.Info("escalation acknowledged", "token", token, "item_id", esc.Item.ID,
		"after", esc.ResolvedAt.Sub(esc.CreatedAt).Round(time.Second))
	return AckAcknowledged, esc
}

// Cancel closes the window without any external effect. It reports whether
// this call performed the transition.
func (r *Registry) Cancel(ctx context.Context, token string) bool {
	esc, _, won := r.transition(ctx, token, domain.StatusCancelled)
	if won {
		r.metrics.EscalationResolved(string(domain.StatusCancelled))
		r.logger.Info("escalation cancelled", "token", token, "item_id", esc.Item.ID)
	}
	return won
}

// Get returns a snapshot of the window for token.
func (r *Registry) Get(token string) (domain.PendingEscalation, bool) {
	r.mu.Lock()
	e, ok := r.entries[token]
	r.mu.Unlock()
	if !ok {
		return domain.PendingEscalation{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.esc, true
}

// Pending is the number of windows still waiting for an outcome.
func (r *Registry) Pending() int {
	return int(r.pending.Load())
}

// Close stops every timer and waits for in-flight fallback calls. Pending rows
// stay pending in the store so the next process restores them.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	defer r.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for fallback dispatches: %w", ctx.Err())
	}
}

func (r *Registry) fire(token string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	esc, found, won := r.transition(r.ctx, token, domain.StatusEscalated)
	if !found {
		return
	}
	if !won {
		r.logger.Debug("escalation timer fired after resolution", "token", token, "status", esc.Status)
		return
	}
	r.metrics.EscalationResolved(string(domain.StatusEscalated))
	r.logger.Warn("escalation deadline passed without acknowledgment", "token", token, "item_id", esc.Item.ID)

	if r.dispatcher == nil {
		r.logger.Error("no fallback dispatcher configured", "token", token)
		r.metrics.Fallback("failed")
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.dispatchTimeout)
	defer cancel()
	if err := r.dispatcher.Dispatch(ctx, esc); err != nil {
		r.metrics.Fallback("failed")
		r.logger.Error("fallback dispatch failed, escalation degraded", "token", token, "item_id", esc.Item.ID, "error", err)
		return
	}
	r.metrics.Fallback("sent")
	r.logger.Info("fallback dispatched", "token", token, "item_id", esc.Item.ID)
}

// transition moves token from pending to status. found is false for unknown
// tokens; won is true only for the call that left the pending state.
func (r *Registry) transition(ctx context.Context, token string, status domain.EscalationStatus) (esc domain.PendingEscalation, found, won bool) {
	r.mu.Lock()
	e, ok := r.entries[token]
	r.mu.Unlock()
	if !ok {
		return domain.PendingEscalation{}, false, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.esc.Status.Terminal() {
		return e.esc, true, false
	}

	e.esc.Status = status
	e.esc.ResolvedAt = r.now()
	if status != domain.StatusEscalated && e.timer != nil {
		e.timer.Stop()
	}
	r.metrics.SetPending(int(r.pending.Add(-1)))
	// Persisted before any external effect so a restart never re-fires.
	r.persist(ctx, e.esc)
	return e.esc, true, true
}

func (r *Registry) persist(ctx context.Context, esc domain.PendingEscalation) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.store.SaveEscalation(ctx, esc); err != nil {
		r.logger.Error("persist escalation", "token", esc.Token, "status", esc.Status, "error", err)
	}
}

// evictLocked drops terminal windows older than the retention period. r.mu must be held.
func (r *Registry) evictLocked(now time.Time) {
	for token, e := range r.entries {
		e.mu.Lock()
		expired := e.esc.Status.Terminal() && now.Sub(e.esc.ResolvedAt) > r.retention
		e.mu.Unlock()
		if expired {
			delete(r.entries, token)
		}
	}
}

func newToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return id.String(), nil
}
