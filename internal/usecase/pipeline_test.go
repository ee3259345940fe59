package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/escalation"
	"github.com/maxbeyer1/reddit-monitor/internal/infrastructure/storage"
	"github.com/maxbeyer1/reddit-monitor/internal/logging"
)

var base = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type staticSource struct {
	items []domain.Item
	err   error
}

func (s *staticSource) FetchNew(context.Context) ([]domain.Item, error) {
	return s.items, s.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	sent   []string
	tokens []string
	fail   map[string]bool
}

func (n *recordingNotifier) Name() string { return "test" }

func (n *recordingNotifier) Send(_ context.Context, item domain.Item, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail[item.ID] {
		return errors.New("push service down")
	}
	n.sent = append(n.sent, item.ID)
	n.tokens = append(n.tokens, token)
	return nil
}

type memorySeen struct {
	mu      sync.Mutex
	records map[string]domain.SeenRecord
	err     error
}

func newMemorySeen() *memorySeen {
	return &memorySeen{records: map[string]domain.SeenRecord{}}
}

func (m *memorySeen) Has(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.records[id]
	return ok, nil
}

func (m *memorySeen) MarkSeen(_ context.Context, rec domain.SeenRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ItemID]; ok {
		return false, nil
	}
	m.records[rec.ItemID] = rec
	return true, nil
}

func (m *memorySeen) ListSeen(context.Context, int) ([]domain.SeenRecord, error) { return nil, nil }

type countingDispatcher struct {
	mu    sync.Mutex
	calls []domain.PendingEscalation
}

func (d *countingDispatcher) Dispatch(_ context.Context, esc domain.PendingEscalation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, esc)
	return nil
}

type heldTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (t *heldTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type harness struct {
	now        time.Time
	timers     []*heldTimer
	dispatcher *countingDispatcher
	registry   *escalation.Registry
	notifier   *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: base, dispatcher: &countingDispatcher{}, notifier: &recordingNotifier{}}
	h.registry = escalation.New(h.dispatcher, escalation.Options{
		Logger: logging.Discard(),
		Now:    func() time.Time { return h.now },
		AfterFunc: func(d time.Duration, f func()) escalation.Timer {
			tm := &heldTimer{delay: d, f: f}
			h.timers = append(h.timers, tm)
			return tm
		},
	})
	t.Cleanup(func() { _ = h.registry.Close(context.Background()) })
	return h
}

func (h *harness) elapse() {
	for _, tm := range h.timers {
		if !tm.stopped {
			tm.f()
		}
	}
}

func (h *harness) pipeline(src *staticSource, store *memorySeen) *Pipeline {
	return NewPipeline(PipelineDeps{
		Source:        src,
		Store:         store,
		Notifier:      h.notifier,
		Escalations:   h.registry,
		FollowupDelay: 180 * time.Second,
		Logger:        logging.Discard(),
		Now:           func() time.Time { return h.now },
	})
}

func TestUnacknowledgedItemEscalatesOnce(t *testing.T) {
	h := newHarness(t)
	store := newMemorySeen()
	src := &staticSource{items: []domain.Item{{ID: "abc123", Author: "spez", Channel: "golang", CreatedAt: base}}}

	res, err := h.pipeline(src, store).Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollResult{Fetched: 1, New: 1, Notified: 1}, res)

	assert.Contains(t, store.records, "abc123")
	require.Equal(t, []string{"abc123"}, h.notifier.sent)
	token := h.notifier.tokens[0]
	require.NotEmpty(t, token)

	esc, ok := h.registry.Get(token)
	require.True(t, ok)
	assert.Equal(t, base.Add(180*time.Second), esc.Deadline)

	h.now = base.Add(180 * time.Second)
	h.elapse()
	h.elapse()
	require.Len(t, h.dispatcher.calls, 1)
	assert.Equal(t, "abc123", h.dispatcher.calls[0].Item.ID)
}

func TestAcknowledgedItemNeverEscalates(t *testing.T) {
	h := newHarness(t)
	src := &staticSource{items: []domain.Item{{ID: "abc123", Author: "spez", CreatedAt: base}}}

	_, err := h.pipeline(src, newMemorySeen()).Poll(context.Background())
	require.NoError(t, err)

	h.now = base.Add(30 * time.Second)
	result, _ := h.registry.Acknowledge(context.Background(), h.notifier.tokens[0])
	require.Equal(t, escalation.AckAcknowledged, result)

	h.now = base.Add(180 * time.Second)
	h.elapse()
	assert.Empty(t, h.dispatcher.calls)
}

func TestReplayNeverNotifiesTwice(t *testing.T) {
	h := newHarness(t)
	repo, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "seen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	src := &staticSource{items: []domain.Item{{ID: "abc123", Author: "spez", CreatedAt: base}}}
	p := NewPipeline(PipelineDeps{
		Source: src, Store: repo, Notifier: h.notifier, Escalations: h.registry,
		FollowupDelay: time.Minute, Logger: logging.Discard(),
	})

	for i := 0; i < 3; i++ {
		_, err := p.Poll(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"abc123"}, h.notifier.sent)
	assert.Equal(t, 1, h.registry.Pending())
}

func TestItemsProcessedOldestFirst(t *testing.T) {
	h := newHarness(t)
	src := &staticSource{items: []domain.Item{
		{ID: "c", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "a", CreatedAt: base},
		{ID: "b", CreatedAt: base.Add(time.Minute)},
	}}

	_, err := h.pipeline(src, newMemorySeen()).Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, h.notifier.sent)
}

func TestSendFailureCancelsEscalationAndKeepsSeen(t *testing.T) {
	h := newHarness(t)
	h.notifier.fail = map[string]bool{"bad": true}
	store := newMemorySeen()
	src := &staticSource{items: []domain.Item{
		{ID: "bad", CreatedAt: base},
		{ID: "good", CreatedAt: base.Add(time.Second)},
	}}

	res, err := h.pipeline(src, store).Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollResult{Fetched: 2, New: 2, Notified: 1, Failed: 1}, res)
	assert.Contains(t, store.records, "bad", "failed item stays seen")
	assert.Equal(t, []string{"good"}, h.notifier.sent, "sibling still notified")
	assert.Equal(t, 1, h.registry.Pending())

	h.elapse()
	require.Len(t, h.dispatcher.calls, 1)
	assert.Equal(t, "good", h.dispatcher.calls[0].Item.ID)
}

func TestStoreFailureAbortsTick(t *testing.T) {
	h := newHarness(t)
	store := newMemorySeen()
	store.err = errors.New("database is locked")
	src := &staticSource{items: []domain.Item{{ID: "abc123"}}}

	_, err := h.pipeline(src, store).Poll(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSource)
	assert.Empty(t, h.notifier.sent)
	assert.Zero(t, h.registry.Pending())
}

func TestSourceFailure(t *testing.T) {
	h := newHarness(t)
	src := &staticSource{err: errors.New("503")}

	_, err := h.pipeline(src, newMemorySeen()).Poll(context.Background())
	assert.ErrorIs(t, err, ErrSource)
}

func TestEscalationDisabledSendsWithoutToken(t *testing.T) {
	notifier := &recordingNotifier{}
	p := NewPipeline(PipelineDeps{
		Source:   &staticSource{items: []domain.Item{{ID: "abc123"}}},
		Store:    newMemorySeen(),
		Notifier: notifier,
		Logger:   logging.Discard(),
	})

	res, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Notified)
	assert.Equal(t, []string{""}, notifier.tokens)
}
