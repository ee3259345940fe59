package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/escalation"
	"github.com/maxbeyer1/reddit-monitor/internal/logging"
	"github.com/maxbeyer1/reddit-monitor/internal/metrics"
)

const secret = "hook-secret"

type heldTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
}

func (t *heldTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *heldTimer) fire() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if !stopped {
		t.f()
	}
}

type countingDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDispatcher) Dispatch(context.Context, domain.PendingEscalation) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return nil
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// spyAcks records whether the registry was consulted.
type spyAcks struct {
	calls int
}

func (s *spyAcks) Acknowledge(context.Context, string) (escalation.AckResult, domain.PendingEscalation) {
	s.calls++
	return escalation.AckNotFound, domain.PendingEscalation{}
}

type failingPinger struct{ err error }

func (p failingPinger) PingContext(context.Context) error { return p.err }

type env struct {
	handler    http.Handler
	registry   *escalation.Registry
	dispatcher *countingDispatcher
	timers     []*heldTimer
	metrics    *metrics.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{dispatcher: &countingDispatcher{}}
	reg := prometheus.NewRegistry()
	e.metrics = metrics.New(reg)
	e.registry = escalation.New(e.dispatcher, escalation.Options{
		Logger: logging.Discard(),
		AfterFunc: func(_ time.Duration, f func()) escalation.Timer {
			tm := &heldTimer{f: f}
			e.timers = append(e.timers, tm)
			return tm
		},
	})
	t.Cleanup(func() { _ = e.registry.Close(context.Background()) })

	e.handler = NewHandler(Config{Path: "/acknowledge", Secret: secret}, Deps{
		Acks: e.registry, Metrics: e.metrics, Gatherer: reg, Logger: logging.Discard(),
	})
	return e
}

func (e *env) schedule(t *testing.T) domain.PendingEscalation {
	t.Helper()
	esc, err := e.registry.Schedule(context.Background(), domain.Item{ID: "abc123", Author: "spez"}, 180*time.Second)
	require.NoError(t, err)
	return esc
}

func do(h http.Handler, req *http.Request) (*httptest.ResponseRecorder, ackResponse) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body ackResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestAcknowledgeSuppressesFallback(t *testing.T) {
	e := newEnv(t)
	esc := e.schedule(t)

	rec, body := do(e.handler, httptest.NewRequest(http.MethodGet, "/acknowledge?id="+esc.Token+"&secret="+secret, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.Equal(t, "acknowledged", body.Status)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	for _, tm := range e.timers {
		tm.fire()
	}
	assert.Equal(t, 0, e.dispatcher.count())
}

func TestAcknowledgeTwiceIsIdempotent(t *testing.T) {
	e := newEnv(t)
	esc := e.schedule(t)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/acknowledge/"+esc.Token, nil)
		req.Header.Set("X-Webhook-Secret", secret)
		rec, body := do(e.handler, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, body.Success)
		assert.Equal(t, "acknowledged", body.Status)
	}

	for _, tm := range e.timers {
		tm.fire()
	}
	assert.Equal(t, 0, e.dispatcher.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.AckRequests.WithLabelValues("acknowledged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.AckRequests.WithLabelValues("already_terminal")))
}

func TestAcknowledgeAfterEscalation(t *testing.T) {
	e := newEnv(t)
	esc := e.schedule(t)
	e.timers[0].fire()
	require.Equal(t, 1, e.dispatcher.count())

	req := httptest.NewRequest(http.MethodGet, "/acknowledge?id="+esc.Token, nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	rec, body := do(e.handler, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "escalated", body.Status)
	assert.Equal(t, 1, e.dispatcher.count())
}

func TestUnknownTokenNotFound(t *testing.T) {
	e := newEnv(t)

	form := url.Values{"token": {"T_ghost"}, "secret": {secret}}
	req := httptest.NewRequest(http.MethodPost, "/acknowledge", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec, body := do(e.handler, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, body.Success)
	assert.Equal(t, "Notification not found", body.Error)
	assert.Equal(t, 0, e.registry.Pending())
}

func TestBadCredentialSkipsLookup(t *testing.T) {
	spy := &spyAcks{}
	h := NewHandler(Config{Path: "/acknowledge", Secret: secret}, Deps{Acks: spy, Logger: logging.Discard()})

	for _, target := range []string{
		"/acknowledge?id=T1",
		"/acknowledge?id=T1&secret=wrong",
		"/acknowledge/T1?secret=" + secret + "x",
	} {
		rec, body := do(h, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
		assert.Equal(t, "Unauthorized", body.Error)
	}
	assert.Equal(t, 0, spy.calls)
}

func TestEmptyConfiguredSecretRejectsEverything(t *testing.T) {
	spy := &spyAcks{}
	h := NewHandler(Config{Path: "/acknowledge"}, Deps{Acks: spy, Logger: logging.Discard()})

	rec, _ := do(h, httptest.NewRequest(http.MethodGet, "/acknowledge?id=T1&secret=", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, spy.calls)
}

func TestMissingToken(t *testing.T) {
	e := newEnv(t)
	rec, body := do(e.handler, httptest.NewRequest(http.MethodGet, "/acknowledge?secret="+secret, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, body.Success)
}

func TestHealthReadyMetrics(t *testing.T) {
	e := newEnv(t)

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	e.metrics.AckRequest("acknowledged")
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reddit_monitor_ack_requests_total")

	notReady := NewHandler(Config{Path: "/acknowledge", Secret: secret}, Deps{
		Acks: &spyAcks{}, Store: failingPinger{err: errors.New("db locked")}, Logger: logging.Discard(),
	})
	rec = httptest.NewRecorder()
	notReady.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerStartShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(Config{Path: "/acknowledge", Secret: secret}, Deps{Acks: &spyAcks{}, Logger: logging.Discard()})
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, <-done)
}
