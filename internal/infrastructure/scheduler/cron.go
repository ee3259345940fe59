package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/maxbeyer1/reddit-monitor/internal/ports"
)

// CronScheduler runs the job on a fixed interval. Runs never overlap: a tick
// that arrives while the previous run is still busy is skipped.
type CronScheduler struct {
	interval time.Duration
	logger   cron.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	initial sync.WaitGroup
}

var _ ports.Scheduler = (*CronScheduler)(nil)

// NewCronScheduler builds a scheduler firing every interval.
func NewCronScheduler(interval time.Duration, logger cron.Logger) *CronScheduler {
	if logger == nil {
		logger = cron.DiscardLogger
	}
	return &CronScheduler{interval: interval, logger: logger}
}

// Start runs job once immediately and then on every interval until ctx is
// done or Stop is called.
func (c *CronScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return nil
	}

	guarded := cron.NewChain(cron.SkipIfStillRunning(c.logger)).Then(cron.FuncJob(func() {
		job(time.Now())
	}))

	c.cron = cron.New(cron.WithLogger(c.logger))
	c.cron.Schedule(cron.Every(c.interval), guarded)
	c.cron.Start()

	c.initial.Add(1)
	go func() {
		defer c.initial.Done()
		guarded.Run()
	}()

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()

	return nil
}

// Stop halts the schedule and waits for a running job to return.
func (c *CronScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cron == nil {
		c.mu.Unlock()
		return nil
	}
	done := c.cron.Stop()
	c.cron = nil
	c.mu.Unlock()

	initial := make(chan struct{})
	go func() {
		c.initial.Wait()
		close(initial)
	}()

	for _, ch := range []<-chan struct{}{done.Done(), initial} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
