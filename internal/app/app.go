package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/maxbeyer1/reddit-monitor/internal/acklink"
	"github.com/maxbeyer1/reddit-monitor/internal/config"
	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/escalation"
	"github.com/maxbeyer1/reddit-monitor/internal/infrastructure/ntfy"
	"github.com/maxbeyer1/reddit-monitor/internal/infrastructure/reddit"
	"github.com/maxbeyer1/reddit-monitor/internal/infrastructure/scheduler"
	"github.com/maxbeyer1/reddit-monitor/internal/infrastructure/storage"
	"github.com/maxbeyer1/reddit-monitor/internal/infrastructure/telegram"
	"github.com/maxbeyer1/reddit-monitor/internal/infrastructure/twilio"
	"github.com/maxbeyer1/reddit-monitor/internal/logging"
	"github.com/maxbeyer1/reddit-monitor/internal/metrics"
	"github.com/maxbeyer1/reddit-monitor/internal/ports"
	"github.com/maxbeyer1/reddit-monitor/internal/scanner"
	"github.com/maxbeyer1/reddit-monitor/internal/usecase"
	"github.com/maxbeyer1/reddit-monitor/internal/webhook"
	"github.com/maxbeyer1/reddit-monitor/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	repo      *storage.SQLiteRepository
	registry  *escalation.Registry
	pipeline  *usecase.Pipeline
	scheduler *usecase.Scheduler
	webhook   *webhook.Server
}

// New opens the store and builds every component named by cfg.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	repo, err := storage.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	registry := scanner.NewRegistry()
	registry.Register(reddit.NewAPIScanner(reddit.APIConfig{
		ClientID:          cfg.Reddit.ClientID,
		ClientSecret:      cfg.Reddit.ClientSecret,
		UserAgent:         cfg.Reddit.UserAgent,
		BaseURL:           cfg.Reddit.APIBaseURL,
		TokenURL:          cfg.Reddit.TokenURL,
		RequestsPerMinute: cfg.Reddit.RequestsPerMinute,
		MaxRetries:        cfg.Reddit.MaxRetries,
		Logger:            baseLogger,
	}))
	registry.Register(reddit.NewHTMLScanner(nil, cfg.Reddit.HTMLBaseURL, cfg.Reddit.UserAgent))

	source := reddit.NewStrategySource(registry, reddit.SourceConfig{
		Scanner:  cfg.Reddit.Scanner,
		Author:   cfg.Monitor.Author,
		Channels: cfg.Monitor.Channels,
		Limit:    cfg.Reddit.Limit,
	}, baseLogger.With("component", "source"))

	links := acklink.Builder{
		BaseURL:      cfg.Webhook.PublicURL,
		Path:         cfg.Webhook.Path,
		Secret:       cfg.Webhook.Secret,
		TokenInPath:  cfg.Webhook.TokenInPath,
		SecretInLink: cfg.Webhook.SecretInLink,
	}
	notifier := newNotifier(cfg.Notifications, links)

	a := &Application{cfg: cfg, logger: baseLogger, repo: repo}

	var escalator usecase.Escalator
	if cfg.EscalationEnabled() {
		dispatcher := twilio.NewDispatcher(twilio.Config{
			AccountSID:   cfg.Fallback.AccountSID,
			AuthToken:    cfg.Fallback.AuthToken,
			FromNumber:   cfg.Fallback.FromNumber,
			ToNumber:     cfg.Fallback.ToNumber,
			BaseURL:      cfg.Fallback.BaseURL,
			VoiceEnabled: cfg.Fallback.VoiceEnabled,
			SMSEnabled:   cfg.Fallback.SMSEnabled,
		}, nil, baseLogger.With("component", "twilio"))

		a.registry = escalation.New(dispatcher, escalation.Options{
			Store:     repo,
			Logger:    baseLogger.With("component", "escalation"),
			Metrics:   m,
			Retention: cfg.Escalation.Retention,
		})
		escalator = a.registry
	} else {
		baseLogger.Info("escalation disabled, notifications carry no acknowledgment action",
			"fallback_enabled", cfg.Fallback.Enabled, "webhook_enabled", cfg.Webhook.Enabled)
	}

	a.pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Source:        source,
		Store:         repo,
		Notifier:      notifier,
		Escalations:   escalator,
		FollowupDelay: cfg.Escalation.FollowupDelay,
		Metrics:       m,
		Logger:        baseLogger.With("component", "pipeline"),
	})

	driver := scheduler.NewCronScheduler(cfg.Monitor.PollInterval, logger.Cron(baseLogger))
	a.scheduler = usecase.NewScheduler(driver, a.pipeline, baseLogger.With("component", "scheduler"))

	if cfg.Webhook.Enabled {
		var acks webhook.Acknowledger = unknownTokens{}
		if a.registry != nil {
			acks = a.registry
		}
		a.webhook = webhook.NewServer(webhook.Config{
			Addr:   cfg.Webhook.Addr(),
			Path:   cfg.Webhook.Path,
			Secret: cfg.Webhook.Secret,
		}, webhook.Deps{
			Acks:     acks,
			Store:    repo,
			Metrics:  m,
			Gatherer: promRegistry,
			Logger:   baseLogger.With("component", "webhook"),
		})
	}

	return a, nil
}

func newNotifier(cfg config.NotificationConfig, links acklink.Builder) ports.Notifier {
	if cfg.Primary == config.PrimaryTelegram {
		return telegram.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.Endpoint, links)
	}
	return ntfy.NewNotifier(ntfy.Config{
		URL:      cfg.Ntfy.URL,
		Topic:    cfg.Ntfy.Topic,
		Priority: cfg.Ntfy.Priority,
		Tags:     cfg.Ntfy.Tags,
		Username: cfg.Ntfy.Username,
		Password: cfg.Ntfy.Password,
	}, links, nil)
}

// Run restores pending escalations, then polls and serves until ctx is done.
func (a *Application) Run(ctx context.Context) error {
	if a.registry != nil {
		restored, err := a.registry.Restore(ctx)
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Join(err, a.shutdown(shutdownCtx))
		}
		if restored > 0 {
			a.logger.Info("restored pending escalations", "count", restored)
		}
	}

	a.logger.Info("monitor started",
		"author", a.cfg.Monitor.Author,
		"channels", a.cfg.Monitor.Channels,
		"scanner", a.cfg.Reddit.Scanner,
		"primary", a.cfg.Notifications.Primary,
		"poll_interval", a.cfg.Monitor.PollInterval,
		"followup_delay", a.cfg.Escalation.FollowupDelay,
	)

	g, gctx := errgroup.WithContext(ctx)
	if a.webhook != nil {
		g.Go(a.webhook.Start)
	}
	g.Go(func() error {
		if err := a.scheduler.Start(gctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *Application) shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")
	var errs []error
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if a.webhook != nil {
		if err := a.webhook.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown webhook: %w", err))
		}
	}
	if a.registry != nil {
		if err := a.registry.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close escalations: %w", err))
		}
	}
	if err := a.repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// unknownTokens answers acknowledgments while escalation is disabled.
type unknownTokens struct{}

func (unknownTokens) Acknowledge(context.Context, string) (escalation.AckResult, domain.PendingEscalation) {
	return escalation.AckNotFound, domain.PendingEscalation{}
}
