package reddit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/ports"
	"github.com/maxbeyer1/reddit-monitor/internal/scanner"
)

// SourceConfig selects the strategy and the author/channels to watch.
type SourceConfig struct {
	Scanner  string
	Author   string
	Channels []string
	Limit    int
}

// StrategySource implements ItemSource via a registered scanner strategy.
type StrategySource struct {
	registry *scanner.Registry
	cfg      SourceConfig
	logger   *slog.Logger
}

var _ ports.ItemSource = (*StrategySource)(nil)

// NewStrategySource wires scanner registry with the monitored channels.
func NewStrategySource(reg *scanner.Registry, cfg SourceConfig, log *slog.Logger) *StrategySource {
	return &StrategySource{
		registry: reg,
		cfg:      cfg,
		logger:   log,
	}
}

// FetchNew scans every channel and returns the author's posts, oldest first.
// A failing channel is skipped; the call fails only when all channels fail.
func (s *StrategySource) FetchNew(ctx context.Context) ([]domain.Item, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("scanner registry is not configured")
	}

	strategy, err := s.registry.Resolve(s.cfg.Scanner)
	if err != nil {
		return nil, err
	}

	s.debug("fetch new", "scanner", strategy.Name(), "channels", len(s.cfg.Channels))

	var (
		aggregated []domain.Item
		failures   []error
		seen       = map[string]struct{}{}
	)
	for _, channel := range s.cfg.Channels {
		results, err := strategy.Scan(ctx, scanner.Request{Channel: channel, Limit: s.cfg.Limit})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures = append(failures, fmt.Errorf("scan r/%s: %w", channel, err))
			s.warn("channel scan failed", "channel", channel, "error", err)
			continue
		}

		matched := 0
		for _, item := range results {
			if !strings.EqualFold(item.Author, s.cfg.Author) {
				continue
			}
			if _, ok := seen[item.ID]; ok {
				continue
			}
			seen[item.ID] = struct{}{}
			aggregated = append(aggregated, item)
			matched++
		}
		s.debug("channel scanned", "channel", channel, "listed", len(results), "matched", matched)
	}

	if len(failures) > 0 && len(failures) == len(s.cfg.Channels) {
		return nil, errors.Join(failures...)
	}

	domain.SortOldestFirst(aggregated)
	return aggregated, nil
}

func (s *StrategySource) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *StrategySource) warn(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
