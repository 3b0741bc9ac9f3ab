// Package watch keeps push subscriptions alive by replacing them before they
// expire.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beekhof/calensync/internal/calendar"
	"github.com/beekhof/calensync/internal/config"
	"github.com/beekhof/calensync/internal/model"
	"github.com/beekhof/calensync/internal/retry"
	"github.com/beekhof/calensync/internal/store"
)

// Gateways hands out one calendar gateway per node.
type Gateways interface {
	Gateway(ctx context.Context, node model.CalendarNode) (*calendar.Gateway, error)
}

// Manager renews watches that expire within the lookahead window.
type Manager struct {
	repo     store.Repository
	gateways Gateways
	address  string
	settings config.Settings
	log      *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customises a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleep replaces the wait between creation attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager returns a Manager whose new watches deliver to address.
func NewManager(repo store.Repository, gateways Gateways, address string, settings config.Settings, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		gateways: gateways,
		address:  address,
		settings: settings,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RenewExpiring renews every watch expiring before now plus the lookahead and
// returns how many were renewed. A failed calendar does not stop the others;
// the failures are returned joined.
func (m *Manager) RenewExpiring(ctx context.Context) (int, error) {
	if m.address == "" {
		return 0, fmt.Errorf("webhook URL is not configured")
	}
	before := m.now().Add(m.settings.WatchLookahead.Duration)
	nodes, err := m.repo.ListExpiringWatches(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to list expiring watches: %w", err)
	}

	var errs []error
	renewed := 0
	for _, node := range nodes {
		if node.IsPaused() {
			m.log.Debug("calendar paused, not renewing watch", "calendar", node.ID)
			continue
		}
		if err := m.Renew(ctx, node); err != nil {
			m.log.Error("failed to renew watch", "calendar", node.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		renewed++
	}
	if len(nodes) > 0 {
		m.log.Info("watch renewal done", "expiring", len(nodes), "renewed", renewed, "failed", len(errs))
	}
	return renewed, errors.Join(errs...)
}

// Renew stops the node's current watch and creates a new one. Stopping is
// attempted once, and only when the node has a bound resource id: the
// provider cannot address a channel without it, so a subscription that was
// never bound is left to expire on its own. Creation is retried.
func (m *Manager) Renew(ctx context.Context, node model.CalendarNode) error {
	gw, err := m.gateways.Gateway(ctx, node)
	if err != nil {
		return fmt.Errorf("calendar %s: %w", node.ID, err)
	}
	if err := gw.DeleteWatch(ctx); err != nil {
		m.log.Warn("failed to stop old watch", "calendar", node.ID, "error", err)
	}

	policy := retry.Fixed(m.settings.WatchRetries, m.settings.WatchRetryDelay.Duration)
	policy.Sleep = m.sleep
	policy.Retryable = func(err error) bool { return !errors.Is(err, calendar.ErrWatchUnsupported) }

	attempt := 0
	err = policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := gw.CreateWatch(ctx, m.address, m.settings.WatchTTL.Duration)
		if err != nil {
			m.log.Debug("watch creation failed", "calendar", node.ID, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("calendar %s: %w", node.ID, err)
	}
	return nil
}
