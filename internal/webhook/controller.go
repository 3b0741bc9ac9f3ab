// Package webhook receives change notifications from calendar providers and
// decides whether they trigger a reconciliation pass.
//
// Every pass that writes to a calendar stamps its LastInserted time. A
// notification arriving within the debounce window of that stamp was most
// likely caused by our own writes and is pushed back to the sender for a
// later retry instead of starting another pass.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beekhof/calensync/internal/calendar"
	"github.com/beekhof/calensync/internal/config"
	"github.com/beekhof/calensync/internal/model"
	"github.com/beekhof/calensync/internal/outcome"
	"github.com/beekhof/calensync/internal/store"
)

// StateSync is the handshake sent when a watch is created. It carries no
// change.
const StateSync = "sync"

// ErrDebounced rejects a notification that arrived too soon after a mirrored
// write to the same calendar.
var ErrDebounced = fmt.Errorf("calendar was written to within the debounce window: %w", outcome.ErrRetry)

// Notification is one push message from a provider.
type Notification struct {
	ChannelID  string `json:"channel_id"`
	Token      string `json:"token,omitempty"`
	State      string `json:"state,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
}

func (n Notification) Validate() error {
	if n.ChannelID == "" {
		return &model.ValidationError{Field: "channel_id", Message: "channel id is required"}
	}
	return nil
}

// Reconciler runs one pass over a source calendar.
type Reconciler interface {
	ReconcileCalendar(ctx context.Context, nodeID string) (int, error)
}

// Controller applies the debounce gate in front of a Reconciler.
type Controller struct {
	repo       store.Repository
	reconciler Reconciler
	settings   config.Settings
	log        *slog.Logger
	now        func() time.Time
}

// Option customises a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func NewController(repo store.Repository, reconciler Reconciler, settings config.Settings, opts ...Option) *Controller {
	c := &Controller{
		repo:       repo,
		reconciler: reconciler,
		settings:   settings,
		log:        slog.New(slog.DiscardHandler),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle processes one notification. Notifications for unknown channels or
// with a wrong token are acknowledged and ignored.
func (c *Controller) Handle(ctx context.Context, n Notification) outcome.Outcome {
	if err := n.Validate(); err != nil {
		return outcome.Fail("invalid notification", err)
	}

	node, err := c.repo.CalendarByChannel(ctx, n.ChannelID)
	if errors.Is(err, model.ErrNotFound) {
		c.log.Debug("notification for unknown channel", "channel", n.ChannelID)
		return outcome.OK()
	}
	if err != nil {
		return outcome.Retry("load calendar", err)
	}
	log := c.log.With("calendar", node.ID, "channel", n.ChannelID)
	if node.Token != n.Token {
		log.Debug("notification token mismatch")
		return outcome.OK()
	}

	if n.ResourceID != "" && node.ResourceID == "" {
		node.ResourceID = n.ResourceID
		if err := c.repo.SaveCalendar(ctx, node); err != nil {
			return outcome.Retry("save resource id", err)
		}
	}
	if n.State == StateSync {
		log.Debug("watch handshake")
		return outcome.OK()
	}

	now := c.now().UTC()
	node.LastReceived = now
	if err := c.repo.SaveCalendar(ctx, node); err != nil {
		return outcome.Retry("save last received", err)
	}

	if since := now.Sub(node.LastInserted); since <= c.settings.DebounceWindow.Duration {
		log.Debug("debounced notification", "since_last_insert", since)
		return outcome.Retry("debounced", ErrDebounced)
	}

	return c.reconcile(ctx, node.ID, log)
}

// reconcile runs one pass over the calendar and records its completion.
func (c *Controller) reconcile(ctx context.Context, nodeID string, log *slog.Logger) outcome.Outcome {
	mutations, err := c.reconciler.ReconcileCalendar(ctx, nodeID)
	if err != nil {
		log.Warn("reconciliation failed", "error", err)
		return outcome.FromError("reconcile "+nodeID, err, calendar.IsTransient)
	}

	fresh, err := c.repo.GetCalendar(ctx, nodeID)
	if err != nil {
		return outcome.Retry("reload calendar", err)
	}
	fresh.LastProcessed = c.now().UTC()
	if err := c.repo.SaveCalendar(ctx, fresh); err != nil {
		return outcome.Retry("save last processed", err)
	}
	log.Info("calendar reconciled", "mutations", mutations)
	return outcome.OK()
}

// ProcessDue reconciles every calendar whose latest notification was never
// processed, typically because it was debounced and the provider did not
// deliver it again. Calendars written to within SweepAfter are left for a
// later sweep. It returns the number of calendars reconciled.
func (c *Controller) ProcessDue(ctx context.Context) (int, error) {
	before := c.now().UTC().Add(-c.settings.SweepAfter.Duration)
	nodes, err := c.repo.ListDueCalendars(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to list due calendars: %w", err)
	}

	var errs []error
	done := 0
	for _, node := range nodes {
		log := c.log.With("calendar", node.ID, "sweep", true)
		if o := c.reconcile(ctx, node.ID, log); !o.IsOK() {
			errs = append(errs, fmt.Errorf("calendar %s: %w", node.ID, o.AsError()))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}
