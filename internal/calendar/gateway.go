package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beekhof/calensync/internal/batch"
	"github.com/beekhof/calensync/internal/model"
	"github.com/google/uuid"
)

// Lookback applied to the incremental cursor so edits that land while a pass
// is running are not missed.
const updatedSinceSlack = time.Minute

// Page size for incremental listing.
const updatedPageSize = 200

// NodeStore is the persistence the gateway needs for its own CalendarNode.
type NodeStore interface {
	GetCalendar(ctx context.Context, id string) (model.CalendarNode, error)
	SaveCalendar(ctx context.Context, node model.CalendarNode) error
}

// Gateway is the per-calendar facade over a Provider. It owns the calendar's
// modification batch for the duration of one reconciliation pass.
//
// A Gateway is not safe for concurrent use.
type Gateway struct {
	node     model.CalendarNode
	provider Provider
	nodes    NodeStore
	batch    *batch.Batch
	log      *slog.Logger
	now      func() time.Time
}

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.log = l }
}

func NewGateway(node model.CalendarNode, provider Provider, nodes NodeStore, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		node:     node,
		provider: provider,
		nodes:    nodes,
		batch:    batch.New(),
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With("calendar", node.ID)
	return g
}

// Node returns the snapshot the gateway was built with, including any watch
// changes it made since.
func (g *Gateway) Node() model.CalendarNode { return g.node }

// Batch returns the pending modifications for this calendar.
func (g *Gateway) Batch() *batch.Batch { return g.batch }

// Events lists every event between from and to matching the private property
// filter, following pagination.
func (g *Gateway) Events(ctx context.Context, from, to time.Time, filter map[string]string) ([]model.Event, error) {
	return g.list(ctx, Query{TimeMin: from, TimeMax: to, PrivateProperties: filter})
}

// EventsWithCancelled is Events including cancelled entries, which diffing
// needs to find mirrors whose origin went away.
func (g *Gateway) EventsWithCancelled(ctx context.Context, from, to time.Time, filter map[string]string) ([]model.Event, error) {
	return g.list(ctx, Query{TimeMin: from, TimeMax: to, PrivateProperties: filter, ShowDeleted: true})
}

// FindBySourceID returns the mirrors of the source event with the given id.
func (g *Gateway) FindBySourceID(ctx context.Context, sourceID string) ([]model.Event, error) {
	return g.list(ctx, Query{PrivateProperties: map[string]string{model.PropSourceID: sourceID}})
}

// FindByCalendarID returns every mirror that originates from the given source
// calendar platform id.
func (g *Gateway) FindByCalendarID(ctx context.Context, calendarID string) ([]model.Event, error) {
	return g.list(ctx, Query{PrivateProperties: map[string]string{model.PropCalendarID: calendarID}})
}

// UpdatedSince returns the organic events changed after since, including
// cancelled ones. Mirrors are dropped so they never propagate.
func (g *Gateway) UpdatedSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	q := Query{
		ShowDeleted:    true,
		OrderByUpdated: true,
		MaxResults:     updatedPageSize,
	}
	if !since.IsZero() {
		q.UpdatedMin = since.Add(-updatedSinceSlack)
	}

	events, err := g.list(ctx, q)
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, e := range events {
		if !e.IsMirror() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (g *Gateway) list(ctx context.Context, q Query) ([]model.Event, error) {
	var all []model.Event
	for {
		page, err := g.provider.ListEvents(ctx, g.node.PlatformID, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Events...)
		if page.NextPageToken == "" {
			return all, nil
		}
		q.PageToken = page.NextPageToken
	}
}

// InsertEvents applies the queued additions one at a time in FIFO order. It
// stops at the first failure; earlier inserts stay applied. Read-only
// calendars are skipped.
func (g *Gateway) InsertEvents(ctx context.Context) (int, error) {
	if adds, _, _ := g.batch.Len(); adds == 0 {
		return 0, nil
	}
	if g.node.ReadOnly {
		g.log.Debug("skipping inserts on read-only calendar")
		g.drainAdditions()
		return 0, nil
	}
	if err := g.markInserted(ctx); err != nil {
		return 0, err
	}

	inserted := 0
	for {
		a, ok := g.batch.PopAddition()
		if !ok {
			return inserted, nil
		}

		e := a.Event.WithProperties(a.Properties)
		e.Summary = a.Rule.RenderSummary(a.Event.Summary)
		e.Description = a.Rule.RenderDescription(a.Event.Description)
		e.Attendees = nil

		created, err := g.provider.InsertEvent(ctx, g.node.PlatformID, e)
		if err != nil {
			return inserted, fmt.Errorf("calendar %s: %w", g.node.ID, err)
		}
		inserted++
		g.log.Debug("inserted mirror", "event", created.ID, "source", a.Properties[model.PropSourceID], "rule", a.Rule.ID)
	}
}

// UpdateEvents patches every queued pair. A failing pair is logged and the
// rest continue; the joined errors are returned.
func (g *Gateway) UpdateEvents(ctx context.Context) (int, error) {
	if _, updates, _ := g.batch.Len(); updates == 0 {
		return 0, nil
	}
	if g.node.ReadOnly {
		g.log.Debug("skipping updates on read-only calendar")
		for _, ok := g.batch.PopUpdate(); ok; _, ok = g.batch.PopUpdate() {
		}
		return 0, nil
	}
	if err := g.markInserted(ctx); err != nil {
		return 0, err
	}

	var errs []error
	updated := 0
	for {
		u, ok := g.batch.PopUpdate()
		if !ok {
			break
		}

		patch := model.Event{
			Start:       u.Source.Start,
			End:         u.Source.End,
			Summary:     u.Rule.RenderSummary(u.Source.Summary),
			Description: u.Rule.RenderDescription(u.Source.Description),
			Recurrence:  u.Source.Recurrence,
		}
		if err := g.provider.PatchEvent(ctx, g.node.PlatformID, u.Target.ID, patch); err != nil {
			g.log.Error("failed to update mirror", "event", u.Target.ID, "rule", u.Rule.ID, "error", err)
			errs = append(errs, fmt.Errorf("calendar %s: event %s: %w", g.node.ID, u.Target.ID, err))
			continue
		}
		updated++
	}
	return updated, errors.Join(errs...)
}

// DeleteEvents removes queued events in LIFO order. Events already gone count
// as deleted. Other failures are logged and returned joined.
func (g *Gateway) DeleteEvents(ctx context.Context) (int, error) {
	if _, _, deletes := g.batch.Len(); deletes == 0 {
		return 0, nil
	}
	if g.node.ReadOnly {
		g.log.Debug("skipping deletes on read-only calendar")
		for _, ok := g.batch.PopDeletion(); ok; _, ok = g.batch.PopDeletion() {
		}
		return 0, nil
	}
	if err := g.markInserted(ctx); err != nil {
		return 0, err
	}

	var errs []error
	deleted := 0
	for {
		id, ok := g.batch.PopDeletion()
		if !ok {
			break
		}
		err := g.provider.DeleteEvent(ctx, g.node.PlatformID, id)
		switch {
		case err == nil:
			deleted++
		case IsNotFound(err):
			g.log.Debug("mirror already deleted", "event", id)
			deleted++
		default:
			g.log.Error("failed to delete mirror", "event", id, "error", err)
			errs = append(errs, fmt.Errorf("calendar %s: event %s: %w", g.node.ID, id, err))
		}
	}
	return deleted, errors.Join(errs...)
}

// Apply runs inserts, updates and deletes in that order and returns the number
// of mutations. An insert failure stops the pass before updates and deletes.
func (g *Gateway) Apply(ctx context.Context) (int, error) {
	added, err := g.InsertEvents(ctx)
	if err != nil {
		return added, err
	}
	updated, uerr := g.UpdateEvents(ctx)
	deleted, derr := g.DeleteEvents(ctx)
	return added + updated + deleted, errors.Join(uerr, derr)
}

func (g *Gateway) drainAdditions() {
	for _, ok := g.batch.PopAddition(); ok; _, ok = g.batch.PopAddition() {
	}
}

// markInserted records that this calendar is about to receive mirrored
// changes. The webhook debounce compares against it.
func (g *Gateway) markInserted(ctx context.Context) error {
	fresh, err := g.nodes.GetCalendar(ctx, g.node.ID)
	if err != nil {
		return fmt.Errorf("failed to load calendar %s: %w", g.node.ID, err)
	}
	fresh.LastInserted = g.now().UTC()
	if err := g.nodes.SaveCalendar(ctx, fresh); err != nil {
		return fmt.Errorf("failed to save calendar %s: %w", g.node.ID, err)
	}
	g.node.LastInserted = fresh.LastInserted
	return nil
}

// CreateWatch subscribes to push notifications with a fresh channel id and
// token and persists the subscription. Read-only calendars are skipped.
func (g *Gateway) CreateWatch(ctx context.Context, address string, ttl time.Duration) error {
	if g.node.ReadOnly {
		g.log.Debug("not watching read-only calendar")
		return nil
	}

	ch := Channel{
		ID:         uuid.NewString(),
		Token:      uuid.NewString(),
		Address:    address,
		Expiration: g.now().Add(ttl).UTC(),
	}
	bound, err := g.provider.Watch(ctx, g.node.PlatformID, ch)
	if err != nil {
		return fmt.Errorf("calendar %s: %w", g.node.ID, err)
	}

	fresh, err := g.nodes.GetCalendar(ctx, g.node.ID)
	if err != nil {
		return fmt.Errorf("failed to load calendar %s: %w", g.node.ID, err)
	}
	fresh.ChannelID = bound.ID
	fresh.Token = bound.Token
	fresh.ResourceID = bound.ResourceID
	fresh.Expiration = bound.Expiration
	if err := g.nodes.SaveCalendar(ctx, fresh); err != nil {
		return fmt.Errorf("failed to save calendar %s: %w", g.node.ID, err)
	}
	g.node = fresh
	g.log.Info("watch created", "channel", bound.ID, "expires", bound.Expiration)
	return nil
}

// DeleteWatch stops the current subscription, if any, and clears it. A node
// without a resource id has nothing the provider can stop and is a no-op. On
// provider failure the stored subscription is left untouched.
func (g *Gateway) DeleteWatch(ctx context.Context) error {
	if g.node.ReadOnly || g.node.ResourceID == "" {
		return nil
	}

	ch := Channel{ID: g.node.ChannelID, ResourceID: g.node.ResourceID, Token: g.node.Token}
	if err := g.provider.StopWatch(ctx, ch); err != nil && !IsNotFound(err) {
		return fmt.Errorf("calendar %s: %w", g.node.ID, err)
	}

	fresh, err := g.nodes.GetCalendar(ctx, g.node.ID)
	if err != nil {
		return fmt.Errorf("failed to load calendar %s: %w", g.node.ID, err)
	}
	fresh.ResourceID = ""
	fresh.Expiration = time.Time{}
	if err := g.nodes.SaveCalendar(ctx, fresh); err != nil {
		return fmt.Errorf("failed to save calendar %s: %w", g.node.ID, err)
	}
	g.node = fresh
	g.log.Info("watch deleted", "channel", ch.ID)
	return nil
}
