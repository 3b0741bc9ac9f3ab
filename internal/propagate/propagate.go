// Package propagate turns changes on a source calendar into mutations of the
// mirrored copies held by every destination calendar linked to it.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beekhof/calensync/internal/batch"
	"github.com/beekhof/calensync/internal/calendar"
	"github.com/beekhof/calensync/internal/config"
	"github.com/beekhof/calensync/internal/model"
	"github.com/beekhof/calensync/internal/outcome"
	"github.com/beekhof/calensync/internal/recurrence"
	"github.com/beekhof/calensync/internal/store"
)

// ErrSeriesNotMirrored is returned when a modified occurrence arrives before
// the copy of its series exists in the destination.
var ErrSeriesNotMirrored = fmt.Errorf("series not mirrored yet: %w", outcome.ErrRetry)

// Gateways hands out one calendar gateway per node. *calendar.Registry
// satisfies it.
type Gateways interface {
	Gateway(ctx context.Context, node model.CalendarNode) (*calendar.Gateway, error)
}

// Propagator applies the propagation rules. It holds no per-pass state and
// can be shared, although each call builds fresh gateways.
type Propagator struct {
	repo       store.Repository
	gateways   Gateways
	settings   config.Settings
	webhookURL string
	log        *slog.Logger
	now        func() time.Time
}

// Option customises a Propagator.
type Option func(*Propagator)

func WithLogger(l *slog.Logger) Option {
	return func(p *Propagator) { p.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Propagator) { p.now = now }
}

// WithWebhookURL sets the address new watches deliver to. Without it no
// watches are created.
func WithWebhookURL(url string) Option {
	return func(p *Propagator) { p.webhookURL = url }
}

func New(repo store.Repository, gateways Gateways, settings config.Settings, opts ...Option) *Propagator {
	p := &Propagator{
		repo:     repo,
		gateways: gateways,
		settings: settings,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PushEvent propagates one changed source event along every rule and returns
// the number of mutations made. Failures are isolated per destination: a
// transient failure makes the result Retryable, a permanent one only abandons
// that destination.
func (p *Propagator) PushEvent(ctx context.Context, e model.Event, rules []model.SyncRule) (int, outcome.Outcome) {
	if e.IsMirror() {
		return 0, outcome.OK()
	}

	state := Classify(e, p.settings.NewEventWindow.Duration)
	log := p.log.With("event", e.ID, "state", state.String())
	switch state {
	case StateTentative:
		log.Debug("tentative event, nothing to propagate")
		return 0, outcome.OK()
	case StateUnmatched:
		log.Error("unhandled event status", "status", e.Status)
		return 0, outcome.OK()
	}

	result := outcome.OK()
	total := 0
	for _, rule := range rules {
		if rule.Deleted {
			continue
		}
		n, err := p.pushToRule(ctx, e, state, rule)
		total += n
		if err != nil {
			result = outcome.Merge(result, p.destinationFailure(ctx, rule, err))
		}
	}
	return total, result
}

func (p *Propagator) pushToRule(ctx context.Context, e model.Event, state State, rule model.SyncRule) (int, error) {
	dest, err := p.repo.GetCalendar(ctx, rule.DestinationID)
	if err != nil {
		return 0, fmt.Errorf("failed to load destination: %w", err)
	}
	if dest.IsPaused() {
		p.log.Debug("destination paused, skipping", "rule", rule.ID, "destination", dest.ID)
		return 0, nil
	}
	source, err := p.repo.GetCalendar(ctx, rule.SourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to load source: %w", err)
	}
	gw, err := p.gateways.Gateway(ctx, dest)
	if err != nil {
		return 0, err
	}

	props := map[string]string{
		model.PropSourceID:   e.ID,
		model.PropCalendarID: source.PlatformID,
	}

	switch state {
	case StateNew:
		err = p.queueNew(ctx, gw, e, props, rule)
	case StateCancelled:
		err = p.queueCancelled(ctx, gw, e)
	case StateConfirmed:
		err = p.queueConfirmed(ctx, gw, e, props, rule)
	}
	if err != nil {
		return 0, err
	}
	return gw.Apply(ctx)
}

func (p *Propagator) queueNew(ctx context.Context, gw *calendar.Gateway, e model.Event, props map[string]string, rule model.SyncRule) error {
	copies, err := gw.FindBySourceID(ctx, e.ID)
	if err != nil {
		return err
	}
	if len(copies) > 0 {
		p.log.Debug("new event already mirrored", "event", e.ID, "rule", rule.ID)
		return nil
	}
	gw.Batch().Add([]batch.Item{{Event: e, Properties: props}}, rule, false)
	return nil
}

func (p *Propagator) queueCancelled(ctx context.Context, gw *calendar.Gateway, e model.Event) error {
	if recurrence.IsInstance(e) && recurrence.IsInstanceID(e.ID) {
		series, err := gw.FindBySourceID(ctx, recurrence.SeriesID(e))
		if err != nil {
			return err
		}
		var targets []model.Event
		for _, s := range series {
			if mapped, ok := recurrence.MapInstanceID(e.ID, s.ID); ok {
				targets = append(targets, model.Event{ID: mapped, Properties: s.Properties})
			}
		}
		gw.Batch().Delete(targets)
		return nil
	}

	copies, err := gw.FindBySourceID(ctx, e.ID)
	if err != nil {
		return err
	}
	gw.Batch().Delete(copies)
	return nil
}

func (p *Propagator) queueConfirmed(ctx context.Context, gw *calendar.Gateway, e model.Event, props map[string]string, rule model.SyncRule) error {
	found, err := gw.FindBySourceID(ctx, e.ID)
	if err != nil {
		return err
	}
	// Modified occurrences of a mirrored series carry the series' source id
	// but are kept in step by their own notifications.
	copies, _ := splitOccurrences(found)

	switch {
	case len(copies) > 0:
		if !upToDate(e, copies[0], rule) {
			gw.Batch().Update([]batch.Pair{{Source: e, Target: copies[0]}}, rule, false)
		}
		if len(copies) > 1 {
			p.log.Warn("removing duplicate mirrors", "event", e.ID, "rule", rule.ID, "count", len(copies)-1)
			gw.Batch().Delete(copies[1:])
		}
	case recurrence.IsInstance(e):
		series, err := gw.FindBySourceID(ctx, recurrence.SeriesID(e))
		if err != nil {
			return err
		}
		target, ok := seriesCopy(series)
		if !ok {
			return fmt.Errorf("event %s: %w", e.ID, ErrSeriesNotMirrored)
		}
		mapped, ok := recurrence.MapInstanceID(e.ID, target.ID)
		if !ok {
			return fmt.Errorf("event %s: %w", e.ID, ErrSeriesNotMirrored)
		}
		gw.Batch().Update([]batch.Pair{{Source: e, Target: model.Event{ID: mapped, Properties: target.Properties}}}, rule, false)
	default:
		p.log.Info("confirmed event has no mirror, adding it", "event", e.ID, "rule", rule.ID)
		gw.Batch().Add([]batch.Item{{Event: e, Properties: props}}, rule, false)
	}
	return nil
}

// splitOccurrences separates whole events from copies of single occurrences.
func splitOccurrences(events []model.Event) (whole, occurrences []model.Event) {
	for _, e := range events {
		if recurrence.IsInstance(e) {
			occurrences = append(occurrences, e)
		} else {
			whole = append(whole, e)
		}
	}
	return whole, occurrences
}

// seriesCopy picks the whole-series mirror out of a lookup that may also
// return modified occurrences.
func seriesCopy(events []model.Event) (model.Event, bool) {
	whole, occurrences := splitOccurrences(events)
	if len(whole) > 0 {
		return whole[0], true
	}
	if len(occurrences) > 0 {
		return occurrences[0], true
	}
	return model.Event{}, false
}

func upToDate(source, mirror model.Event, rule model.SyncRule) bool {
	return source.Start.Equal(mirror.Start) &&
		source.End.Equal(mirror.End) &&
		mirror.Summary == rule.RenderSummary(source.Summary) &&
		mirror.Description == rule.RenderDescription(source.Description)
}

// destinationFailure maps a failed destination to the outcome it contributes.
// Revoked credentials pause the destination so later passes skip it.
func (p *Propagator) destinationFailure(ctx context.Context, rule model.SyncRule, err error) outcome.Outcome {
	log := p.log.With("rule", rule.ID, "destination", rule.DestinationID, "error", err)
	switch {
	case errors.Is(err, outcome.ErrRetry), calendar.IsTransient(err):
		log.Warn("destination failed, will retry")
		return outcome.Retry("destination "+rule.DestinationID, err)
	case calendar.IsRevoked(err):
		log.Error("destination credentials revoked, pausing calendar")
		if perr := p.pause(ctx, rule.DestinationID); perr != nil {
			log.Error("failed to pause calendar", "pause_error", perr)
		}
		return outcome.OK()
	case calendar.IsPermanent(err), calendar.IsNotFound(err), errors.Is(err, model.ErrNotFound), model.IsValidation(err):
		log.Error("destination failed permanently, skipping")
		return outcome.OK()
	default:
		log.Warn("destination failed, will retry")
		return outcome.Retry("destination "+rule.DestinationID, err)
	}
}

func (p *Propagator) pause(ctx context.Context, nodeID string) error {
	node, err := p.repo.GetCalendar(ctx, nodeID)
	if err != nil {
		return err
	}
	node.Paused = p.now().UTC()
	return p.repo.SaveCalendar(ctx, node)
}

// ReconcileCalendar pushes every event changed on the node since its last
// completed pass. A Retryable result is returned as an error wrapping
// outcome.ErrRetry.
func (p *Propagator) ReconcileCalendar(ctx context.Context, nodeID string) (int, error) {
	node, err := p.repo.GetCalendar(ctx, nodeID)
	if err != nil {
		return 0, fmt.Errorf("failed to load calendar %s: %w", nodeID, err)
	}
	log := p.log.With("calendar", node.ID)
	if node.IsPaused() {
		log.Debug("calendar paused, not reconciling")
		return 0, nil
	}

	rules, err := p.repo.RulesFromSource(ctx, node.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load rules for %s: %w", node.ID, err)
	}
	if len(rules) == 0 {
		log.Debug("no rules from calendar")
		return 0, nil
	}

	gw, err := p.gateways.Gateway(ctx, node)
	if err != nil {
		return 0, err
	}
	events, err := gw.UpdatedSince(ctx, node.LastProcessed)
	if err != nil {
		if calendar.IsRevoked(err) {
			if perr := p.pause(ctx, node.ID); perr != nil {
				log.Error("failed to pause calendar", "error", perr)
			}
		}
		return 0, fmt.Errorf("failed to list changes on %s: %w", node.ID, err)
	}

	siblings, err := p.repo.ListCalendarsByAccount(ctx, node.AccountID)
	if err != nil {
		return 0, fmt.Errorf("failed to load account calendars: %w", err)
	}
	for i := range events {
		events[i] = MarkDeclined(events[i], node, siblings)
	}
	model.SortRecurringFirst(events)

	log.Info("reconciling", "changes", len(events), "rules", len(rules))
	result := outcome.OK()
	total := 0
	for _, e := range events {
		n, o := p.PushEvent(ctx, e, rules)
		total += n
		result = outcome.Merge(result, o)
	}
	return total, result.AsError()
}
