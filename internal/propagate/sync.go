package propagate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beekhof/calensync/internal/batch"
	"github.com/beekhof/calensync/internal/calendar"
	"github.com/beekhof/calensync/internal/diff"
	"github.com/beekhof/calensync/internal/model"
	"github.com/beekhof/calensync/internal/outcome"
	"github.com/beekhof/calensync/internal/recurrence"
)

// AddRule validates and stores a new rule. An empty id is assigned.
func (p *Propagator) AddRule(ctx context.Context, rule model.SyncRule) (model.SyncRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	source, err := p.repo.GetCalendar(ctx, rule.SourceID)
	if err != nil {
		return model.SyncRule{}, fmt.Errorf("failed to load source calendar: %w", err)
	}
	dest, err := p.repo.GetCalendar(ctx, rule.DestinationID)
	if err != nil {
		return model.SyncRule{}, fmt.Errorf("failed to load destination calendar: %w", err)
	}
	existing, err := p.repo.RulesFromSource(ctx, source.ID)
	if err != nil {
		return model.SyncRule{}, fmt.Errorf("failed to load rules: %w", err)
	}
	if err := model.ValidateRule(rule, source, dest, existing); err != nil {
		return model.SyncRule{}, err
	}
	if err := p.repo.SaveRule(ctx, rule); err != nil {
		return model.SyncRule{}, fmt.Errorf("failed to save rule: %w", err)
	}
	p.log.Info("rule added", "rule", rule.ID, "source", source.String(), "destination", dest.String())
	return rule, nil
}

// InitialSync copies the next DaysInAdvance days of the rule's source into its
// destination and subscribes to the source if it is not watched yet.
func (p *Propagator) InitialSync(ctx context.Context, ruleID string) (int, error) {
	rule, err := p.repo.GetRule(ctx, ruleID)
	if err != nil {
		return 0, fmt.Errorf("failed to load rule %s: %w", ruleID, err)
	}
	if rule.Deleted {
		return 0, nil
	}
	source, err := p.repo.GetCalendar(ctx, rule.SourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to load source calendar: %w", err)
	}
	gw, err := p.gateways.Gateway(ctx, source)
	if err != nil {
		return 0, err
	}

	from := p.now().UTC()
	to := from.AddDate(0, 0, p.settings.DaysInAdvance)
	events, err := gw.Events(ctx, from, to, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", source.ID, err)
	}
	siblings, err := p.repo.ListCalendarsByAccount(ctx, source.AccountID)
	if err != nil {
		return 0, fmt.Errorf("failed to load account calendars: %w", err)
	}

	organic := events[:0]
	for _, e := range events {
		if !e.IsMirror() {
			organic = append(organic, MarkDeclined(e, source, siblings))
		}
	}
	model.SortRecurringFirst(organic)

	result := outcome.OK()
	total := 0
	for _, e := range organic {
		n, o := p.PushEvent(ctx, e, []model.SyncRule{rule})
		total += n
		result = outcome.Merge(result, o)
	}
	p.log.Info("initial sync done", "rule", rule.ID, "events", len(organic), "mutations", total)

	if err := p.ensureWatch(ctx, gw); err != nil {
		result = outcome.Merge(result, outcome.FromError("watch "+source.ID, err, calendar.IsTransient))
	}
	return total, result.AsError()
}

func (p *Propagator) ensureWatch(ctx context.Context, gw *calendar.Gateway) error {
	if gw.Node().HasWatch() || p.webhookURL == "" {
		return nil
	}
	err := gw.CreateWatch(ctx, p.webhookURL, p.settings.WatchTTL.Duration)
	if errors.Is(err, calendar.ErrWatchUnsupported) {
		p.log.Debug("provider has no push notifications", "calendar", gw.Node().ID)
		return nil
	}
	return err
}

// DeleteRule soft-deletes the rule, removes the mirrors it created and stops
// watching the source once nothing else reads from it. It can be repeated
// until it succeeds.
func (p *Propagator) DeleteRule(ctx context.Context, ruleID string) (int, error) {
	rule, err := p.repo.GetRule(ctx, ruleID)
	if err != nil {
		return 0, fmt.Errorf("failed to load rule %s: %w", ruleID, err)
	}
	if !rule.Deleted {
		rule.Deleted = true
		if err := p.repo.SaveRule(ctx, rule); err != nil {
			return 0, fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
		}
	}

	source, err := p.repo.GetCalendar(ctx, rule.SourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to load source calendar: %w", err)
	}
	dest, err := p.repo.GetCalendar(ctx, rule.DestinationID)
	if err != nil {
		return 0, fmt.Errorf("failed to load destination calendar: %w", err)
	}

	deleted := 0
	if dest.IsPaused() {
		p.log.Warn("destination paused, leaving mirrors in place", "rule", rule.ID, "destination", dest.ID)
	} else {
		gw, err := p.gateways.Gateway(ctx, dest)
		if err != nil {
			return 0, err
		}
		mirrors, err := gw.FindByCalendarID(ctx, source.PlatformID)
		if err != nil {
			return 0, fmt.Errorf("failed to list mirrors in %s: %w", dest.ID, err)
		}
		gw.Batch().Delete(mirrors)
		if deleted, err = gw.DeleteEvents(ctx); err != nil {
			return deleted, err
		}
	}

	remaining, err := p.repo.RulesFromSource(ctx, source.ID)
	if err != nil {
		return deleted, fmt.Errorf("failed to load rules: %w", err)
	}
	if len(remaining) == 0 && source.HasWatch() {
		gw, err := p.gateways.Gateway(ctx, source)
		if err != nil {
			return deleted, err
		}
		if err := gw.DeleteWatch(ctx); err != nil {
			return deleted, err
		}
	}
	p.log.Info("rule deleted", "rule", rule.ID, "mirrors_removed", deleted)
	return deleted, nil
}

// comparison is the diff of one rule over a time window.
type comparison struct {
	rule       model.SyncRule
	platformID string
	sources    map[string]model.Event
	additions  []model.Event
	updates    []model.Event
	stale      []model.Event
	gateway    *calendar.Gateway
}

// compare lists both ends of the rule over [from, to) and diffs them. It
// returns nil when either calendar is paused. Modified occurrences are left
// out on both ends: they are only kept in step through change notifications.
func (p *Propagator) compare(ctx context.Context, rule model.SyncRule, from, to time.Time) (*comparison, error) {
	source, err := p.repo.GetCalendar(ctx, rule.SourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source calendar: %w", err)
	}
	dest, err := p.repo.GetCalendar(ctx, rule.DestinationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load destination calendar: %w", err)
	}
	if source.IsPaused() || dest.IsPaused() {
		p.log.Debug("calendar paused, skipping rule", "rule", rule.ID)
		return nil, nil
	}

	srcGW, err := p.gateways.Gateway(ctx, source)
	if err != nil {
		return nil, err
	}
	destGW, err := p.gateways.Gateway(ctx, dest)
	if err != nil {
		return nil, err
	}

	events, err := srcGW.EventsWithCancelled(ctx, from, to, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", source.ID, err)
	}
	siblings, err := p.repo.ListCalendarsByAccount(ctx, source.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account calendars: %w", err)
	}

	now := p.now()
	var organic []model.Event
	for _, e := range events {
		if e.IsMirror() || e.Status == model.StatusTentative || recurrence.IsInstance(e) {
			continue
		}
		e = MarkDeclined(e, source, siblings)
		if e.Status == model.StatusDeclined {
			e = e.WithStatus(model.StatusCancelled)
		}
		if e.IsRecurring() && e.Status != model.StatusCancelled {
			ended, err := recurrence.SeriesEnded(e.Recurrence, e.Start.Instant(), now)
			if err != nil {
				p.log.Warn("unreadable recurrence, keeping event", "event", e.ID, "error", err)
			} else if ended {
				continue
			}
		}
		organic = append(organic, e)
	}

	listed, err := destGW.EventsWithCancelled(ctx, from, to, map[string]string{model.PropCalendarID: source.PlatformID})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dest.ID, err)
	}
	mirrors, _ := splitOccurrences(listed)

	c := &comparison{
		rule:       rule,
		platformID: source.PlatformID,
		sources:    make(map[string]model.Event, len(organic)),
		additions:  diff.Additions(organic, mirrors),
		updates:    diff.Updates(organic, mirrors),
		gateway:    destGW,
	}
	for _, e := range organic {
		c.sources[e.ID] = e
	}
	for _, copies := range diff.Pairs(diff.Deletions(organic, mirrors), mirrors) {
		for _, m := range copies {
			if m.Status != model.StatusCancelled {
				c.stale = append(c.stale, m)
			}
		}
	}
	return c, nil
}

// apply queues every difference on the destination gateway and writes it.
func (c *comparison) apply(ctx context.Context) (int, error) {
	items := make([]batch.Item, 0, len(c.additions))
	for _, e := range c.additions {
		items = append(items, batch.Item{
			Event:      e,
			Properties: map[string]string{model.PropSourceID: e.ID, model.PropCalendarID: c.platformID},
		})
	}
	c.gateway.Batch().Add(items, c.rule, false)

	pairs := make([]batch.Pair, 0, len(c.updates))
	for _, m := range c.updates {
		if src, ok := c.sources[m.SourceID()]; ok {
			pairs = append(pairs, batch.Pair{Source: src, Target: m})
		}
	}
	c.gateway.Batch().Update(pairs, c.rule, false)
	c.gateway.Batch().Delete(c.stale)

	return c.gateway.Apply(ctx)
}

// ResyncDay returns the day checked by a resync started at now.
func ResyncDay(now time.Time, offsetDays int) time.Time {
	return now.UTC().Truncate(24*time.Hour).AddDate(0, 0, offsetDays)
}

// Resync repairs drift for every active rule over the 24 hours starting at
// day. A zero day means ResyncOffsetDays from now. Rules are independent; the
// errors of failed rules are joined.
func (p *Propagator) Resync(ctx context.Context, day time.Time) (int, error) {
	if day.IsZero() {
		day = ResyncDay(p.now(), p.settings.ResyncOffsetDays)
	}
	rules, err := p.repo.ListRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load rules: %w", err)
	}

	var errs []error
	total := 0
	for _, rule := range rules {
		c, err := p.compare(ctx, rule, day, day.Add(24*time.Hour))
		if err != nil {
			p.log.Error("resync failed", "rule", rule.ID, "error", err)
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		if c == nil {
			continue
		}
		n, err := c.apply(ctx)
		total += n
		if err != nil {
			p.log.Error("resync failed", "rule", rule.ID, "error", err)
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		if n > 0 {
			p.log.Info("resync repaired drift", "rule", rule.ID, "day", day.Format(time.DateOnly), "mutations", n)
		}
	}
	return total, errors.Join(errs...)
}

// Report is the consistency of one rule as seen by Verify.
type Report struct {
	RuleID   string
	Missing  int
	Outdated int
	Stale    int
}

// InSync reports whether the rule needs no repair.
func (r Report) InSync() bool { return r.Missing+r.Outdated+r.Stale == 0 }

// Verify compares every active rule over the next DaysInAdvance days without
// changing anything. Rules with a paused calendar are omitted.
func (p *Propagator) Verify(ctx context.Context) ([]Report, error) {
	rules, err := p.repo.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	from := p.now().UTC()
	to := from.AddDate(0, 0, p.settings.DaysInAdvance)
	var (
		reports []Report
		errs    []error
	)
	for _, rule := range rules {
		c, err := p.compare(ctx, rule, from, to)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		if c == nil {
			continue
		}
		r := Report{RuleID: rule.ID, Missing: len(c.additions), Outdated: len(c.updates), Stale: len(c.stale)}
		if !r.InSync() {
			p.log.Warn("rule out of sync", "rule", rule.ID, "missing", r.Missing, "outdated", r.Outdated, "stale", r.Stale)
		}
		reports = append(reports, r)
	}
	return reports, errors.Join(errs...)
}
