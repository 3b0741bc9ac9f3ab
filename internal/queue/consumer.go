package queue

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
	"github.com/beekhof/calensync/internal/webhook"
)

// FailureClass tells a message that should be retried later apart from one
// whose handler failed.
type FailureClass string

const (
	ClassBackoff   FailureClass = "backoff"
	ClassException FailureClass = "exception"
)

// Failure is one message that did not complete.
type Failure struct {
	MessageID string
	Class     FailureClass
	Err       error
}

// BatchResult summarises one ProcessBatch call.
type BatchResult struct {
	Processed  int
	Dropped    int
	Backoff    int
	Exceptions int
	Failures   []Failure
}

// NotificationHandler handles webhook messages.
type NotificationHandler interface {
	Handle(ctx context.Context, n webhook.Notification) outcome.Outcome
}

// Propagator handles rule and event messages.
type Propagator interface {
	InitialSync(ctx context.Context, ruleID string) (int, error)
	DeleteRule(ctx context.Context, ruleID string) (int, error)
	PushEvent(ctx context.Context, e model.Event, rules []model.SyncRule) (int, outcome.Outcome)
}

// Consumer processes queued messages one at a time.
type Consumer struct {
	repo          store.Repository
	notifications NotificationHandler
	propagator    Propagator
	settings      config.Settings
	retryDelay    time.Duration
	log           *slog.Logger
	now           func() time.Time
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

func WithLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.log = l }
}

func WithClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) { c.now = now }
}

// WithRetryDelay sets the first redelivery delay. It doubles per attempt up
// to a minute.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.retryDelay = d }
}

func NewConsumer(repo store.Repository, notifications NotificationHandler, propagator Propagator, settings config.Settings, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		repo:          repo,
		notifications: notifications,
		propagator:    propagator,
		settings:      settings,
		retryDelay:    time.Second,
		log:           slog.New(slog.DiscardHandler),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessBatch handles msgs in order and reports the ones that failed.
func (c *Consumer) ProcessBatch(ctx context.Context, msgs []Message) BatchResult {
	var res BatchResult
	for _, m := range msgs {
		o, dropped := c.process(ctx, m)
		log := c.log.With("message", m.ID, "kind", m.Kind, "attempt", m.Attempts+1)
		switch {
		case dropped:
			res.Dropped++
			log.Debug("message already covered by a finished pass")
		case o.IsOK():
			res.Processed++
		case o.IsRetryable():
			res.Backoff++
			res.Failures = append(res.Failures, Failure{MessageID: m.ID, Class: ClassBackoff, Err: o.AsError()})
			log.Warn("message backed off", "failure_class", ClassBackoff, "reason", o.Reason, "error", o.Err)
		default:
			res.Exceptions++
			res.Failures = append(res.Failures, Failure{MessageID: m.ID, Class: ClassException, Err: o.AsError()})
			log.Error("message failed", "failure_class", ClassException, "reason", o.Reason, "error", o.Err)
		}
	}
	return res
}

func (c *Consumer) process(ctx context.Context, m Message) (outcome.Outcome, bool) {
	switch m.Kind {
	case KindWebhook:
		return c.processWebhook(ctx, m)
	case KindInitialSync:
		p, err := decode[RulePayload](m)
		if err == nil {
			err = requireRule(p)
		}
		if err != nil {
			return outcome.Fail("decode payload", err), false
		}
		_, err = c.propagator.InitialSync(ctx, p.RuleID)
		return outcome.FromError("initial sync "+p.RuleID, err, calendar.IsTransient), false
	case KindRuleDeleted:
		p, err := decode[RulePayload](m)
		if err == nil {
			err = requireRule(p)
		}
		if err != nil {
			return outcome.Fail("decode payload", err), false
		}
		_, err = c.propagator.DeleteRule(ctx, p.RuleID)
		return outcome.FromError("delete rule "+p.RuleID, err, calendar.IsTransient), false
	case KindEventUpdate:
		return c.processEvent(ctx, m), false
	default:
		return outcome.Fail("unknown kind", &model.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown message kind %q", m.Kind)}), false
	}
}

func requireRule(p RulePayload) error {
	if p.RuleID == "" {
		return &model.ValidationError{Field: "rule_id", Message: "rule id is required"}
	}
	return nil
}

func (c *Consumer) processWebhook(ctx context.Context, m Message) (outcome.Outcome, bool) {
	n, err := decode[webhook.Notification](m)
	if err == nil {
		err = n.Validate()
	}
	if err != nil {
		return outcome.Fail("decode payload", err), false
	}

	if m.Debounced {
		return c.notifications.Handle(ctx, n), false
	}

	node, err := c.repo.CalendarByChannel(ctx, n.ChannelID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		// The controller acknowledges unknown channels itself.
	case err != nil:
		return outcome.Retry("load calendar", err), false
	default:
		switch Admit(node, m.FirstReceived, c.now(), c.settings.StaleAfter.Duration) {
		case Drop:
			return outcome.OK(), true
		case Wait:
			return outcome.Retry("pass in flight", fmt.Errorf("calendar %s is being reconciled: %w", node.ID, outcome.ErrRetry)), false
		}
	}
	return c.notifications.Handle(ctx, n), false
}

func (c *Consumer) processEvent(ctx context.Context, m Message) outcome.Outcome {
	p, err := decode[EventPayload](m)
	if err != nil {
		return outcome.Fail("decode payload", err)
	}
	rules := make([]model.SyncRule, 0, len(p.RuleIDs))
	for _, id := range p.RuleIDs {
		rule, err := c.repo.GetRule(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			c.log.Debug("rule gone, skipping", "rule", id)
			continue
		}
		if err != nil {
			return outcome.Retry("load rule "+id, err)
		}
		if !rule.Deleted {
			rules = append(rules, rule)
		}
	}
	_, o := c.propagator.PushEvent(ctx, p.Event, rules)
	return o
}

// Run consumes q until ctx is cancelled. Failed messages are redelivered
// with a growing delay.
func (c *Consumer) Run(ctx context.Context, q *MemoryQueue) error {
	size := max(c.settings.QueueBatchSize, 1)
	for {
		msgs, err := q.DequeueBatch(ctx, size)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		c.redeliver(q, msgs, c.ProcessBatch(ctx, msgs))
	}
}

// redeliver hands every failed message of a batch back to q.
func (c *Consumer) redeliver(q *MemoryQueue, msgs []Message, res BatchResult) {
	if len(res.Failures) == 0 {
		return
	}
	byID := make(map[string]Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	for _, f := range res.Failures {
		m := byID[f.MessageID]
		m.Debounced = errors.Is(f.Err, webhook.ErrDebounced)
		q.Nack(m, c.backoff(m.Attempts))
	}
}

func (c *Consumer) backoff(attempts int) time.Duration {
	d := c.retryDelay << uint(min(attempts, 6))
	return min(d, time.Minute)
}
