// Package calendartest provides an in-memory calendar.Provider for tests.
package calendartest

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/beekhof/calensync/internal/calendar"
	"github.com/beekhof/calensync/internal/model"
)

// Operation names recorded in Calls.
const (
	OpList   = "list"
	OpInsert = "insert"
	OpPatch  = "patch"
	OpDelete = "delete"
	OpWatch  = "watch"
	OpStop   = "stop"
)

// Call is one recorded provider invocation.
type Call struct {
	Op         string
	CalendarID string
	EventID    string
	Event      model.Event
}

// ErrorFunc lets a test fail selected calls. Returning nil lets the call
// proceed.
type ErrorFunc func(calendarID, eventID string) error

// Provider is a fake calendar.Provider holding events per calendar id. It is
// safe for concurrent use.
type Provider struct {
	mu     sync.Mutex
	events map[string][]model.Event
	calls  []Call
	nextID int

	ListErr   ErrorFunc
	InsertErr ErrorFunc
	PatchErr  ErrorFunc
	DeleteErr ErrorFunc
	WatchErr  ErrorFunc
	StopErr   ErrorFunc

	Now func() time.Time
}

var _ calendar.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{events: make(map[string][]model.Event), Now: time.Now}
}

// Seed stores events as they are, without recording calls.
func (p *Provider) Seed(calendarID string, events ...model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range events {
		p.put(calendarID, e.Clone())
	}
}

// Events returns a copy of everything stored for calendarID in insertion
// order.
func (p *Provider) Events(calendarID string) []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Event, 0, len(p.events[calendarID]))
	for _, e := range p.events[calendarID] {
		out = append(out, e.Clone())
	}
	return out
}

// Calls returns the recorded calls, optionally only those of the given op.
func (p *Provider) Calls(op string) []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	if op == "" {
		return slices.Clone(p.calls)
	}
	var out []Call
	for _, c := range p.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many calls of op were made.
func (p *Provider) Count(op string) int { return len(p.Calls(op)) }

// Reset forgets recorded calls but keeps stored events.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

func (p *Provider) record(c Call) {
	p.calls = append(p.calls, c)
}

func (p *Provider) put(calendarID string, e model.Event) {
	list := p.events[calendarID]
	if i := slices.IndexFunc(list, func(x model.Event) bool { return x.ID == e.ID }); i >= 0 {
		list[i] = e
		return
	}
	p.events[calendarID] = append(list, e)
}

func (p *Provider) find(calendarID, eventID string) (int, bool) {
	i := slices.IndexFunc(p.events[calendarID], func(x model.Event) bool { return x.ID == eventID })
	return i, i >= 0
}

func check(fn ErrorFunc, calendarID, eventID string) error {
	if fn == nil {
		return nil
	}
	return fn(calendarID, eventID)
}

func (p *Provider) ListEvents(_ context.Context, calendarID string, q calendar.Query) (calendar.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Call{Op: OpList, CalendarID: calendarID})
	if err := check(p.ListErr, calendarID, ""); err != nil {
		return calendar.Page{}, err
	}

	var matched []model.Event
	for _, e := range p.events[calendarID] {
		if matches(e, q) {
			matched = append(matched, e.Clone())
		}
	}
	if q.OrderByUpdated {
		slices.SortStableFunc(matched, func(a, b model.Event) int { return a.Updated.Compare(b.Updated) })
	}

	offset := 0
	if q.PageToken != "" {
		n, err := strconv.Atoi(q.PageToken)
		if err != nil {
			return calendar.Page{}, fmt.Errorf("%w: bad page token", calendar.ErrPermanent)
		}
		offset = n
	}
	matched = matched[min(offset, len(matched)):]

	page := calendar.Page{Events: matched}
	if q.MaxResults > 0 && len(matched) > q.MaxResults {
		page.Events = matched[:q.MaxResults]
		page.NextPageToken = strconv.Itoa(offset + q.MaxResults)
	}
	return page, nil
}

func matches(e model.Event, q calendar.Query) bool {
	for k, v := range q.PrivateProperties {
		if e.Properties[k] != v {
			return false
		}
	}
	if !q.ShowDeleted && e.Status == model.StatusCancelled {
		return false
	}
	if !q.UpdatedMin.IsZero() && e.Updated.Before(q.UpdatedMin) {
		return false
	}
	if !q.TimeMin.IsZero() && !e.End.IsZero() && !e.End.Instant().After(q.TimeMin) {
		return false
	}
	if !q.TimeMax.IsZero() && !e.Start.IsZero() && !e.Start.Instant().Before(q.TimeMax) {
		return false
	}
	return true
}

func (p *Provider) InsertEvent(_ context.Context, calendarID string, event model.Event) (model.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Call{Op: OpInsert, CalendarID: calendarID, EventID: event.ID, Event: event.Clone()})
	if err := check(p.InsertErr, calendarID, event.ID); err != nil {
		return model.Event{}, err
	}

	e := event.Clone()
	if e.ID == "" {
		p.nextID++
		e.ID = fmt.Sprintf("%s-evt-%d", calendarID, p.nextID)
	} else if i, ok := p.find(calendarID, e.ID); ok && p.events[calendarID][i].Status != model.StatusCancelled {
		return model.Event{}, fmt.Errorf("%w: event %s already exists", calendar.ErrPermanent, e.ID)
	}
	now := p.Now().UTC()
	e.Created, e.Updated = now, now
	if e.Status == "" {
		e.Status = model.StatusConfirmed
	}
	p.put(calendarID, e)
	return e.Clone(), nil
}

func (p *Provider) PatchEvent(_ context.Context, calendarID, eventID string, event model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Call{Op: OpPatch, CalendarID: calendarID, EventID: eventID, Event: event.Clone()})
	if err := check(p.PatchErr, calendarID, eventID); err != nil {
		return err
	}

	i, ok := p.find(calendarID, eventID)
	if !ok {
		return fmt.Errorf("%w: event %s", calendar.ErrNotFound, eventID)
	}
	e := p.events[calendarID][i]
	e.Start, e.End = event.Start, event.End
	e.Summary, e.Description = event.Summary, event.Description
	if len(event.Recurrence) > 0 {
		e.Recurrence = slices.Clone(event.Recurrence)
	}
	e.Updated = p.Now().UTC()
	p.events[calendarID][i] = e
	return nil
}

func (p *Provider) DeleteEvent(_ context.Context, calendarID, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Call{Op: OpDelete, CalendarID: calendarID, EventID: eventID})
	if err := check(p.DeleteErr, calendarID, eventID); err != nil {
		return err
	}

	i, ok := p.find(calendarID, eventID)
	if !ok {
		return fmt.Errorf("%w: event %s", calendar.ErrNotFound, eventID)
	}
	p.events[calendarID] = slices.Delete(p.events[calendarID], i, i+1)
	return nil
}

func (p *Provider) Watch(_ context.Context, calendarID string, ch calendar.Channel) (calendar.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Call{Op: OpWatch, CalendarID: calendarID, EventID: ch.ID})
	if err := check(p.WatchErr, calendarID, ch.ID); err != nil {
		return calendar.Channel{}, err
	}
	p.nextID++
	ch.ResourceID = fmt.Sprintf("res-%s-%d", calendarID, p.nextID)
	return ch, nil
}

func (p *Provider) StopWatch(_ context.Context, ch calendar.Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(Call{Op: OpStop, EventID: ch.ID})
	return check(p.StopErr, ch.ResourceID, ch.ID)
}
