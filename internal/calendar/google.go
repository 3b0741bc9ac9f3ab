package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/beekhof/calensync/internal/model"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleProvider is a Provider backed by the Google Calendar API.
type GoogleProvider struct {
	service *gcal.Service
	limiter *RateLimiter
}

// NewGoogleProvider creates a provider from an authenticated HTTP client.
// Extra options are passed to the API client (tests use option.WithEndpoint).
func NewGoogleProvider(ctx context.Context, httpClient *http.Client, limiter *RateLimiter, opts ...option.ClientOption) (*GoogleProvider, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	if limiter == nil {
		limiter = NewRateLimiter(DefaultRateLimit)
	}
	return &GoogleProvider{service: service, limiter: limiter}, nil
}

// ListEvents returns one page of events. Recurring series are returned as
// series, not expanded into instances.
func (p *GoogleProvider) ListEvents(ctx context.Context, calendarID string, q Query) (Page, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Page{}, err
	}

	call := p.service.Events.List(calendarID).Context(ctx)
	if !q.TimeMin.IsZero() {
		call = call.TimeMin(q.TimeMin.Format(time.RFC3339))
	}
	if !q.TimeMax.IsZero() {
		call = call.TimeMax(q.TimeMax.Format(time.RFC3339))
	}
	if !q.UpdatedMin.IsZero() {
		call = call.UpdatedMin(q.UpdatedMin.Format(time.RFC3339))
	}
	for k, v := range q.PrivateProperties {
		call = call.PrivateExtendedProperty(k + "=" + v)
	}
	if q.ShowDeleted {
		call = call.ShowDeleted(true)
	}
	if q.OrderByUpdated {
		call = call.OrderBy("updated")
	}
	if q.MaxResults > 0 {
		call = call.MaxResults(int64(q.MaxResults))
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		p.noteRateLimit(err)
		return Page{}, wrapError("list events", err)
	}

	page := Page{NextPageToken: resp.NextPageToken}
	for _, item := range resp.Items {
		e, err := fromGoogleEvent(item)
		if err != nil {
			return Page{}, fmt.Errorf("failed to list events: %w: %w", ErrPermanent, err)
		}
		page.Events = append(page.Events, e)
	}
	return page, nil
}

// InsertEvent inserts event without notifying attendees and without reminders.
func (p *GoogleProvider) InsertEvent(ctx context.Context, calendarID string, event model.Event) (model.Event, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return model.Event{}, err
	}

	ge := toGoogleEvent(event)
	ge.Reminders = &gcal.EventReminders{UseDefault: false, ForceSendFields: []string{"UseDefault"}}

	created, err := p.service.Events.Insert(calendarID, ge).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		p.noteRateLimit(err)
		return model.Event{}, wrapError("insert event", err)
	}

	out, err := fromGoogleEvent(created)
	if err != nil {
		// The insert happened; report what we sent with the assigned id.
		return event.WithID(created.Id), nil
	}
	return out, nil
}

// PatchEvent overwrites the mirrored fields of eventID.
func (p *GoogleProvider) PatchEvent(ctx context.Context, calendarID, eventID string, event model.Event) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	patch := &gcal.Event{
		Start:           toGoogleTime(event.Start),
		End:             toGoogleTime(event.End),
		Summary:         event.Summary,
		Description:     event.Description,
		Recurrence:      event.Recurrence,
		ForceSendFields: []string{"Summary", "Description"},
	}

	_, err := p.service.Events.Patch(calendarID, eventID, patch).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		p.noteRateLimit(err)
		return wrapError("patch event", err)
	}
	return nil
}

// DeleteEvent removes eventID. The caller decides whether ErrNotFound matters.
func (p *GoogleProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	err := p.service.Events.Delete(calendarID, eventID).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		p.noteRateLimit(err)
		return wrapError("delete event", err)
	}
	return nil
}

// Watch registers a web_hook channel for calendarID.
func (p *GoogleProvider) Watch(ctx context.Context, calendarID string, ch Channel) (Channel, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Channel{}, err
	}

	req := &gcal.Channel{
		Id:      ch.ID,
		Token:   ch.Token,
		Type:    "web_hook",
		Address: ch.Address,
	}
	if !ch.Expiration.IsZero() {
		req.Expiration = ch.Expiration.UnixMilli()
	}

	resp, err := p.service.Events.Watch(calendarID, req).Context(ctx).Do()
	if err != nil {
		p.noteRateLimit(err)
		return Channel{}, wrapError("create watch", err)
	}

	ch.ResourceID = resp.ResourceId
	if resp.Expiration > 0 {
		ch.Expiration = time.UnixMilli(resp.Expiration).UTC()
	}
	return ch, nil
}

// StopWatch stops notifications for ch.
func (p *GoogleProvider) StopWatch(ctx context.Context, ch Channel) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	err := p.service.Channels.Stop(&gcal.Channel{Id: ch.ID, ResourceId: ch.ResourceID}).Context(ctx).Do()
	if err != nil {
		p.noteRateLimit(err)
		return wrapError("stop watch", err)
	}
	return nil
}

// noteRateLimit pauses the account after a 429, honouring Retry-After.
func (p *GoogleProvider) noteRateLimit(err error) {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusTooManyRequests {
		return
	}
	var wait time.Duration
	if gerr.Header != nil {
		if secs, convErr := strconv.Atoi(gerr.Header.Get("Retry-After")); convErr == nil {
			wait = time.Duration(secs) * time.Second
		}
	}
	p.limiter.Backoff(wait)
}

func fromGoogleEvent(ge *gcal.Event) (model.Event, error) {
	e := model.Event{
		ID:               ge.Id,
		Status:           model.Status(ge.Status),
		Summary:          ge.Summary,
		Description:      ge.Description,
		Recurrence:       ge.Recurrence,
		RecurringEventID: ge.RecurringEventId,
	}
	if e.Status == "" {
		e.Status = model.StatusConfirmed
	}

	var err error
	if e.Start, err = fromGoogleTime(ge.Start); err != nil {
		return model.Event{}, err
	}
	if e.End, err = fromGoogleTime(ge.End); err != nil {
		return model.Event{}, err
	}
	if e.Created, err = parseTimestamp("created", ge.Created); err != nil {
		return model.Event{}, err
	}
	if e.Updated, err = parseTimestamp("updated", ge.Updated); err != nil {
		return model.Event{}, err
	}

	for _, a := range ge.Attendees {
		e.Attendees = append(e.Attendees, model.Attendee{Email: a.Email, ResponseStatus: a.ResponseStatus})
	}
	if ge.ExtendedProperties != nil && len(ge.ExtendedProperties.Private) > 0 {
		e.Properties = make(map[string]string, len(ge.ExtendedProperties.Private))
		for k, v := range ge.ExtendedProperties.Private {
			e.Properties[k] = v
		}
	}
	return e, nil
}

func toGoogleEvent(e model.Event) *gcal.Event {
	ge := &gcal.Event{
		Id:          e.ID,
		Summary:     e.Summary,
		Description: e.Description,
		Start:       toGoogleTime(e.Start),
		End:         toGoogleTime(e.End),
		Recurrence:  e.Recurrence,
	}
	if len(e.Properties) > 0 {
		ge.ExtendedProperties = &gcal.EventExtendedProperties{Private: e.Properties}
	}
	return ge
}

// fromGoogleTime accepts a nil value: cancelled events are often returned
// without start and end.
func fromGoogleTime(t *gcal.EventDateTime) (model.EventTime, error) {
	switch {
	case t == nil:
		return model.EventTime{}, nil
	case t.Date != "":
		return model.ParseDate(t.Date)
	case t.DateTime != "":
		return model.ParseDateTime(t.DateTime, t.TimeZone)
	default:
		return model.EventTime{}, nil
	}
}

func toGoogleTime(t model.EventTime) *gcal.EventDateTime {
	switch {
	case t.IsZero():
		return nil
	case t.IsAllDay():
		return &gcal.EventDateTime{Date: t.Date()}
	default:
		return &gcal.EventDateTime{DateTime: t.DateTime(), TimeZone: t.TimeZone()}
	}
}

func parseTimestamp(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &model.ParseError{Field: field, Value: s, Err: err}
	}
	return t, nil
}
