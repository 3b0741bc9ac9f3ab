package calendar

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beekhof/calensync/internal/model"
	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

// Markers are stored as X- properties on CalDAV servers.
const (
	icalPropSourceID   = "X-CALENSYNC-SOURCE-ID"
	icalPropCalendarID = "X-CALENSYNC-CALENDAR-ID"
)

// Window used when a query has no explicit time range.
const caldavDefaultWindow = 365 * 24 * time.Hour

// CalDAVProvider is a Provider for CalDAV servers such as iCloud. Calendar ids
// are collection paths, for example "/1234/calendars/work/".
type CalDAVProvider struct {
	httpClient *http.Client
	serverURL  string
	username   string
	password   string
	now        func() time.Time
}

// NewCalDAVProvider creates a CalDAV provider using basic authentication.
// For iCloud, password must be an app-specific password.
func NewCalDAVProvider(serverURL, username, password string, httpClient *http.Client) *CalDAVProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CalDAVProvider{
		httpClient: httpClient,
		serverURL:  strings.TrimSuffix(serverURL, "/"),
		username:   username,
		password:   password,
		now:        time.Now,
	}
}

func (c *CalDAVProvider) do(ctx context.Context, method, path, contentType string, body io.Reader, depth string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if depth != "" {
		req.Header.Set("Depth", depth)
	}
	return c.httpClient.Do(req)
}

// ListEvents runs a calendar-query REPORT. Property, update-time and status
// filters are applied locally. CalDAV has no paging, so the result is always
// a single page.
func (c *CalDAVProvider) ListEvents(ctx context.Context, calendarID string, q Query) (Page, error) {
	now := c.now()
	timeMin, timeMax := q.TimeMin, q.TimeMax
	if timeMin.IsZero() {
		timeMin = now.Add(-caldavDefaultWindow)
	}
	if timeMax.IsZero() {
		timeMax = now.Add(caldavDefaultWindow)
	}

	query := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="%s" end="%s"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`, timeMin.UTC().Format("20060102T150405Z"), timeMax.UTC().Format("20060102T150405Z"))

	resp, err := c.do(ctx, "REPORT", calendarID, "application/xml; charset=utf-8", strings.NewReader(query), "1")
	if err != nil {
		return Page{}, wrapError("list events", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return Page{}, wrapError("list events", &httpStatusError{Method: "REPORT", Path: calendarID, Code: resp.StatusCode})
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, wrapError("list events", err)
	}
	blobs, err := parseMultistatus(body)
	if err != nil {
		return Page{}, fmt.Errorf("failed to list events: %w: %w", ErrPermanent, err)
	}

	var page Page
	for _, blob := range blobs {
		cal, err := ical.NewDecoder(strings.NewReader(blob)).Decode()
		if err != nil {
			return Page{}, fmt.Errorf("failed to list events: %w: %w", ErrPermanent, err)
		}
		e, err := fromICal(cal)
		if err != nil {
			return Page{}, fmt.Errorf("failed to list events: %w: %w", ErrPermanent, err)
		}
		if matches(e, q) {
			page.Events = append(page.Events, e)
		}
	}
	return page, nil
}

func matches(e model.Event, q Query) bool {
	for k, v := range q.PrivateProperties {
		if e.Properties[k] != v {
			return false
		}
	}
	if !q.UpdatedMin.IsZero() && e.Updated.Before(q.UpdatedMin) {
		return false
	}
	if !q.ShowDeleted && e.Status == model.StatusCancelled {
		return false
	}
	return true
}

// InsertEvent stores event as a new resource. CalDAV clients choose the UID,
// so an id is generated when event has none.
func (c *CalDAVProvider) InsertEvent(ctx context.Context, calendarID string, event model.Event) (model.Event, error) {
	if event.ID == "" {
		event = event.WithID(uuid.NewString())
	}
	now := c.now().UTC()
	if event.Created.IsZero() {
		event.Created = now
	}
	event.Updated = now
	if event.Status == "" {
		event.Status = model.StatusConfirmed
	}

	if err := c.put(ctx, calendarID, event); err != nil {
		return model.Event{}, wrapError("insert event", err)
	}
	return event, nil
}

// PatchEvent rewrites the stored resource with the mirrored fields of event,
// keeping everything else.
func (c *CalDAVProvider) PatchEvent(ctx context.Context, calendarID, eventID string, event model.Event) error {
	existing, err := c.get(ctx, calendarID, eventID)
	if err != nil {
		return wrapError("patch event", err)
	}

	existing.Start = event.Start
	existing.End = event.End
	existing.Summary = event.Summary
	existing.Description = event.Description
	if len(event.Recurrence) > 0 {
		existing.Recurrence = event.Recurrence
	}
	existing.Updated = c.now().UTC()

	if err := c.put(ctx, calendarID, existing); err != nil {
		return wrapError("patch event", err)
	}
	return nil
}

// DeleteEvent removes the resource for eventID.
func (c *CalDAVProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	path := resourcePath(calendarID, eventID)
	resp, err := c.do(ctx, http.MethodDelete, path, "", nil, "")
	if err != nil {
		return wrapError("delete event", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return wrapError("delete event", &httpStatusError{Method: http.MethodDelete, Path: path, Code: resp.StatusCode})
	}
	return nil
}

func (c *CalDAVProvider) Watch(context.Context, string, Channel) (Channel, error) {
	return Channel{}, fmt.Errorf("%w: %w", ErrPermanent, ErrWatchUnsupported)
}

func (c *CalDAVProvider) StopWatch(context.Context, Channel) error {
	return fmt.Errorf("%w: %w", ErrPermanent, ErrWatchUnsupported)
}

func (c *CalDAVProvider) get(ctx context.Context, calendarID, eventID string) (model.Event, error) {
	path := resourcePath(calendarID, eventID)
	resp, err := c.do(ctx, http.MethodGet, path, "", nil, "")
	if err != nil {
		return model.Event{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Event{}, &httpStatusError{Method: http.MethodGet, Path: path, Code: resp.StatusCode}
	}

	cal, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: failed to parse iCalendar: %w", ErrPermanent, err)
	}
	return fromICal(cal)
}

func (c *CalDAVProvider) put(ctx context.Context, calendarID string, event model.Event) error {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(toICal(event, c.now())); err != nil {
		return fmt.Errorf("%w: failed to encode iCalendar: %w", ErrPermanent, err)
	}

	path := resourcePath(calendarID, event.ID)
	resp, err := c.do(ctx, http.MethodPut, path, "text/calendar; charset=utf-8", &buf, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK:
		return nil
	default:
		return &httpStatusError{Method: http.MethodPut, Path: path, Code: resp.StatusCode}
	}
}

func resourcePath(calendarID, eventID string) string {
	if !strings.HasSuffix(calendarID, "/") {
		calendarID += "/"
	}
	return calendarID + eventID + ".ics"
}

// parseMultistatus extracts the calendar-data bodies of a REPORT response.
func parseMultistatus(body []byte) ([]string, error) {
	type prop struct {
		CalendarData string `xml:"calendar-data"`
	}
	type response struct {
		Prop prop `xml:"propstat>prop"`
	}
	type multistatus struct {
		XMLName   xml.Name   `xml:"multistatus"`
		Responses []response `xml:"response"`
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	var out []string
	for _, r := range ms.Responses {
		if r.Prop.CalendarData != "" {
			out = append(out, r.Prop.CalendarData)
		}
	}
	return out, nil
}

func fromICal(cal *ical.Calendar) (model.Event, error) {
	var vevent *ical.Component
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			vevent = comp
			break
		}
	}
	if vevent == nil {
		return model.Event{}, &model.ParseError{Field: "VCALENDAR", Err: fmt.Errorf("no VEVENT found")}
	}

	e := model.Event{Status: model.StatusConfirmed}
	if p := vevent.Props.Get(ical.PropUID); p != nil {
		e.ID = p.Value
	}
	if p := vevent.Props.Get(ical.PropSummary); p != nil {
		e.Summary = p.Value
	}
	if p := vevent.Props.Get(ical.PropDescription); p != nil {
		e.Description = p.Value
	}
	if p := vevent.Props.Get(ical.PropStatus); p != nil {
		e.Status = model.Status(strings.ToLower(p.Value))
	}
	if p := vevent.Props.Get(ical.PropRecurrenceID); p != nil {
		// Overridden occurrence: the UID is the series id.
		e.RecurringEventID = e.ID
		if t, err := p.DateTime(time.UTC); err == nil {
			e.ID = e.ID + "_" + t.UTC().Format("20060102T150405Z")
		}
	}

	var err error
	if e.Start, err = icalTime(vevent.Props.Get(ical.PropDateTimeStart)); err != nil {
		return model.Event{}, err
	}
	if e.End, err = icalTime(vevent.Props.Get(ical.PropDateTimeEnd)); err != nil {
		return model.Event{}, err
	}
	if p := vevent.Props.Get(ical.PropCreated); p != nil {
		e.Created, _ = p.DateTime(time.UTC)
	}
	if p := vevent.Props.Get(ical.PropLastModified); p != nil {
		e.Updated, _ = p.DateTime(time.UTC)
	}

	for _, name := range []string{ical.PropRecurrenceRule, ical.PropExceptionDates, ical.PropRecurrenceDates} {
		for _, p := range vevent.Props.Values(name) {
			e.Recurrence = append(e.Recurrence, name+":"+p.Value)
		}
	}

	for _, p := range vevent.Props.Values(ical.PropAttendee) {
		e.Attendees = append(e.Attendees, model.Attendee{
			Email:          strings.TrimPrefix(strings.ToLower(p.Value), "mailto:"),
			ResponseStatus: strings.ToLower(p.Params.Get(ical.ParamParticipationStatus)),
		})
	}

	for prop, key := range map[string]string{icalPropSourceID: model.PropSourceID, icalPropCalendarID: model.PropCalendarID} {
		if p := vevent.Props.Get(prop); p != nil && p.Value != "" {
			if e.Properties == nil {
				e.Properties = make(map[string]string)
			}
			e.Properties[key] = p.Value
		}
	}
	return e, nil
}

func icalTime(p *ical.Prop) (model.EventTime, error) {
	if p == nil {
		return model.EventTime{}, nil
	}
	t, err := p.DateTime(time.UTC)
	if err != nil {
		return model.EventTime{}, &model.ParseError{Field: p.Name, Value: p.Value, Err: err}
	}
	if p.Params.Get(ical.ParamValue) == "DATE" {
		return model.NewDate(t), nil
	}
	return model.NewDateTime(t, p.Params.Get(ical.ParamTimezoneID)), nil
}

func toICal(e model.Event, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calensync//EN")

	vevent := ical.NewComponent(ical.CompEvent)
	cal.Children = append(cal.Children, vevent)

	vevent.Props.SetText(ical.PropUID, e.ID)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	if e.Summary != "" {
		vevent.Props.SetText(ical.PropSummary, e.Summary)
	}
	if e.Description != "" {
		vevent.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Status != "" && e.Status != model.StatusDeclined {
		vevent.Props.SetText(ical.PropStatus, strings.ToUpper(string(e.Status)))
	}
	setICalTime(vevent, ical.PropDateTimeStart, e.Start)
	setICalTime(vevent, ical.PropDateTimeEnd, e.End)
	if !e.Created.IsZero() {
		vevent.Props.SetDateTime(ical.PropCreated, e.Created.UTC())
	}
	if !e.Updated.IsZero() {
		vevent.Props.SetDateTime(ical.PropLastModified, e.Updated.UTC())
	}

	for _, line := range e.Recurrence {
		head, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		parts := strings.Split(head, ";")
		p := ical.NewProp(parts[0])
		p.Value = value
		for _, param := range parts[1:] {
			if k, v, ok := strings.Cut(param, "="); ok {
				p.Params.Set(k, v)
			}
		}
		vevent.Props.Add(p)
	}

	if v := e.Properties[model.PropSourceID]; v != "" {
		vevent.Props.SetText(icalPropSourceID, v)
	}
	if v := e.Properties[model.PropCalendarID]; v != "" {
		vevent.Props.SetText(icalPropCalendarID, v)
	}
	return cal
}

func setICalTime(vevent *ical.Component, name string, t model.EventTime) {
	switch {
	case t.IsZero():
	case t.IsAllDay():
		p := ical.NewProp(name)
		p.SetDate(t.Instant())
		vevent.Props.Set(p)
	default:
		vevent.Props.SetDateTime(name, t.Instant())
	}
}
