package model

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Status is the provider-reported state of an event.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusTentative Status = "tentative"
	StatusCancelled Status = "cancelled"
	StatusDeclined  Status = "declined"
)

// Private property keys carried by every mirrored copy.
const (
	PropSourceID   = "source-id"
	PropCalendarID = "calendar-id"
)

// ResponseDeclined is the attendee response status for a declined invitation.
const ResponseDeclined = "declined"

// Attendee is one invitee of an event.
type Attendee struct {
	Email          string `json:"email"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// Event is a snapshot of one calendar entry. Values are treated as immutable:
// the With* helpers return modified copies.
type Event struct {
	ID               string            `json:"id"`
	Status           Status            `json:"status"`
	Start            EventTime         `json:"start"`
	End              EventTime         `json:"end"`
	Created          time.Time         `json:"created"`
	Updated          time.Time         `json:"updated"`
	Summary          string            `json:"summary,omitempty"`
	Description      string            `json:"description,omitempty"`
	Recurrence       []string          `json:"recurrence,omitempty"`
	RecurringEventID string            `json:"recurringEventId,omitempty"`
	Attendees        []Attendee        `json:"attendees,omitempty"`
	Properties       map[string]string `json:"properties,omitempty"`
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	e.Recurrence = slices.Clone(e.Recurrence)
	e.Attendees = slices.Clone(e.Attendees)
	e.Properties = maps.Clone(e.Properties)
	return e
}

func (e Event) WithID(id string) Event {
	c := e.Clone()
	c.ID = id
	return c
}

func (e Event) WithStatus(s Status) Event {
	c := e.Clone()
	c.Status = s
	return c
}

// WithProperties returns a copy whose property bag is props merged over the
// existing one.
func (e Event) WithProperties(props map[string]string) Event {
	c := e.Clone()
	if c.Properties == nil {
		c.Properties = make(map[string]string, len(props))
	}
	maps.Copy(c.Properties, props)
	return c
}

// SourceID returns the source-id marker, or "" for organic events.
func (e Event) SourceID() string { return e.Properties[PropSourceID] }

// IsMirror reports whether the event is a synchronized copy. Mirrors are never
// propagated further.
func (e Event) IsMirror() bool { return e.SourceID() != "" }

// IsRecurring reports whether the event carries a recurrence rule.
func (e Event) IsRecurring() bool { return len(e.Recurrence) > 0 }

// DeclinedBy returns the lower-cased emails of attendees who declined.
func (e Event) DeclinedBy() []string {
	var out []string
	for _, a := range e.Attendees {
		if a.ResponseStatus == ResponseDeclined {
			out = append(out, strings.ToLower(a.Email))
		}
	}
	return out
}

// SortRecurringFirst orders events carrying a recurrence rule before the rest,
// keeping the relative order inside each group.
func SortRecurringFirst(events []Event) {
	slices.SortStableFunc(events, func(a, b Event) int {
		switch {
		case a.IsRecurring() == b.IsRecurring():
			return 0
		case a.IsRecurring():
			return -1
		default:
			return 1
		}
	})
}
