// Package calendar talks to external calendar providers.
//
// A Provider is the raw capability of one account (Google Calendar or a CalDAV
// server). A Gateway wraps a Provider for one CalendarNode and applies the
// node's modification batch.
package calendar

import (
	"context"
	"time"

	"github.com/beekhof/calensync/internal/model"
)

// Query selects events from a calendar. Zero fields are not sent.
type Query struct {
	TimeMin time.Time
	TimeMax time.Time

	// PrivateProperties filters on private extended properties, all of which
	// must match.
	PrivateProperties map[string]string

	// UpdatedMin restricts the result to events modified after the instant.
	UpdatedMin time.Time

	// ShowDeleted includes cancelled events.
	ShowDeleted bool

	// OrderByUpdated sorts by last modification time.
	OrderByUpdated bool

	MaxResults int
	PageToken  string
}

// Page is one page of a list call.
type Page struct {
	Events        []model.Event
	NextPageToken string
}

// Channel is a push notification subscription.
type Channel struct {
	ID         string
	ResourceID string
	Token      string
	Address    string
	Expiration time.Time
}

// Provider is the subset of a calendar API the reconciliation core needs.
//
// Every returned error wraps ErrNotFound, ErrTransient or ErrPermanent.
type Provider interface {
	ListEvents(ctx context.Context, calendarID string, q Query) (Page, error)
	InsertEvent(ctx context.Context, calendarID string, event model.Event) (model.Event, error)
	// PatchEvent overwrites start, end, summary, description and recurrence.
	PatchEvent(ctx context.Context, calendarID, eventID string, event model.Event) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	// Watch registers ch for calendarID and returns it with the provider's
	// resource id filled in.
	Watch(ctx context.Context, calendarID string, ch Channel) (Channel, error)
	StopWatch(ctx context.Context, ch Channel) error
}
