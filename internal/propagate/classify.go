package propagate

import (
	"slices"
	"strings"
	"time"

	"github.com/beekhof/calensync/internal/model"
)

// State is the classification of one changed source event.
type State int

const (
	StateTentative State = iota
	StateNew
	StateCancelled
	StateConfirmed
	StateUnmatched
)

func (s State) String() string {
	switch s {
	case StateTentative:
		return "tentative"
	case StateNew:
		return "new"
	case StateCancelled:
		return "cancelled"
	case StateConfirmed:
		return "confirmed"
	default:
		return "unmatched"
	}
}

// Classify decides what a change to e means for its mirrors. Checks run in
// priority order: tentative, declined (treated as cancelled), new, cancelled,
// confirmed. An event counts as new when its created and updated timestamps
// are less than window apart; providers do not stamp both in one
// transaction.
func Classify(e model.Event, window time.Duration) State {
	switch {
	case e.Status == model.StatusTentative:
		return StateTentative
	case e.Status == model.StatusDeclined:
		return StateCancelled
	case e.Status != model.StatusCancelled && isNew(e, window):
		return StateNew
	case e.Status == model.StatusCancelled:
		return StateCancelled
	case e.Status == model.StatusConfirmed:
		return StateConfirmed
	default:
		return StateUnmatched
	}
}

func isNew(e model.Event, window time.Duration) bool {
	if e.Created.IsZero() || e.Updated.IsZero() {
		return false
	}
	gap := e.Updated.Sub(e.Created)
	if gap < 0 {
		gap = -gap
	}
	return gap < window
}

// MarkDeclined returns e with status declined when the calendar owner turned
// the invitation down. The owner is the source calendar itself when it is the
// account's primary calendar, otherwise the account's first primary calendar.
// Cancelled events are returned unchanged.
func MarkDeclined(e model.Event, source model.CalendarNode, accountCalendars []model.CalendarNode) model.Event {
	if e.Status == model.StatusCancelled {
		return e
	}
	declined := e.DeclinedBy()
	if len(declined) == 0 {
		return e
	}

	owner := ""
	if source.Primary {
		owner = source.PlatformID
	} else if i := slices.IndexFunc(accountCalendars, func(c model.CalendarNode) bool { return c.Primary }); i >= 0 {
		owner = accountCalendars[i].PlatformID
	}
	if owner != "" && slices.Contains(declined, strings.ToLower(owner)) {
		return e.WithStatus(model.StatusDeclined)
	}
	return e
}
