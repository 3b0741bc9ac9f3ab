package model

import (
	"fmt"
	"strings"
	"time"
)

// readOnlySuffix marks Google group calendars (holidays, shared feeds) that
// cannot receive events.
const readOnlySuffix = "@group.v.calendar.google.com"

// IsReadOnlyPlatformID reports whether the provider id names a calendar the
// account cannot write to.
func IsReadOnlyPlatformID(platformID string) bool {
	return strings.Contains(platformID, readOnlySuffix)
}

// CalendarNode is one linked external calendar.
type CalendarNode struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	PlatformID string `json:"platform_id"`
	Name       string `json:"name,omitempty"`
	ReadOnly   bool   `json:"read_only"`
	Primary    bool   `json:"primary"`

	// Push subscription
	ChannelID  string    `json:"channel_id,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	Token      string    `json:"token,omitempty"`
	Expiration time.Time `json:"expiration,omitzero"`

	LastReceived  time.Time `json:"last_received,omitzero"`
	LastProcessed time.Time `json:"last_processed,omitzero"`
	LastInserted  time.Time `json:"last_inserted,omitzero"`

	// Paused is set when the owning account's credentials were revoked.
	Paused time.Time `json:"paused,omitzero"`
}

// DueForReconciliation reports whether a notification was received after the
// last completed pass.
func (c CalendarNode) DueForReconciliation() bool {
	return c.LastReceived.After(c.LastProcessed)
}

// IsPaused reports whether the node must be skipped until re-authorized.
func (c CalendarNode) IsPaused() bool { return !c.Paused.IsZero() }

// HasWatch reports whether a push subscription is currently bound.
func (c CalendarNode) HasWatch() bool { return c.ResourceID != "" }

func (c CalendarNode) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%s (%s)", c.Name, c.PlatformID)
	}
	return c.PlatformID
}
