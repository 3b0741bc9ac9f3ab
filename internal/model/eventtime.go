package model

import (
	"encoding/json"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

type timeKind uint8

const (
	kindUnset timeKind = iota
	kindDate
	kindDateTime
)

// EventTime is either an all-day date or an instant with an optional time zone.
// The zero value is unset.
type EventTime struct {
	kind     timeKind
	at       time.Time
	timeZone string
}

// NewDate returns an all-day value for the calendar date of t.
func NewDate(t time.Time) EventTime {
	y, m, d := t.Date()
	return EventTime{kind: kindDate, at: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// NewDateTime returns a timed value. tz is the IANA zone name reported by the
// provider and may be empty.
func NewDateTime(t time.Time, tz string) EventTime {
	return EventTime{kind: kindDateTime, at: t, timeZone: tz}
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (EventTime, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return EventTime{}, &ParseError{Field: "date", Value: s, Err: err}
	}
	return NewDate(t), nil
}

// ParseDateTime parses an RFC 3339 timestamp.
func ParseDateTime(s, tz string) (EventTime, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return EventTime{}, &ParseError{Field: "dateTime", Value: s, Err: err}
	}
	return NewDateTime(t, tz), nil
}

func (t EventTime) IsZero() bool   { return t.kind == kindUnset }
func (t EventTime) IsAllDay() bool { return t.kind == kindDate }

// Instant returns the UTC instant. All-day values resolve to midnight UTC.
func (t EventTime) Instant() time.Time { return t.at.UTC() }

func (t EventTime) TimeZone() string { return t.timeZone }

// Date returns the YYYY-MM-DD form, or "" for timed values.
func (t EventTime) Date() string {
	if t.kind != kindDate {
		return ""
	}
	return t.at.Format(dateLayout)
}

// DateTime returns the RFC 3339 form, or "" for all-day values.
func (t EventTime) DateTime() string {
	if t.kind != kindDateTime {
		return ""
	}
	return t.at.Format(time.RFC3339)
}

// Equal reports whether both values have the same kind and instant.
// Time zone names are ignored.
func (t EventTime) Equal(o EventTime) bool {
	return t.kind == o.kind && t.at.Equal(o.at)
}

func (t EventTime) String() string {
	switch t.kind {
	case kindDate:
		return t.Date()
	case kindDateTime:
		return t.DateTime()
	default:
		return "<unset>"
	}
}

type eventTimeJSON struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

func (t EventTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventTimeJSON{Date: t.Date(), DateTime: t.DateTime(), TimeZone: t.timeZone})
}

func (t *EventTime) UnmarshalJSON(data []byte) error {
	var raw eventTimeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ParseError{Field: "eventTime", Value: string(data), Err: err}
	}

	switch {
	case raw.Date != "" && raw.DateTime != "":
		return &ParseError{Field: "eventTime", Value: string(data), Err: fmt.Errorf("both date and dateTime set")}
	case raw.Date != "":
		v, err := ParseDate(raw.Date)
		if err != nil {
			return err
		}
		*t = v
	case raw.DateTime != "":
		v, err := ParseDateTime(raw.DateTime, raw.TimeZone)
		if err != nil {
			return err
		}
		*t = v
	default:
		return &ParseError{Field: "eventTime", Value: string(data), Err: fmt.Errorf("neither date nor dateTime set")}
	}
	return nil
}
