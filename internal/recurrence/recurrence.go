// Package recurrence maps recurring-event instance identifiers between
// calendars and evaluates recurrence rules.
//
// Providers name a modified occurrence of series R as R_T, where T encodes
// the original start of that occurrence. The copy of R in a destination
// calendar has its own id R', so the destination occurrence is R'_T.
package recurrence

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/beekhof/calensync/internal/model"
	"github.com/teambition/rrule-go"
)

// instanceSuffix matches the timestamp token of an occurrence id: a date or
// sequence number, optionally followed by a time and a UTC marker.
var instanceSuffix = regexp.MustCompile(`^[0-9]+(T[0-9]+)?Z?$`)

// SplitInstanceID splits an instance id into its series id and instance
// suffix. A single leading underscore left by imported events is ignored. ok
// is false for whole-series ids, including ids whose text after the last
// underscore is not a timestamp token.
func SplitInstanceID(id string) (series, suffix string, ok bool) {
	id = strings.TrimPrefix(id, "_")
	i := strings.LastIndex(id, "_")
	if i <= 0 || !instanceSuffix.MatchString(id[i+1:]) {
		return id, "", false
	}
	return id[:i], id[i+1:], true
}

// IsInstanceID reports whether id names a single occurrence of a series.
func IsInstanceID(id string) bool {
	_, _, ok := SplitInstanceID(id)
	return ok
}

// MapInstanceID returns the id of the occurrence of destSeriesID that
// corresponds to sourceInstanceID. If destSeriesID is itself an instance id,
// only its series part is used.
func MapInstanceID(sourceInstanceID, destSeriesID string) (string, bool) {
	_, suffix, ok := SplitInstanceID(sourceInstanceID)
	if !ok {
		return "", false
	}
	destSeries, _, _ := SplitInstanceID(destSeriesID)
	if destSeries == "" {
		return "", false
	}
	return destSeries + "_" + suffix, true
}

// IsInstance reports whether e is a single occurrence of a recurring series.
func IsInstance(e model.Event) bool {
	return e.RecurringEventID != "" || IsInstanceID(e.ID)
}

// SeriesID returns the id of the series e belongs to, or "" if e is not an
// instance.
func SeriesID(e model.Event) string {
	if e.RecurringEventID != "" {
		return e.RecurringEventID
	}
	if series, _, ok := SplitInstanceID(e.ID); ok {
		return series
	}
	return ""
}

// SeriesEnded reports whether the RRULE in lines has no occurrence at or after
// now. Rules without UNTIL or COUNT never end. start is the first occurrence.
func SeriesEnded(lines []string, start, now time.Time) (bool, error) {
	opt, err := parseRule(lines)
	if err != nil || opt == nil {
		return false, err
	}

	if !opt.Until.IsZero() {
		return opt.Until.Before(now), nil
	}
	if opt.Count == 0 {
		return false, nil
	}

	opt.Dtstart = start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return false, fmt.Errorf("failed to build recurrence rule: %w", err)
	}
	occurrences := r.All()
	if len(occurrences) == 0 {
		return true, nil
	}
	return occurrences[len(occurrences)-1].Before(now), nil
}

func parseRule(lines []string) (*rrule.ROption, error) {
	for _, line := range lines {
		body, ok := strings.CutPrefix(line, "RRULE:")
		if !ok {
			continue
		}
		opt, err := rrule.StrToROption(body)
		if err != nil {
			return nil, &model.ParseError{Field: "recurrence", Value: line, Err: err}
		}
		return opt, nil
	}
	return nil, nil
}
