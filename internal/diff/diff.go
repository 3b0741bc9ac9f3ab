// Package diff compares a source event collection with the mirrored copies
// held by a destination calendar.
//
// In every function a holds organic source events and b holds destination
// events, where mirrors point back at their origin through the source-id
// property. Results carry no ordering guarantee.
package diff

import "github.com/beekhof/calensync/internal/model"

// Additions returns the non-cancelled events of a that have no mirror in b.
func Additions(a, b []model.Event) []model.Event {
	mirrored := bySourceID(b)

	var out []model.Event
	for _, e := range a {
		if e.Status == model.StatusCancelled {
			continue
		}
		if _, ok := mirrored[e.ID]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// Updates returns the mirrors in b whose start or end no longer matches their
// non-cancelled origin in a.
func Updates(a, b []model.Event) []model.Event {
	mirrored := bySourceID(b)

	var out []model.Event
	for _, e := range a {
		if e.Status == model.StatusCancelled {
			continue
		}
		for _, m := range mirrored[e.ID] {
			if !e.Start.Equal(m.Start) || !e.End.Equal(m.End) {
				out = append(out, m)
			}
		}
	}
	return out
}

// Deletions returns the cancelled events of a that still have a confirmed
// mirror in b.
func Deletions(a, b []model.Event) []model.Event {
	mirrored := bySourceID(b)

	var out []model.Event
	for _, e := range a {
		if e.Status != model.StatusCancelled {
			continue
		}
		for _, m := range mirrored[e.ID] {
			if m.Status == model.StatusConfirmed {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Pairs matches each event of a with its mirrors in b. Events without a mirror
// are omitted.
func Pairs(a, b []model.Event) map[string][]model.Event {
	mirrored := bySourceID(b)
	out := make(map[string][]model.Event)
	for _, e := range a {
		if copies, ok := mirrored[e.ID]; ok {
			out[e.ID] = copies
		}
	}
	return out
}

func bySourceID(events []model.Event) map[string][]model.Event {
	m := make(map[string][]model.Event, len(events))
	for _, e := range events {
		if id := e.SourceID(); id != "" {
			m[id] = append(m[id], e)
		}
	}
	return m
}
