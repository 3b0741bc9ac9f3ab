// Package batch accumulates pending mutations for a single destination
// calendar.
package batch

import "github.com/beekhof/calensync/internal/model"

// Item is a source event together with the marker properties its mirror must
// carry.
type Item struct {
	Event      model.Event
	Properties map[string]string
}

// Addition is a queued insert.
type Addition struct {
	Event      model.Event
	Properties map[string]string
	Rule       model.SyncRule
}

// Pair links a source event to the destination copy it overwrites.
type Pair struct {
	Source model.Event
	Target model.Event
}

// Update is a queued patch of Target using Source's fields.
type Update struct {
	Source model.Event
	Target model.Event
	Rule   model.SyncRule
}

// Batch holds three queues for one destination calendar. At most one addition
// and one update per source event id are queued; later calls with an id that
// was already seen are ignored.
//
// A Batch is not safe for concurrent use.
type Batch struct {
	toAdd    []Addition
	toUpdate []Update
	toDelete []string

	added   map[string]struct{}
	updated map[string]struct{}
}

func New() *Batch {
	return &Batch{
		added:   make(map[string]struct{}),
		updated: make(map[string]struct{}),
	}
}

// Add queues inserts. Unless keepID is set, the event id is cleared so the
// provider assigns one. Recurring events go to the front of the queue so a
// series exists before any of its instances.
func (b *Batch) Add(items []Item, rule model.SyncRule, keepID bool) {
	for _, it := range items {
		key := it.Event.ID
		if _, seen := b.added[key]; seen {
			continue
		}
		b.added[key] = struct{}{}

		e := it.Event.Clone()
		if !keepID {
			e.ID = ""
		}
		a := Addition{Event: e, Properties: it.Properties, Rule: rule}
		if e.IsRecurring() {
			b.toAdd = append([]Addition{a}, b.toAdd...)
		} else {
			b.toAdd = append(b.toAdd, a)
		}
	}
}

// Update queues patches, ordered and deduplicated like Add but with its own
// set of seen ids.
func (b *Batch) Update(pairs []Pair, rule model.SyncRule, keepID bool) {
	for _, p := range pairs {
		key := p.Source.ID
		if _, seen := b.updated[key]; seen {
			continue
		}
		b.updated[key] = struct{}{}

		src := p.Source.Clone()
		if !keepID {
			src.ID = ""
		}
		u := Update{Source: src, Target: p.Target.Clone(), Rule: rule}
		if src.IsRecurring() {
			b.toUpdate = append([]Update{u}, b.toUpdate...)
		} else {
			b.toUpdate = append(b.toUpdate, u)
		}
	}
}

// Delete queues removal of destination events. Only events carrying a
// source-id marker are accepted, so organic events are never deleted.
func (b *Batch) Delete(events []model.Event) {
	for _, e := range events {
		if !e.IsMirror() || e.ID == "" {
			continue
		}
		b.toDelete = append(b.toDelete, e.ID)
	}
}

// PopAddition removes the oldest queued addition.
func (b *Batch) PopAddition() (Addition, bool) {
	if len(b.toAdd) == 0 {
		return Addition{}, false
	}
	a := b.toAdd[0]
	b.toAdd = b.toAdd[1:]
	return a, true
}

// PopUpdate removes the oldest queued update.
func (b *Batch) PopUpdate() (Update, bool) {
	if len(b.toUpdate) == 0 {
		return Update{}, false
	}
	u := b.toUpdate[0]
	b.toUpdate = b.toUpdate[1:]
	return u, true
}

// PopDeletion removes the most recently queued deletion.
func (b *Batch) PopDeletion() (string, bool) {
	n := len(b.toDelete)
	if n == 0 {
		return "", false
	}
	id := b.toDelete[n-1]
	b.toDelete = b.toDelete[:n-1]
	return id, true
}

// Len reports the number of pending additions, updates and deletions.
func (b *Batch) Len() (adds, updates, deletes int) {
	return len(b.toAdd), len(b.toUpdate), len(b.toDelete)
}

// Empty reports whether nothing is pending.
func (b *Batch) Empty() bool {
	a, u, d := b.Len()
	return a+u+d == 0
}
