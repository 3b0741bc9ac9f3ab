package diff

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/beekhof/calensync/internal/model"
	"github.com/stretchr/testify/assert"
)

var base = time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC)

func event(id string, status model.Status, start time.Time) model.Event {
	return model.Event{
		ID:     id,
		Status: status,
		Start:  model.NewDateTime(start, "UTC"),
		End:    model.NewDateTime(start.Add(time.Hour), "UTC"),
	}
}

func mirror(id, sourceID string, status model.Status, start time.Time) model.Event {
	return event(id, status, start).WithProperties(map[string]string{model.PropSourceID: sourceID})
}

func ids(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestAdditions(t *testing.T) {
	a := []model.Event{
		event("1", model.StatusConfirmed, base),
		event("2", model.StatusConfirmed, base),
		event("3", model.StatusCancelled, base),
	}
	b := []model.Event{
		mirror("m1", "1", model.StatusConfirmed, base),
		event("organic", model.StatusConfirmed, base),
	}

	assert.ElementsMatch(t, []string{"2"}, ids(Additions(a, b)))
	assert.Empty(t, Additions(nil, b))
	assert.ElementsMatch(t, []string{"1", "2"}, ids(Additions(a, nil)))
}

func TestUpdates(t *testing.T) {
	a := []model.Event{
		event("1", model.StatusConfirmed, base),
		event("2", model.StatusConfirmed, base.Add(time.Hour)),
		event("3", model.StatusCancelled, base.Add(time.Hour)),
	}
	// Same instant in another zone is not a change.
	paris := time.FixedZone("CET", 3600)
	b := []model.Event{
		mirror("m1", "1", model.StatusConfirmed, base.In(paris)),
		mirror("m2", "2", model.StatusConfirmed, base),
		mirror("m3", "3", model.StatusConfirmed, base),
	}

	assert.Equal(t, []string{"m2"}, ids(Updates(a, b)))
}

func TestUpdates_EndChanged(t *testing.T) {
	src := event("1", model.StatusConfirmed, base)
	src.End = model.NewDateTime(base.Add(2*time.Hour), "UTC")

	got := Updates([]model.Event{src}, []model.Event{mirror("m1", "1", model.StatusConfirmed, base)})
	assert.Equal(t, []string{"m1"}, ids(got))
}

func TestDeletions(t *testing.T) {
	a := []model.Event{
		event("1", model.StatusCancelled, base),
		event("2", model.StatusCancelled, base),
		event("3", model.StatusConfirmed, base),
		event("4", model.StatusCancelled, base),
	}
	b := []model.Event{
		mirror("m1", "1", model.StatusConfirmed, base),
		mirror("m2", "2", model.StatusCancelled, base),
		mirror("m3", "3", model.StatusConfirmed, base),
	}

	assert.Equal(t, []string{"1"}, ids(Deletions(a, b)))
}

func TestPairs(t *testing.T) {
	a := []model.Event{event("1", model.StatusConfirmed, base), event("2", model.StatusConfirmed, base)}
	b := []model.Event{mirror("m1", "1", model.StatusConfirmed, base)}

	got := Pairs(a, b)
	assert.Len(t, got, 1)
	assert.Equal(t, []string{"m1"}, ids(got["1"]))
}

// An event can never be both a fresh addition and a cancellation target.
func TestAdditionsAndDeletionsAreDisjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []model.Status{model.StatusConfirmed, model.StatusCancelled, model.StatusTentative}

	for round := 0; round < 200; round++ {
		var a, b []model.Event
		for i := 0; i < 20; i++ {
			id := fmt.Sprintf("e%d", i)
			a = append(a, event(id, statuses[rng.Intn(len(statuses))], base))
			if rng.Intn(2) == 0 {
				b = append(b, mirror("m"+id, id, statuses[rng.Intn(len(statuses))], base))
			}
		}

		added := make(map[string]bool)
		for _, e := range Additions(a, b) {
			added[e.ID] = true
		}
		for _, e := range Deletions(a, b) {
			assert.False(t, added[e.ID], "round %d: %s is both added and deleted", round, e.ID)
		}
	}
}
