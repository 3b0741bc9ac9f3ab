package calendar_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beekhof/calensync/internal/batch"
	"github.com/beekhof/calensync/internal/calendar"
	"github.com/beekhof/calensync/internal/calendar/calendartest"
	"github.com/beekhof/calensync/internal/model"
	"github.com/beekhof/calensync/internal/store"
)

var base = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func at(h int) model.EventTime {
	return model.NewDateTime(base.Add(time.Duration(h)*time.Hour), "Europe/Berlin")
}

func event(id string, startHour int) model.Event {
	return model.Event{
		ID:      id,
		Status:  model.StatusConfirmed,
		Start:   at(startHour),
		End:     at(startHour + 1),
		Created: base,
		Updated: base,
		Summary: "Standup " + id,
	}
}

func markers(sourceID string) map[string]string {
	return map[string]string{model.PropSourceID: sourceID, model.PropCalendarID: "source@example.com"}
}

func newGateway(t *testing.T, node model.CalendarNode) (*calendar.Gateway, *calendartest.Provider, *store.MemoryStore) {
	t.Helper()
	repo := store.NewMemoryStore()
	require.NoError(t, repo.SaveCalendar(context.Background(), node))
	fake := calendartest.New()
	fake.Now = func() time.Time { return base }
	gw := calendar.NewGateway(node, fake, repo, calendar.WithClock(func() time.Time { return base.Add(time.Hour) }))
	return gw, fake, repo
}

func TestGateway_InsertEvents(t *testing.T) {
	ctx := context.Background()
	node := model.CalendarNode{ID: "dest", AccountID: "a", PlatformID: "dest@example.com"}
	gw, fake, repo := newGateway(t, node)

	rule := model.SyncRule{ID: "r1", SourceID: "src", DestinationID: "dest", Summary: "Busy: %original%"}
	single := event("single", 1)
	single.Attendees = []model.Attendee{{Email: "boss@example.com"}}
	series := event("series", 2)
	series.Recurrence = []string{"RRULE:FREQ=WEEKLY"}

	gw.Batch().Add([]batch.Item{
		{Event: single, Properties: markers("single")},
		{Event: series, Properties: markers("series")},
	}, rule, false)

	n, err := gw.InsertEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	inserts := fake.Calls(calendartest.OpInsert)
	require.Len(t, inserts, 2)
	assert.Equal(t, "Busy: Standup series", inserts[0].Event.Summary, "recurring events are inserted first")
	assert.Equal(t, "Busy: Standup single", inserts[1].Event.Summary)
	assert.Empty(t, inserts[1].Event.ID, "ids are assigned by the provider")
	assert.Empty(t, inserts[1].Event.Attendees, "attendees are never copied")
	assert.Equal(t, "single", inserts[1].Event.Properties[model.PropSourceID])
	assert.Equal(t, "source@example.com", inserts[1].Event.Properties[model.PropCalendarID])

	stored, err := repo.GetCalendar(ctx, "dest")
	require.NoError(t, err)
	assert.True(t, stored.LastInserted.Equal(base.Add(time.Hour)))
	assert.True(t, gw.Batch().Empty())
}

func TestGateway_InsertEvents_DefaultSummary(t *testing.T) {
	ctx := context.Background()
	gw, fake, _ := newGateway(t, model.CalendarNode{ID: "dest", PlatformID: "dest"})

	e := event("e1", 1)
	e.Summary = ""
	e.Description = "agenda"
	gw.Batch().Add([]batch.Item{{Event: e, Properties: markers("e1")}}, model.SyncRule{ID: "r", Description: "%original%"}, false)

	_, err := gw.InsertEvents(ctx)
	require.NoError(t, err)
	inserted := fake.Calls(calendartest.OpInsert)[0].Event
	assert.Equal(t, model.DefaultSummary, inserted.Summary)
	assert.Equal(t, "agenda", inserted.Description)
}

func TestGateway_InsertEvents_StopsAtFirstError(t *testing.T) {
	ctx := context.Background()
	gw, fake, _ := newGateway(t, model.CalendarNode{ID: "dest", PlatformID: "dest"})

	calls := 0
	fake.InsertErr = func(string, string) error {
		calls++
		if calls == 2 {
			return fmt.Errorf("%w: backend error", calendar.ErrTransient)
		}
		return nil
	}

	rule := model.SyncRule{ID: "r"}
	gw.Batch().Add([]batch.Item{
		{Event: event("a", 1), Properties: markers("a")},
		{Event: event("b", 2), Properties: markers("b")},
		{Event: event("c", 3), Properties: markers("c")},
	}, rule, false)

	n, err := gw.InsertEvents(ctx)
	require.Error(t, err)
	assert.True(t, calendar.IsTransient(err))
	assert.Equal(t, 1, n)
	assert.Len(t, fake.Events("dest"), 1, "the first insert stays applied")
	adds, _, _ := gw.Batch().Len()
	assert.Equal(t, 1, adds, "the remaining addition is left queued")
}

func TestGateway_ReadOnlyIsNeverWritten(t *testing.T) {
	ctx := context.Background()
	node := model.CalendarNode{ID: "holidays", PlatformID: "en.usa#holiday@group.v.calendar.google.com", ReadOnly: true}
	gw, fake, repo := newGateway(t, node)

	mirror := event("m1", 1).WithProperties(markers("x"))
	gw.Batch().Add([]batch.Item{{Event: event("a", 1), Properties: markers("a")}}, model.SyncRule{}, false)
	gw.Batch().Update([]batch.Pair{{Source: event("b", 1), Target: mirror}}, model.SyncRule{}, false)
	gw.Batch().Delete([]model.Event{mirror})

	n, err := gw.Apply(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, fake.Calls(""))
	assert.True(t, gw.Batch().Empty())

	stored, _ := repo.GetCalendar(ctx, "holidays")
	assert.True(t, stored.LastInserted.IsZero())

	require.NoError(t, gw.CreateWatch(ctx, "https://example.com/webhook", time.Hour))
	assert.Zero(t, fake.Count(calendartest.OpWatch))
}

func TestGateway_UpdateEvents_ContinuesAfterError(t *testing.T) {
	ctx := context.Background()
	gw, fake, _ := newGateway(t, model.CalendarNode{ID: "dest", PlatformID: "dest"})

	m1 := event("m1", 1).WithProperties(markers("a"))
	m2 := event("m2", 2).WithProperties(markers("b"))
	fake.Seed("dest", m1, m2)
	fake.PatchErr = func(_, eventID string) error {
		if eventID == "m1" {
			return fmt.Errorf("%w: forbidden", calendar.ErrPermanent)
		}
		return nil
	}

	moved := event("b", 5)
	gw.Batch().Update([]batch.Pair{
		{Source: event("a", 4), Target: m1},
		{Source: moved, Target: m2},
	}, model.SyncRule{ID: "r"}, false)

	n, err := gw.UpdateEvents(ctx)
	require.Error(t, err)
	assert.True(t, calendar.IsPermanent(err))
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, fake.Count(calendartest.OpPatch))

	for _, e := range fake.Events("dest") {
		if e.ID == "m2" {
			assert.True(t, e.Start.Equal(moved.Start))
			assert.Equal(t, model.DefaultSummary, e.Summary)
		}
	}
}

func TestGateway_DeleteEvents(t *testing.T) {
	ctx := context.Background()
	gw, fake, _ := newGateway(t, model.CalendarNode{ID: "dest", PlatformID: "dest"})

	m1 := event("m1", 1).WithProperties(markers("a"))
	m2 := event("m2", 2).WithProperties(markers("b"))
	gone := event("gone", 3).WithProperties(markers("c"))
	organic := event("organic", 4)
	fake.Seed("dest", m1, m2, organic)

	gw.Batch().Delete([]model.Event{m1, m2, gone, organic})
	n, err := gw.DeleteEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "not found counts as deleted")

	deletes := fake.Calls(calendartest.OpDelete)
	require.Len(t, deletes, 3)
	assert.Equal(t, []string{"gone", "m2", "m1"}, []string{deletes[0].EventID, deletes[1].EventID, deletes[2].EventID})

	remaining := fake.Events("dest")
	require.Len(t, remaining, 1)
	assert.Equal(t, "organic", remaining[0].ID)
}

func TestGateway_UpdatedSince(t *testing.T) {
	ctx := context.Background()
	gw, fake, _ := newGateway(t, model.CalendarNode{ID: "src", PlatformID: "src"})

	var seeded []model.Event
	for i := range 450 {
		e := event(fmt.Sprintf("e%03d", i), 1)
		e.Updated = base.Add(time.Duration(i) * time.Second)
		seeded = append(seeded, e)
	}
	mirror := event("mirror", 1).WithProperties(markers("elsewhere"))
	mirror.Updated = base.Add(time.Hour)
	cancelled := event("cancelled", 1).WithStatus(model.StatusCancelled)
	cancelled.Updated = base.Add(time.Hour)
	fake.Seed("src", append(seeded, mirror, cancelled)...)

	events, err := gw.UpdatedSince(ctx, base.Add(400*time.Second))
	require.NoError(t, err)

	// The one minute slack moves the cursor back to e340: 110 organic events
	// plus the cancelled one.
	assert.Len(t, events, 111)
	for _, e := range events {
		assert.False(t, e.IsMirror())
	}
	assert.Equal(t, "cancelled", events[len(events)-1].ID)

	all, err := gw.UpdatedSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 451)
	assert.Equal(t, 3, fake.Count(calendartest.OpList)-1, "450+ events need three pages of 200")
}

func TestGateway_Watch(t *testing.T) {
	ctx := context.Background()
	gw, fake, repo := newGateway(t, model.CalendarNode{ID: "src", PlatformID: "src"})

	require.NoError(t, gw.CreateWatch(ctx, "https://sync.example.com/webhook", 7*24*time.Hour))
	stored, err := repo.GetCalendar(ctx, "src")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ChannelID)
	assert.NotEmpty(t, stored.Token)
	assert.NotEqual(t, stored.ChannelID, stored.Token)
	assert.True(t, stored.HasWatch())
	assert.True(t, stored.Expiration.Equal(base.Add(time.Hour).Add(7*24*time.Hour)))

	fake.StopErr = func(string, string) error { return fmt.Errorf("%w: unavailable", calendar.ErrTransient) }
	err = gw.DeleteWatch(ctx)
	require.Error(t, err)
	unchanged, _ := repo.GetCalendar(ctx, "src")
	assert.Equal(t, stored.ResourceID, unchanged.ResourceID, "failed stop leaves state untouched")

	fake.StopErr = nil
	require.NoError(t, gw.DeleteWatch(ctx))
	cleared, _ := repo.GetCalendar(ctx, "src")
	assert.False(t, cleared.HasWatch())
	assert.True(t, cleared.Expiration.IsZero())

	// Nothing bound: no provider call.
	fake.Reset()
	require.NoError(t, gw.DeleteWatch(ctx))
	assert.Zero(t, fake.Count(calendartest.OpStop))
}

func TestGateway_FindBySourceID(t *testing.T) {
	ctx := context.Background()
	gw, fake, _ := newGateway(t, model.CalendarNode{ID: "dest", PlatformID: "dest"})
	fake.Seed("dest",
		event("m1", 1).WithProperties(markers("a")),
		event("m2", 2).WithProperties(markers("b")),
		event("organic", 3),
	)

	found, err := gw.FindBySourceID(ctx, "b")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "m2", found[0].ID)

	byCalendar, err := gw.FindByCalendarID(ctx, "source@example.com")
	require.NoError(t, err)
	assert.Len(t, byCalendar, 2)
}

func TestGateway_ListErrorIsReturned(t *testing.T) {
	gw, fake, _ := newGateway(t, model.CalendarNode{ID: "dest", PlatformID: "dest"})
	boom := fmt.Errorf("%w: boom", calendar.ErrTransient)
	fake.ListErr = func(string, string) error { return boom }

	_, err := gw.FindBySourceID(context.Background(), "x")
	assert.True(t, errors.Is(err, boom))
}
