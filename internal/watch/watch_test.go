package watch_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beekhof/calensync/internal/calendar"
	"github.com/beekhof/calensync/internal/calendar/calendartest"
	"github.com/beekhof/calensync/internal/config"
	"github.com/beekhof/calensync/internal/model"
	"github.com/beekhof/calensync/internal/retry"
	"github.com/beekhof/calensync/internal/store"
	"github.com/beekhof/calensync/internal/watch"
)

var now = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, nodes ...model.CalendarNode) (*watch.Manager, *calendartest.Provider, *store.MemoryStore, *[]time.Duration) {
	t.Helper()
	ctx := context.Background()
	repo := store.NewMemoryStore()
	for _, n := range nodes {
		require.NoError(t, repo.SaveCalendar(ctx, n))
	}
	fake := calendartest.New()
	clock := func() time.Time { return now }
	reg := calendar.NewRegistry(calendar.StaticFactory(map[string]calendar.Provider{"acct": fake}), repo, nil)
	reg.SetClock(clock)

	var slept []time.Duration
	m := watch.NewManager(repo, reg, "https://example.com/webhook", config.DefaultSettings(),
		watch.WithClock(clock),
		watch.WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)
	return m, fake, repo, &slept
}

func expiring(id string, in time.Duration) model.CalendarNode {
	return model.CalendarNode{
		ID:         id,
		AccountID:  "acct",
		PlatformID: id + "@example.com",
		ChannelID:  "chan-" + id,
		Token:      "tok-" + id,
		ResourceID: "res-" + id,
		Expiration: now.Add(in),
	}
}

func TestRenewExpiring_RetriesCreation(t *testing.T) {
	m, fake, repo, slept := setup(t, expiring("soon", time.Hour), expiring("later", 72*time.Hour))
	failures := 2
	fake.WatchErr = func(string, string) error {
		if failures > 0 {
			failures--
			return fmt.Errorf("%w: backend error", calendar.ErrTransient)
		}
		return nil
	}

	n, err := m.RenewExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, fake.Count(calendartest.OpWatch))
	assert.Equal(t, 1, fake.Count(calendartest.OpStop))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, *slept)

	node, err := repo.GetCalendar(context.Background(), "soon")
	require.NoError(t, err)
	assert.NotEqual(t, "res-soon", node.ResourceID)
	assert.NotEqual(t, "chan-soon", node.ChannelID)
	assert.True(t, node.Expiration.Equal(now.Add(7*24*time.Hour)))

	later, err := repo.GetCalendar(context.Background(), "later")
	require.NoError(t, err)
	assert.Equal(t, "res-later", later.ResourceID, "watches outside the lookahead are left alone")
}

func TestRenewExpiring_ExhaustedIsCountedAndSkipped(t *testing.T) {
	m, fake, _, _ := setup(t, expiring("a", time.Hour), expiring("b", 2*time.Hour))
	fake.WatchErr = func(calendarID, _ string) error {
		if calendarID == "a@example.com" {
			return calendar.ErrTransient
		}
		return nil
	}

	n, err := m.RenewExpiring(context.Background())
	assert.Equal(t, 1, n)
	require.Error(t, err)
	var exhausted *retry.ExhaustedError
	assert.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 4, fake.Count(calendartest.OpWatch), "three attempts for a, one for b")
}

func TestRenew_StopFailureDoesNotBlockCreation(t *testing.T) {
	node := expiring("soon", time.Hour)
	m, fake, _, _ := setup(t, node)
	fake.StopErr = func(string, string) error { return calendar.ErrTransient }

	require.NoError(t, m.Renew(context.Background(), node))
	assert.Equal(t, 1, fake.Count(calendartest.OpStop))
	assert.Equal(t, 1, fake.Count(calendartest.OpWatch))
}

func TestRenew_UnboundChannelIsNotStopped(t *testing.T) {
	node := expiring("soon", time.Hour)
	node.ResourceID = ""
	m, fake, repo, _ := setup(t, node)

	require.NoError(t, m.Renew(context.Background(), node))
	assert.Zero(t, fake.Count(calendartest.OpStop))
	assert.Equal(t, 1, fake.Count(calendartest.OpWatch))

	saved, err := repo.GetCalendar(context.Background(), "soon")
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ResourceID)
	assert.NotEqual(t, "chan-soon", saved.ChannelID)
}

func TestRenewExpiring_SkipsPausedCalendars(t *testing.T) {
	node := expiring("soon", time.Hour)
	node.Paused = now.Add(-time.Hour)
	m, fake, _, _ := setup(t, node)

	n, err := m.RenewExpiring(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, fake.Calls(""))
}
