package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/beekhof/calensync/internal/model"
)

func newTestGoogleProvider(t *testing.T, handler http.HandlerFunc) *GoogleProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	limiter := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 100})
	p, err := NewGoogleProvider(context.Background(), srv.Client(), limiter, option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestGoogleProvider_ListEvents(t *testing.T) {
	var gotQuery map[string][]string
	p := newTestGoogleProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendars/work@example.com/events", r.URL.Path)
		gotQuery = r.URL.Query()
		writeJSON(w, http.StatusOK, map[string]any{
			"nextPageToken": "page-2",
			"items": []map[string]any{
				{
					"id":      "evt1",
					"status":  "confirmed",
					"created": "2025-06-01T10:00:00.000Z",
					"updated": "2025-06-01T10:00:00.500Z",
					"summary": "Planning",
					"start":   map[string]string{"dateTime": "2025-06-02T10:00:00+02:00", "timeZone": "Europe/Berlin"},
					"end":     map[string]string{"dateTime": "2025-06-02T11:00:00+02:00", "timeZone": "Europe/Berlin"},
					"attendees": []map[string]string{
						{"email": "me@example.com", "responseStatus": "declined"},
					},
					"extendedProperties": map[string]any{
						"private": map[string]string{model.PropSourceID: "orig"},
					},
				},
				{
					"id":     "evt2",
					"status": "cancelled",
				},
			},
		})
	})

	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	page, err := p.ListEvents(context.Background(), "work@example.com", Query{
		UpdatedMin:        since,
		ShowDeleted:       true,
		OrderByUpdated:    true,
		MaxResults:        200,
		PrivateProperties: map[string]string{model.PropSourceID: "orig"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"source-id=orig"}, gotQuery["privateExtendedProperty"])
	assert.Equal(t, []string{"true"}, gotQuery["showDeleted"])
	assert.Equal(t, []string{"updated"}, gotQuery["orderBy"])
	assert.Equal(t, []string{"200"}, gotQuery["maxResults"])
	assert.Equal(t, []string{since.Format(time.RFC3339)}, gotQuery["updatedMin"])

	assert.Equal(t, "page-2", page.NextPageToken)
	require.Len(t, page.Events, 2)
	e := page.Events[0]
	assert.Equal(t, "Europe/Berlin", e.Start.TimeZone())
	assert.True(t, e.Start.Instant().Equal(time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, "orig", e.SourceID())
	assert.Equal(t, []string{"me@example.com"}, e.DeclinedBy())
	assert.True(t, page.Events[1].Start.IsZero(), "cancelled events may come without times")
}

func TestGoogleProvider_InsertEvent(t *testing.T) {
	var sent map[string]any
	p := newTestGoogleProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "none", r.URL.Query().Get("sendUpdates"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &sent))
		sent["id"] = "new-id"
		sent["status"] = "confirmed"
		writeJSON(w, http.StatusOK, sent)
	})

	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	created, err := p.InsertEvent(context.Background(), "dest", model.Event{
		Start:      model.NewDate(start),
		End:        model.NewDate(start.AddDate(0, 0, 1)),
		Summary:    "Blocker",
		Properties: map[string]string{model.PropSourceID: "s1", model.PropCalendarID: "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "new-id", created.ID)
	assert.Equal(t, "s1", created.SourceID())

	assert.Equal(t, map[string]any{"date": "2025-06-02"}, sent["start"])
	assert.Equal(t, map[string]any{"useDefault": false}, sent["reminders"])
}

func TestGoogleProvider_Watch(t *testing.T) {
	p := newTestGoogleProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/calendars/primary/events/watch":
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "web_hook", req["type"])
			assert.Equal(t, "chan-1", req["id"])
			writeJSON(w, http.StatusOK, map[string]any{
				"id":         "chan-1",
				"resourceId": "res-9",
				"expiration": "1767225600000",
			})
		case "/channels/stop":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	ch, err := p.Watch(context.Background(), "primary", Channel{ID: "chan-1", Token: "tok", Address: "https://example.com/webhook"})
	require.NoError(t, err)
	assert.Equal(t, "res-9", ch.ResourceID)
	assert.True(t, ch.Expiration.Equal(time.UnixMilli(1767225600000)))

	require.NoError(t, p.StopWatch(context.Background(), ch))
}

func TestGoogleProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reason string
		check  func(error) bool
	}{
		{"not found", http.StatusNotFound, "notFound", IsNotFound},
		{"gone", http.StatusGone, "deleted", IsNotFound},
		{"server error", http.StatusInternalServerError, "backendError", IsTransient},
		{"rate limited", http.StatusForbidden, "rateLimitExceeded", IsTransient},
		{"forbidden", http.StatusForbidden, "forbidden", IsPermanent},
		{"bad request", http.StatusBadRequest, "invalid", IsPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestGoogleProvider(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]any{
					"error": map[string]any{
						"code":    tt.status,
						"message": tt.name,
						"errors":  []map[string]string{{"reason": tt.reason, "message": tt.name}},
					},
				})
			})
			err := p.DeleteEvent(context.Background(), "dest", "evt")
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected classification: %v", err)
		})
	}
}

func TestClassify(t *testing.T) {
	revoked := classify(&oauth2.RetrieveError{ErrorCode: "invalid_grant"})
	assert.True(t, IsPermanent(revoked))
	assert.True(t, IsRevoked(revoked))

	refreshFailed := classify(&oauth2.RetrieveError{ErrorCode: "temporarily_unavailable"})
	assert.True(t, IsTransient(refreshFailed))
	assert.False(t, IsRevoked(refreshFailed))

	assert.True(t, IsTransient(classify(fmt.Errorf("call: %w", context.DeadlineExceeded))))
	assert.True(t, IsTransient(classify(&googleapi.Error{Code: http.StatusTooManyRequests})))
	assert.True(t, IsPermanent(classify(errors.New("unexpected"))))

	already := fmt.Errorf("%w: x", ErrNotFound)
	assert.Equal(t, already, classify(already), "classified errors pass through")

	assert.Nil(t, wrapError("op", nil))
}

func TestNoteRateLimit(t *testing.T) {
	p := newTestGoogleProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": map[string]any{"code": 429, "message": "slow down"}})
	})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p.limiter.now = func() time.Time { return now }

	err := p.DeleteEvent(context.Background(), "dest", "evt")
	require.True(t, IsTransient(err))
	assert.False(t, p.limiter.Allow(), "limiter must hold requests after a 429")
	assert.True(t, p.limiter.retryAt.Equal(now.Add(30*time.Second)))
}
