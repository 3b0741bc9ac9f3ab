package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/beekhof/calensync/internal/model"
)

// MemoryStore keeps everything in maps. It is safe for concurrent use and is
// used by tests and by "memory://" deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	calendars map[string]model.CalendarNode
	rules     map[string]model.SyncRule
}

var _ Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calendars: make(map[string]model.CalendarNode),
		rules:     make(map[string]model.SyncRule),
	}
}

func (s *MemoryStore) GetCalendar(_ context.Context, id string) (model.CalendarNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.calendars[id]
	if !ok {
		return model.CalendarNode{}, fmt.Errorf("calendar %s: %w", id, model.ErrNotFound)
	}
	return node, nil
}

func (s *MemoryStore) CalendarByChannel(_ context.Context, channelID string) (model.CalendarNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if channelID != "" {
		for _, node := range s.calendars {
			if node.ChannelID == channelID {
				return node, nil
			}
		}
	}
	return model.CalendarNode{}, fmt.Errorf("channel %s: %w", channelID, model.ErrNotFound)
}

func (s *MemoryStore) SaveCalendar(_ context.Context, node model.CalendarNode) error {
	if node.ID == "" {
		return &model.ValidationError{Field: "id", Message: "calendar id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars[node.ID] = node
	return nil
}

func (s *MemoryStore) ListCalendars(context.Context) ([]model.CalendarNode, error) {
	return s.filterCalendars(func(model.CalendarNode) bool { return true }), nil
}

func (s *MemoryStore) ListCalendarsByAccount(_ context.Context, accountID string) ([]model.CalendarNode, error) {
	return s.filterCalendars(func(n model.CalendarNode) bool { return n.AccountID == accountID }), nil
}

func (s *MemoryStore) ListExpiringWatches(_ context.Context, before time.Time) ([]model.CalendarNode, error) {
	return s.filterCalendars(func(n model.CalendarNode) bool {
		return n.HasWatch() && !n.Expiration.IsZero() && n.Expiration.Before(before)
	}), nil
}

func (s *MemoryStore) ListDueCalendars(_ context.Context, insertedBefore time.Time) ([]model.CalendarNode, error) {
	return s.filterCalendars(func(n model.CalendarNode) bool {
		return !n.IsPaused() && n.DueForReconciliation() && n.LastInserted.Before(insertedBefore)
	}), nil
}

func (s *MemoryStore) filterCalendars(keep func(model.CalendarNode) bool) []model.CalendarNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.CalendarNode
	for _, id := range slices.Sorted(maps.Keys(s.calendars)) {
		if node := s.calendars[id]; keep(node) {
			out = append(out, node)
		}
	}
	return out
}

func (s *MemoryStore) GetRule(_ context.Context, id string) (model.SyncRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return model.SyncRule{}, fmt.Errorf("rule %s: %w", id, model.ErrNotFound)
	}
	return rule, nil
}

func (s *MemoryStore) SaveRule(_ context.Context, rule model.SyncRule) error {
	if rule.ID == "" {
		return &model.ValidationError{Field: "id", Message: "rule id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !rule.Deleted {
		for _, r := range s.rules {
			if r.ID != rule.ID && !r.Deleted && r.SourceID == rule.SourceID && r.DestinationID == rule.DestinationID {
				return &model.ValidationError{Field: "rule", Message: "a rule between these calendars already exists"}
			}
		}
	}
	s.rules[rule.ID] = rule
	return nil
}

func (s *MemoryStore) RulesFromSource(_ context.Context, sourceID string) ([]model.SyncRule, error) {
	return s.filterRules(func(r model.SyncRule) bool { return r.SourceID == sourceID }), nil
}

func (s *MemoryStore) ListRules(context.Context) ([]model.SyncRule, error) {
	return s.filterRules(func(model.SyncRule) bool { return true }), nil
}

func (s *MemoryStore) filterRules(keep func(model.SyncRule) bool) []model.SyncRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.SyncRule
	for _, r := range s.rules {
		if !r.Deleted && keep(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.SyncRule) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *MemoryStore) Close() error { return nil }
