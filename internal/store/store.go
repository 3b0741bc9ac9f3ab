// Package store persists calendar nodes and sync rules.
//
// The reconciliation core only ever reads whole records by key and writes
// whole records back. Callers re-read a node immediately before changing it so
// that concurrent passes overwrite each other's timestamps rather than
// resurrecting stale values.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/beekhof/calensync/internal/model"
)

// Repository is the only mutation path for persisted state.
type Repository interface {
	GetCalendar(ctx context.Context, id string) (model.CalendarNode, error)
	// CalendarByChannel finds the node subscribed under a push channel id.
	CalendarByChannel(ctx context.Context, channelID string) (model.CalendarNode, error)
	SaveCalendar(ctx context.Context, node model.CalendarNode) error
	ListCalendars(ctx context.Context) ([]model.CalendarNode, error)
	ListCalendarsByAccount(ctx context.Context, accountID string) ([]model.CalendarNode, error)
	// ListExpiringWatches returns nodes with a bound subscription expiring
	// before the given time.
	ListExpiringWatches(ctx context.Context, before time.Time) ([]model.CalendarNode, error)
	// ListDueCalendars returns unpaused nodes that received a notification
	// after their last completed pass and wrote nothing since insertedBefore.
	ListDueCalendars(ctx context.Context, insertedBefore time.Time) ([]model.CalendarNode, error)

	GetRule(ctx context.Context, id string) (model.SyncRule, error)
	SaveRule(ctx context.Context, rule model.SyncRule) error
	// RulesFromSource returns the active rules whose source is the node.
	RulesFromSource(ctx context.Context, sourceID string) ([]model.SyncRule, error)
	// ListRules returns every active rule.
	ListRules(ctx context.Context) ([]model.SyncRule, error)

	Close() error
}

// Open returns the repository selected by dsn:
//
//	""  or "memory://"          in-process maps
//	"postgres://..."            PostgreSQL via lib/pq
//	"sqlite://path" or a path   SQLite file
func Open(ctx context.Context, dsn string) (Repository, error) {
	switch {
	case dsn == "" || dsn == "memory://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("unsupported store DSN scheme: %s", dsn)
	default:
		return OpenSQLite(ctx, dsn)
	}
}
