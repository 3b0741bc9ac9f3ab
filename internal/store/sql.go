package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/beekhof/calensync/internal/model"
	"github.com/beekhof/calensync/internal/retry"
	"github.com/beekhof/calensync/internal/store/migrations"
)

// Dialect selects placeholder syntax and error translation.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// timeFormat is fixed-width so stored timestamps compare lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// contentionRetry absorbs SQLITE_BUSY and friends under concurrent writers.
var contentionRetry = retry.Policy{
	MaxAttempts: 4,
	Delay:       50 * time.Millisecond,
	Exponential: true,
	MaxDelay:    500 * time.Millisecond,
	Jitter:      true,
	Retryable:   isTransientSQLErr,
}

// SQLStore is a Repository backed by database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ Repository = (*SQLStore)(nil)

// OpenSQLite opens (or creates) the database file at path in WAL mode and
// applies pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return newSQLStore(ctx, db, SQLite)
}

// OpenPostgres connects to the given postgres:// URL and applies pending
// migrations.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newSQLStore(ctx, db, Postgres)
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// migrate runs every NNN_name.up.sql file newer than the recorded version.
func (s *SQLStore) migrate(ctx context.Context, fsys fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	var upFiles []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			upFiles = append(upFiles, e.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, s.rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
			version, formatTime(time.Now())); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2... for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	return contentionRetry.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
		return err
	})
}

const calendarColumns = `id, account_id, platform_id, name, read_only, is_primary,
	channel_id, resource_id, token, expiration,
	last_received, last_processed, last_inserted, paused`

func (s *SQLStore) GetCalendar(ctx context.Context, id string) (model.CalendarNode, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+calendarColumns+" FROM calendars WHERE id = ?"), id)
	node, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CalendarNode{}, fmt.Errorf("calendar %s: %w", id, model.ErrNotFound)
	}
	return node, err
}

func (s *SQLStore) CalendarByChannel(ctx context.Context, channelID string) (model.CalendarNode, error) {
	if channelID == "" {
		return model.CalendarNode{}, fmt.Errorf("channel: %w", model.ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+calendarColumns+" FROM calendars WHERE channel_id = ?"), channelID)
	node, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CalendarNode{}, fmt.Errorf("channel %s: %w", channelID, model.ErrNotFound)
	}
	return node, err
}

func (s *SQLStore) SaveCalendar(ctx context.Context, n model.CalendarNode) error {
	if n.ID == "" {
		return &model.ValidationError{Field: "id", Message: "calendar id is required"}
	}
	err := s.exec(ctx, `
		INSERT INTO calendars (`+calendarColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			platform_id = excluded.platform_id,
			name = excluded.name,
			read_only = excluded.read_only,
			is_primary = excluded.is_primary,
			channel_id = excluded.channel_id,
			resource_id = excluded.resource_id,
			token = excluded.token,
			expiration = excluded.expiration,
			last_received = excluded.last_received,
			last_processed = excluded.last_processed,
			last_inserted = excluded.last_inserted,
			paused = excluded.paused`,
		n.ID, n.AccountID, n.PlatformID, n.Name, boolInt(n.ReadOnly), boolInt(n.Primary),
		n.ChannelID, n.ResourceID, n.Token, formatTime(n.Expiration),
		formatTime(n.LastReceived), formatTime(n.LastProcessed), formatTime(n.LastInserted), formatTime(n.Paused),
	)
	if err != nil {
		return fmt.Errorf("failed to save calendar %s: %w", n.ID, err)
	}
	return nil
}

func (s *SQLStore) ListCalendars(ctx context.Context) ([]model.CalendarNode, error) {
	return s.queryCalendars(ctx, "SELECT "+calendarColumns+" FROM calendars ORDER BY id")
}

func (s *SQLStore) ListCalendarsByAccount(ctx context.Context, accountID string) ([]model.CalendarNode, error) {
	return s.queryCalendars(ctx, "SELECT "+calendarColumns+" FROM calendars WHERE account_id = ? ORDER BY id", accountID)
}

func (s *SQLStore) ListExpiringWatches(ctx context.Context, before time.Time) ([]model.CalendarNode, error) {
	return s.queryCalendars(ctx, `SELECT `+calendarColumns+` FROM calendars
		WHERE resource_id <> '' AND expiration <> '' AND expiration < ?
		ORDER BY expiration`, formatTime(before))
}

func (s *SQLStore) ListDueCalendars(ctx context.Context, insertedBefore time.Time) ([]model.CalendarNode, error) {
	return s.queryCalendars(ctx, `SELECT `+calendarColumns+` FROM calendars
		WHERE paused = '' AND last_received > last_processed AND last_inserted < ?
		ORDER BY id`, formatTime(insertedBefore))
}

func (s *SQLStore) queryCalendars(ctx context.Context, query string, args ...any) ([]model.CalendarNode, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer rows.Close()

	var out []model.CalendarNode
	for rows.Next() {
		node, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCalendar(row scanner) (model.CalendarNode, error) {
	var n model.CalendarNode
	var readOnly, primary int
	var expiration, received, processed, inserted, paused string
	if err := row.Scan(&n.ID, &n.AccountID, &n.PlatformID, &n.Name, &readOnly, &primary,
		&n.ChannelID, &n.ResourceID, &n.Token, &expiration,
		&received, &processed, &inserted, &paused); err != nil {
		return model.CalendarNode{}, err
	}
	n.ReadOnly = readOnly != 0
	n.Primary = primary != 0

	var err error
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Time
	}{
		{"expiration", expiration, &n.Expiration},
		{"last_received", received, &n.LastReceived},
		{"last_processed", processed, &n.LastProcessed},
		{"last_inserted", inserted, &n.LastInserted},
		{"paused", paused, &n.Paused},
	} {
		if *f.dst, err = parseTime(f.raw); err != nil {
			return model.CalendarNode{}, fmt.Errorf("parse %s for calendar %s: %w", f.name, n.ID, err)
		}
	}
	return n, nil
}

const ruleColumns = "id, source_id, destination_id, summary, description, deleted"

func (s *SQLStore) GetRule(ctx context.Context, id string) (model.SyncRule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+ruleColumns+" FROM sync_rules WHERE id = ?"), id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncRule{}, fmt.Errorf("rule %s: %w", id, model.ErrNotFound)
	}
	return rule, err
}

func (s *SQLStore) SaveRule(ctx context.Context, r model.SyncRule) error {
	if r.ID == "" {
		return &model.ValidationError{Field: "id", Message: "rule id is required"}
	}
	err := s.exec(ctx, `
		INSERT INTO sync_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id = excluded.source_id,
			destination_id = excluded.destination_id,
			summary = excluded.summary,
			description = excluded.description,
			deleted = excluded.deleted`,
		r.ID, r.SourceID, r.DestinationID, r.Summary, r.Description, boolInt(r.Deleted),
	)
	if isUniqueViolation(err) {
		return &model.ValidationError{Field: "rule", Message: "a rule between these calendars already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLStore) RulesFromSource(ctx context.Context, sourceID string) ([]model.SyncRule, error) {
	return s.queryRules(ctx, "SELECT "+ruleColumns+" FROM sync_rules WHERE deleted = 0 AND source_id = ? ORDER BY id", sourceID)
}

func (s *SQLStore) ListRules(ctx context.Context) ([]model.SyncRule, error) {
	return s.queryRules(ctx, "SELECT "+ruleColumns+" FROM sync_rules WHERE deleted = 0 ORDER BY id")
}

func (s *SQLStore) queryRules(ctx context.Context, query string, args ...any) ([]model.SyncRule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []model.SyncRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func scanRule(row scanner) (model.SyncRule, error) {
	var r model.SyncRule
	var deleted int
	if err := row.Scan(&r.ID, &r.SourceID, &r.DestinationID, &r.Summary, &r.Description, &deleted); err != nil {
		return model.SyncRule{}, err
	}
	r.Deleted = deleted != 0
	return r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isTransientSQLErr reports lock contention that resolves by retrying.
func isTransientSQLErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
