// Package store is the durable dedup record of delivered events.
// Records are (namespace, scope, event id) triples in a single SQLite
// file; an id that is present has been delivered and must never be
// delivered again, across restarts included.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    namespace TEXT NOT NULL,
    key       TEXT NOT NULL DEFAULT '',
    event_id  TEXT NOT NULL,
    seen_at   INTEGER NOT NULL,
    PRIMARY KEY (namespace, key, event_id)
);
CREATE INDEX IF NOT EXISTS idx_events_seen_at ON events (namespace, key, seen_at);
`

// filterChunk bounds the id count per IN clause.
const filterChunk = 900

// Store records delivered event ids. Safe for concurrent use; writes
// are serialized by SQLite with a busy timeout.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens or creates the dedup database at path. Parent directories
// are created as needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA cache_size = -2000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify store connection: %w", err)
	}

	logger.Info("dedup store opened", "path", path)
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// OpenMemory opens an in-memory store for tests, closed via t.Cleanup.
func OpenMemory(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// AddIfNew records id and reports whether it was new. The check and
// insert are one statement, so concurrent callers racing on the same
// id see exactly one true result.
func (s *Store) AddIfNew(namespace, scope, id string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO events (namespace, key, event_id, seen_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key, event_id) DO NOTHING`,
		namespace, scope, id, s.now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("add event %s/%s/%s: %w", namespace, scope, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add event %s/%s/%s: %w", namespace, scope, id, err)
	}
	return n == 1, nil
}

// FilterNew returns the ids not yet recorded, in input order with
// duplicates removed. Nothing is recorded.
func (s *Store) FilterNew(namespace, scope string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += filterChunk {
		end := min(start+filterChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, 0, len(chunk)+2)
		args = append(args, namespace, scope)
		for _, id := range chunk {
			args = append(args, id)
		}
		query := fmt.Sprintf(
			`SELECT event_id FROM events WHERE namespace = ? AND key = ? AND event_id IN (%s)`,
			placeholders(len(chunk)),
		)

		rows, err := s.db.Query(query, args...)
		if err != nil {
			return nil, fmt.Errorf("filter events %s/%s: %w", namespace, scope, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("filter events %s/%s: %w", namespace, scope, err)
			}
			seen[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("filter events %s/%s: %w", namespace, scope, err)
		}
		rows.Close()
	}

	fresh := make([]string, 0, len(ids))
	emitted := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] || emitted[id] {
			continue
		}
		emitted[id] = true
		fresh = append(fresh, id)
	}
	return fresh, nil
}

// AddMany records every id, ignoring ones already present, and returns
// the number actually inserted. Used to seed a scope without emitting.
func (s *Store) AddMany(namespace, scope string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("seed events %s/%s: %w", namespace, scope, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO events (namespace, key, event_id, seen_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key, event_id) DO NOTHING`,
	)
	if err != nil {
		return 0, fmt.Errorf("seed events %s/%s: %w", namespace, scope, err)
	}
	defer stmt.Close()

	now := s.now().Unix()
	var inserted int64
	for _, id := range ids {
		res, err := stmt.Exec(namespace, scope, id, now)
		if err != nil {
			return 0, fmt.Errorf("seed event %s/%s/%s: %w", namespace, scope, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("seed event %s/%s/%s: %w", namespace, scope, id, err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("seed events %s/%s: %w", namespace, scope, err)
	}
	return inserted, nil
}

// Prune deletes the oldest records of a scope until at most keep
// remain. Returns the number deleted.
func (s *Store) Prune(namespace, scope string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("prune %s/%s: %w", namespace, scope, err)
	}
	defer tx.Rollback()

	var count int64
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM events WHERE namespace = ? AND key = ?`,
		namespace, scope,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("prune %s/%s: %w", namespace, scope, err)
	}
	excess := count - int64(keep)
	if excess <= 0 {
		return 0, nil
	}

	res, err := tx.Exec(
		`DELETE FROM events WHERE rowid IN (
		     SELECT rowid FROM events WHERE namespace = ? AND key = ?
		     ORDER BY seen_at ASC, rowid ASC LIMIT ?
		 )`,
		namespace, scope, excess,
	)
	if err != nil {
		return 0, fmt.Errorf("prune %s/%s: %w", namespace, scope, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune %s/%s: %w", namespace, scope, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune %s/%s: %w", namespace, scope, err)
	}

	s.logger.Debug("pruned dedup scope", "namespace", namespace, "scope", scope, "deleted", deleted)
	return deleted, nil
}

// PurgeOld deletes records strictly older than age, across all scopes.
func (s *Store) PurgeOld(age time.Duration) (int64, error) {
	cutoff := s.now().Add(-age).Unix()
	res, err := s.db.Exec(`DELETE FROM events WHERE seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge old events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge old events: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("purged old dedup records", "deleted", deleted, "older_than", age.String())
	}
	return deleted, nil
}

// Stats returns the record count per namespace.
func (s *Store) Stats() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT namespace, COUNT(*) FROM events GROUP BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var ns string
		var count int64
		if err := rows.Scan(&ns, &count); err != nil {
			return nil, fmt.Errorf("store stats: %w", err)
		}
		stats[ns] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}
	return stats, nil
}

// Clear deletes records. Empty namespace clears everything; empty
// scope clears the whole namespace.
func (s *Store) Clear(namespace, scope string) (int64, error) {
	var res sql.Result
	var err error
	switch {
	case namespace == "":
		res, err = s.db.Exec(`DELETE FROM events`)
	case scope == "":
		res, err = s.db.Exec(`DELETE FROM events WHERE namespace = ?`, namespace)
	default:
		res, err = s.db.Exec(`DELETE FROM events WHERE namespace = ? AND key = ?`, namespace, scope)
	}
	if err != nil {
		return 0, fmt.Errorf("clear events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear events: %w", err)
	}
	return deleted, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
