// Package sqlite provides a durable cache.Store backed by an embedded
// SQLite database, so a cached backlog survives a process restart.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fieldlink/ddil-go/cache"
	"github.com/fieldlink/ddil-go/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	seq         INTEGER PRIMARY KEY,
	payload     BLOB    NOT NULL,
	enqueued_at INTEGER NOT NULL
);
`

// Store persists cache entries in a single SQLite table keyed by
// sequence number.
type Store struct {
	db *sql.DB
}

var _ cache.Store = (*Store)(nil)

// New opens (or creates) the database at path and prepares the schema.
// Append and Remove run under the cache queue lock, so the connection
// uses WAL mode with a busy timeout to keep writes short and
// non-blocking for concurrent readers.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Errorf("open cache database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Errorf("prepare cache schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append records one entry.
func (s *Store) Append(ctx context.Context, e cache.Entry) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache_entries (seq, payload, enqueued_at) VALUES (?, ?, ?)",
		e.Seq, e.Payload, e.EnqueuedAt.UnixNano())
	if err != nil {
		return errors.Errorf("insert cache entry %d: %w", e.Seq, err)
	}
	return nil
}

// Remove deletes the entries with the given sequence numbers.
func (s *Store) Remove(ctx context.Context, seqs []uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(seqs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(seqs))
	for i, seq := range seqs {
		args[i] = seq
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE seq IN ("+placeholders+")", args...)
	if err != nil {
		return errors.Errorf("delete cache entries: %w", err)
	}
	return nil
}

// Load returns every recorded entry in ascending sequence order.
func (s *Store) Load(ctx context.Context) ([]cache.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, payload, enqueued_at FROM cache_entries ORDER BY seq ASC")
	if err != nil {
		return nil, errors.Errorf("load cache entries: %w", err)
	}
	defer rows.Close()

	var out []cache.Entry
	for rows.Next() {
		var e cache.Entry
		var enqueuedAt int64
		if err := rows.Scan(&e.Seq, &e.Payload, &enqueuedAt); err != nil {
			return nil, errors.Errorf("scan cache entry: %w", err)
		}
		e.EnqueuedAt = time.Unix(0, enqueuedAt)
		e.Durable = true
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Errorf("load cache entries: %w", err)
	}
	return out, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
