package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a single-machine cache in a local database file.
type SQLite struct {
	conn *sql.DB
	ttl  time.Duration
	now  func() time.Time
}

// NewSQLite opens (creating if needed) the cache database at path.
// Entries older than ttl are ignored and pruned; zero keeps them forever.
func NewSQLite(path string, ttl time.Duration) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	s := &SQLite{conn: conn, ttl: ttl, now: time.Now}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		key TEXT PRIMARY KEY,
		entry BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_created_at ON results(created_at);
	`
	_, err := s.conn.Exec(schema)
	return err
}

func (s *SQLite) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var data []byte
	var created int64
	err := s.conn.QueryRowContext(ctx, `SELECT entry, created_at FROM results WHERE key = ?`, key).Scan(&data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query cache: %w", err)
	}
	if s.expired(created) {
		return nil, false, nil
	}

	e, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (s *SQLite) Put(ctx context.Context, key string, e *Entry) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO results (key, entry, created_at) VALUES (?, ?, ?)`,
		key, data, s.now().Unix())
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

// Prune deletes expired entries and returns how many were removed.
func (s *SQLite) Prune(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	res, err := s.conn.ExecContext(ctx, `DELETE FROM results WHERE created_at < ?`, s.now().Add(-s.ttl).Unix())
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	return res.RowsAffected()
}

// Len returns the number of stored entries, expired or not.
func (s *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) expired(created int64) bool {
	return s.ttl > 0 && s.now().Sub(time.Unix(created, 0)) > s.ttl
}
