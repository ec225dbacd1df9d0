package fcache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Database driver.
)

const sqliteJournalSchema = `
PRAGMA foreign_keys = OFF;

CREATE TABLE IF NOT EXISTS tags (
	key  BLOB NOT NULL,
	tag  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);
CREATE INDEX IF NOT EXISTS idx_tags_key ON tags(key);

CREATE TABLE IF NOT EXISTS priorities (
	key      BLOB NOT NULL,
	priority INT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_priorities_priority ON priorities(priority);
CREATE INDEX IF NOT EXISTS idx_priorities_key ON priorities(key);
`

var _ Journal = &SQLiteJournal{}

// SQLiteJournal is a durable tag and priority index sharing the lifetime of
// the cache files it describes.
//
// Please use NewSQLiteJournal to create instance.
type SQLiteJournal struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// NewSQLiteJournal opens or creates a journal database at path.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping journal db: %w", err)
	}

	if _, err := db.Exec(sqliteJournalSchema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("bootstrap journal schema: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

// Close closes the database handle. Operations after Close fail with
// ErrClosed.
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}

	j.closed = true

	return j.db.Close()
}

func (j *SQLiteJournal) isClosed() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return j.closed
}

// Write indexes the key by the tags and priority of deps, replacing any
// previous index for the same key.
func (j *SQLiteJournal) Write(ctx context.Context, key string, deps Dependencies) error {
	if j.isClosed() {
		return ErrClosed
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal write: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	k := []byte(key)

	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE key = ?`, k); err != nil {
		return fmt.Errorf("clear journal tags: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM priorities WHERE key = ?`, k); err != nil {
		return fmt.Errorf("clear journal priority: %w", err)
	}

	for _, tag := range deps.Tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tags (key, tag) VALUES (?, ?)`, k, []byte(tag)); err != nil {
			return fmt.Errorf("index journal tag: %w", err)
		}
	}

	if deps.Priority > 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO priorities (key, priority) VALUES (?, ?)`, k, deps.Priority); err != nil {
			return fmt.Errorf("index journal priority: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal write: %w", err)
	}

	return nil
}

// Clean returns the keys matching cond and drops them from the index.
func (j *SQLiteJournal) Clean(ctx context.Context, cond CleanConditions) ([]string, error) {
	if j.isClosed() {
		return nil, ErrClosed
	}

	if cond.All {
		keys, err := j.selectKeys(ctx, `SELECT key FROM tags UNION SELECT key FROM priorities`)
		if err != nil {
			return nil, err
		}

		if _, err := j.db.ExecContext(ctx, `DELETE FROM tags`); err != nil {
			return nil, fmt.Errorf("wipe journal tags: %w", err)
		}

		if _, err := j.db.ExecContext(ctx, `DELETE FROM priorities`); err != nil {
			return nil, fmt.Errorf("wipe journal priorities: %w", err)
		}

		return keys, nil
	}

	query, args := cleanQuery(cond)
	if query == "" {
		return nil, nil
	}

	keys, err := j.selectKeys(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		k := []byte(key)

		if _, err := j.db.ExecContext(ctx, `DELETE FROM tags WHERE key = ?`, k); err != nil {
			return nil, fmt.Errorf("drop journal tags: %w", err)
		}

		if _, err := j.db.ExecContext(ctx, `DELETE FROM priorities WHERE key = ?`, k); err != nil {
			return nil, fmt.Errorf("drop journal priority: %w", err)
		}
	}

	return keys, nil
}

// cleanQuery builds the key selection for tag/priority conditions: tag
// matches form the selection, a priority bound filters it, and a bare
// priority bound selects on its own.
func cleanQuery(cond CleanConditions) (string, []interface{}) {
	switch {
	case len(cond.Tags) > 0 && cond.Priority > 0:
		args := make([]interface{}, 0, len(cond.Tags)+1)
		for _, t := range cond.Tags {
			args = append(args, []byte(t))
		}

		args = append(args, cond.Priority)

		return `SELECT DISTINCT t.key FROM tags t JOIN priorities p ON p.key = t.key ` +
			`WHERE t.tag IN (` + placeholders(len(cond.Tags)) + `) AND p.priority <= ?`, args

	case len(cond.Tags) > 0:
		args := make([]interface{}, 0, len(cond.Tags))
		for _, t := range cond.Tags {
			args = append(args, []byte(t))
		}

		return `SELECT DISTINCT key FROM tags WHERE tag IN (` + placeholders(len(cond.Tags)) + `)`, args

	case cond.Priority > 0:
		return `SELECT key FROM priorities WHERE priority <= ?`, []interface{}{cond.Priority}

	default:
		return "", nil
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (j *SQLiteJournal) selectKeys(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select journal keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var keys []string

	for rows.Next() {
		var k []byte

		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan journal key: %w", err)
		}

		keys = append(keys, string(k))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal keys: %w", err)
	}

	return keys, nil
}
