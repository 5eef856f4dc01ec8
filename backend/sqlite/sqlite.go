// Package sqlite provides a StorageBackend on SQLite using the pure Go
// modernc.org/sqlite driver. Filtering by namespace and category happens in
// SQL; keyword ranking is shared with the other backends via core.Rank.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	namespace  TEXT NOT NULL,
	category   TEXT NOT NULL,
	content    TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '[]',
	confidence TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER,
	metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_entries_namespace ON entries(namespace);
CREATE INDEX IF NOT EXISTS idx_entries_category ON entries(category);
`

const columns = `id, namespace, category, content, tags, confidence, created_at, updated_at, expires_at, metadata`

// Options configures the SQLite backend.
type Options struct {
	Logger logging.Logger
}

// Backend is a SQLite-backed StorageBackend.
type Backend struct {
	path   string
	db     *sql.DB
	logger logging.Logger
}

// New creates a backend for the database at path (":memory:" for an
// in-process database). The database is opened by Initialize.
func New(path string, optFns ...func(o *Options)) *Backend {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Backend{path: path, logger: opts.Logger}
}

// Initialize opens the database and applies the schema.
func (b *Backend) Initialize(ctx context.Context) error {
	if b.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", b.path)
	if err != nil {
		return fmt.Errorf("sqlite backend: open: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from being split across pool connections.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("sqlite backend: migrate: %w", err)
	}
	b.db = db
	return nil
}

// Store upserts e. The insertion sequence of an existing id is preserved.
func (b *Backend) Store(ctx context.Context, e core.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	tags, err := json.Marshal(nonNil(e.Tags))
	if err != nil {
		return fmt.Errorf("sqlite backend: encode tags: %w", err)
	}
	meta, err := json.Marshal(nonNilMap(e.Metadata))
	if err != nil {
		return fmt.Errorf("sqlite backend: encode metadata: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite backend: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var category string
	err = tx.QueryRowContext(ctx, `SELECT category FROM entries WHERE id = ?`, e.ID).Scan(&category)
	switch {
	case err == nil:
		if err := core.CheckOverwrite(core.Entry{ID: e.ID, Category: core.Category(category)}, true); err != nil {
			return err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("sqlite backend: lookup: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			namespace = excluded.namespace,
			category = excluded.category,
			content = excluded.content,
			tags = excluded.tags,
			confidence = excluded.confidence,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at,
			metadata = excluded.metadata`,
		e.ID, e.Namespace, string(e.Category), e.Content, string(tags), string(e.Confidence),
		e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano(), expiresValue(e.ExpiresAt), string(meta),
	)
	if err != nil {
		return fmt.Errorf("sqlite backend: store: %w", err)
	}
	return tx.Commit()
}

// Retrieve returns the entry with id.
func (b *Backend) Retrieve(ctx context.Context, id string) (core.Entry, bool, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+columns+` FROM entries WHERE id = ?`, id)
	if err != nil {
		return core.Entry{}, false, fmt.Errorf("sqlite backend: retrieve: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return core.Entry{}, false, err
	}
	if len(entries) == 0 {
		return core.Entry{}, false, nil
	}
	return entries[0], true, nil
}

// Search narrows candidates in SQL and ranks them with core.Rank.
func (b *Backend) Search(ctx context.Context, query string, f core.Filters, limit int) ([]core.SearchResult, error) {
	var (
		where []string
		args  []any
	)
	if f.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, f.Namespace)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	q := `SELECT ` + columns + ` FROM entries`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY seq`

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: search: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	return core.Rank(query, f, entries, limit), nil
}

// List returns entries of namespace in insertion order.
func (b *Backend) List(ctx context.Context, namespace string, limit, offset int) ([]core.Entry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT ` + columns + ` FROM entries`
	var args []any
	if namespace != "" {
		q += ` WHERE namespace = ?`
		args = append(args, namespace)
	}
	q += ` ORDER BY seq LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: list: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []core.Entry{}
	}
	return entries, nil
}

// Remove deletes an entry. Ledger entries are refused.
func (b *Backend) Remove(ctx context.Context, id string) (bool, error) {
	var category string
	err := b.db.QueryRowContext(ctx, `SELECT category FROM entries WHERE id = ?`, id).Scan(&category)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite backend: lookup: %w", err)
	}
	if err := core.CheckRemovable(core.Entry{ID: id, Category: core.Category(category)}); err != nil {
		return false, err
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("sqlite backend: remove: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite backend: remove: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of entries in namespace, or all when empty.
func (b *Backend) Count(ctx context.Context, namespace string) (int, error) {
	var (
		n   int
		err error
	)
	if namespace == "" {
		err = b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	} else {
		err = b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE namespace = ?`, namespace).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite backend: count: %w", err)
	}
	return n, nil
}

// Clear removes non-ledger entries of namespace, or of all namespaces when empty.
func (b *Backend) Clear(ctx context.Context, namespace string) error {
	var err error
	if namespace == "" {
		_, err = b.db.ExecContext(ctx, `DELETE FROM entries WHERE category <> ?`, string(core.CategoryHorizon))
	} else {
		_, err = b.db.ExecContext(ctx, `DELETE FROM entries WHERE namespace = ? AND category <> ?`, namespace, string(core.CategoryHorizon))
	}
	if err != nil {
		return fmt.Errorf("sqlite backend: clear: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func scanEntries(rows *sql.Rows) ([]core.Entry, error) {
	defer rows.Close()
	var out []core.Entry
	for rows.Next() {
		var (
			e                    core.Entry
			category, confidence string
			tags, meta           string
			created, updated     int64
			expires              sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Namespace, &category, &e.Content, &tags, &confidence, &created, &updated, &expires, &meta); err != nil {
			return nil, fmt.Errorf("sqlite backend: scan: %w", err)
		}
		e.Category = core.Category(category)
		e.Confidence = core.Confidence(confidence)
		e.CreatedAt = time.Unix(0, created).UTC()
		e.UpdatedAt = time.Unix(0, updated).UTC()
		if expires.Valid {
			t := time.Unix(0, expires.Int64).UTC()
			e.ExpiresAt = &t
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("sqlite backend: decode tags: %w", err)
		}
		if len(e.Tags) == 0 {
			e.Tags = nil
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite backend: decode metadata: %w", err)
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func expiresValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
