// Package sqlite implements the post and cursor repositories on an embedded
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/blackmichael/eueoeo-feed/internal/domain"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeLayout is fixed width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000Z"

const busyTimeout = 5 * time.Second

// Store implements domain.PostRepository and domain.CursorRepository using
// SQLite.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens the SQLite database at path and migrates its schema. The special
// path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path required")
	}

	dsn := ":memory:"
	if path != ":memory:" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve sqlite path: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
			abs, busyTimeout.Milliseconds())
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps an in-memory database
	// alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, busyTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS posts (
		uri          TEXT PRIMARY KEY CHECK (uri <> ''),
		cid          TEXT NOT NULL CHECK (cid <> ''),
		reply_parent TEXT,
		reply_root   TEXT,
		indexed_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS posts_indexed_at_cid_idx ON posts (indexed_at DESC, cid DESC)`,
	`CREATE TABLE IF NOT EXISTS cursors (
		service      TEXT PRIMARY KEY,
		cursor_value INTEGER NOT NULL,
		updated_at   TEXT NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for i, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("execute schema statement %d: %w", i+1, err)
			}
		}
		return nil
	})
}

type postRow struct {
	URI         string         `db:"uri"`
	CID         string         `db:"cid"`
	ReplyParent sql.NullString `db:"reply_parent"`
	ReplyRoot   sql.NullString `db:"reply_root"`
	IndexedAt   string         `db:"indexed_at"`
}

func toRow(p domain.Post) postRow {
	return postRow{
		URI:         p.URI,
		CID:         p.CID,
		ReplyParent: nullString(p.ReplyParent),
		ReplyRoot:   nullString(p.ReplyRoot),
		IndexedAt:   formatTime(p.IndexedAt),
	}
}

func (r postRow) toPost() (domain.Post, error) {
	indexedAt, err := time.Parse(timeLayout, r.IndexedAt)
	if err != nil {
		return domain.Post{}, fmt.Errorf("parse indexed_at of %s: %w", r.URI, err)
	}
	p := domain.Post{URI: r.URI, CID: r.CID, IndexedAt: indexedAt}
	if r.ReplyParent.Valid {
		p.ReplyParent = &r.ReplyParent.String
	}
	if r.ReplyRoot.Valid {
		p.ReplyRoot = &r.ReplyRoot.String
	}
	return p, nil
}

// InsertPosts inserts posts in one transaction. Existing URIs are left
// untouched; any other constraint failure aborts the batch with
// domain.ErrConflict.
func (s *Store) InsertPosts(ctx context.Context, posts []domain.Post) error {
	if len(posts) == 0 {
		return nil
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, `
			INSERT INTO posts (uri, cid, reply_parent, reply_root, indexed_at)
			VALUES (:uri, :cid, :reply_parent, :reply_root, :indexed_at)
			ON CONFLICT (uri) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range posts {
			if _, err := stmt.ExecContext(ctx, toRow(p)); err != nil {
				return fmt.Errorf("insert post %s: %w", p.URI, mapErr(err))
			}
		}
		return nil
	})
}

// DeletePosts removes posts by URI.
func (s *Store) DeletePosts(ctx context.Context, uris []string) error {
	if len(uris) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM posts WHERE uri IN (?)`, uris)
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete posts: %w", err)
	}
	return nil
}

// GetFeedPosts retrieves a page of posts, newest first. The cursor format is
// "indexedAt::cid" (unix millis::cid).
func (s *Store) GetFeedPosts(ctx context.Context, q domain.PostQuery) ([]domain.Post, string, error) {
	var (
		where []string
		args  []any
	)
	if q.Cursor != "" {
		cursorTime, cursorCID, err := domain.ParseFeedCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		where = append(where, `(indexed_at, cid) < (?, ?)`)
		args = append(args, formatTime(cursorTime), cursorCID)
	}
	if q.RootsOnly {
		where = append(where, `reply_parent IS NULL`)
	}

	query := `SELECT uri, cid, reply_parent, reply_root, indexed_at FROM posts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY indexed_at DESC, cid DESC LIMIT ?`
	args = append(args, q.Limit)

	var rows []postRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, "", fmt.Errorf("query posts (cursor=%q, limit=%d): %w", q.Cursor, q.Limit, err)
	}

	posts := make([]domain.Post, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPost()
		if err != nil {
			return nil, "", err
		}
		posts = append(posts, p)
	}

	var next string
	if len(posts) > 0 && len(posts) == q.Limit {
		next = domain.FeedCursor(posts[len(posts)-1])
	}
	return posts, next, nil
}

// DeleteOldPosts removes posts older than maxAge and any excess rows beyond
// maxRows, keeping the most recent posts. A non-positive limit is skipped.
func (s *Store) DeleteOldPosts(ctx context.Context, maxAge time.Duration, maxRows int) (int64, error) {
	var deleted int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if maxAge > 0 {
			res, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE indexed_at < ?`,
				formatTime(s.now().Add(-maxAge)))
			if err != nil {
				return fmt.Errorf("delete expired posts: %w", err)
			}
			n, _ := res.RowsAffected()
			deleted += n
		}
		if maxRows > 0 {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM posts WHERE uri IN (
					SELECT uri FROM posts
					ORDER BY indexed_at DESC, cid DESC
					LIMIT -1 OFFSET ?
				)`, maxRows)
			if err != nil {
				return fmt.Errorf("delete excess posts: %w", err)
			}
			n, _ := res.RowsAffected()
			deleted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// GetCursor retrieves the saved firehose cursor for a service.
func (s *Store) GetCursor(ctx context.Context, service string) (int64, bool, error) {
	var cursor int64
	err := s.db.GetContext(ctx, &cursor, `SELECT cursor_value FROM cursors WHERE service = ?`, service)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cursor %s: %w", service, err)
	}
	return cursor, true, nil
}

// UpdateCursor upserts the firehose cursor for a service. A lower value than
// the stored one is ignored.
func (s *Store) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE
		SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at
		WHERE excluded.cursor_value > cursors.cursor_value`,
		service, cursor, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("update cursor %s: %w", service, err)
	}
	return nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// mapErr translates constraint violations into domain.ErrConflict.
func mapErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
