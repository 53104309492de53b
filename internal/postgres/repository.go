package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blackmichael/eueoeo-feed/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Repository implements domain.PostRepository and domain.CursorRepository
// using PostgreSQL.
type Repository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewRepository connects to PostgreSQL at the given URL, verifies the
// connection, and returns a new Repository. The caller should call Close
// when the repository is no longer needed.
func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewFromDB(db), nil
}

// NewFromDB wraps an open database handle.
func NewFromDB(db *sqlx.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Migrate creates the tables if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InsertPosts inserts posts in one transaction. Existing URIs are left
// untouched; any other constraint failure aborts the batch with
// domain.ErrConflict.
func (r *Repository) InsertPosts(ctx context.Context, posts []domain.Post) error {
	if len(posts) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range posts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO posts (uri, cid, reply_parent, reply_root, indexed_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (uri) DO NOTHING`,
			p.URI,
			p.CID,
			nullString(p.ReplyParent),
			nullString(p.ReplyRoot),
			p.IndexedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert post %s: %w", p.URI, mapErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeletePosts removes posts by URI.
func (r *Repository) DeletePosts(ctx context.Context, uris []string) error {
	if len(uris) == 0 {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE uri = ANY($1)`, pq.Array(uris)); err != nil {
		return fmt.Errorf("delete posts: %w", err)
	}
	return nil
}

type postRow struct {
	URI         string         `db:"uri"`
	CID         string         `db:"cid"`
	ReplyParent sql.NullString `db:"reply_parent"`
	ReplyRoot   sql.NullString `db:"reply_root"`
	IndexedAt   time.Time      `db:"indexed_at"`
}

// GetFeedPosts retrieves posts paginated by cursor.
// The cursor format is "indexedAt::cid" (unix millis::cid).
func (r *Repository) GetFeedPosts(ctx context.Context, q domain.PostQuery) ([]domain.Post, string, error) {
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
		args = append(args, cursorTime, cursorCID)
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
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, "", fmt.Errorf("query posts (cursor=%q, limit=%d): %w", q.Cursor, q.Limit, err)
	}

	posts := make([]domain.Post, len(rows))
	for i, row := range rows {
		posts[i] = domain.Post{
			URI:       row.URI,
			CID:       row.CID,
			IndexedAt: row.IndexedAt.UTC(),
		}
		if row.ReplyParent.Valid {
			posts[i].ReplyParent = &row.ReplyParent.String
		}
		if row.ReplyRoot.Valid {
			posts[i].ReplyRoot = &row.ReplyRoot.String
		}
	}

	var nextCursor string
	if len(posts) > 0 && len(posts) == q.Limit {
		nextCursor = domain.FeedCursor(posts[len(posts)-1])
	}

	return posts, nextCursor, nil
}

// DeleteOldPosts removes posts older than maxAge and any excess rows beyond
// maxRows, keeping the most recent posts. Returns the total number of rows
// deleted. A non-positive limit is skipped.
func (r *Repository) DeleteOldPosts(ctx context.Context, maxAge time.Duration, maxRows int) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ttlDeleted, capDeleted int64

	if maxAge > 0 {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM posts WHERE indexed_at < $1`,
			r.now().UTC().Add(-maxAge),
		)
		if err != nil {
			return 0, fmt.Errorf("delete expired posts: %w", err)
		}
		ttlDeleted, _ = res.RowsAffected()
	}

	if maxRows > 0 {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM posts WHERE uri IN (
				SELECT uri FROM posts
				ORDER BY indexed_at DESC, cid DESC
				OFFSET $1
			)`, maxRows,
		)
		if err != nil {
			return 0, fmt.Errorf("delete excess posts: %w", err)
		}
		capDeleted, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return ttlDeleted + capDeleted, nil
}

// GetCursor retrieves the saved firehose cursor for a service.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, bool, error) {
	var cursor int64
	err := r.db.GetContext(ctx, &cursor,
		`SELECT cursor_value FROM cursors WHERE service = $1`, service)
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
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (service) DO UPDATE
		SET cursor_value = EXCLUDED.cursor_value, updated_at = EXCLUDED.updated_at
		WHERE cursors.cursor_value < EXCLUDED.cursor_value`,
		service, cursor, r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update cursor %s: %w", service, err)
	}
	return nil
}

// mapErr translates integrity constraint violations (class 23) into
// domain.ErrConflict.
func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
