package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertAuthor inserts an author or merges newly known fields into the
// existing row. Calling it twice with the same input is a no-op.
func (db *DB) UpsertAuthor(ctx context.Context, a Author) error {
	if a.ID == "" {
		return fmt.Errorf("author %q has no id", a.Username)
	}
	var created any
	if a.CreatedUTC != nil {
		created = formatTime(*a.CreatedUTC)
	}
	var verified any
	if a.IsVerified != nil {
		verified = boolInt(*a.IsVerified)
	}
	_, err := db.conn.ExecContext(ctx, `
INSERT INTO authors (id, username, created_utc, comment_karma, link_karma, is_verified, first_seen)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    username = excluded.username,
    created_utc = COALESCE(excluded.created_utc, authors.created_utc),
    comment_karma = COALESCE(excluded.comment_karma, authors.comment_karma),
    link_karma = COALESCE(excluded.link_karma, authors.link_karma),
    is_verified = COALESCE(excluded.is_verified, authors.is_verified)`,
		a.ID, a.Username, created, a.CommentKarma, a.LinkKarma, verified, formatTime(db.now()),
	)
	if err != nil {
		return fmt.Errorf("upserting author %s: %w", a.ID, err)
	}
	return nil
}

// GetAuthor returns an author by id, or nil if unknown.
func (db *DB) GetAuthor(ctx context.Context, id string) (*Author, error) {
	var (
		a            Author
		created      sql.NullString
		firstSeen    sql.NullString
		comment, lnk sql.NullInt64
		verified     sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx, `
SELECT id, username, created_utc, comment_karma, link_karma, is_verified, first_seen
FROM authors WHERE id = ?`, id,
	).Scan(&a.ID, &a.Username, &created, &comment, &lnk, &verified, &firstSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t := parseTime(created); !t.IsZero() {
		a.CreatedUTC = &t
	}
	if comment.Valid {
		v := int(comment.Int64)
		a.CommentKarma = &v
	}
	if lnk.Valid {
		v := int(lnk.Int64)
		a.LinkKarma = &v
	}
	if verified.Valid {
		v := verified.Int64 != 0
		a.IsVerified = &v
	}
	a.FirstSeen = parseTime(firstSeen)
	return &a, nil
}

// AuthorsMissing returns distinct author names of items whose author
// reference could not be resolved at ingest time.
func (db *DB) AuthorsMissing(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT DISTINCT author_name FROM items
		WHERE author_id IS NULL AND author_name IS NOT NULL AND author_name <> ''
		ORDER BY author_name`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// LinkAuthor fills author_id on every item by username that still lacks one.
func (db *DB) LinkAuthor(ctx context.Context, username, authorID string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE items SET author_id = ?, updated_at = ? WHERE author_name = ? AND author_id IS NULL`,
		authorID, formatTime(db.now()), username,
	)
	if err != nil {
		return 0, fmt.Errorf("linking author %s: %w", username, err)
	}
	return res.RowsAffected()
}
