package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// ErrNoDedupKey is returned for candidates with neither a source id nor a usable URL.
var ErrNoDedupKey = errors.New("candidate has no source id or canonical url")

// ErrInvalidStatus is returned for status values that are not a lowercase token.
var ErrInvalidStatus = errors.New("invalid status")

// Pending-work selectors, one per downstream stage.
const (
	PendingScore   = "score"
	PendingEmbed   = "embed"
	PendingCluster = "cluster"
)

var pendingFilters = map[string]sq.Eq{
	PendingScore:   {"scored": 0},
	PendingEmbed:   {"scored": 1, "embedded": 0},
	PendingCluster: {"embedded": 1, "clustered": 0},
}

var statusToken = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

var itemColumns = []string{
	"id", "source_id", "community", "title", "body", "url", "img_text", "link_flair",
	"engagement_score", "num_comments", "created_utc", "author_id", "author_name",
	"ingested_at", "updated_at", "scored", "embedded", "clustered", "status",
	"heuristic_score", "priority_score", "theme", "rationale", "tags", "author_gender",
	"vector", "theme_id",
}

// DedupKey returns the identity an item is deduplicated on: the source's own
// id when present, otherwise the canonical form of its URL.
func DedupKey(sourceID, rawURL string) string {
	if id := strings.TrimSpace(sourceID); id != "" {
		return id
	}
	return CanonicalURL(rawURL)
}

// CanonicalURL lower-cases scheme and host, drops "www.", the query, the
// fragment and any trailing slash. It returns "" for URLs without a host.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" || scheme == "http" {
		scheme = "https"
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimRight(u.EscapedPath(), "/")
	return scheme + "://" + host + path
}

// UpsertItem inserts a new item or refreshes the mutable fields of an
// existing one. Status, stage flags and ingested_at are never modified for
// an existing item.
func (db *DB) UpsertItem(ctx context.Context, c Candidate) (UpsertResult, error) {
	key := DedupKey(c.SourceID, c.URL)
	if key == "" {
		return UpsertResult{}, ErrNoDedupKey
	}
	now := formatTime(db.now())

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM items WHERE source_id = ?", key).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
INSERT INTO items (source_id, community, title, body, url, img_text, link_flair,
    engagement_score, num_comments, created_utc, author_id, author_name, ingested_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			key, c.Community, c.Title, c.Body, c.URL, nullString(c.ImgText), nullString(c.LinkFlair),
			c.EngagementScore, c.NumComments, formatTime(c.CreatedUTC), c.AuthorID,
			nullString(c.AuthorName), now, now,
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("inserting item %s: %w", key, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return UpsertResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
		}
		return UpsertResult{Outcome: Created, ItemID: id}, nil

	case err != nil:
		return UpsertResult{}, fmt.Errorf("looking up item %s: %w", key, err)
	}

	_, err = tx.ExecContext(ctx, `
UPDATE items SET
    title = ?,
    body = CASE WHEN ? <> '' THEN ? ELSE body END,
    url = CASE WHEN ? <> '' THEN ? ELSE url END,
    img_text = COALESCE(?, img_text),
    link_flair = COALESCE(?, link_flair),
    engagement_score = ?,
    num_comments = ?,
    author_id = COALESCE(?, author_id),
    author_name = COALESCE(?, author_name),
    updated_at = ?
WHERE id = ?`,
		c.Title, c.Body, c.Body, c.URL, c.URL, nullString(c.ImgText), nullString(c.LinkFlair),
		c.EngagementScore, c.NumComments, c.AuthorID, nullString(c.AuthorName), now, id,
	)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("updating item %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return UpsertResult{Outcome: Updated, ItemID: id}, nil
}

// GetItem returns a single item by ID, or nil if it does not exist.
func (db *DB) GetItem(ctx context.Context, id int64) (*Item, error) {
	query, args, err := sq.Select(itemColumns...).From("items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	it, err := scanItem(db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// PendingItems returns items waiting for the given stage, oldest first.
// A limit of 0 means no limit.
func (db *DB) PendingItems(ctx context.Context, stage string, limit int) ([]Item, error) {
	filter, ok := pendingFilters[stage]
	if !ok {
		return nil, fmt.Errorf("no pending selector for stage %q", stage)
	}
	q := sq.Select(itemColumns...).From("items").Where(filter).OrderBy("id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return db.queryItems(ctx, q)
}

// CountPending returns how many items wait for the given stage.
func (db *DB) CountPending(ctx context.Context, stage string) (int, error) {
	filter, ok := pendingFilters[stage]
	if !ok {
		return 0, fmt.Errorf("no pending selector for stage %q", stage)
	}
	query, args, err := sq.Select("COUNT(*)").From("items").Where(filter).ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ItemFilter narrows ListItems.
type ItemFilter struct {
	Status string
	Limit  int
}

// ListItems returns items ordered by priority, highest first.
func (db *DB) ListItems(ctx context.Context, f ItemFilter) ([]Item, error) {
	q := sq.Select(itemColumns...).From("items").
		OrderBy("COALESCE(priority_score, 0) DESC", "engagement_score DESC", "id DESC")
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return db.queryItems(ctx, q)
}

// SaveScore stores scoring output and marks the item scored.
func (db *DB) SaveScore(ctx context.Context, id int64, s ItemScore) error {
	tags, err := json.Marshal(s.Tags)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `
UPDATE items SET scored = 1, heuristic_score = ?, priority_score = ?, theme = ?,
    rationale = ?, tags = ?, author_gender = ?, updated_at = ?
WHERE id = ?`,
		s.HeuristicScore, s.PriorityScore, nullString(s.Theme), nullString(s.Rationale),
		string(tags), nullString(s.AuthorGender), formatTime(db.now()), id,
	)
	if err != nil {
		return fmt.Errorf("saving score for item %d: %w", id, err)
	}
	return nil
}

// SaveVector stores an embedding and marks the item embedded.
func (db *DB) SaveVector(ctx context.Context, id int64, vec []float64) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx,
		"UPDATE items SET vector = ?, embedded = 1, updated_at = ? WHERE id = ?",
		string(data), formatTime(db.now()), id,
	)
	if err != nil {
		return fmt.Errorf("saving vector for item %d: %w", id, err)
	}
	return nil
}

// MarkClustered marks items clustered without assigning a theme.
func (db *DB) MarkClustered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sq.Update("items").
		Set("clustered", 1).
		Set("updated_at", formatTime(db.now())).
		Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("marking %d items clustered: %w", len(ids), err)
	}
	return nil
}

// SetItemStatus sets the workflow status of an item. This is the only write
// path for status.
func (db *DB) SetItemStatus(ctx context.Context, id int64, status string) error {
	status = strings.ToLower(strings.TrimSpace(status))
	if !statusToken.MatchString(status) {
		return fmt.Errorf("%w %q", ErrInvalidStatus, status)
	}
	query, args, err := sq.Update("items").
		Set("status", status).
		Set("updated_at", formatTime(db.now())).
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("setting status of item %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	return nil
}

// PruneItems deletes items created before cutoff unless their status is protected.
func (db *DB) PruneItems(ctx context.Context, cutoff time.Time, protected []string) (int64, error) {
	q := sq.Delete("items").Where(sq.Expr("COALESCE(created_utc, ingested_at) < ?", formatTime(cutoff)))
	if len(protected) > 0 {
		q = q.Where(sq.NotEq{"status": protected})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("pruning items: %w", err)
	}
	return res.RowsAffected()
}

// GetStats returns aggregate counts across the registry.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{ByStatus: make(map[string]int)}
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM items", &s.TotalItems},
		{"SELECT COUNT(*) FROM items WHERE scored = 0", &s.PendingScore},
		{"SELECT COUNT(*) FROM items WHERE scored = 1 AND embedded = 0", &s.PendingEmbed},
		{"SELECT COUNT(*) FROM items WHERE embedded = 1 AND clustered = 0", &s.PendingCluster},
		{"SELECT COUNT(*) FROM themes", &s.Themes},
		{"SELECT COUNT(*) FROM authors", &s.Authors},
		{"SELECT COUNT(*) FROM items WHERE author_id IS NULL AND author_name IS NOT NULL", &s.MissingAuthors},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}

	rows, err := db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM items GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		s.ByStatus[status] = n
	}
	return s, rows.Err()
}

func (db *DB) queryItems(ctx context.Context, q sq.SelectBuilder) ([]Item, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		it                          Item
		created, ingested, updated  sql.NullString
		scored, embedded, clustered int
		tags, vector                sql.NullString
		heuristic                   sql.NullFloat64
		priority, themeID           sql.NullInt64
	)
	if err := row.Scan(&it.ID, &it.SourceID, &it.Community, &it.Title, &it.Body, &it.URL,
		&it.ImgText, &it.LinkFlair, &it.EngagementScore, &it.NumComments, &created,
		&it.AuthorID, &it.AuthorName, &ingested, &updated, &scored, &embedded, &clustered,
		&it.Status, &heuristic, &priority, &it.Theme, &it.Rationale, &tags, &it.AuthorGender,
		&vector, &themeID); err != nil {
		return nil, err
	}

	it.CreatedUTC = parseTime(created)
	it.IngestedAt = parseTime(ingested)
	it.UpdatedAt = parseTime(updated)
	it.Scored = scored != 0
	it.Embedded = embedded != 0
	it.Clustered = clustered != 0
	if heuristic.Valid {
		it.HeuristicScore = &heuristic.Float64
	}
	if priority.Valid {
		p := int(priority.Int64)
		it.PriorityScore = &p
	}
	if themeID.Valid {
		it.ThemeID = &themeID.Int64
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &it.Tags)
	}
	// A vector that does not decode is left nil; the cluster stage skips such items.
	if vector.Valid && vector.String != "" {
		if err := json.Unmarshal([]byte(vector.String), &it.Vector); err != nil {
			it.Vector = nil
		}
	}
	return &it, nil
}
