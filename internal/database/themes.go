package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// SaveTheme inserts a theme and assigns it to the given items, marking them
// clustered, in one transaction.
func (db *DB) SaveTheme(ctx context.Context, t Theme, itemIDs []int64) (int64, error) {
	vec, err := json.Marshal(t.Vector)
	if err != nil {
		return 0, err
	}
	examples, err := json.Marshal(t.ExampleItemIDs)
	if err != nil {
		return 0, err
	}
	now := formatTime(db.now())

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO themes (theme_text, vector, example_item_ids, score_agg, item_count, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		t.Text, string(vec), string(examples), t.ScoreAgg, len(itemIDs), now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting theme: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if len(itemIDs) > 0 {
		query, args, err := sq.Update("items").
			Set("theme_id", id).
			Set("clustered", 1).
			Set("updated_at", now).
			Where(sq.Eq{"id": itemIDs}).ToSql()
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("assigning theme %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit theme: %w", err)
	}
	return id, nil
}

// ListThemes returns themes ordered by aggregate score.
func (db *DB) ListThemes(ctx context.Context, limit int) ([]Theme, error) {
	q := sq.Select("id", "theme_text", "vector", "example_item_ids", "score_agg", "item_count", "created_at").
		From("themes").OrderBy("score_agg DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var themes []Theme
	for rows.Next() {
		var (
			t                Theme
			vec, ex, created sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Text, &vec, &ex, &t.ScoreAgg, &t.ItemCount, &created); err != nil {
			return nil, err
		}
		if vec.Valid {
			_ = json.Unmarshal([]byte(vec.String), &t.Vector)
		}
		if ex.Valid {
			_ = json.Unmarshal([]byte(ex.String), &t.ExampleItemIDs)
		}
		t.CreatedAt = parseTime(created)
		themes = append(themes, t)
	}
	return themes, rows.Err()
}
