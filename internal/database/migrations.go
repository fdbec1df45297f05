package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "items, authors and run state",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS authors (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL,
    created_utc TEXT,
    comment_karma INTEGER,
    link_karma INTEGER,
    is_verified INTEGER,
    first_seen TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id TEXT UNIQUE NOT NULL,
    community TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    img_text TEXT,
    link_flair TEXT,
    engagement_score INTEGER NOT NULL DEFAULT 0,
    num_comments INTEGER NOT NULL DEFAULT 0,
    created_utc TEXT,
    author_id TEXT,
    author_name TEXT,
    ingested_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    scored INTEGER NOT NULL DEFAULT 0,
    embedded INTEGER NOT NULL DEFAULT 0,
    clustered INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'open',
    heuristic_score REAL,
    priority_score INTEGER,
    theme TEXT,
    rationale TEXT,
    tags TEXT,
    author_gender TEXT,
    vector TEXT,
    theme_id INTEGER
);

CREATE TABLE IF NOT EXISTS pipeline_status (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    is_running INTEGER NOT NULL DEFAULT 0,
    last_start TEXT,
    last_completion TEXT,
    last_failure TEXT,
    last_error TEXT,
    process_pid INTEGER,
    owner_id TEXT,
    heartbeat_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_items_author_name ON items(author_name) WHERE author_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "themes and stage indexes",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS themes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    theme_text TEXT NOT NULL,
    vector TEXT,
    example_item_ids TEXT,
    score_agg REAL NOT NULL DEFAULT 0,
    item_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_stage_flags ON items(scored, embedded, clustered);
CREATE INDEX IF NOT EXISTS idx_items_created ON items(created_utc);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
