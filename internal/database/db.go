package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// Open opens a connection to the SQLite database and runs migrations
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection; pin the pool to one so
	// migrations and queries see the same schema.
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{db}, nil
}

// OpenInMemory opens a migrated private in-memory database. Used by tests.
func OpenInMemory() (*DB, error) {
	return Open(":memory:")
}

// migrations are applied in order and tracked by version in
// schema_migrations.
var migrations = []struct {
	version string
	sql     string
}{
	{"001_initial", schemaInitial},
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int
		err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if count > 0 {
			continue
		}

		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", m.version, err)
		}

		_, err = db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version)
		if err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.version, err)
		}
	}

	return nil
}

const schemaInitial = `
CREATE TABLE IF NOT EXISTS bots (
	bot_id INTEGER PRIMARY KEY,
	api_token TEXT NOT NULL UNIQUE,
	username_cached TEXT NOT NULL DEFAULT '',
	webhook TEXT NOT NULL DEFAULT '',
	votes INTEGER NOT NULL DEFAULT 0,
	banned INTEGER NOT NULL DEFAULT 0,
	vanity TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS servers (
	guild_id INTEGER PRIMARY KEY,
	api_token TEXT NOT NULL UNIQUE,
	webhook TEXT NOT NULL DEFAULT '',
	votes INTEGER NOT NULL DEFAULT 0,
	banned INTEGER NOT NULL DEFAULT 0,
	vanity TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	user_id INTEGER PRIMARY KEY,
	api_token TEXT NOT NULL UNIQUE,
	staff INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS reviews (
	id TEXT PRIMARY KEY,
	target_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	review TEXT NOT NULL,
	star_rating REAL NOT NULL DEFAULT 0,
	epoch REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS ws_events (
	id TEXT PRIMARY KEY,
	entity_id INTEGER NOT NULL,
	kind INTEGER NOT NULL,
	context TEXT NOT NULL,
	ts REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS ws_events_entity_ts ON ws_events (entity_id, ts);

CREATE TABLE IF NOT EXISTS entity_cache (
	entity_id INTEGER PRIMARY KEY,
	username TEXT,
	avatar TEXT,
	valid INTEGER NOT NULL DEFAULT 0,
	valid_for TEXT NOT NULL DEFAULT '',
	epoch REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS vanity (
	slug TEXT PRIMARY KEY,
	target_id INTEGER NOT NULL,
	kind INTEGER NOT NULL
);
`
