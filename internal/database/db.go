package database

import (
	"context"
	"database/sql"

	"github.com/cyclopcam/logs"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Database represents the database connection and operations
type Database struct {
	DB  *sql.DB
	log logs.Log
}

// New opens the connection and verifies it
func New(log logs.Log, dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{DB: db, log: log}, nil
}

// Init creates the required tables if they don't exist
func (d *Database) Init(ctx context.Context) error {
	createTables := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		video_source TEXT NOT NULL,
		violations INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS violations (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		track_id BIGINT NOT NULL,
		zone_name TEXT NOT NULL,
		class_label TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		box_x1 INTEGER NOT NULL,
		box_y1 INTEGER NOT NULL,
		box_x2 INTEGER NOT NULL,
		box_y2 INTEGER NOT NULL,
		frame_seq BIGINT NOT NULL,
		snapshot_path TEXT NOT NULL UNIQUE,
		detected_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS violations_detected_at_idx ON violations (detected_at DESC);

	CREATE TABLE IF NOT EXISTS violation_outbox (
		violation_id BIGINT PRIMARY KEY REFERENCES violations(id) ON DELETE CASCADE,
		created_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP
	);
	`

	_, err := d.DB.ExecContext(ctx, createTables)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.DB.Close()
}
