package checkpoint

import (
	"context"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	driver: "sqlite",
	create: `
	CREATE TABLE IF NOT EXISTS harvest_state (
		name TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`,
	upsert: "INSERT OR REPLACE INTO harvest_state (name, state, updated_at) VALUES (?, ?, ?)",
	load:   "SELECT state FROM harvest_state WHERE name = ?",
	clear:  "DELETE FROM harvest_state WHERE name = ?",
}

// SQLiteStore is a Store backed by a local SQLite file.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite checkpoint store requires a non-empty database path")
	}
	s, err := open(ctx, sqliteDialect, path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{s}, nil
}
