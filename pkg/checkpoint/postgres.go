package checkpoint

import (
	"context"
	"fmt"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	driver: "postgres",
	create: `
		CREATE TABLE IF NOT EXISTS harvest_state (
			name TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`,
	upsert: `INSERT INTO harvest_state (name, state, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
	load:  "SELECT state FROM harvest_state WHERE name = $1",
	clear: "DELETE FROM harvest_state WHERE name = $1",
}

// PostgresStore is a Store shared by harvesters through a Postgres database.
type PostgresStore struct {
	*sqlStore
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres checkpoint store requires a non-empty DSN")
	}
	s, err := open(ctx, postgresDialect, dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{s}, nil
}
