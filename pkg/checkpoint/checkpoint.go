// Package checkpoint persists OAI harvest continuation state so that an
// interrupted harvest can resume from the last unconsumed resumption token.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/aleph-gateway/pkg/oai"
)

// Store saves harvest states under a caller-chosen name.
type Store interface {
	Save(ctx context.Context, name string, st oai.State) error
	Load(ctx context.Context, name string) (oai.State, bool, error)
	Clear(ctx context.Context, name string) error
	Close() error
}

// Open picks the backend from dsn: postgres:// and postgresql:// URLs go to
// Postgres, anything else is a SQLite file path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresStore(ctx, dsn)
	}
	return NewSQLiteStore(ctx, dsn)
}

// dialect holds the statements that differ between database engines.
type dialect struct {
	driver string
	create string
	upsert string
	load   string
	clear  string
}

// sqlStore keeps states as JSON in a harvest_state table.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func open(ctx context.Context, d dialect, dsn string) (*sqlStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s checkpoint db: %w", d.driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s checkpoint db: %w", d.driver, err)
	}
	if _, err := db.ExecContext(ctx, d.create); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create harvest_state table: %w", err)
	}
	return &sqlStore{db: db, d: d}, nil
}

func (s *sqlStore) Save(ctx context.Context, name string, st oai.State) error {
	if name == "" {
		return errors.New("checkpoint name is empty")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode harvest state: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.d.upsert, name, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save checkpoint %q: %w", name, err)
	}
	return nil
}

func (s *sqlStore) Load(ctx context.Context, name string) (oai.State, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.d.load, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return oai.State{}, false, nil
	}
	if err != nil {
		return oai.State{}, false, fmt.Errorf("failed to load checkpoint %q: %w", name, err)
	}
	var st oai.State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return oai.State{}, false, fmt.Errorf("checkpoint %q is corrupt: %w", name, err)
	}
	return st, true, nil
}

func (s *sqlStore) Clear(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, s.d.clear, name); err != nil {
		return fmt.Errorf("failed to clear checkpoint %q: %w", name, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
