package checkpoint

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/yourusername/aleph-gateway/pkg/oai"
)

func setupSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "checkpoint.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set, skipping postgres tests")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to open test postgres db: %v", err)
	}
	if _, err := db.Exec(`DROP TABLE IF EXISTS harvest_state`); err != nil {
		t.Fatalf("Failed to drop table: %v", err)
	}
	db.Close()

	s, err := NewPostgresStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Failed to open postgres store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	if _, ok, err := s.Load(ctx, "mzk"); err != nil || ok {
		t.Fatalf("Load on empty store = ok %v, err %v", ok, err)
	}

	first := oai.State{
		Sets:           []string{"MZK01-CNB", "MZK01-ART"},
		SetIndex:       0,
		Token:          "MZK01-CNB-200",
		From:           "2024-01-01",
		MetadataPrefix: "marc21",
	}
	if err := s.Save(ctx, "mzk", first); err != nil {
		t.Fatal(err)
	}
	second := first
	second.SetIndex = 1
	second.Token = ""
	if err := s.Save(ctx, "mzk", second); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Load(ctx, "mzk")
	if err != nil || !ok {
		t.Fatalf("Load = ok %v, err %v", ok, err)
	}
	if !reflect.DeepEqual(got, second) {
		t.Errorf("Load = %+v, want %+v", got, second)
	}
	if got.Set() != "MZK01-ART" {
		t.Errorf("Set() = %q", got.Set())
	}

	if err := s.Save(ctx, "", first); err == nil {
		t.Error("Save with empty name succeeded")
	}

	if err := s.Clear(ctx, "mzk"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Load(ctx, "mzk"); err != nil || ok {
		t.Errorf("Load after Clear = ok %v, err %v", ok, err)
	}
	if err := s.Clear(ctx, "mzk"); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, setupSQLite(t))
}

func TestPostgresStore(t *testing.T) {
	exerciseStore(t, setupPostgres(t))
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	st := oai.State{Sets: []string{""}, Token: "t-1", MetadataPrefix: "marc21"}

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "nightly", st); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, ok, err := s.Load(ctx, "nightly")
	if err != nil || !ok || got.Token != "t-1" {
		t.Errorf("Load after reopen = %+v, ok %v, err %v", got, ok, err)
	}
}

func TestCorruptState(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, s.d.upsert, "broken", "{not json", "2024-01-01"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Load(ctx, "broken"); err == nil {
		t.Error("Load of corrupt state succeeded")
	}
}

func TestNewSQLiteStoreEmptyPath(t *testing.T) {
	if _, err := NewSQLiteStore(context.Background(), ""); err == nil {
		t.Error("empty path accepted")
	}
}
