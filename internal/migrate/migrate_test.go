package migrate_test

import (
	"testing"

	"sessiongate/internal/db"
	"sessiongate/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	first, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if first < 1 {
		t.Fatalf("expected at least one applied migration, version=%d", first)
	}

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("repeat migrate: %v", err)
	}
	second, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version after repeat: %v", err)
	}
	if second != first {
		t.Fatalf("repeat changed version from %d to %d", first, second)
	}

	var one int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&one); err != nil {
		t.Fatalf("count schema_version: %v", err)
	}
	if one != 1 {
		t.Fatalf("schema_version must hold a single row, got %d", one)
	}
}
