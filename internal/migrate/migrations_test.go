package migrate

import (
	"context"
	"testing"

	"taskgraph/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	ms, err := loadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	version, err := Version(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if version != ms[len(ms)-1].Version {
		t.Fatalf("schema version = %d, want %d", version, ms[len(ms)-1].Version)
	}
	for _, table := range []string{"tasks", "task_deps", "recurrence_patterns", "pattern_occurrences", "health_records", "events", "graph_version"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Fatalf("table %s missing", table)
		}
	}
}
