package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sort"
	"testing"
)

func tableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("table_info %s: %v", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			t.Fatalf("scan table_info: %v", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate table_info: %v", err)
	}
	sort.Strings(names)
	return names
}

func TestOpenUpgradesLegacySchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "legacy.sqlite")

	legacy, err := sql.Open(DriverMattn, dbPath)
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	if _, err := legacy.Exec(`
		CREATE TABLE jobs (
			job_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			params TEXT NOT NULL DEFAULT '{}',
			output_urls TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		INSERT INTO jobs (job_id, type, status, progress, params, output_urls, created_at, updated_at)
		VALUES ('legacy-1', 'VIDEO', 'SUCCEEDED', 100, '{}', '["file:///tmp/legacy.mp4"]', 1700000000000, 1700000000000);
	`); err != nil {
		t.Fatalf("seed legacy schema: %v", err)
	}
	legacy.Close()

	s, err := Open(dbPath, Options{})
	if err != nil {
		t.Fatalf("open store over legacy schema: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cols := tableColumns(t, s.db, "jobs")
	have := map[string]bool{}
	for _, c := range cols {
		have[c] = true
	}
	for _, want := range []string{"external_id", "last_heartbeat_at", "started_at", "finished_at", "status_message", "error_code", "error_message"} {
		if !have[want] {
			t.Fatalf("expected column %s after upgrade, have %v", want, cols)
		}
	}

	j := mustGetJob(t, s, ctx, "legacy-1")
	if len(j.OutputURLs) != 1 || j.OutputURLs[0] != "file:///tmp/legacy.mp4" {
		t.Fatalf("legacy outputs not readable: %+v", j)
	}
	if j.FinishedAt != nil || j.ErrorCode != "" {
		t.Fatalf("upgraded columns should be null, got %+v", j)
	}

	var indexName string
	if err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_jobs_running_heartbeat'`).Scan(&indexName); err != nil {
		t.Fatalf("expected heartbeat index: %v", err)
	}
}

func TestOpenIsRepeatable(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "jobs.sqlite")
	for i := 0; i < 2; i++ {
		s, err := Open(dbPath, Options{})
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		var mode string
		if err := s.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
			t.Fatalf("journal_mode: %v", err)
		}
		if mode != "wal" {
			t.Fatalf("expected WAL journal mode, got %s", mode)
		}
		s.Close()
	}
}
