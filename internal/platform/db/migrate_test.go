package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func sqlFiles(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, content := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(content)}
	}
	return fsys
}

func TestLoadMigrations(t *testing.T) {
	fsys := sqlFiles(map[string]string{
		"003_jobs.sql":         "CREATE INDEX x ON notification (sent_at);",
		"001_core.sql":         "CREATE TABLE app_user (id UUID PRIMARY KEY);",
		"002_notification.sql": "CREATE TABLE notification (id UUID PRIMARY KEY);",
	})

	migrations, err := NewMigrator(nil, fsys, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []int{1, 2, 3} {
		if migrations[i].Version != want {
			t.Errorf("position %d: expected version %d, got %d", i, want, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_core.sql" {
		t.Errorf("expected name 001_core.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE app_user (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_SkipsUnversioned(t *testing.T) {
	fsys := sqlFiles(map[string]string{
		"001_core.sql":  "SELECT 1;",
		"README.md":     "docs",
		"seed.sql":      "SELECT 2;",
		"abc_bad.sql":   "SELECT 3;",
		"sub/002_x.sql": "SELECT 4;",
	})
	migrations, err := NewMigrator(nil, fsys, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 || migrations[0].Version != 1 {
		t.Errorf("expected only 001_core.sql, got %+v", migrations)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := sqlFiles(map[string]string{
		"001_core.sql": "SELECT 1;",
		"1_other.sql":  "SELECT 2;",
	})
	if _, err := NewMigrator(nil, fsys, "").LoadMigrations(); err == nil {
		t.Error("expected error for duplicate versions")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestPendingAndStatuses(t *testing.T) {
	all := []Migration{{Version: 1, Name: "001_core.sql"}, {Version: 2, Name: "002_b.sql"}, {Version: 3, Name: "003_c.sql"}}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	if got := pending(all, applied, 0); len(got) != 2 || got[0].Version != 2 {
		t.Errorf("expected 2 and 3 pending, got %+v", got)
	}
	if got := pending(all, applied, 2); len(got) != 1 || got[0].Version != 2 {
		t.Errorf("expected only 2 up to target, got %+v", got)
	}

	st := statuses(all, applied)
	if len(st) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(st))
	}
	if !st[0].Applied || st[0].AppliedAt == nil || !st[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, st[0])
	}
	if st[1].Applied || st[1].AppliedAt != nil {
		t.Errorf("expected 002 pending, got %+v", st[1])
	}
}

func TestNewMigrator_DefaultSchema(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{}, "")
	if m.schema != "public" {
		t.Errorf("expected public, got %s", m.schema)
	}
	if got := m.table(); got != `"public"."_migrations"` {
		t.Errorf("unexpected table identifier %s", got)
	}
}
