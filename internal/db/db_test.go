package db

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/warden/internal/core"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenAndMigrate(filepath.Join(t.TempDir(), "state", "audit.db"))
	if err != nil {
		t.Fatalf("OpenAndMigrate failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestOpenCreatesDatabase(t *testing.T) {
	database := openTestDB(t)

	info, err := os.Stat(database.Path())
	if err != nil {
		t.Fatalf("database file was not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("database mode = %o, want 600", perm)
	}
}

func TestMigrationsApplied(t *testing.T) {
	database := openTestDB(t)

	for _, table := range []string{"schema_migrations", "audit", "integrity_events"} {
		var name string
		err := database.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
	v, err := database.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("schema version = %d, want 2", v)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	for i := 0; i < 2; i++ {
		database, err := OpenAndMigrate(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		_ = database.Close()
	}
}

func TestWALEnabled(t *testing.T) {
	database := openTestDB(t)

	var mode string
	if err := database.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestInsertAndGetAudit(t *testing.T) {
	database := openTestDB(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	op := core.Operation{Tool: core.ToolBash, Payload: "rm -rf /", SessionID: "s1"}
	e := NewAuditEntry(op, core.Decision{
		Verdict: core.VerdictBlock,
		Stage:   core.StageCritical,
		Code:    core.ReasonCriticalPattern,
		Reason:  "recursive delete of root",
		Pattern: "rm-root",
	}, at)
	if err := database.InsertAudit(e); err != nil {
		t.Fatalf("InsertAudit: %v", err)
	}
	if e.ID == "" {
		t.Fatal("InsertAudit did not assign an id")
	}

	got, err := database.GetAudit(e.ID)
	if err != nil {
		t.Fatalf("GetAudit: %v", err)
	}
	if got.Verdict != core.VerdictBlock || got.Stage != core.StageCritical || got.Pattern != "rm-root" {
		t.Errorf("GetAudit = %+v", got)
	}
	if !got.Time.Equal(at) {
		t.Errorf("Time = %v, want %v", got.Time, at)
	}

	if _, err := database.GetAudit("missing"); !errors.Is(err, ErrAuditNotFound) {
		t.Errorf("GetAudit(missing) err = %v, want ErrAuditNotFound", err)
	}
}

func TestInsertAuditRequiresVerdict(t *testing.T) {
	database := openTestDB(t)
	if err := database.InsertAudit(&AuditEntry{Tool: core.ToolBash}); err == nil {
		t.Fatal("expected error for missing verdict")
	}
}

func TestListAuditFilters(t *testing.T) {
	database := openTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	insert := func(session string, v core.Verdict, stage core.Stage, at time.Time) {
		t.Helper()
		e := &AuditEntry{Time: at, SessionID: session, Tool: core.ToolBash, Stage: stage, Verdict: v, Code: core.ReasonDefaultAllow}
		if err := database.InsertAudit(e); err != nil {
			t.Fatalf("InsertAudit: %v", err)
		}
	}
	insert("a", core.VerdictAllow, core.StageDefault, base)
	insert("a", core.VerdictBlock, core.StageHeuristic, base.Add(time.Minute))
	insert("b", core.VerdictWarn, core.StageDomain, base.Add(2*time.Minute))
	insert("b", core.VerdictBlock, core.StageCorrelator, base.Add(3*time.Minute))

	tests := []struct {
		name   string
		filter AuditFilter
		want   int
	}{
		{"all", AuditFilter{}, 4},
		{"session", AuditFilter{SessionID: "a"}, 2},
		{"verdict", AuditFilter{Verdict: core.VerdictBlock}, 2},
		{"stage", AuditFilter{Stage: core.StageDomain}, 1},
		{"since", AuditFilter{Since: base.Add(2 * time.Minute)}, 2},
		{"limit", AuditFilter{Limit: 3}, 3},
		{"combined", AuditFilter{SessionID: "b", Verdict: core.VerdictBlock}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := database.ListAudit(tc.filter)
			if err != nil {
				t.Fatalf("ListAudit: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("ListAudit(%+v) returned %d entries, want %d", tc.filter, len(got), tc.want)
			}
		})
	}

	all, err := database.ListAudit(AuditFilter{})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Time.After(all[i-1].Time) {
			t.Fatalf("entries not newest first: %v after %v", all[i].Time, all[i-1].Time)
		}
	}
}

func TestPruneAudit(t *testing.T) {
	database := openTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := &AuditEntry{Time: base.Add(time.Duration(i) * 24 * time.Hour), Tool: core.ToolBash, Stage: core.StageDefault, Verdict: core.VerdictAllow, Code: core.ReasonDefaultAllow}
		if err := database.InsertAudit(e); err != nil {
			t.Fatalf("InsertAudit: %v", err)
		}
	}

	n, err := database.PruneAudit(base.Add(3 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneAudit: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned %d, want 3", n)
	}
	count, err := database.CountAudit()
	if err != nil {
		t.Fatalf("CountAudit: %v", err)
	}
	if count != 2 {
		t.Errorf("remaining %d, want 2", count)
	}
}

func TestIntegrityEvents(t *testing.T) {
	database := openTestDB(t)
	for _, p := range []string{"bypass.hash", "integrity.sha256"} {
		if err := database.InsertIntegrityEvent(&IntegrityEvent{Path: p, Detail: "checksum mismatch"}); err != nil {
			t.Fatalf("InsertIntegrityEvent: %v", err)
		}
	}
	events, err := database.ListIntegrityEvents(0)
	if err != nil {
		t.Fatalf("ListIntegrityEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Path != "integrity.sha256" {
		t.Errorf("newest event = %q, want integrity.sha256", events[0].Path)
	}
}
