package db

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		url        string
		driver     string
		dataSource string
		memory     bool
		wantErr    bool
	}{
		{MemoryURL, "sqlite3", ":memory:?" + sqliteParams, true, false},
		{"sqlite://tollgate.db", "sqlite3", "file:tollgate.db?" + sqliteParams, false, false},
		{"sqlite:///var/lib/tollgate.db", "sqlite3", "file:/var/lib/tollgate.db?" + sqliteParams, false, false},
		{"sqlite://data/t.db?mode=rwc", "sqlite3", "file:data/t.db?mode=rwc&" + sqliteParams, false, false},
		{"postgres://u:p@localhost:5432/tollgate?sslmode=disable", "postgres", "postgres://u:p@localhost:5432/tollgate?sslmode=disable", false, false},
		{"mysql://localhost/db", "", "", false, true},
		{"sqlite://", "", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			driver, ds, memory, err := parseURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if driver != tt.driver {
				t.Errorf("driver = %q, want %q", driver, tt.driver)
			}
			if ds != tt.dataSource {
				t.Errorf("dataSource = %q, want %q", ds, tt.dataSource)
			}
			if memory != tt.memory {
				t.Errorf("memory = %v, want %v", memory, tt.memory)
			}
		})
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- header comment
CREATE TABLE a (id TEXT);

-- second table
-- spans two comment lines
CREATE TABLE b (
    id TEXT -- trailing comments stay inside the statement
);
   -- dangling comment
`
	got := splitStatements(script)
	if len(got) != 2 {
		t.Fatalf("splitStatements() returned %d statements, want 2: %q", len(got), got)
	}
	if got[0] != "CREATE TABLE a (id TEXT)" {
		t.Errorf("statement 0 = %q", got[0])
	}
	if !strings.HasPrefix(got[1], "CREATE TABLE b (") {
		t.Errorf("statement 1 = %q, want CREATE TABLE b prefix", got[1])
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, MemoryURL)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer conn.Close()

	ran, err := MigrateUp(ctx, conn)
	if err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	if len(ran) == 0 {
		t.Fatal("MigrateUp() applied nothing on an empty database")
	}

	again, err := MigrateUp(ctx, conn)
	if err != nil {
		t.Fatalf("second MigrateUp() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second MigrateUp() applied %v, want nothing", again)
	}

	statuses, err := MigrateStatus(ctx, conn)
	if err != nil {
		t.Fatalf("MigrateStatus() error = %v", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %s not applied", s.ID)
		}
		if s.AppliedAt == nil {
			t.Errorf("migration %s has no applied_at", s.ID)
		}
	}

	for _, table := range []string{"entry_points", "context_schemas", "message_templates", "rules",
		"acknowledgments", "preferences", "order_acknowledgments", "executions", "rule_executions", "api_keys"} {
		var n int
		if err := conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
			t.Errorf("table %s: %v", table, err)
		}
	}
}

func TestMigrateUp_ChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, MemoryURL)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer conn.Close()

	if _, err := MigrateUp(ctx, conn); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	if _, err := conn.ExecContext(ctx, "UPDATE migrations SET checksum = 'tampered'"); err != nil {
		t.Fatal(err)
	}

	if _, err := MigrateUp(ctx, conn); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("MigrateUp() error = %v, want checksum mismatch", err)
	}
}

func TestQueries_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, MemoryURL)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer conn.Close()
	if _, err := MigrateUp(ctx, conn); err != nil {
		t.Fatal(err)
	}
	q, err := LoadQueries(conn)
	if err != nil {
		t.Fatalf("LoadQueries() error = %v", err)
	}

	boom := errors.New("boom")
	err = q.InTx(ctx, func(tx *Queries) error {
		if _, err := tx.Exec(ctx, "upsert-entry-point", "checkout_terms", "Terms", "", true, "2025-01-01 00:00:00+00:00"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}

	var codes []string
	if err := conn.SelectContext(ctx, &codes, "SELECT code FROM entry_points"); err != nil {
		t.Fatal(err)
	}
	if len(codes) != 0 {
		t.Errorf("entry_points = %v after rollback, want empty", codes)
	}

	if _, err := q.Exec(ctx, "no-such-query"); err == nil {
		t.Error("Exec() of unknown query succeeded")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("UNIQUE constraint failed: rules.rule_code"), true},
		{errors.New(`pq: duplicate key value violates unique constraint "rules_pkey"`), true},
		{errors.New("no such table"), false},
	}
	for _, tt := range tests {
		if got := IsUniqueViolation(tt.err); got != tt.want {
			t.Errorf("IsUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
