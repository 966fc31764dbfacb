// Package dbtest opens migrated in-memory databases for package tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/solatis/tollgate/internal/core/db"
)

// Open returns queries over a fresh in-memory SQLite database carrying the
// production schema. The database is closed when the test ends.
func Open(t testing.TB) *db.Queries {
	t.Helper()
	ctx := context.Background()

	conn, err := db.Open(ctx, db.MemoryURL)
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if _, err := db.MigrateUp(ctx, conn); err != nil {
		t.Fatalf("db.MigrateUp() error = %v", err)
	}

	q, err := db.LoadQueries(conn)
	if err != nil {
		t.Fatalf("db.LoadQueries() error = %v", err)
	}
	return q
}

// Mock returns queries over a sqlmock connection that rebinds like SQLite.
// Expectations are checked when the test ends.
func Mock(t testing.TB) (*db.Queries, sqlmock.Sqlmock) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	conn := sqlx.NewDb(raw, "sqlite3")
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sqlmock expectations: %v", err)
		}
		conn.Close()
	})

	q, err := db.LoadQueries(conn)
	if err != nil {
		t.Fatalf("db.LoadQueries() error = %v", err)
	}
	return q, mock
}
