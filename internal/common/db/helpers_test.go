package db_test

import (
	"testing"

	"isolator/internal/common/db"
)

func TestRebind(t *testing.T) {
	t.Parallel()
	query := "SELECT a FROM t WHERE b = ? AND c = ? AND d = ?"

	if got := db.Rebind(db.DialectMySQL, query); got != query {
		t.Fatalf("mysql query must pass through unchanged: %s", got)
	}
	want := "SELECT a FROM t WHERE b = $1 AND c = $2 AND d = $3"
	if got := db.Rebind(db.DialectPostgres, query); got != want {
		t.Fatalf("postgres rebind mismatch:\n got %s\nwant %s", got, want)
	}
	if got := db.Rebind(db.DialectPostgres, "SELECT 1"); got != "SELECT 1" {
		t.Fatalf("query without placeholders changed: %s", got)
	}
}
