package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestQueryTicksOrdersByTimestampThenSeq(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	inserts := []struct {
		ts, seq int64
		price   string
	}{
		{200, 1, "150.00"},
		{100, 2, "149.50"},
		{100, 1, "149.00"},
	}
	for _, in := range inserts {
		_, err := d.DB.ExecContext(ctx, `
			INSERT INTO ticks (symbol, ts_ns, seq, price, size) VALUES (?, ?, ?, ?, ?)
		`, "AAPL", in.ts, in.seq, in.price, 100)
		if err != nil {
			t.Fatalf("insert tick: %v", err)
		}
	}

	store := NewTickStore(d)
	rows, err := store.QueryTicks(ctx, []string{"AAPL"}, 0, 1000, 0, 10)
	if err != nil {
		t.Fatalf("QueryTicks: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].TimestampNs != 100 || rows[0].Seq != 1 {
		t.Fatalf("expected (100,1) first, got (%d,%d)", rows[0].TimestampNs, rows[0].Seq)
	}
	if rows[1].TimestampNs != 100 || rows[1].Seq != 2 {
		t.Fatalf("expected (100,2) second, got (%d,%d)", rows[1].TimestampNs, rows[1].Seq)
	}
	if rows[2].TimestampNs != 200 {
		t.Fatalf("expected 200 third, got %d", rows[2].TimestampNs)
	}
}

func TestQueryTicksRestartsFromCursor(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		_, err := d.DB.ExecContext(ctx, `
			INSERT INTO ticks (symbol, ts_ns, seq, price, size) VALUES (?, ?, ?, ?, ?)
		`, "AAPL", 100+i, 1, "150.00", 10)
		if err != nil {
			t.Fatalf("insert tick: %v", err)
		}
	}

	store := NewTickStore(d)
	rows, err := store.QueryTicks(ctx, []string{"AAPL"}, 102, 1000, 1, 10)
	if err != nil {
		t.Fatalf("QueryTicks: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after cursor (102,1), got %d", len(rows))
	}
	if rows[0].TimestampNs != 103 {
		t.Fatalf("expected first row ts 103, got %d", rows[0].TimestampNs)
	}
}

func TestUserQueriesRoundTrip(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	q := NewUserQueries(d)

	if err := q.CreateUser(ctx, "u1", "trader@example.com", "bcryptedhash"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, err := q.GetUserByEmail(ctx, "trader@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if u.ID != "u1" {
		t.Fatalf("expected id u1, got %s", u.ID)
	}

	if err := q.IssueToken(ctx, "tok-abc", "u1", "cli"); err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	userID, err := q.ResolveToken(ctx, "tok-abc")
	if err != nil {
		t.Fatalf("ResolveToken: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("expected u1, got %s", userID)
	}

	if _, err := q.ResolveToken(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
