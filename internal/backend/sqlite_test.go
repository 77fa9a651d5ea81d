package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kartikbazzad/reldoc/internal/schema"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"), time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg, err := schema.Build(&schema.DocType{
		Name:       "Item",
		Table:      "Items",
		SoftDelete: true,
		Columns: []schema.Column{
			{Name: "Name", Kind: schema.KindString},
			{Name: "Weight", Kind: schema.KindFloat, Nullable: true},
			{Name: "Data", Kind: schema.KindBytes, Nullable: true},
		},
		SubDocs: []*schema.SubDocType{{
			Name:    "Tag",
			Table:   "Tags",
			Columns: []schema.Column{{Name: "Label", Kind: schema.KindString}},
		}},
	})
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := db.EnsureSchema(context.Background(), reg); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestInsertAndRead(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.Insert(ctx, "Items", Row{
		"Id": int64(1), "Version": int64(1), "Version2": int64(1),
		"Name": "bolt", "Weight": 1.5,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	row, err := db.GetValues(ctx, "Items", 1, []string{"Name", "Weight", "Version"})
	if err != nil {
		t.Fatalf("get values: %v", err)
	}
	if row["Name"] != "bolt" || row["Weight"] != 1.5 || row["Version"] != int64(1) {
		t.Fatalf("row = %v", row)
	}

	if _, err := db.GetValues(ctx, "Items", 99, []string{"Name"}); err != ErrNotFound {
		t.Fatalf("missing row: err = %v, want ErrNotFound", err)
	}
}

func TestSetValuesAndFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := int64(1); i <= 4; i++ {
		err := db.Insert(ctx, "Items", Row{
			"Id": i, "Version": int64(1), "Version2": int64(1),
			"Name": "item", "Deleted": i == 4,
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := db.SetValues(ctx, "Items", 2, Row{"Name": "renamed", "Version": int64(2)}); err != nil {
		t.Fatalf("set values: %v", err)
	}

	t.Run("eq", func(t *testing.T) {
		ids, err := db.FindIDs(ctx, "Items", Where(Eq("Name", "renamed")))
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if len(ids) != 1 || ids[0] != 2 {
			t.Fatalf("ids = %v", ids)
		}
	})

	t.Run("in and bool", func(t *testing.T) {
		ids, err := db.FindIDs(ctx, "Items", Where(InIDs("Id", []int64{1, 3, 4}), Eq("Deleted", false)))
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
			t.Fatalf("ids = %v", ids)
		}
	})

	t.Run("empty in matches nothing", func(t *testing.T) {
		ids, err := db.FindIDs(ctx, "Items", Where(InIDs("Id", nil)))
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if len(ids) != 0 {
			t.Fatalf("ids = %v, want none", ids)
		}
	})

	t.Run("range", func(t *testing.T) {
		ids, err := db.FindIDs(ctx, "Items", Where(Ge("Id", 2), Lt("Id", 4)))
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
			t.Fatalf("ids = %v", ids)
		}
	})

	t.Run("null checks", func(t *testing.T) {
		ids, err := db.FindIDs(ctx, "Items", Where(IsNull("Weight")))
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if len(ids) != 4 {
			t.Fatalf("ids = %v, want all 4", ids)
		}
	})
}

func TestAggregates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	max, err := db.Max(ctx, "Items", "Id", Filter{})
	if err != nil {
		t.Fatalf("max on empty: %v", err)
	}
	if max != 0 {
		t.Fatalf("max = %d, want 0 on empty table", max)
	}

	for i := int64(3); i <= 5; i++ {
		db.Insert(ctx, "Items", Row{"Id": i, "Version": i, "Version2": int64(1), "Name": "x"})
	}
	if max, _ = db.Max(ctx, "Items", "Id", Filter{}); max != 5 {
		t.Fatalf("max = %d, want 5", max)
	}
	if min, _ := db.Min(ctx, "Items", "Id", Filter{}); min != 3 {
		t.Fatalf("min = %d, want 3", min)
	}
	if sum, _ := db.Sum(ctx, "Items", "Version", Filter{}); sum != 12 {
		t.Fatalf("sum = %d, want 12", sum)
	}
}

func TestTransactionRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Insert(ctx, "Items", Row{"Id": int64(1), "Version": int64(1), "Version2": int64(1), "Name": "x"}); err != nil {
		t.Fatalf("insert in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	ids, _ := db.FindIDs(ctx, "Items", Filter{})
	if len(ids) != 0 {
		t.Fatalf("rolled-back insert is visible: %v", ids)
	}

	tx2, _ := db.Begin(ctx)
	tx2.Insert(ctx, "Items", Row{"Id": int64(2), "Version": int64(1), "Version2": int64(1), "Name": "y"})
	if err := tx2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx2.Rollback(); err != nil {
		t.Fatalf("rollback after commit must be a no-op, got %v", err)
	}
	ids, _ = db.FindIDs(ctx, "Items", Filter{})
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("ids = %v, want [2]", ids)
	}
}

func TestNormalizeAndEqual(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		a, b  any
		equal bool
	}{
		{int32(5), int64(5), true},
		{true, int64(1), true},
		{false, int64(0), true},
		{now, now.Format(TimeFormat), true},
		{[]byte("abc"), []byte("abc"), true},
		{[]byte("abc"), []byte("abd"), false},
		{[]byte("abc"), "abc", false},
		{"a", "b", false},
		{nil, nil, true},
		{nil, int64(0), false},
	}
	for _, tc := range cases {
		if got := Equal(tc.a, tc.b); got != tc.equal {
			t.Errorf("Equal(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.equal)
		}
	}

	// Whole-second stamps keep their fractional zeros, so encoded
	// timestamps compare correctly as strings.
	whole, _ := Normalize(now).(string)
	if whole != "2026-05-04T12:00:00.000000000Z" {
		t.Errorf("Normalize(time) = %q, want fixed-width fraction", whole)
	}
	half, _ := Normalize(now.Add(500 * time.Millisecond)).(string)
	if whole >= half {
		t.Errorf("encoded times out of order: %q >= %q", whole, half)
	}
}
