package reldoc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kartikbazzad/reldoc/internal/backend"
	"github.com/kartikbazzad/reldoc/internal/schema"
)

func openAllocDB(t *testing.T) *backend.SQLite {
	t.Helper()
	db, err := backend.OpenSQLite(filepath.Join(t.TempDir(), "alloc.db"), time.Second)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	if err := db.EnsureSchema(context.Background(), testRegistry(t)); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestResolveIDsSequentialPerTable(t *testing.T) {
	ctx := context.Background()
	db := openAllocDB(t)
	cs := NewChangeSet(testRegistry(t))

	a, _ := cs.Insert("Customer")
	b, _ := cs.Insert("Customer")
	o, _ := cs.Insert("Order")
	l1, _ := o.InsertSub("OrderLine")
	l2, _ := o.InsertSub("OrderLine")

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	ids, err := resolveIDs(ctx, tx, cs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := rewriteAll(cs, ids); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if a.ID() != 1 || b.ID() != 2 {
		t.Fatalf("customer ids = %d, %d, want 1, 2", a.ID(), b.ID())
	}
	if o.ID() != 1 {
		t.Fatalf("order id = %d, want 1 (tables allocate independently)", o.ID())
	}
	if l1.ID() != 1 || l2.ID() != 2 {
		t.Fatalf("line ids = %d, %d, want 1, 2", l1.ID(), l2.ID())
	}
}

func TestResolveIDsSkipsHistoryIDs(t *testing.T) {
	ctx := context.Background()
	db := openAllocDB(t)

	// A hard-deleted row lives on only in the history table; its id must
	// never be reissued.
	if err := db.Insert(ctx, "CustomersHistory", backend.Row{
		schema.ColID:           int64(41),
		schema.ColStartVersion: int64(1),
		schema.ColVersion2:     int64(2),
		"Name":                 "gone",
	}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	cs := NewChangeSet(testRegistry(t))
	c, _ := cs.Insert("Customer")

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	ids, err := resolveIDs(ctx, tx, cs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := rewriteAll(cs, ids); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if c.ID() != 42 {
		t.Fatalf("id = %d, want 42 (above the history maximum)", c.ID())
	}
}

func TestRewriteAllRefsAndVarRefs(t *testing.T) {
	reg := testRegistry(t)
	cs := NewChangeSet(reg)

	c, _ := cs.Insert("Customer")
	o, _ := cs.Insert("Order")
	o.SetField("Customer", c.ID())
	att, _ := cs.Insert("Attachment")
	att.SetField("OwnerId", o.ID())

	orderType, _ := reg.Type("Order")
	ids := map[int64]resolvedID{
		c.ID():   {typeName: "Customer", id: 10},
		o.ID():   {typeName: "Order", id: 20},
		att.ID(): {typeName: "Attachment", id: 30},
	}
	if err := rewriteAll(cs, ids); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if got, _ := o.Field("Customer"); got != int64(10) {
		t.Fatalf("Customer ref = %v, want 10", got)
	}
	if got, _ := att.Field("OwnerId"); got != int64(20) {
		t.Fatalf("OwnerId = %v, want 20", got)
	}
	// The table-id half follows the resolved target's type.
	if got, _ := att.Field("OwnerType"); got != orderType.ID {
		t.Fatalf("OwnerType = %v, want %v", got, orderType.ID)
	}
}
