package reldoc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kartikbazzad/reldoc/internal/backend"
	"github.com/kartikbazzad/reldoc/internal/config"
	"github.com/kartikbazzad/reldoc/internal/errors"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = testRegistry(t)
	}
	if opts.Backend == nil {
		db, err := backend.OpenSQLite(filepath.Join(t.TempDir(), "engine.db"), time.Second)
		if err != nil {
			t.Fatalf("open backend: %v", err)
		}
		if err := db.EnsureSchema(context.Background(), opts.Registry); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
		opts.Backend = db
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func mustApply(t *testing.T, e *Engine, cs *ChangeSet, reload bool) *ChangeSet {
	t.Helper()
	out, err := e.Apply(context.Background(), cs, reload)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return out
}

// insertCustomer commits a Customer and returns its permanent id.
func insertCustomer(t *testing.T, e *Engine, name string) int64 {
	t.Helper()
	cs := e.NewChangeSet()
	c, err := cs.Insert("Customer")
	if err != nil {
		t.Fatalf("insert customer: %v", err)
	}
	if err := c.SetField("Name", name); err != nil {
		t.Fatalf("set name: %v", err)
	}
	mustApply(t, e, cs, false)
	return c.ID()
}

func TestApplyResolvesPlaceholders(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()

	cs := e.NewChangeSet()
	customer, _ := cs.Insert("Customer")
	customer.SetField("Name", "ACME")

	order, _ := cs.Insert("Order")
	order.SetField("Customer", customer.ID())
	line, _ := order.InsertSub("OrderLine")
	line.SetField("Item", "widget")
	line.SetField("Quantity", int64(2))

	if customer.ID() >= 0 || order.ID() >= 0 || line.ID() >= 0 {
		t.Fatal("new instances must start with placeholder ids")
	}

	mustApply(t, e, cs, false)

	if customer.ID() <= 0 || order.ID() <= 0 || line.ID() <= 0 {
		t.Fatalf("ids not resolved: customer=%d order=%d line=%d",
			customer.ID(), order.ID(), line.ID())
	}
	got, _ := order.Field("Customer")
	ref, _ := asInt64(got)
	if ref != customer.ID() {
		t.Fatalf("order.Customer = %v, want %d", got, customer.ID())
	}
	if customer.Version() != 1 || order.Version() != 1 {
		t.Fatalf("versions = %d, %d, want 1, 1", customer.Version(), order.Version())
	}

	row, err := e.db.GetValues(ctx, "Orders", order.ID(), []string{"Customer", "Version"})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if row["Customer"] != customer.ID() || row["Version"] != int64(1) {
		t.Fatalf("backend row = %v", row)
	}

	if _, err := e.Apply(ctx, cs, false); err != errors.ErrChangeSetConsumed {
		t.Fatalf("re-apply err = %v, want ErrChangeSetConsumed", err)
	}
}

func TestApplyEditBumpsVersionAndArchives(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()
	custID := insertCustomer(t, e, "ACME")

	cs := e.NewChangeSet()
	c, _ := cs.Edit("Customer", custID)
	c.SetField("Name", "ACME Ltd")
	mustApply(t, e, cs, false)
	if c.Version() != 2 {
		t.Fatalf("version = %d, want 2", c.Version())
	}

	entries, err := e.GetHistory(ctx, "Customer", custID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != ActionInsert || entries[1].Kind != ActionEdit {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[1].Version != 2 {
		t.Fatalf("edit version = %d, want 2", entries[1].Version)
	}

	// The outgoing content was archived with the window [1, 2).
	rows, err := e.db.Query(ctx, "CustomersHistory", []string{"Name", "StartVersion", "Version2"},
		backend.Where(backend.Eq("Id", custID)), "StartVersion")
	if err != nil {
		t.Fatalf("read history table: %v", err)
	}
	if len(rows) != 1 || rows[0]["Name"] != "ACME" ||
		rows[0]["StartVersion"] != int64(1) || rows[0]["Version2"] != int64(2) {
		t.Fatalf("archive rows = %v", rows)
	}
}

func TestUnchangedEditSkips(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()
	custID := insertCustomer(t, e, "ACME")

	cs := e.NewChangeSet()
	c, _ := cs.Edit("Customer", custID)
	c.SetField("Name", "ACME") // same value the backend already has
	mustApply(t, e, cs, false)

	if c.Version() != 1 {
		t.Fatalf("version = %d, want unchanged 1", c.Version())
	}
	entries, _ := e.GetHistory(ctx, "Customer", custID)
	if len(entries) != 1 {
		t.Fatalf("unchanged edit wrote a ledger entry: %+v", entries)
	}
}

func TestWriteUnchangedForcesBump(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Engine.WriteUnchanged = true
	e := newTestEngine(t, Options{Config: cfg})
	custID := insertCustomer(t, e, "ACME")

	cs := e.NewChangeSet()
	c, _ := cs.Edit("Customer", custID)
	mustApply(t, e, cs, false)
	if c.Version() != 2 {
		t.Fatalf("version = %d, want forced bump to 2", c.Version())
	}
}

func TestEmptyBatchIsNoOp(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()

	cs := e.NewChangeSet()
	cs.View("Customer", 1)
	if _, err := e.Apply(ctx, cs, false); err != nil {
		t.Fatalf("empty apply: %v", err)
	}
	n, err := e.db.Max(ctx, backend.UserActionsTable, "Id", backend.Filter{})
	if err != nil {
		t.Fatalf("count actions: %v", err)
	}
	if n != 0 {
		t.Fatal("empty batch must write nothing")
	}
	if cs.consumed {
		t.Fatal("empty batch must not consume the container")
	}
}

func TestDeletionGuard(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()
	custID := insertCustomer(t, e, "ACME")

	cs := e.NewChangeSet()
	o, _ := cs.Insert("Order")
	o.SetField("Customer", custID)
	mustApply(t, e, cs, false)
	orderID := o.ID()

	t.Run("blocked by surviving referrer", func(t *testing.T) {
		del := e.NewChangeSet()
		del.Delete("Customer", custID)
		_, err := e.Apply(ctx, del, false)
		if !errors.IsCannotDelete(err) {
			t.Fatalf("err = %v, want cannot delete", err)
		}
	})

	t.Run("allowed when referrer dies in the same batch", func(t *testing.T) {
		del := e.NewChangeSet()
		del.Delete("Customer", custID)
		del.Delete("Order", orderID)
		mustApply(t, e, del, false)

		row, err := e.db.GetValues(ctx, "Customers", custID, []string{"Deleted", "Version"})
		if err != nil {
			t.Fatalf("read back: %v", err)
		}
		if row["Deleted"] != int64(1) || row["Version"] != int64(2) {
			t.Fatalf("customer row = %v", row)
		}
	})
}

func TestDeletionGuardSeesPendingReferrers(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()
	custID := insertCustomer(t, e, "ACME")

	// The new order only exists in the batch, but it would survive the
	// customer it references.
	cs := e.NewChangeSet()
	o, _ := cs.Insert("Order")
	o.SetField("Customer", custID)
	cs.Delete("Customer", custID)
	_, err := e.Apply(ctx, cs, false)
	if !errors.IsCannotDelete(err) {
		t.Fatalf("err = %v, want cannot delete", err)
	}
}

func TestReferentialValidationRejectsAndRestores(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()

	cs := e.NewChangeSet()
	o, _ := cs.Insert("Order")
	o.SetField("Customer", int64(999))
	placeholder := o.ID()

	_, err := e.Apply(ctx, cs, false)
	if !errors.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}

	// Nothing committed, container restored for retry.
	ids, _ := e.db.FindIDs(ctx, "Orders", backend.Filter{})
	if len(ids) != 0 {
		t.Fatalf("rows committed despite failure: %v", ids)
	}
	if o.ID() != placeholder {
		t.Fatalf("id = %d, want restored placeholder %d", o.ID(), placeholder)
	}
	if cs.consumed {
		t.Fatal("failed apply must leave the container reusable")
	}

	// Fixing the reference makes the same container apply cleanly.
	custID := insertCustomer(t, e, "ACME")
	o.SetField("Customer", custID)
	mustApply(t, e, cs, false)
	if o.ID() <= 0 {
		t.Fatalf("id = %d after retry", o.ID())
	}
}

func TestVariableReferenceValidation(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()
	custID := insertCustomer(t, e, "ACME")
	customer, _ := e.Registry().Type("Customer")
	warehouse, _ := e.Registry().Type("Warehouse")

	newAttachment := func(typeID, ownerID int64) *ChangeSet {
		cs := e.NewChangeSet()
		a, _ := cs.Insert("Attachment")
		a.SetField("Label", "note")
		a.SetField("OwnerType", typeID)
		a.SetField("OwnerId", ownerID)
		return cs
	}

	t.Run("live target accepted", func(t *testing.T) {
		mustApply(t, e, newAttachment(customer.ID, custID), false)
	})

	t.Run("type off the allow-list", func(t *testing.T) {
		if _, err := e.Apply(ctx, newAttachment(warehouse.ID, int64(1)), false); !errors.IsValidation(err) {
			t.Fatalf("err = %v, want validation", err)
		}
	})

	t.Run("dangling target", func(t *testing.T) {
		if _, err := e.Apply(ctx, newAttachment(customer.ID, int64(999)), false); !errors.IsValidation(err) {
			t.Fatalf("err = %v, want validation", err)
		}
	})

	t.Run("id without type", func(t *testing.T) {
		cs := e.NewChangeSet()
		a, _ := cs.Insert("Attachment")
		a.SetField("OwnerId", custID)
		if _, err := e.Apply(ctx, cs, false); !errors.IsValidation(err) {
			t.Fatalf("err = %v, want validation", err)
		}
	})
}

func TestEditVariableReferenceHalf(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()
	custA := insertCustomer(t, e, "A")
	custB := insertCustomer(t, e, "B")
	customer, _ := e.Registry().Type("Customer")

	cs := e.NewChangeSet()
	att, _ := cs.Insert("Attachment")
	att.SetField("OwnerType", customer.ID)
	att.SetField("OwnerId", custA)
	mustApply(t, e, cs, false)
	attID := att.ID()

	// Retargeting only the id half keeps the persisted type half.
	cs2 := e.NewChangeSet()
	a2, _ := cs2.Edit("Attachment", attID)
	a2.SetField("OwnerId", custB)
	mustApply(t, e, cs2, false)

	row, err := e.db.GetValues(ctx, "Attachments", attID, []string{"OwnerType", "OwnerId"})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if row["OwnerType"] != customer.ID || row["OwnerId"] != custB {
		t.Fatalf("row = %v, want owner (%d, %d)", row, customer.ID, custB)
	}

	// The persisted type half still validates a retargeted id half.
	cs3 := e.NewChangeSet()
	a3, _ := cs3.Edit("Attachment", attID)
	a3.SetField("OwnerId", int64(999))
	if _, err := e.Apply(ctx, cs3, false); !errors.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestHardDeleteClearsNullableRefs(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()
	custID := insertCustomer(t, e, "ACME")

	cs := e.NewChangeSet()
	w, _ := cs.Insert("Warehouse")
	w.SetField("Location", "north")
	o, _ := cs.Insert("Order")
	o.SetField("Customer", custID)
	o.SetField("Warehouse", w.ID())
	mustApply(t, e, cs, false)

	// A live order blocks the delete.
	del := e.NewChangeSet()
	del.Delete("Warehouse", w.ID())
	if _, err := e.Apply(ctx, del, false); !errors.IsCannotDelete(err) {
		t.Fatalf("err = %v, want cannot delete", err)
	}

	// A soft-deleted referrer no longer blocks, but its dangling
	// nullable reference must be cleared.
	soft := e.NewChangeSet()
	soft.Delete("Order", o.ID())
	mustApply(t, e, soft, false)

	del2 := e.NewChangeSet()
	del2.Delete("Warehouse", w.ID())
	mustApply(t, e, del2, false)

	if _, err := e.db.GetValues(ctx, "Warehouses", w.ID(), []string{"Location"}); err != backend.ErrNotFound {
		t.Fatalf("hard-deleted row still present, err = %v", err)
	}
	row, err := e.db.GetValues(ctx, "Orders", o.ID(), []string{"Warehouse"})
	if err != nil {
		t.Fatalf("read order: %v", err)
	}
	if row["Warehouse"] != nil {
		t.Fatalf("dangling reference not cleared: %v", row["Warehouse"])
	}

	// The deleted row's final content survives in the history store.
	rows, err := e.db.Query(ctx, "WarehousesHistory", []string{"Location"},
		backend.Where(backend.Eq("Id", w.ID())), "")
	if err != nil || len(rows) != 1 || rows[0]["Location"] != "north" {
		t.Fatalf("history rows = %v, err = %v", rows, err)
	}
}

func TestLongLockBlocksApply(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()
	custID := insertCustomer(t, e, "ACME")

	guid, err := e.AddLongLock([]DocRef{{Type: "Customer", ID: custID}})
	if err != nil {
		t.Fatalf("add long lock: %v", err)
	}

	cs := e.NewChangeSet()
	c, _ := cs.Edit("Customer", custID)
	c.SetField("Name", "other")
	if _, err := e.Apply(ctx, cs, false); !errors.IsLockConflict(err) {
		t.Fatalf("err = %v, want lock conflict", err)
	}

	// The owner session ignores its own lock.
	cs.IgnoreLongLock(guid)
	mustApply(t, e, cs, false)

	if !e.RemoveLongLock(guid) {
		t.Fatal("remove must report true")
	}
	if e.RemoveLongLock(guid) {
		t.Fatal("second remove must report false")
	}
}

func TestApplyReload(t *testing.T) {
	e := newTestEngine(t, Options{})
	custID := insertCustomer(t, e, "ACME")

	cs := e.NewChangeSet()
	c, _ := cs.Edit("Customer", custID)
	c.SetField("Name", "Reloaded")
	d, _ := cs.Delete("Customer", insertCustomer(t, e, "Doomed"))

	mustApply(t, e, cs, true)

	if c.State() != StateView {
		t.Fatalf("state = %s, want view after reload", c.State())
	}
	name, _ := c.Field("Name")
	if name != "Reloaded" {
		t.Fatalf("Name = %v", name)
	}
	if c.Version() != 2 {
		t.Fatalf("version = %d, want 2", c.Version())
	}
	if _, still := cs.Get("Customer", d.ID()); still {
		t.Fatal("deleted document must drop out of the reloaded container")
	}
	if cs.consumed {
		t.Fatal("reloaded container must stay usable")
	}
}

func TestUserActionTimeBounds(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()
	stamp := time.Date(2026, 7, 1, 15, 4, 5, 0, time.UTC)
	e.nowFn = func() time.Time { return stamp }
	insertCustomer(t, e, "ACME")

	// A whole-second stamp falls inside a sub-second upper bound.
	actions, err := e.GetUserActions(ctx, time.Time{}, stamp.Add(500*time.Millisecond), "", "")
	if err != nil {
		t.Fatalf("actions: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %v, want the action stamped at %v", actions, stamp)
	}
	if !actions[0].ActionTime.Equal(stamp) {
		t.Fatalf("action time = %v, want %v", actions[0].ActionTime, stamp)
	}

	// And outside a sub-second lower bound just past it.
	actions, err = e.GetUserActions(ctx, stamp.Add(250*time.Millisecond), time.Time{}, "", "")
	if err != nil {
		t.Fatalf("actions: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("actions = %v, want none past the stamp", actions)
	}
}

type recordingBlobs struct {
	binaries map[uint32]int64
	next     int64
	appends  int
}

func (b *recordingBlobs) AppendBinary(_ context.Context, data []byte, checksum uint32) (int64, error) {
	b.next++
	b.binaries[checksum] = b.next
	b.appends++
	return b.next, nil
}

func (b *recordingBlobs) FindBinaryByChecksum(_ context.Context, checksum uint32) (int64, error) {
	return b.binaries[checksum], nil
}

func (b *recordingBlobs) AppendFile(ctx context.Context, _ string, data []byte, checksum uint32) (int64, error) {
	return b.AppendBinary(ctx, data, checksum)
}

func (b *recordingBlobs) FindFileByChecksum(_ context.Context, _ string, checksum uint32) (int64, error) {
	return b.binaries[checksum], nil
}

func TestBlobStaging(t *testing.T) {
	blobs := &recordingBlobs{binaries: make(map[uint32]int64)}
	e := newTestEngine(t, Options{Blobs: blobs})

	cs := e.NewChangeSet()
	a1, _ := cs.Insert("Attachment")
	a1.SetField("Label", "first")
	a1.SetField("Data", []byte("payload"))
	a2, _ := cs.Insert("Attachment")
	a2.SetField("Label", "second")
	a2.SetField("Data", []byte("payload")) // same content dedupes
	mustApply(t, e, cs, false)

	if blobs.appends != 1 {
		t.Fatalf("appends = %d, want 1 (checksum dedupe)", blobs.appends)
	}
	v1, _ := a1.Field("Data")
	v2, _ := a2.Field("Data")
	if v1 != int64(1) || v2 != int64(1) {
		t.Fatalf("staged blob ids = %v, %v, want both 1", v1, v2)
	}
}

func TestBlobWithoutStoreRejected(t *testing.T) {
	e := newTestEngine(t, Options{})
	cs := e.NewChangeSet()
	a, _ := cs.Insert("Attachment")
	a.SetField("Data", []byte("payload"))
	if _, err := e.Apply(context.Background(), cs, false); !errors.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

type denyAll struct{}

func (denyAll) CanApply(context.Context, string, int64, DocState) (bool, error) {
	return false, nil
}
func (denyAll) CanReadHistory(context.Context, string, int64) (bool, error) {
	return false, nil
}

func TestPermissionDenied(t *testing.T) {
	e := newTestEngine(t, Options{Permissions: denyAll{}})
	ctx := context.Background()

	cs := e.NewChangeSet()
	c, _ := cs.Insert("Customer")
	c.SetField("Name", "x")
	if _, err := e.Apply(ctx, cs, false); !errors.IsPermission(err) {
		t.Fatalf("apply err = %v, want permission", err)
	}
	if _, err := e.GetHistory(ctx, "Customer", 1); !errors.IsPermission(err) {
		t.Fatalf("history err = %v, want permission", err)
	}
}

func TestSerialEngineRejectsOverlap(t *testing.T) {
	e := newTestEngine(t, Options{})
	s := NewSerialEngine(e)

	s.busy.Store(true)
	if _, err := s.Apply(context.Background(), s.NewChangeSet(), false); err != errors.ErrBusy {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	s.busy.Store(false)

	if _, err := s.Apply(context.Background(), s.NewChangeSet(), false); err != nil {
		t.Fatalf("idle serial apply: %v", err)
	}
}

func TestClosedEngine(t *testing.T) {
	e := newTestEngine(t, Options{})
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := e.Apply(context.Background(), e.NewChangeSet(), false); err != errors.ErrEngineClosed {
		t.Fatalf("err = %v, want ErrEngineClosed", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
}
