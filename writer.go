package reldoc

import (
	"context"
	stderrors "errors"
	"sort"

	"github.com/kartikbazzad/reldoc/internal/backend"
	"github.com/kartikbazzad/reldoc/internal/errors"
	"github.com/kartikbazzad/reldoc/internal/schema"
)

type subKey struct {
	table string
	id    int64
}

// mainColumns lists everything loadOriginals reads from a main row:
// engine bookkeeping plus every user column, so edit deltas compare
// against the backend's current values.
func mainColumns(t *schema.DocType) []string {
	cols := []string{
		schema.ColVersion, schema.ColVersion2,
		schema.ColCreateUser, schema.ColCreateTime,
		schema.ColChangeUser, schema.ColChangeTime,
	}
	if t.SoftDelete {
		cols = append(cols, schema.ColDeleted)
	}
	for _, c := range t.Columns {
		cols = append(cols, c.Name)
	}
	return cols
}

func subColumns(s *schema.SubDocType) []string {
	cols := []string{schema.ColDocID, schema.ColDeleted, schema.ColStartVersion, schema.ColVersion2}
	for _, c := range s.Columns {
		cols = append(cols, c.Name)
	}
	return cols
}

// loadOriginals reads the backend's current row for every persisted
// instance the batch will touch. Runs inside the Apply transaction,
// after short locks, so deltas and archives see a consistent snapshot.
// An Insert instance that already has a permanent id and a live row is
// a container re-apply; its original marks it for the edit path.
func (a *applyCtx) loadOriginals(ctx context.Context) error {
	return a.cs.eachDoc(func(d *Document) error {
		if !d.state.mutated() || d.id < 0 {
			return nil
		}
		row, err := a.tx.GetValues(ctx, d.docType.Table, d.id, mainColumns(d.docType))
		if err != nil {
			if stderrors.Is(err, backend.ErrNotFound) {
				if d.state == StateInsert {
					return nil // first insert under a caller-chosen id
				}
				return errors.Validationf("%s does not exist", d.Ref())
			}
			return errors.Backend("load original row", err)
		}
		a.originals[d.Ref()] = row

		return d.eachSub(func(s *SubDocument) error {
			if s.id < 0 || !s.state.mutated() {
				return nil
			}
			sub, err := a.tx.GetValues(ctx, s.subType.Table, s.id, subColumns(s.subType))
			if err != nil {
				if stderrors.Is(err, backend.ErrNotFound) {
					if s.state == StateInsert {
						return nil
					}
					return errors.Validationf("%s: sub-document %s(%d) does not exist",
						d.Ref(), s.subType.Name, s.id)
				}
				return errors.Backend("load original sub row", err)
			}
			owner, _ := asInt64(sub[schema.ColDocID])
			if owner != d.id {
				return errors.Validationf("%s: sub-document %s(%d) belongs to %s(%d)",
					d.Ref(), s.subType.Name, s.id, d.docType.Name, owner)
			}
			a.subOriginals[subKey{s.subType.Table, s.id}] = sub
			return nil
		})
	})
}

// writeAll runs the per-document state machine over the whole batch.
func (a *applyCtx) writeAll(ctx context.Context) error {
	return a.cs.eachDoc(func(d *Document) error {
		if !d.state.mutated() || d.deletedPlaceholder() {
			return nil
		}
		switch d.state {
		case StateInsert:
			if _, persisted := a.originals[d.Ref()]; persisted {
				return a.writeEdit(ctx, d)
			}
			return a.writeInsert(ctx, d)
		case StateEdit:
			return a.writeEdit(ctx, d)
		case StateDelete:
			if d.docType.SoftDelete {
				return a.writeSoftDelete(ctx, d)
			}
			return a.writeHardDelete(ctx, d)
		}
		return nil
	})
}

func (a *applyCtx) writeInsert(ctx context.Context, d *Document) error {
	v, err := a.nextVersion(ctx, d.docType, d.Ref(), true)
	if err != nil {
		return err
	}
	now := a.e.now()
	row := backend.Row{
		schema.ColID:         d.id,
		schema.ColVersion:    v,
		schema.ColVersion2:   v,
		schema.ColCreateUser: a.e.cfg.Engine.UserID,
		schema.ColCreateTime: now,
		schema.ColChangeUser: a.e.cfg.Engine.UserID,
		schema.ColChangeTime: now,
	}
	if d.docType.SoftDelete {
		row[schema.ColDeleted] = false
	}
	for name, val := range d.fields {
		row[name] = val
	}
	if err := a.tx.Insert(ctx, d.docType.Table, row); err != nil {
		return errors.Backend("insert row", err)
	}
	d.version = v
	a.e.metrics.DocsWritten.WithLabelValues("insert").Inc()
	a.touch(d.docType.Table, d.id)
	if err := a.recordAction(ctx, d.docType, d.id, v, ActionInsert); err != nil {
		return err
	}
	return a.writeSubs(ctx, d, v)
}

func (a *applyCtx) writeEdit(ctx context.Context, d *Document) error {
	current, ok := a.originals[d.Ref()]
	if !ok {
		return errors.Inconsistencyf("%s: no original row loaded for edit", d.Ref())
	}
	delta := columnDelta(d.fields, d.dirty, current)

	// Another session may have soft-deleted the row between the
	// caller's load and this Apply; saving an edit always revives it.
	undelete := false
	if d.docType.SoftDelete {
		if del, _ := asInt64(backendBool(current[schema.ColDeleted])); del != 0 {
			undelete = true
		}
	}
	subWork := a.subsWillWrite(d)

	if len(delta) == 0 && !undelete && !subWork && !a.e.cfg.Engine.WriteUnchanged {
		curV, _ := asInt64(current[schema.ColVersion])
		d.version = curV
		return nil
	}

	v, err := a.nextVersion(ctx, d.docType, d.Ref(), false)
	if err != nil {
		return err
	}
	update := backend.Row{
		schema.ColVersion:    v,
		schema.ColChangeUser: a.e.cfg.Engine.UserID,
		schema.ColChangeTime: a.e.now(),
	}
	if len(delta) > 0 {
		// Content changes: the outgoing content gets its snapshot and
		// the live window restarts at v.
		if err := a.archiveMain(ctx, d.docType, d.id, v, current); err != nil {
			return err
		}
		update[schema.ColVersion2] = v
		for name, val := range delta {
			update[name] = val
		}
	}
	if undelete {
		update[schema.ColDeleted] = false
	}
	if err := a.tx.SetValues(ctx, d.docType.Table, d.id, update); err != nil {
		return errors.Backend("update row", err)
	}
	d.version = v
	a.e.metrics.DocsWritten.WithLabelValues("edit").Inc()
	a.touch(d.docType.Table, d.id)
	if err := a.recordAction(ctx, d.docType, d.id, v, ActionEdit); err != nil {
		return err
	}
	return a.writeSubs(ctx, d, v)
}

func (a *applyCtx) writeSoftDelete(ctx context.Context, d *Document) error {
	if _, ok := a.originals[d.Ref()]; !ok {
		return errors.Inconsistencyf("%s: no original row loaded for delete", d.Ref())
	}
	v, err := a.nextVersion(ctx, d.docType, d.Ref(), false)
	if err != nil {
		return err
	}
	// Content is unchanged; no snapshot. Sub-documents keep their rows.
	update := backend.Row{
		schema.ColDeleted:    true,
		schema.ColVersion:    v,
		schema.ColChangeUser: a.e.cfg.Engine.UserID,
		schema.ColChangeTime: a.e.now(),
	}
	if err := a.tx.SetValues(ctx, d.docType.Table, d.id, update); err != nil {
		return errors.Backend("soft-delete row", err)
	}
	d.version = v
	a.e.metrics.DocsWritten.WithLabelValues("delete").Inc()
	a.touch(d.docType.Table, d.id)
	return a.recordAction(ctx, d.docType, d.id, v, ActionDelete)
}

func (a *applyCtx) writeHardDelete(ctx context.Context, d *Document) error {
	current, ok := a.originals[d.Ref()]
	if !ok {
		return errors.Inconsistencyf("%s: no original row loaded for delete", d.Ref())
	}
	v, err := a.nextVersion(ctx, d.docType, d.Ref(), false)
	if err != nil {
		return err
	}
	// The row disappears from the live table; its final content lives
	// on in the history store.
	if err := a.archiveMain(ctx, d.docType, d.id, v, current); err != nil {
		return err
	}
	if err := a.clearNullableRefs(ctx, d); err != nil {
		return err
	}
	for _, st := range d.docType.SubDocs {
		rows, err := a.tx.Query(ctx, st.Table, subColumns(st),
			backend.Where(backend.Eq(schema.ColDocID, d.id)), schema.ColID)
		if err != nil {
			return errors.Backend("load sub rows for delete", err)
		}
		for _, row := range rows {
			subID, _ := asInt64(row[schema.ColID])
			if err := a.archiveSub(ctx, st, subID, v, row); err != nil {
				return err
			}
		}
		err = a.tx.Delete(ctx, st.Table, backend.Where(backend.Eq(schema.ColDocID, d.id)))
		if err != nil {
			return errors.Backend("delete sub rows", err)
		}
	}
	err = a.tx.Delete(ctx, d.docType.Table, backend.Where(backend.Eq(schema.ColID, d.id)))
	if err != nil {
		return errors.Backend("delete row", err)
	}
	d.version = v
	a.e.metrics.DocsWritten.WithLabelValues("delete").Inc()
	a.touch(d.docType.Table, d.id)
	return a.recordAction(ctx, d.docType, d.id, v, ActionDelete)
}

// clearNullableRefs nulls out every nullable reference still pointing
// at a row about to be hard-deleted. Referencing tables whose incoming
// references to this type are all nullable are cleared before tables
// that also carry non-nullable ones; ties break by table name. The
// deletion guard has already proven the non-nullable referrers are
// either gone or going in this batch.
func (a *applyCtx) clearNullableRefs(ctx context.Context, d *Document) error {
	refs := a.e.reg.RefsTo(d.docType.Name)

	hasNonNullable := make(map[string]bool)
	for _, r := range refs {
		if !r.Nullable {
			hasNonNullable[r.Table] = true
		}
	}
	ordered := make([]schema.BackRef, 0, len(refs))
	for _, r := range refs {
		if r.Nullable {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, tj := ordered[i].Table, ordered[j].Table
		if hasNonNullable[ti] != hasNonNullable[tj] {
			return !hasNonNullable[ti]
		}
		return ti < tj
	})

	for _, r := range ordered {
		f := backend.Where(backend.Eq(r.Column, d.id))
		if r.TableIDColumn != "" {
			f = backend.Where(backend.Eq(r.Column, d.id), backend.Eq(r.TableIDColumn, d.docType.ID))
		}
		ids, err := a.tx.FindIDs(ctx, r.Table, f)
		if err != nil {
			return errors.Backend("find referencing rows", err)
		}
		for _, id := range ids {
			clear := backend.Row{r.Column: nil}
			if r.TableIDColumn != "" {
				clear[r.TableIDColumn] = nil
			}
			if err := a.tx.SetValues(ctx, r.Table, id, clear); err != nil {
				return errors.Backend("clear reference", err)
			}
			a.touch(r.Table, id)
		}
	}
	return nil
}

// writeSubs mirrors the Insert/Edit/Delete handling for the pending sub
// rows of one document, at the document's new version v.
func (a *applyCtx) writeSubs(ctx context.Context, d *Document, v int64) error {
	return d.eachSub(func(s *SubDocument) error {
		if !s.state.mutated() || s.deletedPlaceholder() {
			return nil
		}
		current, persisted := a.subOriginals[subKey{s.subType.Table, s.id}]
		switch {
		case s.state == StateInsert && !persisted:
			row := backend.Row{
				schema.ColID:           s.id,
				schema.ColDocID:        d.id,
				schema.ColDeleted:      false,
				schema.ColStartVersion: v,
				schema.ColVersion2:     int64(0),
			}
			for name, val := range s.fields {
				row[name] = val
			}
			if err := a.tx.Insert(ctx, s.subType.Table, row); err != nil {
				return errors.Backend("insert sub row", err)
			}
			a.touch(s.subType.Table, s.id)

		case s.state == StateDelete:
			if !persisted {
				return errors.Inconsistencyf("%s: no original sub row loaded for delete of %s(%d)",
					d.Ref(), s.subType.Name, s.id)
			}
			// Content is unchanged; StartVersion marks the deletion
			// version so historical reads before it still see the row.
			update := backend.Row{
				schema.ColDeleted:      true,
				schema.ColStartVersion: v,
			}
			if err := a.tx.SetValues(ctx, s.subType.Table, s.id, update); err != nil {
				return errors.Backend("delete sub row", err)
			}
			a.touch(s.subType.Table, s.id)

		default: // Edit, or Insert re-applied over its persisted row
			if !persisted {
				return errors.Inconsistencyf("%s: no original sub row loaded for edit of %s(%d)",
					d.Ref(), s.subType.Name, s.id)
			}
			delta := columnDelta(s.fields, s.dirty, current)
			undelete := false
			if del, _ := asInt64(backendBool(current[schema.ColDeleted])); del != 0 {
				undelete = true
			}
			if len(delta) == 0 && !undelete {
				return nil
			}
			if len(delta) > 0 {
				if err := a.archiveSub(ctx, s.subType, s.id, v, current); err != nil {
					return err
				}
			}
			update := backend.Row{schema.ColStartVersion: v}
			if undelete {
				update[schema.ColDeleted] = false
			}
			for name, val := range delta {
				update[name] = val
			}
			if err := a.tx.SetValues(ctx, s.subType.Table, s.id, update); err != nil {
				return errors.Backend("update sub row", err)
			}
			a.touch(s.subType.Table, s.id)
		}
		return nil
	})
}

// subsWillWrite reports whether any pending sub row of d will actually
// reach the backend, so an otherwise-unchanged edit still gets its
// version bump.
func (a *applyCtx) subsWillWrite(d *Document) bool {
	will := false
	d.eachSub(func(s *SubDocument) error {
		if will || s.deletedPlaceholder() || !s.state.mutated() {
			return nil
		}
		current, persisted := a.subOriginals[subKey{s.subType.Table, s.id}]
		switch {
		case s.state == StateInsert && !persisted:
			will = true
		case s.state == StateDelete:
			will = true
		default:
			if !persisted {
				will = true // surfaces as an error in writeSubs
				return nil
			}
			if len(columnDelta(s.fields, s.dirty, current)) > 0 {
				will = true
			}
			if del, _ := asInt64(backendBool(current[schema.ColDeleted])); del != 0 {
				will = true
			}
		}
		return nil
	})
	return will
}

// columnDelta keeps the dirty columns whose staged value differs from
// the backend's current value.
func columnDelta(fields backend.Row, dirty map[string]struct{}, current backend.Row) backend.Row {
	delta := make(backend.Row)
	for name := range dirty {
		if !backend.Equal(fields[name], current[name]) {
			delta[name] = fields[name]
		}
	}
	return delta
}

// backendBool maps a stored flag (int64 0/1 from SQLite, or a bool)
// onto an integer for asInt64.
func backendBool(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

// touch records a written row for post-commit cache invalidation.
func (a *applyCtx) touch(table string, id int64) {
	a.touched[table] = append(a.touched[table], id)
}
