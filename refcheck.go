package reldoc

import (
	"context"
	"fmt"
	"sort"

	"github.com/kartikbazzad/reldoc/internal/backend"
	"github.com/kartikbazzad/reldoc/internal/errors"
	"github.com/kartikbazzad/reldoc/internal/schema"
)

// refOrigin remembers the first batch row that wants a given target,
// so a failed lookup can name the offending reference.
type refOrigin struct {
	ref    DocRef
	sub    string
	subID  int64
	column string
}

func (o refOrigin) String() string {
	if o.sub == "" {
		return fmt.Sprintf("%s column %q", o.ref, o.column)
	}
	return fmt.Sprintf("%s/%s(%d) column %q", o.ref, o.sub, o.subID, o.column)
}

// validateReferences confirms every reference written by this batch
// resolves to a live target. Two passes: the first walks the batch and
// resolves what it can in memory, collecting the rest per master type;
// the second issues one batched existence query per master type. Runs
// after id rewriting and after the write phase, inside the Apply
// transaction, so self-referencing edits see their own final values
// and a violation aborts the whole batch.
func (a *applyCtx) validateReferences(ctx context.Context) error {
	pending := make(map[string]map[int64]refOrigin)

	want := func(targetType string, id int64, origin refOrigin) {
		ids, ok := pending[targetType]
		if !ok {
			ids = make(map[int64]refOrigin)
			pending[targetType] = ids
		}
		if _, seen := ids[id]; !seen {
			ids[id] = origin
		}
	}

	err := a.cs.eachDoc(func(d *Document) error {
		if !d.state.mutated() || d.state == StateDelete {
			return nil
		}
		origin := func(column string) refOrigin {
			return refOrigin{ref: d.Ref(), column: column}
		}
		err := a.checkRefFields(d.fields, a.originals[d.Ref()], d.dirty,
			d.state == StateInsert, d.docType.Columns, d.docType.VarRefs, origin, want)
		if err != nil {
			return err
		}
		return d.eachSub(func(s *SubDocument) error {
			if s.state == StateDelete {
				return nil
			}
			origin := func(column string) refOrigin {
				return refOrigin{ref: d.Ref(), sub: s.subType.Name, subID: s.id, column: column}
			}
			return a.checkRefFields(s.fields, a.subOriginals[subKey{s.subType.Table, s.id}],
				s.dirty, s.state == StateInsert, s.subType.Columns, s.subType.VarRefs, origin, want)
		})
	})
	if err != nil {
		return err
	}
	return a.queryPendingTargets(ctx, pending)
}

// checkRefFields resolves the reference columns of one row in memory.
// For inserts every reference column is checked; for edits only the
// columns this batch touched (untouched columns were validated when
// they were last written). A variable reference is checked as a pair:
// when an edit touches only one half, the other half comes from the
// loaded original row.
func (a *applyCtx) checkRefFields(
	fields backend.Row,
	original backend.Row,
	dirty map[string]struct{},
	insert bool,
	cols []schema.Column,
	varRefs []schema.VarRef,
	origin func(column string) refOrigin,
	want func(targetType string, id int64, o refOrigin),
) error {
	varCols := make(map[string]bool)
	for _, vr := range varRefs {
		varCols[vr.TableIDColumn] = true
		varCols[vr.DocIDColumn] = true
	}
	value := func(name string) any {
		if v, ok := fields[name]; ok {
			return v
		}
		return original[name]
	}

	for i := range cols {
		c := &cols[i]
		if c.MasterType == "" || varCols[c.Name] {
			continue
		}
		if !insert {
			if _, touched := dirty[c.Name]; !touched {
				continue
			}
		}
		if err := a.checkOneRef(c.MasterType, fields[c.Name], c.Nullable, origin(c.Name), want); err != nil {
			return err
		}
	}

	for _, vr := range varRefs {
		_, tidTouched := dirty[vr.TableIDColumn]
		_, idTouched := dirty[vr.DocIDColumn]
		if !insert && !tidTouched && !idTouched {
			continue
		}
		idCol, _ := columnIn(cols, vr.DocIDColumn)
		nullable := idCol == nil || idCol.Nullable

		idVal := value(vr.DocIDColumn)
		id, _ := asInt64(idVal)
		if idVal == nil || id == 0 {
			if !nullable {
				o := origin(vr.DocIDColumn)
				return a.refError(o, "required reference is empty")
			}
			continue
		}
		tid, ok := asInt64(value(vr.TableIDColumn))
		if !ok || tid == 0 {
			o := origin(vr.TableIDColumn)
			return a.refError(o, "variable reference has a target id but no target type")
		}
		target, known := a.e.reg.TypeByID(tid)
		if !known {
			o := origin(vr.TableIDColumn)
			return a.refError(o, fmt.Sprintf("unknown document type id %d", tid))
		}
		allowed := false
		for _, name := range vr.Allowed {
			if name == target.Name {
				allowed = true
				break
			}
		}
		if !allowed {
			o := origin(vr.TableIDColumn)
			return a.refError(o, fmt.Sprintf("type %s is not on the reference allow-list", target.Name))
		}
		if err := a.checkOneRef(target.Name, idVal, nullable, origin(vr.DocIDColumn), want); err != nil {
			return err
		}
	}
	return nil
}

func (a *applyCtx) checkOneRef(
	targetType string,
	value any,
	nullable bool,
	o refOrigin,
	want func(targetType string, id int64, o refOrigin),
) error {
	id, isInt := asInt64(value)
	if value == nil || (isInt && id == 0) {
		if !nullable {
			return a.refError(o, "required reference is empty")
		}
		return nil
	}
	if !isInt {
		return a.refError(o, fmt.Sprintf("reference value %v is not an id", value))
	}
	if id < 0 {
		return a.refError(o, fmt.Sprintf("placeholder id %d was never resolved; the referenced row is not part of this batch", id))
	}
	if target, ok := a.cs.Get(targetType, id); ok {
		switch target.state {
		case StateInsert, StateEdit:
			return nil // written by this batch, live by construction
		case StateDelete:
			return a.refError(o, fmt.Sprintf("references %s which this batch deletes", target.Ref()))
		}
	}
	want(targetType, id, o)
	return nil
}

// queryPendingTargets is pass two: one existence query per master
// table for the ids pass one could not resolve in memory.
func (a *applyCtx) queryPendingTargets(ctx context.Context, pending map[string]map[int64]refOrigin) error {
	types := make([]string, 0, len(pending))
	for name := range pending {
		types = append(types, name)
	}
	sort.Strings(types)

	for _, name := range types {
		t, ok := a.e.reg.Type(name)
		if !ok {
			return errors.Inconsistencyf("reference to unregistered type %q", name)
		}
		wanted := pending[name]
		ids := make([]int64, 0, len(wanted))
		for id := range wanted {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		conds := []backend.Cond{backend.InIDs(schema.ColID, ids)}
		if t.SoftDelete {
			conds = append(conds, backend.Eq(schema.ColDeleted, false))
		}
		found, err := a.tx.FindIDs(ctx, t.Table, backend.Where(conds...))
		if err != nil {
			return errors.Backend("validate references", err)
		}
		live := make(map[int64]struct{}, len(found))
		for _, id := range found {
			live[id] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := live[id]; !ok {
				o := wanted[id]
				return a.refError(o, fmt.Sprintf("references %s(%d) which does not exist or is deleted", name, id))
			}
		}
	}
	return nil
}

func (a *applyCtx) refError(o refOrigin, msg string) error {
	return &errors.Error{
		Kind:    errors.KindValidation,
		DocType: o.ref.Type,
		DocID:   o.ref.ID,
		Msg:     fmt.Sprintf("%s: %s", o, msg),
	}
}

func columnIn(cols []schema.Column, name string) (*schema.Column, bool) {
	for i := range cols {
		if cols[i].Name == name {
			return &cols[i], true
		}
	}
	return nil, false
}
