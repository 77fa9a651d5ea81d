package reldoc

import (
	"context"

	"github.com/kartikbazzad/reldoc/internal/backend"
	"github.com/kartikbazzad/reldoc/internal/errors"
	"github.com/kartikbazzad/reldoc/internal/schema"
)

// checkDeletions proves, for every document scheduled for deletion,
// that no surviving row still references it. Runs after short locks
// and before the write phase, inside the Apply transaction, so the
// check reflects the snapshot the writes will see.
//
// A referencing row does not block when it is itself deleted in this
// batch, when its owning document is deleted in this batch (sub-table
// referrers), or when it is already soft-deleted in the backend.
// Only main documents can be reference targets; sub rows are reachable
// through their owner alone.
func (a *applyCtx) checkDeletions(ctx context.Context) error {
	deleted := make(map[DocRef]struct{})
	a.cs.eachDoc(func(d *Document) error {
		if d.state == StateDelete && d.id > 0 {
			deleted[d.Ref()] = struct{}{}
		}
		return nil
	})
	if len(deleted) == 0 {
		return nil
	}

	return a.cs.eachDoc(func(d *Document) error {
		if d.state != StateDelete || d.id < 0 {
			return nil
		}
		for _, ref := range a.e.reg.RefsTo(d.docType.Name) {
			if err := a.checkBatchReferrers(d, ref, deleted); err != nil {
				return err
			}
			if err := a.checkBackendReferrers(ctx, d, ref, deleted); err != nil {
				return err
			}
		}
		return nil
	})
}

// checkBatchReferrers scans the container itself: a pending insert or
// edit pointing its reference at the delete target blocks the delete
// even though the backend has not seen the value yet.
func (a *applyCtx) checkBatchReferrers(target *Document, ref schema.BackRef, deleted map[DocRef]struct{}) error {
	set, ok := a.cs.sets[ref.DocType]
	if !ok {
		return nil
	}
	blocks := func(owner *Document, fields backend.Row) bool {
		v, ok := asInt64(fields[ref.Column])
		if !ok || v != target.id {
			return false
		}
		if ref.TableIDColumn != "" {
			if t, _ := asInt64(fields[ref.TableIDColumn]); t != target.docType.ID {
				return false
			}
		}
		_, ownerDeleted := deleted[owner.Ref()]
		return !ownerDeleted
	}
	for _, doc := range set.Docs() {
		if !doc.state.mutated() || doc.state == StateDelete {
			continue
		}
		if ref.SubDoc == "" {
			if blocks(doc, doc.fields) {
				return errors.CannotDeletef(target.docType.Name, target.id,
					"referenced by pending %s via %s.%s", doc.Ref(), ref.Table, ref.Column)
			}
			continue
		}
		err := doc.eachSub(func(s *SubDocument) error {
			if s.subType.Name != ref.SubDoc || s.state == StateDelete {
				return nil
			}
			if blocks(doc, s.fields) {
				return errors.CannotDeletef(target.docType.Name, target.id,
					"referenced by pending %s/%s(%d) via %s.%s",
					doc.Ref(), s.subType.Name, s.id, ref.Table, ref.Column)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// checkBackendReferrers issues one query per referencing (table,
// column) and filters the hits against the batch's deletions.
func (a *applyCtx) checkBackendReferrers(ctx context.Context, target *Document, ref schema.BackRef, deleted map[DocRef]struct{}) error {
	conds := []backend.Cond{backend.Eq(ref.Column, target.id)}
	if ref.TableIDColumn != "" {
		conds = append(conds, backend.Eq(ref.TableIDColumn, target.docType.ID))
	}

	refType, _ := a.e.reg.Type(ref.DocType)
	cols := []string{schema.ColID}
	softDeleted := ref.SubDoc != "" || (refType != nil && refType.SoftDelete)
	if softDeleted {
		cols = append(cols, schema.ColDeleted)
	}
	if ref.SubDoc != "" {
		cols = append(cols, schema.ColDocID)
	}

	rows, err := a.tx.Query(ctx, ref.Table, cols, backend.Where(conds...), schema.ColID)
	if err != nil {
		return errors.Backend("query referencing rows", err)
	}
	for _, row := range rows {
		rowID, _ := asInt64(row[schema.ColID])
		if softDeleted {
			if del, _ := asInt64(backendBool(row[schema.ColDeleted])); del != 0 {
				continue
			}
		}
		if ref.SubDoc == "" {
			if _, gone := deleted[DocRef{Type: ref.DocType, ID: rowID}]; gone {
				continue
			}
			return errors.CannotDeletef(target.docType.Name, target.id,
				"referenced by %s(%d) via %s.%s", ref.DocType, rowID, ref.Table, ref.Column)
		}
		ownerID, _ := asInt64(row[schema.ColDocID])
		if _, gone := deleted[DocRef{Type: ref.DocType, ID: ownerID}]; gone {
			continue
		}
		if a.subDeletedInBatch(ref.DocType, ref.SubDoc, rowID) {
			continue
		}
		return errors.CannotDeletef(target.docType.Name, target.id,
			"referenced by %s(%d)/%s(%d) via %s.%s",
			ref.DocType, ownerID, ref.SubDoc, rowID, ref.Table, ref.Column)
	}
	return nil
}

func (a *applyCtx) subDeletedInBatch(docType, subType string, subID int64) bool {
	set, ok := a.cs.sets[docType]
	if !ok {
		return false
	}
	for _, doc := range set.Docs() {
		sub, ok := doc.subs[subType]
		if !ok {
			continue
		}
		if s, ok := sub.rows[subID]; ok && s.state == StateDelete {
			return true
		}
	}
	return false
}
