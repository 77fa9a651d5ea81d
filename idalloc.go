package reldoc

import (
	"context"
	"sort"

	"github.com/kartikbazzad/reldoc/internal/backend"
	"github.com/kartikbazzad/reldoc/internal/errors"
	"github.com/kartikbazzad/reldoc/internal/schema"
)

// resolvedID is the permanent id assigned to one placeholder, tagged
// with the owning document type so reference rewriting never crosses
// types. Sub-document rows resolve with an empty type name; nothing
// references them by column value.
type resolvedID struct {
	typeName string
	id       int64
}

// resolveIDs assigns permanent ids to every Insert-state instance
// carrying a placeholder. Ids are allocated sequentially above the
// current maximum of the target table and its history table, inside
// the Apply transaction; the short locks plus the backend transaction
// serialize concurrent allocators.
func resolveIDs(ctx context.Context, tx backend.Tx, cs *ChangeSet) (map[int64]resolvedID, error) {
	type pending struct {
		table    string
		history  string
		typeName string
		ids      []int64 // placeholders in container order
	}
	byTable := make(map[string]*pending)
	var tableOrder []string

	want := func(table, history, typeName string, placeholder int64) {
		p, ok := byTable[table]
		if !ok {
			p = &pending{table: table, history: history, typeName: typeName}
			byTable[table] = p
			tableOrder = append(tableOrder, table)
		}
		p.ids = append(p.ids, placeholder)
	}

	cs.eachDoc(func(d *Document) error {
		if d.state == StateInsert && d.id < 0 {
			want(d.docType.Table, d.docType.HistoryTable(), d.docType.Name, d.id)
		}
		if d.state.mutated() {
			d.eachSub(func(s *SubDocument) error {
				if s.state == StateInsert && s.id < 0 {
					want(s.subType.Table, s.subType.HistoryTable(), "", s.id)
				}
				return nil
			})
		}
		return nil
	})
	sort.Strings(tableOrder)

	ids := make(map[int64]resolvedID)
	for _, table := range tableOrder {
		p := byTable[table]
		maxLive, err := tx.Max(ctx, p.table, schema.ColID, backend.Filter{})
		if err != nil {
			return nil, errors.Backend("allocate ids", err)
		}
		maxHist, err := tx.Max(ctx, p.history, schema.ColID, backend.Filter{})
		if err != nil {
			return nil, errors.Backend("allocate ids", err)
		}
		next := maxLive + 1
		if maxHist >= next {
			next = maxHist + 1
		}
		for _, placeholder := range p.ids {
			ids[placeholder] = resolvedID{typeName: p.typeName, id: next}
			next++
		}
	}
	return ids, nil
}

// rewriteAll replaces every resolvable placeholder in the container:
// the instances' own ids, plain foreign-key columns whose placeholder
// belongs to the column's master type, and variable-type reference
// pairs. Placeholders pointing outside the map are left untouched;
// they are a caller error if still negative after commit. An
// Insert-state instance whose own placeholder is missing from the map
// is an engine bug.
func rewriteAll(cs *ChangeSet, ids map[int64]resolvedID) error {
	return cs.eachDoc(func(d *Document) error {
		if d.state == StateInsert && d.id < 0 {
			r, ok := ids[d.id]
			if !ok {
				return errors.Inconsistencyf("no permanent id resolved for %s", d.Ref())
			}
			cs.sets[d.docType.Name].rekey(d.id, r.id)
			d.id = r.id
		}
		rewriteFields(cs.reg, d.fields, d.docType.Columns, d.docType.VarRefs, ids)

		if !d.state.mutated() {
			return nil
		}
		return d.eachSub(func(s *SubDocument) error {
			if s.state == StateInsert && s.id < 0 {
				r, ok := ids[s.id]
				if !ok {
					return errors.Inconsistencyf("no permanent id resolved for %s/%s(%d)",
						d.Ref(), s.subType.Name, s.id)
				}
				d.subs[s.subType.Name].rekey(s.id, r.id)
				s.id = r.id
			}
			rewriteFields(cs.reg, s.fields, s.subType.Columns, s.subType.VarRefs, ids)
			return nil
		})
	})
}

func rewriteFields(reg *schema.Registry, fields backend.Row, cols []schema.Column, varRefs []schema.VarRef, ids map[int64]resolvedID) {
	for _, c := range cols {
		if c.MasterType == "" {
			continue
		}
		v, ok := asInt64(fields[c.Name])
		if !ok || v >= 0 {
			continue
		}
		if r, ok := ids[v]; ok && r.typeName == c.MasterType {
			fields[c.Name] = r.id
		}
	}
	for _, vr := range varRefs {
		v, ok := asInt64(fields[vr.DocIDColumn])
		if !ok || v >= 0 {
			continue
		}
		r, ok := ids[v]
		if !ok || r.typeName == "" {
			continue
		}
		target, known := reg.Type(r.typeName)
		if !known {
			continue
		}
		fields[vr.DocIDColumn] = r.id
		// Fill or correct the table-id half when it does not already
		// name the resolved target.
		if t, _ := asInt64(fields[vr.TableIDColumn]); t != target.ID {
			fields[vr.TableIDColumn] = target.ID
		}
	}
}

// asInt64 reads an integer field value regardless of staging width.
func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	default:
		return 0, false
	}
}
