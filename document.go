package reldoc

import (
	"fmt"
	"time"

	"github.com/kartikbazzad/reldoc/internal/backend"
	"github.com/kartikbazzad/reldoc/internal/errors"
	"github.com/kartikbazzad/reldoc/internal/schema"
)

// DocRef identifies a document instance across the engine: lock keys,
// error reporting, cache invalidation.
type DocRef struct {
	Type string
	ID   int64
}

func (r DocRef) String() string { return fmt.Sprintf("%s(%d)", r.Type, r.ID) }

// Document is one pending document instance inside a change set.
type Document struct {
	cs      *ChangeSet
	docType *schema.DocType
	id      int64
	state   DocState
	version int64

	fields backend.Row         // pending user-column values
	dirty  map[string]struct{} // columns touched by the caller

	subs     map[string]*subSet
	subOrder []string

	// props is the extended-property bag: engine bookkeeping that is
	// snapshotted before Apply and restored when Apply fails.
	props map[string]any
}

func newDocument(cs *ChangeSet, t *schema.DocType, id int64, state DocState) *Document {
	return &Document{
		cs:      cs,
		docType: t,
		id:      id,
		state:   state,
		fields:  make(backend.Row),
		dirty:   make(map[string]struct{}),
		subs:    make(map[string]*subSet),
		props:   make(map[string]any),
	}
}

func (d *Document) Type() string    { return d.docType.Name }
func (d *Document) ID() int64       { return d.id }
func (d *Document) State() DocState { return d.state }

// Version is the engine-assigned document version. Callers only read it.
func (d *Document) Version() int64 { return d.version }

func (d *Document) Ref() DocRef { return DocRef{Type: d.docType.Name, ID: d.id} }

// deletedPlaceholder reports a Delete-state instance that was never
// persisted: nothing to do at Apply.
func (d *Document) deletedPlaceholder() bool {
	return d.state == StateDelete && d.id < 0
}

func (d *Document) transition(want DocState) error {
	switch want {
	case StateView:
		return nil
	case StateEdit:
		switch d.state {
		case StateView:
			d.state = StateEdit
		case StateEdit, StateInsert:
			// already writable
		case StateDelete:
			return errors.Validationf("%s is marked for deletion", d.Ref())
		}
		return nil
	case StateDelete:
		// Deleting a document never writes its staged sub rows, so a
		// persisted document with pending sub changes refuses the
		// transition instead of dropping them silently. A placeholder
		// parent is a no-op either way.
		if d.id > 0 && d.hasPendingSubs() {
			return errors.Validationf("%s: staged sub-document changes would be discarded by deletion", d.Ref())
		}
		d.state = StateDelete
		return nil
	default:
		return errors.Validationf("invalid transition to %s", want)
	}
}

// SetField stages a user-column value. The column must be declared and
// the document must be open for Edit or Insert.
func (d *Document) SetField(name string, value any) error {
	if d.state != StateEdit && d.state != StateInsert {
		return errors.Validationf("%s: cannot set %q in state %s", d.Ref(), name, d.state)
	}
	idx := d.cs.reg.ColumnIndex(d.docType.Table, d.docType.Columns)
	i, ok := idx[name]
	if !ok {
		return errors.Validationf("%s: unknown column %q", d.Ref(), name)
	}
	col := &d.docType.Columns[i]
	if err := checkValue(col, d.blobColumn(name), value); err != nil {
		return &errors.Error{Kind: errors.KindValidation, DocType: d.docType.Name, DocID: d.id, Msg: err.Error()}
	}
	d.fields[name] = value
	d.dirty[name] = struct{}{}
	return nil
}

// Field returns a staged value, if any.
func (d *Document) Field(name string) (any, bool) {
	v, ok := d.fields[name]
	return v, ok
}

// Fields returns a copy of the staged user-column values.
func (d *Document) Fields() backend.Row {
	out := make(backend.Row, len(d.fields))
	for k, v := range d.fields {
		out[k] = v
	}
	return out
}

func (d *Document) blobColumn(name string) bool {
	for _, b := range d.docType.BlobColumns {
		if b == name {
			return true
		}
	}
	return false
}

// SetProp / Prop manage the extended-property bag.
func (d *Document) SetProp(key string, value any) { d.props[key] = value }

func (d *Document) Prop(key string) (any, bool) {
	v, ok := d.props[key]
	return v, ok
}

// InsertSub adds a new sub-document row under a fresh placeholder id.
// Sub-document mutations require the parent to be in Edit or Insert
// state; a Delete-state parent never writes sub rows.
func (d *Document) InsertSub(subType string) (*SubDocument, error) {
	set, err := d.subSetFor(subType)
	if err != nil {
		return nil, err
	}
	sub := &SubDocument{
		doc:     d,
		subType: set.subType,
		id:      d.cs.NewPlaceholderID(),
		state:   StateInsert,
		fields:  make(backend.Row),
		dirty:   make(map[string]struct{}),
	}
	set.add(sub)
	return sub, nil
}

// EditSub opens a persisted sub-document row for modification.
func (d *Document) EditSub(subType string, id int64) (*SubDocument, error) {
	set, err := d.subSetFor(subType)
	if err != nil {
		return nil, err
	}
	if sub, ok := set.rows[id]; ok {
		if sub.state == StateDelete {
			return nil, errors.Validationf("%s: sub-document %s(%d) is marked for deletion", d.Ref(), subType, id)
		}
		return sub, nil
	}
	if id <= 0 {
		return nil, errors.Validationf("%s: unknown sub-document id %d", d.Ref(), id)
	}
	sub := &SubDocument{
		doc:     d,
		subType: set.subType,
		id:      id,
		state:   StateEdit,
		fields:  make(backend.Row),
		dirty:   make(map[string]struct{}),
	}
	set.add(sub)
	return sub, nil
}

// DeleteSub schedules a sub-document row for deletion.
func (d *Document) DeleteSub(subType string, id int64) (*SubDocument, error) {
	set, err := d.subSetFor(subType)
	if err != nil {
		return nil, err
	}
	if sub, ok := set.rows[id]; ok {
		sub.state = StateDelete
		return sub, nil
	}
	if id <= 0 {
		return nil, errors.Validationf("%s: unknown sub-document id %d", d.Ref(), id)
	}
	sub := &SubDocument{
		doc:     d,
		subType: set.subType,
		id:      id,
		state:   StateDelete,
		fields:  make(backend.Row),
		dirty:   make(map[string]struct{}),
	}
	set.add(sub)
	return sub, nil
}

// AllSubs returns every pending sub-document row in first-touch order.
func (d *Document) AllSubs() []*SubDocument {
	var out []*SubDocument
	d.eachSub(func(s *SubDocument) error {
		out = append(out, s)
		return nil
	})
	return out
}

// Subs returns the pending sub-document rows of one sub type.
func (d *Document) Subs(subType string) []*SubDocument {
	set, ok := d.subs[subType]
	if !ok {
		return nil
	}
	out := make([]*SubDocument, 0, len(set.order))
	for _, id := range set.order {
		out = append(out, set.rows[id])
	}
	return out
}

func (d *Document) subSetFor(subType string) (*subSet, error) {
	if d.state != StateEdit && d.state != StateInsert {
		return nil, errors.Validationf("%s: sub-document changes require edit or insert state", d.Ref())
	}
	if set, ok := d.subs[subType]; ok {
		return set, nil
	}
	st, ok := d.docType.SubDoc(subType)
	if !ok {
		return nil, errors.Validationf("%s: unknown sub-document type %q", d.Ref(), subType)
	}
	set := &subSet{subType: st, rows: make(map[int64]*SubDocument)}
	d.subs[subType] = set
	d.subOrder = append(d.subOrder, subType)
	return set, nil
}

func (d *Document) hasPendingSubs() bool {
	pending := false
	d.eachSub(func(s *SubDocument) error {
		if s.state.mutated() {
			pending = true
		}
		return nil
	})
	return pending
}

func (d *Document) eachSub(fn func(*SubDocument) error) error {
	for _, name := range d.subOrder {
		set := d.subs[name]
		for _, id := range set.order {
			if err := fn(set.rows[id]); err != nil {
				return err
			}
		}
	}
	return nil
}

type subSet struct {
	subType *schema.SubDocType
	rows    map[int64]*SubDocument
	order   []int64
}

func (s *subSet) add(sub *SubDocument) {
	s.rows[sub.id] = sub
	s.order = append(s.order, sub.id)
}

func (s *subSet) rekey(oldID, newID int64) {
	sub := s.rows[oldID]
	delete(s.rows, oldID)
	s.rows[newID] = sub
	for i, id := range s.order {
		if id == oldID {
			s.order[i] = newID
		}
	}
}

// SubDocument is one pending child row of a document instance. Its
// DocId back-reference is implicit: the owning Document.
type SubDocument struct {
	doc     *Document
	subType *schema.SubDocType
	id      int64
	state   DocState
	fields  backend.Row
	dirty   map[string]struct{}
}

func (s *SubDocument) Type() string    { return s.subType.Name }
func (s *SubDocument) ID() int64       { return s.id }
func (s *SubDocument) State() DocState { return s.state }
func (s *SubDocument) Doc() *Document  { return s.doc }

func (s *SubDocument) SetField(name string, value any) error {
	if s.state != StateEdit && s.state != StateInsert {
		return errors.Validationf("%s/%s(%d): cannot set %q in state %s",
			s.doc.Ref(), s.subType.Name, s.id, name, s.state)
	}
	idx := s.doc.cs.reg.ColumnIndex(s.subType.Table, s.subType.Columns)
	i, ok := idx[name]
	if !ok {
		return errors.Validationf("%s/%s(%d): unknown column %q", s.doc.Ref(), s.subType.Name, s.id, name)
	}
	col := &s.subType.Columns[i]
	blob := false
	for _, b := range s.subType.BlobColumns {
		if b == name {
			blob = true
		}
	}
	if err := checkValue(col, blob, value); err != nil {
		return &errors.Error{Kind: errors.KindValidation, DocType: s.doc.docType.Name, DocID: s.doc.id, Msg: err.Error()}
	}
	s.fields[name] = value
	s.dirty[name] = struct{}{}
	return nil
}

func (s *SubDocument) Field(name string) (any, bool) {
	v, ok := s.fields[name]
	return v, ok
}

// Fields returns a copy of the staged user-column values.
func (s *SubDocument) Fields() backend.Row {
	out := make(backend.Row, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

func (s *SubDocument) deletedPlaceholder() bool {
	return s.state == StateDelete && s.id < 0
}

// checkValue enforces the declared column kind on staged values. Blob
// columns additionally accept raw bytes and named files, which the
// engine replaces with blob-store ids before the write phase.
func checkValue(col *schema.Column, blob bool, v any) error {
	if v == nil {
		if !col.Nullable {
			return fmt.Errorf("column %q is not nullable", col.Name)
		}
		return nil
	}
	if blob {
		switch v.(type) {
		case []byte, BlobFile, int64, int:
			return nil
		default:
			return fmt.Errorf("column %q expects bytes, a file or a blob id", col.Name)
		}
	}
	ok := false
	switch col.Kind {
	case schema.KindInt:
		switch v.(type) {
		case int, int32, int64:
			ok = true
		}
	case schema.KindFloat:
		switch v.(type) {
		case float32, float64:
			ok = true
		}
	case schema.KindString:
		_, ok = v.(string)
	case schema.KindBool:
		_, ok = v.(bool)
	case schema.KindTime:
		_, ok = v.(time.Time)
	case schema.KindBytes:
		_, ok = v.([]byte)
	}
	if !ok {
		return fmt.Errorf("column %q expects %s, got %T", col.Name, col.Kind, v)
	}
	return nil
}
