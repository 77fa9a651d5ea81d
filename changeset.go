package reldoc

import (
	"github.com/google/uuid"

	"github.com/kartikbazzad/reldoc/internal/errors"
	"github.com/kartikbazzad/reldoc/internal/schema"
)

// DocState is the pending mutation state of a document or sub-document
// instance.
type DocState int

const (
	StateView DocState = iota
	StateEdit
	StateInsert
	StateDelete
)

func (s DocState) String() string {
	switch s {
	case StateView:
		return "view"
	case StateEdit:
		return "edit"
	case StateInsert:
		return "insert"
	case StateDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// mutated reports whether the state implies backend writes.
func (s DocState) mutated() bool {
	return s == StateEdit || s == StateInsert || s == StateDelete
}

// ChangeSet is the in-memory mutation graph a caller assembles and the
// engine consumes. A document type appears at most once; reopening the
// same document identity returns the same instance. A change set is
// consumed by exactly one successful Apply; on failure it is left
// untouched for inspection or retry.
type ChangeSet struct {
	reg         *schema.Registry
	sets        map[string]*MultiDocSet
	typeOrder   []string
	placeholder int64
	ignoreLocks map[uuid.UUID]struct{}
	description string
	consumed    bool
}

func NewChangeSet(reg *schema.Registry) *ChangeSet {
	return &ChangeSet{
		reg:         reg,
		sets:        make(map[string]*MultiDocSet),
		ignoreLocks: make(map[uuid.UUID]struct{}),
	}
}

// NewPlaceholderID issues the next negative placeholder id, unique
// within this container: -1, -2, ...
func (cs *ChangeSet) NewPlaceholderID() int64 {
	cs.placeholder--
	return cs.placeholder
}

// IgnoreLongLock marks a long lock as owned by this session so Apply
// does not conflict with it.
func (cs *ChangeSet) IgnoreLongLock(guid uuid.UUID) {
	cs.ignoreLocks[guid] = struct{}{}
}

// SetDescription attaches a free-text label recorded with the user
// action when the change set is applied.
func (cs *ChangeSet) SetDescription(text string) { cs.description = text }

// View registers a document identity without scheduling a mutation.
func (cs *ChangeSet) View(docType string, id int64) (*Document, error) {
	return cs.open(docType, id, StateView)
}

// Edit opens a document for modification. Reopening an Insert-state
// instance keeps it an insert.
func (cs *ChangeSet) Edit(docType string, id int64) (*Document, error) {
	return cs.open(docType, id, StateEdit)
}

// Insert creates a new document instance under a fresh placeholder id.
func (cs *ChangeSet) Insert(docType string) (*Document, error) {
	set, err := cs.set(docType)
	if err != nil {
		return nil, err
	}
	doc := newDocument(cs, set.docType, cs.NewPlaceholderID(), StateInsert)
	set.add(doc)
	return doc, nil
}

// Delete schedules a document for deletion. Deleting an instance that
// only ever existed as a placeholder makes the instance a no-op.
func (cs *ChangeSet) Delete(docType string, id int64) (*Document, error) {
	return cs.open(docType, id, StateDelete)
}

func (cs *ChangeSet) open(docType string, id int64, want DocState) (*Document, error) {
	set, err := cs.set(docType)
	if err != nil {
		return nil, err
	}
	doc, ok := set.Get(id)
	if !ok {
		if id < 0 {
			return nil, errors.Validationf("unknown placeholder id %d for type %s", id, docType)
		}
		if id == 0 {
			return nil, errors.Validationf("document id must not be zero")
		}
		doc = newDocument(cs, set.docType, id, want)
		set.add(doc)
		return doc, nil
	}
	if err := doc.transition(want); err != nil {
		return nil, err
	}
	return doc, nil
}

func (cs *ChangeSet) set(docType string) (*MultiDocSet, error) {
	if set, ok := cs.sets[docType]; ok {
		return set, nil
	}
	t, ok := cs.reg.Type(docType)
	if !ok {
		return nil, errors.Validationf("unknown document type %q", docType)
	}
	set := &MultiDocSet{docType: t, docs: make(map[int64]*Document)}
	cs.sets[docType] = set
	cs.typeOrder = append(cs.typeOrder, docType)
	return set, nil
}

// Sets returns the per-type document sets in first-touch order.
func (cs *ChangeSet) Sets() []*MultiDocSet {
	out := make([]*MultiDocSet, 0, len(cs.typeOrder))
	for _, name := range cs.typeOrder {
		out = append(out, cs.sets[name])
	}
	return out
}

// Get returns a document instance already present in the container.
func (cs *ChangeSet) Get(docType string, id int64) (*Document, bool) {
	set, ok := cs.sets[docType]
	if !ok {
		return nil, false
	}
	return set.Get(id)
}

// eachDoc visits every document in deterministic order. A non-nil
// return stops the walk.
func (cs *ChangeSet) eachDoc(fn func(*Document) error) error {
	for _, set := range cs.Sets() {
		for _, doc := range set.Docs() {
			if err := fn(doc); err != nil {
				return err
			}
		}
	}
	return nil
}

// mutatedRefs returns the identities of every document scheduled for a
// mutation. Placeholder identities are included; they cannot conflict
// with other sessions but keep the lock set equal to the touched set.
func (cs *ChangeSet) mutatedRefs() []DocRef {
	var refs []DocRef
	cs.eachDoc(func(d *Document) error {
		if d.state.mutated() {
			refs = append(refs, d.Ref())
		}
		return nil
	})
	return refs
}

// mutatedCount counts instances that will produce backend writes.
// Delete-state placeholders never persist and do not count.
func (cs *ChangeSet) mutatedCount() int {
	n := 0
	cs.eachDoc(func(d *Document) error {
		if d.state.mutated() && !d.deletedPlaceholder() {
			n++
		}
		return nil
	})
	return n
}

// clear empties the container after a successful Apply without reload.
func (cs *ChangeSet) clear() {
	cs.sets = make(map[string]*MultiDocSet)
	cs.typeOrder = nil
	cs.consumed = true
}

// MultiDocSet holds the instances of one document type, in first-touch
// order.
type MultiDocSet struct {
	docType *schema.DocType
	docs    map[int64]*Document
	order   []int64
}

func (m *MultiDocSet) Type() *schema.DocType { return m.docType }

func (m *MultiDocSet) Get(id int64) (*Document, bool) {
	d, ok := m.docs[id]
	return d, ok
}

func (m *MultiDocSet) Docs() []*Document {
	out := make([]*Document, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.docs[id])
	}
	return out
}

func (m *MultiDocSet) add(doc *Document) {
	m.docs[doc.id] = doc
	m.order = append(m.order, doc.id)
}

// remove drops a document from the set.
func (m *MultiDocSet) remove(id int64) {
	delete(m.docs, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// rekey moves a document to its resolved permanent id.
func (m *MultiDocSet) rekey(oldID, newID int64) {
	doc := m.docs[oldID]
	delete(m.docs, oldID)
	m.docs[newID] = doc
	for i, id := range m.order {
		if id == oldID {
			m.order[i] = newID
		}
	}
}
