// Package schema holds read-only document type descriptors and the
// registry built from them. The registry is immutable after Build and
// safe for concurrent use.
package schema

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Engine-owned column names. User columns may not collide with these.
const (
	ColID           = "Id"
	ColDeleted      = "Deleted"
	ColVersion      = "Version"
	ColVersion2     = "Version2"
	ColCreateUser   = "CreateUser"
	ColCreateTime   = "CreateTime"
	ColChangeUser   = "ChangeUser"
	ColChangeTime   = "ChangeTime"
	ColDocID        = "DocId"
	ColStartVersion = "StartVersion"
)

// ColumnKind is the declared value kind of a user column.
type ColumnKind int

const (
	KindInt ColumnKind = iota + 1
	KindFloat
	KindString
	KindBool
	KindTime
	KindBytes
)

func (k ColumnKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Column describes one user column of a main or sub-document table.
// MasterType names the document type a plain reference column points at;
// empty means no reference.
type Column struct {
	Name       string
	Kind       ColumnKind
	Nullable   bool
	MasterType string
}

// VarRef is a variable-type (polymorphic) reference: a pair of columns
// where TableIDColumn carries a document type id and DocIDColumn the
// referenced row id. Allowed lists the document type names the pair may
// point at.
type VarRef struct {
	TableIDColumn string
	DocIDColumn   string
	Allowed       []string
}

// SubDocType describes one owned child table of a document type.
type SubDocType struct {
	Name        string
	Table       string
	Columns     []Column
	VarRefs     []VarRef
	BlobColumns []string
}

// Column returns the descriptor of a user column, if declared.
func (s *SubDocType) Column(name string) (*Column, bool) {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i], true
		}
	}
	return nil, false
}

// HistoryTable is the table archived snapshots of sub rows go to.
func (s *SubDocType) HistoryTable() string { return s.Table + "History" }

// DocType describes a document type: its main table, user columns,
// owned sub-document types and reference metadata. ID is assigned by
// the registry and is the value stored in variable-type reference
// table-id columns and in the ledger.
type DocType struct {
	ID               int64
	Name             string
	Table            string
	Columns          []Column
	TreeParentColumn string
	SubDocs          []*SubDocType
	VarRefs          []VarRef
	BlobColumns      []string

	// SoftDelete declares a Deleted flag on the main table. Types
	// without it are hard-deleted: rows are physically removed.
	SoftDelete bool
}

func (t *DocType) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

func (t *DocType) SubDoc(name string) (*SubDocType, bool) {
	for _, s := range t.SubDocs {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// HistoryTable is the table archived snapshots of main rows go to.
func (t *DocType) HistoryTable() string { return t.Table + "History" }

// BackRef is one reverse-index entry: the (table, column) of a document
// or sub-document type that references some target document type.
// TableIDColumn is set when the reference is the variable-type pair.
type BackRef struct {
	DocType       string // owning document type
	SubDoc        string // owning sub-document type, "" for main table
	Table         string
	Column        string // the id-carrying column
	Nullable      bool
	TableIDColumn string // "" for plain references
}

const columnIndexCacheSize = 256

// Registry is the immutable set of registered document types plus the
// reverse reference index consumed by the deletion guard and the
// referential validator.
type Registry struct {
	byName   map[string]*DocType
	byID     map[int64]*DocType
	names    []string             // sorted, for deterministic iteration
	backRefs map[string][]BackRef // target type name -> referencing columns
	colIndex *lru.Cache[string, map[string]int]
}

// Build validates the given document types, assigns type ids in
// registration order and constructs the reverse reference index.
func Build(types ...*DocType) (*Registry, error) {
	r := &Registry{
		byName:   make(map[string]*DocType, len(types)),
		byID:     make(map[int64]*DocType, len(types)),
		backRefs: make(map[string][]BackRef),
	}
	cache, err := lru.New[string, map[string]int](columnIndexCacheSize)
	if err != nil {
		return nil, err
	}
	r.colIndex = cache

	for i, t := range types {
		if t.Name == "" || t.Table == "" {
			return nil, fmt.Errorf("schema: document type %d has empty name or table", i)
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate document type %q", t.Name)
		}
		t.ID = int64(i + 1)
		r.byName[t.Name] = t
		r.byID[t.ID] = t
		r.names = append(r.names, t.Name)
	}
	sort.Strings(r.names)

	for _, t := range types {
		if err := r.validateType(t); err != nil {
			return nil, err
		}
	}
	r.buildBackRefs(types)
	return r, nil
}

func (r *Registry) validateType(t *DocType) error {
	if err := r.validateColumns(t.Name, t.Columns, t.VarRefs); err != nil {
		return err
	}
	if t.TreeParentColumn != "" {
		c, ok := t.Column(t.TreeParentColumn)
		if !ok {
			return fmt.Errorf("schema: %s: tree parent column %q not declared", t.Name, t.TreeParentColumn)
		}
		if c.MasterType != t.Name {
			return fmt.Errorf("schema: %s: tree parent column %q must reference its own type", t.Name, t.TreeParentColumn)
		}
	}
	seen := make(map[string]bool)
	for _, s := range t.SubDocs {
		if s.Name == "" || s.Table == "" {
			return fmt.Errorf("schema: %s: sub-document with empty name or table", t.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("schema: %s: duplicate sub-document type %q", t.Name, s.Name)
		}
		seen[s.Name] = true
		if err := r.validateColumns(t.Name+"."+s.Name, s.Columns, s.VarRefs); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) validateColumns(owner string, cols []Column, varRefs []VarRef) error {
	reserved := map[string]bool{
		ColID: true, ColDeleted: true, ColVersion: true, ColVersion2: true,
		ColCreateUser: true, ColCreateTime: true, ColChangeUser: true,
		ColChangeTime: true, ColDocID: true, ColStartVersion: true,
	}
	seen := make(map[string]bool)
	for _, c := range cols {
		if c.Name == "" {
			return fmt.Errorf("schema: %s: empty column name", owner)
		}
		if reserved[c.Name] {
			return fmt.Errorf("schema: %s: column %q is engine-owned", owner, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("schema: %s: duplicate column %q", owner, c.Name)
		}
		seen[c.Name] = true
		if c.MasterType != "" {
			if _, ok := r.byName[c.MasterType]; !ok {
				return fmt.Errorf("schema: %s.%s references unknown type %q", owner, c.Name, c.MasterType)
			}
			if c.Kind != KindInt {
				return fmt.Errorf("schema: %s.%s: reference columns must be int", owner, c.Name)
			}
		}
	}
	for _, v := range varRefs {
		if !seen[v.TableIDColumn] || !seen[v.DocIDColumn] {
			return fmt.Errorf("schema: %s: variable reference uses undeclared columns (%s, %s)",
				owner, v.TableIDColumn, v.DocIDColumn)
		}
		if len(v.Allowed) == 0 {
			return fmt.Errorf("schema: %s: variable reference (%s, %s) has empty allow-list",
				owner, v.TableIDColumn, v.DocIDColumn)
		}
		for _, name := range v.Allowed {
			if _, ok := r.byName[name]; !ok {
				return fmt.Errorf("schema: %s: variable reference allows unknown type %q", owner, name)
			}
		}
	}
	return nil
}

func (r *Registry) buildBackRefs(types []*DocType) {
	add := func(target string, ref BackRef) {
		r.backRefs[target] = append(r.backRefs[target], ref)
	}
	for _, t := range types {
		for _, c := range t.Columns {
			if c.MasterType != "" {
				add(c.MasterType, BackRef{
					DocType: t.Name, Table: t.Table, Column: c.Name, Nullable: c.Nullable,
				})
			}
		}
		for _, v := range t.VarRefs {
			idCol, _ := t.Column(v.DocIDColumn)
			for _, target := range v.Allowed {
				add(target, BackRef{
					DocType: t.Name, Table: t.Table, Column: v.DocIDColumn,
					Nullable: idCol == nil || idCol.Nullable, TableIDColumn: v.TableIDColumn,
				})
			}
		}
		for _, s := range t.SubDocs {
			for _, c := range s.Columns {
				if c.MasterType != "" {
					add(c.MasterType, BackRef{
						DocType: t.Name, SubDoc: s.Name, Table: s.Table,
						Column: c.Name, Nullable: c.Nullable,
					})
				}
			}
			for _, v := range s.VarRefs {
				idCol, _ := s.Column(v.DocIDColumn)
				for _, target := range v.Allowed {
					add(target, BackRef{
						DocType: t.Name, SubDoc: s.Name, Table: s.Table, Column: v.DocIDColumn,
						Nullable: idCol == nil || idCol.Nullable, TableIDColumn: v.TableIDColumn,
					})
				}
			}
		}
	}
}

// Type resolves a document type by name.
func (r *Registry) Type(name string) (*DocType, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// TypeByID resolves a document type by its registry-assigned id.
func (r *Registry) TypeByID(id int64) (*DocType, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// Names returns all registered type names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// RefsTo returns every (table, column) that can reference the given
// document type.
func (r *Registry) RefsTo(typeName string) []BackRef {
	return r.backRefs[typeName]
}

// ColumnIndex returns the name-to-position index for a column list,
// cached per table. The index includes user columns only.
func (r *Registry) ColumnIndex(table string, cols []Column) map[string]int {
	if idx, ok := r.colIndex.Get(table); ok {
		return idx
	}
	idx := make(map[string]int, len(cols))
	for i, c := range cols {
		idx[c.Name] = i
	}
	r.colIndex.Add(table, idx)
	return idx
}
