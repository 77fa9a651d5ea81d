package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAML descriptor file format, consumed by the shell and by embedders
// that keep their schema in config rather than code:
//
//	types:
//	  - name: Order
//	    table: Orders
//	    soft_delete: true
//	    columns:
//	      - {name: Customer, kind: int, master: Customer}
//	      - {name: Note, kind: string, nullable: true}
//	    subdocs:
//	      - name: OrderLine
//	        table: OrderLines
//	        columns: [...]

type fileSchema struct {
	Types []typeDef `yaml:"types"`
}

type typeDef struct {
	Name       string      `yaml:"name"`
	Table      string      `yaml:"table"`
	SoftDelete bool        `yaml:"soft_delete"`
	TreeParent string      `yaml:"tree_parent"`
	Columns    []columnDef `yaml:"columns"`
	SubDocs    []subDef    `yaml:"subdocs"`
	VarRefs    []varRefDef `yaml:"var_refs"`
	Blobs      []string    `yaml:"blobs"`
}

type subDef struct {
	Name    string      `yaml:"name"`
	Table   string      `yaml:"table"`
	Columns []columnDef `yaml:"columns"`
	VarRefs []varRefDef `yaml:"var_refs"`
	Blobs   []string    `yaml:"blobs"`
}

type columnDef struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Nullable bool   `yaml:"nullable"`
	Master   string `yaml:"master"`
}

type varRefDef struct {
	TableIDColumn string   `yaml:"table_id_column"`
	DocIDColumn   string   `yaml:"doc_id_column"`
	Allowed       []string `yaml:"allowed"`
}

// LoadFile reads document type descriptors from a YAML file and builds
// a registry from them.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fs fileSchema
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("schema: parse %s: %w", path, err)
	}
	types := make([]*DocType, 0, len(fs.Types))
	for _, td := range fs.Types {
		t := &DocType{
			Name:             td.Name,
			Table:            td.Table,
			SoftDelete:       td.SoftDelete,
			TreeParentColumn: td.TreeParent,
			BlobColumns:      td.Blobs,
		}
		cols, err := parseColumns(td.Columns)
		if err != nil {
			return nil, fmt.Errorf("schema: type %s: %w", td.Name, err)
		}
		t.Columns = cols
		t.VarRefs = parseVarRefs(td.VarRefs)
		for _, sd := range td.SubDocs {
			scols, err := parseColumns(sd.Columns)
			if err != nil {
				return nil, fmt.Errorf("schema: type %s sub %s: %w", td.Name, sd.Name, err)
			}
			t.SubDocs = append(t.SubDocs, &SubDocType{
				Name:        sd.Name,
				Table:       sd.Table,
				Columns:     scols,
				VarRefs:     parseVarRefs(sd.VarRefs),
				BlobColumns: sd.Blobs,
			})
		}
		types = append(types, t)
	}
	return Build(types...)
}

func parseColumns(defs []columnDef) ([]Column, error) {
	cols := make([]Column, 0, len(defs))
	for _, d := range defs {
		kind, err := parseKind(d.Kind)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", d.Name, err)
		}
		cols = append(cols, Column{
			Name:       d.Name,
			Kind:       kind,
			Nullable:   d.Nullable,
			MasterType: d.Master,
		})
	}
	return cols, nil
}

func parseVarRefs(defs []varRefDef) []VarRef {
	refs := make([]VarRef, 0, len(defs))
	for _, d := range defs {
		refs = append(refs, VarRef{
			TableIDColumn: d.TableIDColumn,
			DocIDColumn:   d.DocIDColumn,
			Allowed:       d.Allowed,
		})
	}
	return refs
}

func parseKind(s string) (ColumnKind, error) {
	switch s {
	case "int", "":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "string":
		return KindString, nil
	case "bool":
		return KindBool, nil
	case "time":
		return KindTime, nil
	case "bytes":
		return KindBytes, nil
	default:
		return 0, fmt.Errorf("unknown kind %q", s)
	}
}
