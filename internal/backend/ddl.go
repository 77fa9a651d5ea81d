package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/kartikbazzad/reldoc/internal/schema"
)

// Ledger table names.
const (
	UserActionsTable = "UserActions"
	DocActionsTable  = "DocActions"
)

// EnsureSchema creates (if missing) every table the registry implies:
// one main table per document type, one table per sub-document type,
// their history tables, and the ledger tables. Idempotent.
func (s *SQLite) EnsureSchema(ctx context.Context, reg *schema.Registry) error {
	var stmts []string
	for _, name := range reg.Names() {
		t, _ := reg.Type(name)
		stmts = append(stmts, mainTableDDL(t), mainHistoryDDL(t))
		for _, sub := range t.SubDocs {
			stmts = append(stmts, subTableDDL(sub), subHistoryDDL(sub))
			stmts = append(stmts, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				quoteIdent("idx_"+sub.Table+"_doc"), quoteIdent(sub.Table), quoteIdent(schema.ColDocID)))
		}
	}
	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS "UserActions" (
			"Id" INTEGER PRIMARY KEY,
			"UserId" TEXT NOT NULL,
			"SessionId" TEXT NOT NULL DEFAULT '',
			"StartTime" TEXT NOT NULL,
			"ActionTime" TEXT NOT NULL,
			"Description" TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS "DocActions" (
			"Id" INTEGER PRIMARY KEY,
			"DocTypeId" INTEGER NOT NULL,
			"DocId" INTEGER NOT NULL,
			"Version" INTEGER NOT NULL,
			"Kind" INTEGER NOT NULL,
			"UserActionId" INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS "idx_DocActions_doc" ON "DocActions" ("DocTypeId", "DocId")`,
	)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func mainTableDDL(t *schema.DocType) string {
	cols := []string{
		quoteIdent(schema.ColID) + " INTEGER PRIMARY KEY",
		quoteIdent(schema.ColVersion) + " INTEGER NOT NULL DEFAULT 0",
		quoteIdent(schema.ColVersion2) + " INTEGER NOT NULL DEFAULT 0",
		quoteIdent(schema.ColCreateUser) + " TEXT",
		quoteIdent(schema.ColCreateTime) + " TEXT",
		quoteIdent(schema.ColChangeUser) + " TEXT",
		quoteIdent(schema.ColChangeTime) + " TEXT",
	}
	if t.SoftDelete {
		cols = append(cols, quoteIdent(schema.ColDeleted)+" INTEGER NOT NULL DEFAULT 0")
	}
	cols = append(cols, userColumnDDL(t.Columns)...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(t.Table), strings.Join(cols, ", "))
}

// History tables mirror the content columns minus Deleted and Version,
// keyed by (archived row id, window start).
func mainHistoryDDL(t *schema.DocType) string {
	cols := []string{
		quoteIdent(schema.ColID) + " INTEGER NOT NULL",
		quoteIdent(schema.ColStartVersion) + " INTEGER NOT NULL",
		quoteIdent(schema.ColVersion2) + " INTEGER NOT NULL",
		quoteIdent(schema.ColCreateUser) + " TEXT",
		quoteIdent(schema.ColCreateTime) + " TEXT",
		quoteIdent(schema.ColChangeUser) + " TEXT",
		quoteIdent(schema.ColChangeTime) + " TEXT",
	}
	cols = append(cols, userColumnDDL(t.Columns)...)
	cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s, %s)", quoteIdent(schema.ColID), quoteIdent(schema.ColStartVersion)))
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(t.HistoryTable()), strings.Join(cols, ", "))
}

func subTableDDL(s *schema.SubDocType) string {
	cols := []string{
		quoteIdent(schema.ColID) + " INTEGER PRIMARY KEY",
		quoteIdent(schema.ColDocID) + " INTEGER NOT NULL",
		quoteIdent(schema.ColDeleted) + " INTEGER NOT NULL DEFAULT 0",
		quoteIdent(schema.ColStartVersion) + " INTEGER NOT NULL DEFAULT 0",
		quoteIdent(schema.ColVersion2) + " INTEGER NOT NULL DEFAULT 0",
	}
	cols = append(cols, userColumnDDL(s.Columns)...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(s.Table), strings.Join(cols, ", "))
}

func subHistoryDDL(s *schema.SubDocType) string {
	cols := []string{
		quoteIdent(schema.ColID) + " INTEGER NOT NULL",
		quoteIdent(schema.ColStartVersion) + " INTEGER NOT NULL",
		quoteIdent(schema.ColVersion2) + " INTEGER NOT NULL",
	}
	cols = append(cols, userColumnDDL(s.Columns)...)
	cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s, %s)", quoteIdent(schema.ColID), quoteIdent(schema.ColStartVersion)))
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(s.HistoryTable()), strings.Join(cols, ", "))
}

func userColumnDDL(cols []schema.Column) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		ddl := quoteIdent(c.Name) + " " + sqlType(c.Kind)
		if !c.Nullable {
			ddl += " NOT NULL DEFAULT " + zeroLiteral(c.Kind)
		}
		out = append(out, ddl)
	}
	return out
}

func sqlType(k schema.ColumnKind) string {
	switch k {
	case schema.KindInt, schema.KindBool:
		return "INTEGER"
	case schema.KindFloat:
		return "REAL"
	case schema.KindString, schema.KindTime:
		return "TEXT"
	case schema.KindBytes:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func zeroLiteral(k schema.ColumnKind) string {
	switch k {
	case schema.KindInt, schema.KindBool:
		return "0"
	case schema.KindFloat:
		return "0.0"
	case schema.KindBytes:
		return "x''"
	default:
		return "''"
	}
}
