package backend

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements Backend over a SQLite database file.
//
// The connection pool is limited to a single connection: SQLite allows
// one writer at a time and the engine serializes writers anyway, so a
// second connection only buys SQLITE_BUSY errors.
type SQLite struct {
	session
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the
// required pragmas: WAL journaling, NORMAL synchronous mode and a busy
// timeout for lock contention.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return &SQLite{session: session{q: db}, db: db}, nil
}

func (s *SQLite) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqliteTx{session: session{q: tx}, tx: tx}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteTx struct {
	session
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) Commit() error {
	t.done = true
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// session implements Conn over either a database or a transaction.
type session struct {
	q querier
}

func (s session) Query(ctx context.Context, table string, columns []string, f Filter, orderBy string) ([]Row, error) {
	where, args, err := compileFilter(f)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = quoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(cols, ", "), quoteIdent(table), where)
	if orderBy != "" {
		query += " ORDER BY " + quoteIdent(orderBy)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		row := make(Row, len(columns))
		for i, c := range columns {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s session) GetValue(ctx context.Context, table string, id int64, column string) (any, error) {
	row, err := s.GetValues(ctx, table, id, []string{column})
	if err != nil {
		return nil, err
	}
	return row[column], nil
}

func (s session) GetValues(ctx context.Context, table string, id int64, columns []string) (Row, error) {
	rows, err := s.Query(ctx, table, columns, Where(Eq("Id", id)), "")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (s session) SetValue(ctx context.Context, table string, id int64, column string, value any) error {
	return s.SetValues(ctx, table, id, Row{column: value})
}

func (s session) SetValues(ctx context.Context, table string, id int64, values Row) error {
	if len(values) == 0 {
		return nil
	}
	sets := make([]string, 0, len(values))
	args := make([]any, 0, len(values)+1)
	for _, c := range sortedColumns(values) {
		sets = append(sets, quoteIdent(c)+" = ?")
		args = append(args, Normalize(values[c]))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE \"Id\" = ?", quoteIdent(table), strings.Join(sets, ", "))
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

func (s session) Insert(ctx context.Context, table string, values Row) error {
	cols := sortedColumns(values)
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c)
		marks[i] = "?"
		args[i] = Normalize(values[c])
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(names, ", "), strings.Join(marks, ", "))
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (s session) Delete(ctx context.Context, table string, f Filter) error {
	where, args, err := compileFilter(f)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s%s", quoteIdent(table), where)
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

func (s session) FindIDs(ctx context.Context, table string, f Filter) ([]int64, error) {
	rows, err := s.Query(ctx, table, []string{"Id"}, f, "Id")
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		id, ok := r["Id"].(int64)
		if !ok {
			return nil, fmt.Errorf("find ids %s: non-integer id %v", table, r["Id"])
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s session) Max(ctx context.Context, table, column string, f Filter) (int64, error) {
	return s.aggregate(ctx, "MAX", table, column, f)
}

func (s session) Min(ctx context.Context, table, column string, f Filter) (int64, error) {
	return s.aggregate(ctx, "MIN", table, column, f)
}

func (s session) Sum(ctx context.Context, table, column string, f Filter) (int64, error) {
	return s.aggregate(ctx, "SUM", table, column, f)
}

func (s session) aggregate(ctx context.Context, fn, table, column string, f Filter) (int64, error) {
	where, args, err := compileFilter(f)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COALESCE(%s(%s), 0) FROM %s%s", fn, quoteIdent(column), quoteIdent(table), where)
	var v int64
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return 0, fmt.Errorf("%s %s.%s: %w", strings.ToLower(fn), table, column, err)
	}
	return v, nil
}

func compileFilter(f Filter) (where string, args []any, err error) {
	if len(f.Conds) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(f.Conds))
	for _, c := range f.Conds {
		col := quoteIdent(c.Column)
		switch c.Op {
		case OpEq:
			parts = append(parts, col+" = ?")
			args = append(args, Normalize(c.Value))
		case OpNe:
			parts = append(parts, col+" <> ?")
			args = append(args, Normalize(c.Value))
		case OpGt:
			parts = append(parts, col+" > ?")
			args = append(args, Normalize(c.Value))
		case OpGe:
			parts = append(parts, col+" >= ?")
			args = append(args, Normalize(c.Value))
		case OpLt:
			parts = append(parts, col+" < ?")
			args = append(args, Normalize(c.Value))
		case OpLe:
			parts = append(parts, col+" <= ?")
			args = append(args, Normalize(c.Value))
		case OpIn:
			if len(c.Values) == 0 {
				// IN over an empty set matches nothing.
				parts = append(parts, "1 = 0")
				continue
			}
			marks := make([]string, len(c.Values))
			for i, v := range c.Values {
				marks[i] = "?"
				args = append(args, Normalize(v))
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", col, strings.Join(marks, ", ")))
		case OpIsNull:
			parts = append(parts, col+" IS NULL")
		case OpNotNull:
			parts = append(parts, col+" IS NOT NULL")
		default:
			return "", nil, fmt.Errorf("filter: unknown operator %d on %s", c.Op, c.Column)
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sortedColumns(values Row) []string {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	// Deterministic statement text keeps query logs reproducible.
	sort.Strings(cols)
	return cols
}
