// Package backend defines the relational backend surface the engine
// consumes: filtered reads, field updates, inserts, deletes and
// transactions. The engine never sees SQL; it builds Filter values and
// row maps and leaves the dialect to the implementation.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetValue/GetValues when no row has the
// requested id.
var ErrNotFound = errors.New("backend: row not found")

// Row is one table row, keyed by column name. Values are the driver's
// native scalar types (int64, float64, string, []byte, nil).
type Row map[string]any

// Op is a filter comparison operator.
type Op int

const (
	OpEq Op = iota + 1
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
	OpIn
	OpIsNull
	OpNotNull
)

// Cond is one column condition.
type Cond struct {
	Column string
	Op     Op
	Value  any
	Values []any // OpIn only
}

// Filter is a conjunction of conditions. The zero Filter matches all rows.
type Filter struct {
	Conds []Cond
}

func Where(conds ...Cond) Filter { return Filter{Conds: conds} }

func Eq(column string, v any) Cond { return Cond{Column: column, Op: OpEq, Value: v} }
func Ne(column string, v any) Cond { return Cond{Column: column, Op: OpNe, Value: v} }
func Gt(column string, v any) Cond { return Cond{Column: column, Op: OpGt, Value: v} }
func Ge(column string, v any) Cond { return Cond{Column: column, Op: OpGe, Value: v} }
func Lt(column string, v any) Cond { return Cond{Column: column, Op: OpLt, Value: v} }
func Le(column string, v any) Cond { return Cond{Column: column, Op: OpLe, Value: v} }

func In(column string, values []any) Cond {
	return Cond{Column: column, Op: OpIn, Values: values}
}

// InIDs builds an OpIn condition from an id slice.
func InIDs(column string, ids []int64) Cond {
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return In(column, values)
}

func IsNull(column string) Cond  { return Cond{Column: column, Op: OpIsNull} }
func NotNull(column string) Cond { return Cond{Column: column, Op: OpNotNull} }

// Conn is the query surface shared by a backend and its transactions.
type Conn interface {
	// Query returns the requested columns of every row matching the
	// filter, optionally ordered by a column name.
	Query(ctx context.Context, table string, columns []string, f Filter, orderBy string) ([]Row, error)

	// GetValue reads one column of the row with the given id.
	GetValue(ctx context.Context, table string, id int64, column string) (any, error)

	// GetValues reads the given columns of the row with the given id.
	// Returns ErrNotFound when the row does not exist.
	GetValues(ctx context.Context, table string, id int64, columns []string) (Row, error)

	// SetValue updates one column of the row with the given id.
	SetValue(ctx context.Context, table string, id int64, column string, value any) error

	// SetValues updates the given columns of the row with the given id.
	SetValues(ctx context.Context, table string, id int64, values Row) error

	// Insert adds a row. The id column must be part of values; the
	// engine allocates ids itself.
	Insert(ctx context.Context, table string, values Row) error

	// Delete removes every row matching the filter.
	Delete(ctx context.Context, table string, f Filter) error

	// FindIDs returns the Id column of every row matching the filter.
	FindIDs(ctx context.Context, table string, f Filter) ([]int64, error)

	// Max returns the maximum of a column over matching rows, 0 when
	// no rows match. Min and Sum behave analogously.
	Max(ctx context.Context, table, column string, f Filter) (int64, error)
	Min(ctx context.Context, table, column string, f Filter) (int64, error)
	Sum(ctx context.Context, table, column string, f Filter) (int64, error)
}

// Tx is a backend transaction. Rollback after Commit is a no-op, so
// `defer tx.Rollback()` is always safe.
type Tx interface {
	Conn
	Commit() error
	Rollback() error
}

// Backend is the full relational backend surface.
type Backend interface {
	Conn
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// TimeFormat encodes time columns. Unlike RFC3339Nano it keeps the
// fractional seconds fixed-width, so UTC timestamps sort
// lexicographically and range filters on time columns compare
// correctly as strings.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Normalize maps engine-level values onto the scalar forms the backend
// stores, so column deltas can be computed by comparing a pending value
// against a value read back from the database.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case int64:
		return x
	case float32:
		return float64(x)
	case float64:
		return x
	case time.Time:
		return x.UTC().Format(TimeFormat)
	case string:
		return x
	case []byte:
		return x
	default:
		return v
	}
}

// Equal compares two values after normalization. []byte compares by
// content.
func Equal(a, b any) bool {
	na, nb := Normalize(a), Normalize(b)
	ba, aok := na.([]byte)
	bb, bok := nb.([]byte)
	if aok || bok {
		if !aok || !bok || len(ba) != len(bb) {
			return false
		}
		for i := range ba {
			if ba[i] != bb[i] {
				return false
			}
		}
		return true
	}
	return na == nb
}
