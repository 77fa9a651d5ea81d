package reldoc

import (
	"context"

	"github.com/kartikbazzad/reldoc/internal/backend"
	"github.com/kartikbazzad/reldoc/internal/errors"
	"github.com/kartikbazzad/reldoc/internal/schema"
)

// ActionKind tags one ledger entry.
type ActionKind int

const (
	ActionInsert ActionKind = iota + 1
	ActionEdit
	ActionDelete
	// ActionBase marks a baseline entry written when a pre-existing row
	// enters the ledger for the first time.
	ActionBase
)

func (k ActionKind) String() string {
	switch k {
	case ActionInsert:
		return "insert"
	case ActionEdit:
		return "edit"
	case ActionDelete:
		return "delete"
	case ActionBase:
		return "base"
	default:
		return "unknown"
	}
}

// nextVersion assigns the version a document will carry after this
// Apply: 1 for first inserts, current backend version + 1 otherwise.
// Memoized so it runs at most once per document per Apply.
func (a *applyCtx) nextVersion(ctx context.Context, t *schema.DocType, ref DocRef, insert bool) (int64, error) {
	if v, done := a.versions[ref]; done {
		return v, nil
	}
	var v int64 = 1
	if !insert {
		cur, err := a.tx.GetValue(ctx, t.Table, ref.ID, schema.ColVersion)
		if err != nil {
			return 0, errors.Backend("read version", err)
		}
		curV, _ := asInt64(cur)
		if curV < 1 {
			return 0, errors.Inconsistencyf("%s has no version but is being edited", ref)
		}
		v = curV + 1
	}
	a.versions[ref] = v
	return v, nil
}

// userAction returns the UserActions row id shared by every ledger
// entry of this Apply, creating the row lazily on first use.
func (a *applyCtx) userAction(ctx context.Context) (int64, error) {
	if a.userActionID != 0 {
		return a.userActionID, nil
	}
	max, err := a.tx.Max(ctx, backend.UserActionsTable, schema.ColID, backend.Filter{})
	if err != nil {
		return 0, errors.Backend("allocate user action id", err)
	}
	id := max + 1
	err = a.tx.Insert(ctx, backend.UserActionsTable, backend.Row{
		schema.ColID:  id,
		"UserId":      a.e.cfg.Engine.UserID,
		"SessionId":   a.e.cfg.Engine.SessionID,
		"StartTime":   a.start,
		"ActionTime":  a.e.now(),
		"Description": a.cs.description,
	})
	if err != nil {
		return 0, errors.Backend("write user action", err)
	}
	a.userActionID = id
	return id, nil
}

// recordAction appends one ledger entry for a mutated document.
func (a *applyCtx) recordAction(ctx context.Context, t *schema.DocType, docID, version int64, kind ActionKind) error {
	actionID, err := a.userAction(ctx)
	if err != nil {
		return err
	}
	max, err := a.tx.Max(ctx, backend.DocActionsTable, schema.ColID, backend.Filter{})
	if err != nil {
		return errors.Backend("allocate ledger id", err)
	}
	err = a.tx.Insert(ctx, backend.DocActionsTable, backend.Row{
		schema.ColID:   max + 1,
		"DocTypeId":    t.ID,
		"DocId":        docID,
		"Version":      version,
		"Kind":         int64(kind),
		"UserActionId": actionID,
	})
	if err != nil {
		return errors.Backend("write ledger entry", err)
	}
	a.e.metrics.LedgerEntries.Inc()
	return nil
}

// archiveMain copies the live main row into the history store before
// its content columns are overwritten at atVersion. The snapshot
// window is [window start of the live content, atVersion). Lazy: if
// the live content was already archived through atVersion, or nothing
// will change it, the caller skips the call entirely.
func (a *applyCtx) archiveMain(ctx context.Context, t *schema.DocType, docID, atVersion int64, current backend.Row) error {
	start, _ := asInt64(current[schema.ColVersion2])
	if start >= atVersion {
		return nil
	}
	row := backend.Row{
		schema.ColID:           docID,
		schema.ColStartVersion: start,
		schema.ColVersion2:     atVersion,
		schema.ColCreateUser:   current[schema.ColCreateUser],
		schema.ColCreateTime:   current[schema.ColCreateTime],
		schema.ColChangeUser:   current[schema.ColChangeUser],
		schema.ColChangeTime:   current[schema.ColChangeTime],
	}
	for _, c := range t.Columns {
		row[c.Name] = current[c.Name]
	}
	if err := a.tx.Insert(ctx, t.HistoryTable(), row); err != nil {
		return errors.Backend("archive row", err)
	}
	a.e.metrics.ArchivedRows.Inc()
	return nil
}

// archiveSub snapshots a live sub row before it changes at atVersion.
func (a *applyCtx) archiveSub(ctx context.Context, s *schema.SubDocType, subID, atVersion int64, current backend.Row) error {
	start, _ := asInt64(current[schema.ColStartVersion])
	if start >= atVersion {
		return nil
	}
	row := backend.Row{
		schema.ColID:           subID,
		schema.ColStartVersion: start,
		schema.ColVersion2:     atVersion,
	}
	for _, c := range s.Columns {
		row[c.Name] = current[c.Name]
	}
	if err := a.tx.Insert(ctx, s.HistoryTable(), row); err != nil {
		return errors.Backend("archive sub row", err)
	}
	a.e.metrics.ArchivedRows.Inc()
	return nil
}
