package reldoc

import (
	"context"
	"sort"
	"time"

	"github.com/kartikbazzad/reldoc/internal/backend"
	"github.com/kartikbazzad/reldoc/internal/errors"
	"github.com/kartikbazzad/reldoc/internal/schema"
)

// HistoryEntry is one ledger row of a document, joined with the user
// action that produced it.
type HistoryEntry struct {
	Version     int64
	Kind        ActionKind
	UserID      string
	SessionID   string
	ActionTime  time.Time
	Description string
}

// UserAction is one Apply call's ledger envelope.
type UserAction struct {
	ID          int64
	UserID      string
	SessionID   string
	StartTime   time.Time
	ActionTime  time.Time
	Description string
}

// VersionedDoc is a document reconstructed as of one version.
type VersionedDoc struct {
	Type    string
	ID      int64
	Version int64
	Fields  backend.Row
	Subs    []VersionedSub
}

type VersionedSub struct {
	SubType string
	ID      int64
	Fields  backend.Row
}

// GetHistory returns the ledger entries of one document, oldest first.
func (e *Engine) GetHistory(ctx context.Context, docType string, docID int64) ([]HistoryEntry, error) {
	if e.isClosed() {
		return nil, errors.ErrEngineClosed
	}
	t, ok := e.reg.Type(docType)
	if !ok {
		return nil, errors.Validationf("unknown document type %q", docType)
	}
	if err := e.checkHistoryPermission(ctx, docType, docID); err != nil {
		return nil, err
	}

	rows, err := e.db.Query(ctx, backend.DocActionsTable,
		[]string{"Version", "Kind", "UserActionId"},
		backend.Where(backend.Eq("DocTypeId", t.ID), backend.Eq("DocId", docID)),
		schema.ColID)
	if err != nil {
		return nil, errors.Backend("read ledger", err)
	}

	actionIDs := make([]int64, 0, len(rows))
	seen := make(map[int64]struct{})
	for _, r := range rows {
		id, _ := asInt64(r["UserActionId"])
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			actionIDs = append(actionIDs, id)
		}
	}
	actions, err := e.loadUserActions(ctx, backend.Where(backend.InIDs(schema.ColID, actionIDs)))
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]UserAction, len(actions))
	for _, ua := range actions {
		byID[ua.ID] = ua
	}

	out := make([]HistoryEntry, 0, len(rows))
	for _, r := range rows {
		v, _ := asInt64(r["Version"])
		k, _ := asInt64(r["Kind"])
		aid, _ := asInt64(r["UserActionId"])
		ua := byID[aid]
		out = append(out, HistoryEntry{
			Version:     v,
			Kind:        ActionKind(k),
			UserID:      ua.UserID,
			SessionID:   ua.SessionID,
			ActionTime:  ua.ActionTime,
			Description: ua.Description,
		})
	}
	e.metrics.HistoryReads.Inc()
	return out, nil
}

// GetUserActions returns the actions in [from, to], newest last,
// optionally filtered by user and by the document type they touched.
// Zero time bounds are open ends; empty userID/docType mean no filter.
func (e *Engine) GetUserActions(ctx context.Context, from, to time.Time, userID, docType string) ([]UserAction, error) {
	if e.isClosed() {
		return nil, errors.ErrEngineClosed
	}
	var conds []backend.Cond
	if !from.IsZero() {
		conds = append(conds, backend.Ge("ActionTime", from))
	}
	if !to.IsZero() {
		conds = append(conds, backend.Le("ActionTime", to))
	}
	if userID != "" {
		conds = append(conds, backend.Eq("UserId", userID))
	}
	actions, err := e.loadUserActions(ctx, backend.Where(conds...))
	if err != nil {
		return nil, err
	}
	if docType == "" {
		return actions, nil
	}

	t, ok := e.reg.Type(docType)
	if !ok {
		return nil, errors.Validationf("unknown document type %q", docType)
	}
	touching, err := e.db.Query(ctx, backend.DocActionsTable, []string{"UserActionId"},
		backend.Where(backend.Eq("DocTypeId", t.ID)), "")
	if err != nil {
		return nil, errors.Backend("read ledger", err)
	}
	wanted := make(map[int64]struct{}, len(touching))
	for _, r := range touching {
		id, _ := asInt64(r["UserActionId"])
		wanted[id] = struct{}{}
	}
	out := actions[:0]
	for _, ua := range actions {
		if _, ok := wanted[ua.ID]; ok {
			out = append(out, ua)
		}
	}
	return out, nil
}

func (e *Engine) loadUserActions(ctx context.Context, f backend.Filter) ([]UserAction, error) {
	rows, err := e.db.Query(ctx, backend.UserActionsTable,
		[]string{schema.ColID, "UserId", "SessionId", "StartTime", "ActionTime", "Description"},
		f, schema.ColID)
	if err != nil {
		return nil, errors.Backend("read user actions", err)
	}
	out := make([]UserAction, 0, len(rows))
	for _, r := range rows {
		id, _ := asInt64(r[schema.ColID])
		out = append(out, UserAction{
			ID:          id,
			UserID:      asString(r["UserId"]),
			SessionID:   asString(r["SessionId"]),
			StartTime:   asTime(r["StartTime"]),
			ActionTime:  asTime(r["ActionTime"]),
			Description: asString(r["Description"]),
		})
	}
	return out, nil
}

// GetVersion reconstructs a document as it was at the given version,
// from the live row and the archived snapshot windows. Sub rows of a
// hard-deleted document are not recoverable: their snapshots carry no
// owner reference once the live rows are gone.
func (e *Engine) GetVersion(ctx context.Context, docType string, docID, version int64) (*VersionedDoc, error) {
	if e.isClosed() {
		return nil, errors.ErrEngineClosed
	}
	if version < 1 {
		return nil, errors.Validationf("version must be positive, got %d", version)
	}
	t, ok := e.reg.Type(docType)
	if !ok {
		return nil, errors.Validationf("unknown document type %q", docType)
	}
	if err := e.checkHistoryPermission(ctx, docType, docID); err != nil {
		return nil, err
	}

	doc := &VersionedDoc{Type: docType, ID: docID, Version: version}

	live, err := e.db.GetValues(ctx, t.Table, docID, mainColumns(t))
	switch {
	case err == nil:
		curV, _ := asInt64(live[schema.ColVersion])
		if version > curV {
			return nil, errors.Validationf("%s(%d) has no version %d (current is %d)", docType, docID, version, curV)
		}
		windowStart, _ := asInt64(live[schema.ColVersion2])
		if version >= windowStart {
			doc.Fields = userFields(live, t.Columns)
		} else {
			fields, err := e.historyFields(ctx, t.HistoryTable(), docID, version, t.Columns)
			if err != nil {
				return nil, err
			}
			if fields == nil {
				return nil, errors.Validationf("%s(%d) has no snapshot covering version %d", docType, docID, version)
			}
			doc.Fields = fields
		}
	case err == backend.ErrNotFound:
		// Hard-deleted: only the history store remains.
		fields, err := e.historyFields(ctx, t.HistoryTable(), docID, version, t.Columns)
		if err != nil {
			return nil, err
		}
		if fields == nil {
			return nil, errors.Validationf("%s(%d) has no snapshot covering version %d", docType, docID, version)
		}
		doc.Fields = fields
		e.metrics.HistoryReads.Inc()
		return doc, nil
	default:
		return nil, errors.Backend("read document", err)
	}

	for _, st := range t.SubDocs {
		subs, err := e.versionedSubs(ctx, st, docID, version)
		if err != nil {
			return nil, err
		}
		doc.Subs = append(doc.Subs, subs...)
	}
	sort.SliceStable(doc.Subs, func(i, j int) bool {
		if doc.Subs[i].SubType != doc.Subs[j].SubType {
			return doc.Subs[i].SubType < doc.Subs[j].SubType
		}
		return doc.Subs[i].ID < doc.Subs[j].ID
	})
	e.metrics.HistoryReads.Inc()
	return doc, nil
}

// versionedSubs applies the snapshot windowing per live sub row. A
// deleted live row whose StartVersion (the deletion version) is past
// the requested version, with no snapshot covering it, counts as live:
// its content never changed before the deletion, so it was never
// archived.
func (e *Engine) versionedSubs(ctx context.Context, st *schema.SubDocType, docID, version int64) ([]VersionedSub, error) {
	rows, err := e.db.Query(ctx, st.Table, subColumns(st),
		backend.Where(backend.Eq(schema.ColDocID, docID)), schema.ColID)
	if err != nil {
		return nil, errors.Backend("read sub rows", err)
	}
	var out []VersionedSub
	for _, row := range rows {
		subID, _ := asInt64(row[schema.ColID])
		start, _ := asInt64(row[schema.ColStartVersion])
		del, _ := asInt64(backendBool(row[schema.ColDeleted]))
		deleted := del != 0

		if deleted && start <= version {
			continue // deletion predates the requested version
		}
		if !deleted && start <= version {
			out = append(out, VersionedSub{SubType: st.Name, ID: subID, Fields: userFields(row, st.Columns)})
			continue
		}
		fields, err := e.historyFields(ctx, st.HistoryTable(), subID, version, st.Columns)
		if err != nil {
			return nil, err
		}
		if fields != nil {
			out = append(out, VersionedSub{SubType: st.Name, ID: subID, Fields: fields})
			continue
		}
		if deleted {
			out = append(out, VersionedSub{SubType: st.Name, ID: subID, Fields: userFields(row, st.Columns)})
		}
		// else: the row did not exist yet at the requested version
	}
	return out, nil
}

// historyFields finds the snapshot whose window covers the version.
func (e *Engine) historyFields(ctx context.Context, table string, id, version int64, cols []schema.Column) (backend.Row, error) {
	names := []string{schema.ColStartVersion, schema.ColVersion2}
	for _, c := range cols {
		names = append(names, c.Name)
	}
	rows, err := e.db.Query(ctx, table, names, backend.Where(
		backend.Eq(schema.ColID, id),
		backend.Le(schema.ColStartVersion, version),
		backend.Gt(schema.ColVersion2, version),
	), schema.ColStartVersion)
	if err != nil {
		return nil, errors.Backend("read history", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return userFields(rows[len(rows)-1], cols), nil
}

func (e *Engine) checkHistoryPermission(ctx context.Context, docType string, docID int64) error {
	if e.perms == nil {
		return nil
	}
	ok, err := e.perms.CanReadHistory(ctx, docType, docID)
	if err != nil {
		return errors.Backend("permission check", err)
	}
	if !ok {
		return errors.Permissionf(docType, docID, "history access not permitted")
	}
	return nil
}

func userFields(row backend.Row, cols []schema.Column) backend.Row {
	out := make(backend.Row, len(cols))
	for _, c := range cols {
		out[c.Name] = row[c.Name]
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
