// Package reldoc implements a document transaction engine over a
// relational backend. Callers assemble a ChangeSet of document and
// sub-document mutations and submit it with Apply, which allocates
// permanent ids for new rows, versions and archives every change,
// serializes conflicting callers through short and long locks, and
// validates referential integrity before committing, all inside one
// backend transaction.
package reldoc

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/reldoc/internal/backend"
	"github.com/kartikbazzad/reldoc/internal/config"
	"github.com/kartikbazzad/reldoc/internal/errors"
	"github.com/kartikbazzad/reldoc/internal/logger"
	"github.com/kartikbazzad/reldoc/internal/metrics"
	"github.com/kartikbazzad/reldoc/internal/notify"
	"github.com/kartikbazzad/reldoc/internal/schema"
)

// PermissionChecker is the port to whatever decides access. A nil
// checker allows everything. Denials surface as Permission errors,
// distinct from validation, so callers can render "not allowed"
// instead of "not found".
type PermissionChecker interface {
	CanApply(ctx context.Context, docType string, id int64, state DocState) (bool, error)
	CanReadHistory(ctx context.Context, docType string, id int64) (bool, error)
}

// Options configures a new Engine. Registry and Backend are required;
// everything else has a working default.
type Options struct {
	Config      *config.Config
	Registry    *schema.Registry
	Backend     backend.Backend
	Locks       *LockManager // share one manager across engines over the same store
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
	Permissions PermissionChecker
	Blobs       BlobStore
	Cache       notify.Invalidator
}

// Engine is the document transaction engine. One engine serves many
// callers; Apply calls touching disjoint document sets run in
// parallel, intersecting ones serialize on the lock manager.
type Engine struct {
	reg     *schema.Registry
	db      backend.Backend
	locks   *LockManager
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics
	perms   PermissionChecker
	blobs   BlobStore
	notify  *notify.Dispatcher

	nowFn  func() time.Time
	closed chan struct{}
}

func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.Validationf("engine requires a schema registry")
	}
	if opts.Backend == nil {
		return nil, errors.Validationf("engine requires a relational backend")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	locks := opts.Locks
	if locks == nil {
		locks = NewLockManager()
	}
	e := &Engine{
		reg:     opts.Registry,
		db:      opts.Backend,
		locks:   locks,
		cfg:     cfg,
		log:     log,
		metrics: m,
		perms:   opts.Permissions,
		blobs:   opts.Blobs,
		nowFn:   func() time.Time { return time.Now().UTC() },
		closed:  make(chan struct{}),
	}
	if opts.Cache != nil {
		d, err := notify.NewDispatcher(opts.Cache, cfg.Notify.Workers, cfg.Notify.QueueSize, log)
		if err != nil {
			return nil, errors.Backend("start invalidation dispatcher", err)
		}
		e.notify = d
	}
	return e, nil
}

// NewChangeSet returns an empty container bound to this engine's schema.
func (e *Engine) NewChangeSet() *ChangeSet { return NewChangeSet(e.reg) }

// Registry exposes the schema the engine was built with.
func (e *Engine) Registry() *schema.Registry { return e.reg }

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// Close shuts the engine down: pending invalidations are flushed, the
// backend is closed. In-flight Apply calls are not interrupted; new
// calls fail.
func (e *Engine) Close() error {
	if e.isClosed() {
		return nil
	}
	close(e.closed)
	e.notify.Close()
	return e.db.Close()
}

// applyCtx carries the per-call state of one Apply through its phases.
type applyCtx struct {
	e            *Engine
	tx           backend.Tx
	cs           *ChangeSet
	start        time.Time
	userActionID int64
	versions     map[DocRef]int64
	originals    map[DocRef]backend.Row
	subOriginals map[subKey]backend.Row
	touched      map[string][]int64
}

// Apply atomically applies every pending mutation in the container.
// On success the container is cleared, or reloaded with the committed
// rows when reload is true, and returned. On failure the container is
// restored to its pre-call state so the caller can inspect or retry
// it, and nothing is committed.
//
// Apply blocks on conflicting short locks up to the configured wait;
// conflicting long locks fail immediately with a LockConflict unless
// the container ignores them via IgnoreLongLock.
func (e *Engine) Apply(ctx context.Context, cs *ChangeSet, reload bool) (*ChangeSet, error) {
	if e.isClosed() {
		return nil, errors.ErrEngineClosed
	}
	if cs == nil {
		return nil, errors.Validationf("nil change set")
	}
	if cs.consumed {
		return nil, errors.ErrChangeSetConsumed
	}

	start := e.now()
	result, err := e.apply(ctx, cs, reload, start)
	e.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.AppliesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	e.metrics.AppliesTotal.WithLabelValues("ok").Inc()
	return result, nil
}

func (e *Engine) apply(ctx context.Context, cs *ChangeSet, reload bool, start time.Time) (*ChangeSet, error) {
	if err := e.checkApplyPermissions(ctx, cs); err != nil {
		return nil, err
	}
	if cs.mutatedCount() == 0 {
		e.log.Debug("apply: empty batch, nothing to do")
		return cs, nil
	}

	snap := snapshotChangeSet(cs)

	if err := stageBlobs(ctx, e.blobs, cs); err != nil {
		snap.restore()
		return nil, err
	}

	refs := cs.mutatedRefs()
	release, err := e.locks.AcquireShort(ctx, refs, cs.ignoreLocks, e.cfg.Locks.ShortWait.Std())
	if err != nil {
		if errors.IsLockConflict(err) {
			e.metrics.LockConflicts.Inc()
		}
		snap.restore()
		return nil, err
	}
	defer release()

	tx, err := e.db.Begin(ctx)
	if err != nil {
		snap.restore()
		return nil, errors.Backend("begin transaction", err)
	}
	defer tx.Rollback()

	a := &applyCtx{
		e:            e,
		tx:           tx,
		cs:           cs,
		start:        start,
		versions:     make(map[DocRef]int64),
		originals:    make(map[DocRef]backend.Row),
		subOriginals: make(map[subKey]backend.Row),
		touched:      make(map[string][]int64),
	}

	err = a.run(ctx)
	if err == nil {
		err = tx.Commit()
		if err != nil {
			err = errors.Backend("commit", err)
		}
	}
	if err != nil {
		tx.Rollback()
		snap.restore()
		e.metrics.RollbacksTotal.Inc()
		e.log.Warn("apply rolled back: %v", err)
		return nil, err
	}

	e.log.Debug("apply committed: %d documents in %s", len(refs), time.Since(start))
	if e.notify != nil {
		for table, ids := range a.touched {
			e.notify.Dispatch(table, ids)
			e.metrics.Invalidations.Inc()
		}
	}

	if reload {
		if err := e.reloadChangeSet(ctx, cs); err != nil {
			// The commit stands; the caller just gets no reloaded view.
			return nil, err
		}
		return cs, nil
	}
	cs.clear()
	return cs, nil
}

// run executes the in-transaction phases in their fixed order.
func (a *applyCtx) run(ctx context.Context) error {
	if err := a.loadOriginals(ctx); err != nil {
		return err
	}
	if err := a.checkDeletions(ctx); err != nil {
		return err
	}
	ids, err := resolveIDs(ctx, a.tx, a.cs)
	if err != nil {
		return err
	}
	if err := rewriteAll(a.cs, ids); err != nil {
		return err
	}
	if err := a.writeAll(ctx); err != nil {
		return err
	}
	return a.validateReferences(ctx)
}

func (e *Engine) checkApplyPermissions(ctx context.Context, cs *ChangeSet) error {
	if e.perms == nil {
		return nil
	}
	return cs.eachDoc(func(d *Document) error {
		if !d.state.mutated() {
			return nil
		}
		ok, err := e.perms.CanApply(ctx, d.docType.Name, d.id, d.state)
		if err != nil {
			return errors.Backend("permission check", err)
		}
		if !ok {
			return errors.Permissionf(d.docType.Name, d.id, "%s not permitted", d.state)
		}
		return nil
	})
}

// reloadChangeSet re-reads every surviving document of a committed
// container from the backend, leaving the container in View state for
// further edits. Deleted documents drop out.
func (e *Engine) reloadChangeSet(ctx context.Context, cs *ChangeSet) error {
	for _, set := range cs.Sets() {
		for _, d := range set.Docs() {
			if d.state == StateDelete {
				set.remove(d.id)
				continue
			}
			if err := e.loadInto(ctx, d); err != nil {
				return err
			}
		}
	}
	cs.consumed = false
	return nil
}

// Load opens a document in View state and fills it with the backend's
// current values, including its live sub-document rows.
func (e *Engine) Load(ctx context.Context, cs *ChangeSet, docType string, id int64) (*Document, error) {
	if e.isClosed() {
		return nil, errors.ErrEngineClosed
	}
	d, err := cs.View(docType, id)
	if err != nil {
		return nil, err
	}
	if err := e.loadInto(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Engine) loadInto(ctx context.Context, d *Document) error {
	row, err := e.db.GetValues(ctx, d.docType.Table, d.id, mainColumns(d.docType))
	if err != nil {
		if err == backend.ErrNotFound {
			return errors.Validationf("%s does not exist", d.Ref())
		}
		return errors.Backend("load document", err)
	}
	if d.docType.SoftDelete {
		if del, _ := asInt64(backendBool(row[schema.ColDeleted])); del != 0 {
			return errors.Validationf("%s is deleted", d.Ref())
		}
	}
	d.state = StateView
	d.version, _ = asInt64(row[schema.ColVersion])
	d.fields = make(backend.Row, len(d.docType.Columns))
	d.dirty = make(map[string]struct{})
	for _, c := range d.docType.Columns {
		d.fields[c.Name] = row[c.Name]
	}

	d.subs = make(map[string]*subSet)
	d.subOrder = nil
	for _, st := range d.docType.SubDocs {
		rows, err := e.db.Query(ctx, st.Table, subColumns(st), backend.Where(
			backend.Eq(schema.ColDocID, d.id),
			backend.Eq(schema.ColDeleted, false),
		), schema.ColID)
		if err != nil {
			return errors.Backend("load sub-documents", err)
		}
		if len(rows) == 0 {
			continue
		}
		set := &subSet{subType: st, rows: make(map[int64]*SubDocument)}
		d.subs[st.Name] = set
		d.subOrder = append(d.subOrder, st.Name)
		for _, r := range rows {
			subID, _ := asInt64(r[schema.ColID])
			sub := &SubDocument{
				doc:     d,
				subType: st,
				id:      subID,
				state:   StateView,
				fields:  make(backend.Row, len(st.Columns)),
				dirty:   make(map[string]struct{}),
			}
			for _, c := range st.Columns {
				sub.fields[c.Name] = r[c.Name]
			}
			set.add(sub)
		}
	}
	return nil
}

// AddLongLock takes an explicit lock over the given documents that
// survives across Apply calls until removed.
func (e *Engine) AddLongLock(refs []DocRef) (uuid.UUID, error) {
	if e.isClosed() {
		return uuid.Nil, errors.ErrEngineClosed
	}
	guid, err := e.locks.AddLong(refs)
	if err != nil {
		e.metrics.LockConflicts.Inc()
		return uuid.Nil, err
	}
	e.metrics.LongLocksActive.Inc()
	return guid, nil
}

// RemoveLongLock releases a long lock. Idempotent.
func (e *Engine) RemoveLongLock(guid uuid.UUID) bool {
	removed := e.locks.RemoveLong(guid)
	if removed {
		e.metrics.LongLocksActive.Dec()
	}
	return removed
}

// changeSetSnapshot captures the caller-visible state Apply mutates,
// so a failed call can hand the container back untouched.
type changeSetSnapshot struct {
	cs   *ChangeSet
	docs []docSnapshot
}

type docSnapshot struct {
	doc     *Document
	id      int64
	version int64
	fields  backend.Row
	props   map[string]any
	subs    []subSnapshot
}

type subSnapshot struct {
	sub    *SubDocument
	id     int64
	fields backend.Row
}

func snapshotChangeSet(cs *ChangeSet) *changeSetSnapshot {
	snap := &changeSetSnapshot{cs: cs}
	cs.eachDoc(func(d *Document) error {
		ds := docSnapshot{
			doc:     d,
			id:      d.id,
			version: d.version,
			fields:  copyRow(d.fields),
			props:   copyProps(d.props),
		}
		d.eachSub(func(s *SubDocument) error {
			ds.subs = append(ds.subs, subSnapshot{sub: s, id: s.id, fields: copyRow(s.fields)})
			return nil
		})
		snap.docs = append(snap.docs, ds)
		return nil
	})
	return snap
}

func (snap *changeSetSnapshot) restore() {
	for i := range snap.docs {
		ds := &snap.docs[i]
		d := ds.doc
		if d.id != ds.id {
			snap.cs.sets[d.docType.Name].rekey(d.id, ds.id)
			d.id = ds.id
		}
		d.version = ds.version
		d.fields = copyRow(ds.fields)
		d.props = copyProps(ds.props)
		for j := range ds.subs {
			ss := &ds.subs[j]
			s := ss.sub
			if s.id != ss.id {
				d.subs[s.subType.Name].rekey(s.id, ss.id)
				s.id = ss.id
			}
			s.fields = copyRow(ss.fields)
		}
	}
}

func copyRow(r backend.Row) backend.Row {
	out := make(backend.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func copyProps(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
