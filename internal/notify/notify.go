// Package notify dispatches post-commit cache invalidations.
//
// Invalidation is fire-and-forget: a commit never waits for, and never
// fails on, a notification. A crash between commit and dispatch leaves
// a stale cache entry, which the cache's own refresh path corrects.
package notify

import (
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/reldoc/internal/logger"
)

// Invalidator receives table-level invalidations after a commit.
type Invalidator interface {
	Invalidate(table string, ids []int64)
}

// Dispatcher fans invalidations out to an Invalidator on a bounded
// worker pool.
type Dispatcher struct {
	pool   *ants.Pool
	target Invalidator
	logger *logger.Logger
	wg     sync.WaitGroup
}

func NewDispatcher(target Invalidator, workers, queueSize int, log *logger.Logger) (*Dispatcher, error) {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	pool, err := ants.NewPool(workers, ants.WithMaxBlockingTasks(queueSize))
	if err != nil {
		return nil, err
	}
	return &Dispatcher{pool: pool, target: target, logger: log}, nil
}

// Dispatch submits one invalidation. Never blocks the caller beyond
// pool submission; a submission failure falls back to inline delivery
// so no invalidation is dropped while the process lives.
func (d *Dispatcher) Dispatch(table string, ids []int64) {
	if d == nil || d.target == nil {
		return
	}
	d.wg.Add(1)
	err := d.pool.Submit(func() {
		defer d.wg.Done()
		d.target.Invalidate(table, ids)
	})
	if err != nil {
		d.logger.Warn("invalidation pool rejected task for %s: %v, delivering inline", table, err)
		d.target.Invalidate(table, ids)
		d.wg.Done()
	}
}

// Flush blocks until every dispatched invalidation has been delivered.
// Used by tests and by Close.
func (d *Dispatcher) Flush() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.Flush()
	d.pool.Release()
}
