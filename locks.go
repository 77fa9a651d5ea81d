package reldoc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/reldoc/internal/errors"
)

// LockManager serializes document access within this process. Short
// locks live for one Apply call; long locks are explicit, guid-keyed
// and survive across calls. It only orders Apply calls sharing this
// manager; cross-process ordering is the backend transaction's job.
//
// A LockManager may be shared by several Engine instances over the
// same store.
type LockManager struct {
	mu      sync.Mutex
	short   map[DocRef]struct{}
	long    map[DocRef]uuid.UUID
	byGuid  map[uuid.UUID][]DocRef
	changed chan struct{}
}

func NewLockManager() *LockManager {
	return &LockManager{
		short:   make(map[DocRef]struct{}),
		long:    make(map[DocRef]uuid.UUID),
		byGuid:  make(map[uuid.UUID][]DocRef),
		changed: make(chan struct{}),
	}
}

// AcquireShort takes short locks on every ref atomically. A conflicting
// long lock (not in ignore) fails immediately; conflicting short locks
// are waited out up to wait, so intersecting Apply calls serialize.
// The returned release function is safe to call exactly once.
func (m *LockManager) AcquireShort(ctx context.Context, refs []DocRef, ignore map[uuid.UUID]struct{}, wait time.Duration) (func(), error) {
	deadline := time.Now().Add(wait)
	for {
		m.mu.Lock()
		if ref, guid, conflict := m.longConflict(refs, ignore); conflict {
			m.mu.Unlock()
			return nil, errors.LockConflictf(ref.Type, ref.ID, "held by long lock %s", guid)
		}
		blocked, blockedRef := m.shortConflict(refs)
		if !blocked {
			for _, r := range refs {
				m.short[r] = struct{}{}
			}
			m.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() { m.releaseShort(refs) })
			}, nil
		}
		ch := m.changed
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.LockConflictf(blockedRef.Type, blockedRef.ID, "held by a concurrent call")
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, errors.LockConflictf(blockedRef.Type, blockedRef.ID, "held by a concurrent call")
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Backend("acquire short locks", ctx.Err())
		}
	}
}

func (m *LockManager) releaseShort(refs []DocRef) {
	m.mu.Lock()
	for _, r := range refs {
		delete(m.short, r)
	}
	m.wake()
	m.mu.Unlock()
}

// AddLong takes an explicit long lock over the given identities. Fails
// with a lock conflict if any identity is already long-locked.
func (m *LockManager) AddLong(refs []DocRef) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range refs {
		if guid, held := m.long[r]; held {
			return uuid.Nil, errors.LockConflictf(r.Type, r.ID, "held by long lock %s", guid)
		}
	}
	guid := uuid.New()
	held := make([]DocRef, len(refs))
	copy(held, refs)
	for _, r := range held {
		m.long[r] = guid
	}
	m.byGuid[guid] = held
	return guid, nil
}

// RemoveLong releases a long lock. Idempotent; reports whether a lock
// was actually removed.
func (m *LockManager) RemoveLong(guid uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs, ok := m.byGuid[guid]
	if !ok {
		return false
	}
	for _, r := range refs {
		delete(m.long, r)
	}
	delete(m.byGuid, guid)
	m.wake()
	return true
}

// LongLockCount returns the number of active long locks.
func (m *LockManager) LongLockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byGuid)
}

// Holder reports the long lock covering a document identity, if any.
func (m *LockManager) Holder(ref DocRef) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	guid, ok := m.long[ref]
	return guid, ok
}

func (m *LockManager) longConflict(refs []DocRef, ignore map[uuid.UUID]struct{}) (DocRef, uuid.UUID, bool) {
	for _, r := range refs {
		if guid, held := m.long[r]; held {
			if _, own := ignore[guid]; !own {
				return r, guid, true
			}
		}
	}
	return DocRef{}, uuid.Nil, false
}

func (m *LockManager) shortConflict(refs []DocRef) (bool, DocRef) {
	for _, r := range refs {
		if _, held := m.short[r]; held {
			return true, r
		}
	}
	return false, DocRef{}
}

// wake wakes every waiter; callers hold m.mu.
func (m *LockManager) wake() {
	close(m.changed)
	m.changed = make(chan struct{})
}
