package reldoc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/reldoc/internal/errors"
)

// SerialEngine wraps an Engine and rejects overlapping calls with
// ErrBusy. It is a usability guard for callers that promise to drive
// an engine from a single goroutine, not a correctness mechanism: the
// engine itself is safe under concurrent use, and several engines over
// the same store may run in parallel regardless.
type SerialEngine struct {
	e    *Engine
	busy atomic.Bool
}

func NewSerialEngine(e *Engine) *SerialEngine {
	return &SerialEngine{e: e}
}

// Engine returns the wrapped engine.
func (s *SerialEngine) Engine() *Engine { return s.e }

func (s *SerialEngine) enter() error {
	if !s.busy.CompareAndSwap(false, true) {
		return errors.ErrBusy
	}
	return nil
}

func (s *SerialEngine) leave() { s.busy.Store(false) }

func (s *SerialEngine) NewChangeSet() *ChangeSet { return s.e.NewChangeSet() }

func (s *SerialEngine) Apply(ctx context.Context, cs *ChangeSet, reload bool) (*ChangeSet, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.e.Apply(ctx, cs, reload)
}

func (s *SerialEngine) Load(ctx context.Context, cs *ChangeSet, docType string, id int64) (*Document, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.e.Load(ctx, cs, docType, id)
}

func (s *SerialEngine) AddLongLock(refs []DocRef) (uuid.UUID, error) {
	if err := s.enter(); err != nil {
		return uuid.Nil, err
	}
	defer s.leave()
	return s.e.AddLongLock(refs)
}

func (s *SerialEngine) RemoveLongLock(guid uuid.UUID) bool {
	if err := s.enter(); err != nil {
		return false
	}
	defer s.leave()
	return s.e.RemoveLongLock(guid)
}

func (s *SerialEngine) GetHistory(ctx context.Context, docType string, docID int64) ([]HistoryEntry, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.e.GetHistory(ctx, docType, docID)
}

func (s *SerialEngine) GetUserActions(ctx context.Context, from, to time.Time, userID, docType string) ([]UserAction, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.e.GetUserActions(ctx, from, to, userID, docType)
}

func (s *SerialEngine) GetVersion(ctx context.Context, docType string, docID, version int64) (*VersionedDoc, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.e.GetVersion(ctx, docType, docID, version)
}

func (s *SerialEngine) Close() error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.e.Close()
}
