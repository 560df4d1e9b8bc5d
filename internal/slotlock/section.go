package slotlock

import (
	"context"

	"github.com/iliyamo/cafeteria-queue/internal/store"
)

// Section is the handle passed to Arena.Run.  It is only valid inside the
// callback and must not be retained.
type Section struct {
	ctx    context.Context
	slotID string
	tx     store.Tx
	undo   []func()
	after  []func()
}

// Context returns the context the section was opened with.
func (s *Section) Context() context.Context { return s.ctx }

// SlotID returns the slot whose region is held.
func (s *Section) SlotID() string { return s.slotID }

// Tx returns the store transaction of the section.
func (s *Section) Tx() store.Tx { return s.tx }

// Undo registers fn to revert an in-memory mutation if the section does
// not commit.
func (s *Section) Undo(fn func()) { s.undo = append(s.undo, fn) }

// AfterCommit registers fn to run after a successful commit while the
// region is still held.
func (s *Section) AfterCommit(fn func()) { s.after = append(s.after, fn) }

func (s *Section) rollback() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo = nil
	_ = s.tx.Rollback()
}
