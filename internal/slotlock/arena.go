// Package slotlock provides one exclusive region per slot.  All registry,
// ledger and booking mutations of a slot run inside that slot's region,
// paired with a store transaction; unrelated slots never contend.
package slotlock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/iliyamo/cafeteria-queue/internal/store"
)

// ErrStorage marks a transient persistence failure.  The section was
// undone completely and the caller may retry.
var ErrStorage = errors.New("slot storage unavailable")

// ErrInvariant marks a refused mutation that would have broken a slot
// invariant (over-commit, token number collision).  It indicates a locking
// bug and must not be retried or silently corrected.
var ErrInvariant = errors.New("slot invariant violated")

// Arena maps slot IDs to exclusive regions created on first use.  Regions
// are never removed, so a region handed out once stays the only region of
// its slot.
type Arena struct {
	store store.Store

	mu      sync.Mutex
	regions map[string]chan struct{}
}

// New returns an Arena whose sections write through st.
func New(st store.Store) *Arena {
	return &Arena{store: st, regions: make(map[string]chan struct{})}
}

func (a *Arena) region(slotID string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.regions[slotID]
	if !ok {
		r = make(chan struct{}, 1)
		a.regions[slotID] = r
	}
	return r
}

// acquire blocks until the slot's region is free or ctx is done.
func (a *Arena) acquire(ctx context.Context, slotID string) (func(), error) {
	r := a.region(slotID)
	select {
	case r <- struct{}{}:
		return func() { <-r }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run executes fn inside the slot's region and a fresh store transaction.
// If fn returns an error, panics, or the commit fails, the transaction is
// rolled back and every Undo registered by fn runs in reverse order, so no
// partial mutation survives.  AfterCommit hooks run once the transaction
// committed, still inside the region.
func (a *Arena) Run(ctx context.Context, slotID string, fn func(sec *Section) error) error {
	release, err := a.acquire(ctx, slotID)
	if err != nil {
		return err
	}
	defer release()

	tx, err := a.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	sec := &Section{ctx: ctx, slotID: slotID, tx: tx}
	committed := false
	defer func() {
		if !committed {
			sec.rollback()
		}
	}()

	if err := fn(sec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return StoreErr(err)
	}
	committed = true
	for _, f := range sec.after {
		f()
	}
	return nil
}

// View runs fn inside the slot's region without a transaction.  It is
// used for reads that must not observe a half-applied section.
func (a *Arena) View(ctx context.Context, slotID string, fn func() error) error {
	release, err := a.acquire(ctx, slotID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// StoreErr classifies a store error returned inside a section.
func StoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
