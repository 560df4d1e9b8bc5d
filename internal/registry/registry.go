// Package registry holds the capacity and booking count of every bookable
// slot and the reservation handles claiming that capacity.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/slotlock"
)

type entry struct {
	slot    model.Slot
	handles map[string]*model.Reservation // touched only inside the slot's region
}

// Registry is the slot registry.  Slot counters and handles are mutated
// only inside the owning slot's section; mu guards the indexes and the
// published copy of each slot so listings can be served without taking
// any slot region.
type Registry struct {
	arena *slotlock.Arena
	now   func() time.Time

	mu      sync.RWMutex
	slots   map[string]*entry
	handles map[string]string // reservation ID -> slot ID
}

// New returns an empty Registry.  A nil now defaults to time.Now.
func New(arena *slotlock.Arena, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		arena:   arena,
		now:     now,
		slots:   make(map[string]*entry),
		handles: make(map[string]string),
	}
}

// Arena returns the critical-section arena the registry was built with.
func (r *Registry) Arena() *slotlock.Arena { return r.arena }

func (r *Registry) entry(slotID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return e, nil
}

func (r *Registry) setSlot(e *entry, s model.Slot) {
	r.mu.Lock()
	e.slot = s
	r.mu.Unlock()
}

// Register adds a new slot.  Booked is forced to zero and the slot starts
// active.
func (r *Registry) Register(ctx context.Context, s model.Slot) (model.Slot, error) {
	if s.ID == "" || s.Capacity <= 0 || !s.EndsAt.After(s.StartsAt) {
		return model.Slot{}, ErrInvalidSlot
	}
	s.Booked = 0
	s.Active = true
	s.StartsAt = s.StartsAt.UTC()
	s.EndsAt = s.EndsAt.UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now().UTC()
	}
	err := r.arena.Run(ctx, s.ID, func(sec *slotlock.Section) error {
		if _, err := r.entry(s.ID); err == nil {
			return ErrSlotExists
		}
		if err := sec.Tx().SaveSlot(sec.Context(), s); err != nil {
			return slotlock.StoreErr(err)
		}
		e := &entry{slot: s, handles: make(map[string]*model.Reservation)}
		r.mu.Lock()
		r.slots[s.ID] = e
		r.mu.Unlock()
		sec.Undo(func() {
			r.mu.Lock()
			delete(r.slots, s.ID)
			r.mu.Unlock()
		})
		return nil
	})
	if err != nil {
		return model.Slot{}, err
	}
	return s, nil
}

// Deactivate soft-deletes a slot: no new reservations are accepted, while
// existing reservations and tokens keep working.
func (r *Registry) Deactivate(ctx context.Context, slotID string) (model.Slot, error) {
	var out model.Slot
	err := r.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		e, err := r.entry(slotID)
		if err != nil {
			return err
		}
		prev := e.slot
		next := prev
		next.Active = false
		if err := sec.Tx().SaveSlot(sec.Context(), next); err != nil {
			return slotlock.StoreErr(err)
		}
		r.setSlot(e, next)
		sec.Undo(func() { r.setSlot(e, prev) })
		out = next
		return nil
	})
	return out, err
}

// Slot returns the latest committed view of a slot.
func (r *Registry) Slot(slotID string) (model.Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.slots[slotID]
	if !ok {
		return model.Slot{}, ErrSlotNotFound
	}
	return e.slot, nil
}

// Slots lists every slot ordered by start time.
func (r *Registry) Slots() []model.Slot {
	r.mu.RLock()
	out := make([]model.Slot, 0, len(r.slots))
	for _, e := range r.slots {
		out = append(out, e.slot)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SlotOf returns the slot a reservation handle belongs to.
func (r *Registry) SlotOf(reservationID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slotID, ok := r.handles[reservationID]
	if !ok {
		return "", ErrReservationNotFound
	}
	return slotID, nil
}

// Restore loads persisted slots and reservations.  It must run before the
// registry serves any request.
func (r *Registry) Restore(slots []model.Slot, reservations []model.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range slots {
		if s.Booked < 0 || s.Booked > s.Capacity {
			return fmt.Errorf("%w: slot %s booked=%d capacity=%d", slotlock.ErrInvariant, s.ID, s.Booked, s.Capacity)
		}
		r.slots[s.ID] = &entry{slot: s, handles: make(map[string]*model.Reservation)}
	}
	for i := range reservations {
		res := reservations[i]
		e, ok := r.slots[res.SlotID]
		if !ok {
			return fmt.Errorf("reservation %s references unknown slot %s", res.ID, res.SlotID)
		}
		e.handles[res.ID] = &res
		r.handles[res.ID] = res.SlotID
	}
	return nil
}
