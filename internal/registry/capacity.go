package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/slotlock"
)

// ReserveTx checks that the section's slot has count places available and
// claims them under a new pending reservation expiring after ttl.  The
// check and the decrement happen inside the same region, so concurrent
// callers can never over-commit a slot.
func (r *Registry) ReserveTx(sec *slotlock.Section, count int, bookingID string, ttl time.Duration) (model.Reservation, error) {
	if count <= 0 {
		return model.Reservation{}, ErrInvalidCount
	}
	e, err := r.entry(sec.SlotID())
	if err != nil {
		return model.Reservation{}, err
	}
	prev := e.slot
	if !prev.Active {
		return model.Reservation{}, ErrSlotInactive
	}
	if prev.Booked < 0 || prev.Booked > prev.Capacity {
		return model.Reservation{}, fmt.Errorf("%w: slot %s booked=%d capacity=%d", slotlock.ErrInvariant, prev.ID, prev.Booked, prev.Capacity)
	}
	if prev.Available() < count {
		return model.Reservation{}, ErrCapacityExceeded
	}

	now := r.now().UTC()
	res := model.Reservation{
		ID:        uuid.NewString(),
		SlotID:    prev.ID,
		BookingID: bookingID,
		Count:     count,
		State:     model.ReservationPending,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	next := prev
	next.Booked += count

	ctx := sec.Context()
	if err := sec.Tx().SaveSlot(ctx, next); err != nil {
		return model.Reservation{}, slotlock.StoreErr(err)
	}
	if err := sec.Tx().SaveReservation(ctx, res); err != nil {
		return model.Reservation{}, slotlock.StoreErr(err)
	}

	r.setSlot(e, next)
	stored := res
	e.handles[res.ID] = &stored
	r.mu.Lock()
	r.handles[res.ID] = prev.ID
	r.mu.Unlock()
	sec.Undo(func() {
		r.setSlot(e, prev)
		delete(e.handles, res.ID)
		r.mu.Lock()
		delete(r.handles, res.ID)
		r.mu.Unlock()
	})
	return res, nil
}

// ReservationTx returns the current state of a handle of the section's slot.
func (r *Registry) ReservationTx(sec *slotlock.Section, reservationID string) (model.Reservation, error) {
	e, err := r.entry(sec.SlotID())
	if err != nil {
		return model.Reservation{}, err
	}
	h, ok := e.handles[reservationID]
	if !ok {
		return model.Reservation{}, ErrReservationNotFound
	}
	return *h, nil
}

// CommitTx marks a pending reservation as permanently consumed.  Committing
// twice is a no-op; committing a released handle, or one whose timeout has
// elapsed, fails with ErrReservationExpired and changes nothing.
func (r *Registry) CommitTx(sec *slotlock.Section, reservationID string) (model.Reservation, error) {
	e, err := r.entry(sec.SlotID())
	if err != nil {
		return model.Reservation{}, err
	}
	h, ok := e.handles[reservationID]
	if !ok {
		return model.Reservation{}, ErrReservationNotFound
	}
	switch h.State {
	case model.ReservationCommitted:
		return *h, nil
	case model.ReservationReleased:
		return *h, ErrReservationExpired
	}
	if !r.now().Before(h.ExpiresAt) {
		return *h, ErrReservationExpired
	}

	prev := *h
	next := prev
	next.State = model.ReservationCommitted
	if err := sec.Tx().SaveReservation(sec.Context(), next); err != nil {
		return model.Reservation{}, slotlock.StoreErr(err)
	}
	*h = next
	sec.Undo(func() { *h = prev })
	return next, nil
}

// ReleaseTx returns the capacity held by a pending reservation.  It
// reports false, without error, when the handle was already released or
// committed, so retries are harmless.
func (r *Registry) ReleaseTx(sec *slotlock.Section, reservationID string) (bool, error) {
	e, err := r.entry(sec.SlotID())
	if err != nil {
		return false, err
	}
	h, ok := e.handles[reservationID]
	if !ok {
		return false, ErrReservationNotFound
	}
	if !h.Pending() {
		return false, nil
	}

	prevSlot := e.slot
	nextSlot := prevSlot
	nextSlot.Booked -= h.Count
	if nextSlot.Booked < 0 {
		return false, fmt.Errorf("%w: slot %s booked would drop to %d", slotlock.ErrInvariant, prevSlot.ID, nextSlot.Booked)
	}
	prev := *h
	next := prev
	next.State = model.ReservationReleased

	ctx := sec.Context()
	if err := sec.Tx().SaveSlot(ctx, nextSlot); err != nil {
		return false, slotlock.StoreErr(err)
	}
	if err := sec.Tx().SaveReservation(ctx, next); err != nil {
		return false, slotlock.StoreErr(err)
	}
	r.setSlot(e, nextSlot)
	*h = next
	sec.Undo(func() {
		r.setSlot(e, prevSlot)
		*h = prev
	})
	return true, nil
}

// ExpiredTx lists the pending reservations of the section's slot whose
// timeout is at or before now.
func (r *Registry) ExpiredTx(sec *slotlock.Section, now time.Time) ([]model.Reservation, error) {
	e, err := r.entry(sec.SlotID())
	if err != nil {
		return nil, err
	}
	var out []model.Reservation
	for _, h := range e.handles {
		if h.Pending() && !now.Before(h.ExpiresAt) {
			out = append(out, *h)
		}
	}
	return out, nil
}

// ReserveCapacity runs ReserveTx in its own section.
func (r *Registry) ReserveCapacity(ctx context.Context, slotID string, count int, bookingID string, ttl time.Duration) (model.Reservation, error) {
	var res model.Reservation
	err := r.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		var err error
		res, err = r.ReserveTx(sec, count, bookingID, ttl)
		return err
	})
	return res, err
}

// Commit runs CommitTx in its own section.
func (r *Registry) Commit(ctx context.Context, reservationID string) error {
	slotID, err := r.SlotOf(reservationID)
	if err != nil {
		return err
	}
	return r.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		_, err := r.CommitTx(sec, reservationID)
		return err
	})
}

// Release runs ReleaseTx in its own section.
func (r *Registry) Release(ctx context.Context, reservationID string) (bool, error) {
	slotID, err := r.SlotOf(reservationID)
	if err != nil {
		return false, err
	}
	var released bool
	err = r.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		var err error
		released, err = r.ReleaseTx(sec, reservationID)
		return err
	})
	return released, err
}
