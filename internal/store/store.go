// Package store defines the persistence boundary used inside a slot's
// critical section.  Every mutation performed by the registry, ledger or
// coordinator is written through a Tx; the in-memory state is only kept if
// the Tx commits.
package store

import (
	"context"
	"errors"

	"github.com/iliyamo/cafeteria-queue/internal/model"
)

// ErrConflict is returned when a write violates a uniqueness constraint,
// e.g. a second token with the same (slot_id, number).
var ErrConflict = errors.New("store: unique constraint violated")

// Tx is a unit of work opened for one critical section.  Save methods are
// upserts keyed on the record ID.
type Tx interface {
	SaveSlot(ctx context.Context, s model.Slot) error
	SaveReservation(ctx context.Context, r model.Reservation) error
	SaveBooking(ctx context.Context, b model.Booking) error
	SaveToken(ctx context.Context, t model.Token) error
	Commit() error
	Rollback() error
}

// State is everything needed to rebuild the engine after a restart.
type State struct {
	Slots        []model.Slot
	Reservations []model.Reservation
	Bookings     []model.Booking
	Tokens       []model.Token
}

// Store opens transactions and loads persisted state.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Load(ctx context.Context) (State, error)
}
