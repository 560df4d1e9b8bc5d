package registry

import "errors"

// ErrCapacityExceeded is the expected "slot full" outcome of a reservation.
// It is surfaced to the user and never retried automatically.
var ErrCapacityExceeded = errors.New("slot capacity exceeded")

// ErrReservationExpired is returned when a commit races with (and lost to)
// a release, or when the reservation's timeout has already elapsed.
var ErrReservationExpired = errors.New("reservation expired")

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrSlotExists          = errors.New("slot already exists")
	ErrSlotInactive        = errors.New("slot is not active")
	ErrInvalidSlot         = errors.New("invalid slot definition")
	ErrInvalidCount        = errors.New("reservation count must be positive")
	ErrReservationNotFound = errors.New("reservation not found")
)
