package service

import "errors"

var (
	// ErrBookingNotFound is returned for an unknown booking ID.
	ErrBookingNotFound = errors.New("booking not found")
	// ErrBookingNotCancellable is returned when cancelling a paid booking.
	ErrBookingNotCancellable = errors.New("paid booking cannot be cancelled")
	// ErrInvalidOutcome is returned for a payment event that is neither
	// paid nor failed.
	ErrInvalidOutcome = errors.New("invalid payment outcome")
)
