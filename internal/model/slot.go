package model

import "time"

// Slot is a fixed-capacity, time-bounded service window such as a lunch
// seating.  Slots are created by staff and soft-deactivated instead of
// deleted once bookings reference them.
//
// Fields:
//  ID           – slots.id, opaque identifier chosen by the creator.
//  MealCategory – slots.meal_category (breakfast, lunch, dinner, ...).
//  StartsAt     – slots.starts_at, start of the service window (UTC).
//  EndsAt       – slots.ends_at, end of the service window (UTC).
//  Capacity     – slots.capacity, total members that may be booked.
//  Booked       – slots.booked, members held by pending or committed reservations.
//  Active       – slots.active, false once the slot has been deactivated.
type Slot struct {
	ID           string    `json:"id"`
	MealCategory string    `json:"meal_category"`
	StartsAt     time.Time `json:"starts_at"`
	EndsAt       time.Time `json:"ends_at"`
	Capacity     int       `json:"capacity"`
	Booked       int       `json:"booked"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Available returns the number of members that can still be reserved.
func (s Slot) Available() int {
	return s.Capacity - s.Booked
}

// ReservationState is the finalisation state of a reservation handle.
type ReservationState string

const (
	ReservationPending   ReservationState = "pending"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation is an in-flight claim on slot capacity.  A pending
// reservation is finalised exactly once, either by commit (booking paid)
// or by release (payment failed, cancelled or timed out).
type Reservation struct {
	ID        string           `json:"id"`
	SlotID    string           `json:"slot_id"`
	BookingID string           `json:"booking_id"`
	Count     int              `json:"count"`
	State     ReservationState `json:"state"`
	ExpiresAt time.Time        `json:"expires_at"`
	CreatedAt time.Time        `json:"created_at"`
}

// Pending reports whether the reservation has not been finalised yet.
func (r Reservation) Pending() bool { return r.State == ReservationPending }
