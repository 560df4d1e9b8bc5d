package model

import "time"

// PaymentStatus tracks a booking's payment outcome.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Booking records a user's request for a number of places in a slot.  The
// reservation coordinator owns it until payment resolves; once paid, the
// token minted for it carries the rest of its lifecycle.
//
// Fields:
//  ID            – bookings.id (uuid).
//  UserID        – bookings.user_id, owner of the booking.
//  SlotID        – bookings.slot_id.
//  Members       – bookings.members, places requested.
//  PaymentStatus – bookings.payment_status.
//  ReservationID – bookings.reservation_id, the capacity handle.
//  TokenID       – bookings.token_id, set once a token is minted.
type Booking struct {
	ID            string        `json:"id"`
	UserID        uint64        `json:"user_id"`
	SlotID        string        `json:"slot_id"`
	Members       int           `json:"members"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	ReservationID string        `json:"reservation_id"`
	TokenID       string        `json:"token_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// PaymentOutcome is the result carried by a payment event.
type PaymentOutcome string

const (
	OutcomePaid   PaymentOutcome = "paid"
	OutcomeFailed PaymentOutcome = "failed"
)

// Valid reports whether o is an outcome the coordinator can apply.
func (o PaymentOutcome) Valid() bool {
	return o == OutcomePaid || o == OutcomeFailed
}

// PaymentEvent is emitted once by the payment subsystem per booking.
type PaymentEvent struct {
	BookingID string         `json:"booking_id"`
	Outcome   PaymentOutcome `json:"outcome"`
}
