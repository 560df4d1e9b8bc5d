// Package queue carries the service's RabbitMQ traffic: payment events in,
// queue domain events out.
package queue

import "github.com/iliyamo/cafeteria-queue/internal/model"

const (
	// PaymentQueue receives one model.PaymentEvent per booking from the
	// payment subsystem.
	PaymentQueue = "payment.events"
	// TokenIssuedQueue receives a TokenIssuedEvent for every minted token.
	TokenIssuedQueue = "token.issued"
	// QueueEndedQueue receives a QueueEndedEvent when a token is served or
	// expires.
	QueueEndedQueue = "queue.ended"
)

// TokenIssuedEvent is published once a paid booking received its token.
// Downstream consumers can notify the customer without querying the
// primary database.
type TokenIssuedEvent struct {
	TokenID      string `json:"token_id"`
	BookingID    string `json:"booking_id"`
	UserID       uint64 `json:"user_id"`
	SlotID       string `json:"slot_id"`
	MealCategory string `json:"meal_category"`
	Number       uint64 `json:"number"`
	Members      int    `json:"members"`
	IssuedAt     string `json:"issued_at"`
}

// QueueEndedEvent is published when a token leaves the queue.
type QueueEndedEvent struct {
	TokenID   string            `json:"token_id"`
	SlotID    string            `json:"slot_id"`
	Number    uint64            `json:"number"`
	Status    model.TokenStatus `json:"status"`
	CounterID string            `json:"counter_id,omitempty"`
	EndedAt   string            `json:"ended_at"`
}
