package model

import "time"

// TokenStatus is a state in the serving lifecycle of a token.
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenServing TokenStatus = "serving"
	TokenServed  TokenStatus = "served"
	TokenExpired TokenStatus = "expired"
)

// transitions lists the allowed target states for each source state.
var transitions = map[TokenStatus][]TokenStatus{
	TokenActive:  {TokenServing, TokenExpired},
	TokenServing: {TokenServed},
}

// Terminal reports whether no further transition is possible.
func (s TokenStatus) Terminal() bool {
	return s == TokenServed || s == TokenExpired
}

// Waiting reports whether a token in this state still occupies a place in
// the queue ranking.
func (s TokenStatus) Waiting() bool {
	return s == TokenActive || s == TokenServing
}

// Valid reports whether s is a known status.
func (s TokenStatus) Valid() bool {
	switch s {
	case TokenActive, TokenServing, TokenServed, TokenExpired:
		return true
	}
	return false
}

// CanTransition reports whether from → to is part of the state machine.
func CanTransition(from, to TokenStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Token is a sequentially numbered ticket representing one paid booking's
// place in a slot's service queue.  Number is unique and strictly
// increasing within a slot and is never reused.
type Token struct {
	ID        string      `json:"id"`
	SlotID    string      `json:"slot_id"`
	BookingID string      `json:"booking_id"`
	Number    uint64      `json:"number"`
	Status    TokenStatus `json:"status"`
	CounterID string      `json:"counter_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	CalledAt  *time.Time  `json:"called_at,omitempty"`
	ServedAt  *time.Time  `json:"served_at,omitempty"`
	ExpiredAt *time.Time  `json:"expired_at,omitempty"`
}
