package model

import "time"

// QueueSnapshot is the derived queue position of a token at a point in
// time.  It is recomputed after every mutation of the token's slot and is
// never persisted.  Seq increases with every recompute, so a consumer can
// discard a snapshot older than one it already holds.
type QueueSnapshot struct {
	Seq                  uint64      `json:"seq"`
	TokenID              string      `json:"token_id"`
	SlotID               string      `json:"slot_id"`
	Number               uint64      `json:"number"`
	Status               TokenStatus `json:"status"`
	Rank                 int         `json:"rank"`
	Ahead                int         `json:"ahead"`
	EstimatedWaitSeconds int64       `json:"estimated_wait_seconds"`
	CounterID            string      `json:"counter_id,omitempty"`
	Terminal             bool        `json:"terminal"`
	ComputedAt           time.Time   `json:"computed_at"`
}
