// Package estimator derives queue positions and wait estimates from the
// token ledger.  It keeps no state of its own.
package estimator

import (
	"sort"
	"strings"
	"time"

	"github.com/iliyamo/cafeteria-queue/internal/model"
)

// Config holds the average service time per token.  ByCategory keys are
// meal categories compared case-insensitively; Default covers the rest.
type Config struct {
	Default    time.Duration
	ByCategory map[string]time.Duration
}

// Estimator computes QueueSnapshots.
type Estimator struct {
	def        time.Duration
	byCategory map[string]time.Duration
}

// New returns an Estimator for cfg.
func New(cfg Config) *Estimator {
	e := &Estimator{def: cfg.Default, byCategory: make(map[string]time.Duration, len(cfg.ByCategory))}
	for k, v := range cfg.ByCategory {
		e.byCategory[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return e
}

// ServiceTime returns the average service time for a meal category.
func (e *Estimator) ServiceTime(category string) time.Duration {
	if d, ok := e.byCategory[strings.ToLower(strings.TrimSpace(category))]; ok {
		return d
	}
	return e.def
}

// Snapshots returns one snapshot per token of the slot, ordered by token
// number.  A waiting token's rank is one plus the number of waiting tokens
// with a smaller number; terminal tokens get rank zero.
func (e *Estimator) Snapshots(slot model.Slot, tokens []model.Token, now time.Time) []model.QueueSnapshot {
	ordered := make([]model.Token, len(tokens))
	copy(ordered, tokens)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	per := e.ServiceTime(slot.MealCategory)
	if per < 0 {
		per = 0
	}
	out := make([]model.QueueSnapshot, 0, len(ordered))
	ahead := 0
	for _, t := range ordered {
		snap := model.QueueSnapshot{
			TokenID:    t.ID,
			SlotID:     t.SlotID,
			Number:     t.Number,
			Status:     t.Status,
			CounterID:  t.CounterID,
			Terminal:   t.Status.Terminal(),
			ComputedAt: now,
		}
		if t.Status.Waiting() {
			snap.Rank = ahead + 1
			snap.Ahead = ahead
			if t.Status == model.TokenActive {
				snap.EstimatedWaitSeconds = waitSeconds(ahead, per)
			}
			ahead++
		}
		out = append(out, snap)
	}
	return out
}

// Snapshot returns the snapshot of a single token.
func (e *Estimator) Snapshot(slot model.Slot, tokens []model.Token, tokenID string, now time.Time) (model.QueueSnapshot, bool) {
	for _, s := range e.Snapshots(slot, tokens, now) {
		if s.TokenID == tokenID {
			return s, true
		}
	}
	return model.QueueSnapshot{}, false
}

// Rank returns the 1-based queue position of tokenID, or 0 when the token
// is unknown or terminal.
func Rank(tokens []model.Token, tokenID string) int {
	var target *model.Token
	for i := range tokens {
		if tokens[i].ID == tokenID {
			target = &tokens[i]
			break
		}
	}
	if target == nil || !target.Status.Waiting() {
		return 0
	}
	rank := 1
	for _, t := range tokens {
		if t.ID != tokenID && t.Status.Waiting() && t.Number < target.Number {
			rank++
		}
	}
	return rank
}

func waitSeconds(ahead int, per time.Duration) int64 {
	w := int64(ahead) * int64(per/time.Second)
	if w < 0 {
		return 0
	}
	return w
}
