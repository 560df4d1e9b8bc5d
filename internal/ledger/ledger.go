// Package ledger assigns per-slot sequential token numbers and tracks each
// token through the active → serving → served / active → expired
// lifecycle.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/slotlock"
)

// slotTokens is the per-slot part of the ledger.  It is only read or
// written inside the slot's region.
type slotTokens struct {
	last    uint64
	tokens  []*model.Token // ordered by Number
	numbers map[uint64]string
}

type bookingRef struct {
	tokenID string
	slotID  string
}

// tokenRef keeps the immutable slot ID next to the pointer so the index
// can be consulted without dereferencing a token outside its region.
type tokenRef struct {
	tok    *model.Token
	slotID string
}

// Ledger is the token ledger.
type Ledger struct {
	arena *slotlock.Arena
	now   func() time.Time
	grace time.Duration

	mu        sync.RWMutex
	slots     map[string]*slotTokens
	byID      map[string]tokenRef
	byBooking map[string]bookingRef
}

// New returns an empty Ledger.  Active tokens expire once their slot's
// end time plus grace has passed.
func New(arena *slotlock.Arena, grace time.Duration, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		arena:     arena,
		now:       now,
		grace:     grace,
		slots:     make(map[string]*slotTokens),
		byID:      make(map[string]tokenRef),
		byBooking: make(map[string]bookingRef),
	}
}

// Grace returns the expiry grace period after a slot's end time.
func (l *Ledger) Grace() time.Duration { return l.grace }

func (l *Ledger) slot(slotID string) *slotTokens {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slots[slotID]
}

// SlotOf returns the slot a token belongs to.
func (l *Ledger) SlotOf(tokenID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ref, ok := l.byID[tokenID]
	if !ok {
		return "", ErrTokenNotFound
	}
	return ref.slotID, nil
}

// TokenForBooking returns the token ID minted for a booking, if any.
func (l *Ledger) TokenForBooking(bookingID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ref, ok := l.byBooking[bookingID]
	return ref.tokenID, ok
}

// Restore loads persisted tokens.  Tokens must be grouped by slot and
// ordered by number, as store.State provides them.
func (l *Ledger) Restore(tokens []model.Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range tokens {
		t := tokens[i]
		st, ok := l.slots[t.SlotID]
		if !ok {
			st = &slotTokens{numbers: make(map[uint64]string)}
			l.slots[t.SlotID] = st
		}
		if _, dup := st.numbers[t.Number]; dup || t.Number <= st.last {
			return fmt.Errorf("%w: slot %s token number %d out of order", slotlock.ErrInvariant, t.SlotID, t.Number)
		}
		st.last = t.Number
		st.numbers[t.Number] = t.ID
		st.tokens = append(st.tokens, &t)
		l.byID[t.ID] = tokenRef{tok: &t, slotID: t.SlotID}
		l.byBooking[t.BookingID] = bookingRef{tokenID: t.ID, slotID: t.SlotID}
	}
	return nil
}

// MintTx issues the next token number of the section's slot to a booking.
// A booking that already holds a token gets that token back together with
// ErrAlreadyMinted.
func (l *Ledger) MintTx(sec *slotlock.Section, bookingID string) (model.Token, error) {
	slotID := sec.SlotID()
	l.mu.RLock()
	ref, minted := l.byBooking[bookingID]
	l.mu.RUnlock()
	if minted {
		if ref.slotID != slotID {
			return model.Token{}, fmt.Errorf("%w: booking %s minted in slot %s, not %s", slotlock.ErrInvariant, bookingID, ref.slotID, slotID)
		}
		t, err := l.TokenTx(sec, ref.tokenID)
		if err != nil {
			return model.Token{}, err
		}
		return t, ErrAlreadyMinted
	}

	st := l.slot(slotID)
	created := st == nil
	if created {
		st = &slotTokens{numbers: make(map[uint64]string)}
	}
	number := st.last + 1
	if _, taken := st.numbers[number]; taken {
		return model.Token{}, fmt.Errorf("%w: slot %s token number %d already issued", slotlock.ErrInvariant, slotID, number)
	}
	tok := &model.Token{
		ID:        uuid.NewString(),
		SlotID:    slotID,
		BookingID: bookingID,
		Number:    number,
		Status:    model.TokenActive,
		CreatedAt: l.now().UTC(),
	}
	if err := sec.Tx().SaveToken(sec.Context(), *tok); err != nil {
		return model.Token{}, slotlock.StoreErr(err)
	}

	prevLast := st.last
	st.last = number
	st.numbers[number] = tok.ID
	st.tokens = append(st.tokens, tok)
	l.mu.Lock()
	if created {
		l.slots[slotID] = st
	}
	l.byID[tok.ID] = tokenRef{tok: tok, slotID: slotID}
	l.byBooking[bookingID] = bookingRef{tokenID: tok.ID, slotID: slotID}
	l.mu.Unlock()

	sec.Undo(func() {
		st.last = prevLast
		delete(st.numbers, number)
		st.tokens = st.tokens[:len(st.tokens)-1]
		l.mu.Lock()
		if created {
			delete(l.slots, slotID)
		}
		delete(l.byID, tok.ID)
		delete(l.byBooking, bookingID)
		l.mu.Unlock()
	})
	return *tok, nil
}

func (l *Ledger) lookup(sec *slotlock.Section, tokenID string) (*model.Token, error) {
	l.mu.RLock()
	ref, ok := l.byID[tokenID]
	l.mu.RUnlock()
	if !ok || ref.slotID != sec.SlotID() {
		return nil, ErrTokenNotFound
	}
	return ref.tok, nil
}

// TokenTx returns a token of the section's slot.
func (l *Ledger) TokenTx(sec *slotlock.Section, tokenID string) (model.Token, error) {
	t, err := l.lookup(sec, tokenID)
	if err != nil {
		return model.Token{}, err
	}
	return *t, nil
}

// TokensTx returns every token of the section's slot ordered by number,
// terminal tokens included.
func (l *Ledger) TokensTx(sec *slotlock.Section) []model.Token {
	st := l.slot(sec.SlotID())
	if st == nil {
		return nil
	}
	out := make([]model.Token, len(st.tokens))
	for i, t := range st.tokens {
		out[i] = *t
	}
	return out
}

// TransitionTx moves a token to target.  Only active → serving,
// active → expired and serving → served are accepted; serving requires a
// counter.
func (l *Ledger) TransitionTx(sec *slotlock.Section, tokenID string, target model.TokenStatus, counterID string) (model.Token, error) {
	t, err := l.lookup(sec, tokenID)
	if err != nil {
		return model.Token{}, err
	}
	if !model.CanTransition(t.Status, target) {
		return *t, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, target)
	}
	if target == model.TokenServing && counterID == "" {
		return *t, ErrCounterRequired
	}

	prev := *t
	next := prev
	next.Status = target
	now := l.now().UTC()
	switch target {
	case model.TokenServing:
		next.CounterID = counterID
		next.CalledAt = &now
	case model.TokenServed:
		if counterID != "" {
			next.CounterID = counterID
		}
		next.ServedAt = &now
	case model.TokenExpired:
		next.ExpiredAt = &now
	}
	if err := sec.Tx().SaveToken(sec.Context(), next); err != nil {
		return model.Token{}, slotlock.StoreErr(err)
	}
	*t = next
	sec.Undo(func() { *t = prev })
	return next, nil
}

// ExpireStaleTx expires every active token of the section's slot once
// now has passed endsAt plus the grace period.  Calling it again, or
// before the deadline, changes nothing.
func (l *Ledger) ExpireStaleTx(sec *slotlock.Section, endsAt, now time.Time) ([]model.Token, error) {
	if now.Before(endsAt.Add(l.grace)) {
		return nil, nil
	}
	st := l.slot(sec.SlotID())
	if st == nil {
		return nil, nil
	}
	var expired []model.Token
	for _, t := range st.tokens {
		if t.Status != model.TokenActive {
			continue
		}
		next, err := l.TransitionTx(sec, t.ID, model.TokenExpired, "")
		if err != nil {
			return nil, err
		}
		expired = append(expired, next)
	}
	return expired, nil
}

// MintToken runs MintTx in its own section.
func (l *Ledger) MintToken(ctx context.Context, bookingID, slotID string) (model.Token, error) {
	var tok model.Token
	err := l.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		var err error
		tok, err = l.MintTx(sec, bookingID)
		if errors.Is(err, ErrAlreadyMinted) {
			return nil
		}
		return err
	})
	if err != nil {
		return model.Token{}, err
	}
	return tok, nil
}

// Transition runs TransitionTx in its own section.
func (l *Ledger) Transition(ctx context.Context, tokenID string, target model.TokenStatus, counterID string) (model.Token, error) {
	slotID, err := l.SlotOf(tokenID)
	if err != nil {
		return model.Token{}, err
	}
	var tok model.Token
	err = l.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		var err error
		tok, err = l.TransitionTx(sec, tokenID, target, counterID)
		return err
	})
	return tok, err
}

// ExpireStaleTokens runs ExpireStaleTx in its own section.
func (l *Ledger) ExpireStaleTokens(ctx context.Context, slotID string, endsAt, now time.Time) ([]model.Token, error) {
	var expired []model.Token
	err := l.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		var err error
		expired, err = l.ExpireStaleTx(sec, endsAt, now)
		return err
	})
	return expired, err
}

// Tokens returns the slot's tokens read inside its region.
func (l *Ledger) Tokens(ctx context.Context, slotID string) ([]model.Token, error) {
	var out []model.Token
	err := l.arena.View(ctx, slotID, func() error {
		st := l.slot(slotID)
		if st == nil {
			return nil
		}
		out = make([]model.Token, len(st.tokens))
		for i, t := range st.tokens {
			out[i] = *t
		}
		return nil
	})
	return out, err
}

// Token returns a token read inside its slot's region.
func (l *Ledger) Token(ctx context.Context, tokenID string) (model.Token, error) {
	l.mu.RLock()
	ref, ok := l.byID[tokenID]
	l.mu.RUnlock()
	if !ok {
		return model.Token{}, ErrTokenNotFound
	}
	var out model.Token
	err := l.arena.View(ctx, ref.slotID, func() error {
		out = *ref.tok
		return nil
	})
	return out, err
}
