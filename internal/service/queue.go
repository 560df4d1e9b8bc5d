package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cafeteria-queue/internal/broadcast"
	"github.com/iliyamo/cafeteria-queue/internal/ledger"
	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/queue"
	"github.com/iliyamo/cafeteria-queue/internal/slotlock"
)

// SlotQueue is the staff view of one slot's queue.
type SlotQueue struct {
	Slot      model.Slot            `json:"slot"`
	Snapshots []model.QueueSnapshot `json:"snapshots"`
}

// RegisterSlot adds a bookable slot.
func (c *Coordinator) RegisterSlot(ctx context.Context, s model.Slot) (model.Slot, error) {
	out, err := c.registry.Register(ctx, s)
	if err != nil {
		c.logFailure("register slot", err, zap.String("slot_id", s.ID))
		return model.Slot{}, err
	}
	c.log.Info("slot registered", zap.String("slot_id", out.ID), zap.Int("capacity", out.Capacity))
	return out, nil
}

// DeactivateSlot stops new bookings for a slot.
func (c *Coordinator) DeactivateSlot(ctx context.Context, slotID string) (model.Slot, error) {
	out, err := c.registry.Deactivate(ctx, slotID)
	if err != nil {
		c.logFailure("deactivate slot", err, zap.String("slot_id", slotID))
		return model.Slot{}, err
	}
	c.log.Info("slot deactivated", zap.String("slot_id", slotID))
	return out, nil
}

// Slots lists every slot ordered by start time.
func (c *Coordinator) Slots() []model.Slot { return c.registry.Slots() }

// Slot returns one slot.
func (c *Coordinator) Slot(slotID string) (model.Slot, error) { return c.registry.Slot(slotID) }

// Token returns a token together with the booking it was minted for.
func (c *Coordinator) Token(ctx context.Context, tokenID string) (model.Token, model.Booking, error) {
	tok, err := c.ledger.Token(ctx, tokenID)
	if err != nil {
		return model.Token{}, model.Booking{}, err
	}
	b, err := c.Booking(ctx, tok.BookingID)
	if err != nil {
		return model.Token{}, model.Booking{}, err
	}
	return tok, b, nil
}

// TransitionToken moves a token through its lifecycle and republishes the
// slot's queue.
func (c *Coordinator) TransitionToken(ctx context.Context, tokenID string, target model.TokenStatus, counterID string) (model.Token, error) {
	if !target.Valid() {
		return model.Token{}, fmt.Errorf("%w: unknown status %q", ledger.ErrInvalidTransition, target)
	}
	slotID, err := c.ledger.SlotOf(tokenID)
	if err != nil {
		return model.Token{}, err
	}
	var (
		tok   model.Token
		snaps []model.QueueSnapshot
	)
	err = c.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		var err error
		tok, err = c.ledger.TransitionTx(sec, tokenID, target, counterID)
		if err != nil {
			return err
		}
		snaps, err = c.recomputeTx(sec, tokenID)
		return err
	})
	if err != nil {
		c.logFailure("transition token", err, zap.String("token_id", tokenID), zap.String("target", string(target)))
		return model.Token{}, err
	}
	c.broadcast.PublishAll(snaps)
	if tok.Status.Terminal() {
		c.queueEnded(ctx, tok)
	}
	c.log.Info("token transitioned",
		zap.String("token_id", tokenID),
		zap.String("slot_id", slotID),
		zap.String("status", string(tok.Status)),
		zap.String("counter_id", tok.CounterID))
	return tok, nil
}

// ExpireStaleTokens expires the slot's active tokens once its end time
// plus the ledger's grace period has passed.  Calling it again is a no-op.
func (c *Coordinator) ExpireStaleTokens(ctx context.Context, slotID string, now time.Time) ([]model.Token, error) {
	slot, err := c.registry.Slot(slotID)
	if err != nil {
		return nil, err
	}
	var (
		expired []model.Token
		snaps   []model.QueueSnapshot
	)
	err = c.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		var err error
		expired, err = c.ledger.ExpireStaleTx(sec, slot.EndsAt, now)
		if err != nil || len(expired) == 0 {
			return err
		}
		ids := make([]string, len(expired))
		for i, t := range expired {
			ids[i] = t.ID
		}
		snaps, err = c.recomputeTx(sec, ids...)
		return err
	})
	if err != nil {
		c.logFailure("expire tokens", err, zap.String("slot_id", slotID))
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}
	c.broadcast.PublishAll(snaps)
	for _, t := range expired {
		c.queueEnded(ctx, t)
	}
	c.log.Info("stale tokens expired", zap.String("slot_id", slotID), zap.Int("count", len(expired)))
	return expired, nil
}

// ExpireAllStaleTokens runs ExpireStaleTokens for every slot whose expiry
// deadline has passed and prunes old terminal snapshots.  It returns the
// number of tokens expired.
func (c *Coordinator) ExpireAllStaleTokens(ctx context.Context, now time.Time) (int, error) {
	var (
		total int
		errs  []error
	)
	grace := c.ledger.Grace()
	for _, slot := range c.registry.Slots() {
		if now.Before(slot.EndsAt.Add(grace)) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
		expired, err := c.ExpireStaleTokens(ctx, slot.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("slot %s: %w", slot.ID, err))
			continue
		}
		total += len(expired)
	}
	if n := c.broadcast.Prune(now.Add(-c.retention)); n > 0 {
		c.log.Debug("terminal snapshots pruned", zap.Int("count", n))
	}
	return total, errors.Join(errs...)
}

func (c *Coordinator) queueEnded(ctx context.Context, t model.Token) {
	ended := c.now().UTC()
	switch {
	case t.ServedAt != nil:
		ended = *t.ServedAt
	case t.ExpiredAt != nil:
		ended = *t.ExpiredAt
	}
	c.events.QueueEnded(ctx, queue.QueueEndedEvent{
		TokenID:   t.ID,
		SlotID:    t.SlotID,
		Number:    t.Number,
		Status:    t.Status,
		CounterID: t.CounterID,
		EndedAt:   ended.Format(time.RFC3339),
	})
}

// CurrentSnapshot returns the latest snapshot of a token.
func (c *Coordinator) CurrentSnapshot(ctx context.Context, tokenID string) (model.QueueSnapshot, error) {
	return c.broadcast.CurrentSnapshot(ctx, tokenID)
}

// Subscribe opens a snapshot stream for a token.
func (c *Coordinator) Subscribe(ctx context.Context, tokenID string) (*broadcast.Subscription, error) {
	return c.broadcast.Subscribe(ctx, tokenID)
}

// SlotQueue returns every token snapshot of a slot, terminal ones
// included, computed inside the slot's region.
func (c *Coordinator) SlotQueue(ctx context.Context, slotID string) (SlotQueue, error) {
	slot, err := c.registry.Slot(slotID)
	if err != nil {
		return SlotQueue{}, err
	}
	tokens, err := c.ledger.Tokens(ctx, slotID)
	if err != nil {
		return SlotQueue{}, err
	}
	snaps := c.estimator.Snapshots(slot, tokens, c.now().UTC())
	seq := c.seq.Load()
	for i := range snaps {
		snaps[i].Seq = seq
	}
	return SlotQueue{Slot: slot, Snapshots: snaps}, nil
}
