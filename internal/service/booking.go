package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/cafeteria-queue/internal/ledger"
	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/queue"
	"github.com/iliyamo/cafeteria-queue/internal/registry"
	"github.com/iliyamo/cafeteria-queue/internal/slotlock"
)

// Book reserves members places in a slot and records a pending booking.
// The reservation expires after the configured TTL unless a paid event
// arrives first.
func (c *Coordinator) Book(ctx context.Context, userID uint64, slotID string, members int) (model.Booking, model.Reservation, error) {
	var (
		b   model.Booking
		res model.Reservation
	)
	err := c.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		id := uuid.NewString()
		var err error
		res, err = c.registry.ReserveTx(sec, members, id, c.ttl)
		if err != nil {
			return err
		}
		now := c.now().UTC()
		b = model.Booking{
			ID:            id,
			UserID:        userID,
			SlotID:        slotID,
			Members:       members,
			PaymentStatus: model.PaymentPending,
			ReservationID: res.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := sec.Tx().SaveBooking(sec.Context(), b); err != nil {
			return slotlock.StoreErr(err)
		}
		stored := b
		c.mu.Lock()
		c.bookings[id] = bookingRef{b: &stored, slotID: slotID}
		c.mu.Unlock()
		sec.Undo(func() {
			c.mu.Lock()
			delete(c.bookings, id)
			c.mu.Unlock()
		})
		return nil
	})
	if err != nil {
		c.logFailure("book", err, zap.String("slot_id", slotID))
		return model.Booking{}, model.Reservation{}, err
	}
	c.log.Info("booking created",
		zap.String("booking_id", b.ID),
		zap.String("slot_id", slotID),
		zap.Uint64("user_id", userID),
		zap.Int("members", members),
		zap.Time("expires_at", res.ExpiresAt))
	return b, res, nil
}

// Booking returns the current state of a booking.
func (c *Coordinator) Booking(ctx context.Context, bookingID string) (model.Booking, error) {
	b, slotID, err := c.booking(bookingID)
	if err != nil {
		return model.Booking{}, err
	}
	var out model.Booking
	err = c.arena.View(ctx, slotID, func() error {
		out = *b
		return nil
	})
	return out, err
}

// HandlePaymentEvent applies the outcome reported by the payment
// subsystem.  A paid event returns the booking's token; repeated paid
// events return the same token.  A paid event for a reservation that was
// released, or whose timeout elapsed, fails with
// registry.ErrReservationExpired.  A failed event releases the capacity
// and is ignored for bookings that are already paid.
func (c *Coordinator) HandlePaymentEvent(ctx context.Context, ev model.PaymentEvent) (model.Token, error) {
	switch ev.Outcome {
	case model.OutcomePaid:
		return c.confirm(ctx, ev.BookingID)
	case model.OutcomeFailed:
		return model.Token{}, c.fail(ctx, ev.BookingID)
	}
	return model.Token{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, ev.Outcome)
}

func (c *Coordinator) confirm(ctx context.Context, bookingID string) (model.Token, error) {
	b, slotID, err := c.booking(bookingID)
	if err != nil {
		return model.Token{}, err
	}
	var (
		tok     model.Token
		booking model.Booking
		snaps   []model.QueueSnapshot
		expired bool
		fresh   bool
	)
	err = c.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		switch b.PaymentStatus {
		case model.PaymentPaid:
			var err error
			tok, err = c.ledger.TokenTx(sec, b.TokenID)
			return err
		case model.PaymentFailed, model.PaymentCancelled:
			expired = true
			return nil
		}

		_, err := c.registry.CommitTx(sec, b.ReservationID)
		if errors.Is(err, registry.ErrReservationExpired) {
			// Timed out but not swept yet: finalise it here so the
			// capacity is not held until the next sweep.
			expired = true
			return c.releaseTx(sec, b, model.PaymentFailed)
		}
		if err != nil {
			return err
		}

		tok, err = c.ledger.MintTx(sec, b.ID)
		if err != nil && !errors.Is(err, ledger.ErrAlreadyMinted) {
			return err
		}
		next := *b
		next.PaymentStatus = model.PaymentPaid
		next.TokenID = tok.ID
		if err := c.saveBooking(sec, b, next); err != nil {
			return err
		}
		booking = *b
		fresh = true
		snaps, err = c.recomputeTx(sec, tok.ID)
		return err
	})
	if err != nil {
		c.logFailure("confirm payment", err, zap.String("booking_id", bookingID))
		return model.Token{}, err
	}
	if expired {
		c.log.Info("late payment rejected", zap.String("booking_id", bookingID))
		return model.Token{}, registry.ErrReservationExpired
	}
	if !fresh {
		return tok, nil
	}

	c.broadcast.PublishAll(snaps)
	slot, _ := c.registry.Slot(slotID)
	c.events.TokenIssued(ctx, queue.TokenIssuedEvent{
		TokenID:      tok.ID,
		BookingID:    booking.ID,
		UserID:       booking.UserID,
		SlotID:       slotID,
		MealCategory: slot.MealCategory,
		Number:       tok.Number,
		Members:      booking.Members,
		IssuedAt:     tok.CreatedAt.Format(time.RFC3339),
	})
	c.log.Info("token issued",
		zap.String("booking_id", bookingID),
		zap.String("token_id", tok.ID),
		zap.String("slot_id", slotID),
		zap.Uint64("number", tok.Number))
	return tok, nil
}

func (c *Coordinator) fail(ctx context.Context, bookingID string) error {
	b, slotID, err := c.booking(bookingID)
	if err != nil {
		return err
	}
	var ignored bool
	err = c.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		if b.PaymentStatus != model.PaymentPending {
			ignored = b.PaymentStatus == model.PaymentPaid
			return nil
		}
		return c.releaseTx(sec, b, model.PaymentFailed)
	})
	if err != nil {
		c.logFailure("fail payment", err, zap.String("booking_id", bookingID))
		return err
	}
	if ignored {
		c.log.Warn("failed payment event for paid booking ignored", zap.String("booking_id", bookingID))
	}
	return nil
}

// releaseTx returns the booking's capacity and moves it to status.
func (c *Coordinator) releaseTx(sec *slotlock.Section, b *model.Booking, status model.PaymentStatus) error {
	if _, err := c.registry.ReleaseTx(sec, b.ReservationID); err != nil {
		return err
	}
	next := *b
	next.PaymentStatus = status
	return c.saveBooking(sec, b, next)
}

// CancelBooking releases an unpaid booking.  Cancelling a paid booking
// fails with ErrBookingNotCancellable; cancelling a booking that is
// already cancelled or failed changes nothing.
func (c *Coordinator) CancelBooking(ctx context.Context, bookingID string) (model.Booking, error) {
	b, slotID, err := c.booking(bookingID)
	if err != nil {
		return model.Booking{}, err
	}
	var out model.Booking
	err = c.arena.Run(ctx, slotID, func(sec *slotlock.Section) error {
		switch b.PaymentStatus {
		case model.PaymentPaid:
			return ErrBookingNotCancellable
		case model.PaymentPending:
			if err := c.releaseTx(sec, b, model.PaymentCancelled); err != nil {
				return err
			}
		}
		out = *b
		return nil
	})
	if err != nil {
		c.logFailure("cancel booking", err, zap.String("booking_id", bookingID))
		return model.Booking{}, err
	}
	return out, nil
}

// SweepExpiredReservations releases every pending reservation whose
// timeout is at or before now and marks its booking failed.  It returns
// the number of reservations released; running it again releases nothing.
// A failing slot does not stop the sweep of the others.
func (c *Coordinator) SweepExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	var (
		released int
		errs     []error
	)
	for _, slot := range c.registry.Slots() {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		n := 0
		err := c.arena.Run(ctx, slot.ID, func(sec *slotlock.Section) error {
			n = 0
			expired, err := c.registry.ExpiredTx(sec, now)
			if err != nil {
				return err
			}
			for _, res := range expired {
				c.mu.RLock()
				ref, ok := c.bookings[res.BookingID]
				c.mu.RUnlock()
				if ok {
					err = c.releaseTx(sec, ref.b, model.PaymentFailed)
				} else {
					_, err = c.registry.ReleaseTx(sec, res.ID)
				}
				if err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			c.logFailure("sweep reservations", err, zap.String("slot_id", slot.ID))
			errs = append(errs, fmt.Errorf("slot %s: %w", slot.ID, err))
			continue
		}
		if n > 0 {
			c.log.Info("expired reservations released", zap.String("slot_id", slot.ID), zap.Int("count", n))
		}
		released += n
	}
	return released, errors.Join(errs...)
}
