// Package service contains the reservation coordinator: it sequences the
// slot registry, token ledger, queue estimator and status broadcaster so
// that every user-visible operation is all-or-nothing within its slot.
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cafeteria-queue/internal/broadcast"
	"github.com/iliyamo/cafeteria-queue/internal/estimator"
	"github.com/iliyamo/cafeteria-queue/internal/ledger"
	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/registry"
	"github.com/iliyamo/cafeteria-queue/internal/slotlock"
	"github.com/iliyamo/cafeteria-queue/internal/store"
)

// Options tune a Coordinator.  Zero values fall back to the defaults
// below.
type Options struct {
	// ReservationTTL is how long capacity stays held awaiting payment.
	ReservationTTL time.Duration
	// Retention is how long terminal snapshots stay cached for late
	// subscribers.
	Retention time.Duration
	Now       func() time.Time
	Events    Events
	Logger    *zap.Logger
}

const (
	defaultReservationTTL = 10 * time.Minute
	defaultRetention      = time.Hour
)

// Coordinator is the reservation coordinator.
type Coordinator struct {
	store     store.Store
	arena     *slotlock.Arena
	registry  *registry.Registry
	ledger    *ledger.Ledger
	estimator *estimator.Estimator
	broadcast *broadcast.Broadcaster
	events    Events
	log       *zap.Logger
	now       func() time.Time
	ttl       time.Duration
	retention time.Duration

	seq atomic.Uint64

	mu       sync.RWMutex
	bookings map[string]bookingRef
}

// bookingRef pairs a booking with its slot ID.  The record behind b is
// read and written only inside that slot's region; slotID never changes
// and may be read under mu alone.
type bookingRef struct {
	b      *model.Booking
	slotID string
}

// New wires a Coordinator.  reg and led must share one slotlock.Arena
// built on st.
func New(st store.Store, reg *registry.Registry, led *ledger.Ledger, est *estimator.Estimator, opts Options) *Coordinator {
	c := &Coordinator{
		store:     st,
		arena:     reg.Arena(),
		registry:  reg,
		ledger:    led,
		estimator: est,
		events:    opts.Events,
		log:       opts.Logger,
		now:       opts.Now,
		ttl:       opts.ReservationTTL,
		retention: opts.Retention,
		bookings:  make(map[string]bookingRef),
	}
	if c.events == nil {
		c.events = nopEvents{}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.ttl <= 0 {
		c.ttl = defaultReservationTTL
	}
	if c.retention <= 0 {
		c.retention = defaultRetention
	}
	c.broadcast = broadcast.New(c.snapshot, c.log.Named("broadcast"))
	return c
}

// Now returns the coordinator's clock reading.
func (c *Coordinator) Now() time.Time { return c.now() }

// Broadcaster exposes the status broadcaster, e.g. for health stats.
func (c *Coordinator) Broadcaster() *broadcast.Broadcaster { return c.broadcast }

// Restore rebuilds the registry, ledger and booking table from the store.
// It must run before the coordinator serves requests.
func (c *Coordinator) Restore(ctx context.Context) error {
	st, err := c.store.Load(ctx)
	if err != nil {
		return slotlock.StoreErr(err)
	}
	if err := c.registry.Restore(st.Slots, st.Reservations); err != nil {
		return err
	}
	if err := c.ledger.Restore(st.Tokens); err != nil {
		return err
	}
	c.mu.Lock()
	for i := range st.Bookings {
		b := st.Bookings[i]
		c.bookings[b.ID] = bookingRef{b: &b, slotID: b.SlotID}
	}
	c.mu.Unlock()
	c.log.Info("state restored",
		zap.Int("slots", len(st.Slots)),
		zap.Int("reservations", len(st.Reservations)),
		zap.Int("bookings", len(st.Bookings)),
		zap.Int("tokens", len(st.Tokens)))
	return nil
}

// booking looks up a booking and its slot.  The returned record may only
// be dereferenced inside that slot's region.
func (c *Coordinator) booking(id string) (*model.Booking, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.bookings[id]
	if !ok {
		return nil, "", ErrBookingNotFound
	}
	return ref.b, ref.slotID, nil
}

// saveBooking persists next and swaps it into b, undoing on rollback.
func (c *Coordinator) saveBooking(sec *slotlock.Section, b *model.Booking, next model.Booking) error {
	next.UpdatedAt = c.now().UTC()
	if err := sec.Tx().SaveBooking(sec.Context(), next); err != nil {
		return slotlock.StoreErr(err)
	}
	prev := *b
	*b = next
	sec.Undo(func() { *b = prev })
	return nil
}

// recomputeTx derives fresh snapshots for the section's slot.  Terminal
// tokens are only included when listed in changed, so long-finished
// tokens are not re-announced on every recompute.
func (c *Coordinator) recomputeTx(sec *slotlock.Section, changed ...string) ([]model.QueueSnapshot, error) {
	slot, err := c.registry.Slot(sec.SlotID())
	if err != nil {
		return nil, err
	}
	seq := c.seq.Add(1)
	all := c.estimator.Snapshots(slot, c.ledger.TokensTx(sec), c.now().UTC())
	out := all[:0]
	for _, s := range all {
		if s.Terminal && !contains(changed, s.TokenID) {
			continue
		}
		s.Seq = seq
		out = append(out, s)
	}
	return out, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// snapshot is the broadcaster's source on a cache miss.
func (c *Coordinator) snapshot(ctx context.Context, tokenID string) (model.QueueSnapshot, error) {
	slotID, err := c.ledger.SlotOf(tokenID)
	if err != nil {
		return model.QueueSnapshot{}, err
	}
	slot, err := c.registry.Slot(slotID)
	if err != nil {
		return model.QueueSnapshot{}, err
	}
	tokens, err := c.ledger.Tokens(ctx, slotID)
	if err != nil {
		return model.QueueSnapshot{}, err
	}
	snap, ok := c.estimator.Snapshot(slot, tokens, tokenID, c.now().UTC())
	if !ok {
		return model.QueueSnapshot{}, ledger.ErrTokenNotFound
	}
	snap.Seq = c.seq.Load()
	return snap, nil
}

// logFailure logs errors that are not ordinary user-facing outcomes.
func (c *Coordinator) logFailure(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("op", op), zap.Error(err))
	switch {
	case errors.Is(err, slotlock.ErrInvariant):
		c.log.Error("slot invariant violated, mutation refused", fields...)
	case errors.Is(err, slotlock.ErrStorage):
		c.log.Warn("storage unavailable, operation rolled back", fields...)
	}
}
