package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/cafeteria-queue/internal/estimator"
	"github.com/iliyamo/cafeteria-queue/internal/ledger"
	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/queue"
	"github.com/iliyamo/cafeteria-queue/internal/registry"
	"github.com/iliyamo/cafeteria-queue/internal/slotlock"
	"github.com/iliyamo/cafeteria-queue/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedEvents struct {
	mu     sync.Mutex
	issued []queue.TokenIssuedEvent
	ended  []queue.QueueEndedEvent
}

func (r *recordedEvents) TokenIssued(_ context.Context, ev queue.TokenIssuedEvent) {
	r.mu.Lock()
	r.issued = append(r.issued, ev)
	r.mu.Unlock()
}

func (r *recordedEvents) QueueEnded(_ context.Context, ev queue.QueueEndedEvent) {
	r.mu.Lock()
	r.ended = append(r.ended, ev)
	r.mu.Unlock()
}

const (
	testTTL   = 5 * time.Minute
	testGrace = 15 * time.Minute
)

var t0 = time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

type fixture struct {
	c      *Coordinator
	mem    *store.Memory
	clk    *clock
	events *recordedEvents
}

func build(mem *store.Memory, clk *clock, events *recordedEvents) *Coordinator {
	arena := slotlock.New(mem)
	reg := registry.New(arena, clk.Now)
	led := ledger.New(arena, testGrace, clk.Now)
	est := estimator.New(estimator.Config{
		Default:    2 * time.Minute,
		ByCategory: map[string]time.Duration{"lunch": 3 * time.Minute},
	})
	return New(mem, reg, led, est, Options{
		ReservationTTL: testTTL,
		Now:            clk.Now,
		Events:         events,
		Logger:         zap.NewNop(),
	})
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mem: store.NewMemory(), clk: &clock{now: t0}, events: &recordedEvents{}}
	f.c = build(f.mem, f.clk, f.events)
	return f
}

func (f *fixture) slot(t *testing.T, id string, capacity int) model.Slot {
	t.Helper()
	s, err := f.c.RegisterSlot(context.Background(), model.Slot{
		ID:           id,
		MealCategory: "lunch",
		StartsAt:     t0.Add(time.Hour),
		EndsAt:       t0.Add(2 * time.Hour),
		Capacity:     capacity,
	})
	require.NoError(t, err)
	return s
}

// paidToken books one member and confirms payment.
func (f *fixture) paidToken(t *testing.T, slotID string, userID uint64) model.Token {
	t.Helper()
	ctx := context.Background()
	b, _, err := f.c.Book(ctx, userID, slotID, 1)
	require.NoError(t, err)
	tok, err := f.c.HandlePaymentEvent(ctx, model.PaymentEvent{BookingID: b.ID, Outcome: model.OutcomePaid})
	require.NoError(t, err)
	return tok
}

func next(t *testing.T, c <-chan model.QueueSnapshot) (model.QueueSnapshot, bool) {
	t.Helper()
	select {
	case s, ok := <-c:
		return s, ok
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for snapshot")
		return model.QueueSnapshot{}, false
	}
}

func TestConcurrentBookingsNeverOvercommit(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 2)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(user uint64) {
			defer wg.Done()
			_, _, err := f.c.Book(context.Background(), user, "lunch-1", 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, registry.ErrCapacityExceeded):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(uint64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, refused)
	s, err := f.c.Slot("lunch-1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Booked)
	persisted, _ := f.mem.Slot("lunch-1")
	assert.Equal(t, 2, persisted.Booked)
}

func TestManyConcurrentBookings(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 10)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(user uint64) {
			defer wg.Done()
			b, _, err := f.c.Book(context.Background(), user, "lunch-1", 1+int(user%2))
			if err != nil {
				return
			}
			_, _ = f.c.HandlePaymentEvent(context.Background(), model.PaymentEvent{BookingID: b.ID, Outcome: model.OutcomePaid})
		}(uint64(i))
	}
	wg.Wait()

	s, err := f.c.Slot("lunch-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, s.Booked, s.Capacity)

	q, err := f.c.SlotQueue(context.Background(), "lunch-1")
	require.NoError(t, err)
	for i, snap := range q.Snapshots {
		assert.Equal(t, uint64(i+1), snap.Number)
		assert.Equal(t, i+1, snap.Rank)
	}
}

// race runs each fn in its own goroutine, released together.
func race(fns ...func()) {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for _, fn := range fns {
		wg.Add(1)
		go func(fn func()) {
			defer wg.Done()
			<-start
			fn()
		}(fn)
	}
	close(start)
	wg.Wait()
}

func TestPaymentRacesCancelOnSameBooking(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 100)
	ctx := context.Background()

	paid := 0
	for i := 0; i < 100; i++ {
		b, _, err := f.c.Book(ctx, uint64(i+1), "lunch-1", 1)
		require.NoError(t, err)

		var payErr, cancelErr error
		race(
			func() {
				_, payErr = f.c.HandlePaymentEvent(ctx, model.PaymentEvent{BookingID: b.ID, Outcome: model.OutcomePaid})
			},
			func() { _, cancelErr = f.c.CancelBooking(ctx, b.ID) },
			func() { _, _ = f.c.Booking(ctx, b.ID) },
		)

		got, err := f.c.Booking(ctx, b.ID)
		require.NoError(t, err)
		if payErr == nil {
			paid++
			assert.ErrorIs(t, cancelErr, ErrBookingNotCancellable)
			assert.Equal(t, model.PaymentPaid, got.PaymentStatus)
			assert.NotEmpty(t, got.TokenID)
		} else {
			assert.ErrorIs(t, payErr, registry.ErrReservationExpired)
			assert.NoError(t, cancelErr)
			assert.Equal(t, model.PaymentCancelled, got.PaymentStatus)
			assert.Empty(t, got.TokenID)
		}
	}

	s, err := f.c.Slot("lunch-1")
	require.NoError(t, err)
	assert.Equal(t, paid, s.Booked)
	q, err := f.c.SlotQueue(ctx, "lunch-1")
	require.NoError(t, err)
	assert.Len(t, q.Snapshots, paid)
}

func TestPaymentRacesSweepOnSameBooking(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 100)
	ctx := context.Background()
	// The sweep sees the reservation as timed out while the payment
	// still finds it within its TTL.
	sweepAt := t0.Add(testTTL)

	paid := 0
	for i := 0; i < 100; i++ {
		b, _, err := f.c.Book(ctx, uint64(i+1), "lunch-1", 1)
		require.NoError(t, err)

		var (
			payErr   error
			swept    int
			sweepErr error
		)
		race(
			func() {
				_, payErr = f.c.HandlePaymentEvent(ctx, model.PaymentEvent{BookingID: b.ID, Outcome: model.OutcomePaid})
			},
			func() { swept, sweepErr = f.c.SweepExpiredReservations(ctx, sweepAt) },
			func() { _, _ = f.c.Booking(ctx, b.ID) },
		)
		require.NoError(t, sweepErr)

		got, err := f.c.Booking(ctx, b.ID)
		require.NoError(t, err)
		if payErr == nil {
			paid++
			assert.Equal(t, 0, swept)
			assert.Equal(t, model.PaymentPaid, got.PaymentStatus)
		} else {
			assert.ErrorIs(t, payErr, registry.ErrReservationExpired)
			assert.Equal(t, 1, swept)
			assert.Equal(t, model.PaymentFailed, got.PaymentStatus)
		}
	}

	s, err := f.c.Slot("lunch-1")
	require.NoError(t, err)
	assert.Equal(t, paid, s.Booked)
	persisted, _ := f.mem.Slot("lunch-1")
	assert.Equal(t, paid, persisted.Booked)
}

func TestBookValidation(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 2)
	ctx := context.Background()

	_, _, err := f.c.Book(ctx, 1, "lunch-1", 0)
	assert.ErrorIs(t, err, registry.ErrInvalidCount)
	_, _, err = f.c.Book(ctx, 1, "nope", 1)
	assert.ErrorIs(t, err, registry.ErrSlotNotFound)
	_, _, err = f.c.Book(ctx, 1, "lunch-1", 3)
	assert.ErrorIs(t, err, registry.ErrCapacityExceeded)

	_, err = f.c.DeactivateSlot(ctx, "lunch-1")
	require.NoError(t, err)
	_, _, err = f.c.Book(ctx, 1, "lunch-1", 1)
	assert.ErrorIs(t, err, registry.ErrSlotInactive)
}

func TestPaymentMintsSequentialTokens(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 5)
	ctx := context.Background()

	b, res, err := f.c.Book(ctx, 7, "lunch-1", 2)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, b.PaymentStatus)
	assert.Equal(t, t0.Add(testTTL), res.ExpiresAt)

	paid := model.PaymentEvent{BookingID: b.ID, Outcome: model.OutcomePaid}
	tok, err := f.c.HandlePaymentEvent(ctx, paid)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tok.Number)
	assert.Equal(t, model.TokenActive, tok.Status)

	again, err := f.c.HandlePaymentEvent(ctx, paid)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, again.ID)

	second := f.paidToken(t, "lunch-1", 8)
	assert.Equal(t, uint64(2), second.Number)

	got, err := f.c.Booking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, tok.ID, got.TokenID)

	require.Len(t, f.events.issued, 2)
	assert.Equal(t, uint64(7), f.events.issued[0].UserID)
	assert.Equal(t, "lunch", f.events.issued[0].MealCategory)

	snap, err := f.c.CurrentSnapshot(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Rank)
	assert.Equal(t, int64(180), snap.EstimatedWaitSeconds)
}

func TestServedTokenAdvancesQueue(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 5)
	ctx := context.Background()

	t1 := f.paidToken(t, "lunch-1", 1)
	t2 := f.paidToken(t, "lunch-1", 2)
	t3 := f.paidToken(t, "lunch-1", 3)

	_, err := f.c.TransitionToken(ctx, t1.ID, model.TokenServing, "counter-a")
	require.NoError(t, err)

	sub1, err := f.c.Subscribe(ctx, t1.ID)
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := f.c.Subscribe(ctx, t2.ID)
	require.NoError(t, err)
	defer sub2.Close()
	sub3, err := f.c.Subscribe(ctx, t3.ID)
	require.NoError(t, err)
	defer sub3.Close()

	s2, _ := next(t, sub2.C)
	s3, _ := next(t, sub3.C)
	assert.Equal(t, 2, s2.Rank)
	assert.Equal(t, 3, s3.Rank)
	s1, _ := next(t, sub1.C)
	assert.Equal(t, model.TokenServing, s1.Status)
	assert.Equal(t, int64(0), s1.EstimatedWaitSeconds)

	served, err := f.c.TransitionToken(ctx, t1.ID, model.TokenServed, "")
	require.NoError(t, err)
	assert.Equal(t, "counter-a", served.CounterID)
	require.NotNil(t, served.ServedAt)

	s2, _ = next(t, sub2.C)
	s3, _ = next(t, sub3.C)
	assert.Equal(t, 1, s2.Rank)
	assert.Equal(t, 2, s3.Rank)
	assert.Equal(t, int64(0), s2.EstimatedWaitSeconds)
	assert.Equal(t, int64(180), s3.EstimatedWaitSeconds)

	s1, ok := next(t, sub1.C)
	require.True(t, ok)
	assert.True(t, s1.Terminal)
	_, ok = next(t, sub1.C)
	assert.False(t, ok)

	require.Len(t, f.events.ended, 1)
	assert.Equal(t, model.TokenServed, f.events.ended[0].Status)

	// A terminal token can still be queried and subscribed to.
	late, err := f.c.Subscribe(ctx, t1.ID)
	require.NoError(t, err)
	last, ok := next(t, late.C)
	require.True(t, ok)
	assert.Equal(t, model.TokenServed, last.Status)
	_, ok = next(t, late.C)
	assert.False(t, ok)
}

func TestTransitionErrors(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 5)
	ctx := context.Background()
	tok := f.paidToken(t, "lunch-1", 1)

	_, err := f.c.TransitionToken(ctx, tok.ID, model.TokenServing, "")
	assert.ErrorIs(t, err, ledger.ErrCounterRequired)
	_, err = f.c.TransitionToken(ctx, tok.ID, model.TokenServed, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	_, err = f.c.TransitionToken(ctx, tok.ID, "eating", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	_, err = f.c.TransitionToken(ctx, "missing", model.TokenServing, "a")
	assert.ErrorIs(t, err, ledger.ErrTokenNotFound)

	_, err = f.c.TransitionToken(ctx, tok.ID, model.TokenServing, "a")
	require.NoError(t, err)
	_, err = f.c.TransitionToken(ctx, tok.ID, model.TokenServed, "")
	require.NoError(t, err)
	_, err = f.c.TransitionToken(ctx, tok.ID, model.TokenActive, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestTimeoutReleasesThenLatePaymentRejected(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 2)
	ctx := context.Background()

	b, _, err := f.c.Book(ctx, 1, "lunch-1", 2)
	require.NoError(t, err)

	f.clk.Advance(testTTL)
	n, err := f.c.SweepExpiredReservations(ctx, f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, _ := f.c.Slot("lunch-1")
	assert.Equal(t, 0, s.Booked)
	got, _ := f.c.Booking(ctx, b.ID)
	assert.Equal(t, model.PaymentFailed, got.PaymentStatus)

	_, err = f.c.HandlePaymentEvent(ctx, model.PaymentEvent{BookingID: b.ID, Outcome: model.OutcomePaid})
	assert.ErrorIs(t, err, registry.ErrReservationExpired)

	n, err = f.c.SweepExpiredReservations(ctx, f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	s, _ = f.c.Slot("lunch-1")
	assert.Equal(t, 0, s.Booked)
}

func TestLatePaymentBeforeSweepReleases(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 2)
	ctx := context.Background()

	b, _, err := f.c.Book(ctx, 1, "lunch-1", 1)
	require.NoError(t, err)
	f.clk.Advance(testTTL + time.Second)

	_, err = f.c.HandlePaymentEvent(ctx, model.PaymentEvent{BookingID: b.ID, Outcome: model.OutcomePaid})
	assert.ErrorIs(t, err, registry.ErrReservationExpired)

	s, _ := f.c.Slot("lunch-1")
	assert.Equal(t, 0, s.Booked)
	got, _ := f.c.Booking(ctx, b.ID)
	assert.Equal(t, model.PaymentFailed, got.PaymentStatus)
	assert.Empty(t, got.TokenID)
}

func TestFailedPayment(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 2)
	ctx := context.Background()

	b, _, err := f.c.Book(ctx, 1, "lunch-1", 2)
	require.NoError(t, err)
	failed := model.PaymentEvent{BookingID: b.ID, Outcome: model.OutcomeFailed}
	_, err = f.c.HandlePaymentEvent(ctx, failed)
	require.NoError(t, err)
	_, err = f.c.HandlePaymentEvent(ctx, failed)
	require.NoError(t, err)

	s, _ := f.c.Slot("lunch-1")
	assert.Equal(t, 0, s.Booked)

	// A failed event never undoes a paid booking.
	tok := f.paidToken(t, "lunch-1", 2)
	paidBooking := tok.BookingID
	_, err = f.c.HandlePaymentEvent(ctx, model.PaymentEvent{BookingID: paidBooking, Outcome: model.OutcomeFailed})
	require.NoError(t, err)
	got, _ := f.c.Booking(ctx, paidBooking)
	assert.Equal(t, model.PaymentPaid, got.PaymentStatus)
	s, _ = f.c.Slot("lunch-1")
	assert.Equal(t, 1, s.Booked)

	_, err = f.c.HandlePaymentEvent(ctx, model.PaymentEvent{BookingID: paidBooking, Outcome: "refunded"})
	assert.ErrorIs(t, err, ErrInvalidOutcome)
	_, err = f.c.HandlePaymentEvent(ctx, model.PaymentEvent{BookingID: "missing", Outcome: model.OutcomePaid})
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestCancelBooking(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 2)
	ctx := context.Background()

	b, _, err := f.c.Book(ctx, 1, "lunch-1", 2)
	require.NoError(t, err)
	got, err := f.c.CancelBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCancelled, got.PaymentStatus)
	_, err = f.c.CancelBooking(ctx, b.ID)
	require.NoError(t, err)

	s, _ := f.c.Slot("lunch-1")
	assert.Equal(t, 0, s.Booked)

	_, err = f.c.HandlePaymentEvent(ctx, model.PaymentEvent{BookingID: b.ID, Outcome: model.OutcomePaid})
	assert.ErrorIs(t, err, registry.ErrReservationExpired)

	tok := f.paidToken(t, "lunch-1", 2)
	_, err = f.c.CancelBooking(ctx, tok.BookingID)
	assert.ErrorIs(t, err, ErrBookingNotCancellable)
}

func TestStorageFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 2)
	ctx := context.Background()

	b, _, err := f.c.Book(ctx, 1, "lunch-1", 1)
	require.NoError(t, err)

	f.mem.FailCommits(1)
	paid := model.PaymentEvent{BookingID: b.ID, Outcome: model.OutcomePaid}
	_, err = f.c.HandlePaymentEvent(ctx, paid)
	require.ErrorIs(t, err, slotlock.ErrStorage)

	got, _ := f.c.Booking(ctx, b.ID)
	assert.Equal(t, model.PaymentPending, got.PaymentStatus)
	assert.Empty(t, got.TokenID)
	q, err := f.c.SlotQueue(ctx, "lunch-1")
	require.NoError(t, err)
	assert.Empty(t, q.Snapshots)
	assert.Empty(t, f.events.issued)

	tok, err := f.c.HandlePaymentEvent(ctx, paid)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tok.Number)
	persisted, ok := f.mem.Token(tok.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), persisted.Number)

	f.mem.FailBegin(1)
	_, _, err = f.c.Book(ctx, 2, "lunch-1", 1)
	require.ErrorIs(t, err, slotlock.ErrStorage)
	s, _ := f.c.Slot("lunch-1")
	assert.Equal(t, 1, s.Booked)
}

func TestExpireStaleTokens(t *testing.T) {
	f := newFixture(t)
	slot := f.slot(t, "lunch-1", 5)
	ctx := context.Background()

	t1 := f.paidToken(t, "lunch-1", 1)
	t2 := f.paidToken(t, "lunch-1", 2)
	_, err := f.c.TransitionToken(ctx, t1.ID, model.TokenServing, "a")
	require.NoError(t, err)

	sub, err := f.c.Subscribe(ctx, t2.ID)
	require.NoError(t, err)
	defer sub.Close()
	_, _ = next(t, sub.C)

	n, err := f.c.ExpireAllStaleTokens(ctx, slot.EndsAt)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing expires before the grace period ends")

	deadline := slot.EndsAt.Add(testGrace)
	n, err = f.c.ExpireAllStaleTokens(ctx, deadline)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, ok := next(t, sub.C)
	require.True(t, ok)
	assert.Equal(t, model.TokenExpired, snap.Status)
	_, ok = next(t, sub.C)
	assert.False(t, ok)

	n, err = f.c.ExpireAllStaleTokens(ctx, deadline.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	serving, err := f.c.CurrentSnapshot(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TokenServing, serving.Status)
	assert.Equal(t, 1, serving.Rank)

	require.Len(t, f.events.ended, 1)
	assert.Equal(t, model.TokenExpired, f.events.ended[0].Status)
}

func TestRestoreContinuesNumbering(t *testing.T) {
	f := newFixture(t)
	f.slot(t, "lunch-1", 5)
	ctx := context.Background()

	first := f.paidToken(t, "lunch-1", 1)
	pending, _, err := f.c.Book(ctx, 2, "lunch-1", 1)
	require.NoError(t, err)

	restored := build(f.mem, f.clk, &recordedEvents{})
	require.NoError(t, restored.Restore(ctx))

	s, err := restored.Slot("lunch-1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Booked)

	tok, err := restored.HandlePaymentEvent(ctx, model.PaymentEvent{BookingID: pending.ID, Outcome: model.OutcomePaid})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tok.Number)

	snap, err := restored.CurrentSnapshot(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Rank)

	gotTok, gotBooking, err := restored.Token(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Number, gotTok.Number)
	assert.Equal(t, uint64(1), gotBooking.UserID)
}
