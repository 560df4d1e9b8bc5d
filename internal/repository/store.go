package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/store"
)

// Store implements store.Store on MySQL.  Every slot section runs in one
// *sql.Tx, so the rows of a section land together or not at all.
type Store struct {
	db           *sql.DB
	slots        *SlotRepo
	reservations *ReservationRepo
	bookings     *BookingRepo
	tokens       *TokenRepo
}

var _ store.Store = (*Store)(nil)

// NewStore returns a Store bound to db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:           db,
		slots:        NewSlotRepo(db),
		reservations: NewReservationRepo(db),
		bookings:     NewBookingRepo(db),
		tokens:       NewTokenRepo(db),
	}
}

// Begin opens a transaction for one section.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{s: s, tx: tx}, nil
}

// Load reads every table for startup restore.
func (s *Store) Load(ctx context.Context) (store.State, error) {
	var (
		st  store.State
		err error
	)
	if st.Slots, err = s.slots.ListAll(ctx); err != nil {
		return store.State{}, fmt.Errorf("load slots: %w", err)
	}
	if st.Reservations, err = s.reservations.ListAll(ctx); err != nil {
		return store.State{}, fmt.Errorf("load reservations: %w", err)
	}
	if st.Bookings, err = s.bookings.ListAll(ctx); err != nil {
		return store.State{}, fmt.Errorf("load bookings: %w", err)
	}
	if st.Tokens, err = s.tokens.ListAll(ctx); err != nil {
		return store.State{}, fmt.Errorf("load tokens: %w", err)
	}
	return st, nil
}

type sqlTx struct {
	s  *Store
	tx *sql.Tx
}

func (t *sqlTx) SaveSlot(ctx context.Context, sl model.Slot) error {
	return t.s.slots.UpsertTx(ctx, t.tx, sl)
}

func (t *sqlTx) SaveReservation(ctx context.Context, r model.Reservation) error {
	return t.s.reservations.UpsertTx(ctx, t.tx, r)
}

func (t *sqlTx) SaveBooking(ctx context.Context, b model.Booking) error {
	return t.s.bookings.UpsertTx(ctx, t.tx, b)
}

func (t *sqlTx) SaveToken(ctx context.Context, tk model.Token) error {
	return t.s.tokens.UpsertTx(ctx, t.tx, tk)
}

func (t *sqlTx) Commit() error { return translate(t.tx.Commit()) }

// Rollback after a failed commit reports sql.ErrTxDone; that is not a
// failure of the rollback itself.
func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
