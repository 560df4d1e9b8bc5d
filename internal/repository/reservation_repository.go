package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/cafeteria-queue/internal/model"
)

// ReservationRepo provides access to the reservations table.  A row is
// written when capacity is claimed and updated once when the handle is
// committed or released.
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const upsertReservation = `INSERT INTO reservations (id, slot_id, booking_id, count, state, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE state = VALUES(state)`

// UpsertTx writes the reservation row inside tx.
func (r *ReservationRepo) UpsertTx(ctx context.Context, tx *sql.Tx, res model.Reservation) error {
	_, err := tx.ExecContext(ctx, upsertReservation,
		res.ID, res.SlotID, res.BookingID, res.Count, string(res.State), res.ExpiresAt.UTC(), res.CreatedAt.UTC())
	return translate(err)
}

// ListAll returns every reservation.  Released and committed rows are
// included so repeated commits and releases stay no-ops after a restart.
func (r *ReservationRepo) ListAll(ctx context.Context) ([]model.Reservation, error) {
	const q = `SELECT id, slot_id, booking_id, count, state, expires_at, created_at FROM reservations`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Reservation
	for rows.Next() {
		var (
			res   model.Reservation
			state string
		)
		if err := rows.Scan(&res.ID, &res.SlotID, &res.BookingID, &res.Count, &state, &res.ExpiresAt, &res.CreatedAt); err != nil {
			return nil, err
		}
		res.State = model.ReservationState(state)
		out = append(out, res)
	}
	return out, rows.Err()
}
