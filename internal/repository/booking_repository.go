package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/cafeteria-queue/internal/model"
)

// BookingRepo provides access to the bookings table.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

const upsertBooking = `INSERT INTO bookings (id, user_id, slot_id, members, payment_status, reservation_id, token_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE payment_status = VALUES(payment_status), token_id = VALUES(token_id), updated_at = VALUES(updated_at)`

// UpsertTx writes the booking row inside tx.
func (r *BookingRepo) UpsertTx(ctx context.Context, tx *sql.Tx, b model.Booking) error {
	_, err := tx.ExecContext(ctx, upsertBooking,
		b.ID, b.UserID, b.SlotID, b.Members, string(b.PaymentStatus), b.ReservationID,
		nullString(b.TokenID), b.CreatedAt.UTC(), b.UpdatedAt.UTC())
	return translate(err)
}

// ListAll returns every booking.
func (r *BookingRepo) ListAll(ctx context.Context) ([]model.Booking, error) {
	const q = `SELECT id, user_id, slot_id, members, payment_status, reservation_id, token_id, created_at, updated_at FROM bookings`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		var (
			b       model.Booking
			status  string
			tokenID sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.SlotID, &b.Members, &status, &b.ReservationID, &tokenID, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.PaymentStatus = model.PaymentStatus(status)
		b.TokenID = tokenID.String
		out = append(out, b)
	}
	return out, rows.Err()
}
