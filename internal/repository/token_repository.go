package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/cafeteria-queue/internal/model"
)

// TokenRepo persists queue tokens.  The unique (slot_id, number) key makes
// a reused number fail with store.ErrConflict.
type TokenRepo struct{ DB *sql.DB }

// NewTokenRepo returns a new TokenRepo bound to the given database.
func NewTokenRepo(db *sql.DB) *TokenRepo { return &TokenRepo{DB: db} }

const upsertToken = `INSERT INTO tokens (id, slot_id, booking_id, number, status, counter_id, created_at, called_at, served_at, expired_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE status = VALUES(status), counter_id = VALUES(counter_id),
called_at = VALUES(called_at), served_at = VALUES(served_at), expired_at = VALUES(expired_at)`

// UpsertTx writes the token row inside tx.
func (r *TokenRepo) UpsertTx(ctx context.Context, tx *sql.Tx, t model.Token) error {
	_, err := tx.ExecContext(ctx, upsertToken,
		t.ID, t.SlotID, t.BookingID, t.Number, string(t.Status), nullString(t.CounterID),
		t.CreatedAt.UTC(), nullTime(t.CalledAt), nullTime(t.ServedAt), nullTime(t.ExpiredAt))
	return translate(err)
}

// ListAll returns every token grouped by slot and ordered by number.
func (r *TokenRepo) ListAll(ctx context.Context) ([]model.Token, error) {
	const q = `SELECT id, slot_id, booking_id, number, status, counter_id, created_at, called_at, served_at, expired_at
FROM tokens ORDER BY slot_id, number`
	rows, err := r.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Token
	for rows.Next() {
		var (
			t                    model.Token
			status               string
			counter              sql.NullString
			called, served, expd sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.SlotID, &t.BookingID, &t.Number, &status, &counter, &t.CreatedAt, &called, &served, &expd); err != nil {
			return nil, err
		}
		t.Status = model.TokenStatus(status)
		t.CounterID = counter.String
		t.CalledAt = timePtr(called)
		t.ServedAt = timePtr(served)
		t.ExpiredAt = timePtr(expd)
		out = append(out, t)
	}
	return out, rows.Err()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
