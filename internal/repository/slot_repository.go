package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/cafeteria-queue/internal/model"
)

// SlotRepo provides access to the slots table.
type SlotRepo struct {
	db *sql.DB
}

// NewSlotRepo returns a new SlotRepo bound to the given database.
func NewSlotRepo(db *sql.DB) *SlotRepo { return &SlotRepo{db: db} }

const upsertSlot = `INSERT INTO slots (id, meal_category, starts_at, ends_at, capacity, booked, active, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE capacity = VALUES(capacity), booked = VALUES(booked), active = VALUES(active)`

// UpsertTx writes the slot row inside tx.  Only the mutable columns are
// updated for an existing row.
func (r *SlotRepo) UpsertTx(ctx context.Context, tx *sql.Tx, s model.Slot) error {
	_, err := tx.ExecContext(ctx, upsertSlot,
		s.ID, s.MealCategory, s.StartsAt.UTC(), s.EndsAt.UTC(), s.Capacity, s.Booked, s.Active, s.CreatedAt.UTC())
	return translate(err)
}

// ListAll returns every slot ordered by start time.
func (r *SlotRepo) ListAll(ctx context.Context) ([]model.Slot, error) {
	const q = `SELECT id, meal_category, starts_at, ends_at, capacity, booked, active, created_at
FROM slots ORDER BY starts_at, id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Slot
	for rows.Next() {
		var s model.Slot
		if err := rows.Scan(&s.ID, &s.MealCategory, &s.StartsAt, &s.EndsAt, &s.Capacity, &s.Booked, &s.Active, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
