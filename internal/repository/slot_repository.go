package repository

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/models"
)

type SlotRepository interface {
	GetByID(ctx context.Context, id string) (*models.SeminarSlot, error)
}

type slotRepository struct {
	*PostgresRepository
}

func NewSlotRepository(db *sql.DB, logger zerolog.Logger) SlotRepository {
	return &slotRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

func (r *slotRepository) GetByID(ctx context.Context, id string) (*models.SeminarSlot, error) {
	query := `
		SELECT id, assignment_id, starts_at, ends_at, max_concurrent, created_at
		FROM seminar_slots
		WHERE id = $1
	`

	slot := &models.SeminarSlot{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&slot.ID,
		&slot.AssignmentID,
		&slot.StartsAt,
		&slot.EndsAt,
		&slot.MaxConcurrent,
		&slot.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return slot, nil
}
