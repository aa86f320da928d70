package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/models"
)

type ReviewRepository interface {
	GetLatestBySubmission(ctx context.Context, submissionID string) (*models.Review, error)
	ExistsForSubmission(ctx context.Context, submissionID string) (bool, error)
	CreateAndMarkReviewed(ctx context.Context, review *models.Review) error
}

type reviewRepository struct {
	*PostgresRepository
}

func NewReviewRepository(db *sql.DB, logger zerolog.Logger) ReviewRepository {
	return &reviewRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

// GetLatestBySubmission returns the authoritative review: the newest one.
func (r *reviewRepository) GetLatestBySubmission(ctx context.Context, submissionID string) (*models.Review, error) {
	query := `
		SELECT id, submission_id, critique, issues, discussion_plan, model, repaired, created_at
		FROM reviews
		WHERE submission_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	review := &models.Review{}
	var issues, plan []byte
	err := r.db.QueryRowContext(ctx, query, submissionID).Scan(
		&review.ID,
		&review.SubmissionID,
		&review.Critique,
		&issues,
		&plan,
		&review.Model,
		&review.Repaired,
		&review.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(issues) > 0 {
		if err := json.Unmarshal(issues, &review.Issues); err != nil {
			return nil, fmt.Errorf("decode review issues: %w", err)
		}
	}
	if err := json.Unmarshal(plan, &review.DiscussionPlan); err != nil {
		return nil, fmt.Errorf("decode discussion plan: %w", err)
	}
	return review, nil
}

func (r *reviewRepository) ExistsForSubmission(ctx context.Context, submissionID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM reviews WHERE submission_id = $1)`,
		submissionID,
	).Scan(&exists)
	return exists, err
}

// CreateAndMarkReviewed stores the review and moves the submission from
// reviewing to reviewed atomically. ErrStateChanged means the submission was
// no longer reviewing and nothing was written.
func (r *reviewRepository) CreateAndMarkReviewed(ctx context.Context, review *models.Review) error {
	issues, err := json.Marshal(review.Issues)
	if err != nil {
		return fmt.Errorf("encode review issues: %w", err)
	}
	plan, err := json.Marshal(review.DiscussionPlan)
	if err != nil {
		return fmt.Errorf("encode discussion plan: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := execGuarded(ctx, tx, `
		UPDATE submissions SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, models.SubmissionStatusReviewed.String(), review.SubmissionID, models.SubmissionStatusReviewing.String())
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if !ok {
		return ErrStateChanged
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reviews (
			id, submission_id, critique, issues, discussion_plan, model, repaired, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		review.ID,
		review.SubmissionID,
		review.Critique,
		string(issues),
		string(plan),
		review.Model,
		review.Repaired,
		review.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}

	return tx.Commit()
}
