package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/models"
)

type GradeRepository interface {
	GetBySessionID(ctx context.Context, sessionID string) (*models.AIGrade, error)
	Claim(ctx context.Context, id, sessionID string, staleBefore time.Time) (bool, error)
	SaveResult(ctx context.Context, grade *models.AIGrade) error
}

type gradeRepository struct {
	*PostgresRepository
}

func NewGradeRepository(db *sql.DB, logger zerolog.Logger) GradeRepository {
	return &gradeRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

func (r *gradeRepository) GetBySessionID(ctx context.Context, sessionID string) (*models.AIGrade, error) {
	query := `
		SELECT id, session_id, status,
			score_1, reasoning_1, score_2, reasoning_2, score_3, reasoning_3,
			suggested_score, aggregation_method, error_message,
			created_at, updated_at, completed_at
		FROM ai_grades
		WHERE session_id = $1
	`

	g := &models.AIGrade{}
	var (
		scores    [3]sql.NullInt64
		reasoning [3]sql.NullString
		method    sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&g.ID,
		&g.SessionID,
		&g.Status,
		&scores[0], &reasoning[0],
		&scores[1], &reasoning[1],
		&scores[2], &reasoning[2],
		&g.SuggestedScore,
		&method,
		&g.ErrorMessage,
		&g.CreatedAt,
		&g.UpdatedAt,
		&g.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for i := range g.Samples {
		if scores[i].Valid {
			v := int(scores[i].Int64)
			g.Samples[i].Score = &v
		}
		g.Samples[i].Reasoning = reasoning[i].String
	}
	if method.Valid {
		m := models.AggregationMethod(method.String)
		g.AggregationMethod = &m
	}
	return g, nil
}

// Claim marks the session's grade in_progress for the caller. A new row is
// created when none exists; an existing row is taken over only when it is
// pending, failed, or an in_progress run last touched before staleBefore.
// A completed grade is never claimed.
func (r *gradeRepository) Claim(ctx context.Context, id, sessionID string, staleBefore time.Time) (bool, error) {
	query := `
		INSERT INTO ai_grades (id, session_id, status, created_at, updated_at)
		VALUES ($1, $2, 'in_progress', NOW(), NOW())
		ON CONFLICT (session_id) DO UPDATE
		SET status = 'in_progress', error_message = NULL, updated_at = NOW()
		WHERE ai_grades.status IN ('pending', 'failed')
			OR (ai_grades.status = 'in_progress' AND ai_grades.updated_at < $3)
		RETURNING id
	`

	var claimedID string
	err := r.db.QueryRowContext(ctx, query, id, sessionID, staleBefore).Scan(&claimedID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveResult stores the outcome of the run holding the in_progress claim.
// It returns ErrStateChanged when another run has since settled the grade.
func (r *gradeRepository) SaveResult(ctx context.Context, grade *models.AIGrade) error {
	args := []interface{}{grade.Status.String()}
	for _, sample := range grade.Samples {
		var reasoning *string
		if sample.Reasoning != "" {
			reasoning = &sample.Reasoning
		}
		args = append(args, sample.Score, reasoning)
	}

	var method *string
	if grade.AggregationMethod != nil {
		m := string(*grade.AggregationMethod)
		method = &m
	}
	args = append(args, grade.SuggestedScore, method, grade.ErrorMessage, grade.CompletedAt, grade.SessionID)

	query := `
		UPDATE ai_grades
		SET status = $1,
			score_1 = $2, reasoning_1 = $3,
			score_2 = $4, reasoning_2 = $5,
			score_3 = $6, reasoning_3 = $7,
			suggested_score = $8, aggregation_method = $9,
			error_message = $10, completed_at = $11, updated_at = NOW()
		WHERE session_id = $12 AND status = 'in_progress'
	`
	ok, err := execGuarded(ctx, r.db, query, args...)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStateChanged
	}
	return nil
}
