package repository

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/models"
)

type SubmissionRepository interface {
	GetByID(ctx context.Context, id string) (*models.Submission, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.Submission, error)
	TransitionStatus(ctx context.Context, id string, from []models.SubmissionStatus, to models.SubmissionStatus) (bool, error)
	Ping(ctx context.Context) error
}

type submissionRepository struct {
	*PostgresRepository
}

func NewSubmissionRepository(db *sql.DB, logger zerolog.Logger) SubmissionRepository {
	return &submissionRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

const submissionColumns = `id, student_id, assignment_id, content, language, status, created_at, updated_at`

func scanSubmission(row rowScanner) (*models.Submission, error) {
	s := &models.Submission{}
	err := row.Scan(
		&s.ID,
		&s.StudentID,
		&s.AssignmentID,
		&s.Content,
		&s.Language,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *submissionRepository) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`

	s, err := scanSubmission(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *submissionRepository) ListByStudent(ctx context.Context, studentID string) ([]models.Submission, error) {
	query := `SELECT ` + submissionColumns + `
		FROM submissions
		WHERE student_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	submissions := []models.Submission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		submissions = append(submissions, *s)
	}
	return submissions, rows.Err()
}

// TransitionStatus moves the submission to `to` only if its current status is
// one of `from`. It reports false when another writer got there first.
func (r *submissionRepository) TransitionStatus(ctx context.Context, id string, from []models.SubmissionStatus, to models.SubmissionStatus) (bool, error) {
	query := `
		UPDATE submissions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`

	ok, err := execGuarded(ctx, r.db, query, to.String(), id, stringArray(from))
	if err != nil {
		return false, err
	}
	if !ok {
		r.logger.Debug().
			Str("submission_id", id).
			Str("to", to.String()).
			Msg("Submission transition lost")
	}
	return ok, nil
}
