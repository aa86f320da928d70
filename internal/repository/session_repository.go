package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/models"
)

type SessionRepository interface {
	GetByID(ctx context.Context, id string) (*models.SeminarSession, error)
	GetByConversationID(ctx context.Context, conversationID string) (*models.SeminarSession, error)
	List(ctx context.Context, status string, limit, offset int) ([]models.SeminarSession, int, error)

	CreateBooking(ctx context.Context, session *models.SeminarSession) error
	MarkWaiting(ctx context.Context, id string) (bool, error)
	MarkStarted(ctx context.Context, id, holder string, startedAt time.Time) (bool, error)
	Finalize(ctx context.Context, session *models.SeminarSession, outcome models.Outcome, submissionTarget models.SubmissionStatus) (bool, error)
	MarkNoShow(ctx context.Context, session *models.SeminarSession, at time.Time) (bool, error)

	ListExpiredBookings(ctx context.Context, now time.Time) ([]models.SeminarSession, error)
	ListStaleInProgress(ctx context.Context, startedBefore time.Time) ([]models.SeminarSession, error)

	AttachConversation(ctx context.Context, id, conversationID string) (bool, error)
	SaveCapture(ctx context.Context, id string, transcript json.RawMessage, recordingKey *string) error
}

type sessionRepository struct {
	*PostgresRepository
}

func NewSessionRepository(db *sql.DB, logger zerolog.Logger) SessionRepository {
	return &sessionRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

const sessionColumns = `
	s.id, s.submission_id, s.slot_id, s.student_id, s.status, s.conversation_id,
	s.started_at, s.ended_at, s.duration_seconds, s.end_source, s.end_reason,
	s.transcript, s.recording_key, s.lease_holder, s.created_at, s.updated_at`

func scanSession(row rowScanner) (*models.SeminarSession, error) {
	s := &models.SeminarSession{}
	var transcript []byte
	err := row.Scan(
		&s.ID,
		&s.SubmissionID,
		&s.SlotID,
		&s.StudentID,
		&s.Status,
		&s.ConversationID,
		&s.StartedAt,
		&s.EndedAt,
		&s.DurationSeconds,
		&s.EndSource,
		&s.EndReason,
		&transcript,
		&s.RecordingKey,
		&s.LeaseHolder,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(transcript) > 0 {
		s.Transcript = json.RawMessage(transcript)
	}
	return s, nil
}

func (r *sessionRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.SeminarSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM seminar_sessions s WHERE ` + where

	s, err := scanSession(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*models.SeminarSession, error) {
	return r.getOne(ctx, `s.id = $1`, id)
}

func (r *sessionRepository) GetByConversationID(ctx context.Context, conversationID string) (*models.SeminarSession, error) {
	return r.getOne(ctx, `s.conversation_id = $1`, conversationID)
}

func (r *sessionRepository) querySessions(ctx context.Context, query string, args ...interface{}) ([]models.SeminarSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []models.SeminarSession{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (r *sessionRepository) List(ctx context.Context, status string, limit, offset int) ([]models.SeminarSession, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM seminar_sessions s WHERE ($1 = '' OR s.status = $1)`
	if err := r.db.QueryRowContext(ctx, countQuery, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + sessionColumns + `
		FROM seminar_sessions s
		WHERE ($1 = '' OR s.status = $1)
		ORDER BY s.created_at DESC
		LIMIT $2 OFFSET $3
	`
	sessions, err := r.querySessions(ctx, query, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// CreateBooking inserts a booked session and moves its submission to
// seminar_pending. The slot row lock serializes concurrent bookings so the
// count of live bookings can never pass max_concurrent.
func (r *sessionRepository) CreateBooking(ctx context.Context, session *models.SeminarSession) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxConcurrent int
	err = tx.QueryRowContext(ctx,
		`SELECT max_concurrent FROM seminar_slots WHERE id = $1 FOR UPDATE`,
		session.SlotID,
	).Scan(&maxConcurrent)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("lock slot: %w", err)
	}

	var booked int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM seminar_sessions
		WHERE slot_id = $1 AND status <> ALL($2)
	`, session.SlotID, stringArray([]models.SessionStatus{models.SessionStatusFailed, models.SessionStatusNoShow})).Scan(&booked)
	if err != nil {
		return fmt.Errorf("count bookings: %w", err)
	}
	if booked >= maxConcurrent {
		return ErrCapacityReached
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO seminar_sessions (
			id, submission_id, slot_id, student_id, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		session.ID,
		session.SubmissionID,
		session.SlotID,
		session.StudentID,
		session.Status.String(),
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	ok, err := execGuarded(ctx, tx, `
		UPDATE submissions SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, models.SubmissionStatusSeminarPending.String(), session.SubmissionID, models.SubmissionStatusReviewed.String())
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if !ok {
		return ErrStateChanged
	}

	return tx.Commit()
}

func (r *sessionRepository) MarkWaiting(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE seminar_sessions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`
	return execGuarded(ctx, r.db, query,
		models.SessionStatusWaiting.String(), id,
		stringArray(models.TransitionSources(models.SessionStatusWaiting)),
	)
}

// MarkStarted moves a booked or waiting session to in_progress and records
// the lease holder that admitted it.
func (r *sessionRepository) MarkStarted(ctx context.Context, id, holder string, startedAt time.Time) (bool, error) {
	query := `
		UPDATE seminar_sessions
		SET status = $1, started_at = $2, lease_holder = $3, updated_at = NOW()
		WHERE id = $4 AND status = ANY($5)
	`
	return execGuarded(ctx, r.db, query,
		models.SessionStatusInProgress.String(), startedAt, holder, id,
		stringArray(models.TransitionSources(models.SessionStatusInProgress)),
	)
}

// Finalize moves an in_progress session to its terminal status and updates
// the owning submission in the same transaction. It reports false, without
// writing anything, when the session already left in_progress.
func (r *sessionRepository) Finalize(ctx context.Context, session *models.SeminarSession, outcome models.Outcome, submissionTarget models.SubmissionStatus) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var reason *string
	if outcome.Reason != "" {
		reason = &outcome.Reason
	}

	ok, err := execGuarded(ctx, tx, `
		UPDATE seminar_sessions
		SET status = $1, ended_at = $2, duration_seconds = $3,
			end_source = $4, end_reason = $5, updated_at = NOW()
		WHERE id = $6 AND status = $7
	`,
		outcome.Status.String(),
		outcome.EndedAt,
		outcome.DurationSeconds,
		string(outcome.Source),
		reason,
		session.ID,
		models.SessionStatusInProgress.String(),
	)
	if err != nil {
		return false, fmt.Errorf("finalize session: %w", err)
	}
	if !ok {
		return false, nil
	}

	if err := r.moveSubmission(ctx, tx, session, submissionTarget); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// MarkNoShow closes a booking whose window passed without a start and hands
// the submission back to reviewed so the student can rebook.
func (r *sessionRepository) MarkNoShow(ctx context.Context, session *models.SeminarSession, at time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := execGuarded(ctx, tx, `
		UPDATE seminar_sessions
		SET status = $1, ended_at = $2, end_reason = $3, updated_at = NOW()
		WHERE id = $4 AND status = ANY($5)
	`,
		models.SessionStatusNoShow.String(),
		at,
		"window_expired",
		session.ID,
		stringArray(models.PendingBookingStatuses),
	)
	if err != nil {
		return false, fmt.Errorf("mark no_show: %w", err)
	}
	if !ok {
		return false, nil
	}

	if err := r.moveSubmission(ctx, tx, session, models.SubmissionStatusReviewed); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *sessionRepository) moveSubmission(ctx context.Context, tx *sql.Tx, session *models.SeminarSession, target models.SubmissionStatus) error {
	ok, err := execGuarded(ctx, tx, `
		UPDATE submissions SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, target.String(), session.SubmissionID, models.SubmissionStatusSeminarPending.String())
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if !ok {
		r.logger.Warn().
			Str("session_id", session.ID).
			Str("submission_id", session.SubmissionID).
			Str("target", target.String()).
			Msg("Submission was not seminar_pending; left unchanged")
	}
	return nil
}

func (r *sessionRepository) ListExpiredBookings(ctx context.Context, now time.Time) ([]models.SeminarSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM seminar_sessions s
		JOIN seminar_slots sl ON sl.id = s.slot_id
		WHERE s.status = ANY($1) AND sl.ends_at < $2
		ORDER BY sl.ends_at
	`
	return r.querySessions(ctx, query, stringArray(models.PendingBookingStatuses), now)
}

func (r *sessionRepository) ListStaleInProgress(ctx context.Context, startedBefore time.Time) ([]models.SeminarSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM seminar_sessions s
		WHERE s.status = $1 AND s.started_at < $2
		ORDER BY s.started_at
	`
	return r.querySessions(ctx, query, models.SessionStatusInProgress.String(), startedBefore)
}

// AttachConversation records the voice conversation id on a live session.
// Re-attaching the same id is accepted; a different id is not.
func (r *sessionRepository) AttachConversation(ctx context.Context, id, conversationID string) (bool, error) {
	query := `
		UPDATE seminar_sessions
		SET conversation_id = $1, updated_at = NOW()
		WHERE id = $2
			AND status = ANY($3)
			AND (conversation_id IS NULL OR conversation_id = $1)
	`
	live := []models.SessionStatus{models.SessionStatusBooked, models.SessionStatusWaiting, models.SessionStatusInProgress}
	return execGuarded(ctx, r.db, query, conversationID, id, stringArray(live))
}

func (r *sessionRepository) SaveCapture(ctx context.Context, id string, transcript json.RawMessage, recordingKey *string) error {
	var transcriptArg *string
	if len(transcript) > 0 {
		raw := string(transcript)
		transcriptArg = &raw
	}

	query := `
		UPDATE seminar_sessions
		SET transcript = COALESCE($1::jsonb, transcript),
			recording_key = COALESCE($2, recording_key),
			updated_at = NOW()
		WHERE id = $3
	`
	_, err := r.db.ExecContext(ctx, query, transcriptArg, recordingKey, id)
	return err
}
