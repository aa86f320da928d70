package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Edwinexd/vival/internal/models"
	"github.com/Edwinexd/vival/internal/observability"
	"github.com/Edwinexd/vival/internal/repository"
	"github.com/Edwinexd/vival/internal/service/integration"
	"github.com/Edwinexd/vival/pkg/utils"
)

type SeminarService interface {
	BookSlot(ctx context.Context, submissionID, slotID string) (*models.BookingOutcome, error)
	CanStart(ctx context.Context, sessionID string) (*models.Availability, error)
	StartSession(ctx context.Context, sessionID string) (*models.StartOutcome, error)
	ExtendLease(ctx context.Context, sessionID string) (bool, error)
	AttachConversation(ctx context.Context, sessionID, conversationID string) error
	GetSession(ctx context.Context, sessionID string) (*models.SeminarSession, error)

	SweepExpiredBookings(ctx context.Context) (int, error)
	Sweep(ctx context.Context) (*models.SweepResult, error)
	ListStudentSubmissions(ctx context.Context, studentID string) ([]models.Submission, error)
	ListSessions(ctx context.Context, status string, limit, offset int) (*models.SessionListResponse, error)
}

type SeminarConfig struct {
	MaxDuration time.Duration
}

type seminarService struct {
	submissionRepo repository.SubmissionRepository
	slotRepo       repository.SlotRepository
	sessionRepo    repository.SessionRepository
	reviewRepo     repository.ReviewRepository
	gate           CapacityGate
	voice          integration.VoiceClient
	completion     CompletionService
	logger         zerolog.Logger
	config         SeminarConfig
	now            func() time.Time
}

func NewSeminarService(
	submissionRepo repository.SubmissionRepository,
	slotRepo repository.SlotRepository,
	sessionRepo repository.SessionRepository,
	reviewRepo repository.ReviewRepository,
	gate CapacityGate,
	voice integration.VoiceClient,
	completion CompletionService,
	logger zerolog.Logger,
	config SeminarConfig,
) SeminarService {
	return &seminarService{
		submissionRepo: submissionRepo,
		slotRepo:       slotRepo,
		sessionRepo:    sessionRepo,
		reviewRepo:     reviewRepo,
		gate:           gate,
		voice:          voice,
		completion:     completion,
		logger:         logger,
		config:         config,
		now:            time.Now,
	}
}

func (s *seminarService) BookSlot(ctx context.Context, submissionID, slotID string) (*models.BookingOutcome, error) {
	sub, err := s.submissionRepo.GetByID(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	if sub == nil {
		return nil, fmt.Errorf("submission %s: %w", submissionID, ErrNotFound)
	}

	slot, err := s.loadSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}

	rejected := func(code models.ReasonCode, reason string, retryable bool) *models.BookingOutcome {
		return &models.BookingOutcome{
			SubmissionStatus: sub.Status,
			Reason:           reason,
			ReasonCode:       code,
			Retryable:        retryable,
			MaxConcurrent:    slot.MaxConcurrent,
		}
	}

	if sub.Status != models.SubmissionStatusReviewed {
		return rejected(models.ReasonInvalidState, fmt.Sprintf("submission is %s, only reviewed submissions can book a seminar", sub.Status), false), nil
	}
	if slot.AssignmentID != sub.AssignmentID {
		return rejected(models.ReasonPrecondition, "slot belongs to a different assignment", false), nil
	}
	now := s.now()
	if !now.Before(slot.EndsAt) {
		return rejected(models.ReasonOutsideWindow, "slot has already ended", false), nil
	}

	session := &models.SeminarSession{
		ID:           utils.GenerateUUID(),
		SubmissionID: sub.ID,
		SlotID:       slot.ID,
		StudentID:    sub.StudentID,
		Status:       models.SessionStatusBooked,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.sessionRepo.CreateBooking(ctx, session)
	switch {
	case errors.Is(err, repository.ErrCapacityReached):
		s.logger.Info().Str("slot_id", slot.ID).Str("submission_id", sub.ID).Msg("Booking refused, slot full")
		return rejected(models.ReasonCapacity, "slot is fully booked", false), nil
	case errors.Is(err, repository.ErrStateChanged):
		return rejected(models.ReasonInvalidState, "submission changed state while booking", true), nil
	case errors.Is(err, repository.ErrRecordNotFound):
		return nil, fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("create booking: %w", err)
	}

	s.logger.Info().
		Str("session_id", session.ID).
		Str("slot_id", slot.ID).
		Str("submission_id", sub.ID).
		Msg("Seminar booked")

	return &models.BookingOutcome{
		Booked:           true,
		Session:          session,
		SubmissionStatus: models.SubmissionStatusSeminarPending,
		MaxConcurrent:    slot.MaxConcurrent,
	}, nil
}

func (s *seminarService) CanStart(ctx context.Context, sessionID string) (*models.Availability, error) {
	session, slot, err := s.loadSessionAndSlot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	avail := &models.Availability{
		Status:        session.Status.String(),
		MaxConcurrent: slot.MaxConcurrent,
	}

	if denial := s.startDenial(session, slot); denial != nil {
		avail.Reason = denial.Reason
		avail.ReasonCode = denial.ReasonCode
		return avail, nil
	}

	review, err := s.reviewRepo.GetLatestBySubmission(ctx, session.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("load review: %w", err)
	}
	if review == nil {
		avail.Reason = "submission has no review to examine"
		avail.ReasonCode = models.ReasonReviewMissing
		return avail, nil
	}

	active, err := s.gate.Count(ctx, slot.ID)
	if err != nil {
		return nil, fmt.Errorf("count seminar leases: %w", err)
	}
	avail.ActiveCount = active
	avail.Allowed = active < slot.MaxConcurrent
	if !avail.Allowed {
		avail.Reason = "all exam seats in this slot are busy"
		avail.ReasonCode = models.ReasonCapacity
		avail.Retryable = true
	}
	return avail, nil
}

func (s *seminarService) StartSession(ctx context.Context, sessionID string) (outcome *models.StartOutcome, err error) {
	ctx, span := observability.StartSpan(ctx, "seminar.start", attribute.String("session_id", sessionID))
	defer func() { observability.EndSpan(span, err) }()

	session, slot, err := s.loadSessionAndSlot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if denial := s.startDenial(session, slot); denial != nil {
		denial.MaxConcurrent = slot.MaxConcurrent
		return denial, nil
	}

	review, err := s.reviewRepo.GetLatestBySubmission(ctx, session.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("load review: %w", err)
	}
	if review == nil {
		return &models.StartOutcome{
			Status:        session.Status,
			Reason:        "submission has no review to examine",
			ReasonCode:    models.ReasonReviewMissing,
			MaxConcurrent: slot.MaxConcurrent,
		}, nil
	}

	// Holders are per attempt. A failed attempt releases only its own seat.
	holder := session.ID + ":" + utils.GenerateUUID()
	acquired, err := s.gate.TryAcquire(ctx, slot.ID, holder, slot.MaxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("acquire seminar lease: %w", err)
	}
	if !acquired {
		return s.queueWaiting(ctx, session, slot)
	}

	handle, err := s.voice.GetSignedURL(ctx)
	if err != nil {
		s.releaseLease(ctx, slot.ID, holder)
		return nil, fmt.Errorf("%w: signed url: %w", ErrProviderFailure, err)
	}

	started, err := s.sessionRepo.MarkStarted(ctx, session.ID, holder, s.now())
	if err != nil {
		s.releaseLease(ctx, slot.ID, holder)
		return nil, fmt.Errorf("mark started: %w", err)
	}
	if !started {
		s.releaseLease(ctx, slot.ID, holder)
		return s.lostStartRace(ctx, session, slot)
	}

	active, _ := s.gate.Count(ctx, slot.ID)
	s.logger.Info().
		Str("session_id", session.ID).
		Str("slot_id", slot.ID).
		Int("active_count", active).
		Int("max_concurrent", slot.MaxConcurrent).
		Msg("Seminar started")

	return &models.StartOutcome{
		Started:          true,
		Status:           models.SessionStatusInProgress,
		ActiveCount:      active,
		MaxConcurrent:    slot.MaxConcurrent,
		ConnectionHandle: handle,
		PromptOverride:   buildExamPrompt(review.DiscussionPlan, s.config.MaxDuration),
	}, nil
}

// startDenial returns the non-capacity reason a session cannot start, or nil.
func (s *seminarService) startDenial(session *models.SeminarSession, slot *models.SeminarSlot) *models.StartOutcome {
	switch {
	case session.Status == models.SessionStatusInProgress:
		return &models.StartOutcome{
			Status:     session.Status,
			Reason:     "session is already in progress",
			ReasonCode: models.ReasonAlreadyInProgress,
		}
	case session.Status.IsTerminal():
		return &models.StartOutcome{
			Status:     session.Status,
			Reason:     fmt.Sprintf("session already ended as %s", session.Status),
			ReasonCode: models.ReasonInvalidState,
		}
	case !slot.Contains(s.now()):
		return &models.StartOutcome{
			Status:     session.Status,
			Reason:     "outside the slot's exam window",
			ReasonCode: models.ReasonOutsideWindow,
		}
	}
	return nil
}

func (s *seminarService) queueWaiting(ctx context.Context, session *models.SeminarSession, slot *models.SeminarSlot) (*models.StartOutcome, error) {
	if session.Status == models.SessionStatusBooked {
		if _, err := s.sessionRepo.MarkWaiting(ctx, session.ID); err != nil {
			return nil, fmt.Errorf("mark waiting: %w", err)
		}
	}

	active, err := s.gate.Count(ctx, slot.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("slot_id", slot.ID).Msg("Failed to count seminar leases")
	}

	s.logger.Info().
		Str("session_id", session.ID).
		Str("slot_id", slot.ID).
		Int("active_count", active).
		Int("max_concurrent", slot.MaxConcurrent).
		Msg("Seminar waiting for capacity")

	return &models.StartOutcome{
		Status:        models.SessionStatusWaiting,
		Reason:        "all exam seats in this slot are busy, retry shortly",
		ReasonCode:    models.ReasonCapacity,
		Retryable:     true,
		ActiveCount:   active,
		MaxConcurrent: slot.MaxConcurrent,
	}, nil
}

// lostStartRace reports why the guarded update matched no row after the
// caller gave its lease back.
func (s *seminarService) lostStartRace(ctx context.Context, session *models.SeminarSession, slot *models.SeminarSlot) (*models.StartOutcome, error) {
	current, err := s.sessionRepo.GetByID(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	if current == nil {
		return nil, fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}

	denial := s.startDenial(current, slot)
	if denial == nil {
		denial = &models.StartOutcome{
			Status:     current.Status,
			Reason:     "session changed state while starting",
			ReasonCode: models.ReasonInvalidState,
			Retryable:  true,
		}
	}
	denial.MaxConcurrent = slot.MaxConcurrent
	return denial, nil
}

func (s *seminarService) releaseLease(ctx context.Context, slotID, holder string) {
	ctx, cancel := detached(ctx)
	defer cancel()

	if _, err := s.gate.Release(ctx, slotID, holder); err != nil {
		s.logger.Error().Err(err).
			Str("slot_id", slotID).
			Str("holder", holder).
			Msg("Failed to release seminar lease; it will expire")
	}
}

// ExtendLease pushes out the exam lease while the session is still inside
// its maximum duration.
func (s *seminarService) ExtendLease(ctx context.Context, sessionID string) (bool, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session.Status != models.SessionStatusInProgress {
		return false, fmt.Errorf("%w: session is %s", ErrInvalidState, session.Status)
	}
	if session.StartedAt != nil && s.now().After(session.StartedAt.Add(s.config.MaxDuration)) {
		return false, fmt.Errorf("%w: session exceeded its maximum duration", ErrInvalidState)
	}

	ok, err := s.gate.Extend(ctx, session.SlotID, session.LeaseKey())
	if err != nil {
		return false, fmt.Errorf("extend seminar lease: %w", err)
	}
	if !ok {
		s.logger.Warn().Str("session_id", session.ID).Msg("Seminar lease already expired")
	}
	return ok, nil
}

func (s *seminarService) AttachConversation(ctx context.Context, sessionID, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidInput)
	}

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, session.Status)
	}

	ok, err := s.sessionRepo.AttachConversation(ctx, sessionID, conversationID)
	if err != nil {
		return fmt.Errorf("attach conversation: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: session already linked to another conversation", ErrInvalidState)
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Str("conversation_id", conversationID).
		Msg("Conversation attached")
	return nil
}

func (s *seminarService) GetSession(ctx context.Context, sessionID string) (*models.SeminarSession, error) {
	return s.loadSession(ctx, sessionID)
}

// SweepExpiredBookings moves booked and waiting sessions whose slot window
// closed to no_show. Safe to call from any number of requests at once.
func (s *seminarService) SweepExpiredBookings(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.sessionRepo.ListExpiredBookings(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired bookings: %w", err)
	}

	swept := 0
	var errs []error
	for i := range expired {
		ok, err := s.sessionRepo.MarkNoShow(ctx, &expired[i], now)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", expired[i].ID, err))
			continue
		}
		if ok {
			swept++
		}
	}

	if swept > 0 {
		s.logger.Info().Int("count", swept).Msg("Expired bookings marked no_show")
	}
	return swept, errors.Join(errs...)
}

func (s *seminarService) Sweep(ctx context.Context) (*models.SweepResult, error) {
	noShows, sweepErr := s.SweepExpiredBookings(ctx)
	timedOut, reapErr := s.completion.ReapStaleSessions(ctx)
	return &models.SweepResult{NoShows: noShows, TimedOut: timedOut}, errors.Join(sweepErr, reapErr)
}

// sweepQuietly runs the opportunistic sweep on read paths; failures are
// logged and never fail the read.
func (s *seminarService) sweepQuietly(ctx context.Context) models.SweepResult {
	res, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Opportunistic sweep failed")
	}
	if res == nil {
		return models.SweepResult{}
	}
	return *res
}

func (s *seminarService) ListStudentSubmissions(ctx context.Context, studentID string) ([]models.Submission, error) {
	s.sweepQuietly(ctx)

	subs, err := s.submissionRepo.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return subs, nil
}

func (s *seminarService) ListSessions(ctx context.Context, status string, limit, offset int) (*models.SessionListResponse, error) {
	swept := s.sweepQuietly(ctx)

	sessions, total, err := s.sessionRepo.List(ctx, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return &models.SessionListResponse{
		Sessions: sessions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
		Swept:    swept,
	}, nil
}

func (s *seminarService) loadSession(ctx context.Context, id string) (*models.SeminarSession, error) {
	session, err := s.sessionRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session, nil
}

func (s *seminarService) loadSlot(ctx context.Context, id string) (*models.SeminarSlot, error) {
	slot, err := s.slotRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot == nil {
		return nil, fmt.Errorf("slot %s: %w", id, ErrNotFound)
	}
	return slot, nil
}

func (s *seminarService) loadSessionAndSlot(ctx context.Context, sessionID string) (*models.SeminarSession, *models.SeminarSlot, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	slot, err := s.loadSlot(ctx, session.SlotID)
	if err != nil {
		return nil, nil, err
	}
	return session, slot, nil
}
