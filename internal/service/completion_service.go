package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Edwinexd/vival/internal/models"
	"github.com/Edwinexd/vival/internal/observability"
	"github.com/Edwinexd/vival/internal/repository"
	"github.com/Edwinexd/vival/internal/service/integration"
)

// CompletionService reconciles the two signals that can end an exam: the
// provider webhook and the client's own report. Both go through finalize.
type CompletionService interface {
	CompleteSession(ctx context.Context, conversationID, status string, durationSeconds int) (*models.CompletionResult, error)
	ReportClientCompletion(ctx context.Context, sessionID, status string, durationSeconds int) (*models.CompletionResult, error)
	ReapStaleSessions(ctx context.Context) (int, error)
	RecordingURL(ctx context.Context, sessionID string) (string, error)
	Wait()
}

type CompletionConfig struct {
	MaxDuration          time.Duration
	StaleGrace           time.Duration
	MinCompletedDuration time.Duration
	RecordingPrefix      string
	RecordingURLExpiry   time.Duration
}

const (
	captureTimeout = 5 * time.Minute

	endReasonAbandoned = "abandoned"
	endReasonTimedOut  = "timed_out"
)

type completionService struct {
	sessionRepo repository.SessionRepository
	gate        CapacityGate
	voice       integration.VoiceClient
	recordings  integration.RecordingStorage
	dispatcher  GradingDispatcher
	logger      zerolog.Logger
	config      CompletionConfig
	now         func() time.Time

	wg sync.WaitGroup
}

// NewCompletionService builds the service. recordings may be nil, in which
// case audio is not archived.
func NewCompletionService(
	sessionRepo repository.SessionRepository,
	gate CapacityGate,
	voice integration.VoiceClient,
	recordings integration.RecordingStorage,
	dispatcher GradingDispatcher,
	logger zerolog.Logger,
	config CompletionConfig,
) CompletionService {
	return &completionService{
		sessionRepo: sessionRepo,
		gate:        gate,
		voice:       voice,
		recordings:  recordings,
		dispatcher:  dispatcher,
		logger:      logger,
		config:      config,
		now:         time.Now,
	}
}

// webhookStatus maps the provider's terminal status onto a session status.
func webhookStatus(status string) (models.SessionStatus, bool) {
	switch strings.ToLower(status) {
	case "done", "completed", "success":
		return models.SessionStatusCompleted, true
	case "failed", "error":
		return models.SessionStatusFailed, true
	}
	return "", false
}

func (s *completionService) CompleteSession(ctx context.Context, conversationID, status string, durationSeconds int) (*models.CompletionResult, error) {
	target, ok := webhookStatus(status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown completion status %q", ErrInvalidInput, status)
	}

	session, err := s.sessionRepo.GetByConversationID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	outcome := models.Outcome{
		Status:          target,
		Source:          models.CompletionSourceWebhook,
		DurationSeconds: s.durationOrElapsed(session, durationSeconds),
		EndedAt:         s.now(),
	}
	if target == models.SessionStatusFailed {
		outcome.Reason = strings.ToLower(status)
	}
	return s.finalize(ctx, session, outcome)
}

// ReportClientCompletion is the fallback for a lost webhook. The provider's
// own view of the conversation wins whenever it can be reached.
func (s *completionService) ReportClientCompletion(ctx context.Context, sessionID, status string, durationSeconds int) (*models.CompletionResult, error) {
	if status != models.ClientStatusEnded && status != models.ClientStatusError {
		return nil, fmt.Errorf("%w: status must be %q or %q", ErrInvalidInput, models.ClientStatusEnded, models.ClientStatusError)
	}

	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if session.Status != models.SessionStatusInProgress {
		return alreadyFinalized(session), nil
	}

	outcome := models.Outcome{
		Source:          models.CompletionSourceClient,
		DurationSeconds: s.durationOrElapsed(session, durationSeconds),
		EndedAt:         s.now(),
	}

	conv := s.lookupConversation(ctx, session)
	switch {
	case conv == nil:
		if status == models.ClientStatusError {
			outcome.Status = models.SessionStatusFailed
			outcome.Reason = "client_error"
		} else {
			outcome.Status = models.SessionStatusCompleted
		}
	case conv.Done():
		outcome.Status = models.SessionStatusCompleted
		if conv.Metadata.CallDurationSecs > 0 {
			outcome.DurationSeconds = conv.Metadata.CallDurationSecs
		}
	case conv.Failed():
		outcome.Status = models.SessionStatusFailed
		outcome.Reason = "provider_failed"
	default:
		// The provider has not settled the conversation; its webhook or the
		// stale reaper finalizes it, whatever the client reported.
		s.logger.Info().
			Str("session_id", session.ID).
			Str("client_status", status).
			Str("conversation_status", conv.Status).
			Msg("Client reported end while conversation still open at provider")
		return &models.CompletionResult{
			SessionID: session.ID,
			Status:    session.Status,
			Pending:   true,
		}, nil
	}

	if outcome.Status == models.SessionStatusCompleted &&
		time.Duration(outcome.DurationSeconds)*time.Second < s.config.MinCompletedDuration {
		outcome.Status = models.SessionStatusFailed
		outcome.Reason = endReasonAbandoned
	}

	return s.finalize(ctx, session, outcome)
}

// lookupConversation returns nil when the provider cannot be asked.
func (s *completionService) lookupConversation(ctx context.Context, session *models.SeminarSession) *integration.Conversation {
	if session.ConversationID == nil || *session.ConversationID == "" {
		return nil
	}
	conv, err := s.voice.GetConversation(ctx, *session.ConversationID)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", session.ID).
			Str("conversation_id", *session.ConversationID).
			Msg("Voice provider unreachable, trusting client status")
		return nil
	}
	return conv
}

// ReapStaleSessions fails in_progress sessions that outlived the maximum
// exam duration plus grace, so a session whose signals were all lost still
// ends and frees its submission.
func (s *completionService) ReapStaleSessions(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-(s.config.MaxDuration + s.config.StaleGrace))

	stale, err := s.sessionRepo.ListStaleInProgress(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	reaped := 0
	var errs []error
	for i := range stale {
		session := &stale[i]
		outcome := models.Outcome{
			Status:          models.SessionStatusFailed,
			Source:          models.CompletionSourceTimeout,
			DurationSeconds: s.durationOrElapsed(session, 0),
			EndedAt:         now,
			Reason:          endReasonTimedOut,
		}
		res, err := s.finalize(ctx, session, outcome)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", session.ID, err))
			continue
		}
		if res.Finalized {
			reaped++
		}
	}

	if reaped > 0 {
		s.logger.Info().Int("count", reaped).Msg("Stale sessions timed out")
	}
	return reaped, errors.Join(errs...)
}

// finalize is the single in_progress -> terminal transition. Only the caller
// whose guarded update wins releases the lease and starts capture.
func (s *completionService) finalize(ctx context.Context, session *models.SeminarSession, outcome models.Outcome) (result *models.CompletionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "seminar.finalize",
		attribute.String("session_id", session.ID),
		attribute.String("source", string(outcome.Source)),
		attribute.String("status", outcome.Status.String()),
	)
	defer func() { observability.EndSpan(span, err) }()

	if session.Status != models.SessionStatusInProgress {
		return alreadyFinalized(session), nil
	}

	submissionTarget := models.SubmissionStatusReviewed
	if outcome.Status == models.SessionStatusCompleted {
		submissionTarget = models.SubmissionStatusSeminarCompleted
	}

	won, err := s.sessionRepo.Finalize(ctx, session, outcome, submissionTarget)
	if err != nil {
		return nil, fmt.Errorf("finalize session: %w", err)
	}
	if !won {
		current, err := s.sessionRepo.GetByID(ctx, session.ID)
		if err != nil {
			return nil, fmt.Errorf("reload session: %w", err)
		}
		if current == nil {
			return nil, fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
		}
		return alreadyFinalized(current), nil
	}

	s.releaseLease(ctx, session)

	s.logger.Info().
		Str("session_id", session.ID).
		Str("slot_id", session.SlotID).
		Str("status", outcome.Status.String()).
		Str("source", string(outcome.Source)).
		Int("duration_seconds", outcome.DurationSeconds).
		Str("reason", outcome.Reason).
		Msg("Seminar finalized")

	if outcome.Status == models.SessionStatusCompleted {
		s.startCapture(ctx, session)
	}

	return &models.CompletionResult{
		SessionID: session.ID,
		Status:    outcome.Status,
		Finalized: true,
		Source:    outcome.Source,
	}, nil
}

func alreadyFinalized(session *models.SeminarSession) *models.CompletionResult {
	res := &models.CompletionResult{
		SessionID:        session.ID,
		Status:           session.Status,
		AlreadyFinalized: session.Status.IsTerminal(),
	}
	if session.EndSource != nil {
		res.Source = models.CompletionSource(*session.EndSource)
	}
	return res
}

func (s *completionService) releaseLease(ctx context.Context, session *models.SeminarSession) {
	ctx, cancel := detached(ctx)
	defer cancel()

	if _, err := s.gate.Release(ctx, session.SlotID, session.LeaseKey()); err != nil {
		s.logger.Error().Err(err).
			Str("slot_id", session.SlotID).
			Str("session_id", session.ID).
			Msg("Failed to release seminar lease; it will expire")
	}
}

// startCapture archives transcript and audio and queues grading without
// holding up the caller.
func (s *completionService) startCapture(ctx context.Context, session *models.SeminarSession) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureTimeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Str("session_id", session.ID).Msg("Capture panicked")
			}
		}()

		s.capture(bg, session)

		if err := s.dispatcher.DispatchGrading(bg, session.ID, session.SubmissionID); err != nil {
			s.logger.Error().Err(err).Str("session_id", session.ID).Msg("Failed to dispatch grading")
		}
	}()
}

func (s *completionService) capture(ctx context.Context, session *models.SeminarSession) {
	if session.ConversationID == nil || *session.ConversationID == "" {
		s.logger.Warn().Str("session_id", session.ID).Msg("No conversation attached, skipping capture")
		return
	}
	conversationID := *session.ConversationID
	log := s.logger.With().Str("session_id", session.ID).Str("conversation_id", conversationID).Logger()

	var transcript json.RawMessage
	conv, err := s.voice.GetConversation(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch transcript")
	} else if len(conv.Transcript) > 0 {
		if transcript, err = json.Marshal(conv.Transcript); err != nil {
			log.Warn().Err(err).Msg("Failed to encode transcript")
			transcript = nil
		}
	}

	recordingKey := s.archiveAudio(ctx, session.ID, conversationID, log)

	if transcript == nil && recordingKey == nil {
		return
	}
	if err := s.sessionRepo.SaveCapture(ctx, session.ID, transcript, recordingKey); err != nil {
		log.Error().Err(err).Msg("Failed to save capture")
		return
	}
	log.Info().Bool("transcript", transcript != nil).Bool("recording", recordingKey != nil).Msg("Capture saved")
}

func (s *completionService) archiveAudio(ctx context.Context, sessionID, conversationID string, log zerolog.Logger) *string {
	if s.recordings == nil {
		return nil
	}

	body, size, err := s.voice.GetAudio(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch recording")
		return nil
	}
	defer body.Close()

	key := s.recordingKey(sessionID)
	if err := s.recordings.Put(ctx, key, body, size, "audio/mpeg"); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to store recording")
		return nil
	}
	return &key
}

func (s *completionService) recordingKey(sessionID string) string {
	return path.Join(s.config.RecordingPrefix, sessionID+".mp3")
}

func (s *completionService) RecordingURL(ctx context.Context, sessionID string) (string, error) {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if session.RecordingKey == nil || s.recordings == nil {
		return "", fmt.Errorf("recording for session %s: %w", sessionID, ErrNotFound)
	}

	url, err := s.recordings.PresignedURL(ctx, *session.RecordingKey, s.config.RecordingURLExpiry)
	if err != nil {
		return "", fmt.Errorf("%w: presign recording: %w", ErrProviderFailure, err)
	}
	return url, nil
}

// durationOrElapsed prefers the reported duration and falls back to the
// time since the session started.
func (s *completionService) durationOrElapsed(session *models.SeminarSession, reported int) int {
	if reported > 0 {
		return reported
	}
	if session.StartedAt == nil {
		return 0
	}
	elapsed := s.now().Sub(*session.StartedAt)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed.Seconds())
}

// Wait blocks until background capture work has finished.
func (s *completionService) Wait() {
	s.wg.Wait()
}
