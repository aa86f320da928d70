package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Edwinexd/vival/internal/models"
	"github.com/Edwinexd/vival/internal/observability"
	"github.com/Edwinexd/vival/internal/repository"
	"github.com/Edwinexd/vival/internal/service/integration"
	"github.com/Edwinexd/vival/pkg/utils"
)

type GradingService interface {
	RunGrading(ctx context.Context, sessionID string) (*models.AIGrade, error)
	RetryGrading(ctx context.Context, sessionID string) (*models.AIGrade, error)
	GetGrade(ctx context.Context, sessionID string) (*models.AIGrade, error)
}

type GradingConfig struct {
	OutlierSpread int
	MaxTokens     int
	StaleAfter    time.Duration
}

type gradingService struct {
	sessionRepo repository.SessionRepository
	reviewRepo  repository.ReviewRepository
	gradeRepo   repository.GradeRepository
	llm         integration.LLMClient
	voice       integration.VoiceClient
	logger      zerolog.Logger
	config      GradingConfig
	now         func() time.Time
}

func NewGradingService(
	sessionRepo repository.SessionRepository,
	reviewRepo repository.ReviewRepository,
	gradeRepo repository.GradeRepository,
	llm integration.LLMClient,
	voice integration.VoiceClient,
	logger zerolog.Logger,
	config GradingConfig,
) GradingService {
	if config.OutlierSpread <= 0 {
		config.OutlierSpread = DefaultOutlierSpread
	}
	return &gradingService{
		sessionRepo: sessionRepo,
		reviewRepo:  reviewRepo,
		gradeRepo:   gradeRepo,
		llm:         llm,
		voice:       voice,
		logger:      logger,
		config:      config,
		now:         time.Now,
	}
}

// RunGrading grades a completed session with three independent graders. A
// completed grade is returned untouched; a grade another run is actively
// working on is returned as is.
func (s *gradingService) RunGrading(ctx context.Context, sessionID string) (grade *models.AIGrade, err error) {
	ctx, span := observability.StartSpan(ctx, "grading.run", attribute.String("session_id", sessionID))
	defer func() { observability.EndSpan(span, err) }()

	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if session.Status != models.SessionStatusCompleted {
		return nil, fmt.Errorf("%w: session is %s, only completed sessions are graded", ErrInvalidState, session.Status)
	}

	existing, err := s.gradeRepo.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load grade: %w", err)
	}
	if existing != nil && existing.Status == models.GradeStatusCompleted {
		return existing, nil
	}

	claimed, err := s.gradeRepo.Claim(ctx, utils.GenerateUUID(), sessionID, s.now().Add(-s.config.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("claim grade: %w", err)
	}
	if !claimed {
		s.logger.Info().Str("session_id", sessionID).Msg("Grading already claimed by another run")
		return s.GetGrade(ctx, sessionID)
	}

	grade = &models.AIGrade{
		SessionID: sessionID,
		Status:    models.GradeStatusInProgress,
	}

	review, err := s.reviewRepo.GetLatestBySubmission(ctx, session.SubmissionID)
	if err != nil {
		return nil, s.abort(ctx, grade, fmt.Errorf("load review: %w", err))
	}
	if review == nil {
		return nil, s.abort(ctx, grade, fmt.Errorf("%w: submission has no review", ErrInvalidState))
	}

	transcript, err := s.transcript(ctx, session)
	if err != nil {
		return nil, s.abort(ctx, grade, err)
	}

	s.grade(ctx, grade, review.DiscussionPlan, transcript)

	if err := s.gradeRepo.SaveResult(ctx, grade); err != nil {
		if errors.Is(err, repository.ErrStateChanged) {
			s.logger.Warn().Str("session_id", sessionID).Msg("Grade settled by another run, discarding result")
			return s.GetGrade(ctx, sessionID)
		}
		return nil, fmt.Errorf("save grade: %w", err)
	}

	event := s.logger.Info()
	if grade.Status == models.GradeStatusFailed {
		event = s.logger.Warn()
	}
	event.Str("session_id", sessionID).
		Str("status", grade.Status.String()).
		Interface("suggested_score", grade.SuggestedScore).
		Msg("Grading finished")

	return s.GetGrade(ctx, sessionID)
}

func (s *gradingService) RetryGrading(ctx context.Context, sessionID string) (*models.AIGrade, error) {
	existing, err := s.GetGrade(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if existing.Status == models.GradeStatusCompleted {
		return existing, nil
	}
	return s.RunGrading(ctx, sessionID)
}

func (s *gradingService) GetGrade(ctx context.Context, sessionID string) (*models.AIGrade, error) {
	grade, err := s.gradeRepo.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load grade: %w", err)
	}
	if grade == nil {
		return nil, fmt.Errorf("grade for session %s: %w", sessionID, ErrNotFound)
	}
	return grade, nil
}

// transcript returns the stored transcript, fetching it from the voice
// provider when completion-time capture missed it.
func (s *gradingService) transcript(ctx context.Context, session *models.SeminarSession) ([]models.TranscriptTurn, error) {
	var turns []models.TranscriptTurn
	if len(session.Transcript) > 0 {
		if err := json.Unmarshal(session.Transcript, &turns); err != nil {
			return nil, fmt.Errorf("decode stored transcript: %w", err)
		}
		if len(turns) > 0 {
			return turns, nil
		}
	}

	if session.ConversationID == nil || *session.ConversationID == "" {
		return nil, fmt.Errorf("%w: no transcript and no conversation to fetch it from", ErrInvalidState)
	}

	conv, err := s.voice.GetConversation(ctx, *session.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch transcript: %w", ErrProviderFailure, err)
	}
	if len(conv.Transcript) == 0 {
		return nil, fmt.Errorf("%w: conversation has an empty transcript", ErrProviderFailure)
	}

	if raw, err := json.Marshal(conv.Transcript); err == nil {
		if err := s.sessionRepo.SaveCapture(ctx, session.ID, raw, nil); err != nil {
			s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to store backfilled transcript")
		}
	}
	return conv.Transcript, nil
}

// grade runs the three graders concurrently and folds their results into
// g. One grader failing never affects the others.
func (s *gradingService) grade(ctx context.Context, g *models.AIGrade, plan models.DiscussionPlan, transcript []models.TranscriptTurn) {
	user := buildGradingUserPrompt(plan, transcript)

	var (
		wg   sync.WaitGroup
		errs [len(models.GraderStances)]error
	)
	for i, stance := range models.GraderStances {
		wg.Add(1)
		go func(i int, stance models.GraderStance) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("grader panicked: %v", r)
				}
			}()

			verdict, err := s.runGrader(ctx, stance, user)
			if err != nil {
				errs[i] = err
				return
			}
			score := clampScore(*verdict.Score)
			g.Samples[i] = models.GradeSample{Score: &score, Reasoning: verdict.Reasoning}
		}(i, stance)
	}
	wg.Wait()

	var (
		scores   []int
		failures []string
	)
	for i, sample := range g.Samples {
		if sample.Score != nil {
			scores = append(scores, *sample.Score)
			continue
		}
		failures = append(failures, fmt.Sprintf("%s: %v", models.GraderStances[i], errs[i]))
		s.logger.Warn().Err(errs[i]).
			Str("session_id", g.SessionID).
			Str("stance", string(models.GraderStances[i])).
			Msg("Grader failed")
	}

	if len(scores) == 0 {
		msg := strings.Join(failures, "; ")
		g.Status = models.GradeStatusFailed
		g.ErrorMessage = &msg
		return
	}

	suggested, method := CalculateSuggestedScore(scores, s.config.OutlierSpread)
	completedAt := s.now()
	g.Status = models.GradeStatusCompleted
	g.SuggestedScore = &suggested
	g.AggregationMethod = &method
	g.CompletedAt = &completedAt
	if len(failures) > 0 {
		msg := strings.Join(failures, "; ")
		g.ErrorMessage = &msg
	}
}

func (s *gradingService) runGrader(ctx context.Context, stance models.GraderStance, user string) (*models.GraderVerdict, error) {
	resp, err := s.llm.Complete(ctx, integration.CompletionRequest{
		System:    buildGradingSystemPrompt(stance),
		User:      user,
		JSON:      true,
		MaxTokens: s.config.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderFailure, err)
	}

	var verdict models.GraderVerdict
	if _, err := decodeStructured(resp, &verdict); err != nil {
		return nil, err
	}
	if verdict.Score == nil {
		return nil, fmt.Errorf("%w: grader reply has no score", ErrMalformedResponse)
	}
	return &verdict, nil
}

// abort records a grading run that could not reach the graders and returns
// cause.
func (s *gradingService) abort(ctx context.Context, g *models.AIGrade, cause error) error {
	ctx, cancel := detached(ctx)
	defer cancel()

	msg := cause.Error()
	g.Status = models.GradeStatusFailed
	g.ErrorMessage = &msg
	if err := s.gradeRepo.SaveResult(ctx, g); err != nil {
		s.logger.Error().Err(err).Str("session_id", g.SessionID).Msg("Failed to record grading failure")
	}
	return cause
}
