package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Edwinexd/vival/internal/models"
	"github.com/Edwinexd/vival/internal/observability"
	"github.com/Edwinexd/vival/internal/repository"
	"github.com/Edwinexd/vival/internal/service/integration"
	"github.com/Edwinexd/vival/pkg/jsonrepair"
	"github.com/Edwinexd/vival/pkg/utils"
)

type ReviewService interface {
	RunReview(ctx context.Context, submissionID string) (*models.ReviewOutcome, error)
	CanRunReview(ctx context.Context, submissionID string) (*models.Availability, error)
	GetReview(ctx context.Context, submissionID string) (*models.Review, error)
}

type ReviewConfig struct {
	MaxConcurrent int
	MaxTokens     int
}

type reviewService struct {
	submissionRepo repository.SubmissionRepository
	reviewRepo     repository.ReviewRepository
	gate           CapacityGate
	llm            integration.LLMClient
	logger         zerolog.Logger
	config         ReviewConfig
	now            func() time.Time
}

func NewReviewService(
	submissionRepo repository.SubmissionRepository,
	reviewRepo repository.ReviewRepository,
	gate CapacityGate,
	llm integration.LLMClient,
	logger zerolog.Logger,
	config ReviewConfig,
) ReviewService {
	return &reviewService{
		submissionRepo: submissionRepo,
		reviewRepo:     reviewRepo,
		gate:           gate,
		llm:            llm,
		logger:         logger,
		config:         config,
		now:            time.Now,
	}
}

func (s *reviewService) RunReview(ctx context.Context, submissionID string) (outcome *models.ReviewOutcome, err error) {
	ctx, span := observability.StartSpan(ctx, "review.run", attribute.String("submission_id", submissionID))
	defer func() { observability.EndSpan(span, err) }()

	sub, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	if denied, err := s.checkPreconditions(ctx, sub); err != nil || denied != nil {
		return denied, err
	}

	holder := fmt.Sprintf("%s:%d", sub.ID, s.now().UnixNano())
	acquired, err := s.gate.TryAcquire(ctx, sub.AssignmentID, holder, s.config.MaxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("acquire review lease: %w", err)
	}
	if !acquired {
		active, _ := s.gate.Count(ctx, sub.AssignmentID)
		s.logger.Info().
			Str("submission_id", sub.ID).
			Str("assignment_id", sub.AssignmentID).
			Int("active_count", active).
			Msg("Review refused, assignment at capacity")
		return &models.ReviewOutcome{
			Status:        sub.Status,
			Reason:        "too many reviews are running for this assignment, retry later",
			ReasonCode:    models.ReasonCapacity,
			Retryable:     true,
			ActiveCount:   active,
			MaxConcurrent: s.config.MaxConcurrent,
		}, nil
	}
	defer s.releaseLease(ctx, sub.AssignmentID, holder)

	moved, err := s.submissionRepo.TransitionStatus(ctx, sub.ID,
		[]models.SubmissionStatus{models.SubmissionStatusPending}, models.SubmissionStatusReviewing)
	if err != nil {
		return nil, fmt.Errorf("mark reviewing: %w", err)
	}
	if !moved {
		current, err := s.loadSubmission(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		return preconditionOutcome(current.Status, "submission is no longer pending"), nil
	}

	review, err := s.generate(ctx, sub)
	if err != nil {
		s.revertToPending(ctx, sub.ID)
		return nil, err
	}

	if err := s.reviewRepo.CreateAndMarkReviewed(ctx, review); err != nil {
		s.revertToPending(ctx, sub.ID)
		return nil, fmt.Errorf("persist review: %w", err)
	}

	s.logger.Info().
		Str("submission_id", sub.ID).
		Str("review_id", review.ID).
		Bool("repaired", review.Repaired).
		Int("topics", len(review.DiscussionPlan.Topics)).
		Msg("Review completed")

	return &models.ReviewOutcome{
		Ran:           true,
		Review:        review,
		Status:        models.SubmissionStatusReviewed,
		MaxConcurrent: s.config.MaxConcurrent,
	}, nil
}

func (s *reviewService) CanRunReview(ctx context.Context, submissionID string) (*models.Availability, error) {
	sub, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	denied, err := s.checkPreconditions(ctx, sub)
	if err != nil {
		return nil, err
	}
	if denied != nil {
		return &models.Availability{
			Reason:        denied.Reason,
			ReasonCode:    denied.ReasonCode,
			Status:        sub.Status.String(),
			MaxConcurrent: s.config.MaxConcurrent,
		}, nil
	}

	active, err := s.gate.Count(ctx, sub.AssignmentID)
	if err != nil {
		return nil, fmt.Errorf("count review leases: %w", err)
	}

	avail := &models.Availability{
		Allowed:       active < s.config.MaxConcurrent,
		Status:        sub.Status.String(),
		ActiveCount:   active,
		MaxConcurrent: s.config.MaxConcurrent,
	}
	if !avail.Allowed {
		avail.Reason = "too many reviews are running for this assignment, retry later"
		avail.ReasonCode = models.ReasonCapacity
		avail.Retryable = true
	}
	return avail, nil
}

func (s *reviewService) GetReview(ctx context.Context, submissionID string) (*models.Review, error) {
	review, err := s.reviewRepo.GetLatestBySubmission(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("load review: %w", err)
	}
	if review == nil {
		return nil, fmt.Errorf("review for submission %s: %w", submissionID, ErrNotFound)
	}
	return review, nil
}

func (s *reviewService) loadSubmission(ctx context.Context, id string) (*models.Submission, error) {
	sub, err := s.submissionRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	if sub == nil {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return sub, nil
}

// checkPreconditions runs before the semaphore so ineligible submissions never
// consume a lease.
func (s *reviewService) checkPreconditions(ctx context.Context, sub *models.Submission) (*models.ReviewOutcome, error) {
	if sub.Status != models.SubmissionStatusPending {
		return preconditionOutcome(sub.Status, fmt.Sprintf("submission is %s, reviews run only on pending submissions", sub.Status)), nil
	}

	exists, err := s.reviewRepo.ExistsForSubmission(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("check existing review: %w", err)
	}
	if exists {
		return preconditionOutcome(sub.Status, "submission already has a review"), nil
	}
	return nil, nil
}

func preconditionOutcome(status models.SubmissionStatus, reason string) *models.ReviewOutcome {
	return &models.ReviewOutcome{
		Status:     status,
		Reason:     reason,
		ReasonCode: models.ReasonPrecondition,
	}
}

func (s *reviewService) generate(ctx context.Context, sub *models.Submission) (*models.Review, error) {
	resp, err := s.llm.Complete(ctx, integration.CompletionRequest{
		System:    reviewSystemPrompt,
		User:      buildReviewUserPrompt(sub),
		JSON:      true,
		MaxTokens: s.config.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderFailure, err)
	}

	var payload models.ReviewPayload
	repaired, err := decodeStructured(resp, &payload)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("submission_id", sub.ID).
			Str("finish_reason", resp.FinishReason).
			Msg("Review response could not be parsed")
		return nil, err
	}
	if len(payload.DiscussionPlan.Topics) == 0 {
		return nil, fmt.Errorf("%w: review has no discussion topics", ErrMalformedResponse)
	}

	model := resp.Model
	if model == "" {
		model = s.llm.Model()
	}

	return &models.Review{
		ID:             utils.GenerateUUID(),
		SubmissionID:   sub.ID,
		Critique:       payload.Critique,
		Issues:         payload.Issues,
		DiscussionPlan: payload.DiscussionPlan,
		Model:          model,
		Repaired:       repaired,
		CreatedAt:      s.now(),
	}, nil
}

// decodeStructured unmarshals a JSON-mode completion into dst. A response cut
// off by the token cap gets one structural repair attempt.
func decodeStructured(resp *integration.CompletionResponse, dst interface{}) (bool, error) {
	content := jsonrepair.StripCodeFences(resp.Content)

	err := json.Unmarshal([]byte(content), dst)
	if err == nil {
		return false, nil
	}
	if !resp.Truncated() {
		return false, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	fixed, rerr := jsonrepair.Repair(content)
	if rerr != nil {
		return false, fmt.Errorf("%w: truncated output: %w", ErrMalformedResponse, errors.Join(err, rerr))
	}
	if err := json.Unmarshal(fixed, dst); err != nil {
		return false, fmt.Errorf("%w: repaired output: %w", ErrMalformedResponse, err)
	}
	return true, nil
}

func (s *reviewService) revertToPending(ctx context.Context, submissionID string) {
	ctx, cancel := detached(ctx)
	defer cancel()

	reverted, err := s.submissionRepo.TransitionStatus(ctx, submissionID,
		[]models.SubmissionStatus{models.SubmissionStatusReviewing}, models.SubmissionStatusPending)
	if err != nil {
		s.logger.Error().Err(err).Str("submission_id", submissionID).Msg("Failed to revert submission to pending")
		return
	}
	if reverted {
		s.logger.Info().Str("submission_id", submissionID).Msg("Submission reverted to pending")
	}
}

func (s *reviewService) releaseLease(ctx context.Context, assignmentID, holder string) {
	ctx, cancel := detached(ctx)
	defer cancel()

	if _, err := s.gate.Release(ctx, assignmentID, holder); err != nil {
		s.logger.Error().Err(err).
			Str("assignment_id", assignmentID).
			Str("holder", holder).
			Msg("Failed to release review lease; it will expire")
	}
}
