package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/models"
	"github.com/Edwinexd/vival/internal/service"
	"github.com/Edwinexd/vival/internal/worker/queue"
)

const localGradingTimeout = 10 * time.Minute

// QueueDispatcher publishes grading.requested events to RabbitMQ.
type QueueDispatcher struct {
	publisher  queue.RabbitMQPublisher
	exchange   string
	routingKey string
	logger     zerolog.Logger
}

func NewQueueDispatcher(publisher queue.RabbitMQPublisher, exchange, routingKey string, logger zerolog.Logger) *QueueDispatcher {
	return &QueueDispatcher{
		publisher:  publisher,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}
}

func (d *QueueDispatcher) DispatchGrading(ctx context.Context, sessionID, submissionID string) error {
	body, err := json.Marshal(models.GradingRequestedEvent{
		SessionID:    sessionID,
		SubmissionID: submissionID,
		Timestamp:    time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal grading event: %w", err)
	}

	if err := d.publisher.Publish(ctx, d.exchange, d.routingKey, body); err != nil {
		return fmt.Errorf("failed to publish grading event: %w", err)
	}

	d.logger.Info().Str("session_id", sessionID).Msg("Grading request queued")
	return nil
}

// LocalDispatcher runs grading on the in-process worker pool. It is used
// when no broker is configured or reachable.
type LocalDispatcher struct {
	pool    *WorkerPool
	grading service.GradingService
	logger  zerolog.Logger
}

func NewLocalDispatcher(pool *WorkerPool, grading service.GradingService, logger zerolog.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		pool:    pool,
		grading: grading,
		logger:  logger,
	}
}

func (d *LocalDispatcher) DispatchGrading(ctx context.Context, sessionID, _ string) error {
	parent := context.WithoutCancel(ctx)

	accepted := d.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(parent, localGradingTimeout)
		defer cancel()

		grade, err := d.grading.RunGrading(ctx, sessionID)
		if err != nil {
			d.logger.Error().Err(err).Str("session_id", sessionID).Msg("Local grading failed")
			return
		}
		d.logger.Info().Str("session_id", sessionID).Str("status", grade.Status.String()).Msg("Local grading finished")
	})
	if !accepted {
		return fmt.Errorf("grading pool rejected session %s", sessionID)
	}
	return nil
}

var (
	_ service.GradingDispatcher = (*QueueDispatcher)(nil)
	_ service.GradingDispatcher = (*LocalDispatcher)(nil)
)
