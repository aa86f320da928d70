package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/models"
	"github.com/Edwinexd/vival/internal/service"
	"github.com/Edwinexd/vival/internal/worker/queue"
)

type GradingWorker interface {
	Start(ctx context.Context) error
	Stop()
	Stats() WorkerStats
}

type WorkerStats struct {
	ActiveWorkers  int `json:"active_workers"`
	TotalProcessed int `json:"total_processed"`
	FailedJobs     int `json:"failed_jobs"`
	QueueLength    int `json:"queue_length"`
	PoolBacklog    int `json:"pool_backlog"`
}

type gradingWorker struct {
	pool     *WorkerPool
	consumer queue.RabbitMQConsumer
	grading  service.GradingService
	logger   zerolog.Logger

	stats      WorkerStats
	statsMutex sync.Mutex
	startTime  time.Time
	done       chan struct{}
}

// NewGradingWorker consumes grading.requested events and runs each one on
// pool. The pool is shared with the in-process dispatcher and is started
// and stopped by its owner.
func NewGradingWorker(pool *WorkerPool, consumer queue.RabbitMQConsumer, grading service.GradingService, logger zerolog.Logger) GradingWorker {
	return &gradingWorker{
		pool:     pool,
		consumer: consumer,
		grading:  grading,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (w *gradingWorker) Start(ctx context.Context) error {
	msgs, err := w.consumer.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming messages: %w", err)
	}

	w.startTime = time.Now()
	go w.processMessages(ctx, msgs)

	w.logger.Info().Msg("Grading worker started")
	return nil
}

func (w *gradingWorker) Stop() {
	if err := w.consumer.Close(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to close queue consumer")
	}
	<-w.done

	w.statsMutex.Lock()
	defer w.statsMutex.Unlock()
	w.logger.Info().
		Int("total_processed", w.stats.TotalProcessed).
		Int("failed_jobs", w.stats.FailedJobs).
		Dur("uptime", time.Since(w.startTime)).
		Msg("Grading worker stopped")
}

func (w *gradingWorker) processMessages(ctx context.Context, msgs <-chan queue.RabbitMQMessage) {
	defer close(w.done)

	for msg := range msgs {
		accepted := w.pool.Submit(func() { w.handle(ctx, msg) })
		if !accepted {
			if err := msg.Nack(false, true); err != nil {
				w.logger.Error().Err(err).Msg("Failed to nack message")
			}
		}
	}
	w.logger.Info().Msg("Message channel closed")
}

func (w *gradingWorker) handle(ctx context.Context, msg queue.RabbitMQMessage) {
	err := w.processMessage(ctx, msg)
	if err == nil {
		w.statsMutex.Lock()
		w.stats.TotalProcessed++
		w.statsMutex.Unlock()

		if err := msg.Ack(false); err != nil {
			w.logger.Error().Err(err).Msg("Failed to ack message")
		}
		return
	}

	w.logger.Error().Err(err).Msg("Failed to process grading message")
	w.statsMutex.Lock()
	w.stats.FailedJobs++
	w.statsMutex.Unlock()

	if isPermanentError(err) {
		if ackErr := msg.Ack(false); ackErr != nil {
			w.logger.Error().Err(ackErr).Msg("Failed to ack message")
		}
		return
	}
	if nackErr := msg.Nack(false, true); nackErr != nil {
		w.logger.Error().Err(nackErr).Msg("Failed to nack message")
	}
}

func (w *gradingWorker) processMessage(ctx context.Context, msg queue.RabbitMQMessage) error {
	var event models.GradingRequestedEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		return permanent(fmt.Errorf("failed to unmarshal event: %w", err))
	}
	if strings.TrimSpace(event.SessionID) == "" {
		return permanent(errors.New("empty session_id"))
	}

	w.logger.Info().
		Str("session_id", event.SessionID).
		Str("submission_id", event.SubmissionID).
		Msg("Processing grading request")

	grade, err := w.grading.RunGrading(ctx, event.SessionID)
	if err != nil {
		return classify(err)
	}

	w.logger.Info().
		Str("session_id", event.SessionID).
		Str("status", grade.Status.String()).
		Msg("Grading request handled")
	return nil
}

func (w *gradingWorker) Stats() WorkerStats {
	w.statsMutex.Lock()
	stats := w.stats
	w.statsMutex.Unlock()

	if n, err := w.consumer.QueueLength(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to get queue length")
	} else {
		stats.QueueLength = n
	}
	stats.ActiveWorkers = w.pool.ActiveWorkers()
	stats.PoolBacklog = w.pool.QueueLength()
	return stats
}

// classify marks errors that redelivery cannot fix. Provider failures are
// already recorded on the grade and are retried through the API.
func classify(err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrProviderFailure),
		errors.Is(err, service.ErrMalformedResponse):
		return permanent(err)
	}
	return err
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return permanentError{err: err}
}

func isPermanentError(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
