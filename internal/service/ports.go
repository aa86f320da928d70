package service

import (
	"context"
	"time"
)

// CapacityGate is a semaphore bound to one namespace. *semaphore.Gate
// satisfies it.
type CapacityGate interface {
	TryAcquire(ctx context.Context, resourceID, holderID string, max int) (bool, error)
	Release(ctx context.Context, resourceID, holderID string) (bool, error)
	Extend(ctx context.Context, resourceID, holderID string) (bool, error)
	Count(ctx context.Context, resourceID string) (int, error)
}

// GradingDispatcher hands a completed session to the grading pipeline
// without waiting for the grade.
type GradingDispatcher interface {
	DispatchGrading(ctx context.Context, sessionID, submissionID string) error
}

const cleanupTimeout = 10 * time.Second

// detached returns a context that survives cancellation of ctx, for cleanup
// that must run after the caller has gone away.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
