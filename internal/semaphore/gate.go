package semaphore

import (
	"context"
	"time"
)

const (
	NamespaceReview  = "review"
	NamespaceSeminar = "seminar"
)

// Gate binds a semaphore to one namespace and a default lease ttl.
type Gate struct {
	sem       *Semaphore
	namespace string
	ttl       time.Duration
}

func NewGate(sem *Semaphore, namespace string, ttl time.Duration) *Gate {
	return &Gate{sem: sem, namespace: namespace, ttl: ttl}
}

func (g *Gate) Key(resourceID string) string {
	return g.namespace + ":" + resourceID
}

func (g *Gate) TryAcquire(ctx context.Context, resourceID, holderID string, max int) (bool, error) {
	return g.sem.Acquire(ctx, g.Key(resourceID), holderID, max, g.ttl)
}

func (g *Gate) Release(ctx context.Context, resourceID, holderID string) (bool, error) {
	return g.sem.Release(ctx, g.Key(resourceID), holderID)
}

// Extend pushes the lease out by the gate's ttl.
func (g *Gate) Extend(ctx context.Context, resourceID, holderID string) (bool, error) {
	return g.sem.Extend(ctx, g.Key(resourceID), holderID, g.ttl)
}

func (g *Gate) Count(ctx context.Context, resourceID string) (int, error) {
	return g.sem.Count(ctx, g.Key(resourceID))
}
