package semaphore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestSemaphore(t *testing.T) (*Semaphore, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(client, "test", zerolog.Nop()).WithClock(clock.Now), clock
}

func TestAcquireNeverExceedsMax(t *testing.T) {
	sem, _ := newTestSemaphore(t)
	ctx := context.Background()

	granted := 0
	for i := 0; i < 5; i++ {
		ok, err := sem.Acquire(ctx, "slot-1", fmt.Sprintf("holder-%d", i), 3, time.Minute)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if ok {
			granted++
		}
	}
	if granted != 3 {
		t.Fatalf("granted %d leases, want 3", granted)
	}

	n, err := sem.Count(ctx, "slot-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
}

func TestAcquireConcurrentCallers(t *testing.T) {
	sem, _ := newTestSemaphore(t)
	ctx := context.Background()

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := sem.Acquire(ctx, "assignment-7", fmt.Sprintf("h-%d", i), 5, time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := granted.Load(); got != 5 {
		t.Fatalf("granted %d leases under contention, want 5", got)
	}
}

func TestExpiredLeaseIsPurged(t *testing.T) {
	sem, clock := newTestSemaphore(t)
	ctx := context.Background()

	if ok, _ := sem.Acquire(ctx, "k", "crashed", 1, time.Second); !ok {
		t.Fatal("first acquire should succeed")
	}
	if ok, _ := sem.Acquire(ctx, "k", "other", 1, time.Second); ok {
		t.Fatal("second acquire should be refused while the lease is live")
	}

	clock.Advance(time.Second)

	n, err := sem.Count(ctx, "k")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("count after expiry = %d, want 0", n)
	}
	if ok, _ := sem.Acquire(ctx, "k", "other", 1, time.Second); !ok {
		t.Fatal("acquire after expiry should succeed")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	sem, _ := newTestSemaphore(t)
	ctx := context.Background()

	if _, err := sem.Acquire(ctx, "k", "a", 2, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	first, err := sem.Release(ctx, "k", "a")
	if err != nil || !first {
		t.Fatalf("first release = %v, %v; want true", first, err)
	}
	second, err := sem.Release(ctx, "k", "a")
	if err != nil || second {
		t.Fatalf("second release = %v, %v; want false", second, err)
	}
	never, err := sem.Release(ctx, "k", "never-acquired")
	if err != nil || never {
		t.Fatalf("release of unknown holder = %v, %v; want false", never, err)
	}
}

func TestReacquireBySameHolderTakesOneSeat(t *testing.T) {
	sem, _ := newTestSemaphore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, err := sem.Acquire(ctx, "k", "session-1", 2, time.Minute); err != nil || !ok {
			t.Fatalf("acquire %d = %v, %v", i, ok, err)
		}
	}
	if n, _ := sem.Count(ctx, "k"); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestExtend(t *testing.T) {
	sem, clock := newTestSemaphore(t)
	ctx := context.Background()

	if ok, _ := sem.Acquire(ctx, "k", "a", 1, time.Second); !ok {
		t.Fatal("acquire should succeed")
	}
	ok, err := sem.Extend(ctx, "k", "a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("extend = %v, %v; want true", ok, err)
	}

	clock.Advance(5 * time.Second)
	if n, _ := sem.Count(ctx, "k"); n != 1 {
		t.Fatalf("count after extend = %d, want 1", n)
	}

	clock.Advance(5 * time.Second)
	ok, err = sem.Extend(ctx, "k", "a", 10*time.Second)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ok {
		t.Fatal("extend of an expired lease should fail")
	}
	if ok, _ := sem.Extend(ctx, "k", "stranger", time.Second); ok {
		t.Fatal("extend of an unknown holder should fail")
	}
}

func TestGateNamespacesAreIndependent(t *testing.T) {
	sem, _ := newTestSemaphore(t)
	ctx := context.Background()

	review := NewGate(sem, NamespaceReview, 5*time.Minute)
	seminar := NewGate(sem, NamespaceSeminar, 35*time.Minute)

	if ok, _ := review.TryAcquire(ctx, "x", "r1", 1); !ok {
		t.Fatal("review acquire should succeed")
	}
	if ok, _ := seminar.TryAcquire(ctx, "x", "s1", 1); !ok {
		t.Fatal("seminar acquire on the same id should not be blocked by the review gate")
	}
	if ok, _ := review.TryAcquire(ctx, "x", "r2", 1); ok {
		t.Fatal("second review acquire should be refused")
	}

	if n, _ := review.Count(ctx, "x"); n != 1 {
		t.Fatalf("review count = %d, want 1", n)
	}
	if ok, _ := seminar.Extend(ctx, "x", "s1"); !ok {
		t.Fatal("seminar extend should succeed")
	}
	if ok, _ := seminar.Release(ctx, "x", "s1"); !ok {
		t.Fatal("seminar release should succeed")
	}
	if n, _ := seminar.Count(ctx, "x"); n != 0 {
		t.Fatalf("seminar count after release = %d, want 0", n)
	}
}
