package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocal_TryLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	release, ok, err := l.TryLock(ctx, "ext-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v", ok, err)
	}

	if _, ok, _ := l.TryLock(ctx, "ext-1", time.Minute); ok {
		t.Error("second TryLock on held key succeeded")
	}
	if _, ok, _ := l.TryLock(ctx, "ext-2", time.Minute); !ok {
		t.Error("TryLock on a different key failed")
	}

	_ = release(ctx)
	_ = release(ctx)

	if _, ok, _ := l.TryLock(ctx, "ext-1", time.Minute); !ok {
		t.Error("TryLock after release failed")
	}
}

func TestLocal_Expiry(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	staleRelease, _, _ := l.TryLock(ctx, "k", time.Second)
	now = now.Add(2 * time.Second)

	if _, ok, _ := l.TryLock(ctx, "k", time.Second); !ok {
		t.Fatal("expired lock was not reclaimable")
	}

	// The stale holder must not release the new holder's lock.
	_ = staleRelease(ctx)
	if _, ok, _ := l.TryLock(ctx, "k", time.Second); ok {
		t.Error("stale release freed a lock it no longer owned")
	}
}

func TestLocal_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.TryLock(ctx, "same", time.Minute); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
}
