// Package lock provides short-lived keyed locks that keep two ingestion
// attempts for the same external id from running at once.
package lock

import (
	"context"
	"sync"
	"time"
)

// ReleaseFunc releases a held lock. It is safe to call more than once.
type ReleaseFunc func(ctx context.Context) error

// Locker acquires a lock on key for at most ttl without blocking.
// ok is false when another holder has the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release ReleaseFunc, ok bool, err error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time), now: time.Now}
}

// TryLock implements Locker. Expired entries are treated as free.
func (l *Local) TryLock(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, false, nil
	}
	until := now.Add(ttl)
	l.held[key] = until

	var once sync.Once
	release := func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key] == until {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
		return nil
	}
	return release, true, nil
}

var _ Locker = (*Local)(nil)
