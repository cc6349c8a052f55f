// Package lock provides named mutual exclusion with a per-attempt deadline.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"taskgraph/internal/domain"
)

// Keyed hands out one weighted semaphore per key. The zero value is ready to use.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

// Acquire takes the lock for key, waiting at most timeout per attempt. After attempts
// failed waits it returns domain.ConcurrentModificationError. Cancellation of ctx is
// returned as ctx.Err().
func (k *Keyed) Acquire(ctx context.Context, key string, timeout time.Duration, attempts int) (func(), error) {
	if attempts < 1 {
		attempts = 1
	}
	s := k.ref(key)
	for i := 0; i < attempts; i++ {
		actx, cancel := context.WithTimeout(ctx, timeout)
		err := s.sem.Acquire(actx, 1)
		cancel()
		if err == nil {
			var once sync.Once
			return func() {
				once.Do(func() {
					s.sem.Release(1)
					k.unref(key)
				})
			}, nil
		}
		if ctx.Err() != nil {
			k.unref(key)
			return nil, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			k.unref(key)
			return nil, err
		}
	}
	k.unref(key)
	return nil, domain.ConcurrentModificationError{Resource: key, Attempts: attempts}
}

// TryAcquire takes the lock only if it is free right now.
func (k *Keyed) TryAcquire(key string) (func(), bool) {
	s := k.ref(key)
	if !s.sem.TryAcquire(1) {
		k.unref(key)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.sem.Release(1)
			k.unref(key)
		})
	}, true
}

func (k *Keyed) ref(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.slots == nil {
		k.slots = map[string]*slot{}
	}
	s, ok := k.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *Keyed) unref(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 {
		delete(k.slots, key)
	}
}
