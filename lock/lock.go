// Package lock provides placeflow.InstanceLocker implementations. A lock
// serializes Process calls for one instance; revisions in the store remain
// the final guard against lost updates.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sicko7947/placeflow"
)

var (
	// ErrLockLost is returned by an UnlockFunc whose lease expired or was
	// taken over before release
	ErrLockLost = errors.New("lock lost before release")
)

// DefaultPollInterval is how often a blocked Lock call retries
const DefaultPollInterval = 50 * time.Millisecond

// MemoryLocker is a process-local locker with lease expiry
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]lease
	poll  time.Duration
	clock func() time.Time
}

type lease struct {
	token   string
	expires time.Time
}

// Verify interface compliance
var _ placeflow.InstanceLocker = (*MemoryLocker)(nil)

// NewMemoryLocker creates an in-memory locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]lease),
		poll:  DefaultPollInterval,
		clock: time.Now,
	}
}

// Lock blocks until key is free or ctx is done
func (l *MemoryLocker) Lock(ctx context.Context, key string, ttl time.Duration) (placeflow.UnlockFunc, error) {
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		if l.tryAcquire(key, token, ttl) {
			return func(context.Context) error {
				return l.release(key, token)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *MemoryLocker) tryAcquire(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if current, ok := l.held[key]; ok && now.Before(current.expires) {
		return false
	}
	l.held[key] = lease{token: token, expires: now.Add(ttl)}
	return true
}

func (l *MemoryLocker) release(key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.held[key]
	if !ok || current.token != token {
		return ErrLockLost
	}
	delete(l.held, key)
	return nil
}
