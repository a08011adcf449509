// Package lock provides short-lived mutual exclusion keyed by name.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLockNotAcquired is returned when the key is held by someone else
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrLockNotHeld is returned when releasing a lock whose token no longer matches
	ErrLockNotHeld = errors.New("lock not held")
)

// Locker grants exclusive, expiring ownership of a key.
type Locker interface {
	// TryLock acquires key without blocking and returns the owner token
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Unlock releases key if token still owns it
	Unlock(ctx context.Context, key, token string) error
}

// CompetitorKey is the lock key serializing checks of one competitor
func CompetitorKey(competitorID string) string {
	return "lock:competitor:" + competitorID
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker creates a MemoryLocker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

// TryLock implements Locker
func (m *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.locks[key]; ok && now.Before(e.expires) {
		return "", ErrLockNotAcquired
	}

	token := uuid.NewString()
	m.locks[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return token, nil
}

// Unlock implements Locker
func (m *MemoryLocker) Unlock(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok || e.token != token {
		return ErrLockNotHeld
	}
	delete(m.locks, key)
	return nil
}
