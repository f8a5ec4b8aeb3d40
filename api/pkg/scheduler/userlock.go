package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ErrUserBusy means the user already has a request in flight and the
// wait for it to finish ran out.
var ErrUserBusy = errors.New("user already has a request in progress")

// userLockSweepAge is how long a lock entry must be untouched before the
// sweep removes it. Far beyond the longest possible hold (lock timeout
// plus proxy timeout), so a swept entry can never be a held one.
const userLockSweepAge = time.Hour

type userLock struct {
	sem      chan struct{}
	mu       sync.Mutex
	lastUsed time.Time
}

// UserLocker serializes inference requests per user: a second request
// from the same user queues behind the first, bounded by the timeout.
// Different users never contend.
type UserLocker struct {
	locks   *xsync.MapOf[string, *userLock]
	timeout time.Duration
}

func NewUserLocker(timeout time.Duration) *UserLocker {
	return &UserLocker{
		locks:   xsync.NewMapOf[string, *userLock](),
		timeout: timeout,
	}
}

// Acquire takes the user's slot, waiting up to the configured timeout.
// Returns ErrUserBusy when the wait runs out, or the context error if
// the caller goes away first. The returned release must be called
// exactly once; it is safe against double calls.
func (l *UserLocker) Acquire(ctx context.Context, userID string) (func(), error) {
	lock, _ := l.locks.LoadOrCompute(userID, func() *userLock {
		return &userLock{sem: make(chan struct{}, 1)}
	})
	lock.mu.Lock()
	lock.lastUsed = time.Now()
	lock.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case lock.sem <- struct{}{}:
	case <-timer.C:
		log.Warn().
			Str("user", userID).
			Dur("timeout", l.timeout).
			Msg("user lock wait timed out")
		return nil, ErrUserBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			lock.mu.Lock()
			lock.lastUsed = time.Now()
			lock.mu.Unlock()
			<-lock.sem
		})
	}
	return release, nil
}

// Sweep drops lock entries that have not been touched for a long time so
// the map does not grow with one entry per user forever. Held locks are
// never swept: holding implies a recent lastUsed.
func (l *UserLocker) Sweep() int {
	removed := 0
	l.locks.Range(func(userID string, lock *userLock) bool {
		lock.mu.Lock()
		stale := time.Since(lock.lastUsed) > userLockSweepAge
		lock.mu.Unlock()
		if stale && len(lock.sem) == 0 {
			l.locks.Delete(userID)
			removed++
		}
		return true
	})
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("swept stale user locks")
	}
	return removed
}

func (l *UserLocker) Size() int {
	return l.locks.Size()
}
