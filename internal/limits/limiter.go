// Package limits bounds per-user parallelism and carries the cooperative
// cancellation signal for running generations.
package limits

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrLimitExceeded is returned when a waiter times out in the queue.
type ErrLimitExceeded struct {
	UserID        int64
	QueuePosition int
	WaitTime      time.Duration
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("concurrency limit exceeded for user %d: queue position %d after %s",
		e.UserID, e.QueuePosition, e.WaitTime.Round(time.Millisecond))
}

// UserLimiter is a per-user bounded semaphore with FIFO admission.
type UserLimiter struct {
	mu           sync.Mutex
	users        map[int64]*userSlots
	maxPerUser   int
	queueTimeout time.Duration
}

type userSlots struct {
	sem  chan struct{}
	refs int
}

// NewUserLimiter creates a limiter admitting maxPerUser concurrent turns per
// user. Waiters beyond that queue up to queueTimeout.
func NewUserLimiter(maxPerUser int, queueTimeout time.Duration) *UserLimiter {
	if maxPerUser <= 0 {
		maxPerUser = 2
	}
	if queueTimeout <= 0 {
		queueTimeout = 30 * time.Second
	}
	return &UserLimiter{
		users:        make(map[int64]*userSlots),
		maxPerUser:   maxPerUser,
		queueTimeout: queueTimeout,
	}
}

// Acquire reserves a slot for the user, blocking in FIFO order behind
// earlier waiters. It returns the queue position at entry (0 means a slot
// was free) and a release func the caller must invoke exactly once,
// including on error paths.
func (l *UserLimiter) Acquire(ctx context.Context, userID int64) (int, func(), error) {
	l.mu.Lock()
	slots, ok := l.users[userID]
	if !ok {
		slots = &userSlots{sem: make(chan struct{}, l.maxPerUser)}
		l.users[userID] = slots
	}
	slots.refs++
	// refs counts holders plus waiters; anything past capacity queues.
	position := slots.refs - cap(slots.sem)
	if position < 0 {
		position = 0
	}
	l.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(l.queueTimeout)
	defer timer.Stop()

	select {
	case slots.sem <- struct{}{}:
		release := func() {
			<-slots.sem
			l.unref(userID)
		}
		return position, release, nil
	case <-timer.C:
		l.unref(userID)
		return position, nil, &ErrLimitExceeded{UserID: userID, QueuePosition: position, WaitTime: time.Since(start)}
	case <-ctx.Done():
		l.unref(userID)
		return position, nil, ctx.Err()
	}
}

// InFlight returns the number of slots currently held by the user.
func (l *UserLimiter) InFlight(userID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slots, ok := l.users[userID]; ok {
		return len(slots.sem)
	}
	return 0
}

func (l *UserLimiter) unref(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slots, ok := l.users[userID]
	if !ok {
		return
	}
	slots.refs--
	if slots.refs <= 0 && len(slots.sem) == 0 {
		delete(l.users, userID)
	}
}
