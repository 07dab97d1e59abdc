package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	ferrors "github.com/adalundhe/folio/core/errors"
)

// trunkWeight is the capacity of the trunk semaphore. Trial merges take one
// unit, publishes take all of it.
const trunkWeight = 1 << 10

// Locks is the exclusivity discipline over trunk and drafts. A lock on trunk
// may be held by many readers or one writer; each draft has its own mutex.
// Every wait is bounded by the configured timeout and by the caller's context.
type Locks struct {
	timeout time.Duration
	trunk   *semaphore.Weighted

	mu     sync.Mutex
	drafts map[string]*draftLock
}

type draftLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLocks creates a lock table with the given wait bound.
func NewLocks(timeout time.Duration) *Locks {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	return &Locks{
		timeout: timeout,
		trunk:   semaphore.NewWeighted(trunkWeight),
		drafts:  make(map[string]*draftLock),
	}
}

// Timeout returns the wait bound.
func (l *Locks) Timeout() time.Duration { return l.timeout }

// AcquireTrunkShared takes trunk for a read-only trial merge.
func (l *Locks) AcquireTrunkShared(ctx context.Context) (func(), error) {
	return l.acquire(ctx, "trunk", l.trunk, 1)
}

// AcquireTrunk takes trunk exclusively.
func (l *Locks) AcquireTrunk(ctx context.Context) (func(), error) {
	return l.acquire(ctx, "trunk", l.trunk, trunkWeight)
}

// AcquireDraft takes a draft exclusively.
func (l *Locks) AcquireDraft(ctx context.Context, draftID string) (func(), error) {
	l.mu.Lock()
	dl, ok := l.drafts[draftID]
	if !ok {
		dl = &draftLock{sem: semaphore.NewWeighted(1)}
		l.drafts[draftID] = dl
	}
	dl.refs++
	l.mu.Unlock()

	release, err := l.acquire(ctx, draftID, dl.sem, 1)
	if err != nil {
		l.releaseDraftEntry(draftID, dl)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			l.releaseDraftEntry(draftID, dl)
		})
	}, nil
}

func (l *Locks) releaseDraftEntry(draftID string, dl *draftLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dl.refs--
	if dl.refs == 0 && l.drafts[draftID] == dl {
		delete(l.drafts, draftID)
	}
}

func (l *Locks) acquire(ctx context.Context, name string, sem *semaphore.Weighted, weight int64) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := sem.Acquire(waitCtx, weight); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ferrors.Unavailable("lock."+name,
				fmt.Errorf("timed out after %s waiting for %s", l.timeout, name))
		}
		return nil, ferrors.Unavailable("lock."+name, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(weight) })
	}, nil
}
