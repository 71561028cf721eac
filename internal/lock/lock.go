// Package lock provides named mutual exclusion across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotAcquired is returned by TryLock callers that need an error value.
var ErrNotAcquired = errors.New("lock held elsewhere")

type Unlock func(ctx context.Context) error

type Locker interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
	// TryLock returns ok=false without waiting when key is held.
	TryLock(ctx context.Context, key string) (unlock Unlock, ok bool, err error)
}

// UserKey serializes writes to one user's subscription and account.
func UserKey(userID uint) string {
	return fmt.Sprintf("provision:%d", userID)
}
