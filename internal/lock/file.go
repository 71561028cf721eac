package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// FileLocker uses flock(2) on one file per key under Dir. It is used when
// no Redis is configured.
type FileLocker struct {
	Dir        string
	RetryDelay time.Duration
}

func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	return &FileLocker{Dir: dir, RetryDelay: 50 * time.Millisecond}, nil
}

func (l *FileLocker) path(key string) string {
	safe := strings.NewReplacer("/", "_", ":", "_", "\\", "_").Replace(key)
	return filepath.Join(l.Dir, safe+".lock")
}

func (l *FileLocker) TryLock(_ context.Context, key string) (Unlock, bool, error) {
	fl := flock.New(l.path(key))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return unlockFile(fl), true, nil
}

func (l *FileLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	fl := flock.New(l.path(key))
	ok, err := fl.TryLockContext(ctx, l.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return unlockFile(fl), nil
}

func unlockFile(fl *flock.Flock) Unlock {
	return func(context.Context) error {
		return fl.Unlock()
	}
}
