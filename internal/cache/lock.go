package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/logging"
)

// WorkspaceResource is the lock name guarding a frame store directory pair
func WorkspaceResource(frameDir, labelDir string) string {
	return fmt.Sprintf("workspace:%s:%s", frameDir, labelDir)
}

// WorkspaceLock serializes runs from several processes that share one
// frame store on disk. While held, its TTL is refreshed every third of the
// TTL, so the TTL only bounds how long a crashed holder blocks others.
type WorkspaceLock struct {
	cache    *Cache
	resource string
	owner    string
	ttl      time.Duration
	logger   *logging.Logger

	mu   sync.Mutex
	stop context.CancelFunc
	done chan struct{}
}

// NewWorkspaceLock creates a lock for resource held under owner's name
func NewWorkspaceLock(cache *Cache, resource, owner string, ttl time.Duration, logger *logging.Logger) *WorkspaceLock {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &WorkspaceLock{
		cache:    cache,
		resource: resource,
		owner:    owner,
		ttl:      ttl,
		logger:   logger.WithField("lock", resource),
	}
}

// Lock polls until the lock is acquired or ctx ends
func (l *WorkspaceLock) Lock(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		ok, err := l.cache.AcquireLock(ctx, l.resource, l.owner, l.ttl)
		if err != nil {
			return fmt.Errorf("failed to acquire workspace lock: %w", err)
		}
		if ok {
			l.startRefresh()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *WorkspaceLock) startRefresh() {
	if l.ttl <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	l.mu.Lock()
	l.stop, l.done = cancel, done
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := l.cache.ExtendLock(ctx, l.resource, l.owner, l.ttl)
			switch {
			case err == nil:
			case errors.Is(err, ErrLockHeld):
				l.logger.Error("Workspace lock lost to another owner")
				return
			case ctx.Err() == nil:
				l.logger.WarnWithErr("Failed to refresh workspace lock", err)
			}
		}
	}()
}

// Unlock stops refreshing and releases the lock if this owner still holds it
func (l *WorkspaceLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	return l.cache.ReleaseLock(ctx, l.resource, l.owner)
}
