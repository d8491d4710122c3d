package experience

import (
	"context"
	"sync"
)

// Locker serialises read-modify-write cycles on the experience log across
// processes. The returned unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context) (unlock func() error, err error)
}

// MutexLocker only excludes writers inside the current process. It is used
// where no cross-process primitive is available and in tests.
type MutexLocker struct {
	mu sync.Mutex
}

func (m *MutexLocker) Lock(ctx context.Context) (func() error, error) {
	locked := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
		return func() error { m.mu.Unlock(); return nil }, nil
	case <-ctx.Done():
		// Release once the pending acquisition lands so the mutex is not leaked.
		go func() {
			<-locked
			m.mu.Unlock()
		}()
		return nil, ctx.Err()
	}
}
