package experience

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/selfheal/config"
	"go.uber.org/zap"
)

// OpenConfigured opens the store described by cfg with the configured
// cross-process lock. The returned close func releases the lock backend.
func OpenConfigured(ctx context.Context, cfg config.MemoryConfig, logger *zap.Logger) (*Store, func() error, error) {
	noop := func() error { return nil }
	var locker Locker
	closeFn := noop
	switch cfg.Lock.Backend {
	case "", "file":
		locker = NewFileLocker(cfg.Path)
	case "redis":
		rc := cfg.Lock.Redis
		client, err := DialRedis(ctx, rc.Addr(), rc.Password, rc.DB, rc.Timeout)
		if err != nil {
			return nil, noop, fmt.Errorf("connect redis lock at %s: %w", rc.Addr(), err)
		}
		locker = NewRedisLocker(client, rc.Key, cfg.Lock.TTL)
		closeFn = client.Close
	default:
		return nil, noop, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
	if cfg.Lock.Timeout > 0 {
		locker = WithLockTimeout(locker, cfg.Lock.Timeout)
	}
	s, err := Open(cfg.Path, WithLocker(locker), WithLogger(logger))
	if err != nil {
		_ = closeFn()
		return nil, noop, err
	}
	return s, closeFn, nil
}

// WithLockTimeout bounds every acquisition of l by d.
func WithLockTimeout(l Locker, d time.Duration) Locker {
	return timeoutLocker{inner: l, timeout: d}
}

type timeoutLocker struct {
	inner   Locker
	timeout time.Duration
}

func (t timeoutLocker) Lock(ctx context.Context) (func() error, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.Lock(ctx)
}
