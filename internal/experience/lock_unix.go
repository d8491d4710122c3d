//go:build unix

package experience

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// FileLocker takes an exclusive flock on a sidecar file next to the log.
// flock is held per open file description, so goroutines of the same
// process exclude each other as well as other processes.
type FileLocker struct {
	Path         string
	PollInterval time.Duration
}

// NewFileLocker returns a FileLocker guarding logPath via logPath+".lock".
func NewFileLocker(logPath string) *FileLocker {
	return &FileLocker{Path: logPath + ".lock", PollInterval: 10 * time.Millisecond}
}

func (l *FileLocker) Lock(ctx context.Context) (func() error, error) {
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	poll := l.PollInterval
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return func() error {
				uerr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
				cerr := f.Close()
				if uerr != nil {
					return fmt.Errorf("unlock: %w", uerr)
				}
				return cerr
			}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("flock %s: %w", l.Path, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}
