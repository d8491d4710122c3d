package experience

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch blocks until ctx is done, calling fn with the records appended since
// the previous call each time the log file is replaced. A Clear resets the
// baseline. The directory is watched rather than the file because atomic
// renames swap the inode.
func (s *Store) Watch(ctx context.Context, fn func([]Experience)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	seen, err := s.load(ctx)
	if err != nil {
		return err
	}
	lastID := 0
	if len(seen) > 0 {
		lastID = seen[len(seen)-1].ID
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			records, err := s.load(ctx)
			if err != nil {
				s.logger.Warn("reload experiences after change", zap.Error(err))
				continue
			}
			if len(records) == 0 || records[len(records)-1].ID < lastID {
				lastID = 0
			}
			var fresh []Experience
			for _, e := range records {
				if e.ID > lastID {
					fresh = append(fresh, e)
				}
			}
			if len(fresh) == 0 {
				continue
			}
			lastID = fresh[len(fresh)-1].ID
			fn(fresh)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("experience watcher", zap.Error(err))
		}
	}
}
