// Package experience implements the experience memory: an append-only log
// of resolutions that passed the quality gate, persisted as one JSON file
// that is rewritten in full on every mutation.
package experience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/selfheal/internal/faults"
	"go.uber.org/zap"
)

const collaboratorName = "experience-store"

// Store owns the experience log at a fixed path. Reads always go back to
// disk; writes are serialised by an in-process mutex and a Locker.
type Store struct {
	path   string
	locker Locker
	logger *zap.Logger
	now    func() time.Time
	rename func(oldpath, newpath string) error

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLocker replaces the default flock-based Locker.
func WithLocker(l Locker) Option {
	return func(s *Store) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open prepares a store at path, creating the parent directory, and loads
// the current log.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, faults.ValidationError{Field: "path", Reason: "must not be empty"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve experience path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, faults.Collaborator(collaboratorName, "open", err)
	}
	s := &Store{
		path:   abs,
		logger: zap.NewNop(),
		now:    time.Now,
		rename: os.Rename,
	}
	s.locker = NewFileLocker(abs)
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the absolute location of the log file.
func (s *Store) Path() string { return s.path }

// Store appends one experience and persists the whole log before returning.
func (s *Store) Store(ctx context.Context, category, resolution string, score float64) (StoreResult, error) {
	cat := NormalizeCategory(category)
	if cat == "" {
		return StoreResult{}, faults.ValidationError{Field: "category", Reason: "must not be empty"}
	}
	if strings.TrimSpace(resolution) == "" {
		return StoreResult{}, faults.ValidationError{Field: "resolution", Reason: "must not be empty"}
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return StoreResult{}, faults.ValidationError{Field: "score", Reason: "must be a finite number"}
	}
	if score < 0 || score > 1 {
		return StoreResult{}, faults.ValidationError{Field: "score", Reason: fmt.Sprintf("%v is outside [0,1]", score)}
	}

	var result StoreResult
	err := s.mutate(ctx, "store", func(records []Experience) []Experience {
		entry := Experience{
			ID:         nextID(records),
			Timestamp:  s.now().UTC(),
			Category:   cat,
			Resolution: resolution,
			Score:      Round3(score),
		}
		updated := make([]Experience, len(records), len(records)+1)
		copy(updated, records)
		updated = append(updated, entry)
		result = StoreResult{ID: entry.ID, Total: len(updated)}
		return updated
	})
	if err != nil {
		return StoreResult{}, err
	}
	s.logger.Info("experience stored",
		zap.Int("id", result.ID),
		zap.String("category", cat),
		zap.Float64("score", Round3(score)),
		zap.Int("total", result.Total))
	return result, nil
}

// Retrieve returns up to topK experiences whose category contains the
// normalised query, best score first. Containment is deliberate: "net"
// matches "network". Equal scores keep insertion order.
func (s *Store) Retrieve(ctx context.Context, category string, topK int) (RetrieveResult, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	records, err := s.load(ctx)
	if err != nil {
		return RetrieveResult{}, err
	}
	query := NormalizeCategory(category)
	var matches []Experience
	for _, e := range records {
		if strings.Contains(e.Category, query) {
			matches = append(matches, e)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	total := len(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return RetrieveResult{
		Category:      query,
		Matches:       matches,
		TotalMatching: total,
		TotalStored:   len(records),
	}, nil
}

// Stats aggregates the current log.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	records, err := s.load(ctx)
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(records), nil
}

// ComputeStats aggregates records in insertion order.
func ComputeStats(records []Experience) Stats {
	if len(records) == 0 {
		return Stats{Empty: true, Message: "No experiences stored yet."}
	}
	var sum, best float64
	perCat := make(map[string][]float64)
	for i, e := range records {
		sum += e.Score
		if i == 0 || e.Score > best {
			best = e.Score
		}
		perCat[e.Category] = append(perCat[e.Category], e.Score)
	}
	byCategory := make(map[string]CategoryStats, len(perCat))
	for cat, scores := range perCat {
		var catSum float64
		for _, sc := range scores {
			catSum += sc
		}
		byCategory[cat] = CategoryStats{Count: len(scores), Average: Round3(catSum / float64(len(scores)))}
	}
	first, last := records[0].Score, records[len(records)-1].Score
	return Stats{
		Total:            len(records),
		Average:          Round3(sum / float64(len(records))),
		Best:             best,
		Latest:           last,
		DeltaFirstToLast: Round3(last - first),
		PerCategory:      byCategory,
	}
}

// Timeline returns every record with the running average score.
func (s *Store) Timeline(ctx context.Context) ([]TimelinePoint, error) {
	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	points := make([]TimelinePoint, 0, len(records))
	var running float64
	for i, e := range records {
		running += e.Score
		points = append(points, TimelinePoint{
			Index:             i + 1,
			Timestamp:         e.Timestamp,
			Category:          e.Category,
			Score:             e.Score,
			CumulativeAverage: Round3(running / float64(i+1)),
		})
	}
	return points, nil
}

// List returns a copy of every record in insertion order.
func (s *Store) List(ctx context.Context) ([]Experience, error) {
	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Experience, len(records))
	copy(out, records)
	return out, nil
}

// Clear drops every record and persists the empty log.
func (s *Store) Clear(ctx context.Context) error {
	err := s.mutate(ctx, "clear", func([]Experience) []Experience { return []Experience{} })
	if err != nil {
		return err
	}
	s.logger.Warn("experience memory cleared", zap.String("path", s.path))
	return nil
}

// mutate runs fn over the on-disk log under both locks and persists its
// result. A failed write leaves the log untouched.
func (s *Store) mutate(ctx context.Context, op string, fn func([]Experience) []Experience) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.locker.Lock(ctx)
	if err != nil {
		return faults.Collaborator(collaboratorName, op+": lock", err)
	}
	defer func() {
		if uerr := unlock(); uerr != nil {
			s.logger.Error("release experience lock", zap.Error(uerr))
		}
	}()

	records, err := s.readFile()
	if err != nil {
		return faults.Collaborator(collaboratorName, op+": load", err)
	}
	updated := fn(records)
	if err := s.writeFile(updated); err != nil {
		return faults.Collaborator(collaboratorName, op+": persist", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) ([]Experience, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.reload()
}

func (s *Store) reload() ([]Experience, error) {
	records, err := s.readFile()
	if err != nil {
		return nil, faults.Collaborator(collaboratorName, "load", err)
	}
	return records, nil
}

func (s *Store) readFile() ([]Experience, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Experience{}, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return []Experience{}, nil
	}
	var records []Experience
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if records == nil {
		records = []Experience{}
	}
	return records, nil
}

// writeFile replaces the log atomically: temp file, fsync, rename.
func (s *Store) writeFile(records []Experience) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal experiences: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := s.rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// nextID continues from the last record so ids never repeat even if the
// file lost entries in the middle.
func nextID(records []Experience) int {
	if len(records) == 0 {
		return 1
	}
	last := records[len(records)-1].ID
	if last < len(records) {
		last = len(records)
	}
	return last + 1
}

// NormalizeCategory lowercases and trims a category token.
func NormalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// Round3 rounds to three decimals.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
