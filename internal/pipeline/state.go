package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

// Key names one entry of the per-run state.
type Key string

const (
	KeyIncident           Key = "incident"
	KeyTriageReport       Key = "triage_report"
	KeyResolutionProposal Key = "resolution_proposal"
	KeyEvaluationResult   Key = "evaluation_result"
	KeyNarration          Key = "narration"
	KeyLoopReport         Key = "loop_report"
)

var (
	// ErrUndeclaredRead is returned when a stage reads a key it did not list
	// in Reads.
	ErrUndeclaredRead = errors.New("read of undeclared state key")
	// ErrMissingValue is returned when a declared key has not been produced yet.
	ErrMissingValue = errors.New("state key not set")
)

type entry struct {
	value    any
	writer   string
	revision int
}

// State is the shared blackboard of one incident run. It is owned by a
// single run and is not safe for concurrent use.
type State struct {
	runID   string
	entries map[Key]*entry
}

// NewState returns an empty state for runID.
func NewState(runID string) *State {
	return &State{runID: runID, entries: make(map[Key]*entry)}
}

func (s *State) RunID() string { return s.runID }

// Get returns the latest value for key.
func (s *State) Get(key Key) (any, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key, recording the writer and bumping the
// revision. Overwrites are expected for resolution_proposal.
func (s *State) Set(key Key, value any, writer string) {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.value = value
	e.writer = writer
	e.revision++
}

// Revision counts how many times key has been written; zero means unset.
func (s *State) Revision(key Key) int {
	if e, ok := s.entries[key]; ok {
		return e.revision
	}
	return 0
}

// Writer names the stage that last wrote key.
func (s *State) Writer(key Key) string {
	if e, ok := s.entries[key]; ok {
		return e.writer
	}
	return ""
}

// Keys lists the keys currently set, sorted.
func (s *State) Keys() []Key {
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Snapshot summarises the state for logs: key -> "writer@revision".
func (s *State) Snapshot() map[string]string {
	out := make(map[string]string, len(s.entries))
	for k, e := range s.entries {
		out[string(k)] = fmt.Sprintf("%s@%d", e.writer, e.revision)
	}
	return out
}

// Inputs is the read-only view a stage receives. Only keys the stage
// declared are visible, and every read sees the latest value.
type Inputs struct {
	stage   string
	allowed map[Key]struct{}
	state   *State
}

func newInputs(stage string, reads []Key, state *State) Inputs {
	allowed := make(map[Key]struct{}, len(reads))
	for _, k := range reads {
		allowed[k] = struct{}{}
	}
	return Inputs{stage: stage, allowed: allowed, state: state}
}

// Get returns the value for a declared key.
func (in Inputs) Get(key Key) (any, error) {
	if _, ok := in.allowed[key]; !ok {
		return nil, fmt.Errorf("stage %s reading %q: %w", in.stage, key, ErrUndeclaredRead)
	}
	v, ok := in.state.Get(key)
	if !ok {
		return nil, fmt.Errorf("stage %s reading %q: %w", in.stage, key, ErrMissingValue)
	}
	return v, nil
}

// Has reports whether a declared key is set. Undeclared keys report false.
func (in Inputs) Has(key Key) bool {
	if _, ok := in.allowed[key]; !ok {
		return false
	}
	_, ok := in.state.Get(key)
	return ok
}

// Value reads a declared key as T.
func Value[T any](in Inputs, key Key) (T, error) {
	var zero T
	v, err := in.Get(key)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("stage %s reading %q: got %T, want %T", in.stage, key, v, zero)
	}
	return typed, nil
}

// ViewOf builds an Inputs over state for callers outside a stage run, such
// as tests and the resolver reading final results.
func ViewOf(state *State, keys ...Key) Inputs {
	return newInputs("reader", keys, state)
}
