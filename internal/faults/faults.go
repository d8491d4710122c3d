package faults

import (
	"context"
	"errors"
	"fmt"
)

// CollaboratorError reports a failed or timed-out call to something outside
// the core: the model, a tool capability or the experience log on disk.
// The core never retries these; the run that hit one is aborted.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e CollaboratorError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s %s failed: %v", e.Collaborator, e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Collaborator, e.Err)
}

func (e CollaboratorError) Unwrap() error { return e.Err }

// TimedOut reports whether the collaborator call hit its deadline.
func (e CollaboratorError) TimedOut() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// ValidationError is returned for malformed input before any durable state
// is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Collaborator wraps err as a CollaboratorError unless it already is one.
func Collaborator(name, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce CollaboratorError
	if errors.As(err, &ce) {
		return err
	}
	return CollaboratorError{Collaborator: name, Op: op, Err: err}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsCollaborator reports whether err carries a CollaboratorError.
func IsCollaborator(err error) bool {
	var ce CollaboratorError
	return errors.As(err, &ce)
}
