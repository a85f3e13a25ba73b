package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyFinalized means the command targeted a completed or cancelled
// reminder. Reported, nothing mutated; not a hard error.
var ErrAlreadyFinalized = errors.New("reminder is already completed or cancelled")

// ValidationError rejects a command synchronously with nothing mutated.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NotFoundError means no active reminder matched the target fragment.
type NotFoundError struct {
	Target string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no reminder matching %q", e.Target)
}

// AmbiguousTargetError means the target fragment matched more than one
// active reminder. The dispatcher reports it rather than guessing.
type AmbiguousTargetError struct {
	Target string
	Titles []string
}

func (e *AmbiguousTargetError) Error() string {
	return fmt.Sprintf("%q matches %d reminders: %s", e.Target, len(e.Titles), strings.Join(e.Titles, ", "))
}
