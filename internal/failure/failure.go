// Package failure defines the pipeline error taxonomy and the durable failure
// reports written next to a run so a later status call can explain what went
// wrong without the process logs.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindLockUnavailable    Kind = "lock_unavailable"
	KindBoundaryViolation  Kind = "boundary_violation"
	KindArtifactValidation Kind = "artifact_validation"
	KindExecutor           Kind = "executor_failure"
	KindWrite              Kind = "write_failure"
)

// Sentinels matched with errors.Is.
var (
	ErrLockUnavailable    = errors.New("lock unavailable")
	ErrBoundaryViolation  = errors.New("boundary violation")
	ErrArtifactValidation = errors.New("artifact validation failure")
	ErrExecutor           = errors.New("executor failure")
	ErrWrite              = errors.New("write failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindLockUnavailable:
		return ErrLockUnavailable
	case KindBoundaryViolation:
		return ErrBoundaryViolation
	case KindArtifactValidation:
		return ErrArtifactValidation
	case KindExecutor:
		return ErrExecutor
	case KindWrite:
		return ErrWrite
	default:
		return nil
	}
}

// Error is a classified failure carrying enough context for an operator to
// find the offending file.
type Error struct {
	Kind     Kind
	Stage    string
	IdeaID   string
	Path     string
	Field    string
	Expected string
	Actual   string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", e.Stage)
	}
	if e.IdeaID != "" {
		fmt.Fprintf(&b, " idea=%s", e.IdeaID)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " path=%s", e.Path)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%s expected=%q actual=%q", e.Field, e.Expected, e.Actual)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Boundary reports a provenance field that does not match the owning scope.
func Boundary(stage, ideaID, path, field, expected, actual string) *Error {
	return &Error{
		Kind:     KindBoundaryViolation,
		Stage:    stage,
		IdeaID:   ideaID,
		Path:     path,
		Field:    field,
		Expected: expected,
		Actual:   actual,
	}
}

// Validation reports a malformed, missing or out-of-order artifact.
func Validation(stage, ideaID, path, message string, err error) *Error {
	return &Error{
		Kind:    KindArtifactValidation,
		Stage:   stage,
		IdeaID:  ideaID,
		Path:    path,
		Message: message,
		Err:     err,
	}
}

// Executor wraps an error returned by the stage executor.
func Executor(stage, ideaID string, err error) *Error {
	return &Error{Kind: KindExecutor, Stage: stage, IdeaID: ideaID, Err: err}
}

// Write wraps a filesystem error hit while persisting path.
func Write(path string, err error) *Error {
	return &Error{Kind: KindWrite, Path: path, Err: err}
}

// Lock reports that the repository lock could not be taken.
func Lock(message string) *Error {
	return &Error{Kind: KindLockUnavailable, Message: message}
}

// KindOf classifies err. Unclassified errors return false.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	for _, k := range []Kind{KindLockUnavailable, KindBoundaryViolation, KindArtifactValidation, KindExecutor, KindWrite} {
		if errors.Is(err, k.sentinel()) {
			return k, true
		}
	}
	return "", false
}

// WithStage fills in stage and idea on err when it is an *Error that does not
// carry them yet. Other errors are returned unchanged.
func WithStage(err error, stage, ideaID string) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return err
	}
	if fe.Stage == "" {
		fe.Stage = stage
	}
	if fe.IdeaID == "" {
		fe.IdeaID = ideaID
	}
	return err
}
