// Package examerr classifies the failures a manual examination can end with and
// maps each kind to a process exit code.
package examerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an examination failure
type Kind string

const (
	KindConfigurationNotFound Kind = "configuration_not_found"
	KindConfiguration         Kind = "configuration_invalid"
	KindFilesystem            Kind = "filesystem"
	KindProvisioning          Kind = "provisioning"
	KindUnexpected            Kind = "unexpected_failure"
	KindInterrupted           Kind = "interrupted"
	KindTeardown              Kind = "teardown_failure"
)

// Error wraps a cause with its kind and the operation that produced it
type Error struct {
	Kind      Kind
	Operation string
	ExitCode  int
	Err       error
}

// Error implements error interface
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Operation, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap implements error unwrapping
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err. A nil cause stays nil.
func Wrap(kind Kind, operation string, err error) error {
	if err == nil {
		return nil
	}
	// Keep the innermost classification
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{
		Kind:      kind,
		Operation: operation,
		ExitCode:  defaultExitCode(kind),
		Err:       err,
	}
}

// New creates a classified error from a message
func New(kind Kind, operation, format string, args ...interface{}) error {
	return &Error{
		Kind:      kind,
		Operation: operation,
		ExitCode:  defaultExitCode(kind),
		Err:       fmt.Errorf(format, args...),
	}
}

// Interrupted reports a session stopped by a termination signal outside the
// human-wait gate. The exit code follows the shell convention 128+signo.
func Interrupted(operation string, signo int) error {
	code := 1
	if signo > 0 {
		code = 128 + signo
	}
	return &Error{
		Kind:      KindInterrupted,
		Operation: operation,
		ExitCode:  code,
		Err:       fmt.Errorf("interrupted by signal %d", signo),
	}
}

// KindOf returns the classification of err, or "" when unclassified
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode maps err to a process exit status. nil maps to 0 and unclassified
// errors map to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var classified *Error
	if errors.As(err, &classified) && classified.ExitCode != 0 {
		return classified.ExitCode
	}
	return 1
}

func defaultExitCode(kind Kind) int {
	switch kind {
	case KindConfigurationNotFound, KindConfiguration:
		return 2
	case KindFilesystem:
		return 3
	case KindProvisioning:
		return 4
	case KindInterrupted:
		return 130
	default:
		return 1
	}
}
