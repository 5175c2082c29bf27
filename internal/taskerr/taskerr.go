// Package taskerr defines the failure taxonomy shared by workers, the queue
// fabric, and the controller. Every job failure is classified so the
// controller can tell a transient external hiccup apart from a permanent
// schema violation or a fatal configuration problem.
package taskerr

import (
	"errors"
	"fmt"
)

// Class is the failure class of a job or collaborator error.
type Class int

const (
	// ClassUnknown is an unclassified error, treated as permanent.
	ClassUnknown Class = iota
	// ClassTransient covers network errors, timeouts, and 5xx/429 responses.
	// Retryable by policy.
	ClassTransient
	// ClassSchemaValidation covers external responses that fail the expected
	// schema. Never retryable: the same request would fail the same way.
	ClassSchemaValidation
	// ClassConfig covers missing credentials or invalid configuration.
	// Fatal: aborts the run rather than a single job.
	ClassConfig
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassSchemaValidation:
		return "schema_validation"
	case ClassConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is a classified error with the operation that produced it.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable transient failure.
func Transient(op string, err error) error {
	return &Error{Class: ClassTransient, Op: op, Err: err}
}

// SchemaValidation wraps err as a permanent schema failure.
func SchemaValidation(op string, err error) error {
	return &Error{Class: ClassSchemaValidation, Op: op, Err: err}
}

// Config wraps err as a fatal configuration failure.
func Config(op string, err error) error {
	return &Error{Class: ClassConfig, Op: op, Err: err}
}

// Configf is Config with a formatted message.
func Configf(op, format string, args ...any) error {
	return &Error{Class: ClassConfig, Op: op, Err: fmt.Errorf(format, args...)}
}

// ClassOf returns the class of err, or ClassUnknown when unclassified.
func ClassOf(err error) Class {
	var te *Error
	if errors.As(err, &te) {
		return te.Class
	}
	return ClassUnknown
}

// Retryable reports whether a retry policy may re-attempt err.
func Retryable(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsFatal reports whether err should abort the whole run.
func IsFatal(err error) bool {
	return ClassOf(err) == ClassConfig
}
