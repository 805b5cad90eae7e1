package podsub

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError is returned when a datastore resource cannot be found.
type NotFoundError interface {
	error
	IsNotFound() bool
}

// IsNotFound reports whether err (or anything it wraps) is a datastore
// not-found error, which callers may treat as non-fatal.
func IsNotFound(err error) bool {
	var nfe NotFoundError
	if errors.As(err, &nfe) {
		return nfe.IsNotFound()
	}
	return false
}

// ExistsError is returned when an insert collides with a row that is already
// there, such as a product listing re-saved by a retried attempt.
type ExistsError interface {
	error
	IsExists() bool
}

// IsAlreadyExists reports whether err (or anything it wraps) is a datastore
// duplicate-row error. Callers re-saving idempotently may treat it as
// success.
func IsAlreadyExists(err error) bool {
	var ee ExistsError
	if errors.As(err, &ee) {
		return ee.IsExists()
	}
	return false
}

// InvalidArgumentError rejects a malformed submission synchronously; no job
// row is ever created for it.
type InvalidArgumentError struct {
	Errors []InvalidArgument
}

// InvalidArgument is the details of a single invalid field.
type InvalidArgument struct {
	Name   string
	Reason string
}

// Append adds one invalid field to the error.
func (e *InvalidArgumentError) Append(name, reason string) {
	e.Errors = append(e.Errors, InvalidArgument{Name: name, Reason: reason})
}

func (e *InvalidArgumentError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed:")
	for _, a := range e.Errors {
		sb.WriteString(" ")
		sb.WriteString(a.Name)
		sb.WriteString(" ")
		sb.WriteString(a.Reason)
	}
	return sb.String()
}

func (e *InvalidArgumentError) Invalid() bool { return true }

// IsInvalidArgument reports whether err is an admission (validation) error.
func IsInvalidArgument(err error) bool {
	var iae interface {
		error
		Invalid() bool
	}
	if errors.As(err, &iae) {
		return iae.Invalid()
	}
	return false
}

// NoCapacityError is returned when a submission cannot be placed on any
// worker. It surfaces immediately rather than queueing unboundedly.
type NoCapacityError struct {
	Reason string
}

func (e *NoCapacityError) Error() string {
	if e.Reason == "" {
		return "no worker capacity available"
	}
	return fmt.Sprintf("no worker capacity available: %s", e.Reason)
}

func (e *NoCapacityError) NoCapacity() bool { return true }

// IsNoCapacity reports whether err means every worker was unavailable or
// stopped; the caller may retry later.
func IsNoCapacity(err error) bool {
	var nce interface {
		error
		NoCapacity() bool
	}
	if errors.As(err, &nce) {
		return nce.NoCapacity()
	}
	return false
}
