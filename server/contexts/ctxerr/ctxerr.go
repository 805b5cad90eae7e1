// Package ctxerr provides functions to annotate errors as they bubble up the
// call stack. Call New or Wrap[f] as close as possible to where the error is
// encountered; it is fine to wrap with more annotations along the way. The
// context argument keeps the signatures uniform with the rest of the server
// packages and leaves room to attach request-scoped metadata later.
package ctxerr

import (
	"context"

	"github.com/pkg/errors"
)

// New creates a new error with the provided error message.
func New(ctx context.Context, errMsg string) error {
	return errors.New(errMsg)
}

// Errorf creates a new error with the provided formatted message.
func Errorf(ctx context.Context, format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Wrap annotates err with the provided message. Returns nil if err is nil.
func Wrap(ctx context.Context, err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf annotates err with the provided formatted message. Returns nil if err
// is nil.
func Wrapf(ctx context.Context, err error, fmsg string, args ...interface{}) error {
	return errors.Wrapf(err, fmsg, args...)
}

// Cause returns the root cause of err, unwrapping all annotations.
func Cause(err error) error {
	return errors.Cause(err)
}
