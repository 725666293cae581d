package effects

import (
	"context"
	"errors"
	"fmt"

	"github.com/salespath/webhooklog/app/models"
)

// Error is an effect failure tagged with whether retrying can help.
type Error struct {
	Class models.FailureClass
	Err   error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as worth retrying once the dependency recovers.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: models.FailureClassTransient, Err: err}
}

// Permanent marks err as failing identically on every retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: models.FailureClassPermanent, Err: err}
}

// Permanentf is Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// ClassOf returns the failure class and operator-facing message for err.
// Deadline expiry is always transient; unclassified errors default to
// transient so that an unknown cause is never written off.
func ClassOf(err error) (models.FailureClass, string) {
	if err == nil {
		return models.FailureClassNone, ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.FailureClassTransient, "downstream timeout: " + err.Error()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class, e.Error()
	}
	return models.FailureClassTransient, err.Error()
}
