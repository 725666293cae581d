package repository

import (
	"errors"
	"fmt"

	"github.com/salespath/webhooklog/app/models"
)

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a compare-and-set lost against a concurrent writer.
	ErrConflict = errors.New("record state changed concurrently")
	// ErrStorage wraps failures of the underlying database.
	ErrStorage = errors.New("storage failure")
	// ErrInvalidTransition is returned for edges the state machine does not have.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ConflictError carries the status observed after a lost compare-and-set.
type ConflictError struct {
	ID      string
	Current models.WebhookStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("webhook log %s: status is now %s", e.ID, e.Current)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
