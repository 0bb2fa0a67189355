package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors for confirmation requests.
var (
	ErrEmptyLines            = errors.New("lines required")
	ErrUserRequired          = errors.New("user id required")
	ErrNegativeShippingFee   = errors.New("shipping fee must not be negative")
	ErrDuplicateConfirmation = errors.New("idempotency key already used")
	ErrConfirmationNotFound  = errors.New("confirmation not found")
)

// InvalidLineError indicates a malformed request line.
type InvalidLineError struct {
	Index  int
	Reason string
}

func (e *InvalidLineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Index, e.Reason)
}

// StorageError wraps any storage failure that aborted a confirmation. No
// state was changed. ConfirmationID correlates logs with the caller's report.
type StorageError struct {
	ConfirmationID string
	Op             string
	Err            error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("confirmation %s: %s: %v", e.ConfirmationID, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
