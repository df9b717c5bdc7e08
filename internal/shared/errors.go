package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input rejected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState indicates a document transition that is not allowed.
	ErrInvalidState = errors.New("invalid document state")

	// ErrInvalidDelta rejects zero-delta movements.
	ErrInvalidDelta = errors.New("movement delta must be non-zero")
	// ErrInsufficientStock occurs when a decrement would take a product below zero.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInsufficientFunds occurs when a decrement would take an account below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAlreadyApplied signals that a reference was already posted to the ledger.
	ErrAlreadyApplied = errors.New("reference already applied")
	// ErrInvalidAmount rejects non-positive transfer amounts and self transfers.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrZeroAmount rejects zero adjustments.
	ErrZeroAmount = errors.New("amount must be non-zero")
	// ErrAllocationMismatch means allocated lines do not sum to the total. Always a bug.
	ErrAllocationMismatch = errors.New("allocation does not sum to total")
	// ErrPersistenceConflict wraps serialization failures that survived a retry.
	ErrPersistenceConflict = errors.New("concurrent modification")

	// ErrSubjectExists is returned when opening a subject twice.
	ErrSubjectExists = errors.New("subject already exists")
	// ErrSubjectInUse blocks removal of subjects with non-bootstrap movements.
	ErrSubjectInUse = errors.New("subject has movements")
)
