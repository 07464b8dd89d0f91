package twophase

import "errors"

var (
	ErrDuplicateIdentifier    = errors.New("transaction identifier is already in use")
	ErrExhausted              = errors.New("maximum number of prepared transactions reached")
	ErrNotFound               = errors.New("prepared transaction with identifier does not exist")
	ErrBusy                   = errors.New("prepared transaction with identifier is busy")
	ErrPermissionDenied       = errors.New("permission denied to finish prepared transaction")
	ErrCrossDatabase          = errors.New("prepared transaction belongs to another database")
	ErrIdentifierTooLong      = errors.New("transaction identifier is too long")
	ErrInvalidIdentifier      = errors.New("transaction identifier contains a NUL byte")
	ErrSessionHoldsEntry      = errors.New("session already holds a prepared transaction")
	ErrDataCorrupted          = errors.New("two-phase state data is corrupted")
	ErrRecordTooLarge         = errors.New("two-phase state data is too large")
	ErrDependentWorkUnderflow = errors.New("dependent work counter would drop below zero")
	ErrNotReady               = errors.New("prepared transactions have not been recovered yet")
	ErrAlreadyRecovered       = errors.New("prepared transactions were already recovered")
	ErrFatal                  = errors.New("unrecoverable two-phase commit failure")
)
