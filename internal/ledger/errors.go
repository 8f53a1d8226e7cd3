package ledger

import "errors"

var (
	// ErrInsufficientBalance is the pre-flight rejection: the account's
	// balance is below the minimum threshold, so no transaction is opened
	// and no external work is started.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAccountNotFound is returned when the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransactionNotFound is returned when the referenced transaction does
	// not exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrReasonRequired is returned when an admin adjustment carries no reason.
	ErrReasonRequired = errors.New("adjustment reason is required")

	// ErrAdjustmentTooLarge is returned when an admin adjustment exceeds the
	// configured per-call magnitude cap.
	ErrAdjustmentTooLarge = errors.New("adjustment exceeds maximum magnitude")
)
