package catalog

import "errors"

var (
	// ErrWriteFailed wraps any store rejection of a catalog update
	// (permissions, disk full, lock contention). It is fatal to the
	// download engine.
	ErrWriteFailed = errors.New("catalog write failed")

	// ErrTransferNotFound is returned when an update names a transfer_id
	// that does not exist.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrDuplicateTransfer is returned when inserting a transfer whose
	// tracking_id is already present.
	ErrDuplicateTransfer = errors.New("transfer already registered")
)
