package storage

import "errors"

var (
	// ErrRecordNotFound is returned when a usage record is not found
	ErrRecordNotFound = errors.New("usage record not found")

	// ErrInvoiceNotFound is returned when an invoice is not found
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrInvoiceExists is returned when an invoice already covers the
	// tenant and cycle window. It is the advisory-lock signal for
	// concurrent aggregation runs.
	ErrInvoiceExists = errors.New("invoice already exists for cycle window")

	// ErrBillingConflict is returned when records selected for an invoice
	// were billed by a concurrent run before the transaction committed.
	ErrBillingConflict = errors.New("records were billed concurrently")
)
