package ledger

import "errors"

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("ledger: not found")
	// ErrDuplicate is returned when a commit identity was already built.
	ErrDuplicate = errors.New("ledger: commit already processed")
)
