package ledger

import "errors"

// Sentinel errors for ledger outcomes. Callers branch with errors.Is;
// wrapped messages carry the specifics.
var (
	// ErrValidation marks malformed or out-of-range input, rejected before
	// any state is touched.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownAsset marks a reference to an asset missing from the registry.
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrInsufficientHolding marks a sell or withdrawal that would drive a
	// holding negative. No transaction is written.
	ErrInsufficientHolding = errors.New("insufficient holding")

	// ErrConcurrencyConflict marks a lost optimistic-version race on a
	// holding row. Appends retry once internally before surfacing it.
	ErrConcurrencyConflict = errors.New("concurrent ledger conflict")
)
