package projection

import "errors"

var (
	// ErrVerifiedFinal is returned when a local rejection targets a milestone
	// the ledger already verified.
	ErrVerifiedFinal = errors.New("milestone is verified on the ledger")

	// ErrMissingStartup is returned for observations without a canonical id.
	ErrMissingStartup = errors.New("observation has no canonical startup id")

	// ErrMissingRecord is returned for a record observation without a payload.
	ErrMissingRecord = errors.New("record observation has no payload")
)
