package core

import "errors"

var (
	// ErrNotFound is returned when an id does not match any stored row.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a natural-key or pairing constraint is violated,
	// or when a compare-and-set transition finds the row in an unexpected state.
	ErrConflict = errors.New("conflict")

	// ErrValidation is returned for malformed input, such as an unknown status
	// or a lease id that is not a UUID.
	ErrValidation = errors.New("validation error")

	// ErrUpstreamUnavailable is returned when an outside service a check relies
	// on, such as the IP echo endpoint, fails to answer.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrChannelUnavailable is returned when the distribution queue cannot be
	// read from or published to.
	ErrChannelUnavailable = errors.New("channel unavailable")
)
