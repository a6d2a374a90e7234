package telemetry

import "errors"

var (
	// ErrMalformedReport indicates a CONTROL payload that matches neither record layout.
	ErrMalformedReport = errors.New("malformed telemetry report")

	// ErrTooManyCircuits indicates a report with more circuits than fit the count byte.
	ErrTooManyCircuits = errors.New("too many circuits in report")
)
