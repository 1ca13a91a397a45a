package sequence

import "errors"

var (
	// ErrMissingConfig means a step has no config variant for its type.
	// Fatal configuration error, never retried.
	ErrMissingConfig = errors.New("step config missing for step type")

	// ErrNoProcessor means no processor is registered for a step type.
	ErrNoProcessor = errors.New("no processor registered for step type")
)
