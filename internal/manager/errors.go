package manager

import "errors"

// modelNotFoundError is returned when a reference matches no local model.
type modelNotFoundError struct{ ref string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.ref }

// ErrModelNotFound returns an error for a reference that matched no model.
func ErrModelNotFound(ref string) error { return modelNotFoundError{ref: ref} }

// IsModelNotFound reports whether the error indicates a missing model.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// modelNotLoadedError is returned by operations that need a resident model.
type modelNotLoadedError struct{ id string }

func (e modelNotLoadedError) Error() string { return "model not loaded: " + e.id }

// ErrModelNotLoaded returns an error for a model that is not resident.
func ErrModelNotLoaded(id string) error { return modelNotLoadedError{id: id} }

// IsModelNotLoaded reports whether the error indicates a non-resident model.
func IsModelNotLoaded(err error) bool {
	var e modelNotLoadedError
	return errors.As(err, &e)
}

// ErrNoWorker is returned when no worker is configured.
var ErrNoWorker = errors.New("manager: no worker configured")
