package router

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProvider matches any *UnknownProviderError via errors.Is.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrUnknownModel matches any *UnknownModelError via errors.Is.
	ErrUnknownModel = errors.New("unknown model")
)

// UnknownProviderError is returned when a caller names a provider the registry
// has never seen. It is a configuration error and is never retried.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider: %s", e.Provider)
}

func (e *UnknownProviderError) Is(target error) bool { return target == ErrUnknownProvider }

// UnknownModelError is returned when a model hint does not belong to the provider.
type UnknownModelError struct {
	Provider string
	Model    string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %s for provider %s", e.Model, e.Provider)
}

func (e *UnknownModelError) Is(target error) bool { return target == ErrUnknownModel }
