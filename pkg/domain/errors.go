package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	// ErrInvalidConfiguration marks bad factory or policy construction arguments.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrProviderNotInitialized is returned when a configuration provider is
	// used without being constructed through its constructor.
	ErrProviderNotInitialized = errors.New("configuration provider not initialized")
)

// ConfigurationError describes a rejected construction argument.
type ConfigurationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s (value: %v): %s", e.Field, e.Value, e.Message)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// IsConfigurationError checks if the error indicates invalid configuration
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}
