package jmrunner

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration problem that should lead to exit
// code 2. Examples include a malformed config file or an invalid catalog.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError
func NewConfigError(err error) *ConfigError {
	return &ConfigError{Err: err}
}

// IsConfigError checks if the error is or wraps a ConfigError
func IsConfigError(err error) bool {
	var configErr *ConfigError
	return err != nil && errors.As(err, &configErr)
}

// ServeError represents a failure while the service is running (exit code 1)
type ServeError struct {
	Err error
}

func (e *ServeError) Error() string {
	return fmt.Sprintf("serve error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *ServeError) Unwrap() error {
	return e.Err
}

// NewServeError creates a new ServeError
func NewServeError(err error) *ServeError {
	return &ServeError{Err: err}
}

// IsServeError checks if the error is or wraps a ServeError
func IsServeError(err error) bool {
	var serveErr *ServeError
	return err != nil && errors.As(err, &serveErr)
}
