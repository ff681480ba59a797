package utils

import (
	"errors"
	"fmt"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// ConfigurationError reports a malformed topology, catalog, or config file.
// It is fatal at startup and never retried.
type ConfigurationError struct {
	Source string
	Msg    string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("configuration %s: %s", e.Source, e.Msg)
	}
	return fmt.Sprintf("configuration %s: %s: %v", e.Source, e.Msg, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError constructs a ConfigurationError.
func NewConfigurationError(source, msg string, err error) error {
	return &ConfigurationError{Source: source, Msg: msg, Err: err}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// ScenarioConflictError rejects an activation while another scenario is live.
type ScenarioConflictError struct {
	Origin       string
	ActiveOrigin string
	ActiveKind   string
}

func (e *ScenarioConflictError) Error() string {
	return fmt.Sprintf("scenario conflict: %s requested while %s is active on %s", e.Origin, e.ActiveKind, e.ActiveOrigin)
}

// IsScenarioConflict reports whether err wraps a ScenarioConflictError.
func IsScenarioConflict(err error) bool {
	var conflict *ScenarioConflictError
	return errors.As(err, &conflict)
}
