package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks a malformed scoring definition, detected at load time.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidationFailed marks rejected inputs. The caller must re-prompt.
	ErrValidationFailed = errors.New("validation failed")

	// ErrInternal marks an engine defect such as a non-finite aggregate.
	ErrInternal = errors.New("engine internal error")

	// ErrUnknownDefinition is returned for ids missing from the catalog.
	ErrUnknownDefinition = errors.New("unknown scoring definition")
)

// FieldErrorKind classifies a field validation failure.
type FieldErrorKind string

const (
	FieldMissing       FieldErrorKind = "Missing"
	FieldNotANumber    FieldErrorKind = "NotANumber"
	FieldOutOfRange    FieldErrorKind = "OutOfRange"
	FieldInvalidChoice FieldErrorKind = "InvalidChoice"
)

// FieldError describes why one input was rejected.
type FieldError struct {
	FieldID string         `json:"fieldId"`
	Kind    FieldErrorKind `json:"kind"`
	Message string         `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldID, e.Message)
}

// ValidationError lists every rejected input of one evaluation call.
type ValidationError struct {
	DefinitionID string       `json:"definitionId"`
	Errors       []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Error()
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidationFailed, e.DefinitionID, strings.Join(parts, "; "))
}

// Is matches ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// FieldIDs returns the ids of the rejected fields in order.
func (e *ValidationError) FieldIDs() []string {
	ids := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		ids[i] = fe.FieldID
	}
	return ids
}

// ConfigError lists every problem found in one scoring definition.
type ConfigError struct {
	DefinitionID string   `json:"definitionId"`
	Source       string   `json:"source,omitempty"`
	Problems     []string `json:"problems"`
}

func (e *ConfigError) Error() string {
	id := e.DefinitionID
	if id == "" {
		id = e.Source
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, id, strings.Join(e.Problems, "; "))
}

// Is matches ErrConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// Add appends a formatted problem.
func (e *ConfigError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns e when it holds problems, nil otherwise.
func (e *ConfigError) OrNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// InternalError signals a defect in a definition or the engine.
type InternalError struct {
	DefinitionID string
	Reason       string
	Err          error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", ErrInternal, e.DefinitionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInternal, e.DefinitionID, e.Reason)
}

// Is matches ErrInternal.
func (e *InternalError) Is(target error) bool {
	return target == ErrInternal
}

func (e *InternalError) Unwrap() error {
	return e.Err
}
