package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyCohort  = errors.New("cohort is empty")
	ErrRunCancelled = errors.New("run cancelled")
)

// ConfigurationError reports an invalid synthesis, graph or trial
// configuration. It is always raised before any simulation work starts.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func NewConfigurationError(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// CyclicGraphError is returned when the stage graph has no topological order.
type CyclicGraphError struct {
	Cycle []string
}

func (e *CyclicGraphError) Error() string {
	if len(e.Cycle) == 0 {
		return "stage graph contains a cycle"
	}
	return "stage graph contains a cycle: " + strings.Join(e.Cycle, " -> ")
}

func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

func IsCyclicGraphError(err error) bool {
	var cycleErr *CyclicGraphError
	return errors.As(err, &cycleErr)
}
