// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package fiber's error taxonomy, grounded on the teacher's cause-chain
// error types (TypeError/RangeError with Unwrap) but pointed at spec §7's
// two real error categories instead of JS compatibility: contract
// violations (panics, never recovered) and OS errors (typed, returned).
package fiber

import (
	"errors"
	"fmt"
)

// ContractViolation marks an error as belonging to spec §7's "fatal
// assertion class": scheduling on the wrong thread, calling a terminated
// fiber, unregistering an unarmed event. These are always raised as panics,
// never returned as errors, and are not meant to be recovered by caller
// code outside of tests.
type ContractViolation struct {
	Message string
}

func (e *ContractViolation) Error() string { return e.Message }

// TypeError represents a contract violation where a value was not of the
// expected type or kind.
type TypeError struct {
	Cause   error
	Message string
}

func (e *TypeError) Error() string {
	if e.Message == "" {
		return "type error"
	}
	return e.Message
}

func (e *TypeError) Unwrap() error { return e.Cause }

// RangeError represents a contract violation where a value fell outside
// its expected range (e.g. a negative batch size).
type RangeError struct {
	Cause   error
	Message string
}

func (e *RangeError) Error() string {
	if e.Message == "" {
		return "range error"
	}
	return e.Message
}

func (e *RangeError) Unwrap() error { return e.Cause }

// WrapError wraps an error with a message, preserving it as the cause for
// errors.Is/errors.As.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}

// IsContractViolation reports whether err (or anything in its cause chain)
// is a contract violation, as opposed to a runtime/OS error.
func IsContractViolation(err error) bool {
	var cv *ContractViolation
	return errors.As(err, &cv)
}
