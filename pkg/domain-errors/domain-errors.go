package domainerrors

import "errors"

// Code represents a failure category independent of transport or device
// details. Codes describe what went wrong in machine-operation terms.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeInternal           Code = "internal_error"
	CodeConflict           Code = "conflict"
	CodeTimeout            Code = "timeout"
	CodeNetwork            Code = "network_error"
	CodeInvariantViolation Code = "invariant_violation"
	CodeConfig             Code = "config_error"

	// Transaction sync conflicts reported by the backend. Neither is ever
	// retried: the server copy is authoritative once it disagrees.
	CodeStaleVersion Code = "stale_version" // server holds a newer tx version
	CodeRatchet      Code = "ratchet"       // update would regress the tx lifecycle

	// Physical-world failures.
	CodeHardwareFault     Code = "hardware_fault"
	CodeDispenseShortfall Code = "dispense_shortfall"
	CodeOutOfCash         Code = "out_of_cash"

	// Pairing / provisioning.
	CodeUnpaired Code = "unpaired"
)

// Error wraps domain or infrastructure failures with a stable code.
// It is transport-agnostic and can be used across all layers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// Unwrap implements error unwrapping for error chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is enables errors.Is() to match errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new domain error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap creates a new domain error wrapping an existing error.
// If the wrapped error is already a domain error, the original code is preserved.
func Wrap(err error, code Code, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Code: existing.Code, Message: msg, Err: err}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode checks if an error is a domain error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
