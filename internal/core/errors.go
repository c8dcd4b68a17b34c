// Package core holds the error taxonomy shared by every archive component.
package core

import (
	"errors"
	"fmt"
)

// ErrorType classifies a failure by how far its effect reaches.
type ErrorType string

const (
	// ErrorTypeConfiguration means the options were malformed; the cache is
	// disabled for the run and the host keeps going.
	ErrorTypeConfiguration ErrorType = "configuration_error"
	// ErrorTypeStructural means an archive file could not be decoded.
	ErrorTypeStructural ErrorType = "archive_structural_error"
	// ErrorTypeIdentityMismatch means environment or classpath are incompatible.
	ErrorTypeIdentityMismatch ErrorType = "identity_mismatch"
	// ErrorTypePerMethodUnusable means one method falls back to fresh compilation.
	ErrorTypePerMethodUnusable ErrorType = "per_method_unusable"
	// ErrorTypeMergeInputRejected means one input was excluded from a merge.
	ErrorTypeMergeInputRejected ErrorType = "merge_input_rejected"
)

// Error is the concrete error returned by archive components.
type Error struct {
	Type    ErrorType
	Message string
	Path    string // archive file, when one is involved
	Method  string // method identity, for per-method failures
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Method != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Method)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same type, so errors.Is(err, &Error{Type: t})
// works as a category test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Message == "" || t.Message == e.Message)
}

// IsType reports whether err carries the given category anywhere in its chain.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == t
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, err error) *Error {
	return &Error{Type: ErrorTypeConfiguration, Message: message, Err: err}
}

// NewStructuralError creates an archive structural error for path.
func NewStructuralError(path, message string, err error) *Error {
	return &Error{Type: ErrorTypeStructural, Message: message, Path: path, Err: err}
}

// NewIdentityMismatch creates an identity mismatch error for path.
func NewIdentityMismatch(path, message string) *Error {
	return &Error{Type: ErrorTypeIdentityMismatch, Message: message, Path: path}
}

// NewPerMethodUnusable creates a per-method error.
func NewPerMethodUnusable(method, message string, err error) *Error {
	return &Error{Type: ErrorTypePerMethodUnusable, Message: message, Method: method, Err: err}
}

// NewMergeInputRejected creates a merge rejection for one input archive.
func NewMergeInputRejected(path, message string, err error) *Error {
	return &Error{Type: ErrorTypeMergeInputRejected, Message: message, Path: path, Err: err}
}
