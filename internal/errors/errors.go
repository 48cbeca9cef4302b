// Package errors holds the engine's error taxonomy. Every surfaced failure
// maps to a stable Code that decides retry, breaker and exit behavior.
package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error class mapped to process exit codes.
type Code int

const (
	CodeSuccess           Code = 0
	CodeInternal          Code = 1
	CodeConfig            Code = 2
	CodeValidation        Code = 10
	CodeNoRoute           Code = 11
	CodeNetwork           Code = 12
	CodeSecurity          Code = 13
	CodePartialCompletion Code = 14
	CodeQueueExhausted    Code = 15
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeConfig:
		return "config"
	case CodeValidation:
		return "validation"
	case CodeNoRoute:
		return "no_route"
	case CodeNetwork:
		return "network"
	case CodeSecurity:
		return "security"
	case CodePartialCompletion:
		return "partial_completion"
	case CodeQueueExhausted:
		return "queue_exhausted"
	default:
		return "internal"
	}
}

// Error is a typed engine error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorCode lets CodeOf classify *Error alongside package-specific types.
func (e *Error) ErrorCode() Code { return e.Code }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

type coder interface {
	ErrorCode() Code
}

// CodeOf returns the code of the outermost classified error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeInternal
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeSecurity, CodePartialCompletion:
		return true
	}
	return false
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	return int(CodeOf(err))
}
