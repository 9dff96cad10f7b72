package browser

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies failures so an automated caller knows whether a retry can help.
type ErrorType string

const (
	ErrConfig      ErrorType = "config_error"
	ErrConnection  ErrorType = "connection_error"
	ErrInteraction ErrorType = "browser_interaction_error"
	ErrValidation  ErrorType = "validation_error"
	ErrUnexpected  ErrorType = "unexpected_error"
)

// Code returns the machine-readable code for the error type.
func (t ErrorType) Code() string {
	switch t {
	case ErrConfig:
		return "E1001"
	case ErrConnection:
		return "E2001"
	case ErrInteraction:
		return "E3001"
	case ErrValidation:
		return "E4001"
	default:
		return "E9000"
	}
}

// Error is the structured failure returned by every exposed operation.
type Error struct {
	Type    ErrorType
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the machine-readable error code.
func (e *Error) Code() string { return e.Type.Code() }

func newError(t ErrorType, msg string, cause error, details map[string]interface{}) *Error {
	if details == nil {
		details = map[string]interface{}{}
	}
	return &Error{Type: t, Message: msg, Details: details, Err: cause}
}

func validationError(msg string, details map[string]interface{}) *Error {
	return newError(ErrValidation, msg, nil, details)
}

// AsError extracts a *Error from err, wrapping anything else as unexpected_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return newError(ErrUnexpected, err.Error(), err, nil)
}

// IsType reports whether err carries the given ErrorType.
func IsType(err error, t ErrorType) bool {
	var be *Error
	return errors.As(err, &be) && be.Type == t
}

// transientSignatures mark a page, context or target that vanished under us.
var transientSignatures = []string{
	"target closed",
	"page closed",
	"browser has been closed",
	"execution context was destroyed",
	"has been disposed",
}

// IsTransient reports whether err matches a self-heal signature.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
