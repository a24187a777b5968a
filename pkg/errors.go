package pay

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	BadRequest             ErrorCode = "bad-request"
	InvalidCurrencyNetwork ErrorCode = "invalid-currency-network"
	AmountTooLow           ErrorCode = "amount-too-low"
	Unauthorized           ErrorCode = "unauthorized"
	NotAvailable           ErrorCode = "not-available"
	NotFound               ErrorCode = "not-found"
	TransportError         ErrorCode = "transport"
	UnknownError           ErrorCode = "unknown-error"
)

type ErrorInfo struct {
	Code    ErrorCode // machine-readble ErrorCode enumeration
	Message string    // human-readable debug message
}

func (e *ErrorInfo) Error() string {
	return string(e.Message)
}

func NewErr(code ErrorCode, format string, args ...any) error {
	return &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports errors raised locally before any network call.
// These are never retried.
func IsValidationError(err error) bool {
	return IsError(err, BadRequest) || IsError(err, InvalidCurrencyNetwork) || IsError(err, AmountTooLow)
}

// IsAuthError reports an expired or rejected session. Callers should send
// the user to re-authenticate rather than treat the payment as failed.
func IsAuthError(err error) bool {
	return IsError(err, Unauthorized)
}

func IsTransportError(err error) bool {
	return IsError(err, TransportError) || IsError(err, NotAvailable)
}

func IsNotFoundError(err error) bool {
	return IsError(err, NotFound)
}

func IsError(err error, ofType ErrorCode) bool {
	var e *ErrorInfo
	if errors.As(err, &e) {
		return e.Code == ofType
	}
	return false
}

// ErrorCodeOf returns the ErrorCode carried by err, or UnknownError.
func ErrorCodeOf(err error) ErrorCode {
	var e *ErrorInfo
	if errors.As(err, &e) {
		return e.Code
	}
	return UnknownError
}
