package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeAuth         ErrorCode = "AUTH_FAILED"
	ErrCodeTransport    ErrorCode = "TRANSPORT"
	ErrCodeMaxRetries   ErrorCode = "MAX_RETRIES_EXCEEDED"
	ErrCodeRPC          ErrorCode = "RPC_ERROR"
	ErrCodeSignaling    ErrorCode = "SIGNALING"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeNotConnected ErrorCode = "NOT_CONNECTED"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to the status the status API answers with.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeAuth:
		return http.StatusUnauthorized
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotConnected:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeTransport, ErrCodeRPC, ErrCodeSignaling, ErrCodeMaxRetries:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// NewAuthError is returned when the coordinator rejects the auth payload. Never retried.
func NewAuthError(message string) *AppError {
	return NewAppError(ErrCodeAuth, message)
}

// NewTransportError wraps a socket or network failure.
func NewTransportError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeTransport, message)
}

// NewMaxRetriesExceeded is returned once the reconnect budget is spent.
func NewMaxRetriesExceeded(attempts int, cause error) *AppError {
	return WrapError(cause, ErrCodeMaxRetries, "maximum number of reconnection attempts exceeded").
		WithContext("attempts", attempts)
}

// NewSignalingError is returned when the SFU signaling socket refuses a join.
func NewSignalingError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeSignaling, message)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrCodeTimeout, fmt.Sprintf("%s timed out", operation))
}

func NewNotConnectedError(message string) *AppError {
	return NewAppError(ErrCodeNotConnected, message)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether any AppError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

func IsAuthError(err error) bool          { return HasCode(err, ErrCodeAuth) }
func IsTransportError(err error) bool     { return HasCode(err, ErrCodeTransport) }
func IsMaxRetriesExceeded(err error) bool { return HasCode(err, ErrCodeMaxRetries) }

// Messages that mark an SFU failure as transient.
var retryablePatterns = []string{
	"server is full",
	"server overloaded",
	"capacity exceeded",
	"try again later",
	"service unavailable",
	"connection timeout",
	"network error",
	"temporary failure",
	"connection refused",
	"connection reset",
}

// RPCError is an error code returned inside an SFU signaling response.
type RPCError struct {
	Method  string
	Code    int32
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s failed: code %d: %s", e.Method, e.Code, e.Message)
}

// IsRetryable reports whether the message matches a known transient condition.
func (e *RPCError) IsRetryable() bool {
	return IsRetryableMessage(e.Message)
}

// IsRetryableMessage matches msg case-insensitively against the retryable patterns.
func IsRetryableMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is an RPCError or signaling error worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *RPCError
	if stderrors.As(err, &rpcErr) {
		return rpcErr.IsRetryable()
	}
	if HasCode(err, ErrCodeSignaling) || HasCode(err, ErrCodeTransport) {
		return IsRetryableMessage(err.Error())
	}
	return false
}
