package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// AuthenticationError represents a rejected credential (HTTP 401)
	AuthenticationError ErrorType = "authentication_error"
	// AuthorizationError represents a credential without access (HTTP 403)
	AuthorizationError ErrorType = "authorization_error"
	// NetworkError represents connection failures, resets and unexpected disconnects
	NetworkError ErrorType = "network_error"
	// ConfigurationError represents configuration problems
	ConfigurationError ErrorType = "configuration_error"
	// ValidationError represents input validation failures
	ValidationError ErrorType = "validation_error"
	// ServerError represents server-side failures
	ServerError ErrorType = "server_error"
	// TimeoutError represents connect, read and request timeouts
	TimeoutError ErrorType = "timeout_error"
	// MalformedPayloadError represents an undecodable JSON-RPC envelope
	MalformedPayloadError ErrorType = "malformed_payload_error"
	// RetryExhaustedError represents a connection that gave up after its retry ceiling
	RetryExhaustedError ErrorType = "retry_exhausted_error"
	// RemoteError represents a JSON-RPC error object returned by the peer
	RemoteError ErrorType = "remote_error"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(errorType ErrorType, message string) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errorType ErrorType, message string) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   err,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithStatusCode adds an HTTP status code to an AppError
func (e *AppError) WithStatusCode(code int) *AppError {
	e.StatusCode = code
	return e
}

// As returns the outermost AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if any AppError in err's chain is of a specific type
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Type == errorType {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsAuthFailure reports whether err means the credential itself is unusable.
// Such errors are never retried.
func IsAuthFailure(err error) bool {
	return IsType(err, AuthenticationError) || IsType(err, AuthorizationError)
}

// IsRetryable reports whether a connection attempt that failed with err may be
// retried.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		// Unclassified errors come from the network stack.
		return err != nil
	}
	switch appErr.Type {
	case NetworkError, TimeoutError, ServerError, ValidationError:
		return true
	default:
		return false
	}
}

// StatusCode returns the HTTP status code carried by err, or 500.
func StatusCode(err error) int {
	if appErr, ok := As(err); ok && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// Convenience constructors for common error types

// NewAuthenticationError creates an authentication error
func NewAuthenticationError(message string) *AppError {
	return New(AuthenticationError, message).WithStatusCode(http.StatusUnauthorized)
}

// NewAuthorizationError creates an authorization error
func NewAuthorizationError(message string) *AppError {
	return New(AuthorizationError, message).WithStatusCode(http.StatusForbidden)
}

// NewNetworkError creates a network error
func NewNetworkError(message string) *AppError {
	return New(NetworkError, message).WithStatusCode(http.StatusServiceUnavailable)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(message string) *AppError {
	return New(ConfigurationError, message).WithStatusCode(http.StatusInternalServerError)
}

// NewValidationError creates a validation error
func NewValidationError(message string) *AppError {
	return New(ValidationError, message).WithStatusCode(http.StatusBadRequest)
}

// NewServerError creates a server error
func NewServerError(message string) *AppError {
	return New(ServerError, message).WithStatusCode(http.StatusInternalServerError)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(message string) *AppError {
	return New(TimeoutError, message).WithStatusCode(http.StatusGatewayTimeout)
}

// NewMalformedPayloadError creates a malformed payload error
func NewMalformedPayloadError(message string) *AppError {
	return New(MalformedPayloadError, message).WithStatusCode(http.StatusBadGateway)
}

// NewRetryExhaustedError wraps the last attempt's failure after the retry
// ceiling was reached.
func NewRetryExhaustedError(attempts int, last error) *AppError {
	return Wrap(last, RetryExhaustedError, fmt.Sprintf("gave up after %d attempts", attempts)).
		WithStatusCode(http.StatusBadGateway)
}

// FromHTTPStatus creates an AppError from an HTTP status code
func FromHTTPStatus(statusCode int, message string) *AppError {
	var errorType ErrorType

	switch {
	case statusCode == http.StatusUnauthorized:
		errorType = AuthenticationError
	case statusCode == http.StatusForbidden:
		errorType = AuthorizationError
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		errorType = TimeoutError
	case statusCode >= 400 && statusCode < 500:
		errorType = ValidationError
	case statusCode >= 500:
		errorType = ServerError
	default:
		errorType = NetworkError
	}

	return New(errorType, message).WithStatusCode(statusCode)
}
