package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode is a machine-readable error classification shared by the HTTP
// envelope and the automation run log.
type ErrorCode string

const (
	// Request-shape errors.
	ErrCodeBadRequest   ErrorCode = "BAD_REQUEST"
	ErrCodeInvalidJSON  ErrorCode = "INVALID_JSON"
	ErrCodeBodyTooLarge ErrorCode = "BODY_TOO_LARGE"

	// Auth errors.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	// Size and abuse errors.
	ErrCodeDataURLTooLarge ErrorCode = "DATAURL_TOO_LARGE"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"

	// Dependency availability errors.
	ErrCodeCatalogUnavailable    ErrorCode = "WKTEAM_CATALOG_UNAVAILABLE"
	ErrCodeUpstreamNotConfigured ErrorCode = "UPSTREAM_NOT_CONFIGURED"

	// Remote-call errors.
	ErrCodeUpstreamHTTPError    ErrorCode = "UPSTREAM_HTTP_ERROR"
	ErrCodeUpstreamNetworkError ErrorCode = "UPSTREAM_NETWORK_ERROR"
	ErrCodeUpstreamTimeout      ErrorCode = "UPSTREAM_TIMEOUT"
	ErrCodeAIUpstreamError      ErrorCode = "AI_UPSTREAM_ERROR"
	ErrCodeAITimeout            ErrorCode = "AI_TIMEOUT"
	ErrCodeAIBadResponse        ErrorCode = "AI_BAD_RESPONSE"

	// Logical errors.
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnknownOperationID ErrorCode = "UNKNOWN_OPERATION_ID"
	ErrCodeBadConversationID  ErrorCode = "BAD_CONVERSATION_ID"

	// Everything a handler failed to classify.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured error carrying a code, a human message and an
// optional cause. It is the only error type the HTTP error handler and the
// automation recorder need to understand.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the code to the status the HTTP envelope should carry.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrCodeBadRequest, ErrCodeInvalidJSON, ErrCodeUnknownOperationID, ErrCodeBadConversationID:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeBodyTooLarge, ErrCodeDataURLTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeUpstreamHTTPError, ErrCodeUpstreamNetworkError, ErrCodeAIUpstreamError, ErrCodeAIBadResponse:
		return http.StatusBadGateway
	case ErrCodeCatalogUnavailable, ErrCodeUpstreamNotConfigured:
		return http.StatusServiceUnavailable
	case ErrCodeUpstreamTimeout, ErrCodeAITimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Convenience constructors for the common cases.

func BadRequest(msg string) *Error {
	return &Error{Code: ErrCodeBadRequest, Message: msg}
}

func InvalidJSON(cause error) *Error {
	return &Error{Code: ErrCodeInvalidJSON, Message: "request body is not valid JSON", Cause: cause}
}

func Unauthorized(msg string) *Error {
	return &Error{Code: ErrCodeUnauthorized, Message: msg}
}

func Forbidden(msg string) *Error {
	return &Error{Code: ErrCodeForbidden, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: msg}
}

func RateLimited(msg string) *Error {
	return &Error{Code: ErrCodeRateLimited, Message: msg}
}

func DataURLTooLarge(limit int64) *Error {
	return &Error{Code: ErrCodeDataURLTooLarge, Message: fmt.Sprintf("payload exceeds the %d byte data URL cap", limit)}
}

func CatalogUnavailable() *Error {
	return &Error{Code: ErrCodeCatalogUnavailable, Message: "operation catalog is not loaded"}
}

func UpstreamNotConfigured() *Error {
	return &Error{Code: ErrCodeUpstreamNotConfigured, Message: "upstream provider base URL is not configured"}
}

func UnknownOperationID(id string) *Error {
	return &Error{Code: ErrCodeUnknownOperationID, Message: fmt.Sprintf("operation %q is not in the catalog", id)}
}

func BadConversationID(id string) *Error {
	return &Error{Code: ErrCodeBadConversationID, Message: fmt.Sprintf("conversation id %q is not provider-addressable", id)}
}

func Internal(cause error) *Error {
	return &Error{Code: ErrCodeInternal, Message: "internal error", Cause: cause}
}

// Wrap attaches a code and message to an existing error.
func Wrap(cause error, code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// IsCode reports whether err is a structured error with the given code.
func IsCode(err error, code ErrorCode) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}

// CodeOf extracts the code from any error, falling back to defaultCode for
// errors produced outside this package.
func CodeOf(err error, defaultCode ErrorCode) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return defaultCode
}
