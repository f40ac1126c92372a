// Package errors provides the structured error type used across filecdn, with
// error codes, categories and default HTTP status mapping.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Connection errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Storage errors (ledger and blob store)
	ErrCodeBlobNotFound   ErrorCode = "BLOB_NOT_FOUND"
	ErrCodeStorageWrite   ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeStorageDelete  ErrorCode = "STORAGE_DELETE"
	ErrCodeLedgerCorrupt  ErrorCode = "STORAGE_CORRUPT"
	ErrCodeAccessDenied   ErrorCode = "ACCESS_DENIED"
	ErrCodeBucketNotFound ErrorCode = "BUCKET_NOT_FOUND"

	// Lookup errors
	ErrCodeFileNotFound  ErrorCode = "FILE_NOT_FOUND"
	ErrCodeInvalidToken  ErrorCode = "FILE_INVALID_TOKEN"
	ErrCodeInvalidDigest ErrorCode = "FILE_INVALID_DIGEST"

	// Resource errors
	ErrCodeLimitExceeded     ErrorCode = "LIMIT_EXCEEDED"
	ErrCodeCacheFull         ErrorCode = "CACHE_FULL"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// State errors
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Auth errors
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeCredentialsMissing   ErrorCode = "CREDENTIALS_MISSING"

	// Internal errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory groups error codes.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryLookup        ErrorCategory = "lookup"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryAuth          ErrorCategory = "auth"
	CategoryInternal      ErrorCategory = "internal"
)

// CDNError is a structured error with context and handling hints.
type CDNError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`
	HTTPStatus int  `json:"http_status,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *CDNError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *CDNError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CDNError with the same code.
func (e *CDNError) Is(target error) bool {
	if t, ok := target.(*CDNError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *CDNError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("RequestID=%s", e.RequestID))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("CDNError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error encoded as JSON.
func (e *CDNError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates an error with defaults derived from its code.
func NewError(code ErrorCode, message string) *CDNError {
	return &CDNError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Wrap creates an error with the given cause. A nil cause returns nil.
func Wrap(cause error, code ErrorCode, message string) *CDNError {
	if cause == nil {
		return nil
	}
	return NewError(code, message).WithCause(cause)
}

// HasCode reports whether any error in err's chain is a CDNError with code.
func HasCode(err error, code ErrorCode) bool {
	var cdnErr *CDNError
	for err != nil {
		if stderrors.As(err, &cdnErr) {
			if cdnErr.Code == code {
				return true
			}
			err = cdnErr.Cause
			continue
		}
		return false
	}
	return false
}

// HTTPStatusOf returns the HTTP status carried by err, or 500.
func HTTPStatusOf(err error) int {
	var cdnErr *CDNError
	if stderrors.As(err, &cdnErr) && cdnErr.HTTPStatus != 0 {
		return cdnErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetCategory determines the category from the code prefix.
func GetCategory(code ErrorCode) ErrorCategory {
	s := string(code)
	switch {
	case strings.HasPrefix(s, "INVALID_CONFIG") || strings.HasPrefix(s, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(s, "CONNECTION_") || strings.HasPrefix(s, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(s, "BLOB_") || strings.HasPrefix(s, "STORAGE_") ||
		strings.HasPrefix(s, "ACCESS_") || strings.HasPrefix(s, "BUCKET_"):
		return CategoryStorage
	case strings.HasPrefix(s, "FILE_"):
		return CategoryLookup
	case strings.HasPrefix(s, "LIMIT_") || strings.HasPrefix(s, "CACHE_") ||
		strings.HasPrefix(s, "RESOURCE_"):
		return CategoryResource
	case strings.HasPrefix(s, "ALREADY_") || strings.HasPrefix(s, "NOT_INITIALIZED") ||
		strings.HasPrefix(s, "SHUTDOWN_") || strings.HasPrefix(s, "SERVICE_"):
		return CategoryState
	case strings.HasPrefix(s, "OPERATION_") || strings.HasPrefix(s, "RETRY_") ||
		strings.HasPrefix(s, "VALIDATION_"):
		return CategoryOperation
	case strings.HasPrefix(s, "AUTHENTICATION_") || strings.HasPrefix(s, "CREDENTIALS_"):
		return CategoryAuth
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether an operation failing with code may be retried.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionTimeout, ErrCodeConnectionFailed, ErrCodeNetworkError,
		ErrCodeOperationTimeout, ErrCodeResourceExhausted, ErrCodeStorageRead,
		ErrCodeStorageWrite:
		return true
	}
	return false
}

// IsUserFacingByDefault reports whether the message may be shown to clients.
func IsUserFacingByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeFileNotFound,
		ErrCodeInvalidToken, ErrCodeLimitExceeded, ErrCodeValidationFailed,
		ErrCodeAuthenticationFailed, ErrCodeOperationTimeout:
		return true
	}
	return false
}

// GetDefaultHTTPStatus returns the default HTTP status for code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeValidationFailed,
		ErrCodeInvalidDigest:
		return http.StatusBadRequest
	case ErrCodeAuthenticationFailed, ErrCodeCredentialsMissing:
		return http.StatusUnauthorized
	case ErrCodeAccessDenied:
		return http.StatusForbidden
	case ErrCodeFileNotFound, ErrCodeInvalidToken, ErrCodeBlobNotFound, ErrCodeBucketNotFound:
		return http.StatusNotFound
	case ErrCodeAlreadyStarted:
		return http.StatusConflict
	case ErrCodeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case ErrCodeResourceExhausted:
		return http.StatusTooManyRequests
	case ErrCodeServiceUnavailable, ErrCodeShutdownInProgress:
		return http.StatusServiceUnavailable
	case ErrCodeOperationTimeout, ErrCodeConnectionTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// CaptureStack captures the current stack for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds a context key.
func (e *CDNError) WithContext(key, value string) *CDNError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds a detail value.
func (e *CDNError) WithDetail(key string, value interface{}) *CDNError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *CDNError) WithComponent(component string) *CDNError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *CDNError) WithOperation(operation string) *CDNError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *CDNError) WithCause(cause error) *CDNError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack.
func (e *CDNError) WithStack() *CDNError {
	e.Stack = CaptureStack(2)
	return e
}

// UserFacingMessage returns a message safe to send to clients.
func (e *CDNError) UserFacingMessage() string {
	if !e.UserFacing {
		return "internal error"
	}
	switch e.Code {
	case ErrCodeFileNotFound, ErrCodeInvalidToken:
		return "File not found"
	case ErrCodeAuthenticationFailed:
		return "Unauthorized"
	case ErrCodeLimitExceeded:
		return "Payload too large"
	}
	return e.Message
}
