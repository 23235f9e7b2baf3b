// Package errors provides the structured error taxonomy for tiercache with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for tiercache operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Tier errors
	ErrCodeTierUnavailable ErrorCode = "TIER_UNAVAILABLE"
	ErrCodeCodecFailed     ErrorCode = "CODEC_FAILED"

	// Load errors
	ErrCodeLoadTimeout  ErrorCode = "LOAD_TIMEOUT"
	ErrCodeLoaderFailed ErrorCode = "LOADER_FAILED"

	// Request errors
	ErrCodeInvalidKey ErrorCode = "INVALID_KEY"

	// Blob signing errors
	ErrCodeSigningFailed ErrorCode = "SIGNING_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTier          ErrorCategory = "tier"
	CategoryLoad          ErrorCategory = "load"
	CategoryRequest       ErrorCategory = "request"
	CategoryBlob          ErrorCategory = "blob"
	CategoryInternal      ErrorCategory = "internal"
)

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	Key       string `json:"key,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
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

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is matches any CacheError carrying the same code.
func (e *CacheError) Is(target error) bool {
	var other *CacheError
	if stderrors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *CacheError) String() string {
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
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Key=%s", e.Key))
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

	return fmt.Sprintf("CacheError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with default values.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig:
		return CategoryConfiguration
	case ErrCodeTierUnavailable, ErrCodeCodecFailed:
		return CategoryTier
	case ErrCodeLoadTimeout, ErrCodeLoaderFailed:
		return CategoryLoad
	case ErrCodeInvalidKey:
		return CategoryRequest
	case ErrCodeSigningFailed:
		return CategoryBlob
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// A load timeout means another instance was still loading; retrying the
// whole read usually finds the value cached.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeLoadTimeout, ErrCodeTierUnavailable:
		return true
	default:
		return false
	}
}

// WithDetail adds detailed information to an error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithKey sets the cache key the error concerns
func (e *CacheError) WithKey(key string) *CacheError {
	e.Key = key
	return e
}

// WithCause sets the underlying cause
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// Sentinels for errors.Is checks.
var (
	ErrLoadTimeout     = &CacheError{Code: ErrCodeLoadTimeout, Message: "load timed out"}
	ErrTierUnavailable = &CacheError{Code: ErrCodeTierUnavailable, Message: "tier unavailable"}
	ErrInvalidKey      = &CacheError{Code: ErrCodeInvalidKey, Message: "invalid key"}
)

// IsLoadTimeout reports whether err is a single-flight load timeout.
func IsLoadTimeout(err error) bool {
	return stderrors.Is(err, ErrLoadTimeout)
}

// IsTierUnavailable reports whether err reports an unreachable tier.
func IsTierUnavailable(err error) bool {
	return stderrors.Is(err, ErrTierUnavailable)
}

// Code extracts the error code from err, or ErrCodeInternalError when err
// carries none.
func Code(err error) ErrorCode {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternalError
}
