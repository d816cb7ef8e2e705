package downloader

import (
	"errors"
	"fmt"
)

// ErrorClass represents the stage of the pipeline that produced an error
type ErrorClass int

const (
	// ClassResolution covers failures while turning a locator into items
	ClassResolution ErrorClass = iota
	// ClassAdmission covers failures while admitting a request into the queue
	ClassAdmission
	// ClassTransfer covers failures while moving bytes for a single item
	ClassTransfer
)

// String returns the string representation of the error class
func (ec ErrorClass) String() string {
	switch ec {
	case ClassResolution:
		return "resolution"
	case ClassAdmission:
		return "admission"
	case ClassTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// ErrorCode is the stable machine-readable identifier carried by every
// DownloadError. Codes are stored with items and shown in summaries, so
// their string values must not change between releases.
type ErrorCode string

const (
	// Resolution codes
	CodeInvalidLocator    ErrorCode = "invalid-locator"
	CodeUnsupportedFormat ErrorCode = "unsupported-format"
	CodeSourceUnreachable ErrorCode = "source-unreachable"
	CodeTruncated         ErrorCode = "truncated"
	CodePolicyBlocked     ErrorCode = "policy-blocked"

	// Admission codes
	CodeRateLimited    ErrorCode = "rate-limited"
	CodeQueueSaturated ErrorCode = "queue-saturated"

	// Transfer codes that warrant another attempt
	CodeTimeout          ErrorCode = "timeout"
	CodeUpstreamThrottle ErrorCode = "upstream-throttle"

	// Transfer codes that end the item immediately
	CodeInvalidFormat ErrorCode = "invalid-format"
	CodeQuotaExceeded ErrorCode = "quota-exceeded"
	CodeSourceRemoved ErrorCode = "source-removed"
)

// Class returns the pipeline stage a code belongs to
func (c ErrorCode) Class() ErrorClass {
	switch c {
	case CodeInvalidLocator, CodeUnsupportedFormat, CodeSourceUnreachable, CodeTruncated, CodePolicyBlocked:
		return ClassResolution
	case CodeRateLimited, CodeQueueSaturated:
		return ClassAdmission
	default:
		return ClassTransfer
	}
}

// Transient reports whether a failed attempt carrying this code may be retried
func (c ErrorCode) Transient() bool {
	switch c {
	case CodeTimeout, CodeUpstreamThrottle:
		return true
	default:
		return false
	}
}

// DownloadError represents a structured error produced by the pipeline
type DownloadError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Cause   error                  `json:"cause,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (de *DownloadError) Error() string {
	if de.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", de.Code, de.Message, de.Cause)
	}
	return fmt.Sprintf("%s: %s", de.Code, de.Message)
}

// Unwrap returns the underlying cause error
func (de *DownloadError) Unwrap() error {
	return de.Cause
}

// Class returns the pipeline stage that produced the error
func (de *DownloadError) Class() ErrorClass {
	return de.Code.Class()
}

// Transient reports whether the error warrants another attempt
func (de *DownloadError) Transient() bool {
	return de.Code.Transient()
}

// NewDownloadError creates a new DownloadError with the specified code and message
func NewDownloadError(code ErrorCode, message string) *DownloadError {
	return &DownloadError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewDownloadErrorWithCause creates a new DownloadError with a cause
func NewDownloadErrorWithCause(code ErrorCode, message string, cause error) *DownloadError {
	return &DownloadError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (de *DownloadError) WithContext(key string, value interface{}) *DownloadError {
	if de.Context == nil {
		de.Context = make(map[string]interface{})
	}
	de.Context[key] = value
	return de
}

// AsDownloadError unwraps err until it finds a DownloadError
func AsDownloadError(err error) (*DownloadError, bool) {
	var de *DownloadError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsDownloadError checks if an error is a DownloadError and optionally carries one of the given codes
func IsDownloadError(err error, codes ...ErrorCode) bool {
	de, ok := AsDownloadError(err)
	if !ok {
		return false
	}
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if de.Code == c {
			return true
		}
	}
	return false
}

// IsTransient reports whether err should be given another attempt. Errors
// that never passed through the pipeline's own classification default to
// permanent so an unclassified failure cannot retry forever.
func IsTransient(err error) bool {
	if de, ok := AsDownloadError(err); ok {
		return de.Transient()
	}
	return false
}
