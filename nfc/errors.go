package nfc

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory is the closed taxonomy every engine failure is mapped to.
type ErrorCategory string

const (
	CategoryHardwareNotAvailable ErrorCategory = "HARDWARE_NOT_AVAILABLE"
	CategoryTagNotDetected       ErrorCategory = "TAG_NOT_DETECTED"
	CategoryTagEmpty             ErrorCategory = "TAG_EMPTY"
	CategoryTagReadOnly          ErrorCategory = "TAG_READ_ONLY"
	CategoryCapacityExceeded     ErrorCategory = "CAPACITY_EXCEEDED"
	CategoryConnectionLost       ErrorCategory = "CONNECTION_LOST"
	CategoryTimeout              ErrorCategory = "TIMEOUT"
	CategoryCancelled            ErrorCategory = "CANCELLED"
	CategoryDeviceNotFound       ErrorCategory = "DEVICE_NOT_FOUND"
	CategoryAPIError             ErrorCategory = "API_ERROR"
	CategoryInvalidData          ErrorCategory = "INVALID_DATA"
	CategoryWriteFailed          ErrorCategory = "WRITE_FAILED"
	CategoryReadFailed           ErrorCategory = "READ_FAILED"
	CategoryUnknown              ErrorCategory = "UNKNOWN"
)

// categoryMessages holds the single user-facing sentence of each category.
var categoryMessages = map[ErrorCategory]string{
	CategoryHardwareNotAvailable: "NFC is not available on this device. Check that NFC is supported and turned on.",
	CategoryTagNotDetected:       "No NFC tag was detected. Hold the tag near the back of your device and try again.",
	CategoryTagEmpty:             "The NFC tag is empty.",
	CategoryTagReadOnly:          "This NFC tag is read-only and cannot be written.",
	CategoryCapacityExceeded:     "The data is too large to fit on this NFC tag.",
	CategoryConnectionLost:       "The connection to the NFC tag was lost. Keep the tag still and try again.",
	CategoryTimeout:              "The NFC operation timed out. Please try again.",
	CategoryCancelled:            "The NFC operation was cancelled.",
	CategoryDeviceNotFound:       "The device could not be found.",
	CategoryAPIError:             "The server could not process the request. Please try again later.",
	CategoryInvalidData:          "The data on the NFC tag is invalid or could not be understood.",
	CategoryWriteFailed:          "Writing to the NFC tag failed. Please try again.",
	CategoryReadFailed:           "Reading the NFC tag failed. Please try again.",
	CategoryUnknown:              "An unexpected NFC error occurred. Please try again.",
}

// Categories returns every category in classification order followed by UNKNOWN.
func Categories() []ErrorCategory {
	out := make([]ErrorCategory, 0, len(classificationRules)+1)
	for _, rule := range classificationRules {
		out = append(out, rule.category)
	}
	return append(out, CategoryUnknown)
}

// Message returns the user-facing sentence for the category.
func (c ErrorCategory) Message() string {
	if msg, ok := categoryMessages[c]; ok {
		return msg
	}
	return categoryMessages[CategoryUnknown]
}

// IsReportable reports whether failures of this category belong in error
// telemetry. Cancellation is an expected user action.
func (c ErrorCategory) IsReportable() bool {
	return c != CategoryCancelled
}

// IsTransient reports whether an operation failing with this category may be
// retried locally.
func (c ErrorCategory) IsTransient() bool {
	return c == CategoryConnectionLost || c == CategoryTimeout
}

type classificationRule struct {
	category ErrorCategory
	keywords []string
}

// classificationRules is ordered; the first rule with a matching keyword wins.
// Cancellation comes first so "cancelled ... failed" never reads as a failure,
// and the specific tag/connection rules come before the generic read/write ones.
var classificationRules = []classificationRule{
	{CategoryCancelled, []string{"cancelled", "canceled", "user cancel", "session invalidated by user", "aborted"}},
	{CategoryHardwareNotAvailable, []string{"nfc not supported", "nfc is not supported", "nfc disabled", "nfc is disabled", "nfc not enabled", "nfc is not enabled", "nfc unavailable", "nfc is unavailable", "no nfc", "hardware not available"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryTagReadOnly, []string{"read-only", "read only", "readonly", "not writable", "write protected", "write-protected"}},
	{CategoryCapacityExceeded, []string{"capacity", "too large", "exceeds", "not enough space", "insufficient space", "message too long"}},
	{CategoryConnectionLost, []string{"tag was lost", "tag lost", "connection lost", "tag removed", "card was removed", "tag connection", "transceive failed", "i/o", "ioexception", "broken pipe"}},
	{CategoryTagNotDetected, []string{"no tag", "tag not found", "tag not detected", "not detected", "no card"}},
	{CategoryTagEmpty, []string{"tag is empty", "empty tag", "no ndef", "no records", "ndef message is empty"}},
	{CategoryDeviceNotFound, []string{"device not found", "no device", "not found"}},
	{CategoryAPIError, []string{"api error", "http", "network", "server error", "status code"}},
	{CategoryInvalidData, []string{"invalid", "malformed", "parse", "json", "unexpected token", "syntax error", "decode"}},
	{CategoryWriteFailed, []string{"write", "writendef"}},
	{CategoryReadFailed, []string{"read"}},
}

// ClassifyMessage maps raw error text to a category. It is total: anything
// unmatched is UNKNOWN.
func ClassifyMessage(message string) ErrorCategory {
	lower := strings.ToLower(message)
	if strings.TrimSpace(lower) == "" {
		return CategoryUnknown
	}
	for _, rule := range classificationRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

// Classify maps an error to a category. Typed errors are checked first, then
// the error text.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) && nfcErr.Category != "" {
		return nfcErr.Category
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return ClassifyMessage(err.Error())
}

// Domain codes for failures the engine detects itself. Classified platform
// errors use their category name as code.
const (
	CodeBusy              = "BUSY"
	CodeEmptyPayload      = "EMPTY_PAYLOAD"
	CodeMissingPassword   = "MISSING_PASSWORD"
	CodeNotLocked         = "NOT_LOCKED"
	CodeAlreadyLocked     = "ALREADY_LOCKED"
	CodePasswordMismatch  = "PASSWORD_MISMATCH"
	CodeLockNotSupported  = "LOCK_NOT_SUPPORTED"
	CodeFormatUnsupported = "FORMAT_UNSUPPORTED"
)

var codeMessages = map[string]string{
	CodeBusy:              "Another NFC operation is already in progress.",
	CodeEmptyPayload:      "There is nothing to write. Add at least one field.",
	CodeMissingPassword:   "A password is required.",
	CodeNotLocked:         "This NFC tag is not locked.",
	CodeAlreadyLocked:     "This NFC tag is already locked. Unlock it first.",
	CodePasswordMismatch:  "Incorrect password. The tag remains locked.",
	CodeLockNotSupported:  "Locking is not supported on this NFC tag.",
	CodeFormatUnsupported: "This NFC tag could not be formatted. The device may be incompatible with it.",
}

// NFCError provides structured error information for programmatic handling.
type NFCError struct {
	Category ErrorCategory
	Code     string // Domain code; empty for classified platform errors
	Op       string // Operation that failed (e.g., "Write", "ReadNdef")
	Message  string // Technical message, kept for diagnostics
	Cause    error  // Underlying error
}

func (e *NFCError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *NFCError) Unwrap() error {
	return e.Cause
}

// Is matches another *NFCError by code when both carry one, otherwise by category.
func (e *NFCError) Is(target error) bool {
	t, ok := target.(*NFCError)
	if !ok {
		return false
	}
	if e.Code != "" || t.Code != "" {
		return e.Code == t.Code
	}
	return e.Category == t.Category
}

// UserMessage returns the sentence shown to the user.
func (e *NFCError) UserMessage() string {
	if msg, ok := codeMessages[e.Code]; ok {
		return msg
	}
	return e.Category.Message()
}

// Sentinel errors for errors.Is checks.
var (
	ErrBusy             = &NFCError{Category: CategoryHardwareNotAvailable, Code: CodeBusy, Message: "operation in progress"}
	ErrEmptyPayload     = &NFCError{Category: CategoryInvalidData, Code: CodeEmptyPayload, Message: "payload is empty"}
	ErrMissingPassword  = &NFCError{Category: CategoryInvalidData, Code: CodeMissingPassword, Message: "password is empty"}
	ErrNotLocked        = &NFCError{Category: CategoryInvalidData, Code: CodeNotLocked, Message: "tag is not locked"}
	ErrAlreadyLocked    = &NFCError{Category: CategoryInvalidData, Code: CodeAlreadyLocked, Message: "tag is already locked"}
	ErrPasswordMismatch = &NFCError{Category: CategoryInvalidData, Code: CodePasswordMismatch, Message: "password does not match"}
	ErrLockNotSupported = &NFCError{Category: CategoryHardwareNotAvailable, Code: CodeLockNotSupported, Message: "no lock strategy supports this tag"}
	ErrFormatFailed     = &NFCError{Category: CategoryUnknown, Code: CodeFormatUnsupported, Message: "no format path succeeded"}
	ErrCancelled        = &NFCError{Category: CategoryCancelled, Message: "operation cancelled"}
	ErrTagNotDetected   = &NFCError{Category: CategoryTagNotDetected, Message: "no tag in field"}
)

// NewError creates an NFCError of the given category.
func NewError(category ErrorCategory, op, message string, cause error) *NFCError {
	return &NFCError{
		Category: category,
		Op:       op,
		Message:  message,
		Cause:    cause,
	}
}

// withCause returns a copy of a sentinel error bound to an operation and cause.
func withCause(sentinel *NFCError, op string, cause error) *NFCError {
	e := *sentinel
	e.Op = op
	e.Cause = cause
	return &e
}

// NewCapacityError reports a payload that does not fit even after compaction.
func NewCapacityError(op string, originalSize, compactSize, maxSize int) *NFCError {
	return &NFCError{
		Category: CategoryCapacityExceeded,
		Op:       op,
		Message:  fmt.Sprintf("payload needs %d bytes (%d bytes compacted) but tag holds %d", originalSize, compactSize, maxSize),
	}
}

// NewNotSupportedError creates an error for unsupported operations.
func NewNotSupportedError(op string) *NFCError {
	return &NFCError{
		Category: CategoryHardwareNotAvailable,
		Op:       op,
		Message:  "operation not supported",
	}
}

// IsNotSupportedError checks if an error indicates an unsupported operation.
func IsNotSupportedError(err error) bool {
	if err == nil {
		return false
	}
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) && nfcErr.Message == "operation not supported" {
		return true
	}
	// Fallback to string matching for platform errors
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "not supported") ||
		strings.Contains(errStr, "unsupported")
}
