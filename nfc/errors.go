package nfc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a specific type of NFC error for programmatic handling.
type ErrorCode int

const (
	// Tag operation errors (100-199)
	ErrCodeNotSupported ErrorCode = iota + 100
	ErrCodeTagLost
	ErrCodeConnectFailed
	ErrCodeReadFailed
	ErrCodeNoTechnology
	ErrCodeInvalidTag
)

// NFCError provides structured error information for programmatic handling.
type NFCError struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "Connect", "MessageSize")
	TagUID  string // Optional: UID of tag involved
	Message string // Human-readable message
	Cause   error  // Underlying error
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

func (e *NFCError) Is(target error) bool {
	if t, ok := target.(*NFCError); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinel errors
var (
	// ErrIO indicates a generic input/output failure on the radio link.
	ErrIO = errors.New("radio I/O error")

	// ErrNoTechnology is returned when a tag exposes no technology the
	// read loop can connect with.
	ErrNoTechnology = &NFCError{Code: ErrCodeNoTechnology, Message: "no connectable technology found for tag"}

	// ErrNotEnabled is returned by adapters asked to discover while the
	// radio is switched off.
	ErrNotEnabled = errors.New("radio is disabled")
)

// NewNotSupportedError creates an error for unsupported operations.
func NewNotSupportedError(op string) *NFCError {
	return &NFCError{
		Code:    ErrCodeNotSupported,
		Op:      op,
		Message: "operation not supported",
	}
}

// NewTagLostError creates an error for a tag that left the field mid-operation.
func NewTagLostError(op string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeTagLost,
		Op:      op,
		Message: "tag was lost",
		Cause:   cause,
	}
}

// NewConnectError creates an error for a failed technology connect.
func NewConnectError(op, tagUID string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeConnectFailed,
		Op:      op,
		TagUID:  tagUID,
		Message: "connect failed",
		Cause:   cause,
	}
}

// NewReadError creates an error for read failures.
func NewReadError(op string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeReadFailed,
		Op:      op,
		Message: "read failed",
		Cause:   cause,
	}
}

// NewInvalidTagError creates an error for a malformed or missing tag
// delivered by discovery.
func NewInvalidTagError(message string) *NFCError {
	return &NFCError{
		Code:    ErrCodeInvalidTag,
		Op:      "Discovery",
		Message: message,
	}
}

// IsNotSupportedError checks if an error indicates an unsupported operation.
func IsNotSupportedError(err error) bool {
	if err == nil {
		return false
	}
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) && nfcErr.Code == ErrCodeNotSupported {
		return true
	}
	return strings.Contains(err.Error(), "not supported")
}

// IsTagLostError checks if an error indicates the tag left the field.
func IsTagLostError(err error) bool {
	if err == nil {
		return false
	}
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) && nfcErr.Code == ErrCodeTagLost {
		return true
	}
	// Fallback to string matching for driver errors
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "tag was lost") ||
		strings.Contains(errStr, "tag lost") ||
		strings.Contains(errStr, "target released") ||
		strings.Contains(errStr, "target was removed")
}

// IsIOError checks if an error is a generic radio I/O failure.
func IsIOError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrIO) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "input / output error") ||
		strings.Contains(errStr, "input/output error") ||
		strings.Contains(errStr, "i/o error") ||
		strings.Contains(errStr, "rf transmission error")
}

// IsTagDepartedError reports whether err means the tag simply went away:
// link loss or a generic I/O failure during connect or read. These are
// expected in a continuous read loop and are not surfaced as faults.
func IsTagDepartedError(err error) bool {
	return IsTagLostError(err) || IsIOError(err)
}

// GetErrorCode extracts the ErrorCode from an error if it's an NFCError.
// Returns 0 if the error is not an NFCError.
func GetErrorCode(err error) ErrorCode {
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr.Code
	}
	return 0
}

// Errorf creates an NFCError with a formatted message.
func Errorf(code ErrorCode, op, format string, args ...interface{}) *NFCError {
	return &NFCError{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}
