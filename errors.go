package statehistory

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the statehistory package.
var (
	// ErrDisposed is returned when operations are attempted on a disposed state system or backend.
	ErrDisposed = errors.New("state history is disposed")

	// ErrTimeRange is matched by every *TimeRangeError.
	ErrTimeRange = errors.New("timestamp out of range")

	// ErrAttributeNotFound is matched by every *AttributeNotFoundError.
	ErrAttributeNotFound = errors.New("attribute not found")

	// ErrStateValueType is matched by every *StateValueTypeError.
	ErrStateValueType = errors.New("state value type mismatch")

	// ErrCorruptHistory is returned when a history file fails validation.
	ErrCorruptHistory = errors.New("history file corrupted")

	// ErrValueTooLarge is returned for string values that do not fit the on-disk format.
	ErrValueTooLarge = errors.New("state value too large")

	// ErrAlreadyClosed is returned when a history is closed twice.
	ErrAlreadyClosed = errors.New("history already closed")

	// ErrStackEmpty is returned when popping an empty stack attribute.
	ErrStackEmpty = errors.New("stack attribute is empty")

	// ErrHistoryNotFound is returned when the catalog or an archive has no such history.
	ErrHistoryNotFound = errors.New("history not found")
)

// TimeRangeError reports a timestamp outside the valid range of a history,
// or a non-monotonic insertion.
type TimeRangeError struct {
	Op    string
	Time  int64
	Start int64
	End   int64
}

func (e *TimeRangeError) Error() string {
	return fmt.Sprintf("%s: time %d outside of range [%d, %d]", e.Op, e.Time, e.Start, e.End)
}

// Is implements error matching for TimeRangeError.
func (e *TimeRangeError) Is(target error) bool {
	return target == ErrTimeRange
}

func newTimeRangeError(op string, t, start, end int64) *TimeRangeError {
	return &TimeRangeError{Op: op, Time: t, Start: start, End: end}
}

// AttributeNotFoundError reports a quark or path that does not exist.
type AttributeNotFoundError struct {
	Quark Quark
	Path  []string
}

func (e *AttributeNotFoundError) Error() string {
	if e.Path != nil {
		return fmt.Sprintf("attribute not found: %q under quark %d", e.Path, e.Quark)
	}
	return fmt.Sprintf("attribute not found: quark %d", e.Quark)
}

// Is implements error matching for AttributeNotFoundError.
func (e *AttributeNotFoundError) Is(target error) bool {
	return target == ErrAttributeNotFound
}

// StateValueTypeError reports an access to a value as the wrong variant.
type StateValueTypeError struct {
	Want ValueType
	Got  ValueType
}

func (e *StateValueTypeError) Error() string {
	return fmt.Sprintf("state value is %s, not %s", e.Got, e.Want)
}

// Is implements error matching for StateValueTypeError.
func (e *StateValueTypeError) Is(target error) bool {
	return target == ErrStateValueType
}

// StorageErrorType categorizes storage errors.
type StorageErrorType int

const (
	// StorageErrorTypeUnknown is an unclassified storage error.
	StorageErrorTypeUnknown StorageErrorType = iota
	// StorageErrorTypeRead indicates a read failure.
	StorageErrorTypeRead
	// StorageErrorTypeWrite indicates a write failure.
	StorageErrorTypeWrite
	// StorageErrorTypeCorruption indicates data corruption.
	StorageErrorTypeCorruption
)

// StorageError provides detailed information about history file failures.
type StorageError struct {
	Type    StorageErrorType
	Message string
	Path    string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Path, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StorageError.
func (e *StorageError) Is(target error) bool {
	return e.Type == StorageErrorTypeCorruption && target == ErrCorruptHistory
}

func newStorageError(errType StorageErrorType, message, path string, cause error) *StorageError {
	return &StorageError{
		Type:    errType,
		Message: message,
		Path:    path,
		Cause:   cause,
	}
}
