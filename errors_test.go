package statehistory

import (
	"errors"
	"fmt"
	"testing"
)

func TestTimeRangeError(t *testing.T) {
	err := newTimeRangeError("query", 42, 0, 10)
	if !errors.Is(err, ErrTimeRange) {
		t.Error("expected error to match ErrTimeRange")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	var tre *TimeRangeError
	if !errors.As(wrapped, &tre) {
		t.Fatal("expected errors.As to find *TimeRangeError")
	}
	if tre.Time != 42 || tre.End != 10 {
		t.Errorf("unexpected fields: %+v", tre)
	}
}

func TestAttributeNotFoundError(t *testing.T) {
	err := &AttributeNotFoundError{Quark: RootQuark, Path: []string{"a", "b"}}
	if !errors.Is(err, ErrAttributeNotFound) {
		t.Error("expected error to match ErrAttributeNotFound")
	}
	if errors.Is(err, ErrTimeRange) {
		t.Error("attribute error should not match ErrTimeRange")
	}
	if err.Error() == "" {
		t.Error("expected non-empty error message")
	}
}

func TestStateValueTypeError(t *testing.T) {
	_, err := StringValue("x").Long()
	if !errors.Is(err, ErrStateValueType) {
		t.Fatalf("expected ErrStateValueType, got %v", err)
	}
	var sve *StateValueTypeError
	if !errors.As(err, &sve) || sve.Want != TypeLong || sve.Got != TypeString {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStorageError(t *testing.T) {
	cause := errors.New("bad magic")
	err := newStorageError(StorageErrorTypeCorruption, "invalid header", "/data/h.ht", cause)
	if !errors.Is(err, ErrCorruptHistory) {
		t.Error("expected corruption error to match ErrCorruptHistory")
	}
	if !errors.Is(err, cause) {
		t.Error("expected error to unwrap to cause")
	}

	readErr := newStorageError(StorageErrorTypeRead, "read failed", "", nil)
	if errors.Is(readErr, ErrCorruptHistory) {
		t.Error("read error should not match ErrCorruptHistory")
	}
	if readErr.Error() != "read failed" {
		t.Errorf("unexpected message %q", readErr.Error())
	}
}
