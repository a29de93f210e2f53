package statehistory

import (
	"math"
	"strconv"
)

// ValueType identifies the variant held by a Value. The numeric codes are
// part of the on-disk interval format.
type ValueType uint8

const (
	TypeNull   ValueType = 0
	TypeInt    ValueType = 1
	TypeLong   ValueType = 2
	TypeDouble ValueType = 3
	TypeString ValueType = 4
)

func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInt:
		return "int"
	case TypeLong:
		return "long"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Value is an immutable state value: null, a 32-bit int, a 64-bit long, a
// double or a string. The zero Value is null.
type Value struct {
	typ ValueType
	num int64
	str string
}

// NullValue returns the null value.
func NullValue() Value { return Value{} }

// IntValue returns an int value.
func IntValue(v int32) Value { return Value{typ: TypeInt, num: int64(v)} }

// LongValue returns a long value.
func LongValue(v int64) Value { return Value{typ: TypeLong, num: v} }

// DoubleValue returns a double value.
func DoubleValue(v float64) Value {
	return Value{typ: TypeDouble, num: int64(math.Float64bits(v))}
}

// StringValue returns a string value.
func StringValue(v string) Value { return Value{typ: TypeString, str: v} }

// Type returns the variant of v.
func (v Value) Type() ValueType { return v.typ }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.typ == TypeNull }

// Int returns the int held by v.
func (v Value) Int() (int32, error) {
	if v.typ != TypeInt {
		return 0, &StateValueTypeError{Want: TypeInt, Got: v.typ}
	}
	return int32(v.num), nil
}

// Long returns the long held by v.
func (v Value) Long() (int64, error) {
	if v.typ != TypeLong {
		return 0, &StateValueTypeError{Want: TypeLong, Got: v.typ}
	}
	return v.num, nil
}

// Double returns the double held by v.
func (v Value) Double() (float64, error) {
	if v.typ != TypeDouble {
		return 0, &StateValueTypeError{Want: TypeDouble, Got: v.typ}
	}
	return math.Float64frombits(uint64(v.num)), nil
}

// Str returns the string held by v.
func (v Value) Str() (string, error) {
	if v.typ != TypeString {
		return "", &StateValueTypeError{Want: TypeString, Got: v.typ}
	}
	return v.str, nil
}

// Equal reports whether v and o hold the same variant and payload. Doubles
// compare by bit pattern.
func (v Value) Equal(o Value) bool {
	return v.typ == o.typ && v.num == o.num && v.str == o.str
}

func (v Value) String() string {
	switch v.typ {
	case TypeInt, TypeLong:
		return strconv.FormatInt(v.num, 10)
	case TypeDouble:
		return strconv.FormatFloat(math.Float64frombits(uint64(v.num)), 'g', -1, 64)
	case TypeString:
		return strconv.Quote(v.str)
	default:
		return "null"
	}
}

// payloadSize is the size of the inline value field of an interval record.
func (v Value) payloadSize() int {
	switch v.typ {
	case TypeInt, TypeString:
		return 4
	case TypeLong, TypeDouble:
		return 8
	default:
		return 0
	}
}

// stringSize is the size of the string section entry for v.
func (v Value) stringSize() int {
	if v.typ != TypeString {
		return 0
	}
	return 2 + len(v.str)
}
