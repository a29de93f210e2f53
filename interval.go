package statehistory

import (
	"encoding/binary"
	"fmt"
	"math"
)

// intervalFixedSize is start(8) + end(8) + quark(4) + value type(1).
const intervalFixedSize = 21

// maxStringLength is the largest string payload an interval can carry.
const maxStringLength = math.MaxUint16

// Interval is a value held constant by one attribute over [Start, End].
// Intervals are immutable once created.
type Interval struct {
	Start int64
	End   int64
	Quark Quark
	Value Value
}

// NewInterval validates and creates an interval.
func NewInterval(start, end int64, quark Quark, value Value) (*Interval, error) {
	if start > end {
		return nil, newTimeRangeError("interval", end, start, end)
	}
	if value.Type() == TypeString && len(value.str) > maxStringLength {
		return nil, fmt.Errorf("string of %d bytes for quark %d: %w", len(value.str), quark, ErrValueTooLarge)
	}
	return &Interval{Start: start, End: end, Quark: quark, Value: value}, nil
}

// Contains reports whether t lies within [Start, End].
func (iv *Interval) Contains(t int64) bool {
	return iv.Start <= t && t <= iv.End
}

// EncodedSize is the number of block bytes the interval occupies, record and
// string entry together.
func (iv *Interval) EncodedSize() int {
	return iv.recordSize() + iv.Value.stringSize()
}

func (iv *Interval) recordSize() int {
	return intervalFixedSize + iv.Value.payloadSize()
}

func (iv *Interval) String() string {
	return fmt.Sprintf("[%d, %d] quark=%d value=%s", iv.Start, iv.End, iv.Quark, iv.Value)
}

// encode writes the interval record at block[pos:] and its string entry, if
// any, so that it ends at stringEnd. It returns the new start of the string
// section.
func (iv *Interval) encode(block []byte, pos, stringEnd int) int {
	le := binary.LittleEndian
	le.PutUint64(block[pos:], uint64(iv.Start))
	le.PutUint64(block[pos+8:], uint64(iv.End))
	le.PutUint32(block[pos+16:], uint32(iv.Quark))
	block[pos+20] = byte(iv.Value.typ)
	p := pos + intervalFixedSize
	switch iv.Value.typ {
	case TypeInt:
		le.PutUint32(block[p:], uint32(int32(iv.Value.num)))
	case TypeLong, TypeDouble:
		le.PutUint64(block[p:], uint64(iv.Value.num))
	case TypeString:
		stringEnd -= iv.Value.stringSize()
		le.PutUint32(block[p:], uint32(stringEnd))
		le.PutUint16(block[stringEnd:], uint16(len(iv.Value.str)))
		copy(block[stringEnd+2:], iv.Value.str)
	}
	return stringEnd
}

// decodeInterval reads the interval record at block[pos:] and returns it with
// the record size.
func decodeInterval(block []byte, pos int) (*Interval, int, error) {
	if pos+intervalFixedSize > len(block) {
		return nil, 0, fmt.Errorf("interval record at %d: %w", pos, ErrCorruptHistory)
	}
	le := binary.LittleEndian
	iv := &Interval{
		Start: int64(le.Uint64(block[pos:])),
		End:   int64(le.Uint64(block[pos+8:])),
		Quark: Quark(int32(le.Uint32(block[pos+16:]))),
	}
	typ := ValueType(block[pos+20])
	p := pos + intervalFixedSize
	switch typ {
	case TypeNull:
	case TypeInt:
		if p+4 > len(block) {
			return nil, 0, fmt.Errorf("int payload at %d: %w", p, ErrCorruptHistory)
		}
		iv.Value = IntValue(int32(le.Uint32(block[p:])))
	case TypeLong, TypeDouble:
		if p+8 > len(block) {
			return nil, 0, fmt.Errorf("%s payload at %d: %w", typ, p, ErrCorruptHistory)
		}
		iv.Value = Value{typ: typ, num: int64(le.Uint64(block[p:]))}
	case TypeString:
		if p+4 > len(block) {
			return nil, 0, fmt.Errorf("string offset at %d: %w", p, ErrCorruptHistory)
		}
		off := int(le.Uint32(block[p:]))
		if off+2 > len(block) {
			return nil, 0, fmt.Errorf("string entry at %d: %w", off, ErrCorruptHistory)
		}
		n := int(le.Uint16(block[off:]))
		if off+2+n > len(block) {
			return nil, 0, fmt.Errorf("string of %d bytes at %d: %w", n, off, ErrCorruptHistory)
		}
		iv.Value = StringValue(string(block[off+2 : off+2+n]))
	default:
		return nil, 0, fmt.Errorf("unknown value type %d: %w", typ, ErrCorruptHistory)
	}
	if iv.Start > iv.End {
		return nil, 0, fmt.Errorf("interval [%d, %d]: %w", iv.Start, iv.End, ErrCorruptHistory)
	}
	return iv, intervalFixedSize + iv.Value.payloadSize(), nil
}
