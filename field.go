package horizondb

import (
	"fmt"
	"math"
	"time"

	"github.com/xiashuijun/horizondb/internal/encoding"
)

// TimestampUnit is the resolution of a series' timestamps.
type TimestampUnit byte

const (
	Millisecond TimestampUnit = iota
	Microsecond
	Nanosecond
)

// Duration converts d into the number of timestamp units it spans.
func (u TimestampUnit) Duration(d time.Duration) int64 {
	switch u {
	case Millisecond:
		return d.Milliseconds()
	case Microsecond:
		return d.Microseconds()
	default:
		return d.Nanoseconds()
	}
}

// Time converts the timestamp value ts into a time.Time.
func (u TimestampUnit) Time(ts int64) time.Time {
	switch u {
	case Millisecond:
		return time.UnixMilli(ts)
	case Microsecond:
		return time.UnixMicro(ts)
	default:
		return time.Unix(0, ts)
	}
}

// Timestamp converts t into a timestamp value in this unit.
func (u TimestampUnit) Timestamp(t time.Time) int64 {
	switch u {
	case Millisecond:
		return t.UnixMilli()
	case Microsecond:
		return t.UnixMicro()
	default:
		return t.UnixNano()
	}
}

// Millis converts the timestamp value ts into Unix milliseconds.
func (u TimestampUnit) Millis(ts int64) int64 {
	switch u {
	case Millisecond:
		return ts
	case Microsecond:
		return ts / 1e3
	default:
		return ts / 1e6
	}
}

// FieldKind identifies the type of a field value.
type FieldKind byte

const (
	FieldTimestamp FieldKind = iota
	FieldInt64
	FieldDecimal
	FieldByte
)

func (k FieldKind) String() string {
	switch k {
	case FieldTimestamp:
		return "timestamp"
	case FieldInt64:
		return "int64"
	case FieldDecimal:
		return "decimal"
	case FieldByte:
		return "byte"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Field is a single typed value within a record. Decimals are stored as
// mantissa plus base-10 exponent so that deltas stay integral; all other
// kinds use Int alone.
type Field struct {
	Kind FieldKind
	Int  int64
	Exp  int8
}

// TimestampField builds a timestamp field holding ts.
func TimestampField(ts int64) Field {
	return Field{Kind: FieldTimestamp, Int: ts}
}

// Int64Field builds an integer field.
func Int64Field(v int64) Field {
	return Field{Kind: FieldInt64, Int: v}
}

// DecimalField builds a decimal field representing mantissa*10^exp.
func DecimalField(mantissa int64, exp int8) Field {
	return Field{Kind: FieldDecimal, Int: mantissa, Exp: exp}
}

// ByteField builds a one-byte integer field.
func ByteField(v byte) Field {
	return Field{Kind: FieldByte, Int: int64(v)}
}

// Float64 returns the field value as a float, mostly useful for decimals.
func (f Field) Float64() float64 {
	if f.Kind == FieldDecimal {
		return float64(f.Int) * math.Pow10(int(f.Exp))
	}
	return float64(f.Int)
}

// Equal reports whether f and other hold the same value.
func (f Field) Equal(other Field) bool {
	return f.Kind == other.Kind && f.Int == other.Int && f.Exp == other.Exp
}

// appendDelta appends the wire form of f relative to prev. An unchanged
// field encodes as a zero delta, one varint byte per component.
func (f Field) appendDelta(dst []byte, prev Field) []byte {
	dst = encoding.MarshalZigZag(dst, f.Int-prev.Int)
	if f.Kind == FieldDecimal {
		dst = encoding.MarshalZigZag(dst, int64(f.Exp)-int64(prev.Exp))
	}
	return dst
}

// decodeFieldDelta reads one field of the given kind from src, applying the
// delta on top of prev. It returns the field and the bytes consumed.
func decodeFieldDelta(src []byte, kind FieldKind, prev Field) (Field, int, error) {
	d, n, err := encoding.UnmarshalZigZag(src)
	if err != nil {
		return Field{}, 0, err
	}
	f := Field{Kind: kind, Int: prev.Int + d, Exp: prev.Exp}
	if kind == FieldDecimal {
		e, m, err := encoding.UnmarshalZigZag(src[n:])
		if err != nil {
			return Field{}, 0, err
		}
		f.Exp = int8(int64(prev.Exp) + e)
		n += m
	}
	return f, n, nil
}
