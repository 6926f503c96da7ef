package proto

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/dbregion/regioncore/util"
)

// ValueKind tags the variant carried by a Value (§3).
type ValueKind int8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat
	KindDouble
	KindString
	KindDate
	KindTime
	KindDatetime
	KindTimestamp
	KindHLL
	KindPlaceholder
)

// Value is a tagged scalar. Only the field matching Kind is meaningful;
// integers of every width share i64/u64, floats share f64, DATE/TIME/
// TIMESTAMP are packed into u64 and DATETIME into i64, and string/HLL
// payloads share raw.
type Value struct {
	Kind ValueKind
	i64  int64
	u64  uint64
	f64  float64
	raw  []byte
}

func NullValue() Value             { return Value{Kind: KindNull} }
func Int64Value(i int64) Value     { return Value{Kind: KindInt64, i64: i} }
func Uint64Value(u uint64) Value   { return Value{Kind: KindUint64, u64: u} }
func DoubleValue(f float64) Value  { return Value{Kind: KindDouble, f64: f} }
// StringValue wraps s without copying it: raw is never written back to
// once a Value exists (only read by String/Bytes/Compare/Hash), so the
// zero-copy view is safe as long as the caller doesn't mutate s afterward.
func StringValue(s string) Value { return Value{Kind: KindString, raw: util.StringsToBytes(s)} }
func HLLValue(sketch []byte) Value { return Value{Kind: KindHLL, raw: sketch} }
func PlaceholderValue() Value      { return Value{Kind: KindPlaceholder} }

func BoolValue(b bool) Value {
	v := Value{Kind: KindBool}
	if b {
		v.i64 = 1
	}
	return v
}

// DateValue packs Y-M-D into the 32-bit representation described in §3.
// Like TimeValue and TimestampValue (but unlike DatetimeValue, which can
// predate 1970) it is non-negative, so it is carried in u64 rather than
// i64; asInt64/asUint64/EncodeValue all read DATE/TIME/TIMESTAMP through
// that same field.
func DateValue(year int, month, day uint8) Value {
	packed := uint32(year)<<16 | uint32(month)<<8 | uint32(day)
	return Value{Kind: KindDate, u64: uint64(packed)}
}

// DatePacked reconstructs a DATE value from the packed Y-M-D representation
// DateValue produces, used by codec's DecodeValue to round-trip a decoded
// DATE without re-deriving year/month/day.
func DatePacked(packed uint64) Value { return Value{Kind: KindDate, u64: packed} }

// TimeValue packs a microsecond-of-day time value.
func TimeValue(microsSinceMidnight uint64) Value {
	return Value{Kind: KindTime, u64: microsSinceMidnight}
}

// TimestampValue packs a microsecond-since-epoch instant. Unlike
// DATETIME, TIMESTAMP never predates the epoch, so it shares DATE/TIME's
// unsigned u64 lane instead of DATETIME's signed i64 one.
func TimestampValue(microsSinceEpoch uint64) Value {
	return Value{Kind: KindTimestamp, u64: microsSinceEpoch}
}

// DatetimeValue packs a 64-bit microsecond-precision timestamp.
func DatetimeValue(microsSinceEpoch int64) Value {
	return Value{Kind: KindDatetime, i64: microsSinceEpoch}
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) Bool() bool      { return v.i64 != 0 }
func (v Value) Int64() int64    { return v.i64 }
func (v Value) Uint64() uint64  { return v.u64 }
func (v Value) Double() float64 { return v.f64 }
func (v Value) String() string  { return string(v.raw) }
func (v Value) Bytes() []byte   { return v.raw }

func isIntKind(k ValueKind) bool {
	switch k {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return true
	}
	return false
}

func isUintKind(k ValueKind) bool {
	switch k {
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return true
	}
	return false
}

func isFloatKind(k ValueKind) bool {
	return k == KindFloat || k == KindDouble
}

func isTemporalKind(k ValueKind) bool {
	switch k {
	case KindDate, KindTime, KindDatetime, KindTimestamp:
		return true
	}
	return false
}

// canonicalKind picks the conversion target for comparing/promoting two
// kinds, per the preference order in §3: DATETIME whenever either side is
// temporal, else UINT64 if either side is unsigned, else INT64, else
// DOUBLE, else STRING.
func canonicalKind(a, b ValueKind) ValueKind {
	if isTemporalKind(a) || isTemporalKind(b) {
		return KindDatetime
	}
	if isUintKind(a) || isUintKind(b) {
		return KindUint64
	}
	if isIntKind(a) || isIntKind(b) {
		return KindInt64
	}
	if isFloatKind(a) || isFloatKind(b) {
		return KindDouble
	}
	return KindString
}

func (v Value) asInt64() int64 {
	switch {
	case isIntKind(v.Kind):
		return v.i64
	case isUintKind(v.Kind):
		return int64(v.u64)
	case isFloatKind(v.Kind):
		return int64(v.f64)
	case v.Kind == KindDatetime:
		return v.i64
	case isTemporalKind(v.Kind):
		// DATE/TIME/TIMESTAMP are packed into u64 (see DateValue); only
		// DATETIME uses the signed i64 lane.
		return int64(v.u64)
	default:
		return v.i64
	}
}

func (v Value) asUint64() uint64 {
	switch {
	case isUintKind(v.Kind):
		return v.u64
	case isIntKind(v.Kind):
		return uint64(v.i64)
	case isFloatKind(v.Kind):
		return uint64(v.f64)
	case v.Kind == KindDatetime:
		return uint64(v.i64)
	case isTemporalKind(v.Kind):
		return v.u64
	default:
		return v.u64
	}
}

func (v Value) asDouble() float64 {
	switch {
	case isFloatKind(v.Kind):
		return v.f64
	case isIntKind(v.Kind):
		return float64(v.i64)
	case isUintKind(v.Kind):
		return float64(v.u64)
	default:
		return v.f64
	}
}

// Compare implements the ordering rule in §3 and §8: NULL sorts below any
// value; same-typed values use native ordering; mixed types promote to the
// canonical representative before comparing. It is antisymmetric:
// Compare(a,b) == -Compare(b,a).
func Compare(a, b Value) int {
	if a.IsNull() && b.IsNull() {
		return 0
	}
	if a.IsNull() {
		return -1
	}
	if b.IsNull() {
		return 1
	}
	if a.Kind == KindBool && b.Kind == KindBool {
		return compareInt64(a.i64, b.i64)
	}

	switch canonicalKind(a.Kind, b.Kind) {
	case KindDatetime:
		return compareInt64(a.asInt64(), b.asInt64())
	case KindUint64:
		return compareUint64(a.asUint64(), b.asUint64())
	case KindInt64:
		return compareInt64(a.asInt64(), b.asInt64())
	case KindDouble:
		return compareFloat64(a.asDouble(), b.asDouble())
	default:
		return bytes.Compare(a.raw, b.raw)
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// fnv1a64 is the 64-bit non-cryptographic hash used for §3's canonical
// hashing contract.
func fnv1a64(b []byte) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for _, c := range b {
		h ^= uint64(c)
		h *= prime
	}
	return h
}

// Hash returns the 64-bit hash of v's canonical bytes: the string contents
// for STRING/HLL, or the minimal-width representation otherwise.
func (v Value) Hash() uint64 {
	if v.IsNull() {
		return 0
	}
	switch {
	case v.Kind == KindString || v.Kind == KindHLL:
		return fnv1a64(v.raw)
	case isFloatKind(v.Kind):
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.asDouble()))
		return fnv1a64(b[:])
	case isUintKind(v.Kind) || isTemporalKind(v.Kind):
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.asUint64())
		return fnv1a64(b[:])
	default:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.asInt64()))
		return fnv1a64(b[:])
	}
}
