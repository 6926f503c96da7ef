package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dbregion/regioncore/proto"
)

// Tuple values are encoded order-preserving and self-delimiting so that
// EncodeTuple/DecodeTuple round-trip exactly (§8) and so that byte-wise
// comparison of two encoded tuples agrees with proto.Compare field by
// field, which is what lets the scan iterator use the KV engine's native
// key ordering instead of decoding on every step.
const (
	tagNull ValueTag = iota
	tagBool
	tagInt
	tagUint
	tagDouble
	tagString
	tagHLL
	tagDate
	tagTime
	tagTimestamp
	tagDatetime
)

type ValueTag byte

// EncodeValue appends one self-delimiting, order-preserving encoding of v.
func EncodeValue(buf []byte, v proto.Value) []byte {
	if v.IsNull() {
		return append(buf, byte(tagNull))
	}

	switch {
	case v.Kind == proto.KindBool:
		b := byte(0)
		if v.Bool() {
			b = 1
		}
		return append(buf, byte(tagBool), b)

	case v.Kind == proto.KindString || v.Kind == proto.KindHLL:
		tag := tagString
		if v.Kind == proto.KindHLL {
			tag = tagHLL
		}
		buf = append(buf, byte(tag))
		return appendEscapedString(buf, v.Bytes())

	case v.Kind == proto.KindDouble || v.Kind == proto.KindFloat:
		buf = append(buf, byte(tagDouble))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], orderPreservingFloatBits(v.Double()))
		return append(buf, b[:]...)

	case isUnsignedKind(v.Kind):
		buf = append(buf, byte(tagUint))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.Uint64())
		return append(buf, b[:]...)

	case v.Kind == proto.KindDate || v.Kind == proto.KindTime || v.Kind == proto.KindTimestamp:
		// DATE/TIME/TIMESTAMP are packed into Value.u64 (see
		// proto.DateValue); encode them through Uint64(), not Int64(),
		// and keep a tag per kind so DecodeValue restores the same Kind
		// instead of collapsing them into a plain integer.
		buf = append(buf, byte(temporalTag(v.Kind)))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.Uint64())
		return append(buf, b[:]...)

	case v.Kind == proto.KindDatetime:
		// DATETIME uses the same sign-flipped int64 bytes as a signed
		// integer, under its own tag so DecodeValue restores the Kind.
		buf = append(buf, byte(tagDatetime))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int64())^(1<<63))
		return append(buf, b[:]...)

	default:
		// signed integers use the int64 lane, sign-flipped so big-endian
		// byte order matches numeric order.
		buf = append(buf, byte(tagInt))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int64())^(1<<63))
		return append(buf, b[:]...)
	}
}

func temporalTag(k proto.ValueKind) ValueTag {
	switch k {
	case proto.KindTime:
		return tagTime
	case proto.KindTimestamp:
		return tagTimestamp
	default:
		return tagDate
	}
}

func isUnsignedKind(k proto.ValueKind) bool {
	switch k {
	case proto.KindUint8, proto.KindUint16, proto.KindUint32, proto.KindUint64:
		return true
	}
	return false
}

// orderPreservingFloatBits maps a float64's bit pattern so that big-endian
// comparison of the result matches numeric ordering, including across the
// positive/negative boundary.
func orderPreservingFloatBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

// appendEscapedString encodes s so that an embedded 0x00 byte cannot be
// confused with the terminator: 0x00 -> 0x00 0xFF, then a final 0x00 0x00.
func appendEscapedString(buf, s []byte) []byte {
	for _, c := range s {
		buf = append(buf, c)
		if c == 0x00 {
			buf = append(buf, 0xFF)
		}
	}
	return append(buf, 0x00, 0x00)
}

// DecodeValue reads one value encoded by EncodeValue and returns the
// remaining buffer.
func DecodeValue(buf []byte) (proto.Value, []byte, error) {
	if len(buf) == 0 {
		return proto.Value{}, nil, fmt.Errorf("codec: empty value buffer")
	}
	tag := ValueTag(buf[0])
	buf = buf[1:]

	switch tag {
	case tagNull:
		return proto.NullValue(), buf, nil
	case tagBool:
		if len(buf) < 1 {
			return proto.Value{}, nil, fmt.Errorf("codec: short bool value")
		}
		return proto.BoolValue(buf[0] == 1), buf[1:], nil
	case tagInt:
		if len(buf) < 8 {
			return proto.Value{}, nil, fmt.Errorf("codec: short int value")
		}
		raw := binary.BigEndian.Uint64(buf[:8]) ^ (1 << 63)
		return proto.Int64Value(int64(raw)), buf[8:], nil
	case tagDatetime:
		if len(buf) < 8 {
			return proto.Value{}, nil, fmt.Errorf("codec: short datetime value")
		}
		raw := binary.BigEndian.Uint64(buf[:8]) ^ (1 << 63)
		return proto.DatetimeValue(int64(raw)), buf[8:], nil
	case tagUint:
		if len(buf) < 8 {
			return proto.Value{}, nil, fmt.Errorf("codec: short uint value")
		}
		return proto.Uint64Value(binary.BigEndian.Uint64(buf[:8])), buf[8:], nil
	case tagDouble:
		if len(buf) < 8 {
			return proto.Value{}, nil, fmt.Errorf("codec: short double value")
		}
		bits := binary.BigEndian.Uint64(buf[:8])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return proto.DoubleValue(math.Float64frombits(bits)), buf[8:], nil
	case tagDate, tagTime, tagTimestamp:
		if len(buf) < 8 {
			return proto.Value{}, nil, fmt.Errorf("codec: short temporal value")
		}
		packed := binary.BigEndian.Uint64(buf[:8])
		switch tag {
		case tagTime:
			return proto.TimeValue(packed), buf[8:], nil
		case tagTimestamp:
			return proto.TimestampValue(packed), buf[8:], nil
		default:
			return proto.DatePacked(packed), buf[8:], nil
		}
	case tagString, tagHLL:
		s, rest, err := readEscapedString(buf)
		if err != nil {
			return proto.Value{}, nil, err
		}
		if tag == tagHLL {
			return proto.HLLValue(s), rest, nil
		}
		// StringValue does not copy its input, so s is copied here to keep
		// the decoded Value from aliasing buf.
		return proto.StringValue(string(s)), rest, nil
	default:
		return proto.Value{}, nil, fmt.Errorf("codec: unknown value tag %d", tag)
	}
}

func readEscapedString(buf []byte) (s, rest []byte, err error) {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0x00 {
			if i+1 >= len(buf) {
				return nil, nil, fmt.Errorf("codec: truncated string terminator")
			}
			if buf[i+1] == 0x00 {
				return buf[:i], buf[i+2:], nil
			}
			if buf[i+1] == 0xFF {
				i++
				continue
			}
			return nil, nil, fmt.Errorf("codec: malformed string escape")
		}
	}
	return nil, nil, fmt.Errorf("codec: missing string terminator")
}

// EncodeTuple concatenates the order-preserving encoding of every field in
// order; comparing two EncodeTuple outputs byte-wise agrees with comparing
// field-by-field with proto.Compare.
func EncodeTuple(values []proto.Value) []byte {
	var buf []byte
	for _, v := range values {
		buf = EncodeValue(buf, v)
	}
	return buf
}

// DecodeTupleAll decodes every value in buf without a known field count,
// used to decode a full stored row (always encoded with EncodeTuple in
// its entirety) as opposed to a key tuple of a known, fixed width.
func DecodeTupleAll(buf []byte) ([]proto.Value, error) {
	var values []proto.Value
	for len(buf) > 0 {
		v, rest, err := DecodeValue(buf)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		buf = rest
	}
	return values, nil
}

// DecodeTuple decodes count values in order from buf.
func DecodeTuple(buf []byte, count int) ([]proto.Value, error) {
	values, rest, err := DecodeTuplePrefix(buf, count)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("codec: %d trailing bytes after decoding tuple", len(rest))
	}
	return values, nil
}

// DecodeTuplePrefix decodes the leading count values from buf and returns
// whatever bytes follow them, unlike DecodeTuple it does not treat leftover
// bytes as an error; used to read a non-unique secondary-index key, whose
// encoded tuple carries the primary key appended after the indexed fields.
func DecodeTuplePrefix(buf []byte, count int) ([]proto.Value, []byte, error) {
	values := make([]proto.Value, 0, count)
	for i := 0; i < count; i++ {
		v, rest, err := DecodeValue(buf)
		if err != nil {
			return nil, nil, err
		}
		values = append(values, v)
		buf = rest
	}
	return values, buf, nil
}
