// Package encoding implements the self-describing binary encoding used for
// protocol message and state payloads. A payload is an ordered list of
// tagged, length-prefixed values that the decoder consumes positionally;
// the message type id travels out-of-band.
package encoding

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies the type of an encoded value.
type Tag byte

const (
	TagBytes Tag = 0x00
	TagUint  Tag = 0x01
	TagBool  Tag = 0x02
	TagList  Tag = 0x03
)

// headerLength is the fixed size of a value header: 1 tag byte followed by
// a 4-byte big-endian payload length.
const headerLength = 5

// maxPayloadLength bounds a single encoded value. Protocol payloads are
// small; anything larger is a malformed or hostile input.
const maxPayloadLength = 1 << 26 // 64MB

// Value is one element of an encoded list.
type Value struct {
	tag     Tag
	raw     []byte
	integer uint64
	boolean bool
	list    []Value
}

// Bytes creates a byte-string value.
func Bytes(b []byte) Value {
	return Value{tag: TagBytes, raw: b}
}

// Uint creates an unsigned integer value.
func Uint(v uint64) Value {
	return Value{tag: TagUint, integer: v}
}

// Bool creates a boolean value.
func Bool(v bool) Value {
	return Value{tag: TagBool, boolean: v}
}

// List creates a nested list value.
func List(values ...Value) Value {
	return Value{tag: TagList, list: values}
}

// Tag returns the value's type tag.
func (v Value) Tag() Tag {
	return v.tag
}

// AsBytes returns the byte-string payload.
func (v Value) AsBytes() ([]byte, error) {
	if v.tag != TagBytes {
		return nil, fmt.Errorf("value has tag %d, want bytes", v.tag)
	}

	return v.raw, nil
}

// AsUint returns the unsigned integer payload.
func (v Value) AsUint() (uint64, error) {
	if v.tag != TagUint {
		return 0, fmt.Errorf("value has tag %d, want uint", v.tag)
	}

	return v.integer, nil
}

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, error) {
	if v.tag != TagBool {
		return false, fmt.Errorf("value has tag %d, want bool", v.tag)
	}

	return v.boolean, nil
}

// AsList returns the nested list payload.
func (v Value) AsList() ([]Value, error) {
	if v.tag != TagList {
		return nil, fmt.Errorf("value has tag %d, want list", v.tag)
	}

	return v.list, nil
}

// Encode serializes an ordered list of values into one payload.
func Encode(values ...Value) []byte {
	var out []byte
	for _, v := range values {
		out = appendValue(out, v)
	}

	return out
}

func appendValue(dst []byte, v Value) []byte {
	var payload []byte

	switch v.tag {
	case TagBytes:
		payload = v.raw
	case TagUint:
		payload = binary.BigEndian.AppendUint64(nil, v.integer)
	case TagBool:
		payload = []byte{0}
		if v.boolean {
			payload[0] = 1
		}
	case TagList:
		for _, elem := range v.list {
			payload = appendValue(payload, elem)
		}
	}

	dst = append(dst, byte(v.tag))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))

	return append(dst, payload...)
}

// Decode parses a payload back into its ordered value list. It rejects
// truncated input, unknown tags, and oversized values.
func Decode(data []byte) ([]Value, error) {
	var values []Value

	for len(data) > 0 {
		v, rest, err := decodeValue(data)
		if err != nil {
			return nil, err
		}

		values = append(values, v)
		data = rest
	}

	return values, nil
}

func decodeValue(data []byte) (Value, []byte, error) {
	if len(data) < headerLength {
		return Value{}, nil, fmt.Errorf("truncated value header: %d bytes", len(data))
	}

	tag := Tag(data[0])
	length := binary.BigEndian.Uint32(data[1:headerLength])
	if length > maxPayloadLength {
		return Value{}, nil, fmt.Errorf("value payload too large: %d bytes", length)
	}

	rest := data[headerLength:]
	if uint32(len(rest)) < length {
		return Value{}, nil, fmt.Errorf("truncated value payload: want %d bytes, have %d", length, len(rest))
	}

	payload := rest[:length]
	rest = rest[length:]

	switch tag {
	case TagBytes:
		return Value{tag: TagBytes, raw: payload}, rest, nil

	case TagUint:
		if len(payload) != 8 {
			return Value{}, nil, fmt.Errorf("uint payload has %d bytes, want 8", len(payload))
		}

		return Value{tag: TagUint, integer: binary.BigEndian.Uint64(payload)}, rest, nil

	case TagBool:
		if len(payload) != 1 || payload[0] > 1 {
			return Value{}, nil, fmt.Errorf("malformed bool payload")
		}

		return Value{tag: TagBool, boolean: payload[0] == 1}, rest, nil

	case TagList:
		elems, err := Decode(payload)
		if err != nil {
			return Value{}, nil, fmt.Errorf("decoding nested list: %w", err)
		}

		return Value{tag: TagList, list: elems}, rest, nil

	default:
		return Value{}, nil, fmt.Errorf("unknown value tag %d", tag)
	}
}

// Reader consumes a decoded value list positionally, the way message and
// state decoders read their fields.
type Reader struct {
	values []Value
	pos    int
}

// NewReader decodes the payload and wraps it for positional reads.
func NewReader(data []byte) (*Reader, error) {
	values, err := Decode(data)
	if err != nil {
		return nil, err
	}

	return &Reader{values: values}, nil
}

func (r *Reader) next() (Value, error) {
	if r.pos >= len(r.values) {
		return Value{}, fmt.Errorf("payload exhausted at field %d", r.pos)
	}

	v := r.values[r.pos]
	r.pos++

	return v, nil
}

// ReadBytes reads the next field as a byte string.
func (r *Reader) ReadBytes() ([]byte, error) {
	v, err := r.next()
	if err != nil {
		return nil, err
	}

	return v.AsBytes()
}

// ReadUint reads the next field as an unsigned integer.
func (r *Reader) ReadUint() (uint64, error) {
	v, err := r.next()
	if err != nil {
		return 0, err
	}

	return v.AsUint()
}

// ReadBool reads the next field as a boolean.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.next()
	if err != nil {
		return false, err
	}

	return v.AsBool()
}

// ReadList reads the next field as a nested list.
func (r *Reader) ReadList() ([]Value, error) {
	v, err := r.next()
	if err != nil {
		return nil, err
	}

	return v.AsList()
}

// Remaining returns the number of unconsumed fields.
func (r *Reader) Remaining() int {
	return len(r.values) - r.pos
}
