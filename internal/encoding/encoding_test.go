package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := Encode(
		Bytes([]byte("hello")),
		Uint(42),
		Bool(true),
		List(Bytes([]byte("a")), Bytes([]byte("b"))),
		Bool(false),
	)

	values, err := Decode(payload)
	require.NoError(t, err)
	require.Len(t, values, 5)

	b, err := values[0].AsBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)

	u, err := values[1].AsUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), u)

	v, err := values[2].AsBool()
	require.NoError(t, err)
	assert.True(t, v)

	list, err := values[3].AsList()
	require.NoError(t, err)
	require.Len(t, list, 2)

	first, err := list[0].AsBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), first)

	v, err = values[4].AsBool()
	require.NoError(t, err)
	assert.False(t, v)
}

func TestDecodeEmptyPayload(t *testing.T) {
	values, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x00})
	assert.ErrorContains(t, err, "truncated value header")
}

func TestDecodeTruncatedPayload(t *testing.T) {
	payload := Encode(Bytes([]byte("hello")))

	_, err := Decode(payload[:len(payload)-1])
	assert.ErrorContains(t, err, "truncated value payload")
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte{0x7f, 0, 0, 0, 0})
	assert.ErrorContains(t, err, "unknown value tag")
}

func TestDecodeMalformedBool(t *testing.T) {
	_, err := Decode([]byte{byte(TagBool), 0, 0, 0, 1, 2})
	assert.ErrorContains(t, err, "malformed bool")
}

func TestDecodeMalformedUint(t *testing.T) {
	_, err := Decode([]byte{byte(TagUint), 0, 0, 0, 1, 7})
	assert.ErrorContains(t, err, "uint payload")
}

func TestTypeMismatch(t *testing.T) {
	values, err := Decode(Encode(Uint(1)))
	require.NoError(t, err)

	_, err = values[0].AsBytes()
	assert.ErrorContains(t, err, "want bytes")
	_, err = values[0].AsBool()
	assert.ErrorContains(t, err, "want bool")
	_, err = values[0].AsList()
	assert.ErrorContains(t, err, "want list")
}

func TestEmptyBytesRoundTrip(t *testing.T) {
	values, err := Decode(Encode(Bytes(nil)))
	require.NoError(t, err)
	require.Len(t, values, 1)

	b, err := values[0].AsBytes()
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestNestedListRoundTrip(t *testing.T) {
	payload := Encode(List(List(Uint(1), Uint(2)), Bool(true)))

	values, err := Decode(payload)
	require.NoError(t, err)

	outer, err := values[0].AsList()
	require.NoError(t, err)
	require.Len(t, outer, 2)

	inner, err := outer[0].AsList()
	require.NoError(t, err)
	require.Len(t, inner, 2)

	u, err := inner[1].AsUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), u)
}

func TestReaderPositionalReads(t *testing.T) {
	r, err := NewReader(Encode(Bytes([]byte("x")), Uint(9), Bool(true), List(Uint(1))))
	require.NoError(t, err)
	assert.Equal(t, 4, r.Remaining())

	b, err := r.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), b)

	u, err := r.ReadUint()
	require.NoError(t, err)
	assert.Equal(t, uint64(9), u)

	v, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, v)

	list, err := r.ReadList()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.Equal(t, 0, r.Remaining())

	_, err = r.ReadBytes()
	assert.ErrorContains(t, err, "payload exhausted")
}

func TestReaderRejectsMalformedInput(t *testing.T) {
	_, err := NewReader([]byte{0x01})
	assert.Error(t, err)
}
