package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRandomUIDIsNonZero(t *testing.T) {
	uid, err := NewRandomUID()
	require.NoError(t, err)
	assert.False(t, uid.IsZero())

	other, err := NewRandomUID()
	require.NoError(t, err)
	assert.NotEqual(t, uid, other)
}

func TestUIDFromBytes(t *testing.T) {
	raw := make([]byte, UIDLength)
	raw[0] = 0xab

	uid, err := UIDFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, uid.Bytes())

	_, err = UIDFromBytes(make([]byte, UIDLength-1))
	assert.Error(t, err)
}

func TestUIDBase64RoundTrip(t *testing.T) {
	uid, err := NewRandomUID()
	require.NoError(t, err)

	got, err := UIDFromBase64(uid.Base64())
	require.NoError(t, err)
	assert.Equal(t, uid, got)

	_, err = UIDFromBase64("not base64!")
	assert.Error(t, err)
}

func TestUIDHexRoundTrip(t *testing.T) {
	uid, err := NewRandomUID()
	require.NoError(t, err)

	got, err := UIDFromHex(uid.Hex())
	require.NoError(t, err)
	assert.Equal(t, uid, got)

	_, err = UIDFromHex("zz")
	assert.Error(t, err)

	_, err = UIDFromHex("abcd")
	assert.Error(t, err)
}

func TestUIDJSONRoundTrip(t *testing.T) {
	uid, err := NewRandomUID()
	require.NoError(t, err)

	data, err := json.Marshal(uid)
	require.NoError(t, err)

	var got UID
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, uid, got)

	assert.Error(t, json.Unmarshal([]byte(`"bad"`), &got))
	assert.Error(t, json.Unmarshal([]byte(`7`), &got))
}

func TestUIDStringIsShortHex(t *testing.T) {
	var uid UID
	uid[0] = 0xff

	assert.Len(t, uid.String(), 16)
	assert.Equal(t, "ff00000000000000", uid.String())
}

func TestIdentityEqual(t *testing.T) {
	a := Identity("alice-identity")
	b := Identity("alice-identity")
	c := Identity("bob-identity")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}

func TestIdentityKeyIsStable(t *testing.T) {
	a := Identity("alice-identity")
	b := Identity("alice-identity")

	assert.Equal(t, a.Key(), b.Key())
}

func TestIdentityBase64RoundTrip(t *testing.T) {
	id := Identity("some-raw-identity-bytes")

	got, err := IdentityFromBase64(id.Base64())
	require.NoError(t, err)
	assert.True(t, id.Equal(got))

	_, err = IdentityFromBase64("")
	assert.Error(t, err)

	_, err = IdentityFromBase64("not base64!")
	assert.Error(t, err)
}

func TestIdentityJSONRoundTrip(t *testing.T) {
	id := Identity("some-raw-identity-bytes")

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var got Identity
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, id.Equal(got))

	assert.Error(t, json.Unmarshal([]byte(`7`), &got))
}

func TestIdentityJSONZeroValueRoundTrip(t *testing.T) {
	// Rows not addressed to a remote identity persist the zero value and
	// must read back unchanged.
	data, err := json.Marshal(Identity(nil))
	require.NoError(t, err)
	assert.Equal(t, `""`, string(data))

	got := Identity("stale")
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Nil(t, got)
}

func TestIdentityStringTruncates(t *testing.T) {
	long := Identity(make([]byte, 64))
	assert.Len(t, long.String(), 16)

	short := Identity([]byte{0x01, 0x02})
	assert.Equal(t, "0102", short.String())
}
