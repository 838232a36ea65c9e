// Package types holds the primitive identifiers shared by every layer of
// the engine: protocol/message UIDs, device UIDs, and raw identities.
package types

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// UIDLength is the byte length of all engine UIDs (protocol instances,
// messages, devices, groups).
const UIDLength = 32

// UID is a fixed-length unique identifier. The zero value is not a valid
// UID and is used as the "absent" sentinel.
type UID [UIDLength]byte

// NewRandomUID returns a fresh UID from crypto/rand.
func NewRandomUID() (UID, error) {
	var uid UID
	if _, err := rand.Read(uid[:]); err != nil {
		return UID{}, fmt.Errorf("reading random uid: %w", err)
	}

	return uid, nil
}

// UIDFromBytes validates and copies a raw UID.
func UIDFromBytes(b []byte) (UID, error) {
	if len(b) != UIDLength {
		return UID{}, fmt.Errorf("invalid uid length %d, want %d", len(b), UIDLength)
	}

	var uid UID
	copy(uid[:], b)

	return uid, nil
}

// IsZero reports whether the UID is the absent sentinel.
func (u UID) IsZero() bool {
	return u == UID{}
}

// Bytes returns the raw UID bytes.
func (u UID) Bytes() []byte {
	b := make([]byte, UIDLength)
	copy(b, u[:])

	return b
}

// String returns a short hex form for logging.
func (u UID) String() string {
	return hex.EncodeToString(u[:8])
}

// Base64 returns the standard base64 form used on the wire.
func (u UID) Base64() string {
	return base64.StdEncoding.EncodeToString(u[:])
}

// Hex returns the full hexadecimal form, safe for file names.
func (u UID) Hex() string {
	return hex.EncodeToString(u[:])
}

// UIDFromHex parses the form produced by Hex.
func UIDFromHex(s string) (UID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return UID{}, fmt.Errorf("decoding uid hex: %w", err)
	}

	return UIDFromBytes(raw)
}

// UIDFromBase64 parses the wire form produced by Base64.
func UIDFromBase64(s string) (UID, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return UID{}, fmt.Errorf("decoding uid base64: %w", err)
	}

	return UIDFromBytes(raw)
}

// MarshalJSON encodes the UID as a base64 string.
func (u UID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Base64())
}

// UnmarshalJSON decodes the base64 string form.
func (u *UID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	uid, err := UIDFromBase64(s)
	if err != nil {
		return err
	}

	*u = uid

	return nil
}

// DeviceUID identifies one device of an identity.
type DeviceUID = UID

// Identity is the raw byte form of a cryptographic identity. It is opaque
// to the engine: comparison, hashing for map keys, and wire encoding are
// the only operations performed on it.
type Identity []byte

// Equal reports whether two identities are byte-identical.
func (id Identity) Equal(other Identity) bool {
	return bytes.Equal(id, other)
}

// Key returns a form usable as a map key.
func (id Identity) Key() string {
	return string(id)
}

// String returns a short hex form for logging. Full identities are never
// logged.
func (id Identity) String() string {
	if len(id) <= 8 {
		return hex.EncodeToString(id)
	}

	return hex.EncodeToString(id[:8])
}

// Base64 returns the standard base64 form used on the wire.
func (id Identity) Base64() string {
	return base64.StdEncoding.EncodeToString(id)
}

// IdentityFromBase64 parses the wire form produced by Base64.
func IdentityFromBase64(s string) (Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding identity base64: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty identity")
	}

	return Identity(raw), nil
}

// MarshalJSON encodes the identity as a base64 string.
func (id Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Base64())
}

// UnmarshalJSON decodes the base64 string form. An empty string decodes
// to the nil identity, so the zero value round-trips.
func (id *Identity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*id = nil

		return nil
	}

	parsed, err := IdentityFromBase64(s)
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}
