// Package channel abstracts the secure transports a protocol step can
// post on: oblivious channels to established devices, pre-key channels to
// not-yet-confirmed devices, asymmetric broadcast to an identity's whole
// device set, and the local loopback to this device and sibling owned
// devices.
package channel

import (
	"context"
	"fmt"

	"github.com/alexjbarnes/courier/internal/encoding"
	"github.com/alexjbarnes/courier/internal/types"
)

// Kind identifies a logical channel type.
type Kind int

const (
	// KindLocal is the loopback channel to the current device.
	KindLocal Kind = iota

	// KindOblivious is an established encrypted channel to specific
	// remote devices.
	KindOblivious

	// KindPreKey is an encrypted channel to a device whose oblivious
	// channel is not yet confirmed.
	KindPreKey

	// KindAsymmetricBroadcast reaches every device of an identity using
	// its public key only.
	KindAsymmetricBroadcast

	// KindOwnedDevices is the loopback to the other devices of the
	// sending owned identity, used to propagate local decisions.
	KindOwnedDevices
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindOblivious:
		return "oblivious"
	case KindPreKey:
		return "preKey"
	case KindAsymmetricBroadcast:
		return "asymmetricBroadcast"
	case KindOwnedDevices:
		return "ownedDevices"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ReceptionInfo records which channel a message arrived on, and from
// whom. Steps declare the reception kinds they accept; a mismatch drops
// the message.
type ReceptionInfo struct {
	Kind           Kind
	RemoteIdentity types.Identity
	RemoteDevice   types.DeviceUID
}

// Envelope is a protocol message addressed to a channel. Content is the
// already-encoded payload; the channel layer wraps and encrypts it for
// the selected transport.
type Envelope struct {
	// ChannelKind selects the transport.
	ChannelKind Kind

	// FromIdentity is the sending owned identity.
	FromIdentity types.Identity

	// ToIdentity is the destination identity. Ignored for KindLocal and
	// KindOwnedDevices.
	ToIdentity types.Identity

	// ProtocolKind, ProtocolInstanceUID and MessageID route the payload
	// to the right protocol instance and decoder on the receiving side.
	ProtocolKind        int
	ProtocolInstanceUID types.UID
	MessageID           int

	// MessageUID identifies this concrete message. Every delivery of the
	// same envelope carries the same UID, so redelivered duplicates
	// collapse onto one received-message row.
	MessageUID types.UID

	// Payload is the encoded message body.
	Payload []byte
}

// Sender posts envelopes on channels. The network implementation hands
// envelopes to the outbox; the loopback implementation feeds them
// straight back into the protocol engine.
type Sender interface {
	Post(ctx context.Context, env Envelope) error
}

// Router dispatches by channel kind: local frames loop back into the
// engine, everything else goes to the network sender.
type Router struct {
	Local   Sender
	Network Sender
}

// Post routes the envelope to the matching sender.
func (r *Router) Post(ctx context.Context, env Envelope) error {
	if env.ChannelKind == KindLocal {
		return r.Local.Post(ctx, env)
	}

	return r.Network.Post(ctx, env)
}

// Encode serializes the envelope for transport framing.
func (e Envelope) Encode() []byte {
	return encoding.Encode(
		encoding.Uint(uint64(e.ChannelKind)),
		encoding.Bytes(e.FromIdentity),
		encoding.Bytes(e.ToIdentity),
		encoding.Uint(uint64(e.ProtocolKind)),
		encoding.Bytes(e.ProtocolInstanceUID.Bytes()),
		encoding.Uint(uint64(e.MessageID)),
		encoding.Bytes(e.MessageUID.Bytes()),
		encoding.Bytes(e.Payload),
	)
}

// DecodeEnvelope parses the framing produced by Encode.
func DecodeEnvelope(data []byte) (Envelope, error) {
	r, err := encoding.NewReader(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}

	var e Envelope

	kind, err := r.ReadUint()
	if err != nil {
		return Envelope{}, err
	}
	e.ChannelKind = Kind(kind)

	from, err := r.ReadBytes()
	if err != nil {
		return Envelope{}, err
	}
	e.FromIdentity = types.Identity(from)

	to, err := r.ReadBytes()
	if err != nil {
		return Envelope{}, err
	}
	e.ToIdentity = types.Identity(to)

	protocolKind, err := r.ReadUint()
	if err != nil {
		return Envelope{}, err
	}
	e.ProtocolKind = int(protocolKind)

	rawUID, err := r.ReadBytes()
	if err != nil {
		return Envelope{}, err
	}
	if e.ProtocolInstanceUID, err = types.UIDFromBytes(rawUID); err != nil {
		return Envelope{}, err
	}

	messageID, err := r.ReadUint()
	if err != nil {
		return Envelope{}, err
	}
	e.MessageID = int(messageID)

	rawMessageUID, err := r.ReadBytes()
	if err != nil {
		return Envelope{}, err
	}
	if e.MessageUID, err = types.UIDFromBytes(rawMessageUID); err != nil {
		return Envelope{}, err
	}

	if e.Payload, err = r.ReadBytes(); err != nil {
		return Envelope{}, err
	}

	return e, nil
}
