package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/courier/internal/channel"
	"github.com/alexjbarnes/courier/internal/types"
)

// ProcessType identifies which process owns a background upload session.
type ProcessType string

const (
	ProcessMain      ProcessType = "main"
	ProcessExtension ProcessType = "extension"
)

// ProtocolInstance is one running execution of a multi-step protocol.
// Created on receipt of the first message for a fresh instance UID,
// mutated by each executed step, deleted on reaching a terminal state.
type ProtocolInstance struct {
	InstanceUID   types.UID      `json:"instance_uid"`
	OwnedIdentity types.Identity `json:"owned_identity"`
	Kind          int            `json:"kind"`
	StateID       int            `json:"state_id"`
	StateData     []byte         `json:"state_data"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ReceivedMessage is an encrypted protocol message pending execution.
// Deleted in the same transaction as the step that consumes it.
type ReceivedMessage struct {
	InstanceUID   types.UID             `json:"instance_uid"`
	OwnedIdentity types.Identity        `json:"owned_identity"`
	MessageUID    types.UID             `json:"message_uid"`
	Kind          int                   `json:"kind"`
	MessageID     int                   `json:"message_id"`
	Payload       []byte                `json:"payload"`
	Reception     channel.ReceptionInfo `json:"reception"`
	DialogUUID    uuid.UUID             `json:"dialog_uuid"`
	ReceivedAt    time.Time             `json:"received_at"`
}

// OutboxMessage is one application message queued for delivery.
type OutboxMessage struct {
	OwnedIdentity            types.Identity `json:"owned_identity"`
	MessageUID               types.UID      `json:"message_uid"`
	ServerURL                string         `json:"server_url"`
	EncryptedContent         []byte         `json:"encrypted_content"`
	EncryptedExtendedPayload []byte         `json:"encrypted_extended_payload,omitempty"`
	CreatedAt                time.Time      `json:"created_at"`
	Uploaded                 bool           `json:"uploaded"`
	Cancelled                bool           `json:"cancelled"`

	// Server-assigned fields, set on acknowledgement.
	ServerUID       types.UID `json:"server_uid"`
	ServerNonce     []byte    `json:"server_nonce,omitempty"`
	ServerTimestamp int64     `json:"server_timestamp"` // unix ms, 0 = unset
}

// UploadedOrCancelled reports whether the message itself no longer needs
// uploading.
func (m *OutboxMessage) UploadedOrCancelled() bool {
	return m.Uploaded || m.Cancelled
}

// MessageHeader carries the wrapped content key for one recipient device.
type MessageHeader struct {
	OwnedIdentity types.Identity  `json:"owned_identity"`
	MessageUID    types.UID       `json:"message_uid"`
	ToIdentity    types.Identity  `json:"to_identity"`
	DeviceUID     types.DeviceUID `json:"device_uid"`
	WrappedKey    []byte          `json:"wrapped_key"`
}

// OutboxAttachment is one attachment of an outbox message.
type OutboxAttachment struct {
	OwnedIdentity   types.Identity `json:"owned_identity"`
	MessageUID      types.UID      `json:"message_uid"`
	Number          int            `json:"number"`
	CleartextLength int64          `json:"cleartext_length"`
	Key             []byte         `json:"key"`
	FilePath        string         `json:"file_path"`
	Cancelled       bool           `json:"cancelled"`
}

// OutboxAttachmentChunk is one fixed-size ciphertext segment. Immutable
// once acknowledged except for local file cleanup.
type OutboxAttachmentChunk struct {
	OwnedIdentity    types.Identity `json:"owned_identity"`
	MessageUID       types.UID      `json:"message_uid"`
	AttachmentNumber int            `json:"attachment_number"`
	Index            int            `json:"index"`
	CleartextLength  int64          `json:"cleartext_length"`
	CiphertextLength int64          `json:"ciphertext_length"`
	SignedURL        string         `json:"signed_url,omitempty"`
	LocalFilePath    string         `json:"local_file_path,omitempty"`
	AckTime          time.Time      `json:"ack_time"`
	AckActor         ProcessType    `json:"ack_actor,omitempty"`
}

// Acknowledged reports whether the chunk upload has been confirmed.
func (c *OutboxAttachmentChunk) Acknowledged() bool {
	return !c.AckTime.IsZero()
}

// AttachmentSession records which process currently owns background
// upload responsibility for an attachment. At most one per attachment.
type AttachmentSession struct {
	OwnedIdentity    types.Identity `json:"owned_identity"`
	MessageUID       types.UID      `json:"message_uid"`
	AttachmentNumber int            `json:"attachment_number"`
	Process          ProcessType    `json:"process"`
	SessionID        string         `json:"session_id"`
	CreatedAt        time.Time      `json:"created_at"`
}

// DeletedOutboxMessage is the tombstone left behind when an uploaded
// message is deleted. It drives the post-deletion notification exactly
// once; the bootstrap worker replays it if the original notification was
// lost.
type DeletedOutboxMessage struct {
	OwnedIdentity   types.Identity `json:"owned_identity"`
	MessageUID      types.UID      `json:"message_uid"`
	ServerTimestamp int64          `json:"server_timestamp"`
}

// AttachmentBundle pairs an attachment with its ordered chunks. All
// computed lifecycle properties live here because they need both.
type AttachmentBundle struct {
	Attachment OutboxAttachment
	Chunks     []OutboxAttachmentChunk
}

// Acknowledged reports whether every chunk has been acknowledged, i.e.
// remaining bytes to upload is zero.
func (b *AttachmentBundle) Acknowledged() bool {
	for i := range b.Chunks {
		if !b.Chunks[i].Acknowledged() {
			return false
		}
	}

	return true
}

// CanBeDeleted reports whether the attachment no longer blocks deletion
// of its parent message.
func (b *AttachmentBundle) CanBeDeleted() bool {
	return b.Attachment.Cancelled || b.Acknowledged()
}

// CanBeSent reports whether chunk uploads may proceed: parent message
// uploaded, not yet fully acknowledged, not cancelled.
func (b *AttachmentBundle) CanBeSent(parent *OutboxMessage) bool {
	return parent.Uploaded && !b.Acknowledged() && !b.Attachment.Cancelled
}

// CiphertextLength is the total ciphertext length: the sum of the chunk
// ciphertext lengths.
func (b *AttachmentBundle) CiphertextLength() int64 {
	var total int64
	for i := range b.Chunks {
		total += b.Chunks[i].CiphertextLength
	}

	return total
}

// CurrentByteCountToUpload is the sum of the ciphertext lengths of the
// chunks not yet acknowledged.
func (b *AttachmentBundle) CurrentByteCountToUpload() int64 {
	var remaining int64
	for i := range b.Chunks {
		if !b.Chunks[i].Acknowledged() {
			remaining += b.Chunks[i].CiphertextLength
		}
	}

	return remaining
}

// AllSignedURLsNil reports whether no chunk has a signed URL yet. The
// signed-URL fetch precondition: a fetch is issued only from this state.
func (b *AttachmentBundle) AllSignedURLsNil() bool {
	for i := range b.Chunks {
		if b.Chunks[i].SignedURL != "" {
			return false
		}
	}

	return true
}

// MessageCanBeDeleted reports whether an outbox message and all its
// attachments are finished: (uploaded || cancelled) && every attachment
// can be deleted.
func MessageCanBeDeleted(m *OutboxMessage, attachments []AttachmentBundle) bool {
	if !m.UploadedOrCancelled() {
		return false
	}

	for i := range attachments {
		if !attachments[i].CanBeDeleted() {
			return false
		}
	}

	return true
}
