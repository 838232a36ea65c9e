// Package push maintains the persistent WebSocket notification channels
// to the message servers: one connection per server URL, shared by every
// owned identity registered on that server. Frames are JSON, keyed by an
// "action" discriminator; binary fields travel base64-encoded.
package push

import "encoding/json"

// Frame actions. register and delete_return_receipt go client to
// server; the rest arrive from the server. A register frame also comes
// back as the registration response, carrying an err code on failure.
const (
	ActionRegister            = "register"
	ActionDeleteReturnReceipt = "delete_return_receipt"
	ActionReturnReceipt       = "return_receipt"
	ActionMessage             = "message"
	ActionPushTopic           = "push_topic"
	ActionKeycloak            = "keycloak"
	ActionOwnedDevices        = "ownedDevices"
)

// Register response error codes.
const (
	registerErrInvalidServerSession = 4
	registerErrGeneral              = 255
)

type registerFrame struct {
	Action    string `json:"action"`
	Token     string `json:"token"`
	Identity  string `json:"identity"`
	DeviceUID string `json:"deviceUid"`
}

type registerResponseFrame struct {
	Action   string `json:"action"`
	Identity string `json:"identity"`
	Err      *int   `json:"err,omitempty"`
}

type deleteReturnReceiptFrame struct {
	Action    string `json:"action"`
	Identity  string `json:"identity"`
	ServerUID string `json:"serverUid"`
}

type returnReceiptFrame struct {
	Action           string `json:"action"`
	Identity         string `json:"identity"`
	ServerUID        string `json:"serverUid"`
	Nonce            []byte `json:"nonce"`
	EncryptedPayload []byte `json:"encryptedPayload"`
	Timestamp        int64  `json:"timestamp"`
}

// messageFrame may embed the full downloaded message. When the embedded
// blob is absent or unparsable the handler falls back to a list-and-fetch
// round trip.
type messageFrame struct {
	Action   string          `json:"action"`
	Identity string          `json:"identity"`
	Message  json.RawMessage `json:"message,omitempty"`
}

type pushTopicFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

type keycloakFrame struct {
	Action   string `json:"action"`
	Identity string `json:"identity"`
}

type ownedDevicesFrame struct {
	Action   string `json:"action"`
	Identity string `json:"identity"`
}

// ReturnReceipt is the decoded server notice that a recipient posted a
// delivery or read receipt.
type ReturnReceipt struct {
	ServerUID        string
	Nonce            []byte
	EncryptedPayload []byte
	Timestamp        int64
}
