package errors

import "errors"

// Transport errors.
var (
	ErrInvalidServerSession = errors.New("invalid server session")
	ErrRegistrationFailed   = errors.New("server refused registration")
	ErrConnectionClosed     = errors.New("websocket connection closed")
)

// Persistence errors.
var (
	ErrNotFound          = errors.New("record not found")
	ErrSessionOwned      = errors.New("attachment session owned by another process")
	ErrFetchInFlight     = errors.New("signed URL fetch already in flight")
	ErrAlreadyAcked      = errors.New("chunk already acknowledged")
	ErrMessageNotCreated = errors.New("outbox message does not exist")
)
