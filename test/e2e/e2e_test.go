package e2e_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/courier/internal/outbox"
	"github.com/alexjbarnes/courier/internal/store"
	"github.com/alexjbarnes/courier/internal/types"
)

// --- full delivery ---

func TestPlainMessageDelivery(t *testing.T) {
	h := newHarness(t, outbox.NewBackoff(time.Millisecond, 5*time.Millisecond))

	alice := types.Identity("alice")
	require.NoError(t, h.store.RegisterOwnedIdentity(alice))

	msg := h.newMessage(t, alice)
	messageUID := msg.MessageUID
	headers := []store.MessageHeader{{ToIdentity: types.Identity("bob")}}

	require.NoError(t, h.pipeline.Queue(context.Background(), msg, headers, nil))

	// With no attachments the message is uploaded, notified and deleted
	// in one pass, leaving no tombstone behind.
	require.Eventually(t, func() bool {
		return h.events.deletedCount(messageUID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.events.uploadedCount(messageUID))
	assert.Equal(t, 1, h.server.uploads())

	stored, err := h.store.GetOutboxMessage(alice, messageUID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	tombstones, err := h.store.ListTombstones(alice)
	require.NoError(t, err)
	assert.Empty(t, tombstones)
}

func TestMessageWithAttachmentDelivery(t *testing.T) {
	h := newHarness(t, outbox.NewBackoff(time.Millisecond, 5*time.Millisecond))

	alice := types.Identity("alice")
	require.NoError(t, h.store.RegisterOwnedIdentity(alice))

	msg := h.newMessage(t, alice)
	messageUID := msg.MessageUID
	attachment := newAttachmentInput(t, 4096)

	require.NoError(t, h.pipeline.Queue(context.Background(), msg, nil, []outbox.AttachmentInput{attachment}))

	// Deletion only happens after the message upload and every chunk
	// acknowledgement.
	require.Eventually(t, func() bool {
		return h.events.deletedCount(messageUID) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.events.uploadedCount(messageUID))
	assert.Equal(t, 1, h.events.attachmentCount())

	puts, bytes := h.server.puts()
	assert.Equal(t, 1, puts)
	ciphertextLength, err := outbox.CiphertextLength(4096)
	require.NoError(t, err)
	assert.Equal(t, ciphertextLength, bytes)

	stored, err := h.store.GetOutboxMessage(alice, messageUID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

// --- crash and outage recovery ---

func TestServerOutageRecoveredByBootstrap(t *testing.T) {
	// An hour-long backoff keeps the pipeline's own retry timer out of
	// the test; recovery comes from the bootstrap worker alone, the way
	// it would after an app restart.
	h := newHarness(t, outbox.NewBackoff(time.Hour, time.Hour))
	h.server.setFailUploads(1)

	alice := types.Identity("alice")
	require.NoError(t, h.store.RegisterOwnedIdentity(alice))

	msg := h.newMessage(t, alice)
	messageUID := msg.MessageUID

	require.NoError(t, h.pipeline.Queue(context.Background(), msg, nil, nil))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.events.uploadedCount(messageUID))

	stored, err := h.store.GetOutboxMessage(alice, messageUID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Uploaded)

	h.worker.Run(context.Background())

	require.Eventually(t, func() bool {
		return h.events.deletedCount(messageUID) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.events.uploadedCount(messageUID))
}

func TestCancelledMessageNeverUploads(t *testing.T) {
	h := newHarness(t, outbox.NewBackoff(time.Hour, time.Hour))
	h.server.setFailUploads(1)

	alice := types.Identity("alice")
	require.NoError(t, h.store.RegisterOwnedIdentity(alice))

	msg := h.newMessage(t, alice)
	messageUID := msg.MessageUID

	require.NoError(t, h.pipeline.Queue(context.Background(), msg, nil, nil))
	require.NoError(t, h.pipeline.Cancel(alice, messageUID))

	// Bootstrap skips cancelled messages; the row is gone and nothing
	// was notified.
	h.worker.Run(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.server.uploads())
	assert.Zero(t, h.events.uploadedCount(messageUID))
	assert.Zero(t, h.events.deletedCount(messageUID))

	stored, err := h.store.GetOutboxMessage(alice, messageUID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}
