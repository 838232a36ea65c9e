package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	cerrors "github.com/alexjbarnes/courier/internal/errors"
	"github.com/alexjbarnes/courier/internal/types"
)

func newTestMessage(t *testing.T, owned types.Identity) *OutboxMessage {
	t.Helper()

	return &OutboxMessage{
		OwnedIdentity:    owned,
		MessageUID:       mustUID(t),
		ServerURL:        "https://server.example.com",
		EncryptedContent: []byte("ciphertext"),
		CreatedAt:        time.Now(),
	}
}

func newTestBundle(owned types.Identity, messageUID types.UID, number, chunkCount int) AttachmentBundle {
	bundle := AttachmentBundle{
		Attachment: OutboxAttachment{
			OwnedIdentity:   owned,
			MessageUID:      messageUID,
			Number:          number,
			CleartextLength: int64(chunkCount) * 1000,
			Key:             []byte("attachment-key"),
			FilePath:        "/tmp/file",
		},
	}
	for i := 0; i < chunkCount; i++ {
		bundle.Chunks = append(bundle.Chunks, OutboxAttachmentChunk{
			OwnedIdentity:    owned,
			MessageUID:       messageUID,
			AttachmentNumber: number,
			Index:            i,
			CleartextLength:  1000,
			CiphertextLength: 1028,
		})
	}

	return bundle
}

func TestCreateOutboxMessageRoundTrip(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	msg := newTestMessage(t, alice)
	headers := []MessageHeader{
		{ToIdentity: types.Identity("bob"), WrappedKey: []byte("wk-bob")},
		{ToIdentity: types.Identity("carol"), WrappedKey: []byte("wk-carol")},
	}
	bundle := newTestBundle(alice, msg.MessageUID, 0, 3)

	require.NoError(t, s.CreateOutboxMessage(msg, headers, []AttachmentBundle{bundle}))

	got, err := s.GetOutboxMessage(alice, msg.MessageUID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.EncryptedContent, got.EncryptedContent)
	assert.False(t, got.UploadedOrCancelled())

	gotHeaders, err := s.ListMessageHeaders(alice, msg.MessageUID)
	require.NoError(t, err)
	require.Len(t, gotHeaders, 2)
	for _, h := range gotHeaders {
		assert.True(t, h.OwnedIdentity.Equal(alice))
		assert.Equal(t, msg.MessageUID, h.MessageUID)
	}

	gotBundle, err := s.GetAttachmentBundle(alice, msg.MessageUID, 0)
	require.NoError(t, err)
	require.NotNil(t, gotBundle)
	require.Len(t, gotBundle.Chunks, 3)
	assert.False(t, gotBundle.Acknowledged())
	assert.Equal(t, int64(3*1028), gotBundle.CurrentByteCountToUpload())
}

func TestCreateOutboxMessageStampsAttachmentRows(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	msg := newTestMessage(t, alice)

	// The caller only fills the partition output; ownership is stamped
	// inside the create transaction, like for headers.
	bundle := AttachmentBundle{
		Attachment: OutboxAttachment{
			Number:          0,
			CleartextLength: 2000,
			Key:             []byte("attachment-key"),
			FilePath:        "/tmp/file",
		},
		Chunks: []OutboxAttachmentChunk{
			{Index: 0, CleartextLength: 1000, CiphertextLength: 1028},
			{Index: 1, CleartextLength: 1000, CiphertextLength: 1028},
		},
	}
	require.NoError(t, s.CreateOutboxMessage(msg, nil, []AttachmentBundle{bundle}))

	got, err := s.GetAttachmentBundle(alice, msg.MessageUID, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Attachment.OwnedIdentity.Equal(alice))
	assert.Equal(t, msg.MessageUID, got.Attachment.MessageUID)

	require.Len(t, got.Chunks, 2)
	for _, chunk := range got.Chunks {
		assert.True(t, chunk.OwnedIdentity.Equal(alice))
		assert.Equal(t, msg.MessageUID, chunk.MessageUID)
		assert.Equal(t, 0, chunk.AttachmentNumber)
	}
}

func TestCreateOutboxMessageHeadersPerDevice(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	msg := newTestMessage(t, alice)
	headers := []MessageHeader{
		{ToIdentity: alice, DeviceUID: mustUID(t), WrappedKey: []byte("wk-1")},
		{ToIdentity: alice, DeviceUID: mustUID(t), WrappedKey: []byte("wk-2")},
	}
	require.NoError(t, s.CreateOutboxMessage(msg, headers, nil))

	got, err := s.ListMessageHeaders(alice, msg.MessageUID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMarkMessageUploaded(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	msg := newTestMessage(t, alice)
	require.NoError(t, s.CreateOutboxMessage(msg, nil, nil))

	serverUID := mustUID(t)
	require.NoError(t, s.MarkMessageUploaded(alice, msg.MessageUID, serverUID, []byte("nonce"), 1700000000000))

	got, err := s.GetOutboxMessage(alice, msg.MessageUID)
	require.NoError(t, err)
	assert.True(t, got.Uploaded)
	assert.Equal(t, serverUID, got.ServerUID)
	assert.Equal(t, int64(1700000000000), got.ServerTimestamp)

	err = s.MarkMessageUploaded(alice, mustUID(t), serverUID, nil, 0)
	assert.ErrorIs(t, err, cerrors.ErrMessageNotCreated)
}

func TestDeletionGate(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	msg := newTestMessage(t, alice)
	bundle := newTestBundle(alice, msg.MessageUID, 0, 2)
	require.NoError(t, s.CreateOutboxMessage(msg, nil, []AttachmentBundle{bundle}))

	// Not uploaded: the gate holds.
	deleted, tombstoned, err := s.DeleteOutboxMessageIfPossible(alice, msg.MessageUID)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.False(t, tombstoned)

	require.NoError(t, s.MarkMessageUploaded(alice, msg.MessageUID, mustUID(t), nil, 1700000000000))

	// Uploaded but a chunk is still outstanding: the gate holds.
	deleted, _, err = s.DeleteOutboxMessageIfPossible(alice, msg.MessageUID)
	require.NoError(t, err)
	assert.False(t, deleted)

	now := time.Now()
	for i := 0; i < 2; i++ {
		_, err := s.AcknowledgeChunk(alice, msg.MessageUID, 0, i, ProcessMain, now)
		require.NoError(t, err)
	}

	deleted, tombstoned, err = s.DeleteOutboxMessageIfPossible(alice, msg.MessageUID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.True(t, tombstoned)

	got, err := s.GetOutboxMessage(alice, msg.MessageUID)
	require.NoError(t, err)
	assert.Nil(t, got)

	tombs, err := s.ListTombstones(alice)
	require.NoError(t, err)
	require.Len(t, tombs, 1)
	assert.Equal(t, msg.MessageUID, tombs[0].MessageUID)
	assert.Equal(t, int64(1700000000000), tombs[0].ServerTimestamp)

	require.NoError(t, s.DeleteTombstone(alice, msg.MessageUID))
	tombs, err = s.ListTombstones(alice)
	require.NoError(t, err)
	assert.Empty(t, tombs)
}

func TestCancelledMessageDeletesWithoutTombstone(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	msg := newTestMessage(t, alice)
	bundle := newTestBundle(alice, msg.MessageUID, 0, 1)
	require.NoError(t, s.CreateOutboxMessage(msg, nil, []AttachmentBundle{bundle}))

	require.NoError(t, s.CancelOutboxMessage(alice, msg.MessageUID))
	require.NoError(t, s.CancelAttachment(alice, msg.MessageUID, 0))

	deleted, tombstoned, err := s.DeleteOutboxMessageIfPossible(alice, msg.MessageUID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, tombstoned)
}

func TestSetChunkSignedURLs(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	msg := newTestMessage(t, alice)
	bundle := newTestBundle(alice, msg.MessageUID, 0, 2)
	require.NoError(t, s.CreateOutboxMessage(msg, nil, []AttachmentBundle{bundle}))

	err := s.SetChunkSignedURLs(alice, msg.MessageUID, 0, []string{"https://a"})
	assert.Error(t, err)

	require.NoError(t, s.SetChunkSignedURLs(alice, msg.MessageUID, 0, []string{"https://a", "https://b"}))

	got, err := s.GetAttachmentBundle(alice, msg.MessageUID, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://a", got.Chunks[0].SignedURL)
	assert.Equal(t, "https://b", got.Chunks[1].SignedURL)
	assert.False(t, got.AllSignedURLsNil())

	// A second fetch trigger loses the precondition check.
	err = s.SetChunkSignedURLs(alice, msg.MessageUID, 0, []string{"https://c", "https://d"})
	assert.ErrorIs(t, err, cerrors.ErrFetchInFlight)
}

func TestAcknowledgeChunk(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	msg := newTestMessage(t, alice)
	bundle := newTestBundle(alice, msg.MessageUID, 0, 1)
	require.NoError(t, s.CreateOutboxMessage(msg, nil, []AttachmentBundle{bundle}))
	require.NoError(t, s.SetChunkLocalFile(alice, msg.MessageUID, 0, 0, "/spool/chunk-0.enc"))

	path, err := s.AcknowledgeChunk(alice, msg.MessageUID, 0, 0, ProcessMain, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "/spool/chunk-0.enc", path)

	got, err := s.GetAttachmentBundle(alice, msg.MessageUID, 0)
	require.NoError(t, err)
	assert.True(t, got.Chunks[0].Acknowledged())
	assert.Equal(t, ProcessMain, got.Chunks[0].AckActor)
	assert.Empty(t, got.Chunks[0].LocalFilePath)
	assert.Equal(t, int64(0), got.CurrentByteCountToUpload())

	_, err = s.AcknowledgeChunk(alice, msg.MessageUID, 0, 0, ProcessExtension, time.Now())
	assert.ErrorIs(t, err, cerrors.ErrAlreadyAcked)
}

func TestResetChunkLocalFilesKeepsSignedURLsAndAcks(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	msg := newTestMessage(t, alice)
	bundle := newTestBundle(alice, msg.MessageUID, 0, 3)
	require.NoError(t, s.CreateOutboxMessage(msg, nil, []AttachmentBundle{bundle}))
	require.NoError(t, s.SetChunkSignedURLs(alice, msg.MessageUID, 0, []string{"https://a", "https://b", "https://c"}))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SetChunkLocalFile(alice, msg.MessageUID, 0, i, "/spool/chunk-"+string(rune('0'+i))+".enc"))
	}
	_, err := s.AcknowledgeChunk(alice, msg.MessageUID, 0, 0, ProcessMain, time.Now())
	require.NoError(t, err)

	paths, err := s.ResetChunkLocalFiles(alice, msg.MessageUID, 0)
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	got, err := s.GetAttachmentBundle(alice, msg.MessageUID, 0)
	require.NoError(t, err)
	assert.True(t, got.Chunks[0].Acknowledged())
	for _, chunk := range got.Chunks {
		assert.Empty(t, chunk.LocalFilePath)
		assert.NotEmpty(t, chunk.SignedURL)
	}
}

func TestAttachmentSessionOwnership(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	messageUID := mustUID(t)
	sess := &AttachmentSession{
		OwnedIdentity:    alice,
		MessageUID:       messageUID,
		AttachmentNumber: 0,
		Process:          ProcessMain,
		SessionID:        "session-1",
		CreatedAt:        time.Now(),
	}
	require.NoError(t, s.CreateAttachmentSession(sess))

	// Same process may refresh its own session.
	sess.SessionID = "session-2"
	require.NoError(t, s.CreateAttachmentSession(sess))

	other := *sess
	other.Process = ProcessExtension
	err := s.CreateAttachmentSession(&other)
	assert.ErrorIs(t, err, cerrors.ErrSessionOwned)

	got, err := s.GetAttachmentSession(alice, messageUID, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "session-2", got.SessionID)

	require.NoError(t, s.DeleteAttachmentSession(alice, messageUID, 0))
	got, err = s.GetAttachmentSession(alice, messageUID, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteSessionsOfProcessType(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	mainSess := &AttachmentSession{OwnedIdentity: alice, MessageUID: mustUID(t), Process: ProcessMain, SessionID: "m"}
	extSess := &AttachmentSession{OwnedIdentity: alice, MessageUID: mustUID(t), Process: ProcessExtension, SessionID: "e"}
	require.NoError(t, s.CreateAttachmentSession(mainSess))
	require.NoError(t, s.CreateAttachmentSession(extSess))

	deleted, err := s.DeleteSessionsOfProcessType(alice, ProcessMain)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "m", deleted[0].SessionID)

	remaining, err := s.GetAttachmentSession(alice, extSess.MessageUID, 0)
	require.NoError(t, err)
	require.NotNil(t, remaining)
	assert.Equal(t, "e", remaining.SessionID)
}

func TestDeleteOrphans(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	// A live message with one attachment, plus orphaned rows from a
	// message that no longer exists.
	live := newTestMessage(t, alice)
	liveBundle := newTestBundle(alice, live.MessageUID, 0, 1)
	require.NoError(t, s.CreateOutboxMessage(live, []MessageHeader{{ToIdentity: types.Identity("bob")}}, []AttachmentBundle{liveBundle}))

	ghost := newTestMessage(t, alice)
	ghostBundle := newTestBundle(alice, ghost.MessageUID, 0, 2)
	require.NoError(t, s.CreateOutboxMessage(ghost, []MessageHeader{{ToIdentity: types.Identity("bob")}}, []AttachmentBundle{ghostBundle}))
	require.NoError(t, s.CreateAttachmentSession(&AttachmentSession{
		OwnedIdentity: alice,
		MessageUID:    ghost.MessageUID,
		Process:       ProcessMain,
		SessionID:     "orphan",
	}))

	// Remove the ghost message row directly, stranding its children.
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket(alice)).Delete(ghost.MessageUID[:])
	}))

	counts, err := s.DeleteOrphans(alice)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Attachments)
	assert.Equal(t, 2, counts.Chunks)
	assert.Equal(t, 1, counts.Headers)
	assert.Equal(t, 1, counts.Sessions)

	// The live message's rows survive.
	bundle, err := s.GetAttachmentBundle(alice, live.MessageUID, 0)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Len(t, bundle.Chunks, 1)
}
