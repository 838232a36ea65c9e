package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	cerrors "github.com/alexjbarnes/courier/internal/errors"
	"github.com/alexjbarnes/courier/internal/types"
)

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling record: %w", err)
	}

	return b.Put(key, data)
}

// CreateOutboxMessage persists a message, its per-device headers, and its
// attachments with their pre-computed chunk partitions in one
// transaction.
func (s *Store) CreateOutboxMessage(msg *OutboxMessage, headers []MessageHeader, attachments []AttachmentBundle) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		mb, err := tx.CreateBucketIfNotExists(outboxBucket(msg.OwnedIdentity))
		if err != nil {
			return err
		}
		if err := putJSON(mb, msg.MessageUID[:], msg); err != nil {
			return err
		}

		hb, err := tx.CreateBucketIfNotExists(headersBucket(msg.OwnedIdentity))
		if err != nil {
			return err
		}
		for i := range headers {
			h := &headers[i]
			h.OwnedIdentity = msg.OwnedIdentity
			h.MessageUID = msg.MessageUID

			// Key includes recipient identity and device: identity-level
			// headers share the zero device UID.
			key := msg.MessageUID.Bytes()
			key = append(key, h.ToIdentity...)
			key = append(key, h.DeviceUID[:]...)
			if err := putJSON(hb, key, h); err != nil {
				return err
			}
		}

		ab, err := tx.CreateBucketIfNotExists(attachmentsBucket(msg.OwnedIdentity))
		if err != nil {
			return err
		}
		cb, err := tx.CreateBucketIfNotExists(chunksBucket(msg.OwnedIdentity))
		if err != nil {
			return err
		}
		for i := range attachments {
			att := &attachments[i].Attachment
			att.OwnedIdentity = msg.OwnedIdentity
			att.MessageUID = msg.MessageUID
			if err := putJSON(ab, attachmentKey(msg.MessageUID, att.Number), att); err != nil {
				return err
			}
			for j := range attachments[i].Chunks {
				chunk := &attachments[i].Chunks[j]
				chunk.OwnedIdentity = msg.OwnedIdentity
				chunk.MessageUID = msg.MessageUID
				chunk.AttachmentNumber = att.Number
				if err := putJSON(cb, chunkKey(msg.MessageUID, att.Number, chunk.Index), chunk); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// GetOutboxMessage returns the message, or nil if absent.
func (s *Store) GetOutboxMessage(owned types.Identity, messageUID types.UID) (*OutboxMessage, error) {
	var msg *OutboxMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket(owned))
		if b == nil {
			return nil
		}

		v := b.Get(messageUID[:])
		if v == nil {
			return nil
		}

		msg = &OutboxMessage{}

		return json.Unmarshal(v, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("getting outbox message: %w", err)
	}

	return msg, nil
}

// ListOutboxMessages returns every outbox message for an identity.
func (s *Store) ListOutboxMessages(owned types.Identity) ([]OutboxMessage, error) {
	var msgs []OutboxMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket(owned))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var m OutboxMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			msgs = append(msgs, m)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing outbox messages: %w", err)
	}

	return msgs, nil
}

// ListMessageHeaders returns the per-device headers of a message.
func (s *Store) ListMessageHeaders(owned types.Identity, messageUID types.UID) ([]MessageHeader, error) {
	var headers []MessageHeader

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(headersBucket(owned))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Seek(messageUID[:]); k != nil && bytes.HasPrefix(k, messageUID[:]); k, v = c.Next() {
			var h MessageHeader
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			headers = append(headers, h)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing message headers: %w", err)
	}

	return headers, nil
}

// MarkMessageUploaded records the server acknowledgement for a message.
func (s *Store) MarkMessageUploaded(owned types.Identity, messageUID, serverUID types.UID, nonce []byte, serverTimestamp int64) error {
	return s.updateMessage(owned, messageUID, func(m *OutboxMessage) {
		m.Uploaded = true
		m.ServerUID = serverUID
		m.ServerNonce = nonce
		m.ServerTimestamp = serverTimestamp
	})
}

// CancelOutboxMessage sets the cooperative cancellation flag. In-flight
// operations observe it on their next scheduling decision.
func (s *Store) CancelOutboxMessage(owned types.Identity, messageUID types.UID) error {
	return s.updateMessage(owned, messageUID, func(m *OutboxMessage) {
		m.Cancelled = true
	})
}

func (s *Store) updateMessage(owned types.Identity, messageUID types.UID, mutate func(*OutboxMessage)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket(owned))
		if b == nil {
			return cerrors.ErrMessageNotCreated
		}

		v := b.Get(messageUID[:])
		if v == nil {
			return cerrors.ErrMessageNotCreated
		}

		var m OutboxMessage
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}

		mutate(&m)

		return putJSON(b, messageUID[:], &m)
	})
}

// CancelAttachment sets the cancellation flag on one attachment.
func (s *Store) CancelAttachment(owned types.Identity, messageUID types.UID, number int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(attachmentsBucket(owned))
		if b == nil {
			return cerrors.ErrNotFound
		}

		key := attachmentKey(messageUID, number)
		v := b.Get(key)
		if v == nil {
			return cerrors.ErrNotFound
		}

		var att OutboxAttachment
		if err := json.Unmarshal(v, &att); err != nil {
			return err
		}

		att.Cancelled = true

		return putJSON(b, key, &att)
	})
}

// GetAttachmentBundle loads an attachment and its ordered chunks, or nil
// if the attachment is absent.
func (s *Store) GetAttachmentBundle(owned types.Identity, messageUID types.UID, number int) (*AttachmentBundle, error) {
	var bundle *AttachmentBundle

	err := s.db.View(func(tx *bolt.Tx) error {
		ab := tx.Bucket(attachmentsBucket(owned))
		if ab == nil {
			return nil
		}

		v := ab.Get(attachmentKey(messageUID, number))
		if v == nil {
			return nil
		}

		bundle = &AttachmentBundle{}
		if err := json.Unmarshal(v, &bundle.Attachment); err != nil {
			return err
		}

		cb := tx.Bucket(chunksBucket(owned))
		if cb == nil {
			return nil
		}

		prefix := attachmentKey(messageUID, number)
		c := cb.Cursor()
		for k, cv := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, cv = c.Next() {
			var chunk OutboxAttachmentChunk
			if err := json.Unmarshal(cv, &chunk); err != nil {
				return err
			}
			bundle.Chunks = append(bundle.Chunks, chunk)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting attachment bundle: %w", err)
	}

	return bundle, nil
}

// ListAttachmentBundles loads every attachment of a message.
func (s *Store) ListAttachmentBundles(owned types.Identity, messageUID types.UID) ([]AttachmentBundle, error) {
	var bundles []AttachmentBundle

	err := s.db.View(func(tx *bolt.Tx) error {
		ab := tx.Bucket(attachmentsBucket(owned))
		if ab == nil {
			return nil
		}

		cb := tx.Bucket(chunksBucket(owned))
		c := ab.Cursor()
		for k, v := c.Seek(messageUID[:]); k != nil && bytes.HasPrefix(k, messageUID[:]); k, v = c.Next() {
			var bundle AttachmentBundle
			if err := json.Unmarshal(v, &bundle.Attachment); err != nil {
				return err
			}

			if cb != nil {
				prefix := attachmentKey(messageUID, bundle.Attachment.Number)
				cc := cb.Cursor()
				for ck, cv := cc.Seek(prefix); ck != nil && bytes.HasPrefix(ck, prefix); ck, cv = cc.Next() {
					var chunk OutboxAttachmentChunk
					if err := json.Unmarshal(cv, &chunk); err != nil {
						return err
					}
					bundle.Chunks = append(bundle.Chunks, chunk)
				}
			}

			bundles = append(bundles, bundle)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing attachment bundles: %w", err)
	}

	return bundles, nil
}

// SetChunkSignedURLs stores one signed URL per chunk. The transactional
// precondition that every URL is still nil makes concurrent fetch
// triggers collapse into at most one write; a loser gets
// cerrors.ErrFetchInFlight.
func (s *Store) SetChunkSignedURLs(owned types.Identity, messageUID types.UID, number int, urls []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(chunksBucket(owned))
		if cb == nil {
			return cerrors.ErrNotFound
		}

		prefix := attachmentKey(messageUID, number)
		var chunks []OutboxAttachmentChunk
		var keys [][]byte

		c := cb.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var chunk OutboxAttachmentChunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return err
			}
			if chunk.SignedURL != "" {
				return cerrors.ErrFetchInFlight
			}
			chunks = append(chunks, chunk)
			keys = append(keys, append([]byte(nil), k...))
		}

		if len(chunks) == 0 {
			return cerrors.ErrNotFound
		}
		if len(urls) != len(chunks) {
			return fmt.Errorf("got %d signed URLs for %d chunks", len(urls), len(chunks))
		}

		for i := range chunks {
			chunks[i].SignedURL = urls[i]
			if err := putJSON(cb, keys[i], &chunks[i]); err != nil {
				return err
			}
		}

		return nil
	})
}

// SetChunkLocalFile records the path of the locally materialized
// encrypted chunk file.
func (s *Store) SetChunkLocalFile(owned types.Identity, messageUID types.UID, number, index int, path string) error {
	return s.updateChunk(owned, messageUID, number, index, func(c *OutboxAttachmentChunk) error {
		c.LocalFilePath = path

		return nil
	})
}

// AcknowledgeChunk stamps the acknowledgement timestamp and actor, and
// clears the local file reference. Returns the path of the local
// encrypted chunk file so the caller can remove it, and
// cerrors.ErrAlreadyAcked when the chunk was acknowledged before (by
// either process).
func (s *Store) AcknowledgeChunk(owned types.Identity, messageUID types.UID, number, index int, actor ProcessType, now time.Time) (string, error) {
	var localFile string

	err := s.updateChunk(owned, messageUID, number, index, func(c *OutboxAttachmentChunk) error {
		if c.Acknowledged() {
			return cerrors.ErrAlreadyAcked
		}

		localFile = c.LocalFilePath
		c.AckTime = now
		c.AckActor = actor
		c.LocalFilePath = ""

		return nil
	})
	if err != nil {
		return "", err
	}

	return localFile, nil
}

// ResetChunkLocalFiles clears the local file reference of every
// unacknowledged chunk and returns the cleared paths for on-disk
// cleanup. Signed URLs are kept: a reset must not force a re-fetch.
func (s *Store) ResetChunkLocalFiles(owned types.Identity, messageUID types.UID, number int) ([]string, error) {
	var paths []string

	err := s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(chunksBucket(owned))
		if cb == nil {
			return nil
		}

		prefix := attachmentKey(messageUID, number)
		c := cb.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var chunk OutboxAttachmentChunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return err
			}
			if chunk.Acknowledged() || chunk.LocalFilePath == "" {
				continue
			}

			paths = append(paths, chunk.LocalFilePath)
			chunk.LocalFilePath = ""
			if err := putJSON(cb, append([]byte(nil), k...), &chunk); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resetting chunk local files: %w", err)
	}

	return paths, nil
}

func (s *Store) updateChunk(owned types.Identity, messageUID types.UID, number, index int, mutate func(*OutboxAttachmentChunk) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(chunksBucket(owned))
		if cb == nil {
			return cerrors.ErrNotFound
		}

		key := chunkKey(messageUID, number, index)
		v := cb.Get(key)
		if v == nil {
			return cerrors.ErrNotFound
		}

		var chunk OutboxAttachmentChunk
		if err := json.Unmarshal(v, &chunk); err != nil {
			return err
		}

		if err := mutate(&chunk); err != nil {
			return err
		}

		return putJSON(cb, key, &chunk)
	})
}

// --- attachment sessions ---

// CreateAttachmentSession records upload-session ownership. At most one
// session may exist per attachment; a session held by another process
// yields cerrors.ErrSessionOwned.
func (s *Store) CreateAttachmentSession(sess *AttachmentSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionsBucket(sess.OwnedIdentity))
		if err != nil {
			return err
		}

		key := attachmentKey(sess.MessageUID, sess.AttachmentNumber)
		if v := b.Get(key); v != nil {
			var existing AttachmentSession
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Process != sess.Process {
				return cerrors.ErrSessionOwned
			}
		}

		return putJSON(b, key, sess)
	})
}

// GetAttachmentSession returns the session, or nil if none exists.
func (s *Store) GetAttachmentSession(owned types.Identity, messageUID types.UID, number int) (*AttachmentSession, error) {
	var sess *AttachmentSession

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket(owned))
		if b == nil {
			return nil
		}

		v := b.Get(attachmentKey(messageUID, number))
		if v == nil {
			return nil
		}

		sess = &AttachmentSession{}

		return json.Unmarshal(v, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("getting attachment session: %w", err)
	}

	return sess, nil
}

// DeleteAttachmentSession removes the session record.
func (s *Store) DeleteAttachmentSession(owned types.Identity, messageUID types.UID, number int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket(owned))
		if b == nil {
			return nil
		}

		return b.Delete(attachmentKey(messageUID, number))
	})
}

// DeleteSessionsOfProcessType deletes every session created by the given
// process type and returns the deleted records, so the caller can cancel
// the matching background transfers.
func (s *Store) DeleteSessionsOfProcessType(owned types.Identity, process ProcessType) ([]AttachmentSession, error) {
	var deleted []AttachmentSession

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket(owned))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess AttachmentSession
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.Process != process {
				continue
			}

			deleted = append(deleted, sess)
			if err := c.Delete(); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deleting sessions of process %s: %w", process, err)
	}

	return deleted, nil
}

// --- deletion and tombstones ---

// DeleteOutboxMessageIfPossible checks the deletion gate inside the
// transaction and, when it passes, removes the message with all its
// headers, attachments, chunks and sessions. A tombstone is written when
// the message had been uploaded, to drive the post-deletion notification
// exactly once.
func (s *Store) DeleteOutboxMessageIfPossible(owned types.Identity, messageUID types.UID) (deleted, tombstoned bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(outboxBucket(owned))
		if mb == nil {
			return nil
		}

		v := mb.Get(messageUID[:])
		if v == nil {
			return nil
		}

		var msg OutboxMessage
		if err := json.Unmarshal(v, &msg); err != nil {
			return err
		}

		bundles, err := readBundlesTx(tx, owned, messageUID)
		if err != nil {
			return err
		}
		if !MessageCanBeDeleted(&msg, bundles) {
			return nil
		}

		if err := mb.Delete(messageUID[:]); err != nil {
			return err
		}
		for _, name := range [][]byte{headersBucket(owned), attachmentsBucket(owned), chunksBucket(owned), sessionsBucket(owned)} {
			b := tx.Bucket(name)
			if b == nil {
				continue
			}
			if err := deletePrefix(b, messageUID[:]); err != nil {
				return err
			}
		}

		deleted = true

		if msg.Uploaded {
			tb, err := tx.CreateBucketIfNotExists(tombstonesBucket(owned))
			if err != nil {
				return err
			}

			tomb := DeletedOutboxMessage{
				OwnedIdentity:   owned,
				MessageUID:      messageUID,
				ServerTimestamp: msg.ServerTimestamp,
			}
			if err := putJSON(tb, messageUID[:], &tomb); err != nil {
				return err
			}
			tombstoned = true
		}

		return nil
	})
	if err != nil {
		return false, false, fmt.Errorf("deleting outbox message: %w", err)
	}

	return deleted, tombstoned, nil
}

func readBundlesTx(tx *bolt.Tx, owned types.Identity, messageUID types.UID) ([]AttachmentBundle, error) {
	ab := tx.Bucket(attachmentsBucket(owned))
	if ab == nil {
		return nil, nil
	}

	cb := tx.Bucket(chunksBucket(owned))
	var bundles []AttachmentBundle

	c := ab.Cursor()
	for k, v := c.Seek(messageUID[:]); k != nil && bytes.HasPrefix(k, messageUID[:]); k, v = c.Next() {
		var bundle AttachmentBundle
		if err := json.Unmarshal(v, &bundle.Attachment); err != nil {
			return nil, err
		}

		if cb != nil {
			prefix := attachmentKey(messageUID, bundle.Attachment.Number)
			cc := cb.Cursor()
			for ck, cv := cc.Seek(prefix); ck != nil && bytes.HasPrefix(ck, prefix); ck, cv = cc.Next() {
				var chunk OutboxAttachmentChunk
				if err := json.Unmarshal(cv, &chunk); err != nil {
					return nil, err
				}
				bundle.Chunks = append(bundle.Chunks, chunk)
			}
		}

		bundles = append(bundles, bundle)
	}

	return bundles, nil
}

// ListTombstones returns every deletion tombstone for an identity.
func (s *Store) ListTombstones(owned types.Identity) ([]DeletedOutboxMessage, error) {
	var tombs []DeletedOutboxMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tombstonesBucket(owned))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var t DeletedOutboxMessage
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tombs = append(tombs, t)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing tombstones: %w", err)
	}

	return tombs, nil
}

// DeleteTombstone removes a tombstone after its notification has been
// delivered.
func (s *Store) DeleteTombstone(owned types.Identity, messageUID types.UID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tombstonesBucket(owned))
		if b == nil {
			return nil
		}

		return b.Delete(messageUID[:])
	})
}

// OrphanCounts reports what a reconciliation pass removed.
type OrphanCounts struct {
	Chunks      int
	Attachments int
	Headers     int
	Sessions    int
}

// DeleteOrphans removes rows whose parent is gone: chunks without an
// attachment, attachments and headers without a message, sessions
// without an attachment. Cascades are enforced here rather than by the
// storage engine.
func (s *Store) DeleteOrphans(owned types.Identity) (OrphanCounts, error) {
	var counts OrphanCounts

	err := s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(outboxBucket(owned))
		ab := tx.Bucket(attachmentsBucket(owned))

		messageExists := func(uid []byte) bool {
			return mb != nil && mb.Get(uid) != nil
		}
		attachmentExists := func(key []byte) bool {
			return ab != nil && ab.Get(key) != nil
		}

		if ab != nil {
			c := ab.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if !messageExists(k[:types.UIDLength]) {
					if err := c.Delete(); err != nil {
						return err
					}
					counts.Attachments++
				}
			}
		}

		if hb := tx.Bucket(headersBucket(owned)); hb != nil {
			c := hb.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if !messageExists(k[:types.UIDLength]) {
					if err := c.Delete(); err != nil {
						return err
					}
					counts.Headers++
				}
			}
		}

		if cb := tx.Bucket(chunksBucket(owned)); cb != nil {
			c := cb.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if !attachmentExists(k[:types.UIDLength+4]) {
					if err := c.Delete(); err != nil {
						return err
					}
					counts.Chunks++
				}
			}
		}

		if sb := tx.Bucket(sessionsBucket(owned)); sb != nil {
			c := sb.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if !attachmentExists(k) {
					if err := c.Delete(); err != nil {
						return err
					}
					counts.Sessions++
				}
			}
		}

		return nil
	})
	if err != nil {
		return OrphanCounts{}, fmt.Errorf("deleting orphans: %w", err)
	}

	return counts, nil
}
