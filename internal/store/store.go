// Package store persists all mutable engine state in a single bbolt
// database: protocol instances, pending received messages, the outbox
// with its attachments, chunks, sessions and tombstones, and the
// replay-protection signature records. Every mutation is one bbolt
// update transaction; lifecycle invariants that span records (consume
// message + transition state, gate deletion on attachment completion)
// are enforced inside the transaction, not by the callers.
package store

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	cerrors "github.com/alexjbarnes/courier/internal/errors"
	"github.com/alexjbarnes/courier/internal/types"
)

const (
	// dbDirPerm is the permission mode for the database directory.
	dbDirPerm = fs.FileMode(0o700)

	// dbFilePerm is the permission mode for the database file.
	dbFilePerm = fs.FileMode(0o600)

	// dbOpenTimeout is the maximum time to wait for the bolt file lock.
	dbOpenTimeout = 5 * time.Second
)

var (
	identitiesBucket = []byte("identities")
	signaturesBucket = []byte("signatures")
	metaBucket       = []byte("meta")
	bindingsBucket   = []byte("push:bindings")
)

var signingSaltKey = []byte("signing-salt")

func instancesBucket(id types.Identity) []byte {
	return []byte("protocol:" + id.Base64() + ":instances")
}

func receivedBucket(id types.Identity) []byte {
	return []byte("protocol:" + id.Base64() + ":received")
}

func outboxBucket(id types.Identity) []byte {
	return []byte("outbox:" + id.Base64() + ":messages")
}

func headersBucket(id types.Identity) []byte {
	return []byte("outbox:" + id.Base64() + ":headers")
}

func attachmentsBucket(id types.Identity) []byte {
	return []byte("outbox:" + id.Base64() + ":attachments")
}

func chunksBucket(id types.Identity) []byte {
	return []byte("outbox:" + id.Base64() + ":chunks")
}

func sessionsBucket(id types.Identity) []byte {
	return []byte("outbox:" + id.Base64() + ":sessions")
}

func tombstonesBucket(id types.Identity) []byte {
	return []byte("outbox:" + id.Base64() + ":deleted")
}

func identityBuckets(id types.Identity) [][]byte {
	return [][]byte{
		instancesBucket(id),
		receivedBucket(id),
		outboxBucket(id),
		headersBucket(id),
		attachmentsBucket(id),
		chunksBucket(id),
		sessionsBucket(id),
		tombstonesBucket(id),
	}
}

// attachmentKey builds the key for an attachment row.
func attachmentKey(messageUID types.UID, number int) []byte {
	key := make([]byte, 0, types.UIDLength+4)
	key = append(key, messageUID[:]...)

	return binary.BigEndian.AppendUint32(key, uint32(number))
}

// chunkKey builds the key for a chunk row.
func chunkKey(messageUID types.UID, number, index int) []byte {
	key := attachmentKey(messageUID, number)

	return binary.BigEndian.AppendUint32(key, uint32(index))
}

// receivedKey builds the key for a received protocol message.
func receivedKey(instanceUID, messageUID types.UID) []byte {
	key := make([]byte, 0, 2*types.UIDLength)
	key = append(key, instanceUID[:]...)

	return append(key, messageUID[:]...)
}

// Store wraps the bbolt database holding all persistent engine state.
type Store struct {
	db *bolt.DB
}

// Open opens the database at the given path, creating it and the shared
// buckets if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(identitiesBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(signaturesBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(bindingsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SigningSalt returns the per-installation salt for deriving the
// challenge signing key, creating it on first use.
func (s *Store) SigningSalt() ([]byte, error) {
	var salt []byte

	err := s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		if existing := mb.Get(signingSaltKey); existing != nil {
			salt = append([]byte(nil), existing...)

			return nil
		}

		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generating signing salt: %w", err)
		}

		return mb.Put(signingSaltKey, salt)
	})
	if err != nil {
		return nil, err
	}

	return salt, nil
}

// RegisterOwnedIdentity records an owned identity and creates its
// buckets. Idempotent.
func (s *Store) RegisterOwnedIdentity(id types.Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(identitiesBucket).Put([]byte(id), []byte{1}); err != nil {
			return err
		}

		for _, name := range identityBuckets(id) {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
}

// ListOwnedIdentities returns every registered owned identity.
func (s *Store) ListOwnedIdentities() ([]types.Identity, error) {
	var ids []types.Identity

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(identitiesBucket).ForEach(func(k, _ []byte) error {
			id := make(types.Identity, len(k))
			copy(id, k)
			ids = append(ids, id)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing owned identities: %w", err)
	}

	return ids, nil
}

// DeleteOwnedIdentityData batch-deletes every record belonging to an
// owned identity: protocol instances, received messages, the whole
// outbox, and the registry entry.
func (s *Store) DeleteOwnedIdentityData(id types.Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range identityBuckets(id) {
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
		}

		if err := tx.Bucket(bindingsBucket).Delete([]byte(id)); err != nil {
			return err
		}

		return tx.Bucket(identitiesBucket).Delete([]byte(id))
	})
}

// PushBinding holds the notification-channel parameters of one owned
// identity: which server to connect to, as which device, with which
// session token.
type PushBinding struct {
	OwnedIdentity types.Identity  `json:"owned_identity"`
	ServerURL     string          `json:"server_url"`
	DeviceUID     types.DeviceUID `json:"device_uid"`
	Token         []byte          `json:"token,omitempty"`
}

// SavePushBinding stores the binding, replacing any previous one.
func (s *Store) SavePushBinding(binding *PushBinding) error {
	data, err := json.Marshal(binding)
	if err != nil {
		return fmt.Errorf("marshalling push binding: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bindingsBucket).Put([]byte(binding.OwnedIdentity), data)
	})
}

// GetPushBinding returns the stored binding, or nil when none exists.
func (s *Store) GetPushBinding(owned types.Identity) (*PushBinding, error) {
	var binding *PushBinding

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bindingsBucket).Get([]byte(owned))
		if v == nil {
			return nil
		}

		binding = &PushBinding{}

		return json.Unmarshal(v, binding)
	})
	if err != nil {
		return nil, fmt.Errorf("getting push binding: %w", err)
	}

	return binding, nil
}

// --- protocol instances and received messages ---

// GetProtocolInstance returns the instance, or nil if none exists.
func (s *Store) GetProtocolInstance(owned types.Identity, instanceUID types.UID) (*ProtocolInstance, error) {
	var pi *ProtocolInstance

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket(owned))
		if b == nil {
			return nil
		}

		v := b.Get(instanceUID[:])
		if v == nil {
			return nil
		}

		pi = &ProtocolInstance{}

		return json.Unmarshal(v, pi)
	})
	if err != nil {
		return nil, fmt.Errorf("getting protocol instance: %w", err)
	}

	return pi, nil
}

// SaveReceivedMessage persists a received protocol message pending
// execution. Overwriting an identical key is harmless: redelivered
// duplicates collapse onto one row.
func (s *Store) SaveReceivedMessage(rm *ReceivedMessage) error {
	data, err := json.Marshal(rm)
	if err != nil {
		return fmt.Errorf("marshalling received message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(receivedBucket(rm.OwnedIdentity))
		if err != nil {
			return err
		}

		return b.Put(receivedKey(rm.InstanceUID, rm.MessageUID), data)
	})
}

// GetReceivedMessage returns a pending message, or nil if it has already
// been consumed.
func (s *Store) GetReceivedMessage(owned types.Identity, instanceUID, messageUID types.UID) (*ReceivedMessage, error) {
	var rm *ReceivedMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(receivedBucket(owned))
		if b == nil {
			return nil
		}

		v := b.Get(receivedKey(instanceUID, messageUID))
		if v == nil {
			return nil
		}

		rm = &ReceivedMessage{}

		return json.Unmarshal(v, rm)
	})
	if err != nil {
		return nil, fmt.Errorf("getting received message: %w", err)
	}

	return rm, nil
}

// DeleteReceivedMessage drops a pending message without executing it.
// Used when no step matches: tolerated reordering/duplication.
func (s *Store) DeleteReceivedMessage(owned types.Identity, instanceUID, messageUID types.UID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(receivedBucket(owned))
		if b == nil {
			return nil
		}

		return b.Delete(receivedKey(instanceUID, messageUID))
	})
}

// CommitStepResult atomically consumes a received message and applies
// the resulting state transition. If the message row is already gone the
// step was executed before (redelivery) and cerrors.ErrNotFound is
// returned without touching anything. Terminal transitions delete the
// instance and every other pending message for it.
func (s *Store) CommitStepResult(owned types.Identity, instanceUID, messageUID types.UID, next *ProtocolInstance, terminal bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rb, err := tx.CreateBucketIfNotExists(receivedBucket(owned))
		if err != nil {
			return err
		}

		key := receivedKey(instanceUID, messageUID)
		if rb.Get(key) == nil {
			return cerrors.ErrNotFound
		}
		if err := rb.Delete(key); err != nil {
			return err
		}

		ib, err := tx.CreateBucketIfNotExists(instancesBucket(owned))
		if err != nil {
			return err
		}

		if terminal {
			if err := ib.Delete(instanceUID[:]); err != nil {
				return err
			}

			return deletePrefix(rb, instanceUID[:])
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshalling protocol instance: %w", err)
		}

		return ib.Put(instanceUID[:], data)
	})
}

// deletePrefix removes every key in the bucket starting with prefix.
func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}

	return nil
}

// --- replay protection ---

// StoreDeletionSignature records a deletion-broadcast signature. Returns
// false when the signature was already present, i.e. the broadcast is a
// replay.
func (s *Store) StoreDeletionSignature(signature []byte) (bool, error) {
	digest := sha256.Sum256(signature)
	added := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(signaturesBucket)
		if b.Get(digest[:]) != nil {
			return nil
		}

		added = true

		return b.Put(digest[:], []byte{1})
	})
	if err != nil {
		return false, fmt.Errorf("storing deletion signature: %w", err)
	}

	return added, nil
}

// HasDeletionSignature reports whether a signature has been seen before.
func (s *Store) HasDeletionSignature(signature []byte) (bool, error) {
	digest := sha256.Sum256(signature)
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(signaturesBucket).Get(digest[:]) != nil

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking deletion signature: %w", err)
	}

	return found, nil
}
