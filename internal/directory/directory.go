// Package directory persists the identity-facing records the protocol
// steps read and mutate: contacts with their signing keys, version-1 and
// version-2 groups, and the owned device list. It lives in its own bbolt
// database so protocol state and identity state can be wiped
// independently.
package directory

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	cerrors "github.com/alexjbarnes/courier/internal/errors"
	"github.com/alexjbarnes/courier/internal/protocol"
	"github.com/alexjbarnes/courier/internal/types"
)

const (
	dbDirPerm     = fs.FileMode(0o700)
	dbFilePerm    = fs.FileMode(0o600)
	dbOpenTimeout = 5 * time.Second
)

func groupsBucket(id types.Identity) []byte {
	return []byte("directory:" + id.Base64() + ":groups")
}

func groupsV2Bucket(id types.Identity) []byte {
	return []byte("directory:" + id.Base64() + ":groups2")
}

func contactsBucket(id types.Identity) []byte {
	return []byte("directory:" + id.Base64() + ":contacts")
}

func devicesBucket(id types.Identity) []byte {
	return []byte("directory:" + id.Base64() + ":devices")
}

func identityBuckets(id types.Identity) [][]byte {
	return [][]byte{
		groupsBucket(id),
		groupsV2Bucket(id),
		contactsBucket(id),
		devicesBucket(id),
	}
}

var currentDeviceKey = []byte("current")

// contactRecord is the stored form of a contact.
type contactRecord struct {
	Identity         types.Identity `json:"identity"`
	SigningKey       []byte         `json:"signing_key"`
	DiscoveryPending bool           `json:"discovery_pending"`
	AddedAt          time.Time      `json:"added_at"`
}

// deviceRecord is the stored form of an owned device.
type deviceRecord struct {
	DeviceUID types.DeviceUID `json:"device_uid"`
	Current   bool            `json:"current"`
}

// Directory is a bbolt-backed protocol.IdentityDirectory.
type Directory struct {
	db *bolt.DB
}

// Open opens the directory database at the given path, creating it if
// needed.
func Open(path string) (*Directory, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating directory db dir: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening directory db: %w", err)
	}

	return &Directory{db: db}, nil
}

// Close closes the database.
func (d *Directory) Close() error {
	return d.db.Close()
}

// RegisterOwnedIdentity creates the per-identity buckets. Idempotent.
func (d *Directory) RegisterOwnedIdentity(owned types.Identity) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range identityBuckets(owned) {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling record: %w", err)
	}

	return b.Put(key, raw)
}

// --- version-1 groups ---

// Group returns the group record, or nil when absent.
func (d *Directory) Group(owned types.Identity, groupUID types.UID) (*protocol.Group, error) {
	var group *protocol.Group

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(groupsBucket(owned))
		if b == nil {
			return nil
		}

		raw := b.Get(groupUID[:])
		if raw == nil {
			return nil
		}

		group = &protocol.Group{}

		return json.Unmarshal(raw, group)
	})
	if err != nil {
		return nil, fmt.Errorf("reading group: %w", err)
	}

	return group, nil
}

// CreateGroup stores a group record, overwriting any previous version.
func (d *Directory) CreateGroup(owned types.Identity, group *protocol.Group) error {
	return d.update(owned, func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(groupsBucket(owned)), group.GroupUID.Bytes(), group)
	})
}

// DeleteGroup removes a group record. Deleting an absent group is not an
// error.
func (d *Directory) DeleteGroup(owned types.Identity, groupUID types.UID) error {
	return d.update(owned, func(tx *bolt.Tx) error {
		return tx.Bucket(groupsBucket(owned)).Delete(groupUID[:])
	})
}

// mutateGroup loads, transforms and stores one group inside a single
// transaction.
func (d *Directory) mutateGroup(owned types.Identity, groupUID types.UID, mutate func(*protocol.Group) error) error {
	return d.update(owned, func(tx *bolt.Tx) error {
		b := tx.Bucket(groupsBucket(owned))

		raw := b.Get(groupUID[:])
		if raw == nil {
			return cerrors.ErrNotFound
		}

		var group protocol.Group
		if err := json.Unmarshal(raw, &group); err != nil {
			return fmt.Errorf("unmarshalling group: %w", err)
		}

		if err := mutate(&group); err != nil {
			return err
		}

		return putJSON(b, groupUID[:], &group)
	})
}

// ResetGroupMembersVersion zeroes the member-list version so the owner
// pushes a full member resync.
func (d *Directory) ResetGroupMembersVersion(owned types.Identity, groupUID types.UID) error {
	return d.mutateGroup(owned, groupUID, func(g *protocol.Group) error {
		g.MembersVersion = 0

		return nil
	})
}

// PromotePendingMember moves a pending member into the member list.
func (d *Directory) PromotePendingMember(owned types.Identity, groupUID types.UID, member types.Identity) error {
	return d.mutateGroup(owned, groupUID, func(g *protocol.Group) error {
		g.PendingMembers = removeIdentity(g.PendingMembers, member)
		if !g.IsMember(member) {
			g.Members = append(g.Members, member)
		}
		g.MembersVersion++

		return nil
	})
}

// DemoteMemberToDeclined removes a full member and marks them declined.
func (d *Directory) DemoteMemberToDeclined(owned types.Identity, groupUID types.UID, member types.Identity) error {
	return d.mutateGroup(owned, groupUID, func(g *protocol.Group) error {
		g.Members = removeIdentity(g.Members, member)
		g.PendingMembers = removeIdentity(g.PendingMembers, member)
		if !containsIdentity(g.DeclinedPendingMembers, member) {
			g.DeclinedPendingMembers = append(g.DeclinedPendingMembers, member)
		}
		g.MembersVersion++

		return nil
	})
}

// MarkPendingMemberDeclined records that a pending member declined.
func (d *Directory) MarkPendingMemberDeclined(owned types.Identity, groupUID types.UID, member types.Identity) error {
	return d.mutateGroup(owned, groupUID, func(g *protocol.Group) error {
		g.PendingMembers = removeIdentity(g.PendingMembers, member)
		if !containsIdentity(g.DeclinedPendingMembers, member) {
			g.DeclinedPendingMembers = append(g.DeclinedPendingMembers, member)
		}

		return nil
	})
}

// UpdateGroupMembers replaces the member list and bumps its version.
func (d *Directory) UpdateGroupMembers(owned types.Identity, groupUID types.UID, members []types.Identity) error {
	return d.mutateGroup(owned, groupUID, func(g *protocol.Group) error {
		g.Members = members
		g.MembersVersion++

		return nil
	})
}

// Groups lists every version-1 group of the identity.
func (d *Directory) Groups(owned types.Identity) ([]protocol.Group, error) {
	var groups []protocol.Group

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(groupsBucket(owned))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, raw []byte) error {
			var group protocol.Group
			if err := json.Unmarshal(raw, &group); err != nil {
				return fmt.Errorf("unmarshalling group: %w", err)
			}
			groups = append(groups, group)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return groups, nil
}

// --- version-2 groups ---

// CreateGroupV2 stores a version-2 group membership record.
func (d *Directory) CreateGroupV2(owned types.Identity, group *protocol.GroupV2) error {
	return d.update(owned, func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(groupsV2Bucket(owned)), group.GroupIdentifier.Bytes(), group)
	})
}

// GroupsV2 lists every version-2 group membership.
func (d *Directory) GroupsV2(owned types.Identity) ([]protocol.GroupV2, error) {
	var groups []protocol.GroupV2

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(groupsV2Bucket(owned))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, raw []byte) error {
			var group protocol.GroupV2
			if err := json.Unmarshal(raw, &group); err != nil {
				return fmt.Errorf("unmarshalling v2 group: %w", err)
			}
			groups = append(groups, group)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return groups, nil
}

// LeaveGroupV2 drops the local membership record.
func (d *Directory) LeaveGroupV2(owned types.Identity, groupIdentifier types.UID) error {
	return d.update(owned, func(tx *bolt.Tx) error {
		return tx.Bucket(groupsV2Bucket(owned)).Delete(groupIdentifier[:])
	})
}

// DisbandGroupV2 drops the membership record of a group this identity
// dissolved as its last admin.
func (d *Directory) DisbandGroupV2(owned types.Identity, groupIdentifier types.UID) error {
	return d.update(owned, func(tx *bolt.Tx) error {
		return tx.Bucket(groupsV2Bucket(owned)).Delete(groupIdentifier[:])
	})
}

// --- contacts ---

// AddContact records a contact and its signing key.
func (d *Directory) AddContact(owned, contact types.Identity, signingKey ed25519.PublicKey) error {
	record := contactRecord{
		Identity:   contact,
		SigningKey: signingKey,
		AddedAt:    time.Now(),
	}

	return d.update(owned, func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(contactsBucket(owned)), []byte(contact), &record)
	})
}

// Contacts lists every contact identity.
func (d *Directory) Contacts(owned types.Identity) ([]types.Identity, error) {
	var contacts []types.Identity

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(contactsBucket(owned))
		if b == nil {
			return nil
		}

		return b.ForEach(func(key, _ []byte) error {
			contacts = append(contacts, types.Identity(append([]byte(nil), key...)))

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return contacts, nil
}

func (d *Directory) contact(owned, contact types.Identity) (*contactRecord, error) {
	var record *contactRecord

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(contactsBucket(owned))
		if b == nil {
			return nil
		}

		raw := b.Get([]byte(contact))
		if raw == nil {
			return nil
		}

		record = &contactRecord{}

		return json.Unmarshal(raw, record)
	})
	if err != nil {
		return nil, fmt.Errorf("reading contact: %w", err)
	}

	return record, nil
}

// ContactSigningKey returns the ed25519 key the contact signs challenges
// with. ErrNotFound when the contact is unknown.
func (d *Directory) ContactSigningKey(owned, contact types.Identity) (ed25519.PublicKey, error) {
	record, err := d.contact(owned, contact)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, cerrors.ErrNotFound
	}

	return ed25519.PublicKey(record.SigningKey), nil
}

// DeleteContact removes the contact record. Idempotent.
func (d *Directory) DeleteContact(owned, contact types.Identity) error {
	return d.update(owned, func(tx *bolt.Tx) error {
		return tx.Bucket(contactsBucket(owned)).Delete([]byte(contact))
	})
}

// RemoveContactFromAllGroups scrubs the contact from every member,
// pending and declined list of the identity's groups.
func (d *Directory) RemoveContactFromAllGroups(owned, contact types.Identity) error {
	return d.update(owned, func(tx *bolt.Tx) error {
		b := tx.Bucket(groupsBucket(owned))

		return b.ForEach(func(key, raw []byte) error {
			var group protocol.Group
			if err := json.Unmarshal(raw, &group); err != nil {
				return fmt.Errorf("unmarshalling group: %w", err)
			}

			before := len(group.Members) + len(group.PendingMembers) + len(group.DeclinedPendingMembers)
			group.Members = removeIdentity(group.Members, contact)
			group.PendingMembers = removeIdentity(group.PendingMembers, contact)
			group.DeclinedPendingMembers = removeIdentity(group.DeclinedPendingMembers, contact)
			after := len(group.Members) + len(group.PendingMembers) + len(group.DeclinedPendingMembers)

			if before == after {
				return nil
			}
			group.MembersVersion++

			return putJSON(b, key, &group)
		})
	})
}

// TriggerDeviceDiscovery flags the contact for a device rediscovery on
// the next directory sync.
func (d *Directory) TriggerDeviceDiscovery(owned, contact types.Identity) error {
	return d.update(owned, func(tx *bolt.Tx) error {
		b := tx.Bucket(contactsBucket(owned))

		raw := b.Get([]byte(contact))
		if raw == nil {
			return cerrors.ErrNotFound
		}

		var record contactRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("unmarshalling contact: %w", err)
		}
		record.DiscoveryPending = true

		return putJSON(b, []byte(contact), &record)
	})
}

// --- owned devices ---

// SetCurrentDevice records the device UID of this installation.
func (d *Directory) SetCurrentDevice(owned types.Identity, deviceUID types.DeviceUID) error {
	record := deviceRecord{DeviceUID: deviceUID, Current: true}

	return d.update(owned, func(tx *bolt.Tx) error {
		b := tx.Bucket(devicesBucket(owned))
		if err := putJSON(b, deviceUID.Bytes(), &record); err != nil {
			return err
		}

		return b.Put(currentDeviceKey, deviceUID.Bytes())
	})
}

// AddOwnedDevice records a sibling device of the identity.
func (d *Directory) AddOwnedDevice(owned types.Identity, deviceUID types.DeviceUID) error {
	record := deviceRecord{DeviceUID: deviceUID}

	return d.update(owned, func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(devicesBucket(owned)), deviceUID.Bytes(), &record)
	})
}

// OwnedDevices lists every known device of the identity, current one
// included.
func (d *Directory) OwnedDevices(owned types.Identity) ([]types.DeviceUID, error) {
	var devices []types.DeviceUID

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(devicesBucket(owned))
		if b == nil {
			return nil
		}

		return b.ForEach(func(key, raw []byte) error {
			if len(key) != types.UIDLength {
				return nil // the current-device pointer
			}

			var record deviceRecord
			if err := json.Unmarshal(raw, &record); err != nil {
				return fmt.Errorf("unmarshalling device: %w", err)
			}
			devices = append(devices, record.DeviceUID)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return devices, nil
}

// CurrentDeviceUID returns the device UID of this installation.
// ErrNotFound until SetCurrentDevice was called.
func (d *Directory) CurrentDeviceUID(owned types.Identity) (types.DeviceUID, error) {
	var deviceUID types.DeviceUID
	found := false

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(devicesBucket(owned))
		if b == nil {
			return nil
		}

		raw := b.Get(currentDeviceKey)
		if raw == nil {
			return nil
		}

		uid, err := types.UIDFromBytes(raw)
		if err != nil {
			return err
		}
		deviceUID = uid
		found = true

		return nil
	})
	if err != nil {
		return types.UID{}, err
	}
	if !found {
		return types.UID{}, cerrors.ErrNotFound
	}

	return deviceUID, nil
}

// DeleteOwnedIdentity drops every directory bucket of the identity.
func (d *Directory) DeleteOwnedIdentity(owned types.Identity) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range identityBuckets(owned) {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}

		return nil
	})
}

// update runs a mutation, creating the identity buckets on first touch.
func (d *Directory) update(owned types.Identity, fn func(tx *bolt.Tx) error) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range identityBuckets(owned) {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return fn(tx)
	})
}

func containsIdentity(ids []types.Identity, id types.Identity) bool {
	for _, candidate := range ids {
		if candidate.Equal(id) {
			return true
		}
	}

	return false
}

func removeIdentity(ids []types.Identity, id types.Identity) []types.Identity {
	out := ids[:0]
	for _, candidate := range ids {
		if !candidate.Equal(id) {
			out = append(out, candidate)
		}
	}

	return out
}
