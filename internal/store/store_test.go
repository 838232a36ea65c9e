package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/courier/internal/channel"
	cerrors "github.com/alexjbarnes/courier/internal/errors"
	"github.com/alexjbarnes/courier/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func mustUID(t *testing.T) types.UID {
	t.Helper()

	uid, err := types.NewRandomUID()
	require.NoError(t, err)

	return uid
}

func TestRegisterAndListOwnedIdentities(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	bob := types.Identity("bob")

	require.NoError(t, s.RegisterOwnedIdentity(alice))
	require.NoError(t, s.RegisterOwnedIdentity(bob))
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	ids, err := s.ListOwnedIdentities()
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestSigningSaltIsStable(t *testing.T) {
	s := openTestStore(t)

	first, err := s.SigningSalt()
	require.NoError(t, err)
	assert.Len(t, first, 16)

	second, err := s.SigningSalt()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPushBindingRoundTrip(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	missing, err := s.GetPushBinding(alice)
	require.NoError(t, err)
	assert.Nil(t, missing)

	binding := &PushBinding{
		OwnedIdentity: alice,
		ServerURL:     "wss://push.example.com/ws",
		DeviceUID:     mustUID(t),
		Token:         []byte("session-token"),
	}
	require.NoError(t, s.SavePushBinding(binding))

	got, err := s.GetPushBinding(alice)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, binding.ServerURL, got.ServerURL)
	assert.Equal(t, binding.DeviceUID, got.DeviceUID)
	assert.Equal(t, binding.Token, got.Token)
}

func TestCommitStepResultConsumesMessageOnce(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	instanceUID := mustUID(t)
	messageUID := mustUID(t)

	rm := &ReceivedMessage{
		InstanceUID:   instanceUID,
		OwnedIdentity: alice,
		MessageUID:    messageUID,
		Kind:          110,
		MessageID:     1,
		Payload:       []byte("payload"),
		Reception:     channel.ReceptionInfo{Kind: channel.KindOblivious},
		ReceivedAt:    time.Now(),
	}
	require.NoError(t, s.SaveReceivedMessage(rm))

	next := &ProtocolInstance{
		InstanceUID:   instanceUID,
		OwnedIdentity: alice,
		Kind:          110,
		StateID:       2,
		StateData:     []byte("state"),
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, s.CommitStepResult(alice, instanceUID, messageUID, next, false))

	pi, err := s.GetProtocolInstance(alice, instanceUID)
	require.NoError(t, err)
	require.NotNil(t, pi)
	assert.Equal(t, 2, pi.StateID)

	consumed, err := s.GetReceivedMessage(alice, instanceUID, messageUID)
	require.NoError(t, err)
	assert.Nil(t, consumed)

	// A redelivered duplicate finds the message row gone.
	err = s.CommitStepResult(alice, instanceUID, messageUID, next, false)
	assert.ErrorIs(t, err, cerrors.ErrNotFound)
}

func TestCommitStepResultTerminalDeletesInstanceAndPending(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	instanceUID := mustUID(t)
	messageUID := mustUID(t)
	pendingUID := mustUID(t)

	for _, uid := range []types.UID{messageUID, pendingUID} {
		require.NoError(t, s.SaveReceivedMessage(&ReceivedMessage{
			InstanceUID:   instanceUID,
			OwnedIdentity: alice,
			MessageUID:    uid,
			ReceivedAt:    time.Now(),
		}))
	}

	require.NoError(t, s.CommitStepResult(alice, instanceUID, messageUID, nil, true))

	pi, err := s.GetProtocolInstance(alice, instanceUID)
	require.NoError(t, err)
	assert.Nil(t, pi)

	pending, err := s.GetReceivedMessage(alice, instanceUID, pendingUID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestDeleteReceivedMessage(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))

	instanceUID := mustUID(t)
	messageUID := mustUID(t)

	require.NoError(t, s.SaveReceivedMessage(&ReceivedMessage{
		InstanceUID:   instanceUID,
		OwnedIdentity: alice,
		MessageUID:    messageUID,
	}))
	require.NoError(t, s.DeleteReceivedMessage(alice, instanceUID, messageUID))

	rm, err := s.GetReceivedMessage(alice, instanceUID, messageUID)
	require.NoError(t, err)
	assert.Nil(t, rm)

	// Deleting an absent message is a no-op.
	require.NoError(t, s.DeleteReceivedMessage(alice, instanceUID, messageUID))
}

func TestStoreDeletionSignatureDetectsReplay(t *testing.T) {
	s := openTestStore(t)

	signature := []byte("deletion-signature")

	added, err := s.StoreDeletionSignature(signature)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.StoreDeletionSignature(signature)
	require.NoError(t, err)
	assert.False(t, added)

	found, err := s.HasDeletionSignature(signature)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.HasDeletionSignature([]byte("other"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteOwnedIdentityData(t *testing.T) {
	s := openTestStore(t)

	alice := types.Identity("alice")
	require.NoError(t, s.RegisterOwnedIdentity(alice))
	require.NoError(t, s.SavePushBinding(&PushBinding{OwnedIdentity: alice, ServerURL: "wss://push.example.com"}))

	instanceUID := mustUID(t)
	require.NoError(t, s.SaveReceivedMessage(&ReceivedMessage{
		InstanceUID:   instanceUID,
		OwnedIdentity: alice,
		MessageUID:    mustUID(t),
	}))

	require.NoError(t, s.DeleteOwnedIdentityData(alice))

	ids, err := s.ListOwnedIdentities()
	require.NoError(t, err)
	assert.Empty(t, ids)

	binding, err := s.GetPushBinding(alice)
	require.NoError(t, err)
	assert.Nil(t, binding)

	pi, err := s.GetProtocolInstance(alice, instanceUID)
	require.NoError(t, err)
	assert.Nil(t, pi)
}
