package protocol

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/courier/internal/channel"
	"github.com/alexjbarnes/courier/internal/crypto"
	"github.com/alexjbarnes/courier/internal/encoding"
	"github.com/alexjbarnes/courier/internal/types"
)

// Owned-identity-deletion message ids.
const (
	MsgInitiateOwnedDeletion   MessageID = 0
	MsgPropagatedDeletionStart MessageID = 1
	MsgReplayDeletionStart     MessageID = 2
	MsgContinueDeletion        MessageID = 3
	MsgPropagatedFinalize      MessageID = 4
	MsgReplayFinalize          MessageID = 5
)

// Owned-identity-deletion state ids.
const (
	StateFirstDeletionStepPerformed StateID = 1
	StateDeletionFinished           StateID = 100
)

// Contact-side deletion message ids.
const (
	MsgContactDeletionBroadcast  MessageID = 0
	MsgPropagatedContactDeletion MessageID = 1
)

// StateContactDeletionProcessed terminates the contact-side protocol.
const StateContactDeletionProcessed StateID = 1

func init() {
	local := []channel.Kind{channel.KindLocal}
	sibling := []channel.Kind{channel.KindOwnedDevices, channel.KindLocal}
	broadcast := []channel.Kind{channel.KindAsymmetricBroadcast}

	register(KindOwnedIdentityDeletion, StateInitial, MsgInitiateOwnedDeletion, "StartDeletion", local, startDeletionStep)
	register(KindOwnedIdentityDeletion, StateInitial, MsgPropagatedDeletionStart, "StartDeletion", sibling, startDeletionStep)
	register(KindOwnedIdentityDeletion, StateInitial, MsgReplayDeletionStart, "StartDeletion", local, startDeletionStep)
	register(KindOwnedIdentityDeletion, StateFirstDeletionStepPerformed, MsgContinueDeletion, "FinalizeDeletion", local, finalizeDeletionStep)
	register(KindOwnedIdentityDeletion, StateFirstDeletionStepPerformed, MsgPropagatedFinalize, "FinalizeDeletion", sibling, finalizeDeletionStep)
	register(KindOwnedIdentityDeletion, StateFirstDeletionStepPerformed, MsgReplayFinalize, "FinalizeDeletion", local, finalizeDeletionStep)

	register(KindContactOwnedIdentityDeletion, StateInitial, MsgContactDeletionBroadcast, "ProcessContactDeletion", broadcast, processContactDeletionStep)
	register(KindContactOwnedIdentityDeletion, StateInitial, MsgPropagatedContactDeletion, "ProcessContactDeletion", sibling, processContactDeletionStep)
}

type firstDeletionStepPerformedState struct {
	Global bool
}

func (s *firstDeletionStepPerformedState) ID() StateID { return StateFirstDeletionStepPerformed }
func (s *firstDeletionStepPerformedState) Final() bool { return false }

func (s *firstDeletionStepPerformedState) Encode() []byte {
	return encoding.Encode(encoding.Bool(s.Global))
}

func decodeFirstDeletionStepPerformedState(data []byte) (*firstDeletionStepPerformedState, error) {
	r, err := encoding.NewReader(data)
	if err != nil {
		return nil, err
	}

	global, err := r.ReadBool()
	if err != nil {
		return nil, err
	}

	return &firstDeletionStepPerformedState{Global: global}, nil
}

// EncodeInitiateOwnedDeletion builds the local trigger payload. A global
// deletion also erases the identity from the server and notifies every
// contact; a local one only wipes this device set.
func EncodeInitiateOwnedDeletion(global bool) []byte {
	return encoding.Encode(encoding.Bool(global))
}

func decodeDeletionStart(payload []byte) (bool, error) {
	r, err := encoding.NewReader(payload)
	if err != nil {
		return false, err
	}

	return r.ReadBool()
}

func encodeContactDeletion(deleted types.Identity, signature []byte) []byte {
	return encoding.Encode(
		encoding.Bytes(deleted),
		encoding.Bytes(signature),
	)
}

func decodeContactDeletion(payload []byte) (types.Identity, []byte, error) {
	r, err := encoding.NewReader(payload)
	if err != nil {
		return nil, nil, err
	}

	rawDeleted, err := r.ReadBytes()
	if err != nil {
		return nil, nil, err
	}

	signature, err := r.ReadBytes()
	if err != nil {
		return nil, nil, err
	}

	return types.Identity(rawDeleted), signature, nil
}

// startDeletionStep performs the first, reversible-free part of the
// deletion: deactivate the current device server-side and queue the
// finalize trigger. A globally initiated deletion is propagated to the
// other owned devices before anything is torn down.
func startDeletionStep(ctx context.Context, sc *StepContext) (State, error) {
	global, err := decodeDeletionStart(sc.Message.Payload)
	if err != nil {
		return nil, err
	}

	if MessageID(sc.Message.MessageID) == MsgInitiateOwnedDeletion && global {
		sc.Post(channel.Envelope{
			ChannelKind:         channel.KindOwnedDevices,
			ToIdentity:          sc.OwnedIdentity,
			ProtocolKind:        int(KindOwnedIdentityDeletion),
			ProtocolInstanceUID: sc.InstanceUID,
			MessageID:           int(MsgPropagatedDeletionStart),
			Payload:             EncodeInitiateOwnedDeletion(global),
		})
	}

	if err := sc.Network.PrepareForOwnedIdentityDeletion(ctx, sc.OwnedIdentity); err != nil {
		sc.Logger.Warn("preparing network layer for deletion",
			slog.String("error", err.Error()))
	}
	if err := sc.Network.DeactivateCurrentDevice(ctx, sc.OwnedIdentity); err != nil {
		sc.Logger.Warn("deactivating current device",
			slog.String("error", err.Error()))
	}

	sc.Post(channel.Envelope{
		ChannelKind:         channel.KindLocal,
		ToIdentity:          sc.OwnedIdentity,
		ProtocolKind:        int(KindOwnedIdentityDeletion),
		ProtocolInstanceUID: sc.InstanceUID,
		MessageID:           int(MsgContinueDeletion),
		Payload:             encoding.Encode(),
	})

	return &firstDeletionStepPerformedState{Global: global}, nil
}

// finalizeDeletionStep tears everything down. Every sub-step logs and
// continues on failure: a deletion must run to the end even when parts
// of the cleanup cannot be performed anymore.
func finalizeDeletionStep(ctx context.Context, sc *StepContext) (State, error) {
	state, err := decodeFirstDeletionStepPerformedState(sc.StateData)
	if err != nil {
		return nil, err
	}

	if MessageID(sc.Message.MessageID) == MsgContinueDeletion && state.Global {
		sc.Post(channel.Envelope{
			ChannelKind:         channel.KindOwnedDevices,
			ToIdentity:          sc.OwnedIdentity,
			ProtocolKind:        int(KindOwnedIdentityDeletion),
			ProtocolInstanceUID: sc.InstanceUID,
			MessageID:           int(MsgPropagatedFinalize),
			Payload:             encoding.Encode(),
		})
	}

	sc.leaveAllGroups()
	sc.leaveAllGroupsV2()
	sc.notifyAndDeleteContacts(state.Global)

	if err := sc.Channels.DeleteAllChannels(sc.OwnedIdentity); err != nil {
		sc.Logger.Warn("deleting channels", slog.String("error", err.Error()))
	}
	if err := sc.Network.FinalizeOwnedIdentityDeletion(ctx, sc.OwnedIdentity); err != nil {
		sc.Logger.Warn("finalizing deletion on server", slog.String("error", err.Error()))
	}
	if err := sc.Directory.DeleteOwnedIdentity(sc.OwnedIdentity); err != nil {
		sc.Logger.Warn("deleting owned identity from directory", slog.String("error", err.Error()))
	}
	// Wiping the store here would also erase the received message driving
	// this step and void the transition commit, silently dropping the
	// buffered propagation and broadcast envelopes.
	sc.RunAfterCommit(func() {
		if err := sc.Store.DeleteOwnedIdentityData(sc.OwnedIdentity); err != nil {
			sc.Logger.Warn("deleting owned identity store data", slog.String("error", err.Error()))
		}
	})

	return finalState{id: StateDeletionFinished}, nil
}

// leaveAllGroups disbands owned version-1 groups, kicking every member,
// and drops the local record of joined ones.
func (sc *StepContext) leaveAllGroups() {
	groups, err := sc.Directory.Groups(sc.OwnedIdentity)
	if err != nil {
		sc.Logger.Warn("listing groups", slog.String("error", err.Error()))

		return
	}

	for i := range groups {
		group := &groups[i]
		if group.Owner.Equal(sc.OwnedIdentity) {
			for _, member := range append(group.Members, group.PendingMembers...) {
				if member.Equal(sc.OwnedIdentity) {
					continue
				}
				instanceUID, err := types.NewRandomUID()
				if err != nil {
					continue
				}
				sc.Post(channel.Envelope{
					ChannelKind:         channel.KindOblivious,
					ToIdentity:          member,
					ProtocolKind:        int(KindGroupInvitation),
					ProtocolInstanceUID: instanceUID,
					MessageID:           int(MsgGroupKick),
					Payload:             EncodeGroupDescriptor(group),
				})
			}
		}

		if err := sc.Directory.DeleteGroup(sc.OwnedIdentity, group.GroupUID); err != nil {
			sc.Logger.Warn("deleting group", groupAttr(group.GroupUID),
				slog.String("error", err.Error()))
		}
	}
}

// leaveAllGroupsV2 leaves every version-2 group, disbanding the ones
// where this identity is the only admin.
func (sc *StepContext) leaveAllGroupsV2() {
	groups, err := sc.Directory.GroupsV2(sc.OwnedIdentity)
	if err != nil {
		sc.Logger.Warn("listing v2 groups", slog.String("error", err.Error()))

		return
	}

	for _, group := range groups {
		if group.IsAdmin && group.OtherAdminCount == 0 {
			err = sc.Directory.DisbandGroupV2(sc.OwnedIdentity, group.GroupIdentifier)
		} else {
			err = sc.Directory.LeaveGroupV2(sc.OwnedIdentity, group.GroupIdentifier)
		}
		if err != nil {
			sc.Logger.Warn("leaving v2 group", groupAttr(group.GroupIdentifier),
				slog.String("error", err.Error()))
		}
	}
}

// notifyAndDeleteContacts broadcasts a signed deletion proof to every
// contact when the deletion is global, or triggers a device discovery
// when it is local, then deletes the contacts.
func (sc *StepContext) notifyAndDeleteContacts(global bool) {
	contacts, err := sc.Directory.Contacts(sc.OwnedIdentity)
	if err != nil {
		sc.Logger.Warn("listing contacts", slog.String("error", err.Error()))

		return
	}

	for _, contact := range contacts {
		if global {
			signature := sc.Signer.SolveChallenge(contact, sc.OwnedIdentity)
			instanceUID, err := types.NewRandomUID()
			if err != nil {
				continue
			}
			sc.Post(channel.Envelope{
				ChannelKind:         channel.KindAsymmetricBroadcast,
				ToIdentity:          contact,
				ProtocolKind:        int(KindContactOwnedIdentityDeletion),
				ProtocolInstanceUID: instanceUID,
				MessageID:           int(MsgContactDeletionBroadcast),
				Payload:             encodeContactDeletion(sc.OwnedIdentity, signature),
			})
		} else if err := sc.Directory.TriggerDeviceDiscovery(sc.OwnedIdentity, contact); err != nil {
			sc.Logger.Warn("triggering device discovery",
				slog.String("error", err.Error()))
		}

		if err := sc.Directory.DeleteContact(sc.OwnedIdentity, contact); err != nil {
			sc.Logger.Warn("deleting contact", slog.String("error", err.Error()))
		}
	}
}

// processContactDeletionStep handles the signed proof that a contact
// deleted her identity. The signature is verified against the contact's
// known signing key and recorded for replay protection before any state
// is touched.
func processContactDeletionStep(_ context.Context, sc *StepContext) (State, error) {
	deleted, signature, err := decodeContactDeletion(sc.Message.Payload)
	if err != nil {
		return nil, err
	}

	pub, err := sc.Directory.ContactSigningKey(sc.OwnedIdentity, deleted)
	if err != nil {
		sc.Logger.Warn("deletion broadcast dropped: unknown contact",
			slog.String("error", err.Error()))

		return nil, nil
	}

	if !crypto.VerifyChallenge(pub, sc.OwnedIdentity, deleted, signature) {
		sc.Logger.Warn("deletion broadcast dropped: bad signature")

		return nil, nil
	}

	added, err := sc.Store.StoreDeletionSignature(signature)
	if err != nil {
		return nil, err
	}
	if !added {
		sc.Logger.Debug("deletion broadcast already processed, dropping")

		return nil, nil
	}

	if MessageID(sc.Message.MessageID) == MsgContactDeletionBroadcast {
		sc.Post(channel.Envelope{
			ChannelKind:         channel.KindOwnedDevices,
			ToIdentity:          sc.OwnedIdentity,
			ProtocolKind:        int(KindContactOwnedIdentityDeletion),
			ProtocolInstanceUID: sc.InstanceUID,
			MessageID:           int(MsgPropagatedContactDeletion),
			Payload:             encodeContactDeletion(deleted, signature),
		})
	}

	if err := sc.Directory.RemoveContactFromAllGroups(sc.OwnedIdentity, deleted); err != nil {
		sc.Logger.Warn("removing deleted contact from groups",
			slog.String("error", err.Error()))
	}
	if err := sc.Channels.DeleteChannelsWithContact(sc.OwnedIdentity, deleted); err != nil {
		sc.Logger.Warn("deleting channels with deleted contact",
			slog.String("error", err.Error()))
	}
	if err := sc.Directory.DeleteContact(sc.OwnedIdentity, deleted); err != nil {
		sc.Logger.Warn("deleting contact record",
			slog.String("error", err.Error()))
	}

	return finalState{id: StateContactDeletionProcessed}, nil
}
