package protocol

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/courier/internal/channel"
	"github.com/alexjbarnes/courier/internal/encoding"
	"github.com/alexjbarnes/courier/internal/types"
)

// Group invitation message ids.
const (
	MsgInitiateGroupInvitation      MessageID = 0
	MsgGroupInvitation              MessageID = 1
	MsgInvitationDialogResponse     MessageID = 2
	MsgPropagatedInvitationResponse MessageID = 3
	MsgInvitationResponse           MessageID = 4
	MsgGroupKick                    MessageID = 5
)

// Group invitation state ids.
const (
	StateInvitationSent     StateID = 1
	StateInvitationReceived StateID = 2
	StateResponseSent       StateID = 3
	StateResponseReceived   StateID = 4
	StateKicked             StateID = 5
	StateCancelled          StateID = 99
)

func init() {
	local := []channel.Kind{channel.KindLocal}
	remote := []channel.Kind{channel.KindOblivious, channel.KindPreKey}
	sibling := []channel.Kind{channel.KindOwnedDevices, channel.KindLocal}

	register(KindGroupInvitation, StateInitial, MsgInitiateGroupInvitation, "SendInvitation", local, sendInvitationStep)
	register(KindGroupInvitation, StateInitial, MsgGroupInvitation, "ProcessInvitation", remote, processInvitationStep)
	register(KindGroupInvitation, StateInvitationReceived, MsgInvitationDialogResponse, "ProcessInvitationDialogResponse", local, processDialogResponseStep)
	register(KindGroupInvitation, StateInvitationReceived, MsgPropagatedInvitationResponse, "ProcessPropagatedInvitationResponse", sibling, processPropagatedResponseStep)
	register(KindGroupInvitation, StateInitial, MsgInvitationResponse, "ProcessResponse", remote, processResponseStep)
	register(KindGroupInvitation, StateInitial, MsgGroupKick, "ProcessKick", remote, processKickStep)
}

func groupAttr(groupUID types.UID) slog.Attr {
	return slog.String("group", groupUID.String())
}

// --- states ---

type finalState struct {
	id StateID
}

func (s finalState) ID() StateID    { return s.id }
func (s finalState) Final() bool    { return true }
func (s finalState) Encode() []byte { return encoding.Encode() }

type invitationReceivedState struct {
	Group      Group
	DialogUUID uuid.UUID
}

func (s *invitationReceivedState) ID() StateID { return StateInvitationReceived }
func (s *invitationReceivedState) Final() bool { return false }

func (s *invitationReceivedState) Encode() []byte {
	return encoding.Encode(
		encoding.Bytes(s.Group.GroupUID.Bytes()),
		encoding.Bytes(s.Group.Owner),
		encoding.Bytes([]byte(s.Group.Name)),
		identityList(s.Group.Members),
		identityList(s.Group.PendingMembers),
		encoding.Bytes(s.DialogUUID[:]),
	)
}

func decodeInvitationReceivedState(data []byte) (*invitationReceivedState, error) {
	r, err := encoding.NewReader(data)
	if err != nil {
		return nil, err
	}

	s := &invitationReceivedState{}
	if s.Group, err = readGroupDescriptor(r); err != nil {
		return nil, err
	}

	raw, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	if s.DialogUUID, err = uuid.FromBytes(raw); err != nil {
		return nil, fmt.Errorf("decoding dialog uuid: %w", err)
	}

	return s, nil
}

// --- message payload helpers ---

func identityList(ids []types.Identity) encoding.Value {
	values := make([]encoding.Value, 0, len(ids))
	for _, id := range ids {
		values = append(values, encoding.Bytes(id))
	}

	return encoding.List(values...)
}

func readIdentityList(r *encoding.Reader) ([]types.Identity, error) {
	values, err := r.ReadList()
	if err != nil {
		return nil, err
	}

	ids := make([]types.Identity, 0, len(values))
	for _, v := range values {
		raw, err := v.AsBytes()
		if err != nil {
			return nil, err
		}
		ids = append(ids, types.Identity(raw))
	}

	return ids, nil
}

// EncodeGroupDescriptor serializes the group fields shared by the
// invitation and kick messages.
func EncodeGroupDescriptor(g *Group) []byte {
	return encoding.Encode(
		encoding.Bytes(g.GroupUID.Bytes()),
		encoding.Bytes(g.Owner),
		encoding.Bytes([]byte(g.Name)),
		identityList(g.Members),
		identityList(g.PendingMembers),
	)
}

func readGroupDescriptor(r *encoding.Reader) (Group, error) {
	var g Group

	rawUID, err := r.ReadBytes()
	if err != nil {
		return g, err
	}
	if g.GroupUID, err = types.UIDFromBytes(rawUID); err != nil {
		return g, err
	}

	rawOwner, err := r.ReadBytes()
	if err != nil {
		return g, err
	}
	g.Owner = types.Identity(rawOwner)

	rawName, err := r.ReadBytes()
	if err != nil {
		return g, err
	}
	g.Name = norm.NFC.String(string(rawName))

	if g.Members, err = readIdentityList(r); err != nil {
		return g, err
	}
	if g.PendingMembers, err = readIdentityList(r); err != nil {
		return g, err
	}

	return g, nil
}

func decodeGroupDescriptorMessage(payload []byte) (Group, error) {
	r, err := encoding.NewReader(payload)
	if err != nil {
		return Group{}, err
	}

	return readGroupDescriptor(r)
}

// EncodeInitiateGroupInvitation builds the local trigger payload.
func EncodeInitiateGroupInvitation(groupUID types.UID, contact types.Identity) []byte {
	return encoding.Encode(
		encoding.Bytes(groupUID.Bytes()),
		encoding.Bytes(contact),
	)
}

func decodeInitiateGroupInvitation(payload []byte) (types.UID, types.Identity, error) {
	r, err := encoding.NewReader(payload)
	if err != nil {
		return types.UID{}, nil, err
	}

	rawUID, err := r.ReadBytes()
	if err != nil {
		return types.UID{}, nil, err
	}
	groupUID, err := types.UIDFromBytes(rawUID)
	if err != nil {
		return types.UID{}, nil, err
	}

	rawContact, err := r.ReadBytes()
	if err != nil {
		return types.UID{}, nil, err
	}

	return groupUID, types.Identity(rawContact), nil
}

// EncodeDialogResponse builds the local dialog-decision payload.
func EncodeDialogResponse(dialogUUID uuid.UUID, accepted bool) []byte {
	return encoding.Encode(
		encoding.Bytes(dialogUUID[:]),
		encoding.Bool(accepted),
	)
}

func decodeDialogResponse(payload []byte) (uuid.UUID, bool, error) {
	r, err := encoding.NewReader(payload)
	if err != nil {
		return uuid.Nil, false, err
	}

	raw, err := r.ReadBytes()
	if err != nil {
		return uuid.Nil, false, err
	}
	dialogUUID, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("decoding dialog uuid: %w", err)
	}

	accepted, err := r.ReadBool()
	if err != nil {
		return uuid.Nil, false, err
	}

	return dialogUUID, accepted, nil
}

func encodeInvitationResponse(groupUID types.UID, accepted bool) []byte {
	return encoding.Encode(
		encoding.Bytes(groupUID.Bytes()),
		encoding.Bool(accepted),
	)
}

func decodeInvitationResponse(payload []byte) (types.UID, bool, error) {
	r, err := encoding.NewReader(payload)
	if err != nil {
		return types.UID{}, false, err
	}

	rawUID, err := r.ReadBytes()
	if err != nil {
		return types.UID{}, false, err
	}
	groupUID, err := types.UIDFromBytes(rawUID)
	if err != nil {
		return types.UID{}, false, err
	}

	accepted, err := r.ReadBool()
	if err != nil {
		return types.UID{}, false, err
	}

	return groupUID, accepted, nil
}

// --- steps ---

// sendInvitationStep posts an invitation to a pending member of a group
// this identity owns.
func sendInvitationStep(_ context.Context, sc *StepContext) (State, error) {
	groupUID, contact, err := decodeInitiateGroupInvitation(sc.Message.Payload)
	if err != nil {
		return nil, err
	}

	if contact.Equal(sc.OwnedIdentity) {
		sc.Logger.Warn("refusing to invite the owned identity itself")

		return finalState{id: StateCancelled}, nil
	}

	group, err := sc.Directory.Group(sc.OwnedIdentity, groupUID)
	if err != nil {
		return nil, err
	}
	if group == nil || !group.Owner.Equal(sc.OwnedIdentity) {
		sc.Logger.Warn("invitation refused: not the group owner",
			groupAttr(groupUID))

		return finalState{id: StateCancelled}, nil
	}
	if !group.IsPendingMember(contact) && !group.IsMember(contact) {
		sc.Logger.Warn("invitation refused: contact not a (pending) member",
			groupAttr(groupUID))

		return finalState{id: StateCancelled}, nil
	}

	sc.Post(channel.Envelope{
		ChannelKind:         channel.KindOblivious,
		ToIdentity:          contact,
		ProtocolKind:        int(KindGroupInvitation),
		ProtocolInstanceUID: sc.InstanceUID,
		MessageID:           int(MsgGroupInvitation),
		Payload:             EncodeGroupDescriptor(group),
	})

	return finalState{id: StateInvitationSent}, nil
}

// processInvitationStep handles a received invitation. A recipient who
// already believes she is a member auto-accepts and forces a member-list
// resync instead of prompting the user.
func processInvitationStep(_ context.Context, sc *StepContext) (State, error) {
	group, err := decodeGroupDescriptorMessage(sc.Message.Payload)
	if err != nil {
		return nil, err
	}

	sender := sc.Message.Reception.RemoteIdentity
	if !containsIdentity(group.PendingMembers, sc.OwnedIdentity) {
		sc.Logger.Warn("invitation dropped: we are not in the pending members",
			groupAttr(group.GroupUID))

		return nil, nil
	}
	if !group.Owner.Equal(sender) {
		sc.Logger.Warn("invitation dropped: sender is not the group owner",
			groupAttr(group.GroupUID))

		return nil, nil
	}

	existing, err := sc.Directory.Group(sc.OwnedIdentity, group.GroupUID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		// Stale local state: we silently believe we are already a
		// member. Auto-accept and reset the member-list version so the
		// owner resyncs us.
		sc.Post(channel.Envelope{
			ChannelKind:         channel.KindOblivious,
			ToIdentity:          group.Owner,
			ProtocolKind:        int(KindGroupInvitation),
			ProtocolInstanceUID: sc.InstanceUID,
			MessageID:           int(MsgInvitationResponse),
			Payload:             encodeInvitationResponse(group.GroupUID, true),
		})

		if err := sc.Directory.ResetGroupMembersVersion(sc.OwnedIdentity, group.GroupUID); err != nil {
			return nil, err
		}

		return finalState{id: StateResponseSent}, nil
	}

	dialogUUID := uuid.New()
	sc.Dialogs.ShowGroupInvitation(sc.OwnedIdentity, dialogUUID, &group)

	return &invitationReceivedState{Group: group, DialogUUID: dialogUUID}, nil
}

// processDialogResponseStep handles the local user decision. The
// response is always sent to the owner before the local group record is
// created on acceptance.
func processDialogResponseStep(_ context.Context, sc *StepContext) (State, error) {
	state, err := decodeInvitationReceivedState(sc.StateData)
	if err != nil {
		return nil, err
	}

	dialogUUID, accepted, err := decodeDialogResponse(sc.Message.Payload)
	if err != nil {
		return nil, err
	}

	if dialogUUID != state.DialogUUID {
		sc.Logger.Warn("dialog response dropped: stale dialog uuid",
			groupAttr(state.Group.GroupUID))

		return nil, nil
	}

	sc.Post(channel.Envelope{
		ChannelKind:         channel.KindOblivious,
		ToIdentity:          state.Group.Owner,
		ProtocolKind:        int(KindGroupInvitation),
		ProtocolInstanceUID: sc.InstanceUID,
		MessageID:           int(MsgInvitationResponse),
		Payload:             encodeInvitationResponse(state.Group.GroupUID, accepted),
	})
	sc.Post(channel.Envelope{
		ChannelKind:         channel.KindOwnedDevices,
		ToIdentity:          sc.OwnedIdentity,
		ProtocolKind:        int(KindGroupInvitation),
		ProtocolInstanceUID: sc.InstanceUID,
		MessageID:           int(MsgPropagatedInvitationResponse),
		Payload:             EncodeDialogResponse(dialogUUID, accepted),
	})

	if accepted {
		if err := sc.Directory.CreateGroup(sc.OwnedIdentity, &state.Group); err != nil {
			return nil, err
		}
	}

	sc.Dialogs.Dismiss(sc.OwnedIdentity, state.DialogUUID)

	return finalState{id: StateResponseSent}, nil
}

// processPropagatedResponseStep applies the same decision taken on a
// sibling device: dismiss the dialog and mirror the group creation.
func processPropagatedResponseStep(_ context.Context, sc *StepContext) (State, error) {
	state, err := decodeInvitationReceivedState(sc.StateData)
	if err != nil {
		return nil, err
	}

	_, accepted, err := decodeDialogResponse(sc.Message.Payload)
	if err != nil {
		return nil, err
	}

	sc.Dialogs.Dismiss(sc.OwnedIdentity, state.DialogUUID)

	if accepted {
		if err := sc.Directory.CreateGroup(sc.OwnedIdentity, &state.Group); err != nil {
			return nil, err
		}
	}

	return finalState{id: StateResponseSent}, nil
}

// processResponseStep is the group-owner side: promote, demote or kick
// the responder depending on the current group record.
func processResponseStep(_ context.Context, sc *StepContext) (State, error) {
	groupUID, accepted, err := decodeInvitationResponse(sc.Message.Payload)
	if err != nil {
		return nil, err
	}

	responder := sc.Message.Reception.RemoteIdentity

	group, err := sc.Directory.Group(sc.OwnedIdentity, groupUID)
	if err != nil {
		return nil, err
	}

	if group == nil {
		// The group is gone: tell the responder she has been kicked via
		// a dummy descriptor.
		sc.Post(kickEnvelope(sc, groupUID, responder))

		return finalState{id: StateResponseReceived}, nil
	}
	if !group.Owner.Equal(sc.OwnedIdentity) {
		sc.Logger.Warn("invitation response dropped: we do not own this group",
			groupAttr(groupUID))

		return nil, nil
	}

	switch {
	case !group.IsPendingMember(responder) && !group.IsMember(responder):
		sc.Post(kickEnvelope(sc, groupUID, responder))

	case group.IsMember(responder):
		if accepted {
			if err := sc.Directory.UpdateGroupMembers(sc.OwnedIdentity, groupUID, group.Members); err != nil {
				return nil, err
			}
		} else {
			if err := sc.Directory.DemoteMemberToDeclined(sc.OwnedIdentity, groupUID, responder); err != nil {
				return nil, err
			}
		}

	default: // pending member
		if accepted {
			if err := sc.Directory.PromotePendingMember(sc.OwnedIdentity, groupUID, responder); err != nil {
				return nil, err
			}
		} else {
			if err := sc.Directory.MarkPendingMemberDeclined(sc.OwnedIdentity, groupUID, responder); err != nil {
				return nil, err
			}
		}
	}

	return finalState{id: StateResponseReceived}, nil
}

// processKickStep removes the local group record when the owner says we
// are out.
func processKickStep(_ context.Context, sc *StepContext) (State, error) {
	group, err := decodeGroupDescriptorMessage(sc.Message.Payload)
	if err != nil {
		return nil, err
	}

	sender := sc.Message.Reception.RemoteIdentity
	if !group.Owner.Equal(sender) {
		sc.Logger.Warn("kick dropped: sender is not the group owner",
			groupAttr(group.GroupUID))

		return nil, nil
	}

	if err := sc.Directory.DeleteGroup(sc.OwnedIdentity, group.GroupUID); err != nil {
		return nil, err
	}

	return finalState{id: StateKicked}, nil
}

func kickEnvelope(sc *StepContext, groupUID types.UID, to types.Identity) channel.Envelope {
	dummy := &Group{GroupUID: groupUID, Owner: sc.OwnedIdentity}

	return channel.Envelope{
		ChannelKind:         channel.KindOblivious,
		ToIdentity:          to,
		ProtocolKind:        int(KindGroupInvitation),
		ProtocolInstanceUID: sc.InstanceUID,
		MessageID:           int(MsgGroupKick),
		Payload:             EncodeGroupDescriptor(dummy),
	}
}
