// Package protocol implements the step/state-machine framework driving
// multi-party cryptographic protocols, and the concrete group-invitation
// and owned-identity-deletion protocols. A step is selected by value from
// (protocol kind, current state id, message id, reception channel kind);
// a message that matches no step is logged and dropped, which is how
// reordering and duplication are tolerated.
package protocol

import (
	"context"
	"crypto/ed25519"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alexjbarnes/courier/internal/channel"
	"github.com/alexjbarnes/courier/internal/store"
	"github.com/alexjbarnes/courier/internal/types"
)

// Kind identifies a protocol type. The numeric values are stable wire
// identifiers.
type Kind int

const (
	KindGroupInvitation              Kind = 110
	KindOwnedIdentityDeletion        Kind = 111
	KindContactOwnedIdentityDeletion Kind = 112
)

// StateID identifies a protocol state variant. StateInitial is shared by
// every protocol; the rest are protocol-specific.
type StateID int

// StateInitial is the implicit state of a not-yet-created instance.
const StateInitial StateID = 0

// MessageID identifies a message variant within one protocol.
type MessageID int

// State is a concrete protocol state. Final states delete the instance.
type State interface {
	ID() StateID
	Final() bool
	Encode() []byte
}

// StepFunc executes one transition. It may post messages via the step
// context, mutate the identity directory, and must return the next state.
// Returning (nil, nil) consumes the message without a transition;
// returning an error aborts without committing.
type StepFunc func(ctx context.Context, sc *StepContext) (State, error)

type stepKey struct {
	kind    Kind
	state   StateID
	message MessageID
}

type transition struct {
	name       string
	receptions []channel.Kind
	step       StepFunc
}

var transitions = map[stepKey]transition{}

// register installs a transition into the global step table. Called from
// package init functions of the concrete protocols.
func register(kind Kind, state StateID, message MessageID, name string, receptions []channel.Kind, step StepFunc) {
	key := stepKey{kind: kind, state: state, message: message}
	if _, dup := transitions[key]; dup {
		panic("duplicate protocol transition: " + name)
	}

	transitions[key] = transition{name: name, receptions: receptions, step: step}
}

// lookupStep resolves the unique transition for the given pairing, also
// checking that the reception channel kind is accepted.
func lookupStep(kind Kind, state StateID, message MessageID, reception channel.Kind) (transition, bool) {
	tr, ok := transitions[stepKey{kind: kind, state: state, message: message}]
	if !ok {
		return transition{}, false
	}

	for _, r := range tr.receptions {
		if r == reception {
			return tr, true
		}
	}

	return transition{}, false
}

// Group is the directory's view of a version-1 group.
type Group struct {
	GroupUID               types.UID
	Owner                  types.Identity
	Name                   string
	Members                []types.Identity
	PendingMembers         []types.Identity
	DeclinedPendingMembers []types.Identity
	MembersVersion         uint64
}

// IsMember reports whether id is a full member.
func (g *Group) IsMember(id types.Identity) bool {
	return containsIdentity(g.Members, id)
}

// IsPendingMember reports whether id is a pending member.
func (g *Group) IsPendingMember(id types.Identity) bool {
	return containsIdentity(g.PendingMembers, id)
}

func containsIdentity(ids []types.Identity, id types.Identity) bool {
	for _, candidate := range ids {
		if candidate.Equal(id) {
			return true
		}
	}

	return false
}

// GroupV2 is the directory's view of a version-2 (signed-blob consensus)
// group, reduced to what the deletion protocol needs.
type GroupV2 struct {
	GroupIdentifier types.UID
	IsAdmin         bool
	OtherAdminCount int
}

// IdentityDirectory is the identity/contact/group store the steps read
// and mutate. Its transactionality is its own concern.
type IdentityDirectory interface {
	Group(owned types.Identity, groupUID types.UID) (*Group, error)
	CreateGroup(owned types.Identity, group *Group) error
	DeleteGroup(owned types.Identity, groupUID types.UID) error
	ResetGroupMembersVersion(owned types.Identity, groupUID types.UID) error
	PromotePendingMember(owned types.Identity, groupUID types.UID, member types.Identity) error
	DemoteMemberToDeclined(owned types.Identity, groupUID types.UID, member types.Identity) error
	MarkPendingMemberDeclined(owned types.Identity, groupUID types.UID, member types.Identity) error
	UpdateGroupMembers(owned types.Identity, groupUID types.UID, members []types.Identity) error

	Groups(owned types.Identity) ([]Group, error)
	GroupsV2(owned types.Identity) ([]GroupV2, error)
	LeaveGroupV2(owned types.Identity, groupIdentifier types.UID) error
	DisbandGroupV2(owned types.Identity, groupIdentifier types.UID) error

	Contacts(owned types.Identity) ([]types.Identity, error)
	ContactSigningKey(owned, contact types.Identity) (ed25519.PublicKey, error)
	DeleteContact(owned, contact types.Identity) error
	RemoveContactFromAllGroups(owned, contact types.Identity) error
	TriggerDeviceDiscovery(owned, contact types.Identity) error

	OwnedDevices(owned types.Identity) ([]types.DeviceUID, error)
	CurrentDeviceUID(owned types.Identity) (types.DeviceUID, error)
	DeleteOwnedIdentity(owned types.Identity) error
}

// Dialogs presents protocol decisions to the user and dismisses them.
type Dialogs interface {
	ShowGroupInvitation(owned types.Identity, dialogUUID uuid.UUID, group *Group)
	Dismiss(owned types.Identity, dialogUUID uuid.UUID)
}

// NetworkLifecycle exposes the fetch/post layer hooks the deletion
// protocol calls.
type NetworkLifecycle interface {
	DeactivateCurrentDevice(ctx context.Context, owned types.Identity) error
	PrepareForOwnedIdentityDeletion(ctx context.Context, owned types.Identity) error
	FinalizeOwnedIdentityDeletion(ctx context.Context, owned types.Identity) error
}

// ChannelLifecycle tears down secure channels.
type ChannelLifecycle interface {
	DeleteChannelsWithContact(owned, contact types.Identity) error
	DeleteAllChannels(owned types.Identity) error
}

// ChallengeSigner produces challenge/response signatures.
type ChallengeSigner interface {
	SolveChallenge(challenge, identity []byte) []byte
}

// EngineStore is the subset of the persistent store the steps touch
// directly: replay protection and batch deletion.
type EngineStore interface {
	StoreDeletionSignature(signature []byte) (bool, error)
	DeleteOwnedIdentityData(owned types.Identity) error
}

// StepContext carries everything one step execution may use. Posted
// envelopes are buffered and flushed by the engine after the state
// transition commits.
type StepContext struct {
	OwnedIdentity types.Identity
	InstanceUID   types.UID
	Message       *store.ReceivedMessage
	StateData     []byte

	Directory IdentityDirectory
	Dialogs   Dialogs
	Network   NetworkLifecycle
	Channels  ChannelLifecycle
	Signer    ChallengeSigner
	Store     EngineStore
	Logger    *slog.Logger

	posts     []channel.Envelope
	deferrals []func()
}

// Post buffers an outgoing envelope. Sent only if the step commits. The
// envelope is stamped with a fresh message UID so every delivery of it,
// original or duplicate, keys the same received-message row.
func (sc *StepContext) Post(env channel.Envelope) {
	env.FromIdentity = sc.OwnedIdentity
	if env.MessageUID.IsZero() {
		if uid, err := types.NewRandomUID(); err == nil {
			env.MessageUID = uid
		}
	}
	sc.posts = append(sc.posts, env)
}

// RunAfterCommit buffers fn to run after the transition commits and the
// buffered posts are flushed. Teardown that erases the rows the commit
// itself needs, such as wiping an identity's store data, goes through
// here.
func (sc *StepContext) RunAfterCommit(fn func()) {
	sc.deferrals = append(sc.deferrals, fn)
}
