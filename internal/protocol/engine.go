package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/courier/internal/channel"
	cerrors "github.com/alexjbarnes/courier/internal/errors"
	"github.com/alexjbarnes/courier/internal/store"
	"github.com/alexjbarnes/courier/internal/types"
)

// Engine matches received messages against protocol instances and
// executes the resulting steps. Message consumption and state transition
// commit in one store transaction, so redelivering a consumed message is
// a no-op.
type Engine struct {
	store     *store.Store
	sender    channel.Sender
	directory IdentityDirectory
	dialogs   Dialogs
	network   NetworkLifecycle
	channels  ChannelLifecycle
	signer    ChallengeSigner
	logger    *slog.Logger
}

// Config holds the engine's injected collaborators.
type Config struct {
	Store     *store.Store
	Sender    channel.Sender
	Directory IdentityDirectory
	Dialogs   Dialogs
	Network   NetworkLifecycle
	Channels  ChannelLifecycle
	Signer    ChallengeSigner
}

// NewEngine wires a protocol engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:     cfg.Store,
		sender:    cfg.Sender,
		directory: cfg.Directory,
		dialogs:   cfg.Dialogs,
		network:   cfg.Network,
		channels:  cfg.Channels,
		signer:    cfg.Signer,
		logger:    logger,
	}
}

// Receive persists an incoming envelope as a pending received message
// and processes it. This is the entry point for both network deliveries
// and loopback posts.
func (e *Engine) Receive(ctx context.Context, env channel.Envelope, reception channel.ReceptionInfo) error {
	// The envelope's own message UID keys the row, so a redelivered
	// duplicate overwrites the same record and commits at most once.
	messageUID := env.MessageUID
	if messageUID.IsZero() {
		var err error
		if messageUID, err = types.NewRandomUID(); err != nil {
			return err
		}
	}

	owned := env.ToIdentity
	if reception.Kind == channel.KindLocal || reception.Kind == channel.KindOwnedDevices {
		owned = env.FromIdentity
	}

	rm := &store.ReceivedMessage{
		InstanceUID:   env.ProtocolInstanceUID,
		OwnedIdentity: owned,
		MessageUID:    messageUID,
		Kind:          env.ProtocolKind,
		MessageID:     env.MessageID,
		Payload:       env.Payload,
		Reception:     reception,
		ReceivedAt:    time.Now(),
	}

	if err := e.store.SaveReceivedMessage(rm); err != nil {
		return err
	}

	return e.Process(ctx, rm)
}

// Process executes the step matching a pending received message. A
// message with no matching step is dropped: reordered and duplicated
// deliveries land here and must not surface as errors.
func (e *Engine) Process(ctx context.Context, rm *store.ReceivedMessage) error {
	instance, err := e.store.GetProtocolInstance(rm.OwnedIdentity, rm.InstanceUID)
	if err != nil {
		return err
	}

	stateID := StateInitial
	var stateData []byte
	if instance != nil {
		stateID = StateID(instance.StateID)
		stateData = instance.StateData
	}

	tr, ok := lookupStep(Kind(rm.Kind), stateID, MessageID(rm.MessageID), rm.Reception.Kind)
	if !ok {
		e.logger.Debug("no step matches message, dropping",
			slog.Int("protocol", rm.Kind),
			slog.Int("state", int(stateID)),
			slog.Int("message", rm.MessageID),
			slog.String("reception", rm.Reception.Kind.String()),
		)

		return e.store.DeleteReceivedMessage(rm.OwnedIdentity, rm.InstanceUID, rm.MessageUID)
	}

	sc := &StepContext{
		OwnedIdentity: rm.OwnedIdentity,
		InstanceUID:   rm.InstanceUID,
		Message:       rm,
		StateData:     stateData,
		Directory:     e.directory,
		Dialogs:       e.dialogs,
		Network:       e.network,
		Channels:      e.channels,
		Signer:        e.signer,
		Store:         e.store,
		Logger:        e.logger,
	}

	next, err := tr.step(ctx, sc)
	if err != nil {
		e.logger.Warn("protocol step failed",
			slog.String("step", tr.name),
			slog.String("instance", rm.InstanceUID.String()),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("executing step %s: %w", tr.name, err)
	}

	if next == nil {
		// Step consumed the message without a transition.
		return e.store.DeleteReceivedMessage(rm.OwnedIdentity, rm.InstanceUID, rm.MessageUID)
	}

	nextInstance := &store.ProtocolInstance{
		InstanceUID:   rm.InstanceUID,
		OwnedIdentity: rm.OwnedIdentity,
		Kind:          rm.Kind,
		StateID:       int(next.ID()),
		StateData:     next.Encode(),
		UpdatedAt:     time.Now(),
	}

	err = e.store.CommitStepResult(rm.OwnedIdentity, rm.InstanceUID, rm.MessageUID, nextInstance, next.Final())
	if errors.Is(err, cerrors.ErrNotFound) {
		// The message was consumed concurrently: idempotent redelivery.
		return nil
	}
	if err != nil {
		return err
	}

	e.logger.Debug("protocol step executed",
		slog.String("step", tr.name),
		slog.String("instance", rm.InstanceUID.String()),
		slog.Int("next_state", int(next.ID())),
		slog.Bool("final", next.Final()),
	)

	e.flushPosts(ctx, sc)
	for _, fn := range sc.deferrals {
		fn()
	}

	return nil
}

// flushPosts sends the envelopes buffered during a committed step. Send
// failures are logged; the outbox retries network envelopes on its own.
func (e *Engine) flushPosts(ctx context.Context, sc *StepContext) {
	for _, env := range sc.posts {
		if err := e.sender.Post(ctx, env); err != nil {
			e.logger.Warn("posting protocol message",
				slog.String("channel", env.ChannelKind.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// StartProtocol injects a local trigger message for a fresh protocol
// instance and processes it immediately.
func (e *Engine) StartProtocol(ctx context.Context, owned types.Identity, kind Kind, messageID MessageID, payload []byte) (types.UID, error) {
	instanceUID, err := types.NewRandomUID()
	if err != nil {
		return types.UID{}, err
	}

	env := channel.Envelope{
		ChannelKind:         channel.KindLocal,
		FromIdentity:        owned,
		ToIdentity:          owned,
		ProtocolKind:        int(kind),
		ProtocolInstanceUID: instanceUID,
		MessageID:           int(messageID),
		Payload:             payload,
	}

	return instanceUID, e.Receive(ctx, env, channel.ReceptionInfo{Kind: channel.KindLocal})
}

// Loopback adapts the engine as a channel.Sender for envelopes addressed
// to the local device.
type Loopback struct {
	Engine *Engine
}

// Post delivers the envelope straight back into the engine.
func (l *Loopback) Post(ctx context.Context, env channel.Envelope) error {
	return l.Engine.Receive(ctx, env, channel.ReceptionInfo{Kind: env.ChannelKind})
}
