package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/courier/internal/bootstrap"
	"github.com/alexjbarnes/courier/internal/channel"
	"github.com/alexjbarnes/courier/internal/config"
	"github.com/alexjbarnes/courier/internal/crypto"
	"github.com/alexjbarnes/courier/internal/directory"
	"github.com/alexjbarnes/courier/internal/logging"
	"github.com/alexjbarnes/courier/internal/outbox"
	"github.com/alexjbarnes/courier/internal/protocol"
	"github.com/alexjbarnes/courier/internal/push"
	"github.com/alexjbarnes/courier/internal/store"
	"github.com/alexjbarnes/courier/internal/types"
	"github.com/alexjbarnes/courier/internal/upload"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("courier starting",
		slog.String("version", Version),
		slog.String("process", cfg.ProcessType),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StateDBPath)
	if err != nil {
		return fmt.Errorf("opening state db: %w", err)
	}
	defer st.Close()

	dir, err := directory.Open(filepath.Join(filepath.Dir(cfg.StateDBPath), "directory.db"))
	if err != nil {
		return fmt.Errorf("opening directory db: %w", err)
	}
	defer dir.Close()

	signer, err := buildSigner(cfg, st)
	if err != nil {
		return err
	}

	notifier := &logNotifier{logger: logger}
	backoff := outbox.NewBackoff(cfg.StandardBackoff, cfg.MaximumBackoff)
	client := upload.NewClient(nil)

	coordinator := upload.NewCoordinator(st, client, backoff, cfg.Process(), cfg.SpoolDir, cfg.MaxConcurrentChunkUploads, logger)
	pipeline := outbox.NewPipeline(st, client, coordinator, notifier, backoff, logger)
	coordinator.SetAckHandler(pipeline)

	sessions := &storedSessions{store: st, logger: logger}
	manager := push.NewManager(push.Config{
		Handler:         &pushEvents{logger: logger},
		Sessions:        sessions,
		PingInterval:    cfg.PingInterval,
		PongTimeout:     cfg.PongTimeout,
		AlwaysReconnect: cfg.AlwaysReconnect,
		StandardBackoff: cfg.StandardBackoff,
		MaximumBackoff:  cfg.MaximumBackoff,
	}, logger)
	sessions.manager = manager
	manager.Start(ctx)

	router := &channel.Router{}
	engine := protocol.NewEngine(protocol.Config{
		Store:     st,
		Sender:    router,
		Directory: dir,
		Dialogs:   &logDialogs{logger: logger},
		Network:   &networkLifecycle{store: st, pipeline: pipeline, manager: manager, logger: logger},
		Channels:  &logChannels{logger: logger},
		Signer:    signer,
	}, logger)
	router.Local = &protocol.Loopback{Engine: engine}
	router.Network = &outboxSender{
		pipeline:  pipeline,
		directory: dir,
		serverURL: cfg.ServerURL,
	}

	worker := bootstrap.NewWorker(st, pipeline, notifier, cfg.Process(), cfg.SpoolDir, logger)
	worker.Run(ctx)

	if err := connectIdentities(st, manager, cfg.WebSocketServerURL); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.WatchSpool(gctx)
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		err = nil // clean shutdown on signal
	}

	logger.Info("courier stopped")

	return err
}

// buildSigner derives the challenge signing key from the configured
// passphrase and the per-installation salt.
func buildSigner(cfg *config.Config, st *store.Store) (*crypto.ChallengeSigner, error) {
	salt, err := st.SigningSalt()
	if err != nil {
		return nil, fmt.Errorf("loading signing salt: %w", err)
	}

	seed, err := crypto.DeriveSigningSeed([]byte(cfg.KeyPassphrase), salt)
	if err != nil {
		return nil, err
	}

	return crypto.NewChallengeSignerFromSeed(seed)
}

// connectIdentities binds every stored identity to the notification
// channel from its persisted push binding.
func connectIdentities(st *store.Store, manager *push.Manager, defaultURL string) error {
	identities, err := st.ListOwnedIdentities()
	if err != nil {
		return fmt.Errorf("listing owned identities: %w", err)
	}

	for _, owned := range identities {
		binding, err := st.GetPushBinding(owned)
		if err != nil {
			return err
		}
		if binding == nil {
			if defaultURL == "" {
				continue
			}
			binding = &store.PushBinding{OwnedIdentity: owned, ServerURL: defaultURL}
		}

		if binding.ServerURL != "" {
			manager.SetServerURL(owned, binding.ServerURL)
		}
		if !binding.DeviceUID.IsZero() {
			manager.SetDeviceUID(owned, binding.DeviceUID)
		}
		if binding.Token != nil {
			manager.SetServerSessionToken(owned, binding.Token)
		}
		manager.TryConnect(owned)
	}

	return nil
}

// logNotifier forwards delivery lifecycle events to the log. A host
// application replaces this with its flow layer.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) MessageUploaded(owned types.Identity, messageUID types.UID, serverTimestamp int64) {
	n.logger.Info("message uploaded",
		slog.String("identity", owned.String()),
		slog.String("message", messageUID.String()),
		slog.Int64("server_timestamp", serverTimestamp),
	)
}

func (n *logNotifier) MessageDeleted(owned types.Identity, messageUID types.UID, serverTimestamp int64) {
	n.logger.Info("message deleted",
		slog.String("identity", owned.String()),
		slog.String("message", messageUID.String()),
		slog.Int64("server_timestamp", serverTimestamp),
	)
}

func (n *logNotifier) AttachmentUploaded(owned types.Identity, messageUID types.UID, number int) {
	n.logger.Info("attachment uploaded",
		slog.String("identity", owned.String()),
		slog.String("message", messageUID.String()),
		slog.Int("attachment", number),
	)
}

// outboxSender queues protocol envelopes for delivery through the
// outbox. Envelopes arrive already sealed by the channel layer; this
// sender only frames and addresses them.
type outboxSender struct {
	pipeline  *outbox.Pipeline
	directory *directory.Directory
	serverURL string
}

func (s *outboxSender) Post(ctx context.Context, env channel.Envelope) error {
	messageUID, err := types.NewRandomUID()
	if err != nil {
		return err
	}

	msg := &store.OutboxMessage{
		OwnedIdentity:    env.FromIdentity,
		MessageUID:       messageUID,
		ServerURL:        s.serverURL,
		EncryptedContent: env.Encode(),
	}

	headers, err := s.headersFor(env)
	if err != nil {
		return err
	}

	return s.pipeline.Queue(ctx, msg, headers, nil)
}

// headersFor builds one header per destination device. Sibling owned
// devices are known locally; remote identities get an identity-level
// header the server fans out.
func (s *outboxSender) headersFor(env channel.Envelope) ([]store.MessageHeader, error) {
	if env.ChannelKind != channel.KindOwnedDevices {
		return []store.MessageHeader{{
			OwnedIdentity: env.FromIdentity,
			ToIdentity:    env.ToIdentity,
		}}, nil
	}

	devices, err := s.directory.OwnedDevices(env.FromIdentity)
	if err != nil {
		return nil, err
	}

	current, err := s.directory.CurrentDeviceUID(env.FromIdentity)
	if err != nil {
		current = types.UID{}
	}

	var headers []store.MessageHeader
	for _, device := range devices {
		if device == current {
			continue
		}
		headers = append(headers, store.MessageHeader{
			OwnedIdentity: env.FromIdentity,
			ToIdentity:    env.FromIdentity,
			DeviceUID:     device,
		})
	}

	return headers, nil
}

// pushEvents logs server notifications. A host application routes these
// into its fetch and receipt layers.
type pushEvents struct {
	logger *slog.Logger
}

func (e *pushEvents) HandleReturnReceipt(owned types.Identity, receipt push.ReturnReceipt) {
	e.logger.Info("return receipt received",
		slog.String("identity", owned.String()),
		slog.String("server_uid", receipt.ServerUID),
	)
}

func (e *pushEvents) HandleMessageAvailable(owned types.Identity, embedded []byte) {
	e.logger.Info("message available on server",
		slog.String("identity", owned.String()),
		slog.Bool("embedded", embedded != nil),
	)
}

func (e *pushEvents) HandlePushTopic(topic string) {
	e.logger.Info("push topic update", slog.String("topic", topic))
}

func (e *pushEvents) HandleKeycloakUpdate(owned types.Identity) {
	e.logger.Info("keycloak update", slog.String("identity", owned.String()))
}

func (e *pushEvents) HandleOwnedDevicesChanged(owned types.Identity) {
	e.logger.Info("owned devices changed", slog.String("identity", owned.String()))
}

// storedSessions serves session tokens from persisted push bindings.
type storedSessions struct {
	store   *store.Store
	manager *push.Manager
	logger  *slog.Logger
}

func (s *storedSessions) RequestServerSessionToken(owned types.Identity) {
	binding, err := s.store.GetPushBinding(owned)
	if err != nil || binding == nil || binding.Token == nil {
		s.logger.Warn("no stored session token",
			slog.String("identity", owned.String()))

		return
	}

	if s.manager != nil {
		s.manager.SetServerSessionToken(owned, binding.Token)
	}
}

// logDialogs surfaces protocol dialogs in the log; a host application
// renders them in its UI.
type logDialogs struct {
	logger *slog.Logger
}

func (d *logDialogs) ShowGroupInvitation(owned types.Identity, dialogUUID uuid.UUID, group *protocol.Group) {
	d.logger.Info("group invitation pending user decision",
		slog.String("identity", owned.String()),
		slog.String("dialog", dialogUUID.String()),
		slog.String("group", group.Name),
	)
}

func (d *logDialogs) Dismiss(owned types.Identity, dialogUUID uuid.UUID) {
	d.logger.Info("dialog dismissed",
		slog.String("identity", owned.String()),
		slog.String("dialog", dialogUUID.String()),
	)
}

// networkLifecycle implements the deletion protocol's server hooks with
// the operations this process owns: cancelling pending uploads and
// dropping the notification binding.
type networkLifecycle struct {
	store    *store.Store
	pipeline *outbox.Pipeline
	manager  *push.Manager
	logger   *slog.Logger
}

func (n *networkLifecycle) DeactivateCurrentDevice(_ context.Context, owned types.Identity) error {
	n.manager.SetServerSessionToken(owned, nil)
	n.logger.Info("current device deactivated",
		slog.String("identity", owned.String()))

	return nil
}

func (n *networkLifecycle) PrepareForOwnedIdentityDeletion(_ context.Context, owned types.Identity) error {
	messages, err := n.store.ListOutboxMessages(owned)
	if err != nil {
		return err
	}

	for i := range messages {
		if messages[i].UploadedOrCancelled() {
			continue
		}
		if err := n.pipeline.Cancel(owned, messages[i].MessageUID); err != nil {
			n.logger.Warn("cancelling outbox message",
				slog.String("message", messages[i].MessageUID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

func (n *networkLifecycle) FinalizeOwnedIdentityDeletion(_ context.Context, owned types.Identity) error {
	n.logger.Info("owned identity deletion finalized on this device",
		slog.String("identity", owned.String()))

	return nil
}

// logChannels stands in for the channel layer's teardown hooks; channel
// key material lives in the host application.
type logChannels struct {
	logger *slog.Logger
}

func (c *logChannels) DeleteChannelsWithContact(owned, contact types.Identity) error {
	c.logger.Info("channels with contact deleted",
		slog.String("identity", owned.String()),
		slog.String("contact", contact.String()),
	)

	return nil
}

func (c *logChannels) DeleteAllChannels(owned types.Identity) error {
	c.logger.Info("all channels deleted",
		slog.String("identity", owned.String()))

	return nil
}
