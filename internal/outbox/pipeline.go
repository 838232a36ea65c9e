package outbox

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/courier/internal/store"
	"github.com/alexjbarnes/courier/internal/types"
)

// ServerAck is the server acknowledgement for an uploaded message.
type ServerAck struct {
	UID         types.UID
	Nonce       []byte
	TimestampMs int64
}

// MessageUploader uploads one message payload with its headers to the
// message server.
type MessageUploader interface {
	UploadMessage(ctx context.Context, msg *store.OutboxMessage, headers []store.MessageHeader) (*ServerAck, error)
}

// AttachmentUploader resumes chunk uploads for one attachment.
type AttachmentUploader interface {
	ResumeAttachment(ctx context.Context, owned types.Identity, messageUID types.UID, number int) error
}

// Notifier receives delivery lifecycle events for the flow layer.
type Notifier interface {
	MessageUploaded(owned types.Identity, messageUID types.UID, serverTimestamp int64)
	MessageDeleted(owned types.Identity, messageUID types.UID, serverTimestamp int64)
	AttachmentUploaded(owned types.Identity, messageUID types.UID, number int)
}

// AttachmentInput describes one attachment at queue time.
type AttachmentInput struct {
	CleartextLength int64
	Key             []byte
	FilePath        string
}

// Pipeline persists outgoing messages and drives them to the uploaded
// state with retries. One instance per process.
type Pipeline struct {
	store    *store.Store
	messages MessageUploader
	chunks   AttachmentUploader
	notifier Notifier
	backoff  *Backoff
	logger   *slog.Logger

	// retryTimers dedups scheduled retries per message key so repeated
	// failures do not stack timers.
	retryMu     sync.Mutex
	retryTimers map[string]*time.Timer
}

// NewPipeline wires a delivery pipeline.
func NewPipeline(st *store.Store, messages MessageUploader, chunks AttachmentUploader, notifier Notifier, backoff *Backoff, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:       st,
		messages:    messages,
		chunks:      chunks,
		notifier:    notifier,
		backoff:     backoff,
		logger:      logger,
		retryTimers: make(map[string]*time.Timer),
	}
}

func messageKey(owned types.Identity, messageUID types.UID) string {
	return owned.Key() + "/" + messageUID.Base64()
}

// Queue persists a new outgoing message with its headers and attachments
// and immediately attempts delivery.
func (p *Pipeline) Queue(ctx context.Context, msg *store.OutboxMessage, headers []store.MessageHeader, attachments []AttachmentInput) error {
	bundles := make([]store.AttachmentBundle, 0, len(attachments))
	for i, in := range attachments {
		values, err := ComputeChunkValues(in.CleartextLength)
		if err != nil {
			return err
		}

		bundle := store.AttachmentBundle{
			Attachment: store.OutboxAttachment{
				OwnedIdentity:   msg.OwnedIdentity,
				MessageUID:      msg.MessageUID,
				Number:          i,
				CleartextLength: in.CleartextLength,
				Key:             in.Key,
				FilePath:        in.FilePath,
			},
		}
		for _, v := range values {
			bundle.Chunks = append(bundle.Chunks, store.OutboxAttachmentChunk{
				OwnedIdentity:    msg.OwnedIdentity,
				MessageUID:       msg.MessageUID,
				AttachmentNumber: i,
				Index:            v.Index,
				CleartextLength:  v.CleartextLength,
				CiphertextLength: v.CiphertextLength,
			})
		}
		bundles = append(bundles, bundle)
	}

	if err := p.store.CreateOutboxMessage(msg, headers, bundles); err != nil {
		return err
	}

	p.TriggerDelivery(ctx, msg.OwnedIdentity, msg.MessageUID)

	return nil
}

// TriggerDelivery attempts to upload a message now. Failures schedule a
// retry with exponential backoff; success resets the backoff, notifies
// the flow layer and starts the attachment uploads.
func (p *Pipeline) TriggerDelivery(ctx context.Context, owned types.Identity, messageUID types.UID) {
	key := messageKey(owned, messageUID)

	msg, err := p.store.GetOutboxMessage(owned, messageUID)
	if err != nil {
		p.logger.Warn("loading outbox message",
			slog.String("message", messageUID.String()),
			slog.String("error", err.Error()),
		)

		return
	}
	if msg == nil || msg.Cancelled {
		return
	}

	if msg.Uploaded {
		p.resumeAttachments(ctx, owned, messageUID)

		return
	}

	headers, err := p.listHeaders(owned, messageUID)
	if err != nil {
		p.logger.Warn("loading message headers", slog.String("error", err.Error()))

		return
	}

	ack, err := p.messages.UploadMessage(ctx, msg, headers)
	if err != nil {
		delay := p.backoff.IncrementAndGetDelay(key)
		p.logger.Warn("message upload failed, will retry",
			slog.String("message", messageUID.String()),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		p.scheduleRetry(ctx, owned, messageUID, delay)

		return
	}

	p.backoff.Reset(key)

	if err := p.store.MarkMessageUploaded(owned, messageUID, ack.UID, ack.Nonce, ack.TimestampMs); err != nil {
		p.logger.Error("recording message upload", slog.String("error", err.Error()))

		return
	}

	p.logger.Info("message uploaded",
		slog.String("message", messageUID.String()),
		slog.Int64("server_timestamp", ack.TimestampMs),
	)
	p.notifier.MessageUploaded(owned, messageUID, ack.TimestampMs)

	p.resumeAttachments(ctx, owned, messageUID)
	p.DeleteIfPossible(owned, messageUID)
}

func (p *Pipeline) listHeaders(owned types.Identity, messageUID types.UID) ([]store.MessageHeader, error) {
	// Headers are immutable after creation; no dedicated accessor is
	// needed beyond this.
	return p.store.ListMessageHeaders(owned, messageUID)
}

func (p *Pipeline) resumeAttachments(ctx context.Context, owned types.Identity, messageUID types.UID) {
	bundles, err := p.store.ListAttachmentBundles(owned, messageUID)
	if err != nil {
		p.logger.Warn("listing attachments", slog.String("error", err.Error()))

		return
	}

	// Attachments closer to completion carry the higher priority levels
	// and are resumed first.
	sort.SliceStable(bundles, func(i, j int) bool {
		return UploadPriority(remainingChunks(&bundles[i])) > UploadPriority(remainingChunks(&bundles[j]))
	})

	for i := range bundles {
		number := bundles[i].Attachment.Number
		if err := p.chunks.ResumeAttachment(ctx, owned, messageUID, number); err != nil {
			p.logger.Warn("resuming attachment upload",
				slog.String("message", messageUID.String()),
				slog.Int("attachment", number),
				slog.String("error", err.Error()),
			)
		}
	}
}

func remainingChunks(b *store.AttachmentBundle) int {
	n := 0
	for i := range b.Chunks {
		if !b.Chunks[i].Acknowledged() {
			n++
		}
	}

	return n
}

func (p *Pipeline) scheduleRetry(ctx context.Context, owned types.Identity, messageUID types.UID, delay time.Duration) {
	key := messageKey(owned, messageUID)

	p.retryMu.Lock()
	defer p.retryMu.Unlock()

	if _, pending := p.retryTimers[key]; pending {
		return
	}

	p.retryTimers[key] = time.AfterFunc(delay, func() {
		p.retryMu.Lock()
		delete(p.retryTimers, key)
		p.retryMu.Unlock()

		if ctx.Err() != nil {
			return
		}

		p.TriggerDelivery(ctx, owned, messageUID)
	})
}

// Cancel sets the cancellation flag on a message and deletes it if the
// gate already passes.
func (p *Pipeline) Cancel(owned types.Identity, messageUID types.UID) error {
	if err := p.store.CancelOutboxMessage(owned, messageUID); err != nil {
		return err
	}

	p.DeleteIfPossible(owned, messageUID)

	return nil
}

// AttachmentAcknowledged is called by the upload coordinator when every
// chunk of an attachment is done.
func (p *Pipeline) AttachmentAcknowledged(owned types.Identity, messageUID types.UID, number int) {
	p.notifier.AttachmentUploaded(owned, messageUID, number)
	p.DeleteIfPossible(owned, messageUID)
}

// DeleteIfPossible deletes the message once it is fully acknowledged or
// cancelled, and fires the post-deletion notification exactly once via
// the tombstone.
func (p *Pipeline) DeleteIfPossible(owned types.Identity, messageUID types.UID) {
	msg, err := p.store.GetOutboxMessage(owned, messageUID)
	if err != nil || msg == nil {
		return
	}

	serverTimestamp := msg.ServerTimestamp

	deleted, tombstoned, err := p.store.DeleteOutboxMessageIfPossible(owned, messageUID)
	if err != nil {
		p.logger.Warn("deleting outbox message", slog.String("error", err.Error()))

		return
	}
	if !deleted {
		return
	}

	p.logger.Debug("outbox message deleted", slog.String("message", messageUID.String()))

	if tombstoned {
		p.notifier.MessageDeleted(owned, messageUID, serverTimestamp)
		if err := p.store.DeleteTombstone(owned, messageUID); err != nil {
			p.logger.Warn("deleting tombstone", slog.String("error", err.Error()))
		}
	}
}
