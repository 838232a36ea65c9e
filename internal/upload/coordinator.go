package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alexjbarnes/courier/internal/crypto"
	cerrors "github.com/alexjbarnes/courier/internal/errors"
	"github.com/alexjbarnes/courier/internal/outbox"
	"github.com/alexjbarnes/courier/internal/store"
	"github.com/alexjbarnes/courier/internal/types"
)

// spoolDirPerm is the permission mode for per-message spool directories.
const spoolDirPerm = 0o700

// AckHandler is notified when every chunk of an attachment has been
// acknowledged.
type AckHandler interface {
	AttachmentAcknowledged(owned types.Identity, messageUID types.UID, number int)
}

// Coordinator drives resumable chunked attachment uploads: signed-URL
// fetches, per-chunk PUTs bounded by a weighted semaphore, and
// acknowledgement bookkeeping. Uploads survive process restarts because
// every step is recorded in the store before the network call.
type Coordinator struct {
	store   *store.Store
	client  *Client
	backoff *outbox.Backoff
	logger  *slog.Logger

	process  store.ProcessType
	spoolDir string

	// sem bounds concurrent chunk PUTs across all attachments.
	sem *semaphore.Weighted

	// active dedups concurrent resume triggers and signed-URL fetches
	// per attachment.
	mu     sync.Mutex
	active map[string]bool

	ackMu sync.Mutex
	acks  AckHandler
}

// NewCoordinator wires an upload coordinator. maxConcurrentChunks bounds
// simultaneous chunk uploads across all attachments.
func NewCoordinator(st *store.Store, client *Client, backoff *outbox.Backoff, process store.ProcessType, spoolDir string, maxConcurrentChunks int64, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		client:   client,
		backoff:  backoff,
		logger:   logger,
		process:  process,
		spoolDir: spoolDir,
		sem:      semaphore.NewWeighted(maxConcurrentChunks),
		active:   make(map[string]bool),
	}
}

// SetAckHandler registers the completion callback. Set once at wiring
// time; the pipeline and the coordinator reference each other.
func (co *Coordinator) SetAckHandler(h AckHandler) {
	co.ackMu.Lock()
	co.acks = h
	co.ackMu.Unlock()
}

func attachmentKey(owned types.Identity, messageUID types.UID, number int) string {
	return fmt.Sprintf("%s/%s/%d", owned.Key(), messageUID.Base64(), number)
}

// ResumeAttachment starts or resumes uploading one attachment. Only
// chunks not yet acknowledged are uploaded; signed URLs are fetched only
// from the all-nil state. Idempotent and safe to call from concurrent
// triggers: a second call while the attachment is active is a no-op.
func (co *Coordinator) ResumeAttachment(ctx context.Context, owned types.Identity, messageUID types.UID, number int) error {
	key := attachmentKey(owned, messageUID, number)

	co.mu.Lock()
	if co.active[key] {
		co.mu.Unlock()

		return nil
	}
	co.active[key] = true
	co.mu.Unlock()

	release := func() {
		co.mu.Lock()
		delete(co.active, key)
		co.mu.Unlock()
	}

	msg, err := co.store.GetOutboxMessage(owned, messageUID)
	if err != nil {
		release()

		return err
	}
	if msg == nil {
		release()

		return cerrors.ErrMessageNotCreated
	}

	bundle, err := co.store.GetAttachmentBundle(owned, messageUID, number)
	if err != nil {
		release()

		return err
	}
	if bundle == nil || !bundle.CanBeSent(msg) {
		release()

		return nil
	}

	if bundle.AllSignedURLsNil() {
		if err := co.fetchSignedURLs(ctx, msg, bundle); err != nil {
			release()
			co.scheduleRetry(ctx, owned, messageUID, number, key)

			return err
		}

		bundle, err = co.store.GetAttachmentBundle(owned, messageUID, number)
		if err != nil || bundle == nil {
			release()

			return err
		}
	}

	sess := &store.AttachmentSession{
		OwnedIdentity:    owned,
		MessageUID:       messageUID,
		AttachmentNumber: number,
		Process:          co.process,
		SessionID:        fmt.Sprintf("%s-%d-%d", messageUID.String(), number, time.Now().UnixNano()),
		CreatedAt:        time.Now(),
	}
	if err := co.store.CreateAttachmentSession(sess); err != nil {
		release()
		if errors.Is(err, cerrors.ErrSessionOwned) {
			// Another process already owns the upload.
			return nil
		}

		return err
	}

	go co.uploadChunks(ctx, owned, messageUID, number, key, release)

	return nil
}

// fetchSignedURLs requests one URL per chunk. The store enforces the
// all-nil precondition inside the write transaction, so a concurrent
// fetch that lost the race surfaces as ErrFetchInFlight and is ignored.
func (co *Coordinator) fetchSignedURLs(ctx context.Context, msg *store.OutboxMessage, bundle *store.AttachmentBundle) error {
	att := &bundle.Attachment
	lengths := make([]int64, len(bundle.Chunks))
	for i := range bundle.Chunks {
		lengths[i] = bundle.Chunks[i].CiphertextLength
	}

	urls, err := co.client.RequestSignedURLs(ctx, msg.ServerURL, att.OwnedIdentity, att.MessageUID, att.Number, lengths)
	if err != nil {
		return err
	}

	err = co.store.SetChunkSignedURLs(att.OwnedIdentity, att.MessageUID, att.Number, urls)
	if err != nil && !errors.Is(err, cerrors.ErrFetchInFlight) {
		return err
	}

	return nil
}

func (co *Coordinator) uploadChunks(ctx context.Context, owned types.Identity, messageUID types.UID, number int, key string, release func()) {
	defer release()

	bundle, err := co.store.GetAttachmentBundle(owned, messageUID, number)
	if err != nil || bundle == nil {
		return
	}

	var failed atomic.Bool
	var wg sync.WaitGroup

	for i := range bundle.Chunks {
		chunk := bundle.Chunks[i]
		if chunk.Acknowledged() || chunk.SignedURL == "" {
			continue
		}

		// Re-check cancellation before each chunk starts; cancellation
		// is cooperative and must stop new uploads.
		att, err := co.store.GetAttachmentBundle(owned, messageUID, number)
		if err != nil || att == nil || att.Attachment.Cancelled {
			break
		}

		if err := co.sem.Acquire(ctx, 1); err != nil {
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer co.sem.Release(1)

			if err := co.uploadOneChunk(ctx, &bundle.Attachment, chunk); err != nil {
				co.logger.Warn("chunk upload failed",
					slog.String("message", messageUID.String()),
					slog.Int("attachment", number),
					slog.Int("chunk", chunk.Index),
					slog.String("error", err.Error()),
				)
				failed.Store(true)
			}
		}()
	}

	wg.Wait()

	if failed.Load() {
		co.scheduleRetry(ctx, owned, messageUID, number, key)

		return
	}

	co.finishIfAcknowledged(owned, messageUID, number, key)
}

// uploadOneChunk materializes the encrypted chunk file if needed, PUTs
// it, and records the acknowledgement.
func (co *Coordinator) uploadOneChunk(ctx context.Context, att *store.OutboxAttachment, chunk store.OutboxAttachmentChunk) error {
	ciphertext, localPath, err := co.materializeChunk(att, chunk)
	if err != nil {
		return err
	}

	if err := co.client.UploadChunk(ctx, chunk.SignedURL, ciphertext); err != nil {
		co.backoff.IncrementAndGetDelay(chunkBackoffKey(att, chunk.Index))

		return err
	}

	co.backoff.Reset(chunkBackoffKey(att, chunk.Index))

	prevPath, err := co.store.AcknowledgeChunk(att.OwnedIdentity, att.MessageUID, att.Number, chunk.Index, co.process, time.Now())
	if errors.Is(err, cerrors.ErrAlreadyAcked) {
		// The other process acknowledged first. Clean up our copy only.
		if localPath != "" {
			_ = os.Remove(localPath)
		}

		return nil
	}
	if err != nil {
		return err
	}

	if prevPath != "" {
		_ = os.Remove(prevPath)
	}
	if localPath != "" && localPath != prevPath {
		_ = os.Remove(localPath)
	}

	return nil
}

// materializeChunk returns the encrypted chunk bytes, writing them to
// the spool directory first so an interrupted upload can resume without
// re-reading the source file.
func (co *Coordinator) materializeChunk(att *store.OutboxAttachment, chunk store.OutboxAttachmentChunk) ([]byte, string, error) {
	if chunk.LocalFilePath != "" {
		data, err := os.ReadFile(chunk.LocalFilePath)
		if err == nil {
			return data, chunk.LocalFilePath, nil
		}
		// Fall through and rebuild from the source file.
	}

	values, err := outbox.ComputeChunkValues(att.CleartextLength)
	if err != nil {
		return nil, "", err
	}
	offset, length := outbox.CleartextRange(values, chunk.Index)

	src, err := os.Open(att.FilePath)
	if err != nil {
		return nil, "", fmt.Errorf("opening attachment file: %w", err)
	}
	defer src.Close()

	cleartext := make([]byte, length)
	if _, err := src.ReadAt(cleartext, offset); err != nil {
		return nil, "", fmt.Errorf("reading chunk cleartext: %w", err)
	}

	chunkKey, err := crypto.DeriveChunkKey(att.Key, chunk.Index)
	if err != nil {
		return nil, "", err
	}

	enc, err := crypto.NewAuthEnc(chunkKey)
	if err != nil {
		return nil, "", err
	}

	ciphertext, err := enc.Encrypt(cleartext)
	if err != nil {
		return nil, "", fmt.Errorf("encrypting chunk: %w", err)
	}

	dir := filepath.Join(co.spoolDir, att.MessageUID.Hex())
	if err := os.MkdirAll(dir, spoolDirPerm); err != nil {
		return nil, "", fmt.Errorf("creating spool directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%d-%d.enc", att.Number, chunk.Index))
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return nil, "", fmt.Errorf("writing encrypted chunk: %w", err)
	}

	if err := co.store.SetChunkLocalFile(att.OwnedIdentity, att.MessageUID, att.Number, chunk.Index, path); err != nil {
		return nil, "", err
	}

	return ciphertext, path, nil
}

func (co *Coordinator) finishIfAcknowledged(owned types.Identity, messageUID types.UID, number int, key string) {
	bundle, err := co.store.GetAttachmentBundle(owned, messageUID, number)
	if err != nil || bundle == nil {
		return
	}
	if !bundle.Acknowledged() {
		return
	}

	if err := co.store.DeleteAttachmentSession(owned, messageUID, number); err != nil {
		co.logger.Warn("deleting attachment session", slog.String("error", err.Error()))
	}

	co.backoff.Reset(key)
	co.logger.Info("attachment fully uploaded",
		slog.String("message", messageUID.String()),
		slog.Int("attachment", number),
	)

	co.ackMu.Lock()
	acks := co.acks
	co.ackMu.Unlock()
	if acks != nil {
		acks.AttachmentAcknowledged(owned, messageUID, number)
	}
}

func (co *Coordinator) scheduleRetry(ctx context.Context, owned types.Identity, messageUID types.UID, number int, key string) {
	delay := co.backoff.IncrementAndGetDelay(key)
	co.logger.Debug("scheduling attachment retry",
		slog.String("message", messageUID.String()),
		slog.Int("attachment", number),
		slog.Duration("delay", delay),
	)

	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := co.ResumeAttachment(ctx, owned, messageUID, number); err != nil {
			co.logger.Warn("attachment retry failed", slog.String("error", err.Error()))
		}
	})
}

// CurrentByteCountToUpload returns the exact number of ciphertext bytes
// still to upload for an attachment.
func (co *Coordinator) CurrentByteCountToUpload(owned types.Identity, messageUID types.UID, number int) (int64, error) {
	bundle, err := co.store.GetAttachmentBundle(owned, messageUID, number)
	if err != nil {
		return 0, err
	}
	if bundle == nil {
		return 0, cerrors.ErrNotFound
	}

	return bundle.CurrentByteCountToUpload(), nil
}

func chunkBackoffKey(att *store.OutboxAttachment, index int) string {
	return fmt.Sprintf("%s/%s/%d/%d", att.OwnedIdentity.Key(), att.MessageUID.Base64(), att.Number, index)
}
