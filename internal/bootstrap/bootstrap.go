// Package bootstrap reconciles persisted outbox and upload state after a
// process start or a return to foreground: crashes leave orphaned rows,
// stale upload sessions, unsent notifications and abandoned spool
// directories behind, and each of those is repaired independently.
package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/courier/internal/outbox"
	"github.com/alexjbarnes/courier/internal/store"
	"github.com/alexjbarnes/courier/internal/types"
)

// Deliverer re-enqueues a message into the delivery pipeline.
type Deliverer interface {
	TriggerDelivery(ctx context.Context, owned types.Identity, messageUID types.UID)
}

// Worker runs the reconciliation tasks. Every task logs and continues on
// failure; bootstrap must never abort the process.
type Worker struct {
	store     *store.Store
	deliverer Deliverer
	notifier  outbox.Notifier
	process   store.ProcessType
	spoolDir  string
	logger    *slog.Logger
}

// NewWorker wires a bootstrap worker for the given process type.
func NewWorker(st *store.Store, deliverer Deliverer, notifier outbox.Notifier, process store.ProcessType, spoolDir string, logger *slog.Logger) *Worker {
	return &Worker{
		store:     st,
		deliverer: deliverer,
		notifier:  notifier,
		process:   process,
		spoolDir:  spoolDir,
		logger:    logger,
	}
}

// Run executes every reconciliation task once. Call it at process start
// and again when the app returns to foreground.
func (w *Worker) Run(ctx context.Context) {
	identities, err := w.store.ListOwnedIdentities()
	if err != nil {
		w.logger.Error("listing owned identities", slog.String("error", err.Error()))

		return
	}

	for _, owned := range identities {
		w.deleteOrphans(owned)
		w.resetSessions(owned)
		w.replayTombstones(owned)
		w.retriggerMessages(ctx, owned)
	}

	w.cleanSpool(identities)
}

// deleteOrphans removes rows left behind by interrupted cascades.
func (w *Worker) deleteOrphans(owned types.Identity) {
	counts, err := w.store.DeleteOrphans(owned)
	if err != nil {
		w.logger.Warn("deleting orphaned rows", slog.String("error", err.Error()))

		return
	}

	if counts.Chunks+counts.Attachments+counts.Headers+counts.Sessions > 0 {
		w.logger.Info("deleted orphaned rows",
			slog.Int("chunks", counts.Chunks),
			slog.Int("attachments", counts.Attachments),
			slog.Int("headers", counts.Headers),
			slog.Int("sessions", counts.Sessions),
		)
	}
}

// resetSessions invalidates upload sessions held by this process type
// and clears the local chunk files they referenced, so a fresh
// coordinator re-encrypts from the source.
func (w *Worker) resetSessions(owned types.Identity) {
	sessions, err := w.store.DeleteSessionsOfProcessType(owned, w.process)
	if err != nil {
		w.logger.Warn("deleting upload sessions", slog.String("error", err.Error()))

		return
	}

	for _, session := range sessions {
		paths, err := w.store.ResetChunkLocalFiles(owned, session.MessageUID, session.AttachmentNumber)
		if err != nil {
			w.logger.Warn("resetting chunk local files",
				slog.String("message", session.MessageUID.String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		for _, path := range paths {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				w.logger.Warn("removing stale chunk file",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// replayTombstones re-sends the deletion notification for every
// tombstone still present. The original in-transaction notification may
// have been lost on crash; the tombstone is only deleted once the replay
// went out.
func (w *Worker) replayTombstones(owned types.Identity) {
	tombstones, err := w.store.ListTombstones(owned)
	if err != nil {
		w.logger.Warn("listing tombstones", slog.String("error", err.Error()))

		return
	}

	for _, tombstone := range tombstones {
		w.notifier.MessageDeleted(owned, tombstone.MessageUID, tombstone.ServerTimestamp)

		if err := w.store.DeleteTombstone(owned, tombstone.MessageUID); err != nil {
			w.logger.Warn("deleting tombstone",
				slog.String("message", tombstone.MessageUID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// retriggerMessages replays the uploaded notification for acknowledged
// messages and pushes every other live message back into the delivery
// pipeline.
func (w *Worker) retriggerMessages(ctx context.Context, owned types.Identity) {
	messages, err := w.store.ListOutboxMessages(owned)
	if err != nil {
		w.logger.Warn("listing outbox messages", slog.String("error", err.Error()))

		return
	}

	for i := range messages {
		msg := &messages[i]
		if msg.Cancelled {
			continue
		}

		if msg.Uploaded && msg.ServerTimestamp != 0 {
			w.notifier.MessageUploaded(owned, msg.MessageUID, msg.ServerTimestamp)
		}

		w.deliverer.TriggerDelivery(ctx, owned, msg.MessageUID)
	}
}

// cleanSpool removes per-message spool directories with no backing
// outbox row for any identity.
func (w *Worker) cleanSpool(identities []types.Identity) {
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("reading spool directory", slog.String("error", err.Error()))
		}

		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		messageUID, err := types.UIDFromHex(entry.Name())
		if err != nil {
			continue
		}

		if w.messageExists(identities, messageUID) {
			continue
		}

		path := filepath.Join(w.spoolDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			w.logger.Warn("removing abandoned spool directory",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		} else {
			w.logger.Info("removed abandoned spool directory", slog.String("path", path))
		}
	}
}

func (w *Worker) messageExists(identities []types.Identity, messageUID types.UID) bool {
	for _, owned := range identities {
		msg, err := w.store.GetOutboxMessage(owned, messageUID)
		if err != nil {
			// Assume it exists rather than deleting files on a read error.
			return true
		}
		if msg != nil {
			return true
		}
	}

	return false
}
