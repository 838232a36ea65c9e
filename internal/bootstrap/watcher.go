package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/alexjbarnes/courier/internal/types"
)

// WatchSpool watches the spool directory and re-triggers delivery of a
// message whenever chunk files for it appear, typically written by the
// extension process. Blocks until ctx is cancelled.
func (w *Worker) WatchSpool(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating spool watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.spoolDir); err != nil {
		return fmt.Errorf("watching spool directory: %w", err)
	}

	w.logger.Debug("watching spool directory", slog.String("path", w.spoolDir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			w.handleSpoolEvent(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spool watcher error", slog.String("error", err.Error()))
		}
	}
}

// handleSpoolEvent maps a created path back to its message UID and
// re-triggers delivery for whichever identity owns that message.
func (w *Worker) handleSpoolEvent(ctx context.Context, path string) {
	rel, err := filepath.Rel(w.spoolDir, path)
	if err != nil {
		return
	}

	// The first path element under the spool dir is the message dir.
	name := rel
	if dir, _ := filepath.Split(rel); dir != "" {
		name = filepath.Clean(dir)
	}

	messageUID, err := types.UIDFromHex(filepath.Base(name))
	if err != nil {
		return
	}

	identities, err := w.store.ListOwnedIdentities()
	if err != nil {
		return
	}

	for _, owned := range identities {
		msg, err := w.store.GetOutboxMessage(owned, messageUID)
		if err != nil || msg == nil || msg.Cancelled {
			continue
		}

		w.logger.Debug("spool activity, re-triggering delivery",
			slog.String("message", messageUID.String()))
		w.deliverer.TriggerDelivery(ctx, owned, messageUID)
	}
}
