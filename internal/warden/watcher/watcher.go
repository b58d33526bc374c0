// Package watcher triggers a refresh sync when an operator edits the
// configuration document on disk. Writes performed by the engine itself are
// recognized by fingerprint and ignored.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chatwarden/chatwarden/internal/warden/document"
	"github.com/chatwarden/chatwarden/internal/warden/mutator"
	"github.com/chatwarden/chatwarden/internal/warden/store"
)

// debounceDelay coalesces the burst of events an editor save produces into
// one sync.
const debounceDelay = 200 * time.Millisecond

// Swapper is the mutation entry point the watcher drives. *mutator.Mutator
// satisfies it.
type Swapper interface {
	SwapState(ctx context.Context, reason string, f func(*document.Document) *document.Document) mutator.Result
	LastWrittenSHA() string
}

// Watcher reacts to filesystem changes of the primary document.
type Watcher struct {
	store   *store.Store
	swapper Swapper
	log     *slog.Logger
}

// New creates a watcher.
func New(st *store.Store, swapper Swapper, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{store: st, swapper: swapper, log: logger}
}

// Run watches the store directory until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create filesystem watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.store.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", w.store.Dir(), err)
	}
	w.log.Info("watching for document edits", "dir", w.store.Dir())

	var debounce *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
			} else {
				debounce.Reset(debounceDelay)
			}
			pending = debounce.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watch error", "error", err)
		case <-pending:
			pending = nil
			w.handleChange(ctx)
		}
	}
}

// relevant reports whether the event is a write or create of the primary
// document. Swap files, backups, and the lock file are ignored.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return false
	}
	return filepath.Base(event.Name) == w.store.PrimaryFile()
}

// handleChange decides whether the edit needs a sync: our own writes (lock
// held, or fingerprint matches the last engine write) are skipped.
func (w *Watcher) handleChange(ctx context.Context) {
	info, err := w.store.ReadLock()
	if err != nil {
		w.log.Warn("cannot read lock, skipping edit", "error", err)
		return
	}
	if info.Locked {
		// A mutation is in flight; it will persist its own result.
		return
	}

	sha, err := w.store.CurrentSHA()
	if err != nil {
		w.log.Warn("cannot fingerprint document, skipping edit", "error", err)
		return
	}
	if sha == w.swapper.LastWrittenSHA() {
		return
	}

	w.log.Info("document edited on disk, syncing")
	res := w.swapper.SwapState(ctx, "filesystem change", nil)
	if !res.OK {
		w.log.Error("sync after edit failed", "errors", res.Errors)
	}
}
