// Package mutator serializes every write to the configuration document. All
// mutations — operator edits picked up by the watcher, bot commands, startup
// reconciliation — funnel through SwapState, which takes the advisory lock,
// runs the sync engine, persists the effective document, and releases the
// lock on every exit path.
package mutator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwarden/chatwarden/common/trace"
	"github.com/chatwarden/chatwarden/internal/warden/document"
	"github.com/chatwarden/chatwarden/internal/warden/engine"
	"github.com/chatwarden/chatwarden/internal/warden/store"
)

const defaultSyncTimeout = 2 * time.Minute

// Syncer reconciles a document against the remote server. *engine.Engine
// satisfies it.
type Syncer interface {
	SyncState(ctx context.Context, doc *document.Document) (*document.Document, engine.Report, error)
}

// PasswordAPI is the single remote operation UpdatePassword needs.
type PasswordAPI interface {
	ChangePassword(ctx context.Context, user, newPassword string) error
}

// Config holds the mutator's settings.
type Config struct {
	// SyncTimeout bounds how long the advisory lock is claimed for one
	// mutation. Defaults to 2 minutes.
	SyncTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// OnResult, when set, observes the outcome of every SwapState call
	// that reached the sync engine.
	OnResult func(reason string, res Result)
}

// Result is the outcome of one SwapState call.
type Result struct {
	// OK is true when the mutation was applied and persisted.
	OK bool

	// State is the effective document after the sync, nil on failure.
	State *document.Document

	// Report is the sync engine's change report.
	Report engine.Report

	// Errors holds human-readable failure messages when OK is false.
	Errors []string

	// ErrorValue carries the underlying error for programmatic inspection.
	ErrorValue error
}

// Identity is the no-op mutation used for refresh syncs.
func Identity(doc *document.Document) *document.Document { return doc }

// Mutator applies serialized mutations to the configuration document.
type Mutator struct {
	store     *store.Store
	syncer    Syncer
	passwords PasswordAPI
	cfg       Config
	log       *slog.Logger

	// mu serializes in-process callers; the lock file covers everyone else
	// (including human operators running tools against the same directory).
	mu      sync.Mutex
	lastSHA string
}

// New creates a mutator. passwords may be nil when UpdatePassword is unused.
func New(st *store.Store, syncer Syncer, passwords PasswordAPI, cfg Config) *Mutator {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Mutator{store: st, syncer: syncer, passwords: passwords, cfg: cfg, log: log}
}

// LastWrittenSHA returns the fingerprint of the last document this mutator
// wrote, or "" before the first write. The watcher uses it to tell operator
// edits apart from the engine's own write echo.
func (m *Mutator) LastWrittenSHA() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSHA
}

// SwapState applies f to the current document, syncs the result against the
// remote server, and persists the effective document. A nil f means Identity.
// The advisory lock is held for the sync and released on every exit path.
func (m *Mutator) SwapState(ctx context.Context, reason string, f func(*document.Document) *document.Document) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)
	log := m.log.With("trace_id", traceID, "reason", reason)

	if f == nil {
		f = Identity
	}

	info, err := m.store.ReadLock()
	if err != nil {
		return failure(err)
	}
	if info.Locked {
		err := fmt.Errorf("locked for %q until %s", info.Reason, info.ExpiresAt.Format(time.RFC3339))
		return failure(err)
	}

	current, _, err := m.store.Read()
	if err != nil {
		return failure(err)
	}

	next := f(current.Clone())
	if next == nil {
		return failure(errors.New("mutation returned no document"))
	}
	if ve := document.Validate(next); ve != nil {
		return Result{
			OK:         false,
			Errors:     ve.Messages(),
			ErrorValue: ve,
		}
	}

	if err := m.store.Lock(reason, m.cfg.SyncTimeout); err != nil {
		return failure(err)
	}
	defer func() {
		if err := m.store.ClearLock(); err != nil {
			log.Error("clear lock failed", "error", err)
		}
	}()

	log.Info("mutation started")
	effective, report, err := m.syncer.SyncState(ctx, next)
	if err != nil {
		return failureWithReport(fmt.Errorf("sync: %w", err), report)
	}

	written, sha, err := m.store.Write(effective)
	if err != nil {
		return failureWithReport(fmt.Errorf("persist document: %w", err), report)
	}
	m.lastSHA = sha

	if errs := report.Errors(); len(errs) > 0 {
		log.Warn("mutation finished with remote errors", "errors", len(errs))
	} else {
		log.Info("mutation finished", "summary", report.Summary())
	}
	res := Result{OK: true, State: written, Report: report}
	if m.cfg.OnResult != nil {
		m.cfg.OnResult(reason, res)
	}
	return res
}

// UpdatePassword changes a managed user's password on the remote server. It
// bypasses the document entirely: passwords are never stored there.
func (m *Mutator) UpdatePassword(ctx context.Context, userID, newPassword string) error {
	if m.passwords == nil {
		return errors.New("password updates are not configured")
	}
	doc, _, err := m.store.Read()
	if err != nil {
		return err
	}
	if !doc.Tracking.Members.Contains(userID) {
		return fmt.Errorf("user %q is not managed", userID)
	}
	if err := m.passwords.ChangePassword(ctx, userID, newPassword); err != nil {
		return fmt.Errorf("change password for %q: %w", userID, err)
	}
	m.log.Info("password updated", "user", userID)
	return nil
}

func failure(err error) Result {
	return Result{OK: false, Errors: []string{err.Error()}, ErrorValue: err}
}

func failureWithReport(err error, report engine.Report) Result {
	r := failure(err)
	r.Report = report
	return r
}
