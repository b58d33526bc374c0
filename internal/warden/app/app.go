// Package app assembles the components into one running system: config
// store, remote client, sync engine, admin bot, mutator, file watcher, and
// the optional health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/chatwarden/chatwarden/internal/warden/document"
	"github.com/chatwarden/chatwarden/internal/warden/engine"
	"github.com/chatwarden/chatwarden/internal/warden/mutator"
	"github.com/chatwarden/chatwarden/internal/warden/remote"
	"github.com/chatwarden/chatwarden/internal/warden/store"
	"github.com/chatwarden/chatwarden/internal/warden/watcher"
	"github.com/chatwarden/chatwarden/internal/warden/xmppbot"
)

// Config is the application configuration, populated from the environment by
// cmd/chatwarden.
type Config struct {
	// DataDir holds the configuration document, its backups, and the bot
	// state database.
	DataDir string

	// AdminAPIURL is the base URL of the ejabberd admin API.
	AdminAPIURL string

	// XMPPDomain is the virtual host of managed users.
	XMPPDomain string

	// MUCService is the conference service; defaults to
	// "conference." + XMPPDomain.
	MUCService string

	// XMPPServerAddress is the host:port the bot's client connects to.
	XMPPServerAddress string

	// AdminConsoleURL is revealed by the bot's "login ej admin" command.
	AdminConsoleURL string

	// MeetBaseURL is the base for generated meeting links.
	MeetBaseURL string

	// Env selects the account password policy (dev, test, prod).
	Env engine.Env

	// DefaultTestPassword is used for new accounts outside production.
	DefaultTestPassword string

	// DefaultMUCOptions are applied to every created room.
	DefaultMUCOptions map[string]string

	// HTTPAddr enables the health server when non-empty, e.g. ":8080".
	HTTPAddr string

	// SyncTimeout bounds one mutation's hold on the advisory lock.
	SyncTimeout time.Duration

	// InsecureXMPP disables TLS verification on the bot connection
	// (development only).
	InsecureXMPP bool

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// App is the wired component graph.
type App struct {
	cfg Config
	log *slog.Logger

	store   *store.Store
	remote  *remote.Client
	engine  *engine.Engine
	bot     *xmppbot.Bot
	mut     *mutator.Mutator
	watcher *watcher.Watcher
	health  *http.Server
}

// New wires the application. No network traffic happens here; components
// connect when Run starts them.
func New(cfg Config) (*App, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("app: DataDir is required")
	}
	if cfg.AdminAPIURL == "" || cfg.XMPPDomain == "" {
		return nil, errors.New("app: AdminAPIURL and XMPPDomain are required")
	}
	if cfg.MUCService == "" {
		cfg.MUCService = "conference." + cfg.XMPPDomain
	}
	if cfg.XMPPServerAddress == "" {
		cfg.XMPPServerAddress = cfg.XMPPDomain + ":5222"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	client := remote.New(remote.Config{
		AdminAPIURL: cfg.AdminAPIURL,
		XMPPDomain:  cfg.XMPPDomain,
		MUCService:  cfg.MUCService,
	})

	a := &App{cfg: cfg, log: log, store: st, remote: client}

	botState, err := xmppbot.OpenStateStore(filepath.Join(cfg.DataDir, "bot.db"))
	if err != nil {
		return nil, fmt.Errorf("app: open bot state: %w", err)
	}

	a.bot = xmppbot.New(xmppbot.Config{
		ServerAddress:   cfg.XMPPServerAddress,
		XMPPDomain:      cfg.XMPPDomain,
		MUCService:      cfg.MUCService,
		AdminConsoleURL: cfg.AdminConsoleURL,
		MeetBaseURL:     cfg.MeetBaseURL,
		Insecure:        cfg.InsecureXMPP,
		Logger:          log,
	}, xmppbot.NetDialer{}, client, &stateAccess{app: a}, botState)

	a.engine = engine.New(engine.Config{
		XMPPDomain:          cfg.XMPPDomain,
		MUCService:          cfg.MUCService,
		Env:                 cfg.Env,
		DefaultTestPassword: cfg.DefaultTestPassword,
		DefaultMUCOptions:   cfg.DefaultMUCOptions,
		Logger:              log,
	}, client, a.bot)

	a.mut = mutator.New(st, a.engine, client, mutator.Config{
		SyncTimeout: cfg.SyncTimeout,
		Logger:      log,
		OnResult: func(_ string, res mutator.Result) {
			a.bot.SetLastSync(res.Report.Summary())
		},
	})

	a.watcher = watcher.New(st, a.mut, log)

	if cfg.HTTPAddr != "" {
		a.health = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           a.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

// Store exposes the config store, mainly for tests and tooling.
func (a *App) Store() *store.Store { return a.store }

// Mutator exposes the mutation entry point.
func (a *App) Mutator() *mutator.Mutator { return a.mut }

// Run performs the startup sync and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	res := a.mut.SwapState(ctx, "startup", nil)
	if !res.OK {
		// A locked or unreachable startup is not fatal: the watcher and
		// the bot can trigger a sync later.
		a.log.Warn("startup sync failed", "errors", res.Errors)
	}

	errCh := make(chan error, 3)

	go func() {
		if err := a.bot.Run(ctx); err != nil {
			errCh <- fmt.Errorf("bot: %w", err)
		}
	}()
	go func() {
		if err := a.watcher.Run(ctx); err != nil {
			errCh <- fmt.Errorf("watcher: %w", err)
		}
	}()
	if a.health != nil {
		go func() {
			a.log.Info("health server listening", "addr", a.health.Addr)
			if err := a.health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("health server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.log.Error("component failed", "error", runErr)
	}

	if a.health != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.health.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("health server shutdown", "error", err)
		}
	}
	return runErr
}

// Suspend pauses bot command handling, e.g. during maintenance.
func (a *App) Suspend() { a.bot.Suspend() }

// Resume re-enables bot command handling.
func (a *App) Resume() { a.bot.Resume() }

// stateAccess adapts the store and mutator to the bot's view of state.
// Credential writes go through SwapState so they are serialized with every
// other mutation.
type stateAccess struct {
	app *App
}

func (s *stateAccess) Snapshot() (*document.Document, error) {
	doc, _, err := s.app.store.Read()
	return doc, err
}

func (s *stateAccess) StoreAdminCredentials(ctx context.Context, creds document.Credentials) error {
	res := s.app.mut.SwapState(ctx, "credential rotation", func(doc *document.Document) *document.Document {
		c := creds
		doc.Tracking.AdminCredentials = &c
		return doc
	})
	if !res.OK {
		if res.ErrorValue != nil {
			return res.ErrorValue
		}
		return errors.New(strings.Join(res.Errors, "; "))
	}
	return nil
}
