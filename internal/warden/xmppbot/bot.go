// Package xmppbot runs the admin bot: one authenticated XMPP session that
// joins every managed room, answers operator commands, and delivers the
// reconciliation engine's notifications. The bot owns its own credentials —
// it registers its account on first start and heals a broken password via the
// admin API.
package xmppbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/chatwarden/chatwarden/common/retry"
	"github.com/chatwarden/chatwarden/internal/warden/document"
	"github.com/chatwarden/chatwarden/internal/warden/engine"
)

const (
	outboxSize = 64

	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = 5 * time.Minute
)

// Config holds the bot's settings.
type Config struct {
	// ServerAddress is the host:port the XMPP client connects to.
	ServerAddress string

	// XMPPDomain is the virtual host of managed users (and the bot itself).
	XMPPDomain string

	// MUCService is the conference service hosting managed rooms.
	MUCService string

	// AdminConsoleURL is included in the "login ej admin" reply.
	AdminConsoleURL string

	// MeetBaseURL is the base for generated meeting links,
	// e.g. "https://meet.example.org".
	MeetBaseURL string

	// Resource is the XMPP resource; defaults to "warden".
	Resource string

	// Insecure disables TLS verification for local development servers.
	Insecure bool

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// StateAccess is the bot's view of the configuration store: a read snapshot
// (which carries the admin credentials in its tracking section) and a way to
// persist freshly minted credentials.
type StateAccess interface {
	Snapshot() (*document.Document, error)
	StoreAdminCredentials(ctx context.Context, creds document.Credentials) error
}

// AccountAPI is the slice of the admin API the bot needs to manage its own
// account. *remote.Client satisfies it.
type AccountAPI interface {
	Register(ctx context.Context, user, password string) error
	ChangePassword(ctx context.Context, user, newPassword string) error
	RegisteredUsers(ctx context.Context) ([]string, error)
}

type outMessage struct {
	to      string
	msgType string
	body    string
}

// Bot is the admin bot. It implements engine.Notifier so the sync engine can
// hand it room joins and affiliation DMs.
type Bot struct {
	cfg      Config
	dialer   Dialer
	accounts AccountAPI
	state    StateAccess
	store    *StateStore
	log      *slog.Logger

	outbox  chan outMessage
	joinReq chan string

	mu             sync.Mutex
	session        Session
	joined         map[string]struct{}
	degradedReason string
	lastSync       string
	suspended      bool
}

var _ engine.Notifier = (*Bot)(nil)

// New creates a bot. The state store may be nil; join tracking then lives in
// memory only.
func New(cfg Config, dialer Dialer, accounts AccountAPI, state StateAccess, store *StateStore) *Bot {
	if cfg.Resource == "" {
		cfg.Resource = "warden"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bot{
		cfg:      cfg,
		dialer:   dialer,
		accounts: accounts,
		state:    state,
		store:    store,
		log:      log,
		outbox:   make(chan outMessage, outboxSize),
		joinReq:  make(chan string, outboxSize),
		joined:   make(map[string]struct{}),
	}
}

// JID returns the bot's bare JID.
func (b *Bot) JID() string {
	return document.BotUserID + "@" + b.cfg.XMPPDomain
}

// Degraded returns the reason the bot gave up connecting, or "" when healthy.
func (b *Bot) Degraded() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degradedReason
}

// SetLastSync records the latest sync summary for the status command.
func (b *Bot) SetLastSync(summary string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSync = summary
}

// Suspend makes the bot ignore incoming commands until Resume. Outgoing
// notifications still flow.
func (b *Bot) Suspend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspended = true
}

// Resume re-enables command handling.
func (b *Bot) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspended = false
}

// JoinRoom implements engine.Notifier. The join is queued and performed by
// the connection loop; before any session exists it is remembered for the
// first connect.
func (b *Bot) JoinRoom(roomID string) {
	select {
	case b.joinReq <- roomID:
	default:
		b.log.Warn("join queue full, dropping request", "room", roomID)
	}
}

// QueueDM implements engine.Notifier. Messages to the bot's own user-id are
// dropped to prevent self-notification loops.
func (b *Bot) QueueDM(userID, text string) {
	if userID == document.BotUserID {
		return
	}
	select {
	case b.outbox <- outMessage{to: userID + "@" + b.cfg.XMPPDomain, msgType: "chat", body: text}:
	default:
		b.log.Warn("outbox full, dropping message", "to", userID)
	}
}

// Run connects and serves until ctx is cancelled. A policy-violation stream
// error stops reconnection attempts and leaves the bot alive but degraded.
func (b *Bot) Run(ctx context.Context) error {
	creds, err := b.bootstrapCredentials(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap bot credentials: %w", err)
	}

	delay := reconnectInitialDelay
	for {
		sess, err := b.connect(ctx, creds)
		if err != nil {
			if isPolicyViolation(err) {
				b.setDegraded("server policy violation: " + err.Error())
				b.log.Error("connection rejected by server policy, not retrying", "error", err)
				<-ctx.Done()
				return nil
			}
			b.log.Warn("connect failed, backing off", "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(jitter(delay)):
			}
			if delay *= 2; delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}
		delay = reconnectInitialDelay
		b.setDegraded("")

		err = b.serve(ctx, sess)
		sess.Close()
		b.setSession(nil)
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("session ended, reconnecting", "error", err)
	}
}

// bootstrapCredentials resolves the bot's account credentials: reuse the
// tracked ones, or register a fresh account when the server does not know the
// bot yet. A tracked password that no longer works is handled later by the
// connect path.
func (b *Bot) bootstrapCredentials(ctx context.Context) (document.Credentials, error) {
	doc, err := b.state.Snapshot()
	if err != nil {
		return document.Credentials{}, err
	}

	// The admin API may still be coming up alongside us.
	var users []string
	err = retry.Do(ctx, retry.DefaultConfig, func() error {
		var listErr error
		users, listErr = b.accounts.RegisteredUsers(ctx)
		return listErr
	})
	if err != nil {
		return document.Credentials{}, fmt.Errorf("list accounts: %w", err)
	}
	exists := false
	for _, u := range users {
		if u == document.BotUserID {
			exists = true
			break
		}
	}

	if tracked := doc.Tracking.AdminCredentials; tracked != nil && exists {
		return *tracked, nil
	}

	password, err := engine.GeneratePassword()
	if err != nil {
		return document.Credentials{}, err
	}
	creds := document.Credentials{Username: document.BotUserID, Password: password}

	if exists {
		// Account exists but we lost the password. Take it back over.
		if err := b.accounts.ChangePassword(ctx, document.BotUserID, password); err != nil {
			return document.Credentials{}, fmt.Errorf("reclaim bot account: %w", err)
		}
	} else {
		if err := b.accounts.Register(ctx, document.BotUserID, password); err != nil {
			return document.Credentials{}, fmt.Errorf("register bot account: %w", err)
		}
	}
	if err := b.state.StoreAdminCredentials(ctx, creds); err != nil {
		return document.Credentials{}, fmt.Errorf("persist bot credentials: %w", err)
	}
	b.log.Info("bot account credentials rotated", "user", creds.Username)
	return creds, nil
}

// connect dials once; a SASL failure triggers one password reset via the
// admin API followed by a single retry.
func (b *Bot) connect(ctx context.Context, creds document.Credentials) (Session, error) {
	cfg := SessionConfig{
		Address:  b.cfg.ServerAddress,
		JID:      b.JID(),
		Password: creds.Password,
		Resource: b.cfg.Resource,
		Insecure: b.cfg.Insecure,
	}
	sess, err := b.dialer.Dial(cfg)
	if err == nil {
		return sess, nil
	}
	if !isAuthFailure(err) {
		return nil, err
	}

	b.log.Warn("authentication failed, resetting bot password", "error", err)
	password, genErr := engine.GeneratePassword()
	if genErr != nil {
		return nil, genErr
	}
	if resetErr := b.accounts.ChangePassword(ctx, document.BotUserID, password); resetErr != nil {
		return nil, errors.Join(err, resetErr)
	}
	creds.Password = password
	if storeErr := b.state.StoreAdminCredentials(ctx, creds); storeErr != nil {
		return nil, storeErr
	}
	cfg.Password = password
	return b.dialer.Dial(cfg)
}

// serve runs one session: join managed rooms, then pump incoming messages
// and the outbox until the session or the context dies.
func (b *Bot) serve(ctx context.Context, sess Session) error {
	b.setSession(sess)
	b.joinManagedRooms(sess)

	recvErr := make(chan error, 1)
	incoming := make(chan Message, 16)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			msg, err := sess.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case incoming <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			return err
		case out := <-b.outbox:
			if err := sess.Send(out.to, out.msgType, out.body); err != nil {
				b.log.Warn("send failed", "to", out.to, "error", err)
			}
		case roomID := <-b.joinReq:
			b.join(sess, roomID)
		case msg := <-incoming:
			b.handleMessage(sess, msg)
		}
	}
}

// joinManagedRooms joins every room the document gives a stable id, skipping
// rooms already joined in this session.
func (b *Bot) joinManagedRooms(sess Session) {
	doc, err := b.state.Snapshot()
	if err != nil {
		b.log.Error("cannot read document for room joins", "error", err)
		return
	}
	b.mu.Lock()
	b.joined = make(map[string]struct{})
	b.mu.Unlock()
	for _, room := range doc.Rooms {
		if room.RoomID != "" {
			b.join(sess, room.RoomID)
		}
	}
}

func (b *Bot) join(sess Session, roomID string) {
	roomJID := roomID + "@" + b.cfg.MUCService
	b.mu.Lock()
	_, already := b.joined[roomJID]
	b.mu.Unlock()
	if already {
		return
	}
	if err := sess.JoinRoom(roomJID, document.BotDisplayName); err != nil {
		b.log.Warn("room join failed", "room", roomJID, "error", err)
		return
	}
	b.mu.Lock()
	b.joined[roomJID] = struct{}{}
	b.mu.Unlock()
	if b.store != nil {
		if err := b.store.MarkJoined(roomJID); err != nil {
			b.log.Warn("persist room join failed", "room", roomJID, "error", err)
		}
	}
	b.log.Debug("joined room", "room", roomJID)
}

func (b *Bot) setSession(sess Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session = sess
}

func (b *Bot) setDegraded(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.degradedReason = reason
}

// jitter randomizes a delay into [d/2, d) so reconnecting clients spread out.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
