// Package engine reconciles a configuration document against the remote
// XMPP server. One call to SyncState runs the full phase sequence — user and
// room deletion, registration, room creation, rosters, affiliations and
// bookmarks, tracking rewrite — and returns the effective document together
// with a change report. Per-entity remote failures are recorded and tolerated;
// the sync always runs to completion.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatwarden/chatwarden/internal/warden/document"
	"github.com/chatwarden/chatwarden/internal/warden/membership"
	"github.com/chatwarden/chatwarden/internal/warden/remote"
)

// Env selects the password policy for freshly registered accounts.
type Env string

const (
	EnvDev  Env = "dev"
	EnvTest Env = "test"
	EnvProd Env = "prod"
)

// Config holds the engine's settings.
type Config struct {
	// XMPPDomain is the virtual host all managed users live under.
	XMPPDomain string

	// MUCService is the conference service hosting managed rooms.
	MUCService string

	// Env selects random passwords (prod) or DefaultTestPassword (dev/test)
	// for new accounts.
	Env Env

	// DefaultTestPassword is the fixed password for accounts registered
	// outside production. Required unless Env is EnvProd.
	DefaultTestPassword string

	// DefaultMUCOptions are applied to every created room before the
	// per-room moderation options.
	DefaultMUCOptions map[string]string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// RemoteAPI is the slice of the admin API the engine drives. *remote.Client
// satisfies it; tests substitute an in-memory fake.
type RemoteAPI interface {
	Register(ctx context.Context, user, password string) error
	Unregister(ctx context.Context, user string) error
	RegisteredUsers(ctx context.Context) ([]string, error)

	CreateRoomWithOpts(ctx context.Context, name string, opts map[string]string) error
	DestroyRoom(ctx context.Context, name string) error
	GetRoomAffiliations(ctx context.Context, name string) ([]remote.RoomAffiliation, error)
	SetRoomAffiliation(ctx context.Context, room, user, host, affiliation string) error

	GetRoster(ctx context.Context, user string) ([]remote.RosterItem, error)
	AddRosterItem(ctx context.Context, localUser, localHost, user, host, nick string, groups []string, subscription string) error
	DeleteRosterItem(ctx context.Context, localUser, localHost, user, host string) error

	GetUserBookmarks(ctx context.Context, user string) ([]remote.Bookmark, error)
	SetUserBookmarks(ctx context.Context, user string, bookmarks []remote.Bookmark) error
}

// Notifier receives the engine's side requests towards the admin bot: joining
// freshly created rooms and announcing affiliation changes to users.
type Notifier interface {
	// JoinRoom asks the bot to join the room with the given stable id.
	JoinRoom(roomID string)

	// QueueDM asks the bot to send a direct message to a managed user.
	QueueDM(userID, text string)
}

// NopNotifier discards all notifications. Used when no bot is wired in.
type NopNotifier struct{}

func (NopNotifier) JoinRoom(string)     {}
func (NopNotifier) QueueDM(_, _ string) {}

// Engine runs document/remote reconciliation.
type Engine struct {
	cfg    Config
	remote RemoteAPI
	notify Notifier
	log    *slog.Logger
}

// New creates an engine. A nil notifier means notifications are discarded.
func New(cfg Config, api RemoteAPI, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, remote: api, notify: notifier, log: log}
}

// SyncState reconciles the document against the remote server and returns the
// effective document plus the change report. The input document is not
// mutated. An error return means the sync infrastructure itself failed;
// per-entity remote failures are ActionAPIError report entries instead.
func (e *Engine) SyncState(ctx context.Context, doc *document.Document) (*document.Document, Report, error) {
	work := doc.Clone()
	work.FileSHA256 = ""
	prev := work.Tracking
	report := Report{}

	// Ghost-include the bot so every downstream phase treats it as a
	// managed member. It is removed again before the document is returned.
	work.Members = append([]document.Member{{
		Name:   document.BotDisplayName,
		UserID: document.BotUserID,
		Groups: document.NewKeySet(document.BotGroup),
	}}, work.Members...)

	currentUsers := document.NewStringSet()
	for _, m := range work.Members {
		currentUsers[m.UserID] = struct{}{}
	}
	currentRooms := document.NewStringSet()
	for _, r := range work.Rooms {
		if r.RoomID != "" {
			currentRooms[r.RoomID] = struct{}{}
		}
	}

	var usersToAdd, usersToDelete, roomsToDelete []string
	for _, id := range currentUsers.Sorted() {
		if !prev.Members.Contains(id) {
			usersToAdd = append(usersToAdd, id)
		}
	}
	for _, id := range prev.Members.Sorted() {
		if !currentUsers.Contains(id) {
			usersToDelete = append(usersToDelete, id)
		}
	}
	for _, id := range prev.Rooms.Sorted() {
		if !currentRooms.Contains(id) {
			roomsToDelete = append(roomsToDelete, id)
		}
	}

	e.deleteUsers(ctx, work, prev, usersToDelete, &report)
	e.deleteRooms(ctx, prev, roomsToDelete, &report)
	e.registerUsers(ctx, usersToAdd, &report)
	e.createRooms(ctx, work, prev, &report)
	e.syncRosters(ctx, work, &report)
	e.syncRoomState(ctx, work, &report)

	// Rewrite tracking from what is now managed. The ghost bot stays out of
	// the member tracking so operators never see it; admin credentials are
	// owned by the bot and carried over untouched.
	tracked := document.Tracking{
		Members:          document.NewStringSet(),
		Rooms:            document.NewStringSet(),
		Groups:           work.GroupKeys(),
		AdminCredentials: prev.AdminCredentials,
	}
	for _, m := range work.Members {
		if m.UserID != document.BotUserID {
			tracked.Members[m.UserID] = struct{}{}
		}
	}
	for _, r := range work.Rooms {
		if r.RoomID != "" {
			tracked.Rooms[r.RoomID] = struct{}{}
		}
	}
	work.Tracking = tracked

	// Ghost-remove the bot.
	members := work.Members[:0]
	for _, m := range work.Members {
		if m.UserID != document.BotUserID {
			members = append(members, m)
		}
	}
	work.Members = members

	return work, report, nil
}

// deleteUsers removes users that tracking knows but the document dropped:
// roster entries at every remaining member, affiliations in every tracked
// room, then the account itself.
func (e *Engine) deleteUsers(ctx context.Context, work *document.Document, prev document.Tracking, userIDs []string, report *Report) {
	for _, userID := range userIDs {
		failed := false
		for _, peer := range work.Members {
			if peer.UserID == userID {
				continue
			}
			if err := e.remote.DeleteRosterItem(ctx, peer.UserID, e.cfg.XMPPDomain, userID, e.cfg.XMPPDomain); err != nil {
				e.recordAPIError(report, userID, "delete roster entry at "+peer.UserID, err)
				failed = true
			}
		}
		for _, roomID := range prev.Rooms.Sorted() {
			if err := e.remote.SetRoomAffiliation(ctx, roomID, userID, e.cfg.XMPPDomain, membership.None); err != nil {
				e.recordAPIError(report, userID, "clear affiliation in "+roomID, err)
				failed = true
			}
		}
		if err := e.remote.Unregister(ctx, userID); err != nil {
			e.recordAPIError(report, userID, "unregister", err)
			continue
		}
		detail := ""
		if failed {
			detail = "partial cleanup"
		}
		report.add(ActionUserDeleted, userID, detail)
		e.log.Info("user deleted", "user", userID)
	}
}

// deleteRooms destroys rooms that tracking knows but the document dropped,
// clearing tracked users' affiliations first.
func (e *Engine) deleteRooms(ctx context.Context, prev document.Tracking, roomIDs []string, report *Report) {
	for _, roomID := range roomIDs {
		for _, userID := range prev.Members.Sorted() {
			if err := e.remote.SetRoomAffiliation(ctx, roomID, userID, e.cfg.XMPPDomain, membership.None); err != nil {
				e.recordAPIError(report, roomID, "clear affiliation of "+userID, err)
			}
		}
		if err := e.remote.DestroyRoom(ctx, roomID); err != nil {
			e.recordAPIError(report, roomID, "destroy room", err)
			continue
		}
		report.add(ActionRoomDeleted, roomID, "")
		e.log.Info("room deleted", "room", roomID)
	}
}

// registerUsers creates accounts for users tracking does not know yet. An
// account the server already has is left alone.
func (e *Engine) registerUsers(ctx context.Context, userIDs []string, report *Report) {
	if len(userIDs) == 0 {
		return
	}
	existing, err := e.remote.RegisteredUsers(ctx)
	if err != nil {
		e.recordAPIError(report, "registered_users", "list accounts", err)
		return
	}
	registered := document.NewStringSet(existing...)

	for _, userID := range userIDs {
		if registered.Contains(userID) {
			report.add(ActionUserUnchanged, userID, "already registered")
			continue
		}
		password, err := e.newAccountPassword()
		if err != nil {
			e.recordAPIError(report, userID, "generate password", err)
			continue
		}
		if err := e.remote.Register(ctx, userID, password); err != nil {
			e.recordAPIError(report, userID, "register", err)
			continue
		}
		report.add(ActionUserRegistered, userID, "")
		e.log.Info("user registered", "user", userID)
	}
}

// createRooms assigns a stable id to every room that lacks one and creates it
// on the conference service. The id is the kebab form of the name, suffixed
// when already taken by a managed or recently tracked room.
func (e *Engine) createRooms(ctx context.Context, work *document.Document, prev document.Tracking, report *Report) {
	taken := prev.Rooms.Clone()
	for _, r := range work.Rooms {
		if r.RoomID != "" {
			taken[r.RoomID] = struct{}{}
		}
	}

	for i := range work.Rooms {
		room := &work.Rooms[i]
		if room.RoomID != "" {
			continue
		}
		roomID := roomIDCandidate(room.Name, taken)

		opts := make(map[string]string, len(e.cfg.DefaultMUCOptions)+2)
		for k, v := range e.cfg.DefaultMUCOptions {
			opts[k] = v
		}
		if room.OnlyAdminsCanSpeak {
			opts["moderated"] = "true"
			opts["members_by_default"] = "false"
		}

		if err := e.remote.CreateRoomWithOpts(ctx, roomID, opts); err != nil {
			e.recordAPIError(report, room.Name, "create room", err)
			continue
		}
		room.RoomID = roomID
		taken[roomID] = struct{}{}
		report.add(ActionRoomCreated, roomID, room.Name)
		e.log.Info("room created", "room", roomID, "name", room.Name)
		e.notify.JoinRoom(roomID)
	}
}

// syncRosters makes every managed member's roster carry an entry for every
// other managed member. Writes are minimized hard: the server pushes presence
// on every roster write, so an entry is only rewritten when its nick or group
// labels actually differ.
func (e *Engine) syncRosters(ctx context.Context, work *document.Document, report *Report) {
	defined := work.GroupKeys()

	for _, a := range work.Members {
		roster, err := e.remote.GetRoster(ctx, a.UserID)
		if err != nil {
			e.recordAPIError(report, a.UserID, "fetch roster", err)
			continue
		}
		byJID := make(map[string]remote.RosterItem, len(roster))
		for _, item := range roster {
			byJID[item.JID] = item
		}

		for _, b := range work.Members {
			if a.UserID == b.UserID {
				continue
			}
			labels := e.groupLabels(work, b.Groups, defined)
			jid := b.UserID + "@" + e.cfg.XMPPDomain
			entity := a.UserID + ":" + b.UserID

			if item, ok := byJID[jid]; ok && item.Nick == b.Name && sameLabels(item.Groups, labels) {
				report.add(ActionRosterUnchanged, entity, "")
				continue
			}
			if err := e.remote.AddRosterItem(ctx, a.UserID, e.cfg.XMPPDomain, b.UserID, e.cfg.XMPPDomain, b.Name, labels, "both"); err != nil {
				e.recordAPIError(report, entity, "write roster entry", err)
				continue
			}
			report.add(ActionRosterUpdated, entity, b.Name)
		}
	}
}

// syncRoomState aligns persistent affiliations and member bookmarks with the
// document. Each room's affiliation list is fetched exactly once and used for
// both halves of the phase.
func (e *Engine) syncRoomState(ctx context.Context, work *document.Document, report *Report) {
	// target[userID][roomID] is the desired affiliation, computed purely so
	// bookmarks stay correct even when a room's affiliation fetch fails.
	target := make(map[string]map[string]string, len(work.Members))
	for _, m := range work.Members {
		target[m.UserID] = make(map[string]string, len(work.Rooms))
		for _, room := range work.Rooms {
			if room.RoomID == "" {
				continue
			}
			// The bot administers every managed room.
			admins := room.Admins.With(document.BotGroup)
			target[m.UserID][room.RoomID] = membership.Affiliation(m.Groups, admins, room.Members)
		}
	}

	for _, room := range work.Rooms {
		if room.RoomID == "" {
			continue
		}
		affs, err := e.remote.GetRoomAffiliations(ctx, room.RoomID)
		if err != nil {
			e.recordAPIError(report, room.RoomID, "fetch affiliations", err)
			continue
		}
		current := make(map[string]string, len(affs))
		for _, a := range affs {
			current[a.JID] = a.Affiliation
		}

		for _, m := range work.Members {
			jid := m.UserID + "@" + e.cfg.XMPPDomain
			want := target[m.UserID][room.RoomID]
			have, ok := current[jid]
			if !ok {
				have = membership.None
			}
			entity := room.RoomID + ":" + m.UserID
			if want == have {
				report.add(ActionAffiliationUnchanged, entity, "")
				continue
			}
			if err := e.remote.SetRoomAffiliation(ctx, room.RoomID, m.UserID, e.cfg.XMPPDomain, want); err != nil {
				e.recordAPIError(report, entity, "set affiliation", err)
				continue
			}
			report.add(ActionAffiliationUpdated, entity, have+" -> "+want)
			if m.UserID != document.BotUserID {
				e.notify.QueueDM(m.UserID, e.affiliationNotice(room, want))
			}
		}
	}

	for _, m := range work.Members {
		var want []remote.Bookmark
		for _, room := range work.Rooms {
			if room.RoomID == "" || !membership.Participates(target[m.UserID][room.RoomID]) {
				continue
			}
			want = append(want, remote.Bookmark{
				JID:      room.RoomID + "@" + e.cfg.MUCService,
				Name:     room.Name,
				Autojoin: true,
				Nick:     m.UserID,
			})
		}
		have, err := e.remote.GetUserBookmarks(ctx, m.UserID)
		if err != nil {
			e.recordAPIError(report, m.UserID, "fetch bookmarks", err)
			continue
		}
		if remote.BookmarksEqual(have, want) {
			report.add(ActionBookmarksUnchanged, m.UserID, "")
			continue
		}
		if err := e.remote.SetUserBookmarks(ctx, m.UserID, want); err != nil {
			e.recordAPIError(report, m.UserID, "write bookmarks", err)
			continue
		}
		report.add(ActionBookmarksUpdated, m.UserID, fmt.Sprintf("%d rooms", len(want)))
	}
}

// groupLabels maps the member's groups to their human labels, dropping keys
// the document no longer defines, sorted for stable comparison.
func (e *Engine) groupLabels(work *document.Document, groups, defined document.KeySet) []string {
	var labels []string
	for _, k := range groups.Sorted() {
		if defined.Contains(k) {
			labels = append(labels, work.Groups[k])
		}
	}
	return labels
}

// affiliationNotice is the DM text sent when a user's room affiliation
// changes.
func (e *Engine) affiliationNotice(room document.Room, affiliation string) string {
	if membership.Participates(affiliation) {
		return fmt.Sprintf("You are now %s of %q. Join: xmpp:%s@%s?join",
			affiliation, room.Name, room.RoomID, e.cfg.MUCService)
	}
	return fmt.Sprintf("You no longer have access to %q.", room.Name)
}

func (e *Engine) recordAPIError(report *Report, entity, op string, err error) {
	report.add(ActionAPIError, entity, op+": "+err.Error())
	e.log.Warn("remote call failed", "entity", entity, "op", op, "error", err)
}

// sameLabels compares two label lists as sets.
func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
		if seen[s] < 0 {
			return false
		}
	}
	return true
}
