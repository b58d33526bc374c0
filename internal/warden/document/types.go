// Package document defines the configuration document that drives the
// reconciliation engine: groups, rooms, members, and the engine-maintained
// tracking section. The document is the single source of truth — every entity
// it names is owned by the engine, everything else on the remote server is
// left alone.
package document

import (
	"bytes"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// BotUserID is the user-id of the virtual admin-bot member that is
// ghost-included at the start of every sync and ghost-removed before the
// document is persisted. It never appears in the operator-visible member list.
const BotUserID = "admin"

// BotDisplayName is the roster nick used for the admin bot.
const BotDisplayName = "Admin"

// Document is the root of the configuration document.
type Document struct {
	// Groups maps namespaced group keys to human-readable labels.
	// group/owner and group/bot are mandatory.
	Groups GroupMap `yaml:"groups"`

	// Rooms is the ordered sequence of managed chat rooms.
	Rooms []Room `yaml:"rooms"`

	// Members is the ordered sequence of managed users.
	Members []Member `yaml:"members"`

	// Tracking is the engine-maintained section. Operators must not edit it.
	Tracking Tracking `yaml:"do-not-edit-state"`

	// FileSHA256 is attached by the config store on read and stripped before
	// writes. It is the only top-level key tolerated beyond the schema.
	FileSHA256 string `yaml:"_file-sha256,omitempty"`
}

// Room describes one managed multi-user chat room.
type Room struct {
	// Name is the human-facing room name, unique across the sequence.
	Name string `yaml:"name"`

	// RoomID is the stable server identifier, assigned by the engine on first
	// sync and read-only thereafter. Renaming the room does not change it.
	RoomID string `yaml:"room-id,omitempty"`

	// Members is the non-empty set of groups whose users become room members.
	Members KeySet `yaml:"members"`

	// Admins is the non-empty set of groups whose users become room admins.
	// Admin precedence is total: an admin-granting group overrides any
	// member-granting one.
	Admins KeySet `yaml:"admins"`

	// OnlyAdminsCanSpeak makes the room moderated on creation.
	OnlyAdminsCanSpeak bool `yaml:"only-admins-can-speak?"`
}

// Member describes one managed user.
type Member struct {
	// Name is the unique display name, used as the roster nick.
	Name string `yaml:"name"`

	// UserID is the unique server identifier (lowercase letters, digits,
	// hyphens; no leading or trailing hyphen).
	UserID string `yaml:"user-id"`

	// Groups is the non-empty set of groups the user belongs to.
	Groups KeySet `yaml:"groups"`
}

// Tracking is the engine's memory of what it manages. It is rewritten on
// every successful sync; an entity present here but absent from the current
// document is considered deleted by the operator.
type Tracking struct {
	Members StringSet `yaml:"managed-members"`
	Rooms   StringSet `yaml:"managed-rooms"`
	Groups  KeySet    `yaml:"managed-groups"`

	// AdminCredentials holds the admin bot's login. This is the only secret
	// the document carries; real user passwords never reach it.
	AdminCredentials *Credentials `yaml:"admin-credentials,omitempty"`
}

// Credentials is a username/password pair for the admin bot account.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// idPattern is the lexical constraint shared by user-id and room-id.
var idPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidID reports whether s satisfies the identifier constraints: lowercase
// ASCII letters, digits and hyphens, no leading or trailing hyphen.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// GroupKeys returns the set of keys defined in the Groups section.
func (d *Document) GroupKeys() KeySet {
	keys := make(KeySet, len(d.Groups))
	for k := range d.Groups {
		keys[k] = struct{}{}
	}
	return keys
}

// FindMember returns the member with the given user-id, or nil.
func (d *Document) FindMember(userID string) *Member {
	for i := range d.Members {
		if d.Members[i].UserID == userID {
			return &d.Members[i]
		}
	}
	return nil
}

// FindRoom returns the room with the given room-id, or nil.
func (d *Document) FindRoom(roomID string) *Room {
	for i := range d.Rooms {
		if d.Rooms[i].RoomID == roomID {
			return &d.Rooms[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the document. The sync engine mutates its
// working copy (ghost member, assigned room-ids, tracking) and must not leak
// those mutations into the caller's snapshot.
func (d *Document) Clone() *Document {
	out := &Document{
		Groups:     make(GroupMap, len(d.Groups)),
		Rooms:      make([]Room, len(d.Rooms)),
		Members:    make([]Member, len(d.Members)),
		FileSHA256: d.FileSHA256,
	}
	for k, v := range d.Groups {
		out.Groups[k] = v
	}
	for i, r := range d.Rooms {
		out.Rooms[i] = r
		out.Rooms[i].Members = r.Members.Clone()
		out.Rooms[i].Admins = r.Admins.Clone()
	}
	for i, m := range d.Members {
		out.Members[i] = m
		out.Members[i].Groups = m.Groups.Clone()
	}
	out.Tracking = Tracking{
		Members: d.Tracking.Members.Clone(),
		Rooms:   d.Tracking.Rooms.Clone(),
		Groups:  d.Tracking.Groups.Clone(),
	}
	if d.Tracking.AdminCredentials != nil {
		creds := *d.Tracking.AdminCredentials
		out.Tracking.AdminCredentials = &creds
	}
	return out
}

// Marshal serializes the document in its canonical pretty-printed form:
// two-space indent, insertion-ordered sequences, sorted flow-style sets.
func Marshal(d *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return buf.Bytes(), nil
}
