// Package membership maps a user's groups to their affiliation in a room.
package membership

import "github.com/chatwarden/chatwarden/internal/warden/document"

// MUC affiliations as ejabberd spells them.
const (
	Owner   = "owner"
	Admin   = "admin"
	Member  = "member"
	Outcast = "outcast"
	None    = "none"
)

// Affiliation returns the affiliation a user with the given groups holds in a
// room with the given admin and member group sets. Admin precedence is total:
// one admin-granting group outweighs any number of member-granting ones.
func Affiliation(userGroups, roomAdmins, roomMembers document.KeySet) string {
	if userGroups.Intersects(roomAdmins) {
		return Admin
	}
	if userGroups.Intersects(roomMembers) {
		return Member
	}
	return None
}

// Participates reports whether the affiliation grants presence in the room
// (and therefore a bookmark).
func Participates(affiliation string) bool {
	switch affiliation {
	case Owner, Admin, Member:
		return true
	default:
		return false
	}
}
