package engine

import (
	"fmt"
	"strings"
)

// Change-report actions. The convergent-state actions end in "-unchanged";
// a sync that had nothing to do produces a report containing nothing else.
const (
	ActionUserRegistered = "user-registered"
	ActionUserUnchanged  = "user-unchanged"
	ActionUserDeleted    = "user-deleted"

	ActionRoomCreated = "room-created"
	ActionRoomDeleted = "room-deleted"

	ActionRosterUpdated   = "roster-updated"
	ActionRosterUnchanged = "roster-unchanged"

	ActionAffiliationUpdated   = "affiliation-updated"
	ActionAffiliationUnchanged = "affiliation-unchanged"

	ActionBookmarksUpdated   = "bookmarks-updated"
	ActionBookmarksUnchanged = "bookmarks-unchanged"

	// ActionAPIError records a tolerated per-entity remote failure.
	ActionAPIError = "api-error"
)

// Entry is one line of a sync's change report.
type Entry struct {
	Action string
	Entity string
	Detail string
}

// Report is the ordered list of everything one sync did (or found already
// converged, or failed to do).
type Report []Entry

func (r *Report) add(action, entity, detail string) {
	*r = append(*r, Entry{Action: action, Entity: entity, Detail: detail})
}

// Errors returns the api-error entries.
func (r Report) Errors() []Entry {
	var out []Entry
	for _, e := range r {
		if e.Action == ActionAPIError {
			out = append(out, e)
		}
	}
	return out
}

// Changed reports whether the sync performed any mutation on the remote.
func (r Report) Changed() bool {
	for _, e := range r {
		switch e.Action {
		case ActionAPIError, ActionUserUnchanged, ActionRosterUnchanged,
			ActionAffiliationUnchanged, ActionBookmarksUnchanged:
		default:
			return true
		}
	}
	return false
}

// Summary renders a short human-readable digest, e.g. for the bot's status
// command.
func (r Report) Summary() string {
	counts := make(map[string]int)
	for _, e := range r {
		counts[e.Action]++
	}
	if len(counts) == 0 {
		return "nothing to do"
	}
	parts := make([]string, 0, len(counts))
	for _, action := range []string{
		ActionUserRegistered, ActionUserDeleted, ActionRoomCreated, ActionRoomDeleted,
		ActionRosterUpdated, ActionAffiliationUpdated, ActionBookmarksUpdated, ActionAPIError,
	} {
		if n := counts[action]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", action, n))
		}
	}
	if len(parts) == 0 {
		return "converged, no changes"
	}
	return strings.Join(parts, " ")
}
