package document

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError collects humanized validation messages keyed by document
// path (e.g. "rooms[2].members"). It satisfies error so it can travel through
// the usual return paths, but callers normally inspect Problems directly.
type ValidationError struct {
	Problems map[string][]string
}

func newValidationError() *ValidationError {
	return &ValidationError{Problems: make(map[string][]string)}
}

func (e *ValidationError) add(path, format string, args ...any) {
	e.Problems[path] = append(e.Problems[path], fmt.Sprintf(format, args...))
}

func (e *ValidationError) empty() bool {
	return len(e.Problems) == 0
}

// Messages returns every problem as "path: message", sorted by path.
func (e *ValidationError) Messages() []string {
	paths := make([]string, 0, len(e.Problems))
	for p := range e.Problems {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var out []string
	for _, p := range paths {
		for _, msg := range e.Problems[p] {
			out = append(out, p+": "+msg)
		}
	}
	return out
}

func (e *ValidationError) Error() string {
	return "document validation failed: " + strings.Join(e.Messages(), "; ")
}

// Validate checks the document for semantic correctness. Groups are validated
// first; when they fail, rooms and members are skipped and the group errors
// are returned alone, because everything downstream cross-references the
// group-key set. Returns nil when the document is valid.
func Validate(d *Document) *ValidationError {
	ve := newValidationError()

	validateGroups(d.Groups, ve)
	if !ve.empty() {
		return ve
	}

	defined := d.GroupKeys()
	validateRooms(d.Rooms, defined, ve)
	validateMembers(d.Members, defined, ve)

	if ve.empty() {
		return nil
	}
	return ve
}

func validateGroups(groups GroupMap, ve *ValidationError) {
	if len(groups) == 0 {
		ve.add("groups", "at least one group must be defined")
		return
	}
	for _, mandatory := range []GroupKey{OwnerGroup, BotGroup} {
		if _, ok := groups[mandatory]; !ok {
			ve.add("groups", "missing mandatory group %q", mandatory.String())
		}
	}

	labels := make(map[string]GroupKey, len(groups))
	for _, k := range sortedGroupKeys(groups) {
		label := groups[k]
		path := "groups[" + k.String() + "]"
		if strings.TrimSpace(label) == "" {
			ve.add(path, "label must not be blank")
			continue
		}
		if prev, dup := labels[label]; dup {
			ve.add(path, "label %q must be unique (also used by %q)", label, prev.String())
			continue
		}
		labels[label] = k
	}
}

func validateRooms(rooms []Room, defined KeySet, ve *ValidationError) {
	names := make(map[string]int, len(rooms))
	for i, room := range rooms {
		path := fmt.Sprintf("rooms[%d]", i)
		if strings.TrimSpace(room.Name) == "" {
			ve.add(path+".name", "name must not be blank")
		} else if prev, dup := names[room.Name]; dup {
			ve.add(path+".name", "room name %q must be unique (also used by rooms[%d])", room.Name, prev)
		} else {
			names[room.Name] = i
		}

		if room.RoomID != "" && !ValidID(room.RoomID) {
			ve.add(path+".room-id", "room-id %q must be lowercase letters, digits and hyphens with no leading or trailing hyphen", room.RoomID)
		}

		validateKeySet(room.Members, defined, path+".members", ve)
		validateKeySet(room.Admins, defined, path+".admins", ve)
	}
}

func validateMembers(members []Member, defined KeySet, ve *ValidationError) {
	names := make(map[string]int, len(members))
	ids := make(map[string]int, len(members))
	for i, m := range members {
		path := fmt.Sprintf("members[%d]", i)
		if strings.TrimSpace(m.Name) == "" {
			ve.add(path+".name", "name must not be blank")
		} else if prev, dup := names[m.Name]; dup {
			ve.add(path+".name", "member name %q must be unique (also used by members[%d])", m.Name, prev)
		} else {
			names[m.Name] = i
		}

		switch {
		case !ValidID(m.UserID):
			ve.add(path+".user-id", "user-id %q must be lowercase letters, digits and hyphens with no leading or trailing hyphen", m.UserID)
		case m.UserID == BotUserID:
			ve.add(path+".user-id", "user-id %q is reserved for the admin bot", BotUserID)
		default:
			if prev, dup := ids[m.UserID]; dup {
				ve.add(path+".user-id", "user-id %q must be unique (also used by members[%d])", m.UserID, prev)
			} else {
				ids[m.UserID] = i
			}
		}

		validateKeySet(m.Groups, defined, path+".groups", ve)
	}
}

// validateKeySet checks a group-reference set against the defined group keys.
// The defined set is passed explicitly so the check has no ambient state.
func validateKeySet(set KeySet, defined KeySet, path string, ve *ValidationError) {
	if len(set) == 0 {
		ve.add(path, "must reference at least one group")
		return
	}
	for _, k := range set.Sorted() {
		if !defined.Contains(k) {
			ve.add(path, "group %q is not defined in groups", k.String())
		}
	}
}

func sortedGroupKeys(groups GroupMap) []GroupKey {
	keys := make([]GroupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
