package engine

import (
	"strconv"
	"strings"

	"github.com/chatwarden/chatwarden/internal/warden/document"
)

// KebabID derives a room identifier candidate from a human room name:
// lowercased, runs of non-alphanumerics collapsed to single hyphens, outer
// hyphens trimmed. "Senior Officers" becomes "senior-officers".
func KebabID(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// roomIDCandidate derives a unique room-id from name, suffixing a counter
// when the plain kebab form is already taken by another managed room.
func roomIDCandidate(name string, taken document.StringSet) string {
	base := KebabID(name)
	if base == "" {
		base = "room"
	}
	if !taken.Contains(base) {
		return base
	}
	for i := 2; ; i++ {
		candidate := base + "-" + strconv.Itoa(i)
		if !taken.Contains(candidate) {
			return candidate
		}
	}
}
