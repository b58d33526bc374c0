package remote

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

// bookmarksNS is the XEP-0048 private-storage namespace.
const bookmarksNS = "storage:bookmarks"

// Bookmark is one conference bookmark as the engine reasons about it.
type Bookmark struct {
	JID      string
	Name     string
	Autojoin bool
	Nick     string
}

// storageXML mirrors the XEP-0048 <storage xmlns="storage:bookmarks"> payload.
// encoding/xml handles attribute escaping of &, <, > and quotes.
type storageXML struct {
	XMLName     xml.Name        `xml:"storage"`
	XMLNS       string          `xml:"xmlns,attr"`
	Conferences []conferenceXML `xml:"conference"`
}

type conferenceXML struct {
	JID      string `xml:"jid,attr"`
	Autojoin string `xml:"autojoin,attr"`
	Name     string `xml:"name,attr"`
	Nick     string `xml:"nick,omitempty"`
}

// marshalBookmarks serializes the set in its canonical form: sorted by JID,
// autojoin as "true"/"false".
func marshalBookmarks(bookmarks []Bookmark) (string, error) {
	payload := storageXML{XMLNS: bookmarksNS}
	for _, b := range NormalizeBookmarks(bookmarks) {
		autojoin := "false"
		if b.Autojoin {
			autojoin = "true"
		}
		payload.Conferences = append(payload.Conferences, conferenceXML{
			JID: b.JID, Autojoin: autojoin, Name: b.Name, Nick: b.Nick,
		})
	}
	out, err := xml.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal bookmarks: %w", err)
	}
	return string(out), nil
}

// parseBookmarks reads a storage payload back into bookmark records. Servers
// vary in how they spell booleans, so autojoin coerces "true" and "1".
func parseBookmarks(payload string) ([]Bookmark, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, nil
	}
	var parsed storageXML
	if err := xml.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("parse bookmarks: %w", err)
	}
	out := make([]Bookmark, 0, len(parsed.Conferences))
	for _, c := range parsed.Conferences {
		out = append(out, Bookmark{
			JID:      c.JID,
			Name:     c.Name,
			Autojoin: c.Autojoin == "true" || c.Autojoin == "1",
			Nick:     c.Nick,
		})
	}
	return out, nil
}

// NormalizeBookmarks returns a copy sorted by JID so two bookmark sets can be
// compared structurally.
func NormalizeBookmarks(bookmarks []Bookmark) []Bookmark {
	out := make([]Bookmark, len(bookmarks))
	copy(out, bookmarks)
	sort.Slice(out, func(i, j int) bool { return out[i].JID < out[j].JID })
	return out
}

// BookmarksEqual reports whether the two sets are equal after normalization.
func BookmarksEqual(a, b []Bookmark) bool {
	na, nb := NormalizeBookmarks(a), NormalizeBookmarks(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}
