package document

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

const sampleYAML = `groups:
  group/owner: Owner
  group/bot: Bot
  group/member: Member
rooms:
  - name: Officers
    room-id: officers
    members: [group/owner]
    admins: [group/owner]
    only-admins-can-speak?: false
members:
  - name: Alice
    user-id: alice
    groups: [group/owner, group/member]
do-not-edit-state:
  managed-members: [alice]
  managed-rooms: [officers]
  managed-groups: [group/bot, group/member, group/owner]
`

func TestParseSample(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Rooms[0].RoomID != "officers" {
		t.Errorf("room-id = %q, want %q", doc.Rooms[0].RoomID, "officers")
	}
	if !doc.Members[0].Groups.Contains(OwnerGroup) {
		t.Error("member groups lost group/owner")
	}
	if !doc.Tracking.Members.Contains("alice") {
		t.Error("tracking lost managed member alice")
	}
}

func TestParseRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	out, err := Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	doc2, err := Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v\n%s", err, out)
	}
	if !reflect.DeepEqual(doc, doc2) {
		t.Errorf("round trip changed the document:\n%s", out)
	}

	// Canonical form is a fixed point: marshalling again yields identical bytes.
	out2, err := Marshal(doc2)
	if err != nil {
		t.Fatalf("Marshal(2): %v", err)
	}
	if string(out) != string(out2) {
		t.Errorf("canonical form is not stable:\n--- first\n%s\n--- second\n%s", out, out2)
	}
}

func TestParseUnparsable(t *testing.T) {
	_, err := Parse([]byte("groups: [unbalanced"))
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FormatError, got %T: %v", err, err)
	}
}

func TestParseUnknownTopLevelKey(t *testing.T) {
	_, err := Parse([]byte(sampleYAML + "memebrs: []\n"))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	msgs := ve.Problems["document"]
	if len(msgs) == 0 || !strings.Contains(msgs[0], `"members"`) {
		t.Errorf("expected closest-key suggestion naming \"members\", got: %v", ve.Messages())
	}
}

func TestParseMisspelledRoomKey(t *testing.T) {
	in := strings.Replace(sampleYAML, "only-admins-can-speak?", "only-admins-can-spek?", 1)
	_, err := Parse([]byte(in))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	msgs := ve.Problems["rooms[0]"]
	if len(msgs) == 0 || !strings.Contains(msgs[0], "only-admins-can-speak?") {
		t.Errorf("expected suggestion for misspelled room key, got: %v", ve.Messages())
	}
}

func TestParseRejectsBadRoomID(t *testing.T) {
	in := strings.Replace(sampleYAML, "room-id: officers", "room-id: Officers-", 1)
	if _, err := Parse([]byte(in)); err == nil {
		t.Fatal("invalid room-id accepted")
	}
}

func TestParseToleratesFileSHA(t *testing.T) {
	if _, err := Parse([]byte(sampleYAML + "_file-sha256: abc123\n")); err != nil {
		t.Fatalf("reserved _file-sha256 key rejected: %v", err)
	}
}

func TestSetsDropDuplicates(t *testing.T) {
	in := strings.Replace(sampleYAML,
		"groups: [group/owner, group/member]",
		"groups: [group/owner, group/owner, group/member]", 1)
	doc, err := Parse([]byte(in))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Members[0].Groups) != 2 {
		t.Errorf("set kept duplicates: %v", doc.Members[0].Groups.Sorted())
	}
}

func TestCloneIsDeep(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	clone := doc.Clone()
	clone.Rooms[0].Admins[BotGroup] = struct{}{}
	clone.Tracking.Members["mallory"] = struct{}{}

	if doc.Rooms[0].Admins.Contains(BotGroup) {
		t.Error("clone shares room admin set with original")
	}
	if doc.Tracking.Members.Contains("mallory") {
		t.Error("clone shares tracking set with original")
	}
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"memebrs", "members", 2},
	}
	for _, c := range cases {
		if got := levenshtein(c.a, c.b); got != c.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
