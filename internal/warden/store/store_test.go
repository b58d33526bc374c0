package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/chatwarden/chatwarden/internal/warden/document"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func testDoc() *document.Document {
	return &document.Document{
		Groups: document.GroupMap{
			document.OwnerGroup: "Owner",
			document.BotGroup:   "Bot",
		},
		Rooms: []document.Room{{
			Name:    "Officers",
			RoomID:  "officers",
			Members: document.NewKeySet(document.OwnerGroup),
			Admins:  document.NewKeySet(document.OwnerGroup),
		}},
		Members: []document.Member{{
			Name: "Alice", UserID: "alice",
			Groups: document.NewKeySet(document.OwnerGroup),
		}},
		Tracking: document.Tracking{
			Members: document.NewStringSet("alice"),
			Rooms:   document.NewStringSet("officers"),
			Groups:  document.NewKeySet(document.OwnerGroup, document.BotGroup),
		},
	}
}

func TestSeedsDefaultDocument(t *testing.T) {
	s := newTestStore(t)

	doc, sha, err := s.Read()
	if err != nil {
		t.Fatalf("Read after seed: %v", err)
	}
	if sha == "" {
		t.Error("Read returned empty SHA")
	}
	if _, ok := doc.Groups[document.OwnerGroup]; !ok {
		t.Error("seeded document is missing group/owner")
	}
	if len(doc.Members) != 0 || len(doc.Rooms) != 0 {
		t.Error("seeded document is not empty")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	in := testDoc()

	written, writeSHA, err := s.Write(in)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, readSHA, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if readSHA != writeSHA {
		t.Errorf("read SHA %q != write SHA %q", readSHA, writeSHA)
	}
	if got.FileSHA256 != readSHA {
		t.Errorf("document SHA %q not attached on read", got.FileSHA256)
	}

	// Modulo the attached SHA, what comes back equals what went in.
	got.FileSHA256 = ""
	written.FileSHA256 = ""
	if !reflect.DeepEqual(got, written) {
		t.Error("document changed across write/read round trip")
	}
}

func TestWriteStripsSHA(t *testing.T) {
	s := newTestStore(t)
	in := testDoc()
	in.FileSHA256 = "stale-sha-from-previous-read"

	if _, _, err := s.Write(in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(), s.PrimaryFile()))
	if err != nil {
		t.Fatalf("read primary: %v", err)
	}
	if strings.Contains(string(data), "_file-sha256") {
		t.Error("persisted file contains the _file-sha256 key")
	}
}

func TestWriteRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	in := testDoc()
	delete(in.Groups, document.BotGroup)

	_, _, err := s.Write(in)
	var ve *document.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}

	// The invalid document never reached disk.
	doc, _, readErr := s.Read()
	if readErr != nil {
		t.Fatalf("Read: %v", readErr)
	}
	if _, ok := doc.Groups[document.BotGroup]; !ok {
		t.Error("invalid write clobbered the primary file")
	}
}

func TestWriteCreatesBackup(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Write(testDoc()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "backup"))
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no backup written")
	}
	name := entries[0].Name()
	if !strings.Contains(name, "userdb") || filepath.Ext(name) != ".yaml" {
		t.Errorf("unexpected backup name %q", name)
	}
}

func TestReadFormatError(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(s.Dir(), s.PrimaryFile()), []byte("rooms: [unbalanced"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err := s.Read()
	var fe *document.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FormatError, got %T: %v", err, err)
	}
}

func TestCurrentSHAMatchesRead(t *testing.T) {
	s := newTestStore(t)
	_, readSHA, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	sha, err := s.CurrentSHA()
	if err != nil {
		t.Fatalf("CurrentSHA: %v", err)
	}
	if sha != readSHA {
		t.Errorf("CurrentSHA %q != Read SHA %q", sha, readSHA)
	}
}

func TestLockLifecycle(t *testing.T) {
	s := newTestStore(t)

	if err := s.Lock("sync", time.Minute); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	info, err := s.ReadLock()
	if err != nil {
		t.Fatalf("ReadLock: %v", err)
	}
	if !info.Locked || info.Reason != "sync" {
		t.Errorf("lock not held as expected: %+v", info)
	}

	// A second lock attempt fails while the first is valid.
	if err := s.Lock("other", time.Minute); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}

	if err := s.ClearLock(); err != nil {
		t.Fatalf("ClearLock: %v", err)
	}
	info, err = s.ReadLock()
	if err != nil {
		t.Fatalf("ReadLock after clear: %v", err)
	}
	if info.Locked {
		t.Error("lock still held after ClearLock")
	}
}

func TestExpiredLockAutoClears(t *testing.T) {
	s := newTestStore(t)
	if err := s.Lock("stale", -time.Second); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	info, err := s.ReadLock()
	if err != nil {
		t.Fatalf("ReadLock: %v", err)
	}
	if info.Locked {
		t.Error("expired lock reported as held")
	}
	if _, statErr := os.Stat(filepath.Join(s.Dir(), "userdb.yaml.lock")); !os.IsNotExist(statErr) {
		t.Error("expired lock file not removed")
	}
}

func TestClearAbsentLock(t *testing.T) {
	s := newTestStore(t)
	if err := s.ClearLock(); err != nil {
		t.Errorf("ClearLock on absent lock: %v", err)
	}
}

// Readers racing with atomic writes must always see one complete document,
// never the swap-in-progress bytes.
func TestReadersNeverSeePartialWrites(t *testing.T) {
	s := newTestStore(t)

	small := testDoc()
	big := testDoc()
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("crew%02d", i)
		big.Members = append(big.Members, document.Member{
			Name: "Crew " + id, UserID: id,
			Groups: document.NewKeySet(document.OwnerGroup),
		})
	}

	if _, _, err := s.Write(small); err != nil {
		t.Fatalf("Write: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 20; i++ {
			doc := small
			if i%2 == 0 {
				doc = big
			}
			if _, _, err := s.Write(doc); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Write: %v", err)
			}
			return
		default:
		}
		doc, sha, err := s.Read()
		if err != nil {
			t.Fatalf("reader observed a broken document: %v", err)
		}
		if sha == "" {
			t.Fatal("reader got an empty fingerprint")
		}
		if n := len(doc.Members); n != 1 && n != 41 {
			t.Fatalf("reader observed a torn document with %d members", n)
		}
	}
}
