// Package store persists the configuration document on disk: atomic writes
// through a swap file, SHA-256 fingerprinting, timestamped backups, an
// advisory lock file, and default-document seeding on first start.
//
// Reads are lock-free; the atomic rename guarantees readers see either the
// previous or the new content, never a partial file. Writers are expected to
// hold the advisory lock (the mutator enforces this), so Write itself is
// unconditional.
package store

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/chatwarden/chatwarden/internal/warden/document"
)

const (
	primaryName = "userdb.yaml"
	swapName    = "userdb.swp.yaml"
	lockName    = "userdb.yaml.lock"
	backupDir   = "backup"

	// maxBackups bounds disk growth; the oldest backups are pruned on write.
	maxBackups = 50
)

//go:embed default.yaml
var defaultDocument []byte

// Store is the on-disk document store rooted at one folder.
type Store struct {
	dir string
}

// New opens (and if necessary seeds) the store at dir. A missing folder is
// created; a missing primary file is seeded from the compiled-in default
// document.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, backupDir), 0o755); err != nil {
		return nil, fmt.Errorf("store: create folder: %w", err)
	}
	s := &Store{dir: dir}

	if _, err := os.Stat(s.primaryPath()); os.IsNotExist(err) {
		slog.Info("store: seeding default document", "path", s.primaryPath())
		if err := os.WriteFile(s.primaryPath(), defaultDocument, 0o644); err != nil {
			return nil, fmt.Errorf("store: seed default document: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("store: stat %s: %w", s.primaryPath(), err)
	}
	return s, nil
}

// Dir returns the store's folder.
func (s *Store) Dir() string { return s.dir }

// PrimaryFile returns the name (not path) of the primary document file.
// The watcher uses it to filter filesystem events.
func (s *Store) PrimaryFile() string { return primaryName }

func (s *Store) primaryPath() string { return filepath.Join(s.dir, primaryName) }
func (s *Store) swapPath() string    { return filepath.Join(s.dir, swapName) }
func (s *Store) lockPath() string    { return filepath.Join(s.dir, lockName) }

// Read loads the document from disk, validates it, and returns it together
// with the SHA-256 over the file bytes. The SHA is also attached to the
// returned document under the reserved _file-sha256 key.
func (s *Store) Read() (*document.Document, string, error) {
	data, err := os.ReadFile(s.primaryPath())
	if err != nil {
		return nil, "", fmt.Errorf("store: read document: %w", err)
	}
	sha := fingerprint(data)

	doc, err := document.Parse(data)
	if err != nil {
		return nil, "", err
	}
	doc.FileSHA256 = sha
	return doc, sha, nil
}

// CurrentSHA returns the SHA-256 of the primary file's current bytes without
// parsing the document.
func (s *Store) CurrentSHA() (string, error) {
	data, err := os.ReadFile(s.primaryPath())
	if err != nil {
		return "", fmt.Errorf("store: read document: %w", err)
	}
	return fingerprint(data), nil
}

// Write validates and persists the document: timestamped backup of the
// current file, canonical serialization to the swap file, then an atomic
// rename over the primary. Returns the persisted document with the new SHA
// attached.
func (s *Store) Write(doc *document.Document) (*document.Document, string, error) {
	out := doc.Clone()
	out.FileSHA256 = ""
	if ve := document.Validate(out); ve != nil {
		return nil, "", ve
	}

	data, err := document.Marshal(out)
	if err != nil {
		return nil, "", err
	}

	if err := s.backupPrimary(); err != nil {
		return nil, "", err
	}

	if err := os.WriteFile(s.swapPath(), data, 0o644); err != nil {
		return nil, "", fmt.Errorf("store: write swap file: %w", err)
	}
	if err := os.Rename(s.swapPath(), s.primaryPath()); err != nil {
		// Some filesystems cannot rename over an existing file. The fallback
		// keeps concurrent writers safe (the lock serializes them) but loses
		// crash atomicity.
		slog.Warn("store: atomic rename failed, falling back to copy", "err", err)
		if copyErr := copyFile(s.swapPath(), s.primaryPath()); copyErr != nil {
			return nil, "", fmt.Errorf("store: replace primary: %w", copyErr)
		}
		if rmErr := os.Remove(s.swapPath()); rmErr != nil {
			slog.Warn("store: remove swap file", "err", rmErr)
		}
	}

	sha := fingerprint(data)
	out.FileSHA256 = sha
	return out, sha, nil
}

// backupPrimary copies the current primary file to
// backup/userdb<epochMillis>.yaml and prunes old backups.
func (s *Store) backupPrimary() error {
	data, err := os.ReadFile(s.primaryPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read for backup: %w", err)
	}

	name := fmt.Sprintf("userdb%d.yaml", time.Now().UnixMilli())
	path := filepath.Join(s.dir, backupDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("store: write backup: %w", err)
	}

	s.pruneBackups()
	return nil
}

func (s *Store) pruneBackups() {
	entries, err := os.ReadDir(filepath.Join(s.dir, backupDir))
	if err != nil {
		slog.Warn("store: list backups", "err", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= maxBackups {
		return
	}
	// Backup names embed an epoch-milli timestamp of fixed magnitude, so
	// lexical order is chronological.
	sort.Strings(names)
	for _, name := range names[:len(names)-maxBackups] {
		if err := os.Remove(filepath.Join(s.dir, backupDir, name)); err != nil {
			slog.Warn("store: prune backup", "name", name, "err", err)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
