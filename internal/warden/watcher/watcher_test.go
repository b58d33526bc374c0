package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chatwarden/chatwarden/internal/warden/document"
	"github.com/chatwarden/chatwarden/internal/warden/mutator"
	"github.com/chatwarden/chatwarden/internal/warden/store"
)

type fakeSwapper struct {
	mu      sync.Mutex
	calls   int
	reasons []string
	lastSHA string
}

func (f *fakeSwapper) SwapState(_ context.Context, reason string, _ func(*document.Document) *document.Document) mutator.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reasons = append(f.reasons, reason)
	return mutator.Result{OK: true}
}

func (f *fakeSwapper) LastWrittenSHA() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSHA
}

func (f *fakeSwapper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestWatcher(t *testing.T) (*Watcher, *store.Store, *fakeSwapper) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	swapper := &fakeSwapper{}
	return New(st, swapper, nil), st, swapper
}

func TestRelevant(t *testing.T) {
	w, st, _ := newTestWatcher(t)
	primary := filepath.Join(st.Dir(), st.PrimaryFile())

	cases := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"primary write", fsnotify.Event{Name: primary, Op: fsnotify.Write}, true},
		{"primary create", fsnotify.Event{Name: primary, Op: fsnotify.Create}, true},
		{"primary chmod", fsnotify.Event{Name: primary, Op: fsnotify.Chmod}, false},
		{"primary remove", fsnotify.Event{Name: primary, Op: fsnotify.Remove}, false},
		{"swap file", fsnotify.Event{Name: filepath.Join(st.Dir(), "userdb.swp.yaml"), Op: fsnotify.Write}, false},
		{"lock file", fsnotify.Event{Name: filepath.Join(st.Dir(), "userdb.yaml.lock"), Op: fsnotify.Create}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := w.relevant(c.event); got != c.want {
				t.Errorf("relevant(%v) = %v, want %v", c.event, got, c.want)
			}
		})
	}
}

func TestHandleChangeSkipsWhileLocked(t *testing.T) {
	w, st, swapper := newTestWatcher(t)

	if err := st.Lock("sync in progress", time.Minute); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	w.handleChange(context.Background())
	if swapper.callCount() != 0 {
		t.Error("sync triggered while the lock was held")
	}
}

func TestHandleChangeSkipsOwnWriteEcho(t *testing.T) {
	w, st, swapper := newTestWatcher(t)

	sha, err := st.CurrentSHA()
	if err != nil {
		t.Fatalf("CurrentSHA: %v", err)
	}
	swapper.lastSHA = sha

	w.handleChange(context.Background())
	if swapper.callCount() != 0 {
		t.Error("sync triggered for the engine's own write")
	}
}

func TestHandleChangeTriggersSync(t *testing.T) {
	w, _, swapper := newTestWatcher(t)

	swapper.lastSHA = "different"
	w.handleChange(context.Background())
	if swapper.callCount() != 1 {
		t.Fatalf("sync calls = %d, want 1", swapper.callCount())
	}
	if swapper.reasons[0] != "filesystem change" {
		t.Errorf("reason = %q", swapper.reasons[0])
	}
}

func TestRunReactsToEdit(t *testing.T) {
	w, st, swapper := newTestWatcher(t)
	swapper.lastSHA = "none"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	// Give the watcher time to install before editing.
	time.Sleep(300 * time.Millisecond)

	data, err := os.ReadFile(filepath.Join(st.Dir(), st.PrimaryFile()))
	if err != nil {
		t.Fatalf("read primary: %v", err)
	}
	if err := os.WriteFile(filepath.Join(st.Dir(), st.PrimaryFile()), append(data, '\n'), 0o644); err != nil {
		t.Fatalf("edit primary: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for swapper.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("edit never triggered a sync")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
