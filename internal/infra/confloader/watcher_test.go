package confloader

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := NewWatcher(
		WithWatcherLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDebounce(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcher_Watch_NonexistentDir(t *testing.T) {
	w := newTestWatcher(t)
	if err := w.Watch("/nonexistent/dir/topomesh.yaml"); err == nil {
		t.Fatal("Watch() on a missing directory should fail")
	}
}

func TestWatcher_FileChangeIsCoalesced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topomesh.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t)
	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	var calls atomic.Int32
	var changed atomic.Value
	w.OnChange(func(p string) {
		changed.Store(p)
		calls.Add(1)
	})
	w.StartAsync()

	for i := range 3 {
		content := []byte("log:\n  level: debug\n# " + string(rune('a'+i)) + "\n")
		if err := os.WriteFile(path, content, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	eventually(t, func() bool { return calls.Load() >= 1 })
	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("callbacks = %d, want 1 for a burst of writes", n)
	}
	if got, _ := changed.Load().(string); got != filepath.Clean(path) {
		t.Errorf("changed path = %q, want %q", got, path)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topomesh.yaml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t)
	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	var calls atomic.Int32
	w.OnChange(func(string) { calls.Add(1) })
	w.StartAsync()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("callbacks = %d, want 0 for an unrelated file", n)
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	w := newTestWatcher(t)
	w.StartAsync()
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
