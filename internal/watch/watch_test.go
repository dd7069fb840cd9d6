package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startWatcher(t *testing.T, path string) <-chan struct{} {
	t.Helper()
	fw, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	changed := make(chan struct{}, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fw.Run(ctx, func() { changed <- struct{}{} })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return changed
}

func waitChange(t *testing.T, changed <-chan struct{}) {
	t.Helper()
	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatalf("no change reported")
	}
}

func TestFileWatcher_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bills.ics")
	if err := os.WriteFile(path, []byte("one"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	changed := startWatcher(t, path)

	if err := os.WriteFile(path, []byte("two"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitChange(t, changed)
}

func TestFileWatcher_RenameOver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bills.ics")
	if err := os.WriteFile(path, []byte("one"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	changed := startWatcher(t, path)

	tmp := filepath.Join(dir, ".bills.ics.swp")
	if err := os.WriteFile(tmp, []byte("two"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	waitChange(t, changed)
}

func TestFileWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bills.ics")
	if err := os.WriteFile(path, []byte("one"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	changed := startWatcher(t, path)

	if err := os.WriteFile(filepath.Join(dir, "other.ics"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-changed:
		t.Fatalf("change in a sibling file should not be reported")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNew_MissingDirectory(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope", "bills.ics")); err == nil {
		t.Fatalf("expected an error for a missing directory")
	}
}
